package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"recording-pipeline/internal/models"
)

// Postgres wraps pgxpool for durable job persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ JobStore = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, recording_id, user_id, organization_id, file_path, state, priority, attempts, max_attempts,
	last_error, failed_reason, failed_stage, stacktrace, analysis, run_at, created_at, processed_at, finished_at`

// CreateJob inserts a job row. A row with the same id is returned unchanged with existed=true.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	now := time.Now().UTC()
	p.applyDefaults(now)
	state := p.initialState(now)

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, recording_id, user_id, organization_id, file_path, state, priority, attempts, max_attempts, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $10)
		ON CONFLICT (id) DO NOTHING
	`, p.ID, p.Payload.RecordingID, p.Payload.UserID, p.Payload.OrganizationID, p.Payload.FilePath, state, p.Priority, p.MaxAttempts, p.RunAt, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetJob(ctx, p.ID)
		if err != nil {
			return models.Job{}, false, err
		}
		return existing, true, nil
	}

	return models.Job{
		ID:          p.ID,
		Payload:     p.Payload,
		State:       state,
		Priority:    p.Priority,
		MaxAttempts: p.MaxAttempts,
		RunAt:       p.RunAt,
		CreatedAt:   now,
	}, false, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return job, err
}

// LatestForRecording returns the most recently created job for a recording.
func (s *Postgres) LatestForRecording(ctx context.Context, recordingID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE recording_id = $1 ORDER BY created_at DESC LIMIT 1
	`, recordingID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("recording %s: %w", recordingID, models.ErrNotFound)
	}
	return job, err
}

// UpdateState applies a lifecycle transition. Completed and failed jobs are final.
func (s *Postgres) UpdateState(ctx context.Context, id string, u StateUpdate) error {
	var runAt *time.Time
	if !u.RunAt.IsZero() {
		runAt = &u.RunAt
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = $2, attempts = $3, last_error = $4, failed_reason = $5, failed_stage = $6, stacktrace = $7,
			run_at = COALESCE($8, run_at),
			processed_at = COALESCE($9, processed_at),
			finished_at = COALESCE($10, finished_at),
			updated_at = NOW()
		WHERE id = $1 AND state NOT IN ($11, $12)
	`, id, u.State, u.Attempts, nullText(u.LastError), nullText(u.FailedReason), nullText(u.FailedStage), nullText(u.Stacktrace),
		runAt, u.ProcessedAt, u.FinishedAt, models.StateCompleted, models.StateFailed)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if exists {
		return fmt.Errorf("update job %s to %s: %w", id, u.State, models.ErrJobFinished)
	}
	return fmt.Errorf("update job %s: %w", id, models.ErrNotFound)
}

// SaveAnalysis stores the pipeline result on the job row.
func (s *Postgres) SaveAnalysis(ctx context.Context, id string, a models.Analysis) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `UPDATE jobs SET analysis = $2, updated_at = NOW() WHERE id = $1`, id, raw); err != nil {
		return fmt.Errorf("save analysis %s: %w", id, err)
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// ListUnfinished returns jobs that have not reached a terminal state, oldest first.
func (s *Postgres) ListUnfinished(ctx context.Context, after Cursor, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state IN ($1, $2, $3) AND (created_at, id) > ($4, $5)
		ORDER BY created_at, id
		LIMIT $6
	`, models.StateQueued, models.StateDelayed, models.StateActive, after.CreatedAt, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unfinished: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteFinishedBefore removes terminal jobs in state that finished before cutoff.
func (s *Postgres) DeleteFinishedBefore(ctx context.Context, state string, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE state = $1 AND finished_at < $2`, state, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete %s jobs: %w", state, err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var lastErr, failedReason, failedStage, stack pgtype.Text
	var analysis []byte

	err := row.Scan(&job.ID, &job.Payload.RecordingID, &job.Payload.UserID, &job.Payload.OrganizationID, &job.Payload.FilePath,
		&job.State, &job.Priority, &job.Attempts, &job.MaxAttempts,
		&lastErr, &failedReason, &failedStage, &stack, &analysis,
		&job.RunAt, &job.CreatedAt, &job.ProcessedAt, &job.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.LastError = lastErr.String
	job.FailedReason = failedReason.String
	job.FailedStage = failedStage.String
	job.Stacktrace = stack.String
	if len(analysis) > 0 {
		var a models.Analysis
		if err := json.Unmarshal(analysis, &a); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal analysis: %w", err)
		}
		job.Analysis = &a
	}
	return job, nil
}

func nullText(v string) pgtype.Text {
	return pgtype.Text{String: v, Valid: v != ""}
}

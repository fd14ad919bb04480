package store

import (
	"context"
	"fmt"
	"time"

	"recording-pipeline/internal/config"
	"recording-pipeline/internal/models"
)

// JobStore is the durable record of every job. Implementations must be safe for concurrent use.
type JobStore interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	LatestForRecording(ctx context.Context, recordingID string) (models.Job, error)
	UpdateState(ctx context.Context, id string, u StateUpdate) error
	SaveAnalysis(ctx context.Context, id string, a models.Analysis) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
	ListUnfinished(ctx context.Context, after Cursor, limit int) ([]models.Job, error)
	DeleteFinishedBefore(ctx context.Context, state string, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	ID          string
	Payload     models.Payload
	Priority    string
	MaxAttempts int
	RunAt       time.Time
}

// StateUpdate is a lifecycle transition written by the worker pool.
// Nil timestamps and a zero RunAt leave the stored values unchanged.
// Applying one to a completed or failed job returns models.ErrJobFinished.
type StateUpdate struct {
	State        string
	Attempts     int
	LastError    string
	FailedReason string
	FailedStage  string
	Stacktrace   string
	RunAt        time.Time
	ProcessedAt  *time.Time
	FinishedAt   *time.Time
}

// Cursor pages ListUnfinished in (CreatedAt, ID) order. The zero Cursor starts at the beginning.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// After returns the cursor positioned past job.
func After(job models.Job) Cursor {
	return Cursor{CreatedAt: job.CreatedAt, ID: job.ID}
}

func (c Cursor) before(job models.Job) bool {
	if !job.CreatedAt.Equal(c.CreatedAt) {
		return job.CreatedAt.After(c.CreatedAt)
	}
	return job.ID > c.ID
}

func (p *CreateJobParams) applyDefaults(now time.Time) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.Priority == "" {
		p.Priority = "default"
	}
	if p.RunAt.IsZero() {
		p.RunAt = now
	}
}

func (p CreateJobParams) initialState(now time.Time) string {
	if p.RunAt.After(now) {
		return models.StateDelayed
	}
	return models.StateQueued
}

// Open returns the store selected by cfg.JobStore. Postgres stores are
// migrated before they are returned.
func Open(ctx context.Context, cfg config.Config) (JobStore, error) {
	switch cfg.JobStore {
	case "memory":
		return NewMemory(), nil
	case "postgres":
		pg, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown job store %q", cfg.JobStore)
	}
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"recording-pipeline/internal/models"
)

// Memory is an in-process JobStore for local runs and tests. Nothing survives a restart.
type Memory struct {
	mu    sync.RWMutex
	jobs  map[string]models.Job
	audit []models.AuditLog
	now   func() time.Time
}

var _ JobStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]models.Job), now: time.Now}
}

func (m *Memory) Close() {}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.jobs[p.ID]; ok {
		return existing, true, nil
	}
	now := m.now().UTC()
	p.applyDefaults(now)
	job := models.Job{
		ID:          p.ID,
		Payload:     p.Payload,
		State:       p.initialState(now),
		Priority:    p.Priority,
		MaxAttempts: p.MaxAttempts,
		RunAt:       p.RunAt,
		CreatedAt:   now,
	}
	m.jobs[p.ID] = job
	return job, false, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return job, nil
}

func (m *Memory) LatestForRecording(_ context.Context, recordingID string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest models.Job
	found := false
	for _, job := range m.jobs {
		if job.Payload.RecordingID != recordingID {
			continue
		}
		if !found || job.CreatedAt.After(latest.CreatedAt) {
			latest, found = job, true
		}
	}
	if !found {
		return models.Job{}, fmt.Errorf("recording %s: %w", recordingID, models.ErrNotFound)
	}
	return latest, nil
}

func (m *Memory) UpdateState(_ context.Context, id string, u StateUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("update job %s: %w", id, models.ErrNotFound)
	}
	if job.Terminal() {
		return fmt.Errorf("update job %s to %s: %w", id, u.State, models.ErrJobFinished)
	}
	job.State = u.State
	job.Attempts = u.Attempts
	job.LastError = u.LastError
	job.FailedReason = u.FailedReason
	job.FailedStage = u.FailedStage
	job.Stacktrace = u.Stacktrace
	if !u.RunAt.IsZero() {
		job.RunAt = u.RunAt
	}
	if u.ProcessedAt != nil {
		t := *u.ProcessedAt
		job.ProcessedAt = &t
	}
	if u.FinishedAt != nil {
		t := *u.FinishedAt
		job.FinishedAt = &t
	}
	m.jobs[id] = job
	return nil
}

func (m *Memory) SaveAnalysis(_ context.Context, id string, a models.Analysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("save analysis %s: %w", id, models.ErrNotFound)
	}
	job.Analysis = &a
	m.jobs[id] = job
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, models.AuditLog{JobID: jobID, Event: event, Detail: detail, Recorded: m.now()})
	return nil
}

// Audit returns the audit events recorded for jobID in order.
func (m *Memory) Audit(jobID string) []models.AuditLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AuditLog
	for _, a := range m.audit {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out
}

func (m *Memory) ListUnfinished(_ context.Context, after Cursor, limit int) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Job
	for _, job := range m.jobs {
		if !job.Terminal() && after.before(job) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteFinishedBefore(_ context.Context, state string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, job := range m.jobs {
		if job.State == state && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

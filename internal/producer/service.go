// Package producer accepts recording submissions: it validates them, writes
// the durable job and enqueues it. It never waits for processing.
package producer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"recording-pipeline/internal/models"
	"recording-pipeline/internal/queue"
	"recording-pipeline/internal/storage"
	"recording-pipeline/internal/store"
	"recording-pipeline/internal/telemetry"
)

// SubmitRequest asks for one recording to be processed. JobID, Priority and
// Delay are optional; a caller-supplied JobID makes the submission idempotent.
type SubmitRequest struct {
	JobID          string        `json:"jobId"`
	FilePath       string        `json:"filePath"`
	RecordingID    string        `json:"recordingId"`
	UserID         string        `json:"userId"`
	OrganizationID string        `json:"organizationId"`
	Priority       string        `json:"priority"`
	Delay          time.Duration `json:"-"`
}

// Invalidator drops a recording's cached status.
type Invalidator interface {
	Invalidate(ctx context.Context, recordingID string) error
}

// Service submits and cancels jobs.
type Service struct {
	store       store.JobStore
	queue       *queue.RedisQueue
	bucket      storage.Bucket
	status      Invalidator
	log         *zap.Logger
	maxAttempts int
	priority    string
	now         func() time.Time
}

// NewService wires a producer. defaultPriority applies when a request names none.
func NewService(st store.JobStore, q *queue.RedisQueue, bucket storage.Bucket, status Invalidator, defaultPriority string, log *zap.Logger) *Service {
	return &Service{
		store:       st,
		queue:       q,
		bucket:      bucket,
		status:      status,
		log:         log.Named("producer"),
		maxAttempts: q.MaxAttempts(),
		priority:    defaultPriority,
		now:         time.Now,
	}
}

func (r SubmitRequest) validate() error {
	for _, f := range []struct{ name, v string }{
		{"filePath", r.FilePath},
		{"recordingId", r.RecordingID},
		{"userId", r.UserID},
		{"organizationId", r.OrganizationID},
	} {
		if strings.TrimSpace(f.v) == "" {
			return models.Validationf(f.name, "is required")
		}
	}
	if _, err := storage.CleanKey(r.FilePath); err != nil {
		return models.Validationf("filePath", "%v", err)
	}
	if r.Delay < 0 {
		return models.Validationf("delay", "must not be negative")
	}
	return nil
}

// Submit validates req, persists the job and enqueues it. idempotent is true
// when a job with the same id already existed; no second job is created.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (job models.Job, idempotent bool, err error) {
	defer func() {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			telemetry.SubmitRejected.WithLabelValues("validation").Inc()
		}
	}()

	if err := req.validate(); err != nil {
		return models.Job{}, false, err
	}
	exists, err := s.bucket.Exists(ctx, req.FilePath)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("check %s: %w", req.FilePath, err)
	}
	if !exists {
		return models.Job{}, false, models.Validationf("filePath", "object %s does not exist", req.FilePath)
	}

	id := req.JobID
	if id == "" {
		id = uuid.NewString()
	}
	priority := req.Priority
	if priority == "" {
		priority = s.priority
	}
	var runAt time.Time
	if req.Delay > 0 {
		runAt = s.now().Add(req.Delay)
	}

	job, idempotent, err = s.store.CreateJob(ctx, store.CreateJobParams{
		ID: id,
		Payload: models.Payload{
			FilePath:       req.FilePath,
			RecordingID:    req.RecordingID,
			UserID:         req.UserID,
			OrganizationID: req.OrganizationID,
		},
		Priority:    priority,
		MaxAttempts: s.maxAttempts,
		RunAt:       runAt,
	})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("create job: %w", err)
	}
	log := s.log.With(zap.String("job_id", job.ID), zap.String("recording_id", job.Payload.RecordingID))

	// A repeated submission also repairs a job whose first enqueue never landed.
	if job.Terminal() {
		return job, idempotent, nil
	}
	created, err := s.queue.Enqueue(ctx, job)
	if err != nil {
		log.Error("enqueue failed", zap.Error(err))
		return job, idempotent, fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	if idempotent {
		log.Info("duplicate submission", zap.Bool("requeued", created))
		return job, true, nil
	}

	_ = s.store.AppendAudit(ctx, job.ID, "enqueued",
		fmt.Sprintf("org=%s priority=%s", job.Payload.OrganizationID, job.Priority))
	telemetry.JobsSubmitted.Inc()
	log.Info("job submitted", zap.String("priority", job.Priority), zap.Time("run_at", job.RunAt))
	return job, false, nil
}

// Fail terminally fails a job that has not finished yet. A worker holding the
// job loses its lease and abandons it. It reports whether the job changed.
func (s *Service) Fail(ctx context.Context, id, reason string) (bool, error) {
	if reason == "" {
		reason = "failed by operator"
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Terminal() {
		return false, nil
	}
	changed, err := s.queue.Cancel(ctx, id, reason)
	if err != nil {
		return false, err
	}
	if !changed {
		// The queue may have finished the job after the store was read.
		if qj, err := s.queue.Get(ctx, id); err == nil && qj.Terminal() {
			return false, nil
		}
	}

	finished := s.now()
	if err := s.store.UpdateState(ctx, id, store.StateUpdate{
		State:        models.StateFailed,
		Attempts:     job.Attempts,
		LastError:    job.LastError,
		FailedReason: reason,
		FinishedAt:   &finished,
	}); err != nil {
		if errors.Is(err, models.ErrJobFinished) {
			return false, nil
		}
		return changed, fmt.Errorf("mark failed: %w", err)
	}
	_ = s.store.AppendAudit(ctx, id, "failed", reason)
	if err := s.status.Invalidate(ctx, job.Payload.RecordingID); err != nil {
		s.log.Warn("invalidate status", zap.String("recording_id", job.Payload.RecordingID), zap.Error(err))
	}
	s.log.Info("job failed by request", zap.String("job_id", id), zap.String("reason", reason))
	return true, nil
}

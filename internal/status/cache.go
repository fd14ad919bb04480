// Package status keeps the per-recording processing status in Redis.
//
// Two keys are written per recording: status:<recordingId>, a hash with the
// status, stage, job id and error, and recording:<recordingId>, a JSON blob
// with the status and the analysis once done. The cache is a projection of
// the job store; a missing entry is rebuilt from the store on read.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"recording-pipeline/internal/models"
)

// JobSource is the durable store the cache falls back to on a miss.
type JobSource interface {
	LatestForRecording(ctx context.Context, recordingID string) (models.Job, error)
}

// Cache reads and writes status records.
type Cache struct {
	client *redis.Client
	source JobSource
	ttl    time.Duration
	now    func() time.Time
}

func NewCache(client *redis.Client, source JobSource, ttl time.Duration) *Cache {
	return &Cache{client: client, source: source, ttl: ttl, now: time.Now}
}

func statusKey(recordingID string) string    { return "status:" + recordingID }
func recordingKey(recordingID string) string { return "recording:" + recordingID }

type recordingBlob struct {
	Status   string           `json:"status"`
	JobID    string           `json:"jobId,omitempty"`
	Analysis *models.Analysis `json:"analysis,omitempty"`
}

// Get returns the status for a recording, rebuilding it from the job store on a miss.
// ok is false when neither the cache nor the store knows the recording.
func (c *Cache) Get(ctx context.Context, recordingID string) (models.StatusRecord, bool, error) {
	rec, ok, err := c.read(ctx, recordingID)
	if err != nil || ok {
		return rec, ok, err
	}
	if c.source == nil {
		return models.StatusRecord{}, false, nil
	}

	job, err := c.source.LatestForRecording(ctx, recordingID)
	if errors.Is(err, models.ErrNotFound) {
		return models.StatusRecord{}, false, nil
	}
	if err != nil {
		return models.StatusRecord{}, false, fmt.Errorf("recompute status %s: %w", recordingID, err)
	}
	rec = FromJob(job)
	if err := c.write(ctx, rec); err != nil {
		return models.StatusRecord{}, false, err
	}
	return rec, true, nil
}

// FromJob projects a job onto its status record.
func FromJob(job models.Job) models.StatusRecord {
	rec := models.StatusRecord{
		RecordingID: job.Payload.RecordingID,
		JobID:       job.ID,
		Status:      models.StatusForState(job.State),
		UpdatedAt:   job.CreatedAt,
	}
	switch job.State {
	case models.StateFailed:
		rec.Error = job.FailedReason
		rec.Stage = job.FailedStage
	case models.StateDelayed:
		rec.Error = job.LastError
	case models.StateCompleted:
		rec.Analysis = job.Analysis
	}
	if job.FinishedAt != nil {
		rec.UpdatedAt = *job.FinishedAt
	} else if job.ProcessedAt != nil {
		rec.UpdatedAt = *job.ProcessedAt
	}
	return rec
}

func (c *Cache) read(ctx context.Context, recordingID string) (models.StatusRecord, bool, error) {
	pipe := c.client.Pipeline()
	fieldsCmd := pipe.HGetAll(ctx, statusKey(recordingID))
	blobCmd := pipe.Get(ctx, recordingKey(recordingID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return models.StatusRecord{}, false, fmt.Errorf("read status %s: %w", recordingID, err)
	}
	fields := fieldsCmd.Val()
	if len(fields) == 0 {
		return models.StatusRecord{}, false, nil
	}

	rec := models.StatusRecord{
		RecordingID: recordingID,
		JobID:       fields["jobId"],
		Status:      fields["status"],
		Stage:       fields["stage"],
		Error:       fields["error"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updatedAt"]); err == nil {
		rec.UpdatedAt = ts
	}
	if raw, err := blobCmd.Bytes(); err == nil {
		var blob recordingBlob
		if err := json.Unmarshal(raw, &blob); err == nil {
			rec.Analysis = blob.Analysis
		}
	}
	return rec, true, nil
}

func (c *Cache) write(ctx context.Context, rec models.StatusRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = c.now()
	}
	blob, err := json.Marshal(recordingBlob{Status: rec.Status, JobID: rec.JobID, Analysis: rec.Analysis})
	if err != nil {
		return fmt.Errorf("marshal recording blob: %w", err)
	}

	sk := statusKey(rec.RecordingID)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, sk)
	pipe.HSet(ctx, sk,
		"status", rec.Status,
		"jobId", rec.JobID,
		"stage", rec.Stage,
		"error", rec.Error,
		"updatedAt", rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	pipe.Set(ctx, recordingKey(rec.RecordingID), blob, c.ttl)
	if c.ttl > 0 {
		pipe.Expire(ctx, sk, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write status %s: %w", rec.RecordingID, err)
	}
	return nil
}

// SetProcessing records that a worker is running stage of jobID.
func (c *Cache) SetProcessing(ctx context.Context, recordingID, jobID, stage string) error {
	return c.write(ctx, models.StatusRecord{
		RecordingID: recordingID, JobID: jobID, Status: models.StatusProcessing, Stage: stage, UpdatedAt: c.now(),
	})
}

// SetPending records that jobID is waiting for a retry after lastError.
func (c *Cache) SetPending(ctx context.Context, recordingID, jobID, lastError string) error {
	return c.write(ctx, models.StatusRecord{
		RecordingID: recordingID, JobID: jobID, Status: models.StatusPending, Error: lastError, UpdatedAt: c.now(),
	})
}

// SetDone records the finished analysis.
func (c *Cache) SetDone(ctx context.Context, recordingID, jobID string, analysis models.Analysis) error {
	return c.write(ctx, models.StatusRecord{
		RecordingID: recordingID, JobID: jobID, Status: models.StatusDone, Analysis: &analysis, UpdatedAt: c.now(),
	})
}

// SetError records a terminal failure.
func (c *Cache) SetError(ctx context.Context, recordingID, jobID, stage, reason string) error {
	return c.write(ctx, models.StatusRecord{
		RecordingID: recordingID, JobID: jobID, Status: models.StatusError, Stage: stage, Error: reason, UpdatedAt: c.now(),
	})
}

// Invalidate drops the cached entry so the next Get rebuilds it from the store.
func (c *Cache) Invalidate(ctx context.Context, recordingID string) error {
	return c.client.Del(ctx, statusKey(recordingID), recordingKey(recordingID)).Err()
}

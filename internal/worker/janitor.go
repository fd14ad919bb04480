package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"recording-pipeline/internal/models"
	"recording-pipeline/internal/queue"
	"recording-pipeline/internal/store"
	"recording-pipeline/internal/telemetry"
)

// Janitor removes terminal jobs past their retention from the queue and the store.
type Janitor struct {
	queue     *queue.RedisQueue
	store     store.JobStore
	log       *zap.Logger
	retention map[string]time.Duration
	batch     int64
	now       func() time.Time
}

func NewJanitor(q *queue.RedisQueue, st store.JobStore, completed, failed time.Duration, log *zap.Logger) *Janitor {
	return &Janitor{
		queue: q,
		store: st,
		log:   log.Named("janitor"),
		retention: map[string]time.Duration{
			models.StateCompleted: completed,
			models.StateFailed:    failed,
		},
		batch: 500,
		now:   time.Now,
	}
}

// Sweep runs one collection pass and returns the number of queue entries removed per state.
func (j *Janitor) Sweep(ctx context.Context) (map[string]int, error) {
	removed := make(map[string]int, len(j.retention))
	for _, state := range []string{models.StateCompleted, models.StateFailed} {
		keep := j.retention[state]
		if keep <= 0 {
			continue
		}
		cutoff := j.now().Add(-keep)
		for {
			n, err := j.queue.Clean(ctx, state, cutoff, j.batch)
			if err != nil {
				return removed, err
			}
			removed[state] += n
			if int64(n) < j.batch {
				break
			}
		}
		rows, err := j.store.DeleteFinishedBefore(ctx, state, cutoff)
		if err != nil {
			return removed, fmt.Errorf("delete %s jobs: %w", state, err)
		}
		telemetry.JanitorCollected.WithLabelValues(state).Add(float64(removed[state]))
		if removed[state] > 0 || rows > 0 {
			j.log.Info("collected expired jobs",
				zap.String("state", state),
				zap.Int("queue", removed[state]),
				zap.Int64("store", rows),
			)
		}
	}
	return removed, nil
}

// Start schedules Sweep on schedule (standard cron syntax or descriptors such as
// "@every 10m"). The returned cron must be stopped by the caller.
func (j *Janitor) Start(ctx context.Context, schedule string) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := j.Sweep(ctx); err != nil {
			j.log.Warn("sweep failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule janitor %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"recording-pipeline/internal/config"
	"recording-pipeline/internal/models"
	"recording-pipeline/internal/pipeline"
	"recording-pipeline/internal/queue"
	"recording-pipeline/internal/status"
	"recording-pipeline/internal/store"
	"recording-pipeline/internal/telemetry"
)

const finalizeTimeout = 10 * time.Second

var recoverPageSize = 500

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    store.JobStore
	status   *status.Cache
	pipeline *pipeline.Pipeline
	log      *zap.Logger
	workerID string
	now      func() time.Time
}

// NewProcessor wires a processor. The worker ID falls back to the hostname.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, st store.JobStore, cache *status.Cache, p *pipeline.Pipeline, log *zap.Logger) *Processor {
	workerID := cfg.WorkerID
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		status:   cache,
		pipeline: p,
		log:      log.With(zap.String("worker_id", workerID)),
		workerID: workerID,
		now:      time.Now,
	}
}

// Run starts the executors and the maintenance loop and blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintenanceLoop(ctx) })
	for i := 0; i < max(p.cfg.WorkerConcurrency, 1); i++ {
		g.Go(func() error { return p.executor(ctx, i) })
	}
	p.log.Info("worker started",
		zap.Int("concurrency", p.cfg.WorkerConcurrency),
		zap.Duration("visibility", p.cfg.VisibilityTimeout),
		zap.Strings("stages", p.pipeline.Stages()),
	)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) executor(ctx context.Context, n int) error {
	log := p.log.With(zap.Int("executor", n))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		worked, err := p.processNext(ctx)
		if err != nil {
			log.Warn("dequeue failed", zap.Error(err))
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

func (p *Processor) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		p.maintain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// maintain promotes due retries, reclaims expired leases and refreshes the depth gauges.
func (p *Processor) maintain(ctx context.Context) {
	now := p.now()
	batch := int64(p.cfg.MaintenanceBatch)
	if batch <= 0 {
		batch = 100
	}

	if n, err := p.queue.PromoteDelayed(ctx, now, batch); err != nil {
		p.log.Warn("promote delayed", zap.Error(err))
	} else if n > 0 {
		p.log.Debug("promoted delayed jobs", zap.Int("count", n))
	}

	reclaimed, err := p.queue.RequeueExpired(ctx, now, batch)
	if err != nil {
		p.log.Warn("requeue expired", zap.Error(err))
	}
	for _, id := range reclaimed {
		telemetry.LeasesReclaimed.Inc()
		p.log.Warn("lease expired, job requeued", zap.String("job_id", id))
		job, err := p.store.GetJob(ctx, id)
		if err != nil {
			continue
		}
		if err := p.store.UpdateState(ctx, id, store.StateUpdate{State: models.StateQueued, Attempts: job.Attempts, LastError: job.LastError}); err != nil {
			p.log.Warn("mark requeued", zap.String("job_id", id), zap.Error(err))
			continue
		}
		_ = p.store.AppendAudit(ctx, id, "lease_expired", "requeued by "+p.workerID)
	}

	if c, err := p.queue.Counts(ctx); err == nil {
		telemetry.QueueDepthGauge.WithLabelValues(models.StateQueued).Set(float64(c.Waiting))
		telemetry.QueueDepthGauge.WithLabelValues(models.StateActive).Set(float64(c.Active))
		telemetry.QueueDepthGauge.WithLabelValues(models.StateDelayed).Set(float64(c.Delayed))
		telemetry.QueueDepthGauge.WithLabelValues(models.StateFailed).Set(float64(c.Failed))
		telemetry.QueueDepthGauge.WithLabelValues(models.StateCompleted).Set(float64(c.Completed))
	}
}

// processNext leases and processes one job. It reports whether a job was found.
func (p *Processor) processNext(ctx context.Context) (bool, error) {
	lease, err := p.queue.Dequeue(ctx)
	var corrupt *queue.CorruptJobError
	if errors.As(err, &corrupt) {
		p.discardCorrupt(ctx, corrupt)
		return true, err
	}
	if err != nil {
		return false, err
	}
	if lease == nil {
		return false, nil
	}
	p.process(ctx, lease)
	return true, nil
}

func (p *Processor) process(ctx context.Context, lease *queue.Lease) {
	job := lease.Job
	log := p.log.With(
		zap.String("job_id", job.ID),
		zap.String("recording_id", job.Payload.RecordingID),
		zap.Int("attempts", job.Attempts),
	)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	// A job failed between Dequeue and here must keep its terminal row.
	if err := p.queue.Check(ctx, lease); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			p.leaseLost(log)
		} else {
			log.Warn("check lease", zap.Error(err))
		}
		return
	}
	started := p.now()
	if err := p.store.UpdateState(ctx, job.ID, store.StateUpdate{
		State: models.StateActive, Attempts: job.Attempts, LastError: job.LastError, ProcessedAt: &started,
	}); err != nil {
		if errors.Is(err, models.ErrJobFinished) {
			log.Info("job finished elsewhere, abandoning")
			return
		}
		log.Warn("mark active", zap.Error(err))
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := p.heartbeat(jobCtx, lease, cancel, log)

	log.Info("processing job")
	_, err := p.pipeline.Execute(jobCtx, job, func(ctx context.Context, stage string) error {
		if err := p.queue.Check(ctx, lease); err != nil {
			return err
		}
		if err := p.status.SetProcessing(ctx, job.Payload.RecordingID, job.ID, stage); err != nil {
			log.Warn("status update", zap.String("stage", stage), zap.Error(err))
		}
		return nil
	})
	stop()

	// Finish the bookkeeping of a job that ran to the end even during shutdown.
	final, cancelFinal := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancelFinal()
	switch {
	case errors.Is(err, queue.ErrLeaseLost) || errors.Is(context.Cause(jobCtx), queue.ErrLeaseLost):
		p.leaseLost(log)
	case err == nil:
		p.complete(final, lease, log)
	case ctx.Err() != nil:
		log.Info("shutting down, lease left to expire")
	default:
		p.fail(final, lease, err, log)
	}
}

// heartbeat extends the lease every third of the visibility timeout and
// cancels ctx with ErrLeaseLost once the lease is gone.
func (p *Processor) heartbeat(ctx context.Context, lease *queue.Lease, cancel context.CancelCauseFunc, log *zap.Logger) (stop func()) {
	interval := p.cfg.VisibilityTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := p.queue.ExtendLease(ctx, lease, p.cfg.VisibilityTimeout)
				if errors.Is(err, queue.ErrLeaseLost) {
					cancel(queue.ErrLeaseLost)
					return
				}
				if err != nil {
					log.Warn("extend lease", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (p *Processor) leaseLost(log *zap.Logger) {
	telemetry.LeasesLost.Inc()
	log.Warn("lease lost, abandoning job")
}

func (p *Processor) complete(ctx context.Context, lease *queue.Lease, log *zap.Logger) {
	job := lease.Job
	if err := p.queue.Ack(ctx, lease); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			p.leaseLost(log)
			return
		}
		log.Error("ack failed", zap.Error(err))
		return
	}
	finished := p.now()
	if err := p.store.UpdateState(ctx, job.ID, store.StateUpdate{
		State: models.StateCompleted, Attempts: job.Attempts + 1, FinishedAt: &finished,
	}); err != nil {
		log.Error("mark completed", zap.Error(err))
	}
	_ = p.store.AppendAudit(ctx, job.ID, "completed", "worker "+p.workerID+" completed job")
	telemetry.JobsCompleted.Inc()
	log.Info("job completed", zap.Duration("elapsed", finished.Sub(job.CreatedAt)))
}

func (p *Processor) fail(ctx context.Context, lease *queue.Lease, cause error, log *zap.Logger) {
	job := lease.Job
	stage := models.FailedStage(cause)
	f := queue.Failure{
		Reason:   cause.Error(),
		Stage:    stage,
		Terminal: models.IsTerminal(cause),
	}
	var se *models.StageError
	if errors.As(cause, &se) && se.Trace != "" {
		f.Stacktrace = se.Trace
	} else {
		f.Stacktrace = fmt.Sprintf("%s: %+v", stage, cause)
	}

	out, err := p.queue.Fail(ctx, lease, f)
	if err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			p.leaseLost(log)
			return
		}
		log.Error("record failure", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	log = log.With(zap.String("stage", stage), zap.Int("attempts", out.Attempts), zap.Error(cause))

	if out.Terminal {
		finished := p.now()
		if err := p.store.UpdateState(ctx, job.ID, store.StateUpdate{
			State:        models.StateFailed,
			Attempts:     out.Attempts,
			LastError:    f.Reason,
			FailedReason: f.Reason,
			FailedStage:  stage,
			Stacktrace:   f.Stacktrace,
			FinishedAt:   &finished,
		}); err != nil {
			log.Error("mark failed", zap.NamedError("store", err))
		}
		if err := p.status.SetError(ctx, job.Payload.RecordingID, job.ID, stage, f.Reason); err != nil {
			log.Warn("status update", zap.NamedError("status", err))
		}
		_ = p.store.AppendAudit(ctx, job.ID, "failed", f.Reason)
		telemetry.JobsFailed.Inc()
		log.Error("job failed")
		return
	}

	if err := p.store.UpdateState(ctx, job.ID, store.StateUpdate{
		State: models.StateDelayed, Attempts: out.Attempts, LastError: f.Reason, RunAt: out.RetryAt,
	}); err != nil {
		if errors.Is(err, models.ErrJobFinished) {
			log.Info("job failed elsewhere, retry dropped")
			return
		}
		log.Error("mark delayed", zap.NamedError("store", err))
	}
	if err := p.status.SetPending(ctx, job.Payload.RecordingID, job.ID, f.Reason); err != nil {
		log.Warn("status update", zap.NamedError("status", err))
	}
	_ = p.store.AppendAudit(ctx, job.ID, "retry_scheduled",
		fmt.Sprintf("next_run=%s attempts=%d", out.RetryAt.UTC().Format(time.RFC3339), out.Attempts))
	telemetry.JobsRetried.Inc()
	log.Warn("job failed, retry scheduled", zap.Time("retry_at", out.RetryAt))
}

// Recover re-enqueues jobs the store still considers unfinished. Enqueue is
// idempotent, so jobs the queue already holds are left alone.
func (p *Processor) Recover(ctx context.Context) (int, error) {
	restored := 0
	after := store.Cursor{}
	for {
		jobs, err := p.store.ListUnfinished(ctx, after, recoverPageSize)
		if err != nil {
			return restored, fmt.Errorf("list unfinished: %w", err)
		}
		for _, job := range jobs {
			created, err := p.queue.Enqueue(ctx, job)
			if err != nil {
				return restored, err
			}
			if created {
				restored++
				_ = p.store.AppendAudit(ctx, job.ID, "recovered", "re-enqueued by "+p.workerID)
			}
		}
		if len(jobs) < recoverPageSize {
			break
		}
		after = store.After(jobs[len(jobs)-1])
	}
	if restored > 0 {
		p.log.Info("recovered unfinished jobs", zap.Int("count", restored))
	}
	return restored, nil
}

// discardCorrupt records a job the queue could not decode as failed in the store.
func (p *Processor) discardCorrupt(ctx context.Context, corrupt *queue.CorruptJobError) {
	log := p.log.With(zap.String("job_id", corrupt.JobID))
	job, err := p.store.GetJob(ctx, corrupt.JobID)
	if err != nil {
		log.Warn("corrupt job not in store", zap.Error(err))
		return
	}
	finished := p.now()
	reason := corrupt.Error()
	if err := p.store.UpdateState(ctx, job.ID, store.StateUpdate{
		State: models.StateFailed, Attempts: job.Attempts, LastError: reason, FailedReason: reason, FinishedAt: &finished,
	}); err != nil {
		log.Warn("mark corrupt job failed", zap.Error(err))
		return
	}
	log.Error("corrupt job failed")
	_ = p.store.AppendAudit(ctx, corrupt.JobID, "failed", reason)
	telemetry.JobsFailed.Inc()
}

package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"recording-pipeline/internal/config"
	"recording-pipeline/internal/models"
	"recording-pipeline/internal/pipeline"
	"recording-pipeline/internal/queue"
	"recording-pipeline/internal/status"
	"recording-pipeline/internal/store"
)

type stageFunc struct {
	name string
	fn   func(ctx context.Context, run *pipeline.Run) error
}

func (s stageFunc) Name() string                                     { return s.name }
func (s stageFunc) Run(ctx context.Context, run *pipeline.Run) error { return s.fn(ctx, run) }

type harness struct {
	redis *redis.Client
	queue *queue.RedisQueue
	store *store.Memory
	cache *status.Cache
	cfg   config.Config
}

func newHarness(t *testing.T, opts ...func(*config.Config)) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		WorkerID:            "test-worker",
		QueueName:           "audio-processing-queue",
		PriorityQueues:      []string{"high", "default", "low"},
		VisibilityTimeout:   time.Minute,
		WorkerConcurrency:   1,
		WorkerPollInterval:  5 * time.Millisecond,
		MaintenanceInterval: 5 * time.Millisecond,
		MaintenanceBatch:    10,
		MaxAttempts:         3,
		BackoffInitial:      time.Millisecond,
		BackoffMax:          time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	mem := store.NewMemory()
	return &harness{
		redis: client,
		queue: queue.NewRedisQueue(client, queue.OptionsFromConfig(cfg)),
		store: mem,
		cache: status.NewCache(client, mem, time.Hour),
		cfg:   cfg,
	}
}

func (h *harness) processor(t *testing.T, stages ...pipeline.Stage) *Processor {
	return NewProcessor(h.cfg, h.queue, h.store, h.cache, pipeline.New(t.TempDir(), stages...), zaptest.NewLogger(t))
}

func (h *harness) submit(t *testing.T, id string) models.Job {
	t.Helper()
	ctx := context.Background()
	job, _, err := h.store.CreateJob(ctx, store.CreateJobParams{
		ID: id,
		Payload: models.Payload{
			FilePath:       "u1/123_clip.webm",
			RecordingID:    "rec-" + id,
			UserID:         "u1",
			OrganizationID: "org1",
		},
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

// drain processes jobs, running maintenance between polls, until the job is terminal.
func drain(t *testing.T, p *Processor, h *harness, id string) models.Job {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		worked, err := p.processNext(ctx)
		if err != nil {
			t.Fatalf("processNext: %v", err)
		}
		job, err := h.store.GetJob(ctx, id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Terminal() {
			return job
		}
		if !worked {
			time.Sleep(5 * time.Millisecond)
			p.maintain(ctx)
		}
	}
	t.Fatalf("job %s did not finish", id)
	return models.Job{}
}

func analyzeThenNotify(h *harness, failures int) []pipeline.Stage {
	calls := 0
	return []pipeline.Stage{
		stageFunc{name: pipeline.StageAnalyze, fn: func(_ context.Context, run *pipeline.Run) error {
			calls++
			if calls <= failures {
				return models.TransientError(errors.New("upstream 503"))
			}
			run.Analysis = &models.Analysis{Transcript: "hello", Summary: "greeting", Model: "test"}
			return nil
		}},
		pipeline.Notify{Status: h.cache},
	}
}

func TestRetriesTransientFailuresUntilSuccess(t *testing.T) {
	h := newHarness(t)
	p := h.processor(t, analyzeThenNotify(h, 2)...)
	h.submit(t, "job-1")

	job := drain(t, p, h, "job-1")
	if job.State != models.StateCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.State, job.LastError)
	}
	if job.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", job.Attempts)
	}

	ctx := context.Background()
	qjob, err := h.queue.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("queue get: %v", err)
	}
	if qjob.State != models.StateCompleted || qjob.Attempts != 3 {
		t.Fatalf("queue record out of sync: state=%s attempts=%d", qjob.State, qjob.Attempts)
	}

	rec, ok, err := h.cache.Get(ctx, "rec-job-1")
	if err != nil || !ok {
		t.Fatalf("status missing: ok=%v err=%v", ok, err)
	}
	if rec.Status != models.StatusDone || rec.Analysis == nil || rec.Analysis.Summary != "greeting" {
		t.Fatalf("unexpected status %+v", rec)
	}

	events := map[string]int{}
	for _, a := range h.store.Audit("job-1") {
		events[a.Event]++
	}
	if events["retry_scheduled"] != 2 || events["completed"] != 1 {
		t.Fatalf("unexpected audit trail %v", events)
	}
}

func TestExhaustedRetriesFailTerminally(t *testing.T) {
	h := newHarness(t)
	p := h.processor(t, analyzeThenNotify(h, 10)...)
	h.submit(t, "job-2")

	job := drain(t, p, h, "job-2")
	if job.State != models.StateFailed {
		t.Fatalf("expected failed, got %s", job.State)
	}
	if job.Attempts != job.MaxAttempts {
		t.Fatalf("attempts %d should equal max %d", job.Attempts, job.MaxAttempts)
	}
	if job.FailedStage != pipeline.StageAnalyze || job.FailedReason == "" {
		t.Fatalf("failure not attributed: stage=%q reason=%q", job.FailedStage, job.FailedReason)
	}

	worked, err := p.processNext(context.Background())
	if err != nil || worked {
		t.Fatalf("failed job must not be dequeued again: worked=%v err=%v", worked, err)
	}
}

func TestTerminalStageErrorSkipsRetries(t *testing.T) {
	h := newHarness(t)
	var later bool
	p := h.processor(t,
		stageFunc{name: pipeline.StageTranscode, fn: func(context.Context, *pipeline.Run) error {
			return models.TerminalError(errors.New("ffmpeg exit 1: Invalid data found"))
		}},
		stageFunc{name: pipeline.StageAnalyze, fn: func(context.Context, *pipeline.Run) error {
			later = true
			return nil
		}},
	)
	h.submit(t, "job-3")

	job := drain(t, p, h, "job-3")
	if job.State != models.StateFailed || job.Attempts != 1 {
		t.Fatalf("expected failed after one attempt, got %s/%d", job.State, job.Attempts)
	}
	if later {
		t.Fatal("stages after a failed stage must not run")
	}

	ctx := context.Background()
	rec, _, err := h.cache.Get(ctx, "rec-job-3")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec.Status != models.StatusError || rec.Stage != pipeline.StageTranscode {
		t.Fatalf("unexpected status %+v", rec)
	}

	failed, err := h.queue.ListFailed(ctx, 10)
	if err != nil || len(failed) != 1 || failed[0].FailedStage != pipeline.StageTranscode {
		t.Fatalf("unexpected failed list %+v (%v)", failed, err)
	}
}

func TestCancelledJobIsAbandoned(t *testing.T) {
	h := newHarness(t)
	var afterCancel bool
	p := h.processor(t,
		stageFunc{name: pipeline.StageFetch, fn: func(ctx context.Context, run *pipeline.Run) error {
			_, err := h.queue.Cancel(ctx, run.Job.ID, "cancelled by operator")
			return err
		}},
		stageFunc{name: pipeline.StageTranscode, fn: func(context.Context, *pipeline.Run) error {
			afterCancel = true
			return nil
		}},
	)
	h.submit(t, "job-4")

	ctx := context.Background()
	if _, err := p.processNext(ctx); err != nil {
		t.Fatalf("processNext: %v", err)
	}
	if afterCancel {
		t.Fatal("worker kept running after losing its lease")
	}
	qjob, err := h.queue.Get(ctx, "job-4")
	if err != nil {
		t.Fatalf("queue get: %v", err)
	}
	if qjob.State != models.StateFailed || qjob.FailedReason != "cancelled by operator" {
		t.Fatalf("cancel overwritten: %+v", qjob)
	}
	if qjob.Attempts != 0 {
		t.Fatalf("abandoned attempt must not be counted, got %d", qjob.Attempts)
	}
}

func TestRecoverReenqueuesUnfinishedJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, _, err := h.store.CreateJob(ctx, store.CreateJobParams{
			ID:      id,
			Payload: models.Payload{FilePath: "u1/" + id + ".webm", RecordingID: "rec-" + id, UserID: "u1", OrganizationID: "org1"},
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	h.submit(t, "c")

	p := h.processor(t)
	n, err := p.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 recovered jobs, got %d", n)
	}
	counts, err := h.queue.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Waiting != 3 {
		t.Fatalf("expected 3 waiting, got %d", counts.Waiting)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.cfg.WorkerConcurrency = 2
	p := h.processor(t, analyzeThenNotify(h, 0)...)
	h.submit(t, "job-5")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, _ := h.store.GetJob(context.Background(), "job-5")
		if job.State == models.StateCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	job, _ := h.store.GetJob(context.Background(), "job-5")
	if job.State != models.StateCompleted {
		t.Fatalf("expected completed, got %s", job.State)
	}
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"recording-pipeline/internal/config"
	"recording-pipeline/internal/models"
)

// ErrLeaseLost means the caller no longer holds the job: the lease expired and
// was reclaimed, or the job was failed externally.
var ErrLeaseLost = errors.New("lease lost")

// CorruptJobError reports a queue record that could not be decoded.
// Dequeue fails such jobs terminally instead of handing them out.
type CorruptJobError struct {
	JobID string
	Err   error
}

func (e *CorruptJobError) Error() string {
	return fmt.Sprintf("corrupt job %s: %v", e.JobID, e.Err)
}

func (e *CorruptJobError) Unwrap() error {
	return e.Err
}

// Options configures a RedisQueue.
type Options struct {
	Name              string
	Priorities        []string
	VisibilityTimeout time.Duration
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
}

// OptionsFromConfig maps runtime configuration onto queue options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Name:              cfg.QueueName,
		Priorities:        cfg.PriorityQueues,
		VisibilityTimeout: cfg.VisibilityTimeout,
		MaxAttempts:       cfg.MaxAttempts,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMax:        cfg.BackoffMax,
	}
}

// NewRedisClient builds the Redis client shared by the queue, status cache and rate limiter.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// RedisQueue coordinates waiting, active, delayed and terminal job sets in Redis.
// All keys live under queue:<name>:.
type RedisQueue struct {
	client     *redis.Client
	opts       Options
	prefix     string
	activeKey  string
	delayedKey string
	failedKey  string
	doneKey    string
	now        func() time.Time
}

// Lease is an exclusive, time-bounded claim on an active job.
type Lease struct {
	Job      models.Job
	Token    string
	Deadline time.Time
}

// Failure describes why an attempt failed.
type Failure struct {
	Reason     string
	Stage      string
	Stacktrace string
	Terminal   bool
}

// Outcome is the state a failed attempt left the job in.
type Outcome struct {
	Terminal bool
	Attempts int
	RetryAt  time.Time
}

// Counts is a snapshot of queue depth per state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Failed    int64 `json:"failed"`
	Completed int64 `json:"completed"`
}

// NewRedisQueue builds a queue over client.
func NewRedisQueue(client *redis.Client, opts Options) *RedisQueue {
	if opts.Name == "" {
		opts.Name = "audio-processing-queue"
	}
	if len(opts.Priorities) == 0 {
		opts.Priorities = []string{"default"}
	}
	if opts.VisibilityTimeout == 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffInitial == 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 5 * time.Minute
	}
	prefix := fmt.Sprintf("queue:%s:", opts.Name)
	return &RedisQueue{
		client:     client,
		opts:       opts,
		prefix:     prefix,
		activeKey:  prefix + "active",
		delayedKey: prefix + "delayed",
		failedKey:  prefix + "failed",
		doneKey:    prefix + "completed",
		now:        time.Now,
	}
}

func (q *RedisQueue) waitKey(priority string) string {
	return q.prefix + "wait:" + priority
}

func (q *RedisQueue) jobKey(jobID string) string {
	return q.prefix + "job:" + jobID
}

func (q *RedisQueue) waitKeys() []string {
	keys := make([]string, 0, len(q.opts.Priorities))
	for _, p := range q.opts.Priorities {
		keys = append(keys, q.waitKey(p))
	}
	return keys
}

func (q *RedisQueue) priority(p string) string {
	if slices.Contains(q.opts.Priorities, p) {
		return p
	}
	if slices.Contains(q.opts.Priorities, "default") {
		return "default"
	}
	return q.opts.Priorities[len(q.opts.Priorities)/2]
}

// Name returns the queue name.
func (q *RedisQueue) Name() string {
	return q.opts.Name
}

// MaxAttempts is the attempt ceiling applied to jobs enqueued without one.
func (q *RedisQueue) MaxAttempts() int {
	return q.opts.MaxAttempts
}

// Ping checks connectivity to the backing Redis.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue inserts a job into the waiting list, or the delayed set when RunAt is in the future.
// It is idempotent on job ID and reports whether a new entry was created.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.Job) (bool, error) {
	if job.ID == "" {
		return false, errors.New("enqueue: job id is required")
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}
	now := q.now()
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.opts.MaxAttempts
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	runAt := job.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	priority := q.priority(job.Priority)

	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.waitKey(priority), q.delayedKey},
		job.ID, payload, priority, job.MaxAttempts, job.CreatedAt.UnixMilli(), runAt.UnixMilli(), now.UnixMilli(), job.Attempts,
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	return res == 1, nil
}

// Dequeue pops the next job across priority tiers and leases it for the visibility timeout.
// It returns nil when nothing is waiting.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Lease, error) {
	now := q.now()
	deadline := now.Add(q.opts.VisibilityTimeout)
	token := uuid.NewString()

	keys := append(q.waitKeys(), q.activeKey)
	jobID, err := dequeueScript.Run(ctx, q.client, keys, deadline.UnixMilli(), now.UnixMilli(), token, q.prefix+"job:").Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	job, err := q.Get(ctx, jobID)
	var corrupt *CorruptJobError
	if errors.As(err, &corrupt) {
		lease := &Lease{Job: models.Job{ID: jobID}, Token: token, Deadline: deadline}
		if _, ferr := q.Fail(ctx, lease, Failure{Reason: corrupt.Error(), Terminal: true}); ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return &Lease{Job: job, Token: token, Deadline: deadline}, nil
}

// Check returns ErrLeaseLost when the lease token no longer owns the job.
func (q *RedisQueue) Check(ctx context.Context, lease *Lease) error {
	owner, err := q.client.HGet(ctx, q.jobKey(lease.Job.ID), "lease").Result()
	if errors.Is(err, redis.Nil) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("check lease %s: %w", lease.Job.ID, err)
	}
	if owner != lease.Token {
		return ErrLeaseLost
	}
	return nil
}

// ExtendLease pushes the visibility deadline forward for a job the caller still owns.
func (q *RedisQueue) ExtendLease(ctx context.Context, lease *Lease, extension time.Duration) error {
	deadline := q.now().Add(extension)
	ok, err := extendScript.Run(ctx, q.client,
		[]string{q.jobKey(lease.Job.ID), q.activeKey},
		lease.Job.ID, lease.Token, deadline.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", lease.Job.ID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	lease.Deadline = deadline
	return nil
}

// Ack completes the leased job.
func (q *RedisQueue) Ack(ctx context.Context, lease *Lease) error {
	ok, err := ackScript.Run(ctx, q.client,
		[]string{q.jobKey(lease.Job.ID), q.activeKey, q.doneKey},
		lease.Job.ID, lease.Token, q.now().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("ack %s: %w", lease.Job.ID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Fail records a failed attempt. The job is rescheduled with backoff unless the
// failure is terminal or the attempt ceiling is reached.
func (q *RedisQueue) Fail(ctx context.Context, lease *Lease, f Failure) (Outcome, error) {
	now := q.now()
	retryAt := now.Add(backoffWithJitter(q.opts.BackoffInitial, q.opts.BackoffMax, lease.Job.Attempts+1))
	terminal := "0"
	if f.Terminal {
		terminal = "1"
	}

	vals, err := failScript.Run(ctx, q.client,
		[]string{q.jobKey(lease.Job.ID), q.activeKey, q.delayedKey, q.failedKey},
		lease.Job.ID, lease.Token, now.UnixMilli(), f.Reason, f.Stage, f.Stacktrace, terminal, retryAt.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Outcome{}, fmt.Errorf("fail %s: %w", lease.Job.ID, err)
	}
	if len(vals) != 2 {
		return Outcome{}, fmt.Errorf("fail %s: unexpected reply %v", lease.Job.ID, vals)
	}
	if vals[0] < 0 {
		return Outcome{}, ErrLeaseLost
	}
	out := Outcome{Terminal: vals[0] == 1, Attempts: int(vals[1])}
	if !out.Terminal {
		out.RetryAt = retryAt
	}
	return out, nil
}

// PromoteDelayed moves due delayed jobs into their waiting lists and returns how many moved.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error) {
	n, err := promoteScript.Run(ctx, q.client, []string{q.delayedKey},
		now.UnixMilli(), limit, q.prefix, q.priority(""),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}
	return n, nil
}

// RequeueExpired reclaims leases whose deadline passed and returns the reclaimed job IDs.
// Attempts are left untouched.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := requeueScript.Run(ctx, q.client, []string{q.activeKey},
		now.UnixMilli(), limit, q.prefix, q.priority(""),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	return ids, nil
}

// Cancel fails a non-terminal job from outside the worker pool. Any worker
// holding it loses its lease. It reports whether the job was changed.
func (q *RedisQueue) Cancel(ctx context.Context, jobID, reason string) (bool, error) {
	keys := append([]string{q.jobKey(jobID), q.activeKey, q.delayedKey, q.failedKey}, q.waitKeys()...)
	ok, err := cancelScript.Run(ctx, q.client, keys, jobID, q.now().UnixMilli(), reason).Int()
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", jobID, err)
	}
	return ok == 1, nil
}

// Get reads a job's queue record.
func (q *RedisQueue) Get(ctx context.Context, jobID string) (models.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("get %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	return jobFromHash(fields)
}

// ListFailed returns up to limit terminally failed jobs, most recently failed first.
func (q *RedisQueue) ListFailed(ctx context.Context, limit int64) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := q.client.ZRevRange(ctx, q.failedKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	return q.getMany(ctx, ids)
}

func (q *RedisQueue) getMany(ctx context.Context, ids []string) ([]models.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, q.jobKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read jobs: %w", err)
	}
	jobs := make([]models.Job, 0, len(ids))
	for _, c := range cmds {
		if len(c.Val()) == 0 {
			continue
		}
		job, err := jobFromHash(c.Val())
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Counts returns queue depth per state.
func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waits := make([]*redis.IntCmd, 0, len(q.opts.Priorities))
	for _, k := range q.waitKeys() {
		waits = append(waits, pipe.LLen(ctx, k))
	}
	active := pipe.ZCard(ctx, q.activeKey)
	delayed := pipe.ZCard(ctx, q.delayedKey)
	failed := pipe.ZCard(ctx, q.failedKey)
	done := pipe.ZCard(ctx, q.doneKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("queue counts: %w", err)
	}
	var c Counts
	for _, w := range waits {
		c.Waiting += w.Val()
	}
	c.Active = active.Val()
	c.Delayed = delayed.Val()
	c.Failed = failed.Val()
	c.Completed = done.Val()
	return c, nil
}

// Clean deletes up to limit terminal jobs in state that finished before cutoff.
func (q *RedisQueue) Clean(ctx context.Context, state string, cutoff time.Time, limit int64) (int, error) {
	var set string
	switch state {
	case models.StateCompleted:
		set = q.doneKey
	case models.StateFailed:
		set = q.failedKey
	default:
		return 0, fmt.Errorf("clean: unsupported state %q", state)
	}
	ids, err := q.client.ZRangeByScore(ctx, set, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("clean %s: %w", state, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, set, id)
		pipe.Del(ctx, q.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("clean %s: %w", state, err)
	}
	return len(ids), nil
}

func jobFromHash(h map[string]string) (models.Job, error) {
	job := models.Job{
		ID:           h["id"],
		State:        h["state"],
		Priority:     h["priority"],
		LastError:    h["lastError"],
		FailedReason: h["failedReason"],
		FailedStage:  h["failedStage"],
		Stacktrace:   h["stacktrace"],
	}
	if raw := h["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return models.Job{}, &CorruptJobError{JobID: job.ID, Err: fmt.Errorf("decode payload: %w", err)}
		}
	}
	job.Attempts, _ = strconv.Atoi(h["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(h["maxAttempts"])
	job.CreatedAt = msTime(h["createdAt"])
	job.RunAt = msTime(h["runAt"])
	if t := msTime(h["processedAt"]); !t.IsZero() {
		job.ProcessedAt = &t
	}
	if t := msTime(h["finishedAt"]); !t.IsZero() {
		job.FinishedAt = &t
	}
	return job, nil
}

func msTime(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

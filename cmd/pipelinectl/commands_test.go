package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"recording-pipeline/internal/models"
	"recording-pipeline/internal/producer"
	"recording-pipeline/internal/queue"
	"recording-pipeline/internal/status"
	"recording-pipeline/internal/storage"
	"recording-pipeline/internal/store"
)

func newTestApp(t *testing.T) (*app, *bytes.Buffer, *storage.Local) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mem := store.NewMemory()
	q := queue.NewRedisQueue(client, queue.Options{Priorities: []string{"high", "default", "low"}, MaxAttempts: 1})
	bucket := storage.NewLocal(t.TempDir())
	cache := status.NewCache(client, mem, time.Hour)
	out := &bytes.Buffer{}
	return &app{
		queue:    q,
		store:    mem,
		bucket:   bucket,
		status:   cache,
		producer: producer.NewService(mem, q, bucket, cache, "default", zaptest.NewLogger(t)),
		out:      out,
		listModels: func(context.Context) ([]string, error) {
			return []string{"models/gemini-2.5-flash"}, nil
		},
	}, out, bucket
}

func TestProbeAndDepth(t *testing.T) {
	a, out, bucket := newTestApp(t)
	ctx := context.Background()

	err := a.dispatch(ctx, "probe", []string{"-file", "u1/123_clip.webm", "-recording", "rec-1", "-user", "u1", "-org", "org1"})
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve, "missing object must be rejected")

	_, err = bucket.Put(ctx, "u1/123_clip.webm", []byte("audio"), "audio/webm")
	require.NoError(t, err)
	require.NoError(t, a.dispatch(ctx, "probe", []string{"-file", "u1/123_clip.webm", "-recording", "rec-1", "-user", "u1", "-org", "org1", "-id", "probe-1"}))
	assert.Contains(t, out.String(), "submitted job probe-1")

	out.Reset()
	require.NoError(t, a.dispatch(ctx, "depth", nil))
	assert.Regexp(t, `waiting\s+1`, out.String())
}

func TestFailedListsMostRecentFirst(t *testing.T) {
	a, out, _ := newTestApp(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("job-%d", i)
		_, err := a.queue.Enqueue(ctx, models.Job{ID: id, Payload: models.Payload{RecordingID: "rec-" + id}})
		require.NoError(t, err)
		lease, err := a.queue.Dequeue(ctx)
		require.NoError(t, err)
		_, err = a.queue.Fail(ctx, lease, queue.Failure{Reason: "boom " + id, Stage: "analyze"})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	require.NoError(t, a.dispatch(ctx, "failed", []string{"-n", "3"}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[1], "job-4")
	assert.Contains(t, lines[1], "boom job-4")
	assert.Contains(t, lines[3], "job-2")

	assert.Error(t, a.dispatch(ctx, "failed", []string{"-n", "0"}))
}

func TestPingJobStatusAndModels(t *testing.T) {
	a, out, _ := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, a.dispatch(ctx, "ping", nil))
	assert.Contains(t, out.String(), "redis")

	out.Reset()
	require.NoError(t, a.dispatch(ctx, "models", nil))
	assert.Equal(t, "models/gemini-2.5-flash\n", out.String())

	assert.ErrorIs(t, a.dispatch(ctx, "job", []string{"missing"}), models.ErrNotFound)
	assert.ErrorIs(t, a.dispatch(ctx, "status", []string{"missing"}), models.ErrNotFound)
	assert.Error(t, a.dispatch(ctx, "job", nil))
	assert.Error(t, a.dispatch(ctx, "nope", nil))

	a.listModels = func(context.Context) ([]string, error) { return nil, errors.New("no api key") }
	assert.Error(t, a.dispatch(ctx, "models", nil))
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"recording-pipeline/internal/models"
	"recording-pipeline/internal/producer"
	"recording-pipeline/internal/queue"
	"recording-pipeline/internal/ratelimit"
	"recording-pipeline/internal/status"
	"recording-pipeline/internal/storage"
	"recording-pipeline/internal/store"
)

func newTestServer(t *testing.T, capacity int) *httptest.Server {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := zaptest.NewLogger(t)
	mem := store.NewMemory()
	q := queue.NewRedisQueue(client, queue.Options{Priorities: []string{"high", "default", "low"}})
	bucket := storage.NewLocal(t.TempDir())
	if _, err := bucket.Put(context.Background(), "u1/123_clip.webm", []byte("audio"), "audio/webm"); err != nil {
		t.Fatalf("seed bucket: %v", err)
	}
	cache := status.NewCache(client, mem, time.Hour)
	limiter := ratelimit.NewTokenBucket(client, "submit", capacity, 0.001, time.Hour)

	srv := New(producer.NewService(mem, q, bucket, cache, "default", log), mem, q, cache, limiter, log)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

const submitBody = `{"jobId":"job-1","filePath":"u1/123_clip.webm","recordingId":"rec-1","userId":"u1","organizationId":"org1"}`

func TestSubmitAndRead(t *testing.T) {
	ts := newTestServer(t, 10)

	resp := post(t, ts.URL+"/jobs", submitBody)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Job.ID != "job-1" || out.Idempotent {
		t.Fatalf("unexpected response %+v", out)
	}

	if resp := post(t, ts.URL+"/jobs", submitBody); resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate submit: expected 200, got %d", resp.StatusCode)
	}

	resp = get(t, ts.URL+"/jobs/job-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get job: %d", resp.StatusCode)
	}

	resp = get(t, ts.URL+"/recordings/rec-1/status")
	var rec models.StatusRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if rec.Status != models.StatusPending || rec.JobID != "job-1" {
		t.Fatalf("unexpected status %+v", rec)
	}

	resp = get(t, ts.URL+"/queue/counts")
	var counts queue.Counts
	if err := json.NewDecoder(resp.Body).Decode(&counts); err != nil {
		t.Fatalf("decode counts: %v", err)
	}
	if counts.Waiting != 1 {
		t.Fatalf("expected 1 waiting, got %+v", counts)
	}

	if resp := get(t, ts.URL+"/jobs/nope"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if resp := get(t, ts.URL+"/recordings/nope/status"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSubmitValidation(t *testing.T) {
	ts := newTestServer(t, 10)

	resp := post(t, ts.URL+"/jobs", `{"filePath":"u1/missing.webm","recordingId":"rec-1","userId":"u1","organizationId":"org1"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing object, got %d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/jobs", `{"filePath":"../x","recordingId":"rec-1","userId":"u1","organizationId":"org1"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsafe path, got %d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/jobs", `{"filePath":`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", resp.StatusCode)
	}
}

func TestSubmitRateLimitedPerOrganization(t *testing.T) {
	ts := newTestServer(t, 1)

	if resp := post(t, ts.URL+"/jobs", submitBody); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first submit: %d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/jobs", submitBody); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	other := strings.Replace(submitBody, `"org1"`, `"org2"`, 1)
	other = strings.Replace(other, `"job-1"`, `"job-2"`, 1)
	if resp := post(t, ts.URL+"/jobs", other); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("other organization should pass, got %d", resp.StatusCode)
	}
}

func TestFailAndListFailed(t *testing.T) {
	ts := newTestServer(t, 10)
	post(t, ts.URL+"/jobs", submitBody)

	if resp := post(t, ts.URL+"/jobs/job-1/fail", `{"reason":"bad upload"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("fail: %d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/jobs/job-1/fail", `{}`); resp.StatusCode != http.StatusConflict {
		t.Fatalf("second fail: expected 409, got %d", resp.StatusCode)
	}

	resp := get(t, ts.URL+"/queue/failed?limit=5")
	var out struct {
		Items []models.Job `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Items) != 1 || out.Items[0].FailedReason != "bad upload" {
		t.Fatalf("unexpected failed list %+v", out.Items)
	}
	if resp := get(t, ts.URL+"/queue/failed?limit=x"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, 10)
	if resp := get(t, ts.URL+"/healthz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
}

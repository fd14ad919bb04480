package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"recording-pipeline/internal/models"
	"recording-pipeline/internal/producer"
	"recording-pipeline/internal/queue"
	"recording-pipeline/internal/status"
	"recording-pipeline/internal/store"
	"recording-pipeline/internal/telemetry"
)

// Limiter is a per-key admission check.
type Limiter interface {
	Allow(ctx context.Context, id string) (bool, float64, error)
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	producer *producer.Service
	store    store.JobStore
	queue    *queue.RedisQueue
	status   *status.Cache
	limiter  Limiter
	log      *zap.Logger
}

// New constructs the API server. limiter may be nil.
func New(p *producer.Service, st store.JobStore, q *queue.RedisQueue, cache *status.Cache, limiter Limiter, log *zap.Logger) *Server {
	return &Server{
		producer: p,
		store:    st,
		queue:    q,
		status:   cache,
		limiter:  limiter,
		log:      log.Named("api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/fail", s.handleFail)
	r.Get("/recordings/{id}/status", s.handleStatus)
	r.Get("/queue/failed", s.handleFailed)
	r.Get("/queue/counts", s.handleCounts)
	return r
}

type submitRequest struct {
	producer.SubmitRequest
	DelaySeconds int `json:"delaySeconds"`
}

type submitResponse struct {
	Job        models.Job `json:"job"`
	Idempotent bool       `json:"idempotent"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Delay = time.Duration(req.DelaySeconds) * time.Second

	if s.limiter != nil && req.OrganizationID != "" {
		allowed, _, err := s.limiter.Allow(r.Context(), req.OrganizationID)
		if err != nil {
			s.log.Error("rate limiter", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.SubmitRejected.WithLabelValues("rate_limited").Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, idempotent, err := s.producer.Submit(r.Context(), req.SubmitRequest)
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
		return
	case err != nil:
		s.log.Error("submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}
	code := http.StatusAccepted
	if idempotent {
		code = http.StatusOK
	}
	writeJSON(w, code, submitResponse{Job: job, Idempotent: idempotent})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	changed, err := s.producer.Fail(r.Context(), id, body.Reason)
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.log.Error("fail job", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fail job")
		return
	}
	if !changed {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StateFailed})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok, err := s.status.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "recording not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleFailed lists terminally failed jobs, most recent first.
func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	limit := int64(20)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	jobs, err := s.queue.ListFailed(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read failed jobs")
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue counts")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	checks := map[string]string{"redis": "ok", "store": "ok"}
	code := http.StatusOK
	if err := s.queue.Ping(ctx); err != nil {
		checks["redis"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if err := s.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, checks)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

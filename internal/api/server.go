package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"generation-orchestrator/internal/auth"
	"generation-orchestrator/internal/config"
	"generation-orchestrator/internal/lifecycle"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/queue"
	"generation-orchestrator/internal/ratelimit"
	"generation-orchestrator/internal/relay"
	"generation-orchestrator/internal/store"
	"generation-orchestrator/internal/telemetry"
)

// Limiter gates job submission per user.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// HealthCheck is one dependency checked by /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the collaborators of the API server. Limiter and Hub are
// optional.
type Deps struct {
	Store     store.Store
	Lifecycle *lifecycle.Manager
	Limiter   Limiter
	Verifier  *auth.Verifier
	Hub       *relay.Hub
	Checks    []HealthCheck
}

// Server wires HTTP handlers for job submission, status reads, worker
// reports and the event relay.
type Server struct {
	cfg    config.Config
	deps   Deps
	logger zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps, logger zerolog.Logger) *Server {
	if deps.Verifier == nil {
		deps.Verifier = auth.NewVerifier(cfg.Auth)
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.With(s.deps.Verifier.Middleware(s.logger)).Post("/report", s.handleReport)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Post("/{id}/retry", s.handleRetry)
	})

	if s.deps.Hub != nil {
		r.Get("/ws", relay.NewHandler(s.deps.Hub, userFromRequest, s.canJoin, s.logger).ServeHTTP)
	}
	return r
}

type submitResponse struct {
	JobID      string        `json:"jobId"`
	Status     models.Status `json:"status"`
	RequestID  string        `json:"requestId"`
	RetryOf    *string       `json:"retryOf,omitempty"`
	Idempotent bool          `json:"idempotent,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	user := userFromRequest(r)
	if !s.allow(w, r, user) {
		return
	}

	var payload models.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	if payload.Duration < 0 {
		writeError(w, http.StatusBadRequest, "invalid_payload", "duration must not be negative")
		return
	}

	requestID := requestIDFrom(w, r)
	job, idempotent, err := s.deps.Lifecycle.Submit(r.Context(), store.CreateJobParams{
		UserID:         user,
		RequestID:      requestID,
		Payload:        payload,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.submitError(w, err, job.ID)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:      job.ID,
		Status:     job.Status,
		RequestID:  job.RequestID,
		Idempotent: idempotent,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, 100)
	}
	jobs, err := s.deps.Store.ListJobs(r.Context(), userFromRequest(r), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list jobs")
		writeError(w, http.StatusInternalServerError, "internal", "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type transitionResponse struct {
	Applied bool          `json:"applied"`
	Status  models.Status `json:"status"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	out, err := s.deps.Lifecycle.Cancel(r.Context(), job.ID, requestIDFrom(w, r))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{Applied: out.Applied, Status: out.Status})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if !s.allow(w, r, userFromRequest(r)) {
		return
	}
	retry, idempotent, err := s.deps.Lifecycle.Resubmit(r.Context(), job.ID, requestIDFrom(w, r), r.Header.Get("Idempotency-Key"))
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotRetryable) {
			writeError(w, http.StatusConflict, "not_retryable", err.Error())
			return
		}
		s.submitError(w, err, retry.ID)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:      retry.ID,
		Status:     retry.Status,
		RequestID:  retry.RequestID,
		RetryOf:    retry.RetryOf,
		Idempotent: idempotent,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := append([]HealthCheck{{Name: "store", Check: s.deps.Store.Ping}}, s.deps.Checks...)
	results := make(map[string]string, len(checks))
	healthy := true
	for _, c := range checks {
		if err := c.Check(ctx); err != nil {
			healthy = false
			results[c.Name] = err.Error()
			continue
		}
		results[c.Name] = "ok"
	}
	if !healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "checks": results})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "checks": results})
}

// allow applies the per-user submission limit and writes 429 when exhausted.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, user string) bool {
	if s.deps.Limiter == nil {
		return true
	}
	d, err := s.deps.Limiter.Allow(r.Context(), user)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user).Msg("rate limit check")
		writeError(w, http.StatusInternalServerError, "internal", "rate limit error")
		return false
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many submissions")
		return false
	}
	return true
}

func (s *Server) submitError(w http.ResponseWriter, err error, jobID string) {
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, models.ErrCodeQueueFull, "dispatch queue is full, retry later")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "job not found")
	default:
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("submit job")
		writeError(w, http.StatusInternalServerError, "internal", "failed to submit job")
	}
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	s.logger.Error().Err(err).Msg("store")
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

// ownedJob loads the job in the URL. Jobs owned by another user are reported
// as missing.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	job, err := s.deps.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return models.Job{}, false
	}
	if !owns(job, userFromRequest(r)) {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return models.Job{}, false
	}
	return job, true
}

func (s *Server) canJoin(ctx context.Context, userID, jobID string) bool {
	job, err := s.deps.Store.GetJob(ctx, jobID)
	return err == nil && owns(job, userID)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

// owns reports whether user may act on job. Jobs submitted without a user
// are shared.
func owns(job models.Job, user string) bool {
	return job.UserID == "" || job.UserID == user
}

// userFromRequest identifies the caller. Browsers opening the relay socket
// cannot set headers, so the query string is accepted too.
func userFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-User-Id"); v != "" {
		return v
	}
	return r.URL.Query().Get("userId")
}

// requestIDFrom returns the caller's X-Request-Id or a fresh one, and echoes
// it on the response.
func requestIDFrom(w http.ResponseWriter, r *http.Request) string {
	id := r.Header.Get("X-Request-Id")
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", id)
	return id
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, map[string]string{"error": msg, "code": errCode})
}

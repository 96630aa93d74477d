// Package gateway exposes a local management surface over HTTP: health,
// queue status, session inspection, synthetic job submission, and a live
// event stream. It binds loopback by default and is not a public API.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/engine"
	"github.com/basket/go-relay/internal/otel"
	"github.com/basket/go-relay/internal/persistence"
)

type Config struct {
	Store  *persistence.Store
	Engine *engine.Engine
	Bus    *bus.Bus

	// AuthToken guards everything except /healthz. Empty disables auth;
	// the default bind address is loopback.
	AuthToken string

	// Metrics is optional; nil skips request timing.
	Metrics *otel.Metrics
}

type Server struct {
	cfg       Config
	startedAt time.Time
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg, startedAt: time.Now()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/sessions/", s.handleSessionByThread)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/jobs/", s.handleJobByID)
	mux.HandleFunc("/api/events", s.handleEvents)
	return s.timed(mux)
}

// timed records request durations per route. The event stream is excluded;
// a connection held open for hours is not a request latency.
func (s *Server) timed(next http.Handler) http.Handler {
	if s.cfg.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/events" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("route", routeLabel(r.URL.Path)),
				attribute.String("method", r.Method),
			))
	})
}

// routeLabel collapses per-id paths so the metric cardinality stays flat.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/sessions/"):
		return "/api/sessions/{threadID}"
	case strings.HasPrefix(path, "/api/jobs/"):
		return "/api/jobs/{jobID}"
	default:
		return path
	}
}

// authorize checks the bearer token on management routes.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, _, err := s.cfg.Store.JobCounts(r.Context()); err != nil {
		dbOK = false
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ctx := r.Context()

	counts, err := s.cfg.Store.JobMetricsCounts(ctx)
	if err != nil {
		slog.Error("gateway: status counts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	depth, _ := s.cfg.Store.QueueDepth(ctx)
	sessions, _ := s.cfg.Store.SessionCount(ctx)
	paused, _ := s.cfg.Store.ListPaused(ctx)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	st := s.cfg.Engine.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":   int64(time.Since(s.startedAt).Seconds()),
		"backend":          st.Backend,
		"worker_count":     st.WorkerCount,
		"active_jobs":      st.ActiveJobs,
		"last_error":       st.LastError,
		"queue_depth":      depth,
		"queued_jobs":      counts.Queued,
		"running_jobs":     counts.Running,
		"succeeded_jobs":   counts.Succeeded,
		"dead_letter_jobs": counts.DeadLetter,
		"lease_expiries":   counts.LeaseExpiries,
		"session_count":    sessions,
		"paused_threads":   len(paused),
		"alloc_bytes":      mem.Alloc,
		"goroutines":       runtime.NumGoroutine(),
	})
}

func (s *Server) handleSessionByThread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	threadID := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if threadID == "" || strings.Contains(threadID, "/") {
		writeError(w, http.StatusBadRequest, "thread id required")
		return
	}
	ctx := r.Context()

	rec, err := s.cfg.Store.GetSessionRecord(ctx, threadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	pause, err := s.cfg.Store.GetPause(ctx, threadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if rec == nil && pause == nil {
		writeError(w, http.StatusNotFound, "unknown thread")
		return
	}
	held := 0
	if pause != nil {
		held, _ = s.cfg.Store.HeldCount(ctx, threadID)
	}
	recent, _ := s.cfg.Store.ListJobsByThread(ctx, threadID, 5)

	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id":   threadID,
		"record":      rec,
		"paused":      pause != nil,
		"pause":       pause,
		"held_count":  held,
		"recent_jobs": recent,
	})
}

type submitJobRequest struct {
	ThreadID string `json:"thread_id"`
	AuthorID string `json:"author_id,omitempty"`
	Content  string `json:"content"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AuthorID == "" {
		req.AuthorID = "gateway"
	}

	res, err := s.cfg.Engine.Submit(r.Context(), engine.Inbound{
		ThreadID: req.ThreadID,
		AuthorID: req.AuthorID,
		Content:  req.Content,
	})
	switch {
	case errors.Is(err, engine.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, engine.ErrQueueSaturated):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, engine.ErrTurnLimit), errors.Is(err, engine.ErrSessionExpired):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id":     res.JobID,
			"session_id": res.SessionID,
			"resume":     res.Resume,
			"outcome":    string(res.Outcome),
		})
	}
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "job id required")
		return
	}

	if jobID, ok := strings.CutSuffix(rest, "/requeue"); ok {
		s.requeueJob(w, r, jobID)
		return
	}
	if strings.Contains(rest, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := r.Context()
	job, err := s.cfg.Store.GetJob(ctx, rest)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	events, _ := s.cfg.Store.ListJobEvents(ctx, rest, 50)
	writeJSON(w, http.StatusOK, map[string]any{
		"job":    job,
		"events": events,
	})
}

// requeueJob resurrects a dead-lettered job for another attempt cycle.
func (s *Server) requeueJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	requeued, err := s.cfg.Store.RequeueDeadLetter(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if !requeued {
		writeError(w, http.StatusConflict, "job is not dead-lettered")
		return
	}
	slog.Info("gateway: dead letter requeued", "job_id", jobID)
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": jobID,
		"status": string(persistence.JobStatusQueued),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Package server exposes the pool over HTTP: job submission, status,
// cancellation and the liveness probe.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/entrhq/browserd/pkg/job"
	"github.com/entrhq/browserd/pkg/pool"
)

// Server routes admission requests to the pool manager.
type Server struct {
	pool            *pool.Manager
	defaultHeadless bool
	logger          *slog.Logger
}

// New builds the HTTP surface over a pool.
func New(p *pool.Manager, defaultHeadless bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{pool: p, defaultHeadless: defaultHeadless, logger: logger}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{jobID}", s.handleStatus)
		r.Delete("/{jobID}", s.handleCancel)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

type submitRequest struct {
	JobID  string          `json:"job_id,omitempty"`
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`
	Config *struct {
		Headless       *bool `json:"headless,omitempty"`
		TimeoutSeconds int   `json:"timeout_seconds,omitempty"`
	} `json:"config,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Kind == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "kind is required"})
		return
	}

	cfg := job.Config{Headless: s.defaultHeadless}
	if req.Config != nil {
		if req.Config.Headless != nil {
			cfg.Headless = *req.Config.Headless
		}
		if req.Config.TimeoutSeconds > 0 {
			cfg.Timeout = time.Duration(req.Config.TimeoutSeconds) * time.Second
		}
	}

	j, err := s.pool.Submit(r.Context(), pool.Request{
		JobID:  req.JobID,
		Kind:   req.Kind,
		Params: req.Params,
		Config: cfg,
	})
	if err != nil {
		writeJSON(w, submitErrorStatus(err), errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, j)
}

func submitErrorStatus(err error) int {
	switch {
	case errors.Is(err, pool.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, pool.ErrSaturated), errors.Is(err, pool.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		// Invalid IDs, unknown payload kinds, malformed params.
		return http.StatusBadRequest
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	j, err := s.pool.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.List())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.pool.Cancel(chi.URLParam(r, "jobID"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceling"})
	case errors.Is(err, pool.ErrUnknownJob):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, pool.ErrTerminal):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h := s.pool.Health()
	status := http.StatusOK
	if !h.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// The status line is already gone; nothing to do but note it.
		slog.Default().Warn("failed to encode response", "error", err)
	}
}

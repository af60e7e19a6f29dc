package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-archiver/internal/config"
	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/dispatcher"
	"github.com/JakeFAU/site-archiver/internal/metrics"
)

// Submitter accepts new archive jobs and cancels running ones.
type Submitter interface {
	Submit(ctx context.Context, seed string) (*dispatcher.Task, error)
	Cancel(jobID string) error
}

// ReadyFunc reports whether downstream dependencies can serve traffic.
type ReadyFunc func(ctx context.Context) error

// Options carries the optional parts of the server.
type Options struct {
	// ArtifactsDir is served read-only under cfg.Server.ArtifactsPath. Empty
	// disables static serving.
	ArtifactsDir string
	Ready        ReadyFunc
}

// Server wires HTTP handlers to the dispatcher and job store.
type Server struct {
	router    chi.Router
	jobStore  crawler.JobStore
	submitter Submitter
	ready     ReadyFunc
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobStore crawler.JobStore,
	submitter Submitter,
	cfg config.Config,
	opts Options,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobStore:  jobStore,
		submitter: submitter,
		ready:     opts.Ready,
		cfg:       cfg,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins(cfg.Server.CORSOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		if timeout := cfg.RequestTimeout(); timeout > 0 {
			r.Use(timeoutMiddleware(timeout))
		}
		r.Post("/crawl", s.submitCrawl)
		r.Get("/status/{job_id}", s.getJobStatus)
		r.Post("/jobs/{job_id}/cancel", s.cancelJob)
	})

	if opts.ArtifactsDir != "" && cfg.Server.ArtifactsPath != "" {
		prefix := strings.TrimSuffix(cfg.Server.ArtifactsPath, "/")
		files := http.StripPrefix(prefix, http.FileServer(http.Dir(opts.ArtifactsDir)))
		r.Handle(prefix+"/*", files)
	}

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type crawlRequest struct {
	URL string `json:"url"`
}

type crawlResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	task, err := s.submitter.Submit(r.Context(), req.URL)
	if err != nil {
		switch {
		case errors.Is(err, crawler.ErrInvalidURL):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, crawler.ErrQueueClosed):
			writeError(w, http.StatusServiceUnavailable, "shutting down")
		case errors.Is(err, crawler.ErrQueueFull):
			w.Header().Set("Retry-After", "30")
			writeError(w, http.StatusServiceUnavailable, "too many jobs in progress")
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusRequestTimeout, err.Error())
		default:
			s.logger.Error("submit crawl failed", zap.String("url", req.URL), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to start job")
		}
		return
	}
	writeJSON(w, http.StatusOK, crawlResponse{JobID: task.JobID()})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobStore.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, crawler.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job.Pages == nil {
		job.Pages = []crawler.Page{}
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.submitter.Cancel(jobID); err != nil {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "canceling"})
}

func corsOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

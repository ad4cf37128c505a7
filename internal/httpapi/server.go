// Package httpapi exposes the coordinator's operator REST API: job
// submission and control, worker inspection, history queries, health
// and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelmedia/upscaled/internal/config"
	"github.com/kestrelmedia/upscaled/internal/events"
	"github.com/kestrelmedia/upscaled/internal/models"
	"github.com/kestrelmedia/upscaled/internal/repository"
	"github.com/kestrelmedia/upscaled/internal/scheduler"
	"github.com/kestrelmedia/upscaled/internal/session"
	"github.com/kestrelmedia/upscaled/internal/store"
)

// Server is the operator-facing HTTP API.
type Server struct {
	logger    *slog.Logger
	cfg       config.ServerConfig
	store     *store.Store
	scheduler *scheduler.Scheduler
	sessions  *session.Manager
	history   repository.JobHistoryRepository
	bus       *events.Bus
	version   string

	httpSrv *http.Server
}

// New creates the API server.
func New(
	logger *slog.Logger,
	cfg config.ServerConfig,
	st *store.Store,
	sched *scheduler.Scheduler,
	sessions *session.Manager,
	history repository.JobHistoryRepository,
	bus *events.Bus,
	version string,
) *Server {
	return &Server{
		logger:    logger,
		cfg:       cfg,
		store:     st,
		scheduler: sched,
		sessions:  sessions,
		history:   history,
		bus:       bus,
		version:   version,
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Delete("/", s.handleDeleteJob)
				r.Post("/cancel", s.handleCancelJob)
				r.Post("/pause", s.handlePauseJob)
				r.Post("/resume", s.handleResumeJob)
				r.Post("/assemble", s.handleAssembleJob)
			})
		})
		r.Route("/workers", func(r chi.Router) {
			r.Get("/", s.handleListWorkers)
			r.Delete("/{workerID}", s.handleEvictWorker)
		})
		r.Get("/history", s.handleListHistory)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// Start serves the API until the context ends.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.Address(),
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("api listening", slog.String("addr", s.cfg.Address()))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.version,
		"sessions": s.sessions.Count(),
	})
}

// createJobRequest is the POST /api/v1/jobs body.
type createJobRequest struct {
	SourcePath string `json:"source_path"`
	OutputPath string `json:"output_path"`
}

// jobResponse augments the job with its group-aware progress.
type jobResponse struct {
	*models.Job
	ProgressFraction float64 `json:"progress"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SourcePath == "" || req.OutputPath == "" {
		s.respondError(w, http.StatusBadRequest, "source_path and output_path are required")
		return
	}

	job, err := s.scheduler.SubmitJob(r.Context(), req.SourcePath, req.OutputPath)
	if err != nil {
		if errors.Is(err, models.ErrSourceUnreadable) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, s.jobResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.store.ListJobs()
	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, s.jobResponse(job))
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	job, err := s.store.GetJob(id)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	s.respondJSON(w, http.StatusOK, s.jobResponse(job))
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.scheduler.DeleteJob(id); err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			s.respondError(w, http.StatusNotFound, "job not found")
			return
		}
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.scheduler.CancelJob(id); err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			s.respondError(w, http.StatusNotFound, "job not found")
			return
		}
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.scheduler.PauseJob(id); err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			s.respondError(w, http.StatusNotFound, "job not found")
			return
		}
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.scheduler.ResumeJob(id); err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			s.respondError(w, http.StatusNotFound, "job not found")
			return
		}
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// assembleJobRequest is the POST /api/v1/jobs/{jobID}/assemble body.
// Force assembles despite failed batches, tolerating the gaps.
type assembleJobRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleAssembleJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	// An absent or empty body means no force.
	var req assembleJobRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.scheduler.AssembleJob(id, req.Force); err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			s.respondError(w, http.StatusNotFound, "job not found")
			return
		}
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.store.ListWorkers())
}

func (s *Server) handleEvictWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if err := s.store.EvictWorker(workerID); err != nil {
		s.respondError(w, http.StatusNotFound, "worker not found")
		return
	}
	s.sessions.Remove(workerID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var (
		records []*models.JobHistory
		err     error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		records, err = s.history.ListByStatus(r.Context(), models.JobStatus(status), limit)
	} else {
		records, err = s.history.List(r.Context(), limit)
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, records)
}

// handleEvents streams coordinator events as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, unsubscribe := s.bus.Subscribe(64)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) jobResponse(job *models.Job) jobResponse {
	progress, _ := s.store.JobProgress(job.ID)
	return jobResponse{Job: job, ProgressFraction: progress}
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (models.ULID, bool) {
	id, err := models.ParseULID(chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid job id")
		return models.ULID{}, false
	}
	return id, true
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response failed", slog.String("error", err.Error()))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}

package apiv1

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"content-pipeline/internal/domain/model"
	"content-pipeline/internal/infra/api"
	"content-pipeline/internal/infra/logging"
	"content-pipeline/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	"github.com/rs/zerolog"
)

const (
	maxBodyBytes      = 1 << 20
	defaultJobLimit   = 100
	maxJobLimit       = 1000
	defaultEventLimit = 1000
	maxEventLimit     = 10000
)

// Server is the v1 control API over the job use case.
type Server struct {
	jobs      usecase.JobUseCase
	heartbeat time.Duration
	log       *zerolog.Logger
}

func NewServer(jobs usecase.JobUseCase, heartbeat time.Duration, logger *zerolog.Logger) *Server {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	l := logger.With().Str("component", "apiv1").Logger()
	return &Server{jobs: jobs, heartbeat: heartbeat, log: &l}
}

// RegisterAPIV1 mounts the job routes. Every route but the event stream
// runs under timeout; state-changing routes also pass through limit.
func RegisterAPIV1(r chi.Router, s *Server, timeout time.Duration, limit api.Middleware) {
	if limit == nil {
		limit = func(h http.Handler) http.Handler { return h }
	}
	r.Route("/jobs", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(api.Timeout(timeout))
			r.Get("/", s.listJobs)
			r.Get("/{id}", s.getJob)
			r.Get("/{id}/events", s.listEvents)
			r.Get("/{id}/artifacts", s.listArtifacts)

			r.With(limit).Post("/", s.submitJob)
			r.With(limit).Post("/{id}/approve", s.approve)
			r.With(limit).Post("/{id}/reject", s.reject)
			r.With(limit).Post("/{id}/pause", s.pause)
			r.With(limit).Post("/{id}/resume", s.resume)
			r.With(limit).Post("/{id}/cancel", s.cancel)
		})
		r.Get("/{id}/events/stream", s.streamEvents)
	})
}

// jobRequest tags the request context with the job in the path so use case
// logs carry it.
func jobRequest(r *http.Request) (context.Context, string) {
	id := chi.URLParam(r, "id")
	return logging.WithJobID(r.Context(), id), id
}

type listResponse[T any] struct {
	Data []T `json:"data"`
}

type decisionRequest struct {
	Stage string `json:"stage"`
	Notes string `json:"notes,omitempty"`
}

func badRequest(w http.ResponseWriter, msg string) {
	api.WriteError(w, http.StatusBadRequest, "BadRequest", msg, nil)
}

// decodeBody reads a JSON body strictly; unknown fields are errors so a
// misspelt option is never silently ignored.
func decodeBody(r *http.Request, w http.ResponseWriter, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var cfg model.JobConfig
	if err := decodeBody(r, w, &cfg); err != nil {
		badRequest(w, err.Error())
		return
	}
	job, err := s.jobs.Submit(r.Context(), cfg)
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	w.Header().Set("Location", "/jobs/"+job.ID)
	api.WriteJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		status string
		slug   string
		limit  int
	)
	if err := runtime.BindQueryParameter("form", true, false, "status", q, &status); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "slug", q, &slug); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", q, &limit); err != nil {
		badRequest(w, err.Error())
		return
	}
	limit = clamp(limit, defaultJobLimit, maxJobLimit)

	jobs, err := s.jobs.List(r.Context(), model.JobFilter{Status: model.JobStatus(status), Slug: slug, Limit: limit})
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	api.WriteJSON(w, http.StatusOK, listResponse[*model.Job]{Data: jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(jobRequest(r))
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, job)
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) { s.decide(w, r, true) }
func (s *Server) reject(w http.ResponseWriter, r *http.Request)  { s.decide(w, r, false) }

func (s *Server) decide(w http.ResponseWriter, r *http.Request, approve bool) {
	var req decisionRequest
	if err := decodeBody(r, w, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Stage == "" {
		badRequest(w, "stage is required")
		return
	}
	ctx, id := jobRequest(r)
	actor := logging.Actor(ctx)

	decide := s.jobs.Reject
	if approve {
		decide = s.jobs.Approve
	}
	job, err := decide(ctx, id, req.Stage, req.Notes, actor)
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, job)
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.jobs.Pause)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.jobs.Resume)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.jobs.Cancel)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) (*model.Job, error)) {
	job, err := op(jobRequest(r))
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, job)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		after int64
		limit int
	)
	if err := runtime.BindQueryParameter("form", true, false, "after_seq", q, &after); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", q, &limit); err != nil {
		badRequest(w, err.Error())
		return
	}
	if after < 0 {
		badRequest(w, "after_seq must not be negative")
		return
	}
	ctx, id := jobRequest(r)
	evs, err := s.jobs.Events(ctx, id, after, clamp(limit, defaultEventLimit, maxEventLimit))
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, listResponse[model.Event]{Data: evs})
}

func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request) {
	arts, err := s.jobs.Artifacts(jobRequest(r))
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	if arts == nil {
		arts = []model.Artifact{}
	}
	api.WriteJSON(w, http.StatusOK, listResponse[model.Artifact]{Data: arts})
}

func clamp(v, def, hi int) int {
	switch {
	case v <= 0:
		return def
	case v > hi:
		return hi
	}
	return v
}

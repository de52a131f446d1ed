package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/pkg/telemetry"
)

// Jobs is the job manager surface used by the API.
type Jobs interface {
	Now() time.Time
	Create(ctx context.Context, job *domain.Job, seeds ...*domain.JobTask) error
	GetByID(ctx context.Context, id int64) (*domain.Job, error)
	Update(ctx context.Context, job *domain.Job) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, states ...domain.State) ([]*domain.Job, error)
}

// Tasks is the job task manager surface used by the API.
type Tasks interface {
	GetByID(ctx context.Context, id int64) (*domain.JobTask, error)
	ListByJob(ctx context.Context, jobID int64) ([]*domain.JobTask, error)
}

type JobStates interface {
	StopJob(ctx context.Context, job *domain.Job) error
	PauseJob(ctx context.Context, job *domain.Job) error
	UnpauseJob(ctx context.Context, job *domain.Job) error
}

type TaskStates interface {
	StopTask(ctx context.Context, task *domain.JobTask) error
	PauseTask(ctx context.Context, task *domain.JobTask) error
	UnpauseTask(ctx context.Context, task *domain.JobTask) error
}

// ActivateFunc asks for an activation pass after the set of queued or
// active jobs changed.
type ActivateFunc func(ctx context.Context, reason string)

// REST handles HTTP requests for jobs and job tasks.
type REST struct {
	jobs       Jobs
	tasks      Tasks
	jobStates  JobStates
	taskStates TaskStates
	activate   ActivateFunc
	isLeader   func() bool
	logger     *slog.Logger
}

type Option func(*REST)

// WithLeaderCheck rejects pause, unpause and stop requests with 503 while
// isLeader reports false. Only the leader runs workers, so a follower
// cannot hand a transition to them.
func WithLeaderCheck(isLeader func() bool) Option {
	return func(h *REST) { h.isLeader = isLeader }
}

// NewREST creates a new REST handler. activate may be nil.
func NewREST(jobs Jobs, tasks Tasks, jobStates JobStates, taskStates TaskStates, activate ActivateFunc, logger *slog.Logger, opts ...Option) *REST {
	if activate == nil {
		activate = func(context.Context, string) {}
	}
	h := &REST{
		jobs:       jobs,
		tasks:      tasks,
		jobStates:  jobStates,
		taskStates: taskStates,
		activate:   activate,
		isLeader:   func() bool { return true },
		logger:     logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Mount registers the API routes on r.
func (h *REST) Mount(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", h.CreateJob)
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{id}", h.GetJob)
		r.Patch("/jobs/{id}", h.UpdateJob)
		r.Delete("/jobs/{id}", h.DeleteJob)
		r.Get("/jobs/{id}/tasks", h.ListJobTasks)
		r.With(h.leaderOnly).Post("/jobs/{id}/{action:pause|unpause|stop}", h.TransitionJob)
		r.Get("/tasks/{id}", h.GetTask)
		r.With(h.leaderOnly).Post("/tasks/{id}/{action:pause|unpause|stop}", h.TransitionTask)
	})
}

func (h *REST) leaderOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.isLeader() {
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, "not the leader, retry against the leading instance")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SeedTask is one root task of a new job.
type SeedTask struct {
	URI      string                  `json:"uri"`
	Name     string                  `json:"name,omitempty"`
	Priority int                     `json:"priority"`
	Type     domain.JobTaskType      `json:"type,omitempty"`
	ItemID   string                  `json:"item_id,omitempty"`
	Metadata json.RawMessage         `json:"metadata,omitempty"`
	Request  *domain.DownloadRequest `json:"request,omitempty"`
}

// CreateJobRequest is the JSON body for POST /api/v1/jobs.
type CreateJobRequest struct {
	Name         string          `json:"name"`
	Priority     int             `json:"priority"`
	Config       json.RawMessage `json:"config,omitempty"`
	DelayedUntil *time.Time      `json:"delayed_until,omitempty"`
	Seeds        []SeedTask      `json:"seeds"`
}

// UpdateJobRequest is the JSON body for PATCH /api/v1/jobs/{id}. Omitted
// fields are left unchanged.
type UpdateJobRequest struct {
	Priority *int            `json:"priority,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// CreateJobResponse is the 201 response body.
type CreateJobResponse struct {
	Job   *domain.Job       `json:"job"`
	Tasks []*domain.JobTask `json:"tasks"`
}

// CreateJob handles POST /api/v1/jobs.
func (h *REST) CreateJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("archiver-api").Start(r.Context(), "api.create_job")
	defer span.End()

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Seeds) == 0 {
		writeError(w, http.StatusBadRequest, "field 'seeds' needs at least one task")
		return
	}
	cfg, err := domain.ParseJobConfig(req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	seeds := make([]*domain.JobTask, 0, len(req.Seeds))
	for i, s := range req.Seeds {
		if strings.TrimSpace(s.URI) == "" {
			writeError(w, http.StatusBadRequest, "seed "+strconv.Itoa(i)+": field 'uri' is required")
			return
		}
		if s.Type == "" {
			s.Type = domain.TaskTypeExtract
		}
		if !s.Type.Valid() {
			writeError(w, http.StatusBadRequest, "seed "+strconv.Itoa(i)+": unknown type "+string(s.Type))
			return
		}
		seeds = append(seeds, &domain.JobTask{
			Name:      s.Name,
			Priority:  s.Priority,
			URI:       s.URI,
			ItemID:    s.ItemID,
			Metadata:  s.Metadata,
			Type:      s.Type,
			Request:   s.Request,
			Lifecycle: domain.Lifecycle{State: domain.StateInactive},
		})
	}

	job := domain.NewJob(req.Name, req.Priority, cfg, req.DelayedUntil, h.jobs.Now())
	if err := h.jobs.Create(ctx, job, seeds...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create job failed")
		h.writeDomainError(w, err)
		return
	}
	span.SetAttributes(
		attribute.Int64("job.id", job.ID),
		attribute.Int("job.priority", job.Priority),
	)
	telemetry.APIJobsCreated.Inc()
	h.logger.Info("job created",
		slog.Int64("job_id", job.ID),
		slog.Int("priority", job.Priority),
		slog.Int("seeds", len(seeds)),
	)
	h.activate(ctx, "job created")

	writeJSON(w, http.StatusCreated, CreateJobResponse{Job: job, Tasks: seeds})
}

// ListJobs handles GET /api/v1/jobs?state=ACTIVE&state=PAUSED.
func (h *REST) ListJobs(w http.ResponseWriter, r *http.Request) {
	var states []domain.State
	for _, s := range r.URL.Query()["state"] {
		st := domain.State(strings.ToUpper(s))
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "unknown state "+s)
			return
		}
		states = append(states, st)
	}
	jobs, err := h.jobs.List(r.Context(), states...)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*domain.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *REST) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// UpdateJob handles PATCH /api/v1/jobs/{id}.
func (h *REST) UpdateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req UpdateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var cfg *domain.JobConfig
	if len(req.Config) > 0 {
		parsed, err := domain.ParseJobConfig(req.Config)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		cfg = &parsed
	}

	ctx := r.Context()
	job, err := h.patchJob(ctx, id, req.Priority, cfg)
	for attempt := 1; domain.IsConflict(err) && attempt < maxPatchAttempts; attempt++ {
		job, err = h.patchJob(ctx, id, req.Priority, cfg)
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if req.Priority != nil {
		h.activate(ctx, "job priority changed")
	}
	writeJSON(w, http.StatusOK, job)
}

// maxPatchAttempts bounds the re-reads of a PATCH that keeps losing against
// concurrent writes.
const maxPatchAttempts = 3

// patchJob applies the changes to a fresh read of the job.
func (h *REST) patchJob(ctx context.Context, id int64, priority *int, cfg *domain.JobConfig) (*domain.Job, error) {
	job, err := h.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if priority != nil {
		if err := job.SetPriority(*priority); err != nil {
			return nil, err
		}
	}
	if cfg != nil {
		if err := job.SetConfig(cfg.Clone()); err != nil {
			return nil, err
		}
	}
	if err := h.jobs.Update(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// DeleteJob handles DELETE /api/v1/jobs/{id}.
func (h *REST) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.jobs.Delete(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.logger.Info("job deleted", slog.Int64("job_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// ListJobTasks handles GET /api/v1/jobs/{id}/tasks.
func (h *REST) ListJobTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if _, err := h.jobs.GetByID(ctx, id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	tasks, err := h.tasks.ListByJob(ctx, id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*domain.JobTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// TransitionJob handles POST /api/v1/jobs/{id}/{pause|unpause|stop}. The
// call blocks until the job's worker has stopped.
func (h *REST) TransitionJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	action := chi.URLParam(r, "action")
	ctx, span := otel.Tracer("archiver-api").Start(r.Context(), "api."+action+"_job")
	defer span.End()
	span.SetAttributes(attribute.Int64("job.id", id))

	job, err := h.jobs.GetByID(ctx, id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	switch action {
	case "pause":
		err = h.jobStates.PauseJob(ctx, job)
	case "unpause":
		err = h.jobStates.UnpauseJob(ctx, job)
	case "stop":
		err = h.jobStates.StopJob(ctx, job)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, action+" job failed")
		h.writeDomainError(w, err)
		return
	}
	h.logger.Info("job "+action,
		slog.Int64("job_id", id),
		slog.String("state", string(job.State)),
	)
	h.activate(ctx, "job "+action)
	writeJSON(w, http.StatusOK, job)
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	task, err := h.tasks.GetByID(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// TransitionTask handles POST /api/v1/tasks/{id}/{pause|unpause|stop}.
func (h *REST) TransitionTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	action := chi.URLParam(r, "action")
	ctx, span := otel.Tracer("archiver-api").Start(r.Context(), "api."+action+"_task")
	defer span.End()
	span.SetAttributes(attribute.Int64("task.id", id))

	task, err := h.tasks.GetByID(ctx, id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	switch action {
	case "pause":
		err = h.taskStates.PauseTask(ctx, task)
	case "unpause":
		err = h.taskStates.UnpauseTask(ctx, task)
	case "stop":
		err = h.taskStates.StopTask(ctx, task)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, action+" task failed")
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *REST) writeDomainError(w http.ResponseWriter, err error) {
	var (
		notFound      *domain.EntityNotFoundError
		alreadyDone   *domain.AlreadyDoneError
		transitioning *domain.TransitioningError
		active        *domain.ActiveEntityError
		conflict      *domain.ConflictError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &alreadyDone), errors.As(err, &transitioning), errors.As(err, &active), errors.As(err, &conflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request cancelled before the worker stopped, the transition finishes in the background")
	default:
		h.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Package activation keeps the highest-priority jobs running. It runs as a
// background job handler so every trigger goes through the dispatcher queue.
package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/WiLGYSeF/stalk-sub000/internal/background"
	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/internal/repository"
	"github.com/WiLGYSeF/stalk-sub000/pkg/telemetry"
)

// Kind is the background job kind handled by Handler.
const Kind = "activate-prioritized-jobs"

// Args are the arguments of an activation background job.
type Args struct {
	// Reason is informational: what asked for the activation pass.
	Reason string `json:"reason,omitempty"`
}

// Jobs is what the policy reads from the job manager.
type Jobs interface {
	GetByID(ctx context.Context, id int64) (*domain.Job, error)
	ListQueued(ctx context.Context) ([]*domain.Job, error)
}

// Workers starts job workers and lists the running ones.
type Workers interface {
	Start(ctx context.Context, job *domain.Job) error
	ActiveJobIDs() []int64
}

// States pauses and unpauses jobs through the pause handshake.
type States interface {
	PauseJob(ctx context.Context, job *domain.Job) error
	UnpauseJob(ctx context.Context, job *domain.Job) error
}

// Handler keeps the maxActive best queued or running jobs active. Jobs are
// ranked by priority, then earliest start, then id.
type Handler struct {
	jobs      Jobs
	workers   Workers
	states    States
	maxActive int
	logger    *slog.Logger
}

var _ background.Handler = (*Handler)(nil)

func NewHandler(jobs Jobs, workers Workers, states States, maxActive int, logger *slog.Logger) (*Handler, error) {
	if maxActive <= 0 {
		return nil, fmt.Errorf("max active jobs must be positive, got %d", maxActive)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		jobs:      jobs,
		workers:   workers,
		states:    states,
		maxActive: maxActive,
		logger:    logger,
	}, nil
}

func (h *Handler) Kind() string { return Kind }

func (h *Handler) NextRun(attempts int, now time.Time) time.Time {
	return background.DefaultNextRun(attempts, now)
}

func (h *Handler) Handle(ctx context.Context, job *domain.BackgroundJob) error {
	var args Args
	if err := job.DecodeArguments(&args); err != nil {
		return err
	}
	started, evicted, err := h.Activate(ctx)
	if err != nil {
		return err
	}
	if started > 0 || evicted > 0 {
		h.logger.Info("activation pass",
			slog.String("reason", args.Reason),
			slog.Int("started", started),
			slog.Int("evicted", evicted),
		)
	}
	return nil
}

// Activate runs one pass of the policy and reports how many jobs it started
// and evicted.
func (h *Handler) Activate(ctx context.Context) (started, evicted int, err error) {
	active, err := h.activeJobs(ctx)
	if err != nil {
		return 0, 0, err
	}
	queued, err := h.jobs.ListQueued(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list queued jobs: %w", err)
	}

	running := make(map[int64]bool, len(active))
	for _, j := range active {
		running[j.ID] = true
	}
	for _, next := range queued {
		// A queued record with a live worker holds its slot already.
		if running[next.ID] {
			continue
		}
		if len(active) >= h.maxActive {
			i := h.evictionCandidate(active)
			if i < 0 || next.Priority <= active[i].Priority {
				break
			}
			if err := h.evict(ctx, active[i]); err != nil {
				return started, evicted, err
			}
			active = slices.Delete(active, i, i+1)
			evicted++
		}
		if err := h.workers.Start(ctx, next); err != nil {
			return started, evicted, fmt.Errorf("start job %d: %w", next.ID, err)
		}
		telemetry.ActivationStartsTotal.Inc()
		h.logger.Info("job activated", slog.Int64("job_id", next.ID), slog.Int("priority", next.Priority))
		active = append(active, next)
		running[next.ID] = true
		started++
	}
	return started, evicted, nil
}

// activeJobs loads the jobs with a live worker.
func (h *Handler) activeJobs(ctx context.Context) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, id := range h.workers.ActiveJobIDs() {
		job, err := h.jobs.GetByID(ctx, id)
		var notFound *domain.EntityNotFoundError
		if errors.As(err, &notFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load active job %d: %w", id, err)
		}
		out = append(out, job)
	}
	return out, nil
}

// evictionCandidate returns the index of the worst ranked ACTIVE job, or -1.
// Jobs already pausing or cancelling are not candidates.
func (h *Handler) evictionCandidate(active []*domain.Job) int {
	worst := -1
	for i, j := range active {
		if j.State != domain.StateActive {
			continue
		}
		if worst < 0 || repository.CompareQueuedJobs(j, active[worst]) > 0 {
			worst = i
		}
	}
	return worst
}

// evict pauses the job and puts it straight back in the queue.
func (h *Handler) evict(ctx context.Context, job *domain.Job) error {
	if err := h.states.PauseJob(ctx, job); err != nil {
		return fmt.Errorf("pause job %d: %w", job.ID, err)
	}
	if job.IsDone() {
		// Finished before the pause landed; its slot is free all the same.
		return nil
	}
	if err := h.states.UnpauseJob(ctx, job); err != nil {
		return fmt.Errorf("requeue job %d: %w", job.ID, err)
	}
	telemetry.ActivationEvictionsTotal.Inc()
	h.logger.Info("job evicted", slog.Int64("job_id", job.ID), slog.Int("priority", job.Priority))
	return nil
}

// Enqueue asks for an activation pass, replacing any pass still waiting.
func Enqueue(ctx context.Context, m *background.Manager, reason string) error {
	job, err := background.NewJob(Kind, 0, Args{Reason: reason})
	if err != nil {
		return err
	}
	return m.EnqueueOrReplaceJob(ctx, job, background.SameKind)
}

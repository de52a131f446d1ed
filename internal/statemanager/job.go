// Package statemanager turns stop, pause and unpause requests into state
// changes coordinated with whatever worker is executing the entity.
//
// For an active entity the transitional state (PAUSING or CANCELLING) is
// persisted before the worker is asked to stop, the call then blocks until
// the worker has returned, and only then is the final state written. A write
// that loses against a concurrent one is re-evaluated on a fresh read.
package statemanager

import (
	"context"
	"log/slog"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/internal/manager"
)

// WorkerStopper stops the live worker of an entity and blocks until it has
// returned or ctx is done. Stopping an id with no live worker returns nil.
type WorkerStopper interface {
	Stop(ctx context.Context, id int64) error
}

// JobStateManager handles externally requested job transitions.
type JobStateManager struct {
	jobs *manager.JobManager
	c    *coordinator[*domain.Job]
}

func NewJobStateManager(jobs *manager.JobManager, workers WorkerStopper, logger *slog.Logger) *JobStateManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobStateManager{
		jobs: jobs,
		c: &coordinator[*domain.Job]{
			entity:  domain.EntityJob,
			idKey:   "job_id",
			records: jobs,
			workers: workers,
			locks:   newKeyedLock(),
			logger:  logger.With(slog.String("component", "job-state-manager")),
		},
	}
}

// StopJob cancels the job and all of its unfinished tasks. A done job is left
// untouched. While the job is active the call blocks until its worker stopped.
func (m *JobStateManager) StopJob(ctx context.Context, job *domain.Job) error {
	return m.transition(ctx, job, request[*domain.Job]{
		check: func(cur *domain.Job) (bool, error) {
			if cur.IsDone() {
				return false, nil
			}
			return true, notTransitioning(cur)
		},
		transitional: domain.StateCancelling,
		finish: func(ctx context.Context, cur *domain.Job) error {
			return m.jobs.SetStateWithTasks(ctx, cur, domain.StateCancelled, domain.StateCancelled,
				func(*domain.JobTask) bool { return true })
		},
	})
}

// PauseJob pauses the job and returns its active tasks to the queue. Done and
// already paused jobs are left untouched.
func (m *JobStateManager) PauseJob(ctx context.Context, job *domain.Job) error {
	return m.transition(ctx, job, request[*domain.Job]{
		check: func(cur *domain.Job) (bool, error) {
			if cur.IsDone() || cur.State == domain.StatePaused {
				return false, nil
			}
			return true, notTransitioning(cur)
		},
		transitional: domain.StatePausing,
		finish: func(ctx context.Context, cur *domain.Job) error {
			return m.jobs.SetStateWithTasks(ctx, cur, domain.StatePaused, domain.StateInactive,
				func(t *domain.JobTask) bool { return t.IsActive() })
		},
	})
}

// UnpauseJob returns the job to the activation queue, dropping any pending
// delay. It fails for done jobs and is a no-op for active ones.
func (m *JobStateManager) UnpauseJob(ctx context.Context, job *domain.Job) error {
	return m.transition(ctx, job, request[*domain.Job]{
		check: func(cur *domain.Job) (bool, error) {
			if cur.IsDone() {
				return false, &domain.AlreadyDoneError{Entity: domain.EntityJob, ID: cur.ID, State: cur.State}
			}
			return !cur.IsActive(), nil
		},
		finish: func(ctx context.Context, cur *domain.Job) error {
			if err := cur.SetDelayedUntil(nil); err != nil {
				return err
			}
			return m.jobs.SetState(ctx, cur, domain.StateInactive)
		},
	})
}

// transition copies the last record read into job.
func (m *JobStateManager) transition(ctx context.Context, job *domain.Job, req request[*domain.Job]) error {
	cur, err := m.c.do(ctx, job.ID, req)
	if cur != nil {
		*job = *cur
	}
	return err
}

func notTransitioning(j *domain.Job) error {
	if j.IsTransitioning() {
		return &domain.TransitioningError{Entity: domain.EntityJob, ID: j.ID, State: j.State}
	}
	return nil
}

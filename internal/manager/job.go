package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/internal/repository"
)

// JobManager is the invariant-enforcing CRUD surface for jobs.
type JobManager struct {
	store repository.Store
	options
}

func NewJobManager(store repository.Store, opts ...Option) *JobManager {
	return &JobManager{store: store, options: newOptions(opts)}
}

// Now returns the manager's clock reading.
func (m *JobManager) Now() time.Time { return m.clock() }

// Create persists a new job and its seed tasks in one transaction.
func (m *JobManager) Create(ctx context.Context, job *domain.Job, seeds ...*domain.JobTask) error {
	now := m.clock()
	if job.Created.IsZero() {
		job.Created = now
	}
	if err := job.Validate(); err != nil {
		return err
	}
	err := m.store.InTx(ctx, func(tx repository.Store) error {
		if err := tx.AddJob(ctx, job); err != nil {
			return fmt.Errorf("add job: %w", err)
		}
		for _, t := range seeds {
			t.JobID = job.ID
			if t.Created.IsZero() {
				t.Created = now
			}
			if err := t.Validate(); err != nil {
				return err
			}
		}
		if len(seeds) > 0 {
			if err := tx.AddTasks(ctx, seeds...); err != nil {
				return fmt.Errorf("add seed tasks: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	changes := []domain.StateChange{domain.JobStateChange(job, now)}
	for _, t := range seeds {
		changes = append(changes, domain.TaskStateChange(t, now))
	}
	m.publish(ctx, changes...)
	return nil
}

// GetByID returns EntityNotFoundError when the job does not exist.
func (m *JobManager) GetByID(ctx context.Context, id int64) (*domain.Job, error) {
	return m.store.GetJob(ctx, id)
}

// Update validates the job invariants and persists it.
func (m *JobManager) Update(ctx context.Context, job *domain.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("update job %d: %w", job.ID, err)
	}
	m.publish(ctx, domain.JobStateChange(job, m.clock()))
	return nil
}

// Delete removes an inactive job and every task it owns.
func (m *JobManager) Delete(ctx context.Context, id int64) error {
	return m.store.InTx(ctx, func(tx repository.Store) error {
		job, err := tx.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if job.IsActive() {
			return &domain.ActiveEntityError{Entity: domain.EntityJob, ID: id, Op: "delete"}
		}
		return tx.DeleteJob(ctx, id)
	})
}

// SetActive moves the job to ACTIVE and persists it. It is a no-op for a job
// that is already active.
func (m *JobManager) SetActive(ctx context.Context, job *domain.Job) error {
	if job.IsActive() {
		return nil
	}
	return m.SetState(ctx, job, domain.StateActive)
}

// SetState transitions the job and persists it. Internal callers only; the
// state managers own externally requested transitions.
func (m *JobManager) SetState(ctx context.Context, job *domain.Job, to domain.State) error {
	prev := job.Clone()
	if err := job.SetState(to, m.clock()); err != nil {
		return err
	}
	if err := m.Update(ctx, job); err != nil {
		*job = *prev
		return err
	}
	return nil
}

// SetStateWithTasks transitions the job and moves every task matching match
// to taskState, all in one transaction.
func (m *JobManager) SetStateWithTasks(ctx context.Context, job *domain.Job, to, taskState domain.State, match func(*domain.JobTask) bool) error {
	now := m.clock()
	next := job.Clone()
	if err := next.SetState(to, now); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}

	var changed []*domain.JobTask
	err := m.store.InTx(ctx, func(tx repository.Store) error {
		tasks, err := tx.ListTasksByJob(ctx, job.ID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.IsDone() || !match(t) {
				continue
			}
			if err := t.SetState(taskState, now); err != nil {
				return err
			}
			changed = append(changed, t)
		}
		if len(changed) > 0 {
			if err := tx.UpdateTasks(ctx, changed...); err != nil {
				return fmt.Errorf("update tasks of job %d: %w", job.ID, err)
			}
		}
		return tx.UpdateJob(ctx, next)
	})
	if err != nil {
		return err
	}
	*job = *next

	changes := []domain.StateChange{domain.JobStateChange(job, now)}
	for _, t := range changed {
		changes = append(changes, domain.TaskStateChange(t, now))
	}
	m.publish(ctx, changes...)
	return nil
}

// ListQueued returns the jobs waiting for activation, best candidate first.
func (m *JobManager) ListQueued(ctx context.Context) ([]*domain.Job, error) {
	return m.store.ListQueuedJobs(ctx, m.clock())
}

func (m *JobManager) ListActive(ctx context.Context) ([]*domain.Job, error) {
	return m.store.ListActiveJobs(ctx)
}

func (m *JobManager) List(ctx context.Context, states ...domain.State) ([]*domain.Job, error) {
	return m.store.ListJobs(ctx, states...)
}

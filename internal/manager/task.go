package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/internal/repository"
)

// JobTaskManager is the invariant-enforcing CRUD surface for job tasks.
type JobTaskManager struct {
	store repository.Store
	options
}

func NewJobTaskManager(store repository.Store, opts ...Option) *JobTaskManager {
	return &JobTaskManager{store: store, options: newOptions(opts)}
}

func (m *JobTaskManager) Now() time.Time { return m.clock() }

func (m *JobTaskManager) Create(ctx context.Context, task *domain.JobTask) error {
	return m.CreateMany(ctx, []*domain.JobTask{task})
}

// CreateMany persists all tasks in one transaction. The owning job must not
// be done.
func (m *JobTaskManager) CreateMany(ctx context.Context, tasks []*domain.JobTask) error {
	if len(tasks) == 0 {
		return nil
	}
	now := m.clock()
	for _, t := range tasks {
		if t.Created.IsZero() {
			t.Created = now
		}
		if err := t.Validate(); err != nil {
			return err
		}
	}
	err := m.store.InTx(ctx, func(tx repository.Store) error {
		jobs := make(map[int64]bool)
		for _, t := range tasks {
			if jobs[t.JobID] {
				continue
			}
			job, err := tx.GetJob(ctx, t.JobID)
			if err != nil {
				return err
			}
			if job.IsDone() {
				return &domain.AlreadyDoneError{Entity: domain.EntityJob, ID: job.ID, State: job.State}
			}
			jobs[t.JobID] = true
		}
		return tx.AddTasks(ctx, tasks...)
	})
	if err != nil {
		return fmt.Errorf("create %d job tasks: %w", len(tasks), err)
	}
	changes := make([]domain.StateChange, 0, len(tasks))
	for _, t := range tasks {
		changes = append(changes, domain.TaskStateChange(t, now))
	}
	m.publish(ctx, changes...)
	return nil
}

func (m *JobTaskManager) GetByID(ctx context.Context, id int64) (*domain.JobTask, error) {
	return m.store.GetTask(ctx, id)
}

func (m *JobTaskManager) Update(ctx context.Context, task *domain.JobTask) error {
	return m.UpdateMany(ctx, []*domain.JobTask{task})
}

// UpdateMany validates and persists all tasks in one transaction.
func (m *JobTaskManager) UpdateMany(ctx context.Context, tasks []*domain.JobTask) error {
	if len(tasks) == 0 {
		return nil
	}
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	if err := m.store.UpdateTasks(ctx, tasks...); err != nil {
		return fmt.Errorf("update %d job tasks: %w", len(tasks), err)
	}
	now := m.clock()
	changes := make([]domain.StateChange, 0, len(tasks))
	for _, t := range tasks {
		changes = append(changes, domain.TaskStateChange(t, now))
	}
	m.publish(ctx, changes...)
	return nil
}

// Delete removes an inactive task. Tasks referencing it as parent or retry
// target are left untouched.
func (m *JobTaskManager) Delete(ctx context.Context, id int64) error {
	return m.store.InTx(ctx, func(tx repository.Store) error {
		task, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if task.IsActive() {
			return &domain.ActiveEntityError{Entity: domain.EntityJobTask, ID: id, Op: "delete"}
		}
		return tx.DeleteTask(ctx, id)
	})
}

// SetActive moves the task to ACTIVE and persists it. No-op when already active.
func (m *JobTaskManager) SetActive(ctx context.Context, task *domain.JobTask) error {
	if task.IsActive() {
		return nil
	}
	return m.SetState(ctx, task, domain.StateActive)
}

func (m *JobTaskManager) SetState(ctx context.Context, task *domain.JobTask, to domain.State) error {
	prev := task.Clone()
	if err := task.SetState(to, m.clock()); err != nil {
		return err
	}
	if err := m.Update(ctx, task); err != nil {
		*task = *prev
		return err
	}
	return nil
}

// Finish records the result, moves the task to COMPLETED or FAILED and
// persists it.
func (m *JobTaskManager) Finish(ctx context.Context, task *domain.JobTask, result domain.JobTaskResult) error {
	prev := task.Clone()
	if err := task.Finish(result, m.clock()); err != nil {
		return err
	}
	if err := m.Update(ctx, task); err != nil {
		*task = *prev
		return err
	}
	return nil
}

func (m *JobTaskManager) ListByJob(ctx context.Context, jobID int64) ([]*domain.JobTask, error) {
	return m.store.ListTasksByJob(ctx, jobID)
}

// NextQueued returns up to limit tasks of the job ready to run, skipping the
// ids in running.
func (m *JobTaskManager) NextQueued(ctx context.Context, jobID int64, limit int, running []int64) ([]*domain.JobTask, error) {
	return m.store.NextQueuedTasks(ctx, jobID, m.clock(), limit, running)
}

func (m *JobTaskManager) CountByState(ctx context.Context, jobID int64) (map[domain.State]int, error) {
	return m.store.CountTasksByState(ctx, jobID)
}

func (m *JobTaskManager) ListActive(ctx context.Context) ([]*domain.JobTask, error) {
	return m.store.ListActiveTasks(ctx)
}

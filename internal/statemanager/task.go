package statemanager

import (
	"context"
	"log/slog"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/internal/manager"
)

// JobTaskStateManager handles externally requested job task transitions.
type JobTaskStateManager struct {
	tasks *manager.JobTaskManager
	c     *coordinator[*domain.JobTask]
}

func NewJobTaskStateManager(tasks *manager.JobTaskManager, workers WorkerStopper, logger *slog.Logger) *JobTaskStateManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobTaskStateManager{
		tasks: tasks,
		c: &coordinator[*domain.JobTask]{
			entity:  domain.EntityJobTask,
			idKey:   "task_id",
			records: tasks,
			workers: workers,
			locks:   newKeyedLock(),
			logger:  logger.With(slog.String("component", "task-state-manager")),
		},
	}
}

// StopTask cancels the task. Unlike StopJob it fails for a task that is
// already done.
func (m *JobTaskStateManager) StopTask(ctx context.Context, task *domain.JobTask) error {
	return m.transition(ctx, task, request[*domain.JobTask]{
		check: func(cur *domain.JobTask) (bool, error) {
			if cur.IsDone() {
				return false, &domain.AlreadyDoneError{Entity: domain.EntityJobTask, ID: cur.ID, State: cur.State}
			}
			return true, taskNotTransitioning(cur)
		},
		transitional: domain.StateCancelling,
		finish:       m.setState(domain.StateCancelled),
	})
}

func (m *JobTaskStateManager) PauseTask(ctx context.Context, task *domain.JobTask) error {
	return m.transition(ctx, task, request[*domain.JobTask]{
		check: func(cur *domain.JobTask) (bool, error) {
			if cur.IsDone() || cur.State == domain.StatePaused {
				return false, nil
			}
			return true, taskNotTransitioning(cur)
		},
		transitional: domain.StatePausing,
		finish:       m.setState(domain.StatePaused),
	})
}

func (m *JobTaskStateManager) UnpauseTask(ctx context.Context, task *domain.JobTask) error {
	return m.transition(ctx, task, request[*domain.JobTask]{
		check: func(cur *domain.JobTask) (bool, error) {
			if cur.IsDone() {
				return false, &domain.AlreadyDoneError{Entity: domain.EntityJobTask, ID: cur.ID, State: cur.State}
			}
			return !cur.IsActive(), nil
		},
		finish: m.setState(domain.StateInactive),
	})
}

func (m *JobTaskStateManager) setState(to domain.State) func(context.Context, *domain.JobTask) error {
	return func(ctx context.Context, cur *domain.JobTask) error {
		return m.tasks.SetState(ctx, cur, to)
	}
}

func (m *JobTaskStateManager) transition(ctx context.Context, task *domain.JobTask, req request[*domain.JobTask]) error {
	cur, err := m.c.do(ctx, task.ID, req)
	if cur != nil {
		*task = *cur
	}
	return err
}

func taskNotTransitioning(t *domain.JobTask) error {
	if t.IsTransitioning() {
		return &domain.TransitioningError{Entity: domain.EntityJobTask, ID: t.ID, State: t.State}
	}
	return nil
}

package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
)

type ActiveJobs interface {
	ListActive(ctx context.Context) ([]*domain.Job, error)
	SetStateWithTasks(ctx context.Context, job *domain.Job, to, taskState domain.State, match func(*domain.JobTask) bool) error
}

type ActiveTasks interface {
	ListActive(ctx context.Context) ([]*domain.JobTask, error)
	SetState(ctx context.Context, task *domain.JobTask, to domain.State) error
}

// orphanedState is where an entity left live by a dead process ends up:
// running work goes back to the queue, in-flight requests are completed.
func orphanedState(s domain.State) domain.State {
	switch s {
	case domain.StatePausing:
		return domain.StatePaused
	case domain.StateCancelling:
		return domain.StateCancelled
	}
	return domain.StateInactive
}

func runningTask(t *domain.JobTask) bool { return t.State == domain.StateActive }
func anyTask(*domain.JobTask) bool { return true }

// Recover demotes every live job and job task left behind by a previous
// leader. Call it on taking the lead, before any worker starts.
func Recover(ctx context.Context, jobs ActiveJobs, tasks ActiveTasks, logger *slog.Logger) error {
	activeJobs, err := jobs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	for _, j := range activeJobs {
		to := orphanedState(j.State)
		taskState, match := domain.StateInactive, runningTask
		if to == domain.StateCancelled {
			taskState, match = domain.StateCancelled, anyTask
		}
		if err := jobs.SetStateWithTasks(ctx, j, to, taskState, match); err != nil {
			return fmt.Errorf("recover job %d: %w", j.ID, err)
		}
		logger.Info("recovered job", slog.Int64("job_id", j.ID), slog.String("state", string(to)))
	}

	// Tasks stopped or paused on their own, or belonging to inactive jobs.
	activeTasks, err := tasks.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active job tasks: %w", err)
	}
	for _, t := range activeTasks {
		to := orphanedState(t.State)
		if err := tasks.SetState(ctx, t, to); err != nil {
			return fmt.Errorf("recover job task %d: %w", t.ID, err)
		}
		logger.Info("recovered job task",
			slog.Int64("task_id", t.ID),
			slog.Int64("job_id", t.JobID),
			slog.String("state", string(to)),
		)
	}
	return nil
}

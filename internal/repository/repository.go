// Package repository defines the persistence boundary consumed by the
// managers. Implementations return copies: mutating a returned entity never
// changes the stored record until the matching Update call.
package repository

import (
	"cmp"
	"context"
	"time"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
)

// JobRepository abstracts storage of jobs.
type JobRepository interface {
	// AddJob inserts the job and assigns its ID.
	AddJob(ctx context.Context, job *domain.Job) error
	// GetJob returns EntityNotFoundError when the job does not exist.
	GetJob(ctx context.Context, id int64) (*domain.Job, error)
	UpdateJob(ctx context.Context, job *domain.Job) error
	// DeleteJob removes the job and every task it owns.
	DeleteJob(ctx context.Context, id int64) error
	// ListJobs returns jobs in any of the given states, all jobs when none
	// are given, ordered by id.
	ListJobs(ctx context.Context, states ...domain.State) ([]*domain.Job, error)
	// ListQueuedJobs returns jobs waiting for activation ordered by
	// CompareQueuedJobs: INACTIVE jobs that are not delayed, and PAUSED jobs
	// whose delay has elapsed.
	ListQueuedJobs(ctx context.Context, now time.Time) ([]*domain.Job, error)
	// ListActiveJobs returns jobs in an active state.
	ListActiveJobs(ctx context.Context) ([]*domain.Job, error)
}

// JobTaskRepository abstracts storage of job tasks.
type JobTaskRepository interface {
	// AddTasks inserts all tasks or none, assigning their IDs.
	AddTasks(ctx context.Context, tasks ...*domain.JobTask) error
	GetTask(ctx context.Context, id int64) (*domain.JobTask, error)
	// UpdateTasks writes all tasks or none.
	UpdateTasks(ctx context.Context, tasks ...*domain.JobTask) error
	DeleteTask(ctx context.Context, id int64) error
	ListTasksByJob(ctx context.Context, jobID int64) ([]*domain.JobTask, error)
	// NextQueuedTasks returns up to limit INACTIVE, non-delayed tasks of the
	// job ordered by priority desc then id, skipping the excluded ids.
	NextQueuedTasks(ctx context.Context, jobID int64, now time.Time, limit int, exclude []int64) ([]*domain.JobTask, error)
	// CountTasksByState returns the number of tasks of the job per state.
	CountTasksByState(ctx context.Context, jobID int64) (map[domain.State]int, error)
	// ListActiveTasks returns tasks in an active state across all jobs.
	ListActiveTasks(ctx context.Context) ([]*domain.JobTask, error)
}

// BackgroundJobRepository abstracts storage of background jobs.
type BackgroundJobRepository interface {
	AddBackgroundJob(ctx context.Context, job *domain.BackgroundJob) error
	GetBackgroundJob(ctx context.Context, id int64) (*domain.BackgroundJob, error)
	UpdateBackgroundJob(ctx context.Context, job *domain.BackgroundJob) error
	DeleteBackgroundJob(ctx context.Context, id int64) error
	ListBackgroundJobs(ctx context.Context) ([]*domain.BackgroundJob, error)
	// NextBackgroundJob returns the highest-priority runnable job, or nil
	// when none is eligible.
	NextBackgroundJob(ctx context.Context, now time.Time) (*domain.BackgroundJob, error)
}

// Store is the unit of work over all repositories.
type Store interface {
	JobRepository
	JobTaskRepository
	BackgroundJobRepository
	// InTx runs fn against a transactional view of the store. Every write
	// made through the view is discarded when fn returns an error.
	InTx(ctx context.Context, fn func(tx Store) error) error
}

// IsQueuedJob reports whether the job is waiting for activation at now.
func IsQueuedJob(j *domain.Job, now time.Time) bool {
	switch j.State {
	case domain.StateInactive:
		return !j.IsDelayed(now)
	case domain.StatePaused:
		return j.DelayedUntil != nil && !j.IsDelayed(now)
	}
	return false
}

// CompareQueuedJobs orders jobs by priority desc, then started asc with
// never-started jobs last, then id asc.
func CompareQueuedJobs(a, b *domain.Job) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	if c := compareStarted(a.Started, b.Started); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func compareStarted(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return a.Compare(*b)
}

// IsQueuedTask reports whether the task may be picked by its job worker at now.
func IsQueuedTask(t *domain.JobTask, now time.Time) bool {
	return t.State == domain.StateInactive && !t.IsDelayed(now)
}

// CompareQueuedTasks orders tasks by priority desc then id asc.
func CompareQueuedTasks(a, b *domain.JobTask) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// CompareBackgroundJobs orders background jobs by priority desc, then id asc.
func CompareBackgroundJobs(a, b *domain.BackgroundJob) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Package background implements the persistent queue of background jobs,
// the registry of their handlers and the dispatcher that runs them.
package background

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/internal/repository"
)

// Comparator reports whether a queued job makes the candidate redundant.
type Comparator func(queued, candidate *domain.BackgroundJob) bool

// SameKind treats any two jobs of the same kind as equivalent.
func SameKind(queued, candidate *domain.BackgroundJob) bool {
	return queued.Kind == candidate.Kind
}

// NewJob builds a scheduled background job with args serialized as its
// arguments.
func NewJob(kind string, priority int, args any) (*domain.BackgroundJob, error) {
	job := &domain.BackgroundJob{Kind: kind, Priority: priority, State: domain.BackgroundScheduled}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode %s arguments: %w", kind, err)
		}
		job.Arguments = raw
	}
	return job, nil
}

// Manager is the queue of background jobs.
type Manager struct {
	store       repository.Store
	registry    *Registry
	maxAttempts int
	clock       func() time.Time
	logger      *slog.Logger
}

type Option func(*Manager)

// WithMaxAttempts abandons a job once it failed n times. Zero disables the limit.
func WithMaxAttempts(n int) Option       { return func(m *Manager) { m.maxAttempts = n } }
func WithClock(c func() time.Time) Option { return func(m *Manager) { m.clock = c } }
func WithLogger(l *slog.Logger) Option    { return func(m *Manager) { m.logger = l } }

func NewManager(store repository.Store, registry *Registry, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		registry:    registry,
		maxAttempts: 10,
		clock:       func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Now() time.Time { return m.clock() }

// EnqueueJob adds the job to the queue.
func (m *Manager) EnqueueJob(ctx context.Context, job *domain.BackgroundJob) error {
	m.prepare(job)
	if err := m.store.AddBackgroundJob(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Kind, err)
	}
	return nil
}

// EnqueueOrReplaceJob enqueues the job after removing every scheduled job
// that same judges equivalent. Executing and abandoned jobs are kept. A nil
// comparator means SameKind.
func (m *Manager) EnqueueOrReplaceJob(ctx context.Context, job *domain.BackgroundJob, same Comparator) error {
	if same == nil {
		same = SameKind
	}
	m.prepare(job)
	err := m.store.InTx(ctx, func(tx repository.Store) error {
		queued, err := tx.ListBackgroundJobs(ctx)
		if err != nil {
			return err
		}
		for _, q := range queued {
			if q.State != domain.BackgroundScheduled || !same(q, job) {
				continue
			}
			if err := tx.DeleteBackgroundJob(ctx, q.ID); err != nil {
				return err
			}
		}
		return tx.AddBackgroundJob(ctx, job)
	})
	if err != nil {
		return fmt.Errorf("enqueue or replace %s: %w", job.Kind, err)
	}
	return nil
}

func (m *Manager) prepare(job *domain.BackgroundJob) {
	if job.Created.IsZero() {
		job.Created = m.clock()
	}
	if job.State == "" {
		job.State = domain.BackgroundScheduled
	}
}

func (m *Manager) FindJob(ctx context.Context, id int64) (*domain.BackgroundJob, error) {
	return m.store.GetBackgroundJob(ctx, id)
}

// GetNextPriorityJob returns the highest priority job ready to run, or nil.
func (m *Manager) GetNextPriorityJob(ctx context.Context) (*domain.BackgroundJob, error) {
	return m.store.NextBackgroundJob(ctx, m.clock())
}

func (m *Manager) UpdateJob(ctx context.Context, job *domain.BackgroundJob) error {
	return m.store.UpdateBackgroundJob(ctx, job)
}

func (m *Manager) DeleteJob(ctx context.Context, id int64) error {
	return m.store.DeleteBackgroundJob(ctx, id)
}

func (m *Manager) ListJobs(ctx context.Context) ([]*domain.BackgroundJob, error) {
	return m.store.ListBackgroundJobs(ctx)
}

// MarkFailed counts a failed attempt and schedules the next one with the
// handler's backoff. The job is abandoned once its maximum lifetime passed
// or it used up its attempts.
func (m *Manager) MarkFailed(ctx context.Context, job *domain.BackgroundJob) error {
	now := m.clock()
	next := job.Clone()
	if err := next.Fail(m.registry.nextRun(job, job.Attempts+1, now)); err != nil {
		return err
	}
	if next.Expired(now) || (m.maxAttempts > 0 && next.Attempts >= m.maxAttempts) {
		if err := next.Abandon(); err != nil {
			return err
		}
	}
	if err := m.store.UpdateBackgroundJob(ctx, next); err != nil {
		return fmt.Errorf("mark background job %d failed: %w", job.ID, err)
	}
	*job = *next
	return nil
}

// Abandon takes the job out of the queue for good without counting an attempt.
func (m *Manager) Abandon(ctx context.Context, job *domain.BackgroundJob) error {
	next := job.Clone()
	if err := next.Abandon(); err != nil {
		return err
	}
	if err := m.store.UpdateBackgroundJob(ctx, next); err != nil {
		return fmt.Errorf("abandon background job %d: %w", job.ID, err)
	}
	*job = *next
	return nil
}

// AbandonExpired abandons every scheduled job past its maximum lifetime and
// returns how many it abandoned. Such jobs are never picked again.
func (m *Manager) AbandonExpired(ctx context.Context) (int, error) {
	jobs, err := m.store.ListBackgroundJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list background jobs: %w", err)
	}
	now := m.clock()
	n := 0
	for _, job := range jobs {
		if job.State != domain.BackgroundScheduled || !job.Expired(now) {
			continue
		}
		if err := m.Abandon(ctx, job); err != nil {
			return n, err
		}
		m.logger.Warn("abandoned expired background job",
			slog.Int64("id", job.ID),
			slog.String("kind", job.Kind),
			slog.Int("attempts", job.Attempts),
		)
		n++
	}
	return n, nil
}

// Recover reschedules jobs left executing by a previous process.
func (m *Manager) Recover(ctx context.Context) error {
	jobs, err := m.store.ListBackgroundJobs(ctx)
	if err != nil {
		return fmt.Errorf("list background jobs: %w", err)
	}
	for _, job := range jobs {
		if job.State != domain.BackgroundExecuting {
			continue
		}
		if err := job.Reschedule(nil); err != nil {
			return err
		}
		if err := m.store.UpdateBackgroundJob(ctx, job); err != nil {
			return fmt.Errorf("reschedule background job %d: %w", job.ID, err)
		}
		m.logger.Info("rescheduled background job", slog.Int64("id", job.ID), slog.String("kind", job.Kind))
	}
	return nil
}

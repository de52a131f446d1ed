package background

import (
	"context"
	"sync"
	"time"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/pkg/retry"
)

// MinRetryDelay is the shortest delay before a failed background job runs again.
const MinRetryDelay = time.Second

// Handler executes background jobs of one kind.
type Handler interface {
	Kind() string
	Handle(ctx context.Context, job *domain.BackgroundJob) error
	// NextRun returns when a job that failed attempts times runs again.
	NextRun(attempts int, now time.Time) time.Time
}

// DefaultNextRun backs off quadratically from one second, capped at ten minutes.
func DefaultNextRun(attempts int, now time.Time) time.Time {
	return now.Add(retry.Backoff(time.Second, attempts, 10*time.Minute))
}

// Registry maps background job kinds to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler, replacing any handler of the same kind. Safe to
// call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Kind()] = h
}

// Get returns the handler for the job's kind, or InvalidBackgroundJobError
// if none is registered.
func (r *Registry) Get(job *domain.BackgroundJob) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[job.Kind]
	if !ok {
		return nil, &domain.InvalidBackgroundJobError{ID: job.ID, Kind: job.Kind, Reason: "no handler registered"}
	}
	return h, nil
}

// nextRun asks the job's handler when to run it after attempts failures,
// never sooner than MinRetryDelay from now.
func (r *Registry) nextRun(job *domain.BackgroundJob, attempts int, now time.Time) time.Time {
	next := DefaultNextRun(attempts, now)
	if h, err := r.Get(job); err == nil {
		next = h.NextRun(attempts, now)
	}
	if earliest := now.Add(MinRetryDelay); next.Before(earliest) {
		return earliest
	}
	return next
}

package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/pkg/telemetry"
)

// Leader reports whether this instance may dispatch background jobs.
type Leader interface {
	IsLeader(ctx context.Context) bool
}

// Dispatcher runs queued background jobs with their registered handlers.
// Without a Leader the instance always leads.
type Dispatcher struct {
	manager   *Manager
	registry  *Registry
	interval  time.Duration
	leader    Leader
	onElected func(ctx context.Context) error
	onDemoted func(ctx context.Context)
	leading   atomic.Bool
	trigger   chan struct{}
	logger    *slog.Logger
}

type DispatcherOption func(*Dispatcher)

func WithInterval(d time.Duration) DispatcherOption {
	return func(x *Dispatcher) { x.interval = d }
}

// WithLeader only dispatches while l reports leadership.
func WithLeader(l Leader) DispatcherOption {
	return func(x *Dispatcher) { x.leader = l }
}

// WithOnElected runs fn once this instance takes the lead, before its first
// dispatch. When fn fails the instance does not lead and fn is retried on
// the next tick.
func WithOnElected(fn func(ctx context.Context) error) DispatcherOption {
	return func(x *Dispatcher) { x.onElected = fn }
}

// WithOnDemoted runs fn when this instance loses the lead.
func WithOnDemoted(fn func(ctx context.Context)) DispatcherOption {
	return func(x *Dispatcher) { x.onDemoted = fn }
}

func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(x *Dispatcher) { x.logger = l }
}

func NewDispatcher(manager *Manager, registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		manager:  manager,
		registry: registry,
		interval: 10 * time.Second,
		trigger:  make(chan struct{}, 1),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.interval <= 0 {
		d.interval = 10 * time.Second
	}
	return d
}

// Trigger wakes Run without waiting for the next tick. It never blocks.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run dispatches on every tick and trigger. Blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.trigger:
		}
		d.tick(ctx)
	}
}

// IsLeading reports whether the last tick found this instance leading with
// its takeover done.
func (d *Dispatcher) IsLeading() bool { return d.leading.Load() }

func (d *Dispatcher) tick(ctx context.Context) {
	if !d.lead(ctx) {
		return
	}
	if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("background dispatch failed", slog.String("error", err.Error()))
	}
}

// lead checks leadership and runs the election hooks when it changed.
func (d *Dispatcher) lead(ctx context.Context) bool {
	if d.leader != nil && !d.leader.IsLeader(ctx) {
		if d.leading.Swap(false) {
			d.logger.Warn("lost leadership")
			if d.onDemoted != nil {
				d.onDemoted(ctx)
			}
		}
		return false
	}
	if d.leading.Load() {
		return true
	}
	if d.onElected != nil {
		if err := d.onElected(ctx); err != nil {
			if ctx.Err() == nil {
				d.logger.Error("leader takeover failed", slog.String("error", err.Error()))
			}
			return false
		}
	}
	d.leading.Store(true)
	d.logger.Info("leading background dispatch")
	return true
}

// RunOnce abandons expired jobs, then runs ready jobs, best first, until
// none is left and returns how many it ran. A failing job never stops the
// loop; only storage errors do.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	if _, err := d.manager.AbandonExpired(ctx); err != nil {
		return 0, fmt.Errorf("abandon expired background jobs: %w", err)
	}
	n := 0
	for ctx.Err() == nil {
		job, err := d.manager.GetNextPriorityJob(ctx)
		if err != nil {
			return n, fmt.Errorf("next background job: %w", err)
		}
		if job == nil {
			return n, nil
		}
		if err := d.execute(ctx, job); err != nil {
			return n, err
		}
		n++
	}
	return n, ctx.Err()
}

func (d *Dispatcher) execute(ctx context.Context, job *domain.BackgroundJob) error {
	ctx, span := otel.Tracer("background").Start(ctx, "background.run_job")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("background_job.id", job.ID),
		attribute.String("background_job.kind", job.Kind),
		attribute.Int("background_job.attempts", job.Attempts),
	)
	log := d.logger.With(
		slog.Int64("background_job_id", job.ID),
		slog.String("kind", job.Kind),
	)

	if err := job.SetExecuting(); err != nil {
		return err
	}
	if err := d.manager.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("mark background job %d executing: %w", job.ID, err)
	}

	start := time.Now()
	h, err := d.registry.Get(job)
	if err == nil {
		err = h.Handle(ctx, job)
	}
	// Bookkeeping must land even when the dispatcher is being stopped.
	bctx := context.WithoutCancel(ctx)

	var invalid *domain.InvalidBackgroundJobError
	switch {
	case err == nil:
		telemetry.BackgroundJobsRun.WithLabelValues(job.Kind, "succeeded").Inc()
		log.Info("background job succeeded", slog.Int64("duration_ms", time.Since(start).Milliseconds()))
		return d.manager.DeleteJob(bctx, job.ID)

	case errors.As(err, &invalid):
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid background job")
		telemetry.BackgroundJobsRun.WithLabelValues(job.Kind, "abandoned").Inc()
		log.Error("invalid background job, abandoning", slog.String("error", err.Error()))
		return d.manager.Abandon(bctx, job)

	case ctx.Err() != nil:
		telemetry.BackgroundJobsRun.WithLabelValues(job.Kind, "cancelled").Inc()
		log.Info("background job interrupted, rescheduling")
		if err := job.Reschedule(nil); err != nil {
			return err
		}
		return d.manager.UpdateJob(bctx, job)

	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "background job failed")
		if mErr := d.manager.MarkFailed(bctx, job); mErr != nil {
			return mErr
		}
		outcome := "failed"
		if job.IsAbandoned() {
			outcome = "abandoned"
		}
		telemetry.BackgroundJobsRun.WithLabelValues(job.Kind, outcome).Inc()
		log.Warn("background job failed",
			slog.String("error", err.Error()),
			slog.Int("attempts", job.Attempts),
			slog.Bool("abandoned", job.IsAbandoned()),
		)
		return nil
	}
}

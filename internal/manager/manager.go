// Package manager enforces entity invariants on top of the repository
// boundary. Every mutating call persists before it returns and then
// publishes the resulting state change.
package manager

import (
	"context"
	"log/slog"
	"time"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/pkg/telemetry"
)

// EventPublisher receives persisted state changes. Failures are logged and
// never fail the write that produced the change.
type EventPublisher interface {
	PublishStateChanges(ctx context.Context, changes ...domain.StateChange) error
}

type options struct {
	publisher EventPublisher
	logger    *slog.Logger
	clock     func() time.Time
}

// Option configures a manager.
type Option func(*options)

func WithPublisher(p EventPublisher) Option    { return func(o *options) { o.publisher = p } }
func WithLogger(l *slog.Logger) Option         { return func(o *options) { o.logger = l } }
func WithClock(clock func() time.Time) Option { return func(o *options) { o.clock = clock } }

func newOptions(opts []Option) options {
	o := options{
		logger: slog.Default(),
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o *options) publish(ctx context.Context, changes ...domain.StateChange) {
	for _, c := range changes {
		telemetry.StateTransitionsTotal.WithLabelValues(c.Entity, string(c.State)).Inc()
	}
	if o.publisher == nil || len(changes) == 0 {
		return
	}
	if err := o.publisher.PublishStateChanges(ctx, changes...); err != nil {
		telemetry.EventsPublishFailures.Inc()
		o.logger.Warn("failed to publish state change",
			slog.Int("changes", len(changes)),
			slog.String("error", err.Error()),
		)
	}
}

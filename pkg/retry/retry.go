// Package retry runs an operation again after failures with a quadratic
// backoff. The archiver uses it for writes that must not be lost to a
// momentary store error.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts is the total number of calls including the first attempt.
	MaxAttempts int
	// BaseDelay is the base for the backoff, see Backoff.
	BaseDelay time.Duration
	// MaxDelay caps a single wait when positive.
	MaxDelay time.Duration
	// ShouldRetry filters errors worth another attempt. Nil retries all.
	ShouldRetry func(err error) bool
	// OnRetry is called after a failed attempt and before the next delay.
	// attempt is 1-indexed (1 = first attempt just failed).
	OnRetry func(attempt int, err error)
}

// Backoff returns base * attempt², capped at max when max is positive.
//
//	attempt 1 → 1 × base
//	attempt 2 → 4 × base
//	attempt 3 → 9 × base
func Backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base * time.Duration(attempt*attempt)
	if max > 0 && (d > max || d < 0) {
		return max
	}
	return d
}

// Do calls fn up to cfg.MaxAttempts times. It returns nil on the first
// success, the first error ShouldRetry rejects, or the last error.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(lastErr) {
			return lastErr
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		timer := time.NewTimer(Backoff(cfg.BaseDelay, attempt, cfg.MaxDelay))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
	return lastErr
}

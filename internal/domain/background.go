package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// BackgroundJobState is the state of a background job queue entry.
type BackgroundJobState string

const (
	BackgroundScheduled BackgroundJobState = "SCHEDULED"
	BackgroundExecuting BackgroundJobState = "EXECUTING"
	BackgroundAbandoned BackgroundJobState = "ABANDONED"
)

// ErrBackgroundJobAbandoned is returned when mutating an abandoned background job.
var ErrBackgroundJobAbandoned = errors.New("background job is abandoned")

// BackgroundJob is a persisted, priority-ordered retry queue entry used for
// periodic maintenance work.
type BackgroundJob struct {
	ID int64 `json:"id"`
	// Kind names the argument type and selects the handler.
	Kind     string             `json:"kind"`
	Priority int                `json:"priority"`
	Attempts int                `json:"attempts"`
	NextRun  *time.Time         `json:"next_run,omitempty"`
	State    BackgroundJobState `json:"state"`
	// MaximumLifetime is the deadline after which the job is abandoned
	// instead of retried.
	MaximumLifetime *time.Time      `json:"maximum_lifetime,omitempty"`
	Arguments       json.RawMessage `json:"arguments,omitempty"`
	Created         time.Time       `json:"created"`
}

func (b *BackgroundJob) IsAbandoned() bool { return b.State == BackgroundAbandoned }

// Expired reports whether the job outlived its maximum lifetime.
func (b *BackgroundJob) Expired(now time.Time) bool {
	return b.MaximumLifetime != nil && !now.Before(*b.MaximumLifetime)
}

// Runnable reports whether the dispatcher may pick the job at now.
func (b *BackgroundJob) Runnable(now time.Time) bool {
	if b.State != BackgroundScheduled || b.Expired(now) {
		return false
	}
	return b.NextRun == nil || !b.NextRun.After(now)
}

func (b *BackgroundJob) SetExecuting() error {
	if b.IsAbandoned() {
		return ErrBackgroundJobAbandoned
	}
	b.State = BackgroundExecuting
	return nil
}

// Fail counts an execution attempt and reschedules the job for next.
func (b *BackgroundJob) Fail(next time.Time) error {
	if b.IsAbandoned() {
		return ErrBackgroundJobAbandoned
	}
	b.Attempts++
	b.State = BackgroundScheduled
	b.NextRun = &next
	return nil
}

// Reschedule returns an executing job to the queue without counting an attempt.
func (b *BackgroundJob) Reschedule(next *time.Time) error {
	if b.IsAbandoned() {
		return ErrBackgroundJobAbandoned
	}
	b.State = BackgroundScheduled
	b.NextRun = cloneTime(next)
	return nil
}

func (b *BackgroundJob) Abandon() error {
	if b.IsAbandoned() {
		return ErrBackgroundJobAbandoned
	}
	b.State = BackgroundAbandoned
	b.NextRun = nil
	return nil
}

// DecodeArguments unmarshals the serialized arguments into v.
func (b *BackgroundJob) DecodeArguments(v any) error {
	if len(b.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(b.Arguments, v); err != nil {
		return &InvalidBackgroundJobError{ID: b.ID, Kind: b.Kind, Reason: "malformed arguments: " + err.Error()}
	}
	return nil
}

func (b *BackgroundJob) Clone() *BackgroundJob {
	c := *b
	c.NextRun = cloneTime(b.NextRun)
	c.MaximumLifetime = cloneTime(b.MaximumLifetime)
	if b.Arguments != nil {
		c.Arguments = append(json.RawMessage(nil), b.Arguments...)
	}
	return &c
}

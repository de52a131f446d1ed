package domain

import (
	"fmt"
	"time"
)

// State is the lifecycle state shared by jobs and job tasks.
type State string

const (
	StateInactive   State = "INACTIVE"
	StateActive     State = "ACTIVE"
	StatePausing    State = "PAUSING"
	StatePaused     State = "PAUSED"
	StateCancelling State = "CANCELLING"
	StateCancelled  State = "CANCELLED"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// IsActive reports whether live work may be running for the entity.
func (s State) IsActive() bool {
	return s == StateActive || s == StateCancelling || s == StatePausing
}

// IsDone returns true if no further state transitions are possible.
func (s State) IsDone() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// IsTransitioning reports whether a stop or pause request is in flight.
func (s State) IsTransitioning() bool {
	return s == StateCancelling || s == StatePausing
}

func (s State) Valid() bool {
	switch s {
	case StateInactive, StateActive, StatePausing, StatePaused,
		StateCancelling, StateCancelled, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Lifecycle holds the state and timestamps common to jobs and job tasks.
// State should only be changed through the owning entity's SetState.
type Lifecycle struct {
	State        State      `json:"state"`
	Started      *time.Time `json:"started,omitempty"`
	Finished     *time.Time `json:"finished,omitempty"`
	DelayedUntil *time.Time `json:"delayed_until,omitempty"`
}

func (l *Lifecycle) IsActive() bool        { return l.State.IsActive() }
func (l *Lifecycle) IsDone() bool          { return l.State.IsDone() }
func (l *Lifecycle) IsTransitioning() bool { return l.State.IsTransitioning() }

// IsDelayed reports whether the entity must not run before DelayedUntil.
func (l *Lifecycle) IsDelayed(now time.Time) bool {
	return l.DelayedUntil != nil && l.DelayedUntil.After(now)
}

func (l *Lifecycle) setState(entity string, id int64, to State, now time.Time) error {
	if !to.Valid() {
		return fmt.Errorf("%s %d: invalid state %q", entity, id, to)
	}
	if l.State.IsDone() {
		return &AlreadyDoneError{Entity: entity, ID: id, State: l.State}
	}
	if to != StateInactive && l.Started == nil {
		t := now
		l.Started = &t
	}
	if to == StateActive {
		l.DelayedUntil = nil
	}
	if to.IsDone() {
		t := now
		if t.Before(*l.Started) {
			t = *l.Started
		}
		l.Finished = &t
	}
	l.State = to
	return nil
}

func (l *Lifecycle) setDelayedUntil(entity string, id int64, until *time.Time) error {
	if l.State.IsDone() {
		return &AlreadyDoneError{Entity: entity, ID: id, State: l.State}
	}
	if until != nil && l.State == StateActive {
		return fmt.Errorf("%s %d: cannot delay an active %s", entity, id, entity)
	}
	if until == nil {
		l.DelayedUntil = nil
		return nil
	}
	t := *until
	l.DelayedUntil = &t
	return nil
}

func (l *Lifecycle) validate(entity string, id int64) error {
	if !l.State.Valid() {
		return fmt.Errorf("%s %d: invalid state %q", entity, id, l.State)
	}
	if l.State.IsDone() != (l.Finished != nil) {
		return fmt.Errorf("%s %d: finished must be set if and only if the state is terminal (state %s)", entity, id, l.State)
	}
	if l.State == StateActive && l.DelayedUntil != nil {
		return fmt.Errorf("%s %d: delayed_until must be empty while active", entity, id)
	}
	if l.State != StateInactive && l.Started == nil {
		return fmt.Errorf("%s %d: started must be set in state %s", entity, id, l.State)
	}
	if l.Started != nil && l.Finished != nil && l.Finished.Before(*l.Started) {
		return fmt.Errorf("%s %d: finished is before started", entity, id)
	}
	return nil
}

func (l Lifecycle) clone() Lifecycle {
	return Lifecycle{
		State:        l.State,
		Started:      cloneTime(l.Started),
		Finished:     cloneTime(l.Finished),
		DelayedUntil: cloneTime(l.DelayedUntil),
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

package domain

import "time"

// Job is a unit of archiving work rooted at one or more seed job tasks.
// A job owns its tasks through JobTask.JobID; removing a job removes them.
type Job struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name,omitempty"`
	Priority int       `json:"priority"`
	Config   JobConfig `json:"config"`
	Created  time.Time `json:"created"`
	// Version counts the stored writes of the job. An update carrying a
	// version other than the stored one fails with ConflictError.
	Version int64 `json:"version"`
	Lifecycle
}

const entityJob = "job"

// NewJob returns an inactive job. A job created with a future delay starts
// out paused until it is unpaused.
func NewJob(name string, priority int, cfg JobConfig, delayedUntil *time.Time, now time.Time) *Job {
	j := &Job{
		Name:      name,
		Priority:  priority,
		Config:    cfg,
		Created:   now,
		Lifecycle: Lifecycle{State: StateInactive},
	}
	if delayedUntil != nil && delayedUntil.After(now) {
		d := *delayedUntil
		j.DelayedUntil = &d
		j.State = StatePaused
		started := now
		j.Started = &started
	}
	return j
}

// SetState moves the job to the given state, maintaining the timestamp
// invariants. It fails with AlreadyDoneError once the job is terminal.
func (j *Job) SetState(to State, now time.Time) error {
	return j.setState(entityJob, j.ID, to, now)
}

func (j *Job) SetPriority(priority int) error {
	if j.IsDone() {
		return &AlreadyDoneError{Entity: entityJob, ID: j.ID, State: j.State}
	}
	j.Priority = priority
	return nil
}

func (j *Job) SetConfig(cfg JobConfig) error {
	if j.IsDone() {
		return &AlreadyDoneError{Entity: entityJob, ID: j.ID, State: j.State}
	}
	j.Config = cfg
	return nil
}

func (j *Job) SetDelayedUntil(until *time.Time) error {
	return j.setDelayedUntil(entityJob, j.ID, until)
}

// Validate checks the lifecycle invariants of the job.
func (j *Job) Validate() error {
	return j.validate(entityJob, j.ID)
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.Lifecycle = j.Lifecycle.clone()
	c.Config = j.Config.Clone()
	return &c
}

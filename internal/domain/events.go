package domain

import "time"

// StateChange describes a persisted state write, published to observers.
type StateChange struct {
	Entity   string    `json:"entity"`
	ID       int64     `json:"id"`
	JobID    int64     `json:"job_id"`
	State    State     `json:"state"`
	Priority int       `json:"priority"`
	At       time.Time `json:"at"`
}

func JobStateChange(j *Job, at time.Time) StateChange {
	return StateChange{Entity: entityJob, ID: j.ID, JobID: j.ID, State: j.State, Priority: j.Priority, At: at}
}

func TaskStateChange(t *JobTask, at time.Time) StateChange {
	return StateChange{Entity: entityTask, ID: t.ID, JobID: t.JobID, State: t.State, Priority: t.Priority, At: at}
}

// Entity names used in errors and events.
const (
	EntityJob           = entityJob
	EntityJobTask       = entityTask
	EntityBackgroundJob = "background job"
)

package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// JobTaskType tells the scheduler whether a task extracts or downloads.
type JobTaskType string

const (
	TaskTypeExtract  JobTaskType = "EXTRACT"
	TaskTypeDownload JobTaskType = "DOWNLOAD"
)

func (t JobTaskType) Valid() bool {
	return t == TaskTypeExtract || t == TaskTypeDownload
}

// DownloadRequest overrides the request a downloader issues for a task.
type DownloadRequest struct {
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

func (r *DownloadRequest) Clone() *DownloadRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.Headers = maps.Clone(r.Headers)
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// JobTaskResult records the outcome of a finished job task.
type JobTaskResult struct {
	Success      bool   `json:"success"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorDetail  string `json:"error_detail,omitempty"`
	// RetryJobTaskID references the task created to retry this one. It is a
	// lookup reference and never owns the retry task.
	RetryJobTaskID *int64 `json:"retry_job_task_id,omitempty"`
}

func (r *JobTaskResult) Clone() *JobTaskResult {
	if r == nil {
		return nil
	}
	c := *r
	if r.RetryJobTaskID != nil {
		id := *r.RetryJobTaskID
		c.RetryJobTaskID = &id
	}
	return &c
}

// JobTask is one extract or download step belonging to exactly one job.
type JobTask struct {
	ID       int64           `json:"id"`
	JobID    int64           `json:"job_id"`
	Name     string          `json:"name,omitempty"`
	Priority int             `json:"priority"`
	URI      string          `json:"uri"`
	ItemID   string          `json:"item_id,omitempty"`
	ItemData string          `json:"item_data,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Type     JobTaskType     `json:"type"`
	Result   *JobTaskResult  `json:"result,omitempty"`
	// ParentTaskID is the task that produced this one. Lookup only.
	ParentTaskID *int64           `json:"parent_task_id,omitempty"`
	Request      *DownloadRequest `json:"request,omitempty"`
	Created      time.Time        `json:"created"`
	Version      int64            `json:"version"`
	Lifecycle
}

const entityTask = "job task"

func (t *JobTask) SetState(to State, now time.Time) error {
	return t.setState(entityTask, t.ID, to, now)
}

func (t *JobTask) SetPriority(priority int) error {
	if t.IsDone() {
		return &AlreadyDoneError{Entity: entityTask, ID: t.ID, State: t.State}
	}
	t.Priority = priority
	return nil
}

func (t *JobTask) SetDelayedUntil(until *time.Time) error {
	return t.setDelayedUntil(entityTask, t.ID, until)
}

// Finish stores the result and moves the task to COMPLETED or FAILED.
func (t *JobTask) Finish(result JobTaskResult, now time.Time) error {
	to := StateFailed
	if result.Success {
		to = StateCompleted
	}
	if err := t.SetState(to, now); err != nil {
		return err
	}
	t.Result = &result
	return nil
}

func (t *JobTask) Validate() error {
	if err := t.validate(entityTask, t.ID); err != nil {
		return err
	}
	if !t.Type.Valid() {
		return fmt.Errorf("job task %d: invalid type %q", t.ID, t.Type)
	}
	if t.Result != nil && !t.IsDone() {
		return fmt.Errorf("job task %d: result set before the task is done", t.ID)
	}
	return nil
}

func (t *JobTask) Clone() *JobTask {
	c := *t
	c.Lifecycle = t.Lifecycle.clone()
	c.Result = t.Result.Clone()
	c.Request = t.Request.Clone()
	if t.Metadata != nil {
		c.Metadata = append(json.RawMessage(nil), t.Metadata...)
	}
	if t.ParentTaskID != nil {
		id := *t.ParentTaskID
		c.ParentTaskID = &id
	}
	return &c
}

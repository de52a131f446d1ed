package domain

import (
	"encoding/json"
	"time"
)

// JobBuilder assembles a Job with arbitrary lifecycle fields, bypassing the
// guarded transitions. It is meant for seeding stores and tests.
type JobBuilder struct {
	job Job
}

func NewJobBuilder() *JobBuilder {
	return &JobBuilder{job: Job{
		Config:    DefaultJobConfig(),
		Lifecycle: Lifecycle{State: StateInactive},
	}}
}

func (b *JobBuilder) WithID(id int64) *JobBuilder          { b.job.ID = id; return b }
func (b *JobBuilder) WithName(name string) *JobBuilder     { b.job.Name = name; return b }
func (b *JobBuilder) WithState(s State) *JobBuilder        { b.job.State = s; return b }
func (b *JobBuilder) WithPriority(p int) *JobBuilder       { b.job.Priority = p; return b }
func (b *JobBuilder) WithConfig(c JobConfig) *JobBuilder   { b.job.Config = c; return b }
func (b *JobBuilder) WithCreated(t time.Time) *JobBuilder  { b.job.Created = t; return b }
func (b *JobBuilder) WithStarted(t time.Time) *JobBuilder  { b.job.Started = &t; return b }
func (b *JobBuilder) WithFinished(t time.Time) *JobBuilder { b.job.Finished = &t; return b }

func (b *JobBuilder) WithDelayedUntil(t time.Time) *JobBuilder {
	b.job.DelayedUntil = &t
	return b
}

// Build returns a copy of the assembled job.
func (b *JobBuilder) Build() *Job { return b.job.Clone() }

// JobTaskBuilder is the JobTask counterpart of JobBuilder.
type JobTaskBuilder struct {
	task JobTask
}

func NewJobTaskBuilder() *JobTaskBuilder {
	return &JobTaskBuilder{task: JobTask{
		Type:      TaskTypeExtract,
		Lifecycle: Lifecycle{State: StateInactive},
	}}
}

func (b *JobTaskBuilder) WithID(id int64) *JobTaskBuilder           { b.task.ID = id; return b }
func (b *JobTaskBuilder) WithJobID(id int64) *JobTaskBuilder        { b.task.JobID = id; return b }
func (b *JobTaskBuilder) WithName(name string) *JobTaskBuilder      { b.task.Name = name; return b }
func (b *JobTaskBuilder) WithState(s State) *JobTaskBuilder         { b.task.State = s; return b }
func (b *JobTaskBuilder) WithPriority(p int) *JobTaskBuilder        { b.task.Priority = p; return b }
func (b *JobTaskBuilder) WithURI(uri string) *JobTaskBuilder        { b.task.URI = uri; return b }
func (b *JobTaskBuilder) WithItemID(id string) *JobTaskBuilder      { b.task.ItemID = id; return b }
func (b *JobTaskBuilder) WithItemData(d string) *JobTaskBuilder     { b.task.ItemData = d; return b }
func (b *JobTaskBuilder) WithType(t JobTaskType) *JobTaskBuilder    { b.task.Type = t; return b }
func (b *JobTaskBuilder) WithCreated(t time.Time) *JobTaskBuilder   { b.task.Created = t; return b }
func (b *JobTaskBuilder) WithStarted(t time.Time) *JobTaskBuilder   { b.task.Started = &t; return b }
func (b *JobTaskBuilder) WithFinished(t time.Time) *JobTaskBuilder  { b.task.Finished = &t; return b }
func (b *JobTaskBuilder) WithParent(id int64) *JobTaskBuilder       { b.task.ParentTaskID = &id; return b }
func (b *JobTaskBuilder) WithResult(r JobTaskResult) *JobTaskBuilder { b.task.Result = &r; return b }

func (b *JobTaskBuilder) WithDelayedUntil(t time.Time) *JobTaskBuilder {
	b.task.DelayedUntil = &t
	return b
}

func (b *JobTaskBuilder) WithMetadata(m json.RawMessage) *JobTaskBuilder {
	b.task.Metadata = m
	return b
}

func (b *JobTaskBuilder) WithRequest(r DownloadRequest) *JobTaskBuilder {
	b.task.Request = &r
	return b
}

func (b *JobTaskBuilder) Build() *JobTask { return b.task.Clone() }

package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/internal/plugin"
	"github.com/WiLGYSeF/stalk-sub000/pkg/retry"
	"github.com/WiLGYSeF/stalk-sub000/pkg/telemetry"
)

// RetryPriorityPenalty is subtracted from a failed task's priority to get
// the priority of its retry task.
const RetryPriorityPenalty = 100

// TaskStore is what a TaskRunner needs from the job task manager.
type TaskStore interface {
	Now() time.Time
	GetByID(ctx context.Context, id int64) (*domain.JobTask, error)
	SetActive(ctx context.Context, task *domain.JobTask) error
	CreateMany(ctx context.Context, tasks []*domain.JobTask) error
	Finish(ctx context.Context, task *domain.JobTask, result domain.JobTaskResult) error
	CountByState(ctx context.Context, jobID int64) (map[domain.State]int, error)
}

// TaskRunner runs one job task to completion and applies the retry policy
// when it fails.
type TaskRunner struct {
	tasks   TaskStore
	plugins *plugin.Registry
	logger  *slog.Logger

	persistAttempts int
	persistDelay    time.Duration
}

type RunnerOption func(*TaskRunner)

func WithRunnerLogger(l *slog.Logger) RunnerOption { return func(r *TaskRunner) { r.logger = l } }

// WithPersistRetry sets how often the final task write is attempted.
func WithPersistRetry(attempts int, baseDelay time.Duration) RunnerOption {
	return func(r *TaskRunner) {
		r.persistAttempts = attempts
		r.persistDelay = baseDelay
	}
}

func NewTaskRunner(tasks TaskStore, plugins *plugin.Registry, opts ...RunnerOption) *TaskRunner {
	r := &TaskRunner{
		tasks:           tasks,
		plugins:         plugins,
		logger:          slog.Default(),
		persistAttempts: 3,
		persistDelay:    100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the task with the given id inside scope. A failure of the
// task itself is recorded on the task and does not make Run fail. Run
// returns the context error when cancelled, leaving the task's final state
// to whoever cancelled it.
func (r *TaskRunner) Run(ctx context.Context, scope *Scope, taskID int64) error {
	ctx, span := otel.Tracer("worker").Start(ctx, "worker.run_task")
	defer span.End()

	task, err := r.tasks.GetByID(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("load job task %d: %w", taskID, err)
	}
	if task.IsDone() {
		return nil
	}
	if err := r.tasks.SetActive(ctx, task); err != nil {
		span.RecordError(err)
		return fmt.Errorf("activate job task %d: %w", taskID, err)
	}

	taskType := string(task.Type)
	span.SetAttributes(
		attribute.Int64("job.id", task.JobID),
		attribute.Int64("task.id", task.ID),
		attribute.String("task.type", taskType),
		attribute.String("task.uri", task.URI),
	)
	log := r.logger.With(
		slog.Int64("job_id", task.JobID),
		slog.Int64("task_id", task.ID),
		slog.String("task_type", taskType),
	)

	telemetry.WorkerTasksInFlight.WithLabelValues(taskType).Inc()
	defer telemetry.WorkerTasksInFlight.WithLabelValues(taskType).Dec()
	start := time.Now()

	var runErr error
	switch task.Type {
	case domain.TaskTypeExtract:
		runErr = r.extract(ctx, scope, task, log)
	case domain.TaskTypeDownload:
		runErr = r.download(ctx, scope, task, log)
	default:
		runErr = &domain.WorkerError{Code: domain.CodeInvalidTask, Message: fmt.Sprintf("unknown task type %q", task.Type)}
	}
	telemetry.WorkerTaskDurationSeconds.WithLabelValues(taskType).Observe(time.Since(start).Seconds())

	if runErr != nil && ctx.Err() != nil {
		log.Info("task cancelled")
		telemetry.WorkerTasksProcessed.WithLabelValues(taskType, "cancelled").Inc()
		return ctx.Err()
	}

	// The run is over; the result is written even if a stop request races it.
	ctx = context.WithoutCancel(ctx)
	result := domain.JobTaskResult{Success: true}
	outcome := "completed"
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "task failed")
		result = r.fail(ctx, scope, task, runErr, log)
		outcome = "failed"
	} else {
		log.Info("task completed", slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	}
	r.finalize(ctx, task, result, log)
	telemetry.WorkerTasksProcessed.WithLabelValues(taskType, outcome).Inc()
	return nil
}

func (r *TaskRunner) extract(ctx context.Context, scope *Scope, task *domain.JobTask, log *slog.Logger) error {
	ex, ok := r.plugins.Extractor(task.URI)
	if !ok {
		return &domain.WorkerError{Code: domain.CodeNoExtractor, Message: "no extractor for " + task.URI}
	}
	cfg := scope.Config()
	ex.SetConfig(cfg.ExtractorConfig(ex.Name()))
	ex.SetLogger(log.With(slog.String("extractor", ex.Name())))
	ex.SetHTTPClient(scope.Client)
	ex.SetCache(scope.Cache)

	if scope.ItemIDs != nil {
		if id, ok := ex.ItemID(task.URI); ok && scope.ItemIDs.Contains(id) {
			log.Info("item already archived, skipping", slog.String("item_id", id))
			return nil
		}
	}

	now := r.tasks.Now()
	seen := make(map[string]bool)
	var children []*domain.JobTask
	for res, err := range ex.Extract(ctx, task.URI, task.ItemData, task.Metadata) {
		if err != nil {
			return fmt.Errorf("extract %s: %w", task.URI, err)
		}
		if res.ItemID != "" {
			if seen[res.ItemID] || (scope.ItemIDs != nil && scope.ItemIDs.Contains(res.ItemID)) {
				continue
			}
			seen[res.ItemID] = true
		}
		children = append(children, r.child(scope, task, res, now))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if cfg.StopWithNoNewItemIDs && len(children) > 0 &&
		!slices.ContainsFunc(children, func(c *domain.JobTask) bool { return c.ItemID != "" }) {
		log.Info("no new item ids, discarding extracted tasks", slog.Int("count", len(children)))
		return nil
	}
	if len(children) == 0 {
		return nil
	}
	if err := r.tasks.CreateMany(ctx, children); err != nil {
		return fmt.Errorf("save %d extracted tasks: %w", len(children), err)
	}
	log.Info("extracted tasks", slog.Int("count", len(children)))
	return nil
}

func (r *TaskRunner) child(scope *Scope, parent *domain.JobTask, res plugin.ExtractResult, now time.Time) *domain.JobTask {
	uri := res.URI
	if uri == "" && res.Data != nil {
		uri = DataURI(res.Data)
	}
	typ := res.Type
	if typ == "" {
		typ = domain.TaskTypeDownload
	}
	parentID := parent.ID
	c := &domain.JobTask{
		JobID:        parent.JobID,
		Name:         res.Name,
		Priority:     parent.Priority + res.Priority,
		URI:          uri,
		ItemID:       res.ItemID,
		ItemData:     res.ItemData,
		Metadata:     res.Metadata,
		Type:         typ,
		ParentTaskID: &parentID,
		Request:      res.Request.Clone(),
		Lifecycle:    domain.Lifecycle{State: domain.StateInactive},
	}
	if d := scope.Draw(scope.Config().TaskDelay); d > 0 {
		until := now.Add(d)
		c.DelayedUntil = &until
	}
	return c
}

// DataURI encodes an inline extractor payload as a base64 data URI.
func DataURI(data []byte) string {
	return "data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(data)
}

func (r *TaskRunner) download(ctx context.Context, scope *Scope, task *domain.JobTask, log *slog.Logger) error {
	dl, ok := r.plugins.Downloader(task.URI)
	if !ok {
		return &domain.WorkerError{Code: domain.CodeNoDownloader, Message: "no downloader for " + task.URI}
	}
	cfg := scope.Config()
	if !cfg.DownloadData {
		log.Debug("downloads disabled, skipping")
		return nil
	}
	if scope.ItemIDs != nil && task.ItemID != "" && scope.ItemIDs.Contains(task.ItemID) {
		log.Info("item already archived, skipping", slog.String("item_id", task.ItemID))
		return nil
	}
	dl.SetConfig(cfg.DownloaderConfig(dl.Name()))
	dl.SetLogger(log.With(slog.String("downloader", dl.Name())))
	dl.SetHTTPClient(scope.Client)

	req := plugin.DownloadRequest{
		URI:                      task.URI,
		ItemID:                   task.ItemID,
		FilenameTemplate:         cfg.DownloadFilenameTemplate,
		MetadataFilenameTemplate: cfg.MetadataFilenameTemplate,
		SaveMetadata:             cfg.SaveMetadata,
		Metadata:                 task.Metadata,
		Request:                  task.Request,
	}
	record := scope.ItemIDs != nil && cfg.SaveItemIDs
	added := 0
	var dlErr error
	for res, err := range dl.Download(ctx, req) {
		if err != nil {
			dlErr = fmt.Errorf("download %s: %w", task.URI, err)
			break
		}
		if record && res.ItemID != "" && scope.ItemIDs.Add(res.ItemID) {
			added++
		}
	}
	if added > 0 {
		// Files already on disk stay recorded even when the stream failed later.
		if err := scope.ItemIDs.Flush(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to save item ids", slog.String("error", err.Error()))
		}
	}
	return dlErr
}

// fail builds the result of a failed task and schedules its retry task when
// the policy and the job's failure budget allow it.
func (r *TaskRunner) fail(ctx context.Context, scope *Scope, task *domain.JobTask, runErr error, log *slog.Logger) domain.JobTaskResult {
	dec := Classify(runErr)
	result := domain.JobTaskResult{
		ErrorCode:    dec.Code,
		ErrorMessage: runErr.Error(),
		ErrorDetail:  errorDetail(runErr),
	}
	log = log.With(slog.String("error", runErr.Error()))
	if !dec.Retry {
		log.Error("task failed", slog.String("code", dec.Code))
		return result
	}
	if !r.withinFailureBudget(ctx, scope, task, log) {
		log.Error("task failed, job failure budget exhausted")
		return result
	}

	rt, delayKind := r.retryTask(scope, task, dec)
	if err := r.tasks.CreateMany(ctx, []*domain.JobTask{rt}); err != nil {
		log.Error("task failed, could not schedule retry", slog.String("retry_error", err.Error()))
		return result
	}
	id := rt.ID
	result.RetryJobTaskID = &id
	telemetry.WorkerRetriesTotal.WithLabelValues(delayKind).Inc()
	log.Warn("task failed, retry scheduled", slog.Int64("retry_task_id", id))
	return result
}

// withinFailureBudget reports whether the job can afford this failure and
// still run a retry.
func (r *TaskRunner) withinFailureBudget(ctx context.Context, scope *Scope, task *domain.JobTask, log *slog.Logger) bool {
	counts, err := r.tasks.CountByState(ctx, task.JobID)
	if err != nil {
		log.Warn("failed to count failed tasks", slog.String("count_error", err.Error()))
		return false
	}
	return counts[domain.StateFailed]+1 <= scope.Config().MaxFailures
}

func (r *TaskRunner) retryTask(scope *Scope, task *domain.JobTask, dec Decision) (*domain.JobTask, string) {
	cfg := scope.Config()
	delay, kind := cfg.TaskFailedDelay, "task_failed"
	if dec.TooManyRequests && cfg.TooManyRequestsDelay != nil {
		delay, kind = cfg.TooManyRequestsDelay, "too_many_requests"
	}
	rt := &domain.JobTask{
		JobID:     task.JobID,
		Name:      task.Name,
		Priority:  task.Priority - RetryPriorityPenalty,
		URI:       task.URI,
		ItemID:    task.ItemID,
		ItemData:  task.ItemData,
		Type:      task.Type,
		Request:   task.Request.Clone(),
		Lifecycle: domain.Lifecycle{State: domain.StateInactive},
	}
	if task.Metadata != nil {
		rt.Metadata = append(json.RawMessage(nil), task.Metadata...)
	}
	if task.ParentTaskID != nil {
		id := *task.ParentTaskID
		rt.ParentTaskID = &id
	}
	if d := scope.Draw(delay); d > 0 {
		until := r.tasks.Now().Add(d)
		rt.DelayedUntil = &until
	}
	return rt, kind
}

// finalize reloads the task and stores its result. Errors are logged.
func (r *TaskRunner) finalize(ctx context.Context, task *domain.JobTask, result domain.JobTaskResult, log *slog.Logger) {
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: r.persistAttempts,
		BaseDelay:   r.persistDelay,
		ShouldRetry: retryablePersist,
		OnRetry: func(attempt int, err error) {
			log.Warn("saving task result failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		cur, err := r.tasks.GetByID(ctx, task.ID)
		if err != nil {
			return err
		}
		if !cur.IsDone() {
			if err := r.tasks.Finish(ctx, cur, result); err != nil {
				return err
			}
		}
		*task = *cur
		return nil
	})
	if err != nil {
		log.Error("failed to save task result", slog.String("error", err.Error()))
	}
}

func retryablePersist(err error) bool {
	var notFound *domain.EntityNotFoundError
	var done *domain.AlreadyDoneError
	return !errors.As(err, &notFound) && !errors.As(err, &done)
}

// errorDetail names the innermost error of the chain.
func errorDetail(err error) string {
	inner := err
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	return fmt.Sprintf("%T: %v", inner, inner)
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/internal/itemids"
	"github.com/WiLGYSeF/stalk-sub000/pkg/telemetry"
)

// ErrShutdown is returned by Start once the service is shutting down.
var ErrShutdown = errors.New("job worker service is shut down")

// JobStore is what the job worker needs from the job manager.
type JobStore interface {
	GetByID(ctx context.Context, id int64) (*domain.Job, error)
	SetActive(ctx context.Context, job *domain.Job) error
	SetState(ctx context.Context, job *domain.Job, to domain.State) error
}

// TaskQueue is what the job worker needs from the job task manager.
type TaskQueue interface {
	NextQueued(ctx context.Context, jobID int64, limit int, running []int64) ([]*domain.JobTask, error)
	CountByState(ctx context.Context, jobID int64) (map[domain.State]int, error)
}

// RateLimiter throttles task starts per key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// ItemIDOpener loads the item-id set configured at path.
type ItemIDOpener func(ctx context.Context, path string) (itemids.Set, error)

// JobWorkerService runs one worker goroutine per active job. Each worker
// keeps up to MaxTaskWorkerCount tasks of its job running and finishes the
// job once no unfinished task is left.
type JobWorkerService struct {
	jobs        JobStore
	tasks       TaskQueue
	taskWorkers *TaskWorkerService

	pollInterval time.Duration
	httpTimeout  time.Duration
	limiter      RateLimiter
	openItemIDs  ItemIDOpener
	onExit       func(jobID int64)
	logger       *slog.Logger

	root       context.Context
	rootCancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	running map[int64]*execution
	wg      sync.WaitGroup
}

type JobWorkerOption func(*JobWorkerService)

func WithPollInterval(d time.Duration) JobWorkerOption {
	return func(s *JobWorkerService) { s.pollInterval = d }
}

func WithHTTPTimeout(d time.Duration) JobWorkerOption {
	return func(s *JobWorkerService) { s.httpTimeout = d }
}

// WithRateLimiter limits task starts per job, keyed by "job:<id>".
func WithRateLimiter(l RateLimiter) JobWorkerOption {
	return func(s *JobWorkerService) { s.limiter = l }
}

func WithItemIDOpener(open ItemIDOpener) JobWorkerOption {
	return func(s *JobWorkerService) { s.openItemIDs = open }
}

// WithOnExit registers a callback run after a job worker finished its job.
// It is not called for workers that were stopped.
func WithOnExit(fn func(jobID int64)) JobWorkerOption {
	return func(s *JobWorkerService) { s.onExit = fn }
}

func WithLogger(l *slog.Logger) JobWorkerOption {
	return func(s *JobWorkerService) { s.logger = l }
}

func NewJobWorkerService(jobs JobStore, tasks TaskQueue, taskWorkers *TaskWorkerService, opts ...JobWorkerOption) *JobWorkerService {
	s := &JobWorkerService{
		jobs:         jobs,
		tasks:        tasks,
		taskWorkers:  taskWorkers,
		pollInterval: 5 * time.Second,
		httpTimeout:  time.Minute,
		openItemIDs: func(ctx context.Context, path string) (itemids.Set, error) {
			return itemids.Open(ctx, path, nil)
		},
		logger:  slog.Default(),
		running: make(map[int64]*execution),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 5 * time.Second
	}
	s.root, s.rootCancel = context.WithCancel(context.Background())
	return s
}

// Start activates the job and spawns its worker. Starting a job that already
// has a worker is a no-op.
func (s *JobWorkerService) Start(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShutdown
	}
	if _, ok := s.running[job.ID]; ok {
		s.mu.Unlock()
		return nil
	}
	jctx, cancel := context.WithCancel(s.root)
	e := &execution{cancel: cancel, done: make(chan struct{})}
	s.running[job.ID] = e
	s.wg.Add(1)
	s.mu.Unlock()

	scope, err := s.newScope(ctx, job)
	if err == nil {
		err = s.jobs.SetActive(ctx, job)
	}
	if err != nil {
		s.remove(job.ID)
		e.finish()
		s.wg.Done()
		return fmt.Errorf("start job %d: %w", job.ID, err)
	}

	telemetry.WorkerActiveJobs.Inc()
	s.logger.Info("job worker started",
		slog.Int64("job_id", job.ID),
		slog.Int("max_task_workers", job.Config.MaxTaskWorkerCount),
	)
	go s.run(jctx, e, job.ID, scope)
	return nil
}

func (s *JobWorkerService) newScope(ctx context.Context, job *domain.Job) (*Scope, error) {
	var ids itemids.Set
	if job.Config.UseItemIDs() {
		var err error
		if ids, err = s.openItemIDs(ctx, job.Config.ItemIDPath); err != nil {
			return nil, fmt.Errorf("open item ids %s: %w", job.Config.ItemIDPath, err)
		}
	}
	return NewScope(job, ids, s.httpTimeout), nil
}

// Stop cancels the job's worker and blocks until it and all of its tasks
// returned, or until ctx is done. Stopping a job without a worker succeeds.
func (s *JobWorkerService) Stop(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	e, ok := s.running[jobID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	s.logger.Info("stopping job worker", slog.Int64("job_id", jobID))
	e.cancel()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for job %d worker: %w", jobID, ctx.Err())
	}
}

// Shutdown stops every job worker and waits for them, without touching the
// stored job states. Jobs left ACTIVE are recovered on the next start.
func (s *JobWorkerService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.rootCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for job workers: %w", ctx.Err())
	}
}

// StopAll stops every job worker and waits for them, without touching the
// stored job states. Unlike Shutdown the service keeps accepting starts.
func (s *JobWorkerService) StopAll(ctx context.Context) error {
	s.mu.Lock()
	execs := slices.Collect(maps.Values(s.running))
	s.mu.Unlock()

	for _, e := range execs {
		e.cancel()
	}
	for _, e := range execs {
		select {
		case <-e.done:
		case <-ctx.Done():
			return fmt.Errorf("wait for job workers: %w", ctx.Err())
		}
	}
	return nil
}

// ActiveJobIDs returns the ids of jobs with a live worker, in ascending order.
func (s *JobWorkerService) ActiveJobIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.running))
}

func (s *JobWorkerService) IsRunning(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[jobID]
	return ok
}

func (s *JobWorkerService) remove(jobID int64) {
	s.mu.Lock()
	delete(s.running, jobID)
	s.mu.Unlock()
}

func (s *JobWorkerService) run(ctx context.Context, e *execution, jobID int64, scope *Scope) {
	defer s.wg.Done()
	log := s.logger.With(slog.Int64("job_id", jobID))

	ctx, span := otel.Tracer("worker").Start(ctx, "worker.run_job")
	span.SetAttributes(attribute.Int64("job.id", jobID))
	finished := s.loop(ctx, jobID, scope, log)
	span.SetAttributes(attribute.Bool("job.finished", finished))
	span.End()

	s.remove(jobID)
	e.finish()
	telemetry.WorkerActiveJobs.Dec()

	if !finished {
		log.Info("job worker stopped")
		return
	}
	log.Info("job worker finished")
	if s.onExit != nil {
		s.onExit(jobID)
	}
}

// loop reports whether the job reached a terminal state.
func (s *JobWorkerService) loop(ctx context.Context, jobID int64, scope *Scope, log *slog.Logger) bool {
	slots := max(scope.Config().MaxTaskWorkerCount, 1)
	running := make(map[int64]struct{}, slots)
	// Buffered so exiting tasks never block once the loop stopped reading.
	exits := make(chan int64, slots)
	var tasks sync.WaitGroup
	defer tasks.Wait()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return false
		}

		if free := slots - len(running); free > 0 {
			next, err := s.tasks.NextQueued(ctx, jobID, free, slices.Collect(maps.Keys(running)))
			if err != nil && ctx.Err() == nil {
				log.Warn("failed to fetch queued tasks", slog.String("error", err.Error()))
			}
			for _, t := range next {
				if !s.allow(ctx, jobID, log) {
					break
				}
				running[t.ID] = struct{}{}
				tasks.Add(1)
				go func(id int64) {
					defer tasks.Done()
					err := s.taskWorkers.Run(ctx, scope, id)
					switch {
					case err == nil || ctx.Err() != nil:
					case errors.Is(err, context.Canceled):
						// Stopped on its own through TaskWorkerService.Stop.
						log.Debug("job task stopped", slog.Int64("task_id", id))
					default:
						log.Error("job task run failed", slog.Int64("task_id", id), slog.String("error", err.Error()))
					}
					exits <- id
				}(t.ID)
			}
			if err == nil && len(next) == 0 && len(running) == 0 && s.finishIfDone(ctx, jobID, log) {
				return true
			}
		}

		select {
		case <-ctx.Done():
		case id := <-exits:
			delete(running, id)
		case <-ticker.C:
		}
	}
}

func (s *JobWorkerService) allow(ctx context.Context, jobID int64, log *slog.Logger) bool {
	if s.limiter == nil {
		return true
	}
	ok, err := s.limiter.Allow(ctx, "job:"+strconv.FormatInt(jobID, 10))
	if err != nil {
		log.Warn("rate limiter unavailable, allowing task", slog.String("error", err.Error()))
		return true
	}
	if !ok {
		telemetry.WorkerRateLimitedTotal.Inc()
	}
	return ok
}

// finishIfDone moves the job to COMPLETED, or FAILED when its failed tasks
// exceed MaxFailures, once every task is done.
func (s *JobWorkerService) finishIfDone(ctx context.Context, jobID int64, log *slog.Logger) bool {
	counts, err := s.tasks.CountByState(ctx, jobID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("failed to count job tasks", slog.String("error", err.Error()))
		}
		return false
	}
	for state, n := range counts {
		if n > 0 && !state.IsDone() {
			return false
		}
	}

	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		log.Warn("failed to reload job", slog.String("error", err.Error()))
		return false
	}
	if job.IsDone() {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	to := domain.StateCompleted
	if counts[domain.StateFailed] > job.Config.MaxFailures {
		to = domain.StateFailed
	}
	if err := s.jobs.SetState(ctx, job, to); err != nil {
		// A concurrent stop or pause got there first; the next pass
		// re-reads the job.
		if domain.IsConflict(err) {
			log.Debug("job changed while finishing", slog.String("error", err.Error()))
			return false
		}
		log.Error("failed to finish job", slog.String("error", err.Error()))
		return false
	}
	log.Info("job finished",
		slog.String("state", string(to)),
		slog.Int("completed_tasks", counts[domain.StateCompleted]),
		slog.Int("failed_tasks", counts[domain.StateFailed]),
	)
	return true
}

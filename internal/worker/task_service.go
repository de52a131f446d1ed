package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Runner executes one job task.
type Runner interface {
	Run(ctx context.Context, scope *Scope, taskID int64) error
}

type execution struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// finish releases the execution's context and wakes everyone waiting in Stop.
func (e *execution) finish() {
	e.cancel()
	close(e.done)
}

// TaskWorkerService tracks the live job task executions of this process so
// they can be stopped one by one.
type TaskWorkerService struct {
	runner Runner
	logger *slog.Logger

	mu      sync.Mutex
	running map[int64]*execution
}

func NewTaskWorkerService(runner Runner, logger *slog.Logger) *TaskWorkerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskWorkerService{
		runner:  runner,
		logger:  logger,
		running: make(map[int64]*execution),
	}
}

// Run executes the task and blocks until it returned. A task runs at most
// once at a time.
func (s *TaskWorkerService) Run(ctx context.Context, scope *Scope, taskID int64) error {
	ctx, cancel := context.WithCancel(ctx)
	e := &execution{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if _, ok := s.running[taskID]; ok {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("job task %d is already running", taskID)
	}
	s.running[taskID] = e
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, taskID)
		s.mu.Unlock()
		e.finish()
	}()
	return s.runner.Run(ctx, scope, taskID)
}

// Stop cancels the task and blocks until its execution returned or ctx is
// done. Stopping a task that is not running succeeds.
func (s *TaskWorkerService) Stop(ctx context.Context, taskID int64) error {
	s.mu.Lock()
	e, ok := s.running[taskID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	s.logger.Info("stopping job task", slog.Int64("task_id", taskID))
	e.cancel()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for job task %d: %w", taskID, ctx.Err())
	}
}

func (s *TaskWorkerService) IsRunning(taskID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[taskID]
	return ok
}

package statemanager

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
)

// maxConflicts bounds how often a request re-reads the entity after a write
// lost against a concurrent one.
const maxConflicts = 5

type stateful interface {
	IsActive() bool
	IsDone() bool
}

// records is the slice of JobManager and JobTaskManager a coordinator needs.
type records[E stateful] interface {
	GetByID(ctx context.Context, id int64) (E, error)
	SetState(ctx context.Context, e E, to domain.State) error
}

// request describes one externally requested transition.
type request[E stateful] struct {
	// check runs on every fresh read until the transitional state was
	// written. It reports whether the request still applies.
	check func(cur E) (bool, error)
	// transitional is written before an active entity's worker is stopped.
	// Empty for requests that never touch the worker.
	transitional domain.State
	// finish writes the final state.
	finish func(ctx context.Context, cur E) error
}

type coordinator[E stateful] struct {
	entity  string
	idKey   string
	records records[E]
	workers WorkerStopper
	locks   *keyedLock
	logger  *slog.Logger
}

// do runs req under the entity's try-lock and returns the last record read.
// When the caller's ctx ends while the worker is stopping, the request is
// finished in the background and the lock is released only after the final
// state landed.
func (c *coordinator[E]) do(ctx context.Context, id int64, req request[E]) (E, error) {
	if !c.locks.TryLock(id) {
		var zero E
		return zero, &domain.TransitioningError{Entity: c.entity, ID: id}
	}
	cur, detached, err := c.apply(ctx, id, req, false)
	if !detached {
		c.locks.Unlock(id)
	}
	return cur, err
}

// apply reloads the entity and drives req to its final write. stopped means
// the transitional state is stored and the worker has returned.
func (c *coordinator[E]) apply(ctx context.Context, id int64, req request[E], stopped bool) (cur E, detached bool, err error) {
	for conflicts := 0; ; {
		cur, err = c.records.GetByID(ctx, id)
		if err != nil {
			return cur, false, err
		}

		switch {
		case stopped:
			// The worker may have finished the entity before it noticed
			// the stop.
			if cur.IsDone() {
				return cur, false, nil
			}
			err = req.finish(ctx, cur)
		default:
			ok, cerr := req.check(cur)
			if cerr != nil || !ok {
				return cur, false, cerr
			}
			if req.transitional == "" || !cur.IsActive() {
				err = req.finish(ctx, cur)
				break
			}
			if err = c.records.SetState(ctx, cur, req.transitional); err != nil {
				err = fmt.Errorf("write %s: %w", req.transitional, err)
				break
			}
			if detached, err = c.stopWorker(ctx, id, req); err != nil {
				return cur, detached, err
			}
			stopped = true
			continue
		}

		if domain.IsConflict(err) && conflicts < maxConflicts {
			conflicts++
			c.logger.Debug("concurrent write, re-reading",
				slog.Int64(c.idKey, id),
				slog.Int("conflicts", conflicts),
			)
			continue
		}
		return cur, false, err
	}
}

func (c *coordinator[E]) stopWorker(ctx context.Context, id int64, req request[E]) (detached bool, err error) {
	c.logger.Info("stopping "+c.entity+" worker",
		slog.Int64(c.idKey, id),
		slog.String("state", string(req.transitional)),
	)
	err = c.workers.Stop(ctx, id)
	if err == nil {
		return false, nil
	}
	err = fmt.Errorf("stop worker of %s %d: %w", c.entity, id, err)
	if ctx.Err() == nil {
		return false, err
	}
	go c.finishDetached(context.WithoutCancel(ctx), id, req)
	return true, err
}

// finishDetached waits for the worker the caller gave up on and writes the
// final state. It owns the entity's lock.
func (c *coordinator[E]) finishDetached(ctx context.Context, id int64, req request[E]) {
	defer c.locks.Unlock(id)
	log := c.logger.With(slog.Int64(c.idKey, id), slog.String("state", string(req.transitional)))
	log.Warn("caller gone before the worker stopped, finishing in the background")

	if err := c.workers.Stop(ctx, id); err != nil {
		log.Error("failed to stop worker", slog.String("error", err.Error()))
		return
	}
	if _, _, err := c.apply(ctx, id, req, true); err != nil {
		log.Error("failed to write final state", slog.String("error", err.Error()))
		return
	}
	log.Info("final state written")
}

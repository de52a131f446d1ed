// Package memstore is an in-memory implementation of repository.Store.
package memstore

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/internal/repository"
)

type data struct {
	jobs   map[int64]*domain.Job
	tasks  map[int64]*domain.JobTask
	bgJobs map[int64]*domain.BackgroundJob

	nextJobID, nextTaskID, nextBgJobID int64
}

func (d *data) clone() *data {
	c := *d
	c.jobs = make(map[int64]*domain.Job, len(d.jobs))
	for id, j := range d.jobs {
		c.jobs[id] = j.Clone()
	}
	c.tasks = make(map[int64]*domain.JobTask, len(d.tasks))
	for id, t := range d.tasks {
		c.tasks[id] = t.Clone()
	}
	c.bgJobs = make(map[int64]*domain.BackgroundJob, len(d.bgJobs))
	for id, b := range d.bgJobs {
		c.bgJobs[id] = b.Clone()
	}
	return &c
}

// Store keeps every entity in maps guarded by a single mutex. Inside InTx the
// mutex is held for the whole callback and the view does not re-lock.
type Store struct {
	mu   *sync.Mutex
	inTx bool
	d    *data
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		mu: &sync.Mutex{},
		d: &data{
			jobs:   make(map[int64]*domain.Job),
			tasks:  make(map[int64]*domain.JobTask),
			bgJobs: make(map[int64]*domain.BackgroundJob),
		},
	}
}

func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) InTx(_ context.Context, fn func(tx repository.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	defer s.lock()()
	snapshot := s.d.clone()
	if err := fn(&Store{mu: s.mu, inTx: true, d: s.d}); err != nil {
		*s.d = *snapshot
		return err
	}
	return nil
}

// ── jobs ─────────────────────────────────────────────────────────────────────

func (s *Store) AddJob(_ context.Context, job *domain.Job) error {
	defer s.lock()()
	s.d.nextJobID++
	job.ID = s.d.nextJobID
	job.Version = 1
	s.d.jobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) GetJob(_ context.Context, id int64) (*domain.Job, error) {
	defer s.lock()()
	j, ok := s.d.jobs[id]
	if !ok {
		return nil, &domain.EntityNotFoundError{Entity: domain.EntityJob, ID: id}
	}
	return j.Clone(), nil
}

func (s *Store) UpdateJob(_ context.Context, job *domain.Job) error {
	defer s.lock()()
	cur, ok := s.d.jobs[job.ID]
	if !ok {
		return &domain.EntityNotFoundError{Entity: domain.EntityJob, ID: job.ID}
	}
	if cur.Version != job.Version {
		return &domain.ConflictError{Entity: domain.EntityJob, ID: job.ID}
	}
	job.Version++
	s.d.jobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) DeleteJob(_ context.Context, id int64) error {
	defer s.lock()()
	if _, ok := s.d.jobs[id]; !ok {
		return &domain.EntityNotFoundError{Entity: domain.EntityJob, ID: id}
	}
	delete(s.d.jobs, id)
	maps.DeleteFunc(s.d.tasks, func(_ int64, t *domain.JobTask) bool { return t.JobID == id })
	return nil
}

func (s *Store) ListJobs(_ context.Context, states ...domain.State) ([]*domain.Job, error) {
	defer s.lock()()
	return s.collectJobs(func(j *domain.Job) bool {
		return len(states) == 0 || slices.Contains(states, j.State)
	}, func(a, b *domain.Job) int { return cmp.Compare(a.ID, b.ID) }), nil
}

func (s *Store) ListQueuedJobs(_ context.Context, now time.Time) ([]*domain.Job, error) {
	defer s.lock()()
	return s.collectJobs(func(j *domain.Job) bool {
		return repository.IsQueuedJob(j, now)
	}, repository.CompareQueuedJobs), nil
}

func (s *Store) ListActiveJobs(_ context.Context) ([]*domain.Job, error) {
	defer s.lock()()
	return s.collectJobs(func(j *domain.Job) bool {
		return j.IsActive()
	}, func(a, b *domain.Job) int { return cmp.Compare(a.ID, b.ID) }), nil
}

func (s *Store) collectJobs(keep func(*domain.Job) bool, order func(a, b *domain.Job) int) []*domain.Job {
	var out []*domain.Job
	for _, j := range s.d.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	slices.SortFunc(out, order)
	return out
}

// ── job tasks ────────────────────────────────────────────────────────────────

func (s *Store) AddTasks(_ context.Context, tasks ...*domain.JobTask) error {
	defer s.lock()()
	for _, t := range tasks {
		if _, ok := s.d.jobs[t.JobID]; !ok {
			return &domain.EntityNotFoundError{Entity: domain.EntityJob, ID: t.JobID}
		}
	}
	for _, t := range tasks {
		s.d.nextTaskID++
		t.ID = s.d.nextTaskID
		t.Version = 1
		s.d.tasks[t.ID] = t.Clone()
	}
	return nil
}

func (s *Store) GetTask(_ context.Context, id int64) (*domain.JobTask, error) {
	defer s.lock()()
	t, ok := s.d.tasks[id]
	if !ok {
		return nil, &domain.EntityNotFoundError{Entity: domain.EntityJobTask, ID: id}
	}
	return t.Clone(), nil
}

func (s *Store) UpdateTasks(_ context.Context, tasks ...*domain.JobTask) error {
	defer s.lock()()
	for _, t := range tasks {
		cur, ok := s.d.tasks[t.ID]
		if !ok {
			return &domain.EntityNotFoundError{Entity: domain.EntityJobTask, ID: t.ID}
		}
		if cur.Version != t.Version {
			return &domain.ConflictError{Entity: domain.EntityJobTask, ID: t.ID}
		}
	}
	for _, t := range tasks {
		t.Version++
		s.d.tasks[t.ID] = t.Clone()
	}
	return nil
}

func (s *Store) DeleteTask(_ context.Context, id int64) error {
	defer s.lock()()
	if _, ok := s.d.tasks[id]; !ok {
		return &domain.EntityNotFoundError{Entity: domain.EntityJobTask, ID: id}
	}
	delete(s.d.tasks, id)
	return nil
}

func (s *Store) ListTasksByJob(_ context.Context, jobID int64) ([]*domain.JobTask, error) {
	defer s.lock()()
	return s.collectTasks(func(t *domain.JobTask) bool {
		return t.JobID == jobID
	}, func(a, b *domain.JobTask) int { return cmp.Compare(a.ID, b.ID) }, 0), nil
}

func (s *Store) NextQueuedTasks(_ context.Context, jobID int64, now time.Time, limit int, exclude []int64) ([]*domain.JobTask, error) {
	defer s.lock()()
	return s.collectTasks(func(t *domain.JobTask) bool {
		return t.JobID == jobID && repository.IsQueuedTask(t, now) && !slices.Contains(exclude, t.ID)
	}, repository.CompareQueuedTasks, limit), nil
}

func (s *Store) CountTasksByState(_ context.Context, jobID int64) (map[domain.State]int, error) {
	defer s.lock()()
	counts := make(map[domain.State]int)
	for _, t := range s.d.tasks {
		if t.JobID == jobID {
			counts[t.State]++
		}
	}
	return counts, nil
}

func (s *Store) ListActiveTasks(_ context.Context) ([]*domain.JobTask, error) {
	defer s.lock()()
	return s.collectTasks(func(t *domain.JobTask) bool {
		return t.IsActive()
	}, func(a, b *domain.JobTask) int { return cmp.Compare(a.ID, b.ID) }, 0), nil
}

func (s *Store) collectTasks(keep func(*domain.JobTask) bool, order func(a, b *domain.JobTask) int, limit int) []*domain.JobTask {
	var out []*domain.JobTask
	for _, t := range s.d.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, order)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i, t := range out {
		out[i] = t.Clone()
	}
	return out
}

// ── background jobs ──────────────────────────────────────────────────────────

func (s *Store) AddBackgroundJob(_ context.Context, job *domain.BackgroundJob) error {
	defer s.lock()()
	s.d.nextBgJobID++
	job.ID = s.d.nextBgJobID
	s.d.bgJobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) GetBackgroundJob(_ context.Context, id int64) (*domain.BackgroundJob, error) {
	defer s.lock()()
	b, ok := s.d.bgJobs[id]
	if !ok {
		return nil, &domain.EntityNotFoundError{Entity: domain.EntityBackgroundJob, ID: id}
	}
	return b.Clone(), nil
}

func (s *Store) UpdateBackgroundJob(_ context.Context, job *domain.BackgroundJob) error {
	defer s.lock()()
	if _, ok := s.d.bgJobs[job.ID]; !ok {
		return &domain.EntityNotFoundError{Entity: domain.EntityBackgroundJob, ID: job.ID}
	}
	s.d.bgJobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) DeleteBackgroundJob(_ context.Context, id int64) error {
	defer s.lock()()
	if _, ok := s.d.bgJobs[id]; !ok {
		return &domain.EntityNotFoundError{Entity: domain.EntityBackgroundJob, ID: id}
	}
	delete(s.d.bgJobs, id)
	return nil
}

func (s *Store) ListBackgroundJobs(_ context.Context) ([]*domain.BackgroundJob, error) {
	defer s.lock()()
	out := make([]*domain.BackgroundJob, 0, len(s.d.bgJobs))
	for _, b := range s.d.bgJobs {
		out = append(out, b.Clone())
	}
	slices.SortFunc(out, func(a, b *domain.BackgroundJob) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Store) NextBackgroundJob(_ context.Context, now time.Time) (*domain.BackgroundJob, error) {
	defer s.lock()()
	var best *domain.BackgroundJob
	for _, b := range s.d.bgJobs {
		if !b.Runnable(now) {
			continue
		}
		if best == nil || repository.CompareBackgroundJobs(b, best) < 0 {
			best = b
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.Clone(), nil
}

// Package postgres implements repository.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/internal/repository"
)

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type scanner interface {
	Scan(dest ...any) error
}

// Store is a repository.Store backed by a pgx pool. A Store returned to an
// InTx callback is bound to that transaction.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

var _ repository.Store = (*Store)(nil)

// NewStore wraps a pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx repository.Store) error) error {
	return s.inTx(ctx, func(tx *Store) error { return fn(tx) })
}

func (s *Store) inTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&Store{q: tx})
	})
}

// ── jobs ─────────────────────────────────────────────────────────────────────

const jobColumns = `id, name, priority, state, config, created_at, started_at, finished_at, delayed_until, version`

func (s *Store) AddJob(ctx context.Context, job *domain.Job) error {
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encode job config: %w", err)
	}
	err = s.q.QueryRow(ctx, `
		INSERT INTO jobs (name, priority, state, config, created_at, started_at, finished_at, delayed_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, version
	`,
		job.Name, job.Priority, string(job.State), cfg,
		job.Created, job.Started, job.Finished, job.DelayedUntil,
	).Scan(&job.ID, &job.Version)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	row := s.q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.EntityNotFoundError{Entity: domain.EntityJob, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

func (s *Store) UpdateJob(ctx context.Context, job *domain.Job) error {
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encode job config: %w", err)
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE jobs
		SET name = $2, priority = $3, state = $4, config = $5,
		    started_at = $6, finished_at = $7, delayed_until = $8, version = version + 1
		WHERE id = $1 AND version = $9
	`,
		job.ID, job.Name, job.Priority, string(job.State), cfg,
		job.Started, job.Finished, job.DelayedUntil, job.Version,
	)
	if err != nil {
		return fmt.Errorf("update job %d: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.staleRow(ctx, "jobs", domain.EntityJob, job.ID)
	}
	job.Version++
	return nil
}

// staleRow tells a missing row from one whose version moved on after an
// update matched nothing.
func (s *Store) staleRow(ctx context.Context, table, entity string, id int64) error {
	var exists bool
	if err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check %s %d: %w", entity, id, err)
	}
	if !exists {
		return &domain.EntityNotFoundError{Entity: entity, ID: id}
	}
	return &domain.ConflictError{Entity: entity, ID: id}
}

func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.EntityNotFoundError{Entity: domain.EntityJob, ID: id}
	}
	return nil
}

func (s *Store) ListJobs(ctx context.Context, states ...domain.State) ([]*domain.Job, error) {
	if len(states) == 0 {
		return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id`)
	}
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state = ANY($1) ORDER BY id`, stateNames(states))
}

func (s *Store) ListQueuedJobs(ctx context.Context, now time.Time) ([]*domain.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE (state = 'INACTIVE' AND (delayed_until IS NULL OR delayed_until <= $1))
		   OR (state = 'PAUSED' AND delayed_until IS NOT NULL AND delayed_until <= $1)
		ORDER BY priority DESC, started_at ASC NULLS LAST, id ASC
	`, now)
}

func (s *Store) ListActiveJobs(ctx context.Context) ([]*domain.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state = ANY($1) ORDER BY id`, activeStates())
}

func (s *Store) queryJobs(ctx context.Context, sql string, args ...any) ([]*domain.Job, error) {
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		j     domain.Job
		state string
		cfg   []byte
	)
	if err := row.Scan(
		&j.ID, &j.Name, &j.Priority, &state, &cfg,
		&j.Created, &j.Started, &j.Finished, &j.DelayedUntil, &j.Version,
	); err != nil {
		return nil, err
	}
	config, err := domain.ParseJobConfig(cfg)
	if err != nil {
		return nil, err
	}
	j.Config = config
	j.State = domain.State(state)
	j.Created = j.Created.UTC()
	utc(j.Started, j.Finished, j.DelayedUntil)
	return &j, nil
}

// ── job tasks ────────────────────────────────────────────────────────────────

const taskColumns = `id, job_id, parent_task_id, name, priority, uri, item_id, item_data, metadata,
	type, result, request, state, created_at, started_at, finished_at, delayed_until, version`

func (s *Store) AddTasks(ctx context.Context, tasks ...*domain.JobTask) error {
	if len(tasks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range tasks {
		args, err := taskArgs(t)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO job_tasks (job_id, parent_task_id, name, priority, uri, item_id, item_data, metadata,
				type, result, request, state, created_at, started_at, finished_at, delayed_until)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			RETURNING id, version
		`, args...)
	}

	ids := make([]int64, len(tasks))
	versions := make([]int64, len(tasks))
	err := s.inTx(ctx, func(tx *Store) error {
		br := tx.q.SendBatch(ctx, batch)
		defer br.Close()
		for i, t := range tasks {
			if err := br.QueryRow().Scan(&ids[i], &versions[i]); err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == "23503" {
					return &domain.EntityNotFoundError{Entity: domain.EntityJob, ID: t.JobID}
				}
				return fmt.Errorf("insert job task: %w", err)
			}
		}
		return br.Close()
	})
	if err != nil {
		return err
	}
	for i, t := range tasks {
		t.ID = ids[i]
		t.Version = versions[i]
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (*domain.JobTask, error) {
	row := s.q.QueryRow(ctx, `SELECT `+taskColumns+` FROM job_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.EntityNotFoundError{Entity: domain.EntityJobTask, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get job task %d: %w", id, err)
	}
	return t, nil
}

func (s *Store) UpdateTasks(ctx context.Context, tasks ...*domain.JobTask) error {
	if len(tasks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range tasks {
		args, err := taskArgs(t)
		if err != nil {
			return err
		}
		batch.Queue(`
			UPDATE job_tasks
			SET job_id = $1, parent_task_id = $2, name = $3, priority = $4, uri = $5, item_id = $6,
			    item_data = $7, metadata = $8, type = $9, result = $10, request = $11, state = $12,
			    created_at = $13, started_at = $14, finished_at = $15, delayed_until = $16,
			    version = version + 1
			WHERE id = $17 AND version = $18
		`, append(args, t.ID, t.Version)...)
	}

	err := s.inTx(ctx, func(tx *Store) error {
		br := tx.q.SendBatch(ctx, batch)
		defer br.Close()
		var stale *domain.JobTask
		for _, t := range tasks {
			tag, err := br.Exec()
			if err != nil {
				return fmt.Errorf("update job task %d: %w", t.ID, err)
			}
			if tag.RowsAffected() == 0 {
				stale = t
				break
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
		if stale != nil {
			return tx.staleRow(ctx, "job_tasks", domain.EntityJobTask, stale.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		t.Version++
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM job_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.EntityNotFoundError{Entity: domain.EntityJobTask, ID: id}
	}
	return nil
}

func (s *Store) ListTasksByJob(ctx context.Context, jobID int64) ([]*domain.JobTask, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM job_tasks WHERE job_id = $1 ORDER BY id`, jobID)
}

func (s *Store) NextQueuedTasks(ctx context.Context, jobID int64, now time.Time, limit int, exclude []int64) ([]*domain.JobTask, error) {
	if exclude == nil {
		exclude = []int64{}
	}
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM job_tasks
		WHERE job_id = $1
		  AND state = 'INACTIVE'
		  AND (delayed_until IS NULL OR delayed_until <= $2)
		  AND NOT (id = ANY($3))
		ORDER BY priority DESC, id ASC
		LIMIT NULLIF($4::bigint, 0)
	`, jobID, now, exclude, int64(limit))
}

func (s *Store) CountTasksByState(ctx context.Context, jobID int64) (map[domain.State]int, error) {
	rows, err := s.q.Query(ctx, `SELECT state, COUNT(*) FROM job_tasks WHERE job_id = $1 GROUP BY state`, jobID)
	if err != nil {
		return nil, fmt.Errorf("count job tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.State]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[domain.State(state)] = n
	}
	return counts, rows.Err()
}

func (s *Store) ListActiveTasks(ctx context.Context) ([]*domain.JobTask, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM job_tasks WHERE state = ANY($1) ORDER BY id`, activeStates())
}

func (s *Store) queryTasks(ctx context.Context, sql string, args ...any) ([]*domain.JobTask, error) {
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list job tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.JobTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// taskArgs returns the columns of taskColumns between id and version, in order.
func taskArgs(t *domain.JobTask) ([]any, error) {
	result, err := marshalNullable(t.Result)
	if err != nil {
		return nil, fmt.Errorf("encode task result: %w", err)
	}
	request, err := marshalNullable(t.Request)
	if err != nil {
		return nil, fmt.Errorf("encode task request: %w", err)
	}
	var metadata []byte
	if len(t.Metadata) > 0 {
		metadata = []byte(t.Metadata)
	}
	return []any{
		t.JobID, t.ParentTaskID, t.Name, t.Priority, t.URI, t.ItemID, t.ItemData, metadata,
		string(t.Type), result, request, string(t.State),
		t.Created, t.Started, t.Finished, t.DelayedUntil,
	}, nil
}

func scanTask(row scanner) (*domain.JobTask, error) {
	var (
		t                         domain.JobTask
		typ, state                string
		metadata, result, request []byte
	)
	if err := row.Scan(
		&t.ID, &t.JobID, &t.ParentTaskID, &t.Name, &t.Priority, &t.URI, &t.ItemID, &t.ItemData, &metadata,
		&typ, &result, &request, &state, &t.Created, &t.Started, &t.Finished, &t.DelayedUntil, &t.Version,
	); err != nil {
		return nil, err
	}
	t.Type = domain.JobTaskType(typ)
	t.State = domain.State(state)
	if len(metadata) > 0 {
		t.Metadata = json.RawMessage(metadata)
	}
	if len(result) > 0 {
		t.Result = &domain.JobTaskResult{}
		if err := json.Unmarshal(result, t.Result); err != nil {
			return nil, fmt.Errorf("decode task result: %w", err)
		}
	}
	if len(request) > 0 {
		t.Request = &domain.DownloadRequest{}
		if err := json.Unmarshal(request, t.Request); err != nil {
			return nil, fmt.Errorf("decode task request: %w", err)
		}
	}
	t.Created = t.Created.UTC()
	utc(t.Started, t.Finished, t.DelayedUntil)
	return &t, nil
}

// ── background jobs ──────────────────────────────────────────────────────────

const backgroundColumns = `id, kind, priority, attempts, next_run, state, maximum_lifetime, arguments, created_at`

func (s *Store) AddBackgroundJob(ctx context.Context, job *domain.BackgroundJob) error {
	err := s.q.QueryRow(ctx, `
		INSERT INTO background_jobs (kind, priority, attempts, next_run, state, maximum_lifetime, arguments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`,
		job.Kind, job.Priority, job.Attempts, job.NextRun, string(job.State),
		job.MaximumLifetime, nullableJSON(job.Arguments), job.Created,
	).Scan(&job.ID)
	if err != nil {
		return fmt.Errorf("insert background job: %w", err)
	}
	return nil
}

func (s *Store) GetBackgroundJob(ctx context.Context, id int64) (*domain.BackgroundJob, error) {
	row := s.q.QueryRow(ctx, `SELECT `+backgroundColumns+` FROM background_jobs WHERE id = $1`, id)
	b, err := scanBackgroundJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.EntityNotFoundError{Entity: domain.EntityBackgroundJob, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get background job %d: %w", id, err)
	}
	return b, nil
}

func (s *Store) UpdateBackgroundJob(ctx context.Context, job *domain.BackgroundJob) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE background_jobs
		SET kind = $2, priority = $3, attempts = $4, next_run = $5, state = $6,
		    maximum_lifetime = $7, arguments = $8
		WHERE id = $1
	`,
		job.ID, job.Kind, job.Priority, job.Attempts, job.NextRun, string(job.State),
		job.MaximumLifetime, nullableJSON(job.Arguments),
	)
	if err != nil {
		return fmt.Errorf("update background job %d: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.EntityNotFoundError{Entity: domain.EntityBackgroundJob, ID: job.ID}
	}
	return nil
}

func (s *Store) DeleteBackgroundJob(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM background_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete background job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.EntityNotFoundError{Entity: domain.EntityBackgroundJob, ID: id}
	}
	return nil
}

func (s *Store) ListBackgroundJobs(ctx context.Context) ([]*domain.BackgroundJob, error) {
	rows, err := s.q.Query(ctx, `SELECT `+backgroundColumns+` FROM background_jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list background jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.BackgroundJob
	for rows.Next() {
		b, err := scanBackgroundJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan background job: %w", err)
		}
		jobs = append(jobs, b)
	}
	return jobs, rows.Err()
}

func (s *Store) NextBackgroundJob(ctx context.Context, now time.Time) (*domain.BackgroundJob, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+backgroundColumns+` FROM background_jobs
		WHERE state = 'SCHEDULED'
		  AND (maximum_lifetime IS NULL OR maximum_lifetime > $1)
		  AND (next_run IS NULL OR next_run <= $1)
		ORDER BY priority DESC, id ASC
		LIMIT 1
	`, now)
	b, err := scanBackgroundJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next background job: %w", err)
	}
	return b, nil
}

func scanBackgroundJob(row scanner) (*domain.BackgroundJob, error) {
	var (
		b     domain.BackgroundJob
		state string
		args  []byte
	)
	if err := row.Scan(
		&b.ID, &b.Kind, &b.Priority, &b.Attempts, &b.NextRun, &state,
		&b.MaximumLifetime, &args, &b.Created,
	); err != nil {
		return nil, err
	}
	b.State = domain.BackgroundJobState(state)
	if len(args) > 0 {
		b.Arguments = json.RawMessage(args)
	}
	b.Created = b.Created.UTC()
	utc(b.NextRun, b.MaximumLifetime)
	return &b, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func utc(ts ...*time.Time) {
	for _, t := range ts {
		if t != nil {
			*t = t.UTC()
		}
	}
}

func stateNames(states []domain.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func activeStates() []string {
	return stateNames([]domain.State{domain.StateActive, domain.StatePausing, domain.StateCancelling})
}

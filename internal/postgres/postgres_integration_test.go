//go:build integration

package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/internal/postgres"
	"github.com/WiLGYSeF/stalk-sub000/internal/repository"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	ctr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
		tcPostgres.WithDatabase("archiver"),
		tcPostgres.WithUsername("archiver"),
		tcPostgres.WithPassword("archiver"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	defer ctr.Terminate(ctx) //nolint:errcheck

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("postgres connection string: %v", err)
	}
	testPool, err = postgres.NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer testPool.Close()

	if _, err := postgres.Migrate(ctx, testPool); err != nil {
		log.Fatalf("run migrations: %v", err)
	}
	return m.Run()
}

// newStore truncates every table so tests don't interfere.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	_, err := testPool.Exec(context.Background(),
		`TRUNCATE jobs, job_tasks, background_jobs RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return postgres.NewStore(testPool)
}

// ts is truncated to the microsecond precision PostgreSQL stores.
func ts(offset time.Duration) time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(offset).Truncate(time.Microsecond)
}

func TestMigrate_Idempotent(t *testing.T) {
	applied, err := postgres.Migrate(context.Background(), testPool)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestStore_JobRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	cfg := domain.DefaultJobConfig()
	cfg.MaxTaskWorkerCount = 3
	cfg.TaskDelay = &domain.DelayRange{Min: 1, Max: 2}
	cfg.Extractors = map[string]map[string]any{"global": {"user_agent": "test"}}

	job := domain.NewJobBuilder().
		WithName("gallery").
		WithPriority(7).
		WithConfig(cfg).
		WithCreated(ts(0)).
		WithState(domain.StatePaused).
		WithStarted(ts(time.Second)).
		WithDelayedUntil(ts(time.Hour)).
		Build()
	require.NoError(t, s.AddJob(ctx, job))
	require.NotZero(t, job.ID)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job, got)

	got.Priority = 9
	require.NoError(t, got.SetState(domain.StateCancelled, ts(2*time.Second)))
	require.NoError(t, s.UpdateJob(ctx, got))

	again, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, again.Priority)
	assert.Equal(t, domain.StateCancelled, again.State)
	require.NotNil(t, again.Finished)
}

func TestStore_NotFound(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var nf *domain.EntityNotFoundError
	_, err := s.GetJob(ctx, 404)
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, domain.EntityJob, nf.Entity)

	err = s.UpdateTasks(ctx, domain.NewJobTaskBuilder().WithID(404).WithURI("x").Build())
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, domain.EntityJobTask, nf.Entity)

	require.Error(t, s.DeleteBackgroundJob(ctx, 404))

	err = s.AddTasks(ctx, domain.NewJobTaskBuilder().WithJobID(404).WithURI("x").WithCreated(ts(0)).Build())
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, domain.EntityJob, nf.Entity)
	assert.Equal(t, int64(404), nf.ID)
}

func TestStore_ListQueuedJobsOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := ts(time.Hour)

	add := func(b *domain.JobBuilder) int64 {
		j := b.WithCreated(ts(0)).Build()
		require.NoError(t, s.AddJob(ctx, j))
		return j.ID
	}
	low := add(domain.NewJobBuilder().WithPriority(1))
	started := add(domain.NewJobBuilder().WithPriority(5).WithStarted(ts(time.Minute)))
	fresh := add(domain.NewJobBuilder().WithPriority(5))
	add(domain.NewJobBuilder().WithPriority(9).WithDelayedUntil(ts(2 * time.Hour)))
	elapsed := add(domain.NewJobBuilder().WithPriority(5).WithState(domain.StatePaused).
		WithStarted(ts(0)).WithDelayedUntil(ts(time.Minute)))
	add(domain.NewJobBuilder().WithPriority(99).WithState(domain.StatePaused).WithStarted(ts(0)))
	add(domain.NewJobBuilder().WithPriority(99).WithState(domain.StateActive).WithStarted(ts(0)))

	jobs, err := s.ListQueuedJobs(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []int64{elapsed, started, fresh, low}, jobIDs(jobs))

	active, err := s.ListActiveJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	paused, err := s.ListJobs(ctx, domain.StatePaused)
	require.NoError(t, err)
	assert.Len(t, paused, 2)

	all, err := s.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 7)
}

func TestStore_TasksRoundTripAndQueue(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	job := domain.NewJobBuilder().WithCreated(ts(0)).Build()
	require.NoError(t, s.AddJob(ctx, job))

	full := domain.NewJobTaskBuilder().
		WithJobID(job.ID).
		WithName("page").
		WithURI("https://example.com/1").
		WithItemID("item-1").
		WithItemData("data").
		WithMetadata(json.RawMessage(`{"a": 1}`)).
		WithType(domain.TaskTypeDownload).
		WithRequest(domain.DownloadRequest{Method: "POST", Headers: map[string]string{"X": "y"}}).
		WithParent(77).
		WithPriority(3).
		WithCreated(ts(0)).
		Build()
	low := domain.NewJobTaskBuilder().WithJobID(job.ID).WithURI("u2").WithPriority(1).WithCreated(ts(0)).Build()
	high := domain.NewJobTaskBuilder().WithJobID(job.ID).WithURI("u3").WithPriority(9).WithCreated(ts(0)).Build()
	delayed := domain.NewJobTaskBuilder().WithJobID(job.ID).WithURI("u4").WithPriority(50).
		WithCreated(ts(0)).WithDelayedUntil(ts(2 * time.Hour)).Build()
	require.NoError(t, s.AddTasks(ctx, full, low, high, delayed))
	require.NotZero(t, full.ID)
	assert.Less(t, full.ID, low.ID)

	got, err := s.GetTask(ctx, full.ID)
	require.NoError(t, err)
	assert.Equal(t, full, got)

	next, err := s.NextQueuedTasks(ctx, job.ID, ts(time.Hour), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{high.ID, full.ID, low.ID}, taskIDs(next))

	next, err = s.NextQueuedTasks(ctx, job.ID, ts(time.Hour), 1, []int64{high.ID})
	require.NoError(t, err)
	assert.Equal(t, []int64{full.ID}, taskIDs(next))

	require.NoError(t, got.SetState(domain.StateActive, ts(time.Minute)))
	require.NoError(t, got.Finish(domain.JobTaskResult{Success: false, ErrorCode: "HTTP_404"}, ts(2*time.Minute)))
	require.NoError(t, s.UpdateTasks(ctx, got))

	counts, err := s.CountTasksByState(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, map[domain.State]int{domain.StateInactive: 3, domain.StateFailed: 1}, counts)

	reloaded, err := s.GetTask(ctx, full.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.Result)
	assert.Equal(t, "HTTP_404", reloaded.Result.ErrorCode)

	require.NoError(t, s.DeleteJob(ctx, job.ID))
	tasks, err := s.ListTasksByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestStore_InTxRollsBack(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	job := domain.NewJobBuilder().WithCreated(ts(0)).Build()
	require.NoError(t, s.AddJob(ctx, job))

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx repository.Store) error {
		j, err := tx.GetJob(ctx, job.ID)
		require.NoError(t, err)
		j.Priority = 42
		require.NoError(t, tx.UpdateJob(ctx, j))
		require.NoError(t, tx.AddTasks(ctx, domain.NewJobTaskBuilder().WithJobID(job.ID).WithURI("u").WithCreated(ts(0)).Build()))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Priority)
	tasks, err := s.ListTasksByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestStore_UpdateTasksAllOrNone(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	job := domain.NewJobBuilder().WithCreated(ts(0)).Build()
	require.NoError(t, s.AddJob(ctx, job))
	task := domain.NewJobTaskBuilder().WithJobID(job.ID).WithURI("u").WithCreated(ts(0)).Build()
	require.NoError(t, s.AddTasks(ctx, task))

	task.Priority = 5
	missing := domain.NewJobTaskBuilder().WithID(task.ID + 100).WithJobID(job.ID).WithURI("m").Build()
	require.Error(t, s.UpdateTasks(ctx, task, missing))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Priority)
}

func TestStore_StaleUpdateConflicts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	job := domain.NewJobBuilder().WithCreated(ts(0)).Build()
	require.NoError(t, s.AddJob(ctx, job))
	task := domain.NewJobTaskBuilder().WithJobID(job.ID).WithURI("u").WithCreated(ts(0)).Build()
	require.NoError(t, s.AddTasks(ctx, task))
	assert.Equal(t, int64(1), job.Version)
	assert.Equal(t, int64(1), task.Version)

	stale, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, job.SetState(domain.StateActive, ts(time.Second)))
	require.NoError(t, job.SetState(domain.StateCompleted, ts(2*time.Second)))
	require.NoError(t, s.UpdateJob(ctx, job))
	assert.Equal(t, int64(2), job.Version)

	require.NoError(t, stale.SetState(domain.StateActive, ts(3*time.Second)))
	var conflict *domain.ConflictError
	require.ErrorAs(t, s.UpdateJob(ctx, stale), &conflict)
	assert.Equal(t, domain.EntityJob, conflict.Entity)

	staleTask, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, task.SetState(domain.StateActive, ts(time.Second)))
	require.NoError(t, s.UpdateTasks(ctx, task))
	staleTask.Priority = 9
	require.ErrorAs(t, s.UpdateTasks(ctx, staleTask), &conflict)
	assert.Equal(t, int64(1), staleTask.Version)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State)
	assert.Equal(t, int64(2), got.Version)
	gotTask, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, gotTask.Priority)
	assert.Equal(t, domain.StateActive, gotTask.State)
}

func TestStore_NextBackgroundJob(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := ts(time.Hour)

	add := func(b domain.BackgroundJob) *domain.BackgroundJob {
		b.Created = ts(0)
		if b.State == "" {
			b.State = domain.BackgroundScheduled
		}
		require.NoError(t, s.AddBackgroundJob(ctx, &b))
		return &b
	}
	future := ts(2 * time.Hour)
	past := ts(time.Minute)
	add(domain.BackgroundJob{Kind: "later", Priority: 100, NextRun: &future})
	add(domain.BackgroundJob{Kind: "expired", Priority: 100, MaximumLifetime: &past})
	add(domain.BackgroundJob{Kind: "abandoned", Priority: 100, State: domain.BackgroundAbandoned})
	low := add(domain.BackgroundJob{Kind: "low", Priority: 1})
	first := add(domain.BackgroundJob{Kind: "high", Priority: 5, Arguments: json.RawMessage(`{"reason":"x"}`)})
	add(domain.BackgroundJob{Kind: "high-second", Priority: 5, NextRun: &past})

	got, err := s.NextBackgroundJob(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.JSONEq(t, `{"reason":"x"}`, string(got.Arguments))

	require.NoError(t, s.DeleteBackgroundJob(ctx, first.ID))
	got, err = s.NextBackgroundJob(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, "high-second", got.Kind)

	got.Attempts = 3
	require.NoError(t, s.UpdateBackgroundJob(ctx, got))
	require.NoError(t, s.DeleteBackgroundJob(ctx, got.ID))

	got, err = s.NextBackgroundJob(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, low.ID, got.ID)

	jobs, err := s.ListBackgroundJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 4)

	require.NoError(t, s.DeleteBackgroundJob(ctx, low.ID))
	got, err = s.NextBackgroundJob(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func jobIDs(jobs []*domain.Job) []int64 {
	out := make([]int64, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func taskIDs(tasks []*domain.JobTask) []int64 {
	out := make([]int64, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

package background_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WiLGYSeF/stalk-sub000/internal/background"
	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/internal/memstore"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type stubHandler struct {
	kind    string
	err     error
	delay   time.Duration
	mu      sync.Mutex
	handled []int64
}

func (h *stubHandler) Kind() string { return h.kind }

func (h *stubHandler) Handle(_ context.Context, job *domain.BackgroundJob) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, job.ID)
	return h.err
}

func (h *stubHandler) NextRun(_ int, now time.Time) time.Time { return now.Add(h.delay) }

func (h *stubHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

type fixedLeader struct{ leader atomic.Bool }

func (l *fixedLeader) IsLeader(context.Context) bool { return l.leader.Load() }

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	now      time.Time
	registry *background.Registry
	manager  *background.Manager
}

func newFixture(t *testing.T, opts ...background.Option) *fixture {
	t.Helper()
	f := &fixture{now: epoch, registry: background.NewRegistry()}
	opts = append([]background.Option{background.WithClock(func() time.Time { return f.now })}, opts...)
	f.manager = background.NewManager(memstore.New(), f.registry, opts...)
	return f
}

func (f *fixture) enqueue(t *testing.T, kind string, priority int) *domain.BackgroundJob {
	t.Helper()
	job, err := background.NewJob(kind, priority, map[string]int{"n": priority})
	require.NoError(t, err)
	require.NoError(t, f.manager.EnqueueJob(context.Background(), job))
	return job
}

func (f *fixture) find(t *testing.T, id int64) *domain.BackgroundJob {
	t.Helper()
	job, err := f.manager.FindJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownKind(t *testing.T) {
	reg := background.NewRegistry()
	_, err := reg.Get(&domain.BackgroundJob{ID: 3, Kind: "missing"})

	var invalid *domain.InvalidBackgroundJobError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "missing", invalid.Kind)
}

func TestDefaultNextRun(t *testing.T) {
	assert.Equal(t, epoch.Add(time.Second), background.DefaultNextRun(1, epoch))
	assert.Equal(t, epoch.Add(9*time.Second), background.DefaultNextRun(3, epoch))
	assert.Equal(t, epoch.Add(10*time.Minute), background.DefaultNextRun(1000, epoch))
}

// ── manager ──────────────────────────────────────────────────────────────────

func TestManager_NextPriorityJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	low := f.enqueue(t, "a", 1)
	high := f.enqueue(t, "a", 9)
	later := f.enqueue(t, "a", 20)
	expired := f.enqueue(t, "a", 30)
	abandoned := f.enqueue(t, "a", 40)

	next := f.now.Add(time.Hour)
	later.NextRun = &next
	require.NoError(t, f.manager.UpdateJob(ctx, later))
	deadline := f.now
	expired.MaximumLifetime = &deadline
	require.NoError(t, f.manager.UpdateJob(ctx, expired))
	require.NoError(t, f.manager.Abandon(ctx, abandoned))

	got, err := f.manager.GetNextPriorityJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, high.ID, got.ID)

	require.NoError(t, f.manager.DeleteJob(ctx, high.ID))
	got, err = f.manager.GetNextPriorityJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, low.ID, got.ID)

	require.NoError(t, f.manager.DeleteJob(ctx, low.ID))
	got, err = f.manager.GetNextPriorityJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestManager_EnqueueOrReplace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.enqueue(t, "activate", 1)
	running := f.enqueue(t, "activate", 1)
	require.NoError(t, running.SetExecuting())
	require.NoError(t, f.manager.UpdateJob(ctx, running))
	other := f.enqueue(t, "cleanup", 1)

	fresh, err := background.NewJob("activate", 5, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.EnqueueOrReplaceJob(ctx, fresh, nil))

	jobs, err := f.manager.ListJobs(ctx)
	require.NoError(t, err)
	var ids []int64
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []int64{running.ID, other.ID, fresh.ID}, ids)
	assert.NotContains(t, ids, old.ID)
}

func TestManager_EnqueueOrReplaceCustomComparator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	keep := f.enqueue(t, "activate", 1)

	fresh, err := background.NewJob("activate", 2, nil)
	require.NoError(t, err)
	never := func(_, _ *domain.BackgroundJob) bool { return false }
	require.NoError(t, f.manager.EnqueueOrReplaceJob(ctx, fresh, never))

	jobs, err := f.manager.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
	assert.Equal(t, keep.ID, jobs[0].ID)
}

func TestManager_MarkFailed(t *testing.T) {
	f := newFixture(t, background.WithMaxAttempts(2))
	f.registry.Register(&stubHandler{kind: "a", delay: time.Minute})
	ctx := context.Background()
	job := f.enqueue(t, "a", 1)

	require.NoError(t, f.manager.MarkFailed(ctx, job))
	got := f.find(t, job.ID)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, domain.BackgroundScheduled, got.State)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, epoch.Add(time.Minute), *got.NextRun)

	require.NoError(t, f.manager.MarkFailed(ctx, job))
	got = f.find(t, job.ID)
	assert.Equal(t, 2, got.Attempts)
	assert.True(t, got.IsAbandoned())
	assert.ErrorIs(t, f.manager.MarkFailed(ctx, job), domain.ErrBackgroundJobAbandoned)
}

func TestManager_MarkFailedClampsNextRun(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(&stubHandler{kind: "a"})
	job := f.enqueue(t, "a", 1)

	require.NoError(t, f.manager.MarkFailed(context.Background(), job))
	require.NotNil(t, job.NextRun)
	assert.Equal(t, epoch.Add(background.MinRetryDelay), *job.NextRun)
}

func TestManager_MarkFailedAbandonsExpired(t *testing.T) {
	f := newFixture(t)
	job := f.enqueue(t, "a", 1)
	deadline := epoch.Add(-time.Second)
	job.MaximumLifetime = &deadline

	require.NoError(t, f.manager.MarkFailed(context.Background(), job))
	assert.True(t, f.find(t, job.ID).IsAbandoned())
	assert.Equal(t, 1, job.Attempts)
}

func TestManager_Recover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.enqueue(t, "a", 1)
	require.NoError(t, job.SetExecuting())
	require.NoError(t, f.manager.UpdateJob(ctx, job))

	require.NoError(t, f.manager.Recover(ctx))

	got := f.find(t, job.ID)
	assert.Equal(t, domain.BackgroundScheduled, got.State)
	assert.Zero(t, got.Attempts)
}

func TestManager_AbandonExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expired := f.enqueue(t, "a", 1)
	deadline := f.now
	expired.MaximumLifetime = &deadline
	require.NoError(t, f.manager.UpdateJob(ctx, expired))
	alive := f.enqueue(t, "a", 1)
	later := f.now.Add(time.Hour)
	alive.MaximumLifetime = &later
	require.NoError(t, f.manager.UpdateJob(ctx, alive))
	plain := f.enqueue(t, "a", 1)

	n, err := f.manager.AbandonExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, f.find(t, expired.ID).IsAbandoned())
	assert.False(t, f.find(t, alive.ID).IsAbandoned())
	assert.False(t, f.find(t, plain.ID).IsAbandoned())

	n, err = f.manager.AbandonExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "abandoned jobs are not counted twice")
}

// ── dispatcher ───────────────────────────────────────────────────────────────

func TestDispatcher_RunOnce(t *testing.T) {
	f := newFixture(t)
	ok := &stubHandler{kind: "ok"}
	failing := &stubHandler{kind: "failing", err: errors.New("boom"), delay: time.Minute}
	invalid := &stubHandler{kind: "invalid", err: &domain.InvalidBackgroundJobError{Kind: "invalid", Reason: "bad arguments"}}
	f.registry.Register(ok)
	f.registry.Register(failing)
	f.registry.Register(invalid)

	fail := f.enqueue(t, "failing", 9)
	done := f.enqueue(t, "ok", 5)
	unknown := f.enqueue(t, "unknown", 3)
	bad := f.enqueue(t, "invalid", 1)

	stale := f.enqueue(t, "ok", 20)
	deadline := f.now
	stale.MaximumLifetime = &deadline
	require.NoError(t, f.manager.UpdateJob(context.Background(), stale))

	d := background.NewDispatcher(f.manager, f.registry)
	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.True(t, f.find(t, stale.ID).IsAbandoned(), "expired jobs are abandoned, not left queued")

	_, err = f.manager.FindJob(context.Background(), done.ID)
	var notFound *domain.EntityNotFoundError
	require.ErrorAs(t, err, &notFound, "succeeded jobs are deleted")

	got := f.find(t, fail.ID)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, domain.BackgroundScheduled, got.State)
	assert.Equal(t, epoch.Add(time.Minute), *got.NextRun)

	for _, id := range []int64{unknown.ID, bad.ID} {
		got := f.find(t, id)
		assert.True(t, got.IsAbandoned(), "job %d", id)
		assert.Zero(t, got.Attempts, "job %d", id)
	}

	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, failing.count())
	assert.Equal(t, 1, invalid.count())

	n, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatcher_RunHonoursLeaderAndTrigger(t *testing.T) {
	f := newFixture(t)
	h := &stubHandler{kind: "ok"}
	f.registry.Register(h)
	leader := &fixedLeader{}
	d := background.NewDispatcher(f.manager, f.registry,
		background.WithInterval(time.Hour),
		background.WithLeader(leader),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	f.enqueue(t, "ok", 1)
	d.Trigger()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.count(), "followers do not dispatch")

	leader.leader.Store(true)
	d.Trigger()
	require.Eventually(t, func() bool { return h.count() == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestDispatcher_ElectionHooks(t *testing.T) {
	f := newFixture(t)
	h := &stubHandler{kind: "ok"}
	f.registry.Register(h)
	leader := &fixedLeader{}
	leader.leader.Store(true)

	var elected, demoted atomic.Int64
	failTakeover := atomic.Bool{}
	failTakeover.Store(true)
	d := background.NewDispatcher(f.manager, f.registry,
		background.WithInterval(time.Hour),
		background.WithLeader(leader),
		background.WithOnElected(func(context.Context) error {
			elected.Add(1)
			if failTakeover.Load() {
				return errors.New("store unavailable")
			}
			return nil
		}),
		background.WithOnDemoted(func(context.Context) { demoted.Add(1) }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	f.enqueue(t, "ok", 1)
	require.Eventually(t, func() bool { return elected.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, d.IsLeading(), "a failed takeover does not lead")
	assert.Zero(t, h.count())

	failTakeover.Store(false)
	d.Trigger()
	require.Eventually(t, func() bool { return h.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, d.IsLeading())
	assert.Equal(t, int64(2), elected.Load())

	// Renewed leadership does not take over again.
	f.enqueue(t, "ok", 1)
	d.Trigger()
	require.Eventually(t, func() bool { return h.count() == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), elected.Load())

	leader.leader.Store(false)
	d.Trigger()
	require.Eventually(t, func() bool { return demoted.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, d.IsLeading())

	leader.leader.Store(true)
	d.Trigger()
	require.Eventually(t, func() bool { return elected.Load() == 3 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), demoted.Load())
}

package activation_test

import (
	"context"
	"maps"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WiLGYSeF/stalk-sub000/internal/activation"
	"github.com/WiLGYSeF/stalk-sub000/internal/background"
	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/internal/manager"
	"github.com/WiLGYSeF/stalk-sub000/internal/memstore"
	"github.com/WiLGYSeF/stalk-sub000/internal/statemanager"
)

// fakeWorkers marks jobs active without running anything.
type fakeWorkers struct {
	jobs    *manager.JobManager
	mu      sync.Mutex
	running map[int64]bool
}

func (w *fakeWorkers) Start(ctx context.Context, job *domain.Job) error {
	if err := w.jobs.SetActive(ctx, job); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running[job.ID] = true
	return nil
}

func (w *fakeWorkers) Stop(_ context.Context, id int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.running, id)
	return nil
}

func (w *fakeWorkers) ActiveJobIDs() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Sorted(maps.Keys(w.running))
}

type fixture struct {
	store   *memstore.Store
	jobs    *manager.JobManager
	workers *fakeWorkers
	handler *activation.Handler
}

func newFixture(t *testing.T, maxActive int) *fixture {
	t.Helper()
	store := memstore.New()
	jobs := manager.NewJobManager(store)
	workers := &fakeWorkers{jobs: jobs, running: make(map[int64]bool)}
	states := statemanager.NewJobStateManager(jobs, workers, nil)
	h, err := activation.NewHandler(jobs, workers, states, maxActive, nil)
	require.NoError(t, err)
	return &fixture{store: store, jobs: jobs, workers: workers, handler: h}
}

func (f *fixture) create(t *testing.T, priority int) *domain.Job {
	t.Helper()
	job := domain.NewJobBuilder().WithPriority(priority).Build()
	require.NoError(t, f.jobs.Create(context.Background(), job))
	return job
}

func (f *fixture) start(t *testing.T, priorities ...int) map[int]*domain.Job {
	t.Helper()
	out := make(map[int]*domain.Job)
	for _, p := range priorities {
		job := f.create(t, p)
		require.NoError(t, f.workers.Start(context.Background(), job))
		out[p] = job
	}
	return out
}

func (f *fixture) activePriorities(t *testing.T) []int {
	t.Helper()
	var out []int
	for _, id := range f.workers.ActiveJobIDs() {
		job, err := f.jobs.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.StateActive, job.State, "job %d", id)
		out = append(out, job.Priority)
	}
	slices.Sort(out)
	return out
}

func TestNewHandler_RequiresPositiveCap(t *testing.T) {
	_, err := activation.NewHandler(nil, nil, nil, 0, nil)
	require.Error(t, err)
}

func TestActivate_EvictsLowestPriority(t *testing.T) {
	f := newFixture(t, 4)
	active := f.start(t, 10, 20, 30, 40)
	newcomer := f.create(t, 25)

	started, evicted, err := f.handler.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, evicted)

	assert.Equal(t, []int{20, 25, 30, 40}, f.activePriorities(t))
	assert.Contains(t, f.workers.ActiveJobIDs(), newcomer.ID)

	evictedJob, err := f.jobs.GetByID(context.Background(), active[10].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateInactive, evictedJob.State, "evicted job goes back to the queue")
}

func TestActivate_LowerPriorityLeavesActiveSetAlone(t *testing.T) {
	f := newFixture(t, 4)
	f.start(t, 10, 20, 30, 40)
	before := f.workers.ActiveJobIDs()
	newcomer := f.create(t, -10)

	started, evicted, err := f.handler.Activate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, started)
	assert.Zero(t, evicted)
	assert.Equal(t, before, f.workers.ActiveJobIDs())

	job, err := f.jobs.GetByID(context.Background(), newcomer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateInactive, job.State)
}

func TestActivate_QueuedJobWithLiveWorkerKeepsOneSlot(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	live := f.start(t, 10)[10]
	// The record went back to the queue while the worker kept running.
	stored, err := f.jobs.GetByID(ctx, live.ID)
	require.NoError(t, err)
	require.NoError(t, stored.SetState(domain.StateInactive, f.jobs.Now()))
	require.NoError(t, f.jobs.Update(ctx, stored))
	newcomer := f.create(t, 5)

	started, evicted, err := f.handler.Activate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	assert.Zero(t, evicted)
	assert.Equal(t, []int64{live.ID, newcomer.ID}, f.workers.ActiveJobIDs())
}

func TestActivate_EqualPriorityDoesNotEvict(t *testing.T) {
	f := newFixture(t, 2)
	f.start(t, 10, 20)
	f.create(t, 10)

	started, evicted, err := f.handler.Activate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, started)
	assert.Zero(t, evicted)
}

func TestActivate_FillsFreeSlotsBestFirst(t *testing.T) {
	f := newFixture(t, 3)
	f.start(t, 1)
	f.create(t, 5)
	f.create(t, 50)
	f.create(t, 7)

	started, evicted, err := f.handler.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, started)
	assert.Equal(t, 1, evicted, "once full, 5 still outranks 1")
	assert.Equal(t, []int{5, 7, 50}, f.activePriorities(t))
}

func TestActivate_FillsUpToCap(t *testing.T) {
	f := newFixture(t, 3)
	f.start(t, 9)
	f.create(t, 5)
	f.create(t, 2)
	f.create(t, 7)

	started, evicted, err := f.handler.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, started)
	assert.Zero(t, evicted)
	assert.Equal(t, []int{5, 7, 9}, f.activePriorities(t))
}

func TestActivate_SeveralEvictions(t *testing.T) {
	f := newFixture(t, 2)
	f.start(t, 1, 2)
	f.create(t, 8)
	f.create(t, 9)

	started, evicted, err := f.handler.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, started)
	assert.Equal(t, 2, evicted)
	assert.Equal(t, []int{8, 9}, f.activePriorities(t))
}

func TestActivate_TiesPreferEarlierJobs(t *testing.T) {
	f := newFixture(t, 1)
	first := f.create(t, 5)
	f.create(t, 5)

	started, _, err := f.handler.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	assert.Equal(t, []int64{first.ID}, f.workers.ActiveJobIDs())
}

func TestHandler_ThroughDispatcher(t *testing.T) {
	f := newFixture(t, 1)
	job := f.create(t, 3)

	registry := background.NewRegistry()
	registry.Register(f.handler)
	bg := background.NewManager(f.store, registry)
	ctx := context.Background()

	require.NoError(t, activation.Enqueue(ctx, bg, "test"))
	require.NoError(t, activation.Enqueue(ctx, bg, "test again"))
	queued, err := bg.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1, "pending activation passes are coalesced")

	n, err := background.NewDispatcher(bg, registry).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{job.ID}, f.workers.ActiveJobIDs())

	queued, err = bg.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

package worker_test

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/internal/itemids"
	"github.com/WiLGYSeF/stalk-sub000/internal/manager"
	"github.com/WiLGYSeF/stalk-sub000/internal/memstore"
	"github.com/WiLGYSeF/stalk-sub000/internal/plugin"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakePlugin struct {
	mu     sync.Mutex
	cfg    map[string]any
	client *http.Client
}

func (p *fakePlugin) Name() string { return "fake" }
func (p *fakePlugin) SetConfig(cfg map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}
func (p *fakePlugin) SetLogger(*slog.Logger) {}
func (p *fakePlugin) SetHTTPClient(c *http.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = c
}

// fakeExtractor yields its results for any fake:// URI. With block set it
// waits for ctx before yielding anything.
type fakeExtractor struct {
	fakePlugin
	results []plugin.ExtractResult
	err     error
	itemIDs map[string]string
	block   bool
	started chan struct{}
}

func (e *fakeExtractor) SetCache(plugin.Cache)      {}
func (e *fakeExtractor) CanExtract(uri string) bool { return len(uri) > 7 && uri[:7] == "fake://" }
func (e *fakeExtractor) ItemID(uri string) (string, bool) {
	id, ok := e.itemIDs[uri]
	return id, ok
}

func (e *fakeExtractor) Extract(ctx context.Context, _, _ string, _ json.RawMessage) iter.Seq2[plugin.ExtractResult, error] {
	return func(yield func(plugin.ExtractResult, error) bool) {
		if e.started != nil {
			e.started <- struct{}{}
		}
		if e.block {
			<-ctx.Done()
			yield(plugin.ExtractResult{}, ctx.Err())
			return
		}
		for _, r := range e.results {
			if !yield(r, nil) {
				return
			}
		}
		if e.err != nil {
			yield(plugin.ExtractResult{}, e.err)
		}
	}
}

// fakeDownloader "downloads" dl:// URIs; errs maps URIs to failures.
type fakeDownloader struct {
	fakePlugin
	mu2   sync.Mutex
	calls []plugin.DownloadRequest
	errs  map[string]error
}

func (d *fakeDownloader) CanDownload(uri string) bool { return len(uri) > 5 && uri[:5] == "dl://" }

func (d *fakeDownloader) Download(_ context.Context, req plugin.DownloadRequest) iter.Seq2[plugin.DownloadResult, error] {
	return func(yield func(plugin.DownloadResult, error) bool) {
		d.mu2.Lock()
		d.calls = append(d.calls, req)
		err := d.errs[req.URI]
		d.mu2.Unlock()
		if err != nil {
			yield(plugin.DownloadResult{}, err)
			return
		}
		yield(plugin.DownloadResult{Path: "/tmp/" + req.ItemID, URI: req.URI, ItemID: req.ItemID}, nil)
	}
}

func (d *fakeDownloader) callCount() int {
	d.mu2.Lock()
	defer d.mu2.Unlock()
	return len(d.calls)
}

// countingSet wraps a memory set and counts flushes.
type countingSet struct {
	*itemids.MemorySet
	mu      sync.Mutex
	flushes int
}

func (s *countingSet) Flush(ctx context.Context) error {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	return s.MemorySet.Flush(ctx)
}

func (s *countingSet) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// ── fixture ──────────────────────────────────────────────────────────────────

type env struct {
	jobs       *manager.JobManager
	tasks      *manager.JobTaskManager
	registry   *plugin.Registry
	extractor  *fakeExtractor
	downloader *fakeDownloader
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memstore.New()
	e := &env{
		jobs:       manager.NewJobManager(store),
		tasks:      manager.NewJobTaskManager(store),
		registry:   plugin.NewRegistry(),
		extractor:  &fakeExtractor{},
		downloader: &fakeDownloader{errs: map[string]error{}},
	}
	e.registry.RegisterExtractor(func() plugin.Extractor { return e.extractor })
	e.registry.RegisterDownloader(func() plugin.Downloader { return e.downloader })
	return e
}

func (e *env) createJob(t *testing.T, cfg domain.JobConfig, seeds ...*domain.JobTask) *domain.Job {
	t.Helper()
	job := domain.NewJobBuilder().WithName("test").WithConfig(cfg).Build()
	require.NoError(t, e.jobs.Create(context.Background(), job, seeds...))
	return job
}

func seed(uri string, typ domain.JobTaskType) *domain.JobTask {
	return domain.NewJobTaskBuilder().WithURI(uri).WithType(typ).WithPriority(50).Build()
}

func (e *env) task(t *testing.T, id int64) *domain.JobTask {
	t.Helper()
	task, err := e.tasks.GetByID(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (e *env) children(t *testing.T, job *domain.Job, parent int64) []*domain.JobTask {
	t.Helper()
	all, err := e.tasks.ListByJob(context.Background(), job.ID)
	require.NoError(t, err)
	var out []*domain.JobTask
	for _, task := range all {
		if task.ID != parent {
			out = append(out, task)
		}
	}
	return out
}

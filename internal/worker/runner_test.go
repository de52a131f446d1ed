package worker_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/internal/itemids"
	"github.com/WiLGYSeF/stalk-sub000/internal/plugin"
	"github.com/WiLGYSeF/stalk-sub000/internal/worker"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want worker.Decision
	}{
		{"429", &domain.HTTPStatusError{StatusCode: 429}, worker.Decision{Retry: true, TooManyRequests: true}},
		{"408", &domain.HTTPStatusError{StatusCode: 408}, worker.Decision{Retry: true}},
		{"500", &domain.HTTPStatusError{StatusCode: 500}, worker.Decision{Retry: true}},
		{"503 wrapped", fmt.Errorf("get: %w", &domain.HTTPStatusError{StatusCode: 503}), worker.Decision{Retry: true}},
		{"505", &domain.HTTPStatusError{StatusCode: 505}, worker.Decision{Code: "HTTP_505"}},
		{"404", &domain.HTTPStatusError{StatusCode: 404}, worker.Decision{Code: "HTTP_404"}},
		{"worker error", &domain.WorkerError{Code: domain.CodeNoExtractor}, worker.Decision{Code: domain.CodeNoExtractor}},
		{"retryable worker error", &domain.WorkerError{Code: "BUSY", Retryable: true}, worker.Decision{Retry: true}},
		{"deadline", context.DeadlineExceeded, worker.Decision{Retry: true}},
		{"unknown", errors.New("boom"), worker.Decision{Retry: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, worker.Classify(tc.err))
		})
	}
}

func run(t *testing.T, e *env, job *domain.Job, ids itemids.Set, taskID int64) {
	t.Helper()
	runner := worker.NewTaskRunner(e.tasks, e.registry, worker.WithPersistRetry(1, time.Millisecond))
	scope := worker.NewScope(job, ids, time.Second)
	require.NoError(t, runner.Run(context.Background(), scope, taskID))
}

func TestRunner_ExtractCreatesChildren(t *testing.T) {
	e := newEnv(t)
	e.extractor.results = []plugin.ExtractResult{
		{URI: "dl://a", ItemID: "a", Type: domain.TaskTypeDownload},
		{URI: "fake://b", ItemID: "b", Type: domain.TaskTypeExtract, Priority: 5},
		{Data: []byte("hi"), Name: "inline"},
	}
	cfg := domain.DefaultJobConfig()
	cfg.TaskDelay = &domain.DelayRange{Min: 10, Max: 20}
	cfg.Extractors = map[string]map[string]any{"global": {"k": "v"}, "fake": {"x": 1}}
	root := seed("fake://root", domain.TaskTypeExtract)
	job := e.createJob(t, cfg, root)

	before := time.Now()
	run(t, e, job, nil, root.ID)
	after := time.Now()

	got := e.task(t, root.ID)
	assert.Equal(t, domain.StateCompleted, got.State)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Success)
	assert.Equal(t, map[string]any{"k": "v", "x": 1}, e.extractor.cfg)
	assert.NotNil(t, e.extractor.client)

	children := e.children(t, job, root.ID)
	require.Len(t, children, 3)
	for _, c := range children {
		assert.Equal(t, domain.StateInactive, c.State)
		require.NotNil(t, c.ParentTaskID)
		assert.Equal(t, root.ID, *c.ParentTaskID)
		require.NotNil(t, c.DelayedUntil)
		assert.False(t, c.DelayedUntil.Before(before.Add(10*time.Second)))
		assert.False(t, c.DelayedUntil.After(after.Add(20*time.Second)))
	}
	assert.Equal(t, 55, children[1].Priority)
	assert.Equal(t, domain.TaskTypeDownload, children[2].Type)
	assert.Equal(t, worker.DataURI([]byte("hi")), children[2].URI)
}

func TestRunner_ExtractSkipsKnownItemIDs(t *testing.T) {
	e := newEnv(t)
	e.extractor.results = []plugin.ExtractResult{
		{URI: "dl://a", ItemID: "a"},
		{URI: "dl://b", ItemID: "b"},
		{URI: "dl://b2", ItemID: "b"},
	}
	cfg := domain.DefaultJobConfig()
	cfg.ItemIDPath = "mem"
	root := seed("fake://root", domain.TaskTypeExtract)
	job := e.createJob(t, cfg, root)

	run(t, e, job, itemids.NewMemorySet("a"), root.ID)

	children := e.children(t, job, root.ID)
	require.Len(t, children, 1)
	assert.Equal(t, "dl://b", children[0].URI)
}

func TestRunner_StopWithNoNewItemIDs(t *testing.T) {
	cfg := domain.DefaultJobConfig()
	cfg.ItemIDPath = "mem"
	cfg.StopWithNoNewItemIDs = true

	t.Run("all known", func(t *testing.T) {
		e := newEnv(t)
		e.extractor.results = []plugin.ExtractResult{{URI: "dl://a", ItemID: "a"}, {URI: "dl://b", ItemID: "b"}}
		root := seed("fake://root", domain.TaskTypeExtract)
		job := e.createJob(t, cfg, root)

		run(t, e, job, itemids.NewMemorySet("a", "b"), root.ID)

		assert.Empty(t, e.children(t, job, root.ID))
		assert.Equal(t, domain.StateCompleted, e.task(t, root.ID).State)
	})

	t.Run("no item ids at all", func(t *testing.T) {
		e := newEnv(t)
		e.extractor.results = []plugin.ExtractResult{{URI: "dl://a"}, {URI: "dl://b"}}
		root := seed("fake://root", domain.TaskTypeExtract)
		job := e.createJob(t, cfg, root)

		run(t, e, job, itemids.NewMemorySet(), root.ID)

		assert.Empty(t, e.children(t, job, root.ID))
	})
}

func TestRunner_ExtractSkipsKnownTaskItem(t *testing.T) {
	e := newEnv(t)
	e.extractor.results = []plugin.ExtractResult{{URI: "dl://a", ItemID: "a"}}
	e.extractor.itemIDs = map[string]string{"fake://root": "root"}
	cfg := domain.DefaultJobConfig()
	cfg.ItemIDPath = "mem"
	root := seed("fake://root", domain.TaskTypeExtract)
	job := e.createJob(t, cfg, root)

	run(t, e, job, itemids.NewMemorySet("root"), root.ID)

	assert.Empty(t, e.children(t, job, root.ID))
	assert.Equal(t, domain.StateCompleted, e.task(t, root.ID).State)
}

func TestRunner_NoExtractorIsFatal(t *testing.T) {
	e := newEnv(t)
	root := seed("gopher://x", domain.TaskTypeExtract)
	job := e.createJob(t, domain.DefaultJobConfig(), root)

	run(t, e, job, nil, root.ID)

	got := e.task(t, root.ID)
	assert.Equal(t, domain.StateFailed, got.State)
	require.NotNil(t, got.Result)
	assert.Equal(t, domain.CodeNoExtractor, got.Result.ErrorCode)
	assert.Nil(t, got.Result.RetryJobTaskID)
	assert.Empty(t, e.children(t, job, root.ID))
}

func TestRunner_RetryDelays(t *testing.T) {
	cfg := domain.DefaultJobConfig()
	cfg.TaskFailedDelay = &domain.DelayRange{Min: 5, Max: 5}
	cfg.TooManyRequestsDelay = &domain.DelayRange{Min: 60, Max: 120}

	cases := []struct {
		name     string
		status   int
		min, max time.Duration
	}{
		{"too many requests", 429, 60 * time.Second, 120 * time.Second},
		{"server error", 503, 5 * time.Second, 5 * time.Second},
		{"request timeout", 408, 5 * time.Second, 5 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			e.downloader.errs["dl://x"] = &domain.HTTPStatusError{StatusCode: tc.status, URI: "dl://x"}
			task := seed("dl://x", domain.TaskTypeDownload)
			task.ItemID = "x"
			job := e.createJob(t, cfg, task)

			before := time.Now()
			run(t, e, job, nil, task.ID)
			after := time.Now()

			got := e.task(t, task.ID)
			assert.Equal(t, domain.StateFailed, got.State)
			require.NotNil(t, got.Result)
			assert.Empty(t, got.Result.ErrorCode)
			assert.Contains(t, got.Result.ErrorMessage, "returned status")
			require.NotNil(t, got.Result.RetryJobTaskID)

			rt := e.task(t, *got.Result.RetryJobTaskID)
			assert.Equal(t, domain.StateInactive, rt.State)
			assert.Equal(t, task.Priority-worker.RetryPriorityPenalty, rt.Priority)
			assert.Equal(t, "dl://x", rt.URI)
			assert.Equal(t, "x", rt.ItemID)
			require.NotNil(t, rt.DelayedUntil)
			assert.False(t, rt.DelayedUntil.Before(before.Add(tc.min)))
			assert.False(t, rt.DelayedUntil.After(after.Add(tc.max)))
		})
	}
}

func TestRunner_TooManyRequestsFallsBackToFailedDelay(t *testing.T) {
	e := newEnv(t)
	e.downloader.errs["dl://x"] = &domain.HTTPStatusError{StatusCode: 429}
	cfg := domain.DefaultJobConfig()
	cfg.TaskFailedDelay = &domain.DelayRange{Min: 7, Max: 7}
	task := seed("dl://x", domain.TaskTypeDownload)
	job := e.createJob(t, cfg, task)

	before := time.Now()
	run(t, e, job, nil, task.ID)

	got := e.task(t, task.ID)
	require.NotNil(t, got.Result.RetryJobTaskID)
	rt := e.task(t, *got.Result.RetryJobTaskID)
	require.NotNil(t, rt.DelayedUntil)
	assert.WithinDuration(t, before.Add(7*time.Second), *rt.DelayedUntil, 2*time.Second)
}

func TestRunner_FatalStatusHasCode(t *testing.T) {
	e := newEnv(t)
	e.downloader.errs["dl://x"] = &domain.HTTPStatusError{StatusCode: 404}
	task := seed("dl://x", domain.TaskTypeDownload)
	job := e.createJob(t, domain.DefaultJobConfig(), task)

	run(t, e, job, nil, task.ID)

	got := e.task(t, task.ID)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, "HTTP_404", got.Result.ErrorCode)
	assert.Nil(t, got.Result.RetryJobTaskID)
}

func TestRunner_NoRetryOnceFailureBudgetIsSpent(t *testing.T) {
	e := newEnv(t)
	e.downloader.errs["dl://x"] = errors.New("connection reset")
	cfg := domain.DefaultJobConfig()
	cfg.MaxFailures = 1
	old := seed("dl://old", domain.TaskTypeDownload)
	task := seed("dl://x", domain.TaskTypeDownload)
	job := e.createJob(t, cfg, old, task)

	// One failure already recorded: a second one exceeds the budget.
	require.NoError(t, e.tasks.Finish(context.Background(), old, domain.JobTaskResult{ErrorMessage: "earlier"}))

	run(t, e, job, nil, task.ID)

	got := e.task(t, task.ID)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Nil(t, got.Result.RetryJobTaskID)
	assert.Contains(t, got.Result.ErrorDetail, "connection reset")
}

func TestRunner_DownloadRecordsItemIDs(t *testing.T) {
	e := newEnv(t)
	cfg := domain.DefaultJobConfig()
	cfg.ItemIDPath = "mem"
	cfg.SaveItemIDs = true
	cfg.DownloadFilenameTemplate = "{{.Name}}"
	task := seed("dl://x", domain.TaskTypeDownload)
	task.ItemID = "x"
	job := e.createJob(t, cfg, task)
	ids := &countingSet{MemorySet: itemids.NewMemorySet()}

	run(t, e, job, ids, task.ID)

	assert.Equal(t, domain.StateCompleted, e.task(t, task.ID).State)
	assert.True(t, ids.Contains("x"))
	assert.Equal(t, 1, ids.flushCount())
	require.Equal(t, 1, e.downloader.callCount())
	assert.Equal(t, "{{.Name}}", e.downloader.calls[0].FilenameTemplate)
}

func TestRunner_DownloadSkips(t *testing.T) {
	t.Run("known item", func(t *testing.T) {
		e := newEnv(t)
		cfg := domain.DefaultJobConfig()
		cfg.ItemIDPath = "mem"
		task := seed("dl://x", domain.TaskTypeDownload)
		task.ItemID = "x"
		job := e.createJob(t, cfg, task)

		run(t, e, job, itemids.NewMemorySet("x"), task.ID)

		assert.Equal(t, domain.StateCompleted, e.task(t, task.ID).State)
		assert.Zero(t, e.downloader.callCount())
	})

	t.Run("download disabled", func(t *testing.T) {
		e := newEnv(t)
		cfg := domain.DefaultJobConfig()
		cfg.DownloadData = false
		task := seed("dl://x", domain.TaskTypeDownload)
		job := e.createJob(t, cfg, task)

		run(t, e, job, nil, task.ID)

		assert.Equal(t, domain.StateCompleted, e.task(t, task.ID).State)
		assert.Zero(t, e.downloader.callCount())
	})
}

func TestRunner_CancellationWritesNoResult(t *testing.T) {
	e := newEnv(t)
	e.extractor.block = true
	e.extractor.started = make(chan struct{}, 1)
	root := seed("fake://root", domain.TaskTypeExtract)
	job := e.createJob(t, domain.DefaultJobConfig(), root)

	runner := worker.NewTaskRunner(e.tasks, e.registry)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- runner.Run(ctx, worker.NewScope(job, nil, time.Second), root.ID) }()

	<-e.extractor.started
	cancel()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not return after cancellation")
	}

	got := e.task(t, root.ID)
	assert.Equal(t, domain.StateActive, got.State)
	assert.Nil(t, got.Result)
	assert.Empty(t, e.children(t, job, root.ID))
}

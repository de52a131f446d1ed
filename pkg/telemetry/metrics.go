package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API ─────────────────────────────────────────────────────────────────────

	APIJobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "archiver",
		Subsystem: "api",
		Name:      "jobs_created_total",
		Help:      "Total jobs created through the REST API.",
	})

	// ─── Managers ────────────────────────────────────────────────────────────────

	StateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "archiver",
		Subsystem: "manager",
		Name:      "state_writes_total",
		Help:      "Persisted entity writes, labelled by entity and resulting state.",
	}, []string{"entity", "state"})

	EventsPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "archiver",
		Subsystem: "manager",
		Name:      "event_publish_failures_total",
		Help:      "State-change events that could not be published.",
	})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archiver",
		Subsystem: "worker",
		Name:      "active_jobs",
		Help:      "Job workers currently running.",
	})

	WorkerTasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "archiver",
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Job tasks currently being executed.",
	}, []string{"task_type"})

	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "archiver",
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Total job tasks executed, labelled by task type and outcome.",
	}, []string{"task_type", "outcome"})

	WorkerTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "archiver",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Job task execution time in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 120, 600},
	}, []string{"task_type"})

	WorkerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "archiver",
		Subsystem: "worker",
		Name:      "retries_total",
		Help:      "Retry job tasks scheduled, labelled by delay range used.",
	}, []string{"delay"})

	WorkerRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "archiver",
		Subsystem: "worker",
		Name:      "rate_limited_total",
		Help:      "Job task starts deferred by the per-job rate limiter.",
	})

	// ─── Background ──────────────────────────────────────────────────────────────

	BackgroundJobsRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "archiver",
		Subsystem: "background",
		Name:      "jobs_run_total",
		Help:      "Background job executions, labelled by kind and outcome.",
	}, []string{"kind", "outcome"})

	ActivationEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "archiver",
		Subsystem: "activation",
		Name:      "evictions_total",
		Help:      "Active jobs paused to make room for higher-priority jobs.",
	})

	ActivationStartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "archiver",
		Subsystem: "activation",
		Name:      "starts_total",
		Help:      "Queued jobs started by the activation policy.",
	})
)

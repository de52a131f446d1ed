package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/WiLGYSeF/stalk-sub000/internal/activation"
	"github.com/WiLGYSeF/stalk-sub000/internal/background"
	"github.com/WiLGYSeF/stalk-sub000/internal/itemids"
	"github.com/WiLGYSeF/stalk-sub000/internal/kafka"
	"github.com/WiLGYSeF/stalk-sub000/internal/manager"
	"github.com/WiLGYSeF/stalk-sub000/internal/memstore"
	"github.com/WiLGYSeF/stalk-sub000/internal/plugin"
	"github.com/WiLGYSeF/stalk-sub000/internal/plugin/direct"
	"github.com/WiLGYSeF/stalk-sub000/internal/postgres"
	redisstore "github.com/WiLGYSeF/stalk-sub000/internal/redis"
	"github.com/WiLGYSeF/stalk-sub000/internal/repository"
	"github.com/WiLGYSeF/stalk-sub000/internal/statemanager"
	"github.com/WiLGYSeF/stalk-sub000/internal/version"
	"github.com/WiLGYSeF/stalk-sub000/internal/worker"
	"github.com/WiLGYSeF/stalk-sub000/pkg/telemetry"
	"github.com/WiLGYSeF/stalk-sub000/services/archiver/config"
	"github.com/WiLGYSeF/stalk-sub000/services/archiver/handler"
	"github.com/WiLGYSeF/stalk-sub000/services/archiver/middleware"
)

const (
	leaderKey = "archiver:dispatcher-leader"
	leaderTTL = 15 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job engine with its REST and gRPC servers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("grpc-port", "9090", "gRPC health server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("store", config.StoreMemory, "job store: memory | postgres")
	serveCmd.Flags().String("redis-addr", "", "Redis address (host:port); empty disables rate limiting and leader election")
	serveCmd.Flags().Int("max-active-jobs", 0, "maximum number of concurrently active jobs (required)")
	serveCmd.Flags().Duration("dispatch-interval", 10*time.Second, "background job dispatch interval")
	serveCmd.Flags().String("activation-schedule", "", "cron schedule for periodic activation passes; empty disables")
	serveCmd.Flags().Duration("poll-interval", 5*time.Second, "job worker poll interval when no task is runnable")
	serveCmd.Flags().Duration("http-timeout", time.Minute, "default per-job HTTP timeout")
	serveCmd.Flags().Int("task-rate-limit", 0, "tasks each job may start per minute; 0 disables")
	serveCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "graceful shutdown timeout")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().Float64("otel-sample-ratio", 1, "fraction of traces recorded, in (0, 1]")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("grpc_port", serveCmd.Flags(), "grpc-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("store", serveCmd.Flags(), "store")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("max_active_jobs", serveCmd.Flags(), "max-active-jobs")
	bindFlag("dispatch_interval", serveCmd.Flags(), "dispatch-interval")
	bindFlag("activation_schedule", serveCmd.Flags(), "activation-schedule")
	bindFlag("poll_interval", serveCmd.Flags(), "poll-interval")
	bindFlag("http_timeout", serveCmd.Flags(), "http-timeout")
	bindFlag("task_rate_limit", serveCmd.Flags(), "task-rate-limit")
	bindFlag("shutdown_timeout", serveCmd.Flags(), "shutdown-timeout")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	bindFlag("otel_sample_ratio", serveCmd.Flags(), "otel-sample-ratio")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	instanceID := "archiver-" + uuid.NewString()[:8]
	logger := buildLogger(cfg.LogLevel, "archiver").With(slog.String("instance_id", instanceID))
	logger.Info("archiver starting", slog.String("version", version.String()))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "archiver",
		ServiceVersion: version.Version,
		InstanceID:     instanceID,
		Endpoint:       cfg.OTelEndpoint,
		SampleRatio:    cfg.OTelSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	// ── infrastructure ────────────────────────────────────────────────────────
	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		store repository.Store
		pool  *pgxpool.Pool
	)
	switch cfg.Store {
	case config.StorePostgres:
		pool, err = postgres.NewPool(initCtx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		store = postgres.NewStore(pool)
	default:
		store = memstore.New()
		logger.Warn("using in-memory store, state is lost on exit")
	}

	var redisClient *goredis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = redisstore.NewClient(initCtx, cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = redisClient.Close() }()
	}

	managerOpts := []manager.Option{manager.WithLogger(logger)}
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		producer := kafka.NewProducer(brokers)
		defer func() { _ = producer.Close() }()
		managerOpts = append(managerOpts,
			manager.WithPublisher(kafka.NewEventPublisher(producer, cfg.EventsTopic, instanceID)))
	}

	// ── engine ────────────────────────────────────────────────────────────────
	jobs := manager.NewJobManager(store, managerOpts...)
	tasks := manager.NewJobTaskManager(store, managerOpts...)

	plugins := plugin.NewRegistry()
	plugins.RegisterExtractor(direct.NewExtractor)
	plugins.RegisterDownloader(direct.NewDownloader)

	runner := worker.NewTaskRunner(tasks, plugins, worker.WithRunnerLogger(logger))
	taskWorkers := worker.NewTaskWorkerService(runner, logger)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	reg := background.NewRegistry()
	bgManager := background.NewManager(store, reg, background.WithLogger(logger))

	var dispatcher *background.Dispatcher
	requestActivation := func(ctx context.Context, reason string) {
		if runCtx.Err() != nil {
			return
		}
		if err := activation.Enqueue(ctx, bgManager, reason); err != nil {
			logger.Error("enqueue activation",
				slog.String("reason", reason),
				slog.String("error", err.Error()),
			)
			return
		}
		dispatcher.Trigger()
	}

	workerOpts := []worker.JobWorkerOption{
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithHTTPTimeout(cfg.HTTPTimeout),
		worker.WithItemIDOpener(func(ctx context.Context, path string) (itemids.Set, error) {
			return itemids.Open(ctx, path, redisClient)
		}),
		worker.WithOnExit(func(int64) { requestActivation(runCtx, "job worker exited") }),
		worker.WithLogger(logger),
	}
	if cfg.TaskRateLimit > 0 {
		workerOpts = append(workerOpts,
			worker.WithRateLimiter(redisstore.NewRateLimiter(redisClient, cfg.TaskRateLimit, time.Minute)))
	}
	jobWorkers := worker.NewJobWorkerService(jobs, tasks, taskWorkers, workerOpts...)

	jobStates := statemanager.NewJobStateManager(jobs, jobWorkers, logger)
	taskStates := statemanager.NewJobTaskStateManager(tasks, taskWorkers, logger)

	activator, err := activation.NewHandler(jobs, jobWorkers, jobStates, cfg.MaxActiveJobs, logger)
	if err != nil {
		return err
	}
	reg.Register(activator)

	// ── leadership and recovery ───────────────────────────────────────────────
	// Only the leader runs workers. Taking the lead recovers whatever the
	// previous leader left active; losing it stops the local workers.
	dispatcherOpts := []background.DispatcherOption{
		background.WithInterval(cfg.DispatchInterval),
		background.WithDispatcherLogger(logger),
		background.WithOnElected(func(ctx context.Context) error {
			if err := worker.Recover(ctx, jobs, tasks, logger); err != nil {
				return fmt.Errorf("recover jobs: %w", err)
			}
			if err := bgManager.Recover(ctx); err != nil {
				return fmt.Errorf("recover background jobs: %w", err)
			}
			if err := activation.Enqueue(ctx, bgManager, "elected"); err != nil {
				return fmt.Errorf("enqueue activation: %w", err)
			}
			return nil
		}),
		background.WithOnDemoted(func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
			defer cancel()
			if err := jobWorkers.StopAll(ctx); err != nil {
				logger.Error("stop job workers after losing leadership", slog.String("error", err.Error()))
			}
		}),
	}
	var leader *redisstore.Leader
	if redisClient != nil {
		ttl := max(leaderTTL, 2*cfg.DispatchInterval)
		leader = redisstore.NewLeader(redisClient, leaderKey, instanceID, ttl, logger)
		dispatcherOpts = append(dispatcherOpts, background.WithLeader(leader))
	}
	dispatcher = background.NewDispatcher(bgManager, reg, dispatcherOpts...)

	// ── schedules ─────────────────────────────────────────────────────────────
	sched := cron.New()
	if cfg.ActivationSchedule != "" {
		if _, err := sched.AddFunc(cfg.ActivationSchedule, func() {
			requestActivation(runCtx, "schedule")
		}); err != nil {
			return fmt.Errorf("activation schedule: %w", err)
		}
	}
	sched.Start()

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(runCtx)
	}()

	// ── HTTP server ───────────────────────────────────────────────────────────
	rest := handler.NewREST(jobs, tasks, jobStates, taskStates, requestActivation, logger,
		handler.WithLeaderCheck(dispatcher.IsLeading))

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.RequestSize(1 << 20))
	rest.Mount(r)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── gRPC health ───────────────────────────────────────────────────────────
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcSrv, healthSrv)
	reflection.Register(grpcSrv)
	healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	// ── signal handling ───────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	// ── Prometheus metrics ────────────────────────────────────────────────────
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, func(ctx context.Context) error {
		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
		}
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}, logger)

	go func() {
		logger.Info("archiver HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	go func() {
		logger.Info("archiver gRPC starting", slog.String("addr", grpcLis.Addr().String()))
		if err := grpcSrv.Serve(grpcLis); err != nil {
			logger.Error("gRPC server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	runCancel()
	<-sched.Stop().Done()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	<-dispatcherDone
	if err := jobWorkers.Shutdown(shutCtx); err != nil {
		logger.Error("job worker shutdown error", slog.String("error", err.Error()))
	}
	grpcSrv.GracefulStop()
	if leader != nil {
		if err := leader.Resign(shutCtx); err != nil {
			logger.Error("leader resign", slog.String("error", err.Error()))
		}
	}
	logger.Info("stopped")
	return nil
}

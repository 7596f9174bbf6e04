package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/cuongbtq/jobqueue/internal/clock"
	"github.com/cuongbtq/jobqueue/internal/config"
	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/engine"
	"github.com/cuongbtq/jobqueue/internal/jobs"
	"github.com/cuongbtq/jobqueue/internal/metrics"
	"github.com/cuongbtq/jobqueue/internal/notify"
	"github.com/cuongbtq/jobqueue/internal/storage"
	"github.com/cuongbtq/jobqueue/shared/logger"
	"github.com/cuongbtq/jobqueue/shared/postgresql"
	"github.com/cuongbtq/jobqueue/shared/rabbitmq"
	"github.com/cuongbtq/jobqueue/shared/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := cfg.Worker.ID
	if workerID == "" {
		id, err := domain.NewID()
		if err != nil {
			return err
		}
		workerID = "worker-" + id
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL client
	dbClient, err := postgresql.NewClient(cfg.PostgresConfig(), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if cfg.Database.Migrate {
		if err := dbClient.Migrate(ctx, storage.Schema); err != nil {
			return err
		}
	}

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	engineCfg.WorkerID = workerID
	engineCfg.Logger = appLogger.Logger
	engineCfg.Store = storage.NewPostgres(dbClient.DB(), clock.Real{}, appLogger.Logger)

	// Initialize RabbitMQ client: wake-ups are published and consumed on the
	// same fanout exchange
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := rabbitmq.NewClient(cfg.RabbitMQClientConfig(), appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		engineCfg.Notifier = notify.NewPublisher(rabbitClient, workerID, appLogger.Logger)
		engineCfg.Wakeups = rabbitClient
		appLogger.Info("RabbitMQ connection established")
	}

	// Initialize Redis client for shared rate limits
	var scripter goredis.Scripter
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(ctx, cfg.RedisClientConfig(), appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		defer redisClient.Close()
		scripter = redisClient
	}
	engineCfg.Limiter = cfg.Limiter(scripter, clock.Real{}, appLogger.Logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engineCfg.Metrics = metrics.NewPrometheus(registry)

	jobEngine, err := engine.New(engineCfg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	if err := registerQueues(jobEngine, cfg, appLogger); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		metricsSrv := startMetricsServer(cfg, registry, appLogger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	appLogger.Info("Worker service started successfully")

	// Run blocks until a signal arrives and in-flight handlers drained
	if err := jobEngine.Run(ctx); err != nil {
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Worker stopped gracefully")
	return nil
}

// registerQueues binds the built-in handler and recurring schedules of every configured queue
func registerQueues(e *engine.Engine, cfg *config.Config, appLogger *logger.Logger) error {
	options := cfg.QueueOptions()
	client := &http.Client{Timeout: cfg.Worker.JobTimeout}

	for _, spec := range cfg.HandlerSpecs() {
		if err := jobs.Bind(e, spec, options[spec.Queue], client, appLogger.Logger); err != nil {
			return fmt.Errorf("failed to register queue %s: %w", spec.Queue, err)
		}
	}

	specs, err := cfg.RecurringSpecs()
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if err := e.Schedule(spec); err != nil {
			return fmt.Errorf("failed to register schedule %s: %w", spec.Name, err)
		}
	}
	return nil
}

func startMetricsServer(cfg *config.Config, registry *prometheus.Registry, appLogger *logger.Logger) *http.Server {
	path := cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		appLogger.Info("Starting metrics server", slog.String("address", srv.Addr), slog.String("path", path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Metrics server failed", slog.Any("error", err))
		}
	}()
	return srv
}

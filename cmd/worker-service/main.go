package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/clipforge/internal/channel"
	"github.com/cuongbtq/clipforge/internal/config"
	"github.com/cuongbtq/clipforge/internal/generation"
	"github.com/cuongbtq/clipforge/internal/llm"
	"github.com/cuongbtq/clipforge/internal/orchestrator"
	"github.com/cuongbtq/clipforge/internal/publish"
	"github.com/cuongbtq/clipforge/internal/queue"
	"github.com/cuongbtq/clipforge/internal/quota"
	"github.com/cuongbtq/clipforge/internal/render"
	"github.com/cuongbtq/clipforge/internal/storage"
	"github.com/cuongbtq/clipforge/internal/worker"
	"github.com/cuongbtq/clipforge/shared/logger"
	"github.com/cuongbtq/clipforge/shared/postgresql"
	"github.com/cuongbtq/clipforge/shared/rabbitmq"
	"github.com/cuongbtq/clipforge/shared/sqlite"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
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
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize database client and apply the schema
	dbClient, err := initDatabase(context.Background(), &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	store := storage.New(dbClient.GetDB(), appLogger.WithComponent("storage"))
	if err := store.Migrate(context.Background()); err != nil {
		dbClient.Close()
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	appLogger.Info("Database connection established", slog.String("driver", cfg.Database.Driver))

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		dbClient.Close()
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	jobs := initOrchestrator(cfg, appLogger, store, rabbitClient)

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:  appLogger.WithComponent("worker"),
		Broker:  rabbitClient,
		Handler: jobs,
		Queues: worker.Queues{
			Generation:   cfg.RabbitMQ.Queues.Generation.Name,
			Upload:       cfg.RabbitMQ.Queues.Upload.Name,
			RenderEvents: cfg.RabbitMQ.Queues.RenderEvents.Name,
		},
		WorkerID:      cfg.Worker.ID,
		Concurrency:   cfg.Worker.Concurrency,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
		JobTimeout:    cfg.Worker.JobTimeout.Duration,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", runErr),
		)
	}

	// Cancel context to stop worker
	cancel()

	// Give worker time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout.Duration)
	defer shutdownCancel()

	// Stop worker
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	// Cleanup function to close all resources
	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// database is the handle shared by both supported drivers
type database interface {
	GetDB() *sqlx.DB
	Close() error
}

// initDatabase opens the job store for the configured driver
func initDatabase(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (database, error) {
	if cfg.Driver == config.DriverSQLite {
		return sqlite.NewClient(ctx, &sqlite.Config{
			Path:        cfg.Path,
			BusyTimeout: cfg.BusyTimeoutMs,
		}, logger)
	}

	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime.Duration,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime.Duration,
	}

	return postgresql.NewClient(ctx, dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	queues := make([]rabbitmq.QueueBinding, 0, 5)
	for _, q := range cfg.Queues.All() {
		queues = append(queues, rabbitmq.QueueBinding{
			Name:       q.Name,
			RoutingKey: q.RoutingKey,
			Durable:    q.Durable,
			AutoDelete: q.AutoDelete,
			Exclusive:  q.Exclusive,
		})
	}

	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		Queues:             queues,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval.Duration,
		Heartbeat:          cfg.Connection.Heartbeat.Duration,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout.Duration,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval.Duration,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initOrchestrator wires every stage of the pipeline
func initOrchestrator(cfg *config.Config, appLogger *logger.Logger, store *storage.Storage, rabbitClient *rabbitmq.Client) *orchestrator.Orchestrator {
	routes := queue.Routes{
		Generation:   cfg.RabbitMQ.Queues.Generation.RoutingKey,
		Render:       cfg.RabbitMQ.Queues.Render.RoutingKey,
		Upload:       cfg.RabbitMQ.Queues.Upload.RoutingKey,
		RenderEvents: cfg.RabbitMQ.Queues.RenderEvents.RoutingKey,
		QuotaAlerts:  cfg.RabbitMQ.Queues.QuotaAlerts.RoutingKey,
	}
	tasks := queue.NewPublisher(rabbitClient, routes, appLogger.WithComponent("queue"))

	guard := quota.NewGuard(cfg.Quota.GuardConfig(), appLogger.WithComponent("quota"), quota.WithAlertSink(tasks))

	var llmOpts []llm.Option
	if cfg.LLM.RetryAttempts > 0 {
		llmOpts = append(llmOpts, llm.WithRetry(cfg.LLM.RetryAttempts, cfg.LLM.RetryBaseDelay.Duration, cfg.LLM.RetryMaxDelay.Duration))
	}
	provider := llm.NewClient(llm.Config{
		APIKey:               cfg.LLM.APIKey,
		BaseURL:              cfg.LLM.BaseURL,
		Model:                cfg.LLM.Model,
		TimeoutSeconds:       cfg.LLM.TimeoutSeconds,
		PromptPricePer1K:     cfg.LLM.PromptPricePer1K,
		CompletionPricePer1K: cfg.LLM.CompletionPricePer1K,
	}, llmOpts...)

	generator := generation.NewGenerator(generation.Config{
		AllowedDurations: cfg.Generation.AllowedDurations,
		BlockedTerms:     cfg.Generation.BlockedTerms,
		WordsPerMinute:   cfg.Generation.WordsPerMinute,
	}, provider, store, appLogger.WithComponent("generation"))

	renderer := render.NewCoordinator(store, tasks, appLogger.WithComponent("render"))

	var uploadClient *http.Client
	if cfg.Publish.RequestTimeout.Duration > 0 {
		uploadClient = &http.Client{Timeout: cfg.Publish.RequestTimeout.Duration}
	}

	channels := channel.NewService(
		channel.NewStore(store.DB(), appLogger.WithComponent("channel")),
		channel.NewOAuthRefresher(channel.OAuthConfig{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
		}, nil),
		appLogger.WithComponent("channel"),
	)

	publisher := publish.NewCoordinator(
		publish.Config{
			ChunkSize:      cfg.Publish.ChunkSize,
			MaxRetries:     cfg.Publish.MaxRetries,
			RetryBaseDelay: cfg.Publish.RetryBaseDelay.Duration,
		},
		channels,
		publish.NewYouTubeClient(cfg.Publish.UploadURL, uploadClient),
		publish.NewFetcher(nil, cfg.Worker.TempDir),
		store,
		appLogger.WithComponent("publish"),
	)

	return orchestrator.New(orchestrator.Dependencies{
		Store:     store,
		Guard:     guard,
		Generator: generator,
		Renderer:  renderer,
		Publisher: publisher,
		Tasks:     tasks,
		Logger:    appLogger.WithComponent("orchestrator"),
	})
}


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

	"github.com/cuongbtq/clipforge/internal/api/handler"
	"github.com/cuongbtq/clipforge/internal/api/router"
	"github.com/cuongbtq/clipforge/internal/config"
	"github.com/cuongbtq/clipforge/internal/generation"
	"github.com/cuongbtq/clipforge/internal/llm"
	"github.com/cuongbtq/clipforge/internal/orchestrator"
	"github.com/cuongbtq/clipforge/internal/queue"
	"github.com/cuongbtq/clipforge/internal/quota"
	"github.com/cuongbtq/clipforge/internal/render"
	"github.com/cuongbtq/clipforge/internal/storage"
	"github.com/cuongbtq/clipforge/shared/logger"
	"github.com/cuongbtq/clipforge/shared/postgresql"
	"github.com/cuongbtq/clipforge/shared/rabbitmq"
	"github.com/cuongbtq/clipforge/shared/sqlite"
	"github.com/gin-gonic/gin"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx := context.Background()

	// Initialize database client and apply the schema
	dbClient, err := initDatabase(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	store := storage.New(dbClient.GetDB(), appLogger.WithComponent("storage"))
	if err := store.Migrate(ctx); err != nil {
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

	// Initialize router
	r := initRouter(cfg.App.Environment, appLogger.Logger, jobs, dbClient.HealthCheck)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout.Duration),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout.Duration),
	)

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serverErr:
		appLogger.Error("Server failed to start", slog.Any("error", err))
		rabbitClient.Close()
		dbClient.Close()
		return err
	}

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)

	// Cleanup function to close all resources
	cleanup := func() {
		cancel()
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
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
	HealthCheck(ctx context.Context) error
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

// initOrchestrator wires the job lifecycle for request handling. Uploads
// only run in the worker, so no publisher is attached.
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

	provider := llm.NewClient(llm.Config{
		APIKey:               cfg.LLM.APIKey,
		BaseURL:              cfg.LLM.BaseURL,
		Model:                cfg.LLM.Model,
		TimeoutSeconds:       cfg.LLM.TimeoutSeconds,
		PromptPricePer1K:     cfg.LLM.PromptPricePer1K,
		CompletionPricePer1K: cfg.LLM.CompletionPricePer1K,
	})

	generator := generation.NewGenerator(generation.Config{
		AllowedDurations: cfg.Generation.AllowedDurations,
		BlockedTerms:     cfg.Generation.BlockedTerms,
		WordsPerMinute:   cfg.Generation.WordsPerMinute,
	}, provider, store, appLogger.WithComponent("generation"))

	renderer := render.NewCoordinator(store, tasks, appLogger.WithComponent("render"))

	return orchestrator.New(orchestrator.Dependencies{
		Store:     store,
		Guard:     guard,
		Generator: generator,
		Renderer:  renderer,
		Tasks:     tasks,
		Logger:    appLogger.WithComponent("orchestrator"),
	})
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, logger *slog.Logger, jobs handler.JobService, healthCheck func(context.Context) error) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize handler dependencies
	handlerDeps := &handler.Dependencies{
		Logger:      logger,
		Jobs:        jobs,
		HealthCheck: healthCheck,
	}

	// Setup router
	return router.SetupRouter(handlerDeps)
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/cuongbtq/clipforge/internal/config"
	"github.com/cuongbtq/clipforge/internal/orchestrator"
	"github.com/cuongbtq/clipforge/internal/queue"
	"github.com/cuongbtq/clipforge/internal/quota"
	"github.com/cuongbtq/clipforge/internal/render"
	"github.com/cuongbtq/clipforge/internal/storage"
	"github.com/cuongbtq/clipforge/shared/logger"
	"github.com/cuongbtq/clipforge/shared/postgresql"
	"github.com/cuongbtq/clipforge/shared/rabbitmq"
	"github.com/cuongbtq/clipforge/shared/sqlite"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type commandContext struct {
	configFlag *string

	logger  *slog.Logger
	cfg     *config.Config
	store   *storage.Storage
	closers []func() error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func newRootCommand() *cobra.Command {
	var configFlag string

	ctx := newCommandContext(&configFlag)

	rootCmd := &cobra.Command{
		Use:           "clipctl",
		Short:         "Operate the clip generation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	defaultConfig := os.Getenv("CLIPCTL_CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "configs/worker-service/config.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", defaultConfig, "Configuration file path")

	rootCmd.AddCommand(newJobsCommand(ctx))
	rootCmd.AddCommand(newQuotaCommand(ctx))
	rootCmd.AddCommand(newPlanCommand(ctx))
	rootCmd.AddCommand(newCaptionsCommand())

	return rootCmd
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}

	_ = godotenv.Load()

	cfg, err := config.Load(strings.TrimSpace(*c.configFlag))
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

func (c *commandContext) log() *slog.Logger {
	if c.logger == nil {
		l, err := logger.New(&logger.Config{Level: "warn", Format: "console", Output: "stderr"})
		if err != nil {
			return slog.Default()
		}
		c.logger = l.Logger
		c.closers = append(c.closers, l.Close)
	}
	return c.logger
}

// ensureStore opens the configured database and applies the schema
func (c *commandContext) ensureStore(ctx context.Context) (*storage.Storage, error) {
	if c.store != nil {
		return c.store, nil
	}

	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}

	var store *storage.Storage
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		client, err := sqlite.NewClient(ctx, &sqlite.Config{Path: cfg.Database.Path, BusyTimeout: cfg.Database.BusyTimeoutMs}, c.log())
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, client.Close)
		store = storage.New(client.GetDB(), c.log())
	default:
		client, err := postgresql.NewClient(ctx, &postgresql.Config{
			Host:         cfg.Database.Host,
			Port:         cfg.Database.Port,
			User:         cfg.Database.User,
			Password:     cfg.Database.Password,
			Database:     cfg.Database.Database,
			SSLMode:      cfg.Database.SSLMode,
			MaxOpenConns: 2,
			MaxIdleConns: 1,
		}, c.log())
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, client.Close)
		store = storage.New(client.GetDB(), c.log())
	}

	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	c.store = store
	return store, nil
}

// jobService builds an orchestrator over the store. Dispatching commands
// also connect to the broker so retried stages can be enqueued.
func (c *commandContext) jobService(ctx context.Context, dispatch bool) (*orchestrator.Orchestrator, error) {
	store, err := c.ensureStore(ctx)
	if err != nil {
		return nil, err
	}

	deps := orchestrator.Dependencies{
		Store:  store,
		Guard:  quota.NewGuard(c.quotaConfig(), c.log()),
		Logger: c.log(),
	}

	if dispatch {
		tasks, err := c.taskQueue()
		if err != nil {
			return nil, err
		}
		deps.Tasks = tasks
		deps.Renderer = render.NewCoordinator(store, tasks, c.log())
	}

	return orchestrator.New(deps), nil
}

func (c *commandContext) quotaConfig() quota.Config {
	if c.cfg == nil {
		return quota.Config{}
	}
	return c.cfg.Quota.GuardConfig()
}

func (c *commandContext) taskQueue() (*queue.Publisher, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}

	rmq := cfg.RabbitMQ
	queues := make([]rabbitmq.QueueBinding, 0, 5)
	for _, q := range rmq.Queues.All() {
		queues = append(queues, rabbitmq.QueueBinding{
			Name:       q.Name,
			RoutingKey: q.RoutingKey,
			Durable:    q.Durable,
			AutoDelete: q.AutoDelete,
			Exclusive:  q.Exclusive,
		})
	}

	client, err := rabbitmq.NewClient(&rabbitmq.Config{
		Host:               rmq.Host,
		Port:               rmq.Port,
		User:               rmq.User,
		Password:           rmq.Password,
		VHost:              rmq.VHost,
		ExchangeName:       rmq.Exchange.Name,
		ExchangeType:       rmq.Exchange.Type,
		ExchangeDurable:    rmq.Exchange.Durable,
		ExchangeAutoDelete: rmq.Exchange.AutoDelete,
		Queues:             queues,
		RetryAttempts:      1,
		ConnectionTimeout:  rmq.Connection.ConnectionTimeout.Duration,
		PublishRetries:     rmq.Publish.RetryAttempts,
		PublishRetryDelay:  rmq.Publish.RetryInterval.Duration,
		PublishBackoffMult: rmq.Publish.BackoffMultiplier,
	}, c.log())
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	c.closers = append(c.closers, client.Close)

	return queue.NewPublisher(client, queue.Routes{
		Generation:   rmq.Queues.Generation.RoutingKey,
		Render:       rmq.Queues.Render.RoutingKey,
		Upload:       rmq.Queues.Upload.RoutingKey,
		RenderEvents: rmq.Queues.RenderEvents.RoutingKey,
		QuotaAlerts:  rmq.Queues.QuotaAlerts.RoutingKey,
	}, c.log()), nil
}

func (c *commandContext) close() error {
	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	c.closers = nil
	return first
}

// Package worker consumes stage tasks and render callbacks from RabbitMQ and
// runs them through the orchestrator.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/clipforge/internal/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency = 4
	defaultPrefetch    = 8
	defaultJobTimeout  = 10 * time.Minute
)

// Broker is the consuming side of the message broker
type Broker interface {
	Qos(prefetchCount int) error
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, error)
}

// Handler executes one decoded message
type Handler interface {
	HandleGeneration(ctx context.Context, task domain.GenerationTask) error
	HandleUpload(ctx context.Context, task domain.UploadTask) error
	HandleRenderEvent(ctx context.Context, event domain.RenderEvent) error
}

// Queues names the queues the worker consumes
type Queues struct {
	Generation   string
	Upload       string
	RenderEvents string
}

func (q Queues) names() []string {
	var names []string
	for _, name := range []string{q.Generation, q.Upload, q.RenderEvents} {
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	Broker        Broker
	Handler       Handler
	Queues        Queues
	WorkerID      string
	Concurrency   int
	PrefetchCount int
	JobTimeout    time.Duration
}

// message is one delivery on its way to the pool
type message struct {
	queue    string
	delivery amqp.Delivery
}

// Worker represents the background stage worker
type Worker struct {
	logger        *slog.Logger
	broker        Broker
	handler       Handler
	queues        Queues
	workerID      string
	concurrency   int
	prefetchCount int
	jobTimeout    time.Duration
	jobsChan      chan *message
	wg            sync.WaitGroup
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:        cfg.Logger,
		broker:        cfg.Broker,
		handler:       cfg.Handler,
		queues:        cfg.Queues,
		workerID:      cfg.WorkerID,
		concurrency:   cfg.Concurrency,
		prefetchCount: cfg.PrefetchCount,
		jobTimeout:    cfg.JobTimeout,
		stopChan:      make(chan struct{}),
	}
	if w.workerID == "" {
		w.workerID = "worker-" + uuid.NewString()[:8]
	}
	if w.concurrency <= 0 {
		w.concurrency = defaultConcurrency
	}
	if w.prefetchCount <= 0 {
		w.prefetchCount = defaultPrefetch
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = defaultJobTimeout
	}
	w.jobsChan = make(chan *message, w.concurrency)
	return w
}

// Start consumes every configured queue until ctx is canceled or a
// delivery channel closes
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	if err := w.broker.Qos(w.prefetchCount); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, queue := range w.queues.names() {
		deliveries, err := w.setupConsumer(queue)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return w.startMessageDispatcher(gctx, queue, deliveries)
		})
	}

	w.spawnWorkerPool(gctx)

	err := g.Wait()
	w.logger.Info("Worker consumers stopped", slog.String("worker_id", w.workerID))
	return err
}

// Stop waits for in-flight messages to finish
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

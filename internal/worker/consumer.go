package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDeliveriesClosed is returned when the broker closes a consumer
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// setupConsumer starts a manual-ack consumer on queue
func (w *Worker) setupConsumer(queue string) (<-chan amqp.Delivery, error) {
	consumerTag := fmt.Sprintf("%s-%s", w.workerID, queue)

	deliveries, err := w.broker.Consume(queue, consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming %s: %w", queue, err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", consumerTag),
		slog.String("queue", queue),
		slog.Int("prefetch_count", w.prefetchCount),
	)

	return deliveries, nil
}

// startMessageDispatcher forwards deliveries from one queue to the pool
func (w *Worker) startMessageDispatcher(ctx context.Context, queue string, deliveries <-chan amqp.Delivery) error {
	w.logger.Info("Message dispatcher started", slog.String("queue", queue))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled", slog.String("queue", queue))
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed", slog.String("queue", queue))
				return fmt.Errorf("%w: %s", ErrDeliveriesClosed, queue)
			}

			select {
			case w.jobsChan <- &message{queue: queue, delivery: delivery}:
				w.logger.Debug("Message dispatched to worker pool",
					slog.String("queue", queue),
					slog.String("type", delivery.Type),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching", slog.String("queue", queue))
				if err := delivery.Nack(false, true); err != nil {
					w.logger.Error("Failed to NACK message on shutdown", slog.Any("error", err))
				}
				return nil
			}
		}
	}
}

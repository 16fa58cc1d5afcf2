// Package queue publishes stage tasks and events onto the work exchange.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/clipforge/internal/domain"
	"github.com/cuongbtq/clipforge/internal/quota"
)

// Broker sends one message with retries
type Broker interface {
	PublishWithRetry(ctx context.Context, routingKey, msgType string, body []byte) error
}

// Routes maps each message kind to its routing key
type Routes struct {
	Generation   string
	Render       string
	Upload       string
	RenderEvents string
	QuotaAlerts  string
}

// DefaultRoutes returns the standard routing keys
func DefaultRoutes() Routes {
	return Routes{
		Generation:   "clip.generation",
		Render:       "clip.render",
		Upload:       "clip.upload",
		RenderEvents: "clip.render.events",
		QuotaAlerts:  "clip.quota.alerts",
	}
}

// Publisher encodes messages and hands them to the broker
type Publisher struct {
	broker Broker
	routes Routes
	logger *slog.Logger
}

// NewPublisher creates a publisher; empty routes fall back to defaults
func NewPublisher(broker Broker, routes Routes, logger *slog.Logger) *Publisher {
	def := DefaultRoutes()
	if routes.Generation == "" {
		routes.Generation = def.Generation
	}
	if routes.Render == "" {
		routes.Render = def.Render
	}
	if routes.Upload == "" {
		routes.Upload = def.Upload
	}
	if routes.RenderEvents == "" {
		routes.RenderEvents = def.RenderEvents
	}
	if routes.QuotaAlerts == "" {
		routes.QuotaAlerts = def.QuotaAlerts
	}

	return &Publisher{broker: broker, routes: routes, logger: logger}
}

// EnqueueGeneration dispatches the generation stage
func (p *Publisher) EnqueueGeneration(ctx context.Context, task domain.GenerationTask) error {
	return p.dispatch(ctx, p.routes.Generation, domain.TaskGeneration, task.JobID, task)
}

// EnqueueRender dispatches the render stage to the render engine
func (p *Publisher) EnqueueRender(ctx context.Context, task domain.RenderTask) error {
	return p.dispatch(ctx, p.routes.Render, domain.TaskRender, task.JobID, task)
}

// EnqueueUpload dispatches the publishing stage
func (p *Publisher) EnqueueUpload(ctx context.Context, task domain.UploadTask) error {
	return p.dispatch(ctx, p.routes.Upload, domain.TaskUpload, task.JobID, task)
}

// PublishRenderEvent emits a render callback; used by render engines and tooling
func (p *Publisher) PublishRenderEvent(ctx context.Context, event domain.RenderEvent) error {
	return p.dispatch(ctx, p.routes.RenderEvents, domain.EventRender, event.JobID, event)
}

// QuotaAlert implements quota.AlertSink
func (p *Publisher) QuotaAlert(ctx context.Context, alert quota.Alert) error {
	return p.dispatch(ctx, p.routes.QuotaAlerts, domain.EventQuotaAlert, "", alert)
}

func (p *Publisher) dispatch(ctx context.Context, routingKey, msgType, jobID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msgType, err)
	}

	if err := p.broker.PublishWithRetry(ctx, routingKey, msgType, body); err != nil {
		p.logger.Error("Failed to publish message",
			slog.String("type", msgType),
			slog.String("routing_key", routingKey),
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return fmt.Errorf("%w: %s: %w", domain.ErrDispatch, msgType, err)
	}

	p.logger.Debug("Message published",
		slog.String("type", msgType),
		slog.String("routing_key", routingKey),
		slog.String("job_id", jobID),
	)
	return nil
}

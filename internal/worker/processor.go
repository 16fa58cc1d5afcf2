package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/clipforge/internal/domain"
	"github.com/google/uuid"
)

var (
	// ErrInvalidPayload marks a message that can never be processed
	ErrInvalidPayload = errors.New("invalid message payload")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// processMessage decodes one delivery by its type property and runs it under
// the job timeout. In-flight work is not canceled by worker shutdown.
func (w *Worker) processMessage(ctx context.Context, msg *message) error {
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.jobTimeout)
	defer cancel()

	var (
		jobID string
		err   error
	)

	switch msg.delivery.Type {
	case domain.TaskGeneration:
		var task domain.GenerationTask
		if jobID, err = decode(msg.delivery.Body, &task, func() string { return task.JobID }); err != nil {
			return err
		}
		err = w.handler.HandleGeneration(taskCtx, task)

	case domain.TaskUpload:
		var task domain.UploadTask
		if jobID, err = decode(msg.delivery.Body, &task, func() string { return task.JobID }); err != nil {
			return err
		}
		err = w.handler.HandleUpload(taskCtx, task)

	case domain.EventRender:
		var event domain.RenderEvent
		if jobID, err = decode(msg.delivery.Body, &event, func() string { return event.JobID }); err != nil {
			return err
		}
		err = w.handler.HandleRenderEvent(taskCtx, event)

	default:
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidPayload, msg.delivery.Type)
	}

	if err != nil {
		w.logger.Error("Handler failed",
			slog.String("job_id", jobID),
			slog.String("type", msg.delivery.Type),
			slog.Any("error", err),
		)
		if shouldDrop(err) {
			return err
		}
		return NewRetryableError(err)
	}

	w.logger.Debug("Message processed",
		slog.String("job_id", jobID),
		slog.String("type", msg.delivery.Type),
	)
	return nil
}

// decode unmarshals body into v and checks that it names a job
func decode(body []byte, v any, jobID func() string) (string, error) {
	if err := json.Unmarshal(body, v); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	id := jobID()
	if _, err := uuid.Parse(id); err != nil {
		return id, fmt.Errorf("%w: job_id %q is not a UUID", ErrInvalidPayload, id)
	}
	return id, nil
}

func shouldDrop(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrInvalidTransition)
}

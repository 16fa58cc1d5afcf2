// Package render hands jobs to the external render engine and applies its
// callbacks.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cuongbtq/clipforge/internal/domain"
)

// JobStore is the persistence the coordinator needs
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	CompareAndSwap(ctx context.Context, job *domain.Job, expected domain.Status) error
	UpdateProgress(ctx context.Context, jobID string, status domain.Status, progress domain.Progress) error
}

// TaskQueue dispatches render and upload tasks
type TaskQueue interface {
	EnqueueRender(ctx context.Context, task domain.RenderTask) error
	EnqueueUpload(ctx context.Context, task domain.UploadTask) error
}

// Coordinator drives the rendering stage
type Coordinator struct {
	store  JobStore
	tasks  TaskQueue
	logger *slog.Logger
	now    func() time.Time
}

// Option customizes the coordinator
type Option func(*Coordinator)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator creates a render coordinator
func NewCoordinator(store JobStore, tasks TaskQueue, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		tasks:  tasks,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestRender moves job from its current status to rendering, persisting
// any artifacts already set on it, and enqueues the render task. A missing
// script or caption track is returned as a validation StageError with nothing
// written. If the task cannot be enqueued the job is failed and the dispatch
// StageError is returned.
func (c *Coordinator) RequestRender(ctx context.Context, job *domain.Job) error {
	if job.Script == "" || len(job.Captions) == 0 {
		return domain.NewStageError(domain.StageRendering, domain.KindValidation,
			"render requires a script and captions", nil)
	}

	from := job.Status
	if err := job.Advance(domain.StatusRendering, c.now().UTC()); err != nil {
		return err
	}
	if err := c.store.CompareAndSwap(ctx, job, from); err != nil {
		return err
	}

	task := domain.RenderTask{
		JobID:      job.ID,
		Script:     job.Script,
		Captions:   job.Captions,
		SRT:        domain.RenderSRT(job.Captions),
		TemplateID: job.TemplateID,
	}
	if job.Metadata != nil {
		task.Metadata = *job.Metadata
	}

	if err := c.tasks.EnqueueRender(ctx, task); err != nil {
		failure := domain.ClassifyStageError(domain.StageRendering, err)
		c.fail(ctx, job, failure)
		return failure
	}

	c.logger.Info("Render requested",
		slog.String("job_id", job.ID),
		slog.Int("captions", len(job.Captions)),
		slog.String("template_id", job.TemplateID),
	)
	return nil
}

// Handle applies one render engine callback
func (c *Coordinator) Handle(ctx context.Context, event domain.RenderEvent) error {
	switch event.Event {
	case domain.RenderProgress:
		return c.OnProgress(ctx, event.JobID, event.Fraction, event.Message)
	case domain.RenderComplete:
		return c.OnComplete(ctx, event.JobID, event.MediaRef, event.DurationSeconds)
	case domain.RenderFail:
		return c.OnFail(ctx, event.JobID, event.Error)
	default:
		return domain.NewValidationError("event", fmt.Sprintf("unknown render event %q", event.Event))
	}
}

// OnProgress records render progress while the job is still rendering
func (c *Coordinator) OnProgress(ctx context.Context, jobID string, fraction float64, message string) error {
	progress := domain.Progress{Fraction: math.Max(0, math.Min(1, fraction)), Message: message}

	err := c.store.UpdateProgress(ctx, jobID, domain.StatusRendering, progress)
	if errors.Is(err, domain.ErrTransitionConflict) {
		c.logger.Debug("Ignoring render progress for job not rendering", slog.String("job_id", jobID))
		return nil
	}
	return err
}

// OnComplete stores the rendered media and moves the job to uploading when
// publishing was requested, otherwise to done. Callbacks for a job that is no
// longer rendering are ignored.
func (c *Coordinator) OnComplete(ctx context.Context, jobID, mediaRef string, observedSeconds float64) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.StatusRendering {
		c.logger.Info("Ignoring duplicate render completion",
			slog.String("job_id", jobID),
			slog.String("status", string(job.Status)),
		)
		return nil
	}

	if mediaRef == "" {
		return c.failFrom(ctx, job, domain.NewStageError(domain.StageRendering, domain.KindProvider,
			"render engine reported completion without a media reference", nil))
	}

	job.MediaRef = mediaRef
	if observedSeconds > 0 {
		job.ObservedDurationSeconds = &observedSeconds
		if drift := math.Abs(observedSeconds - float64(job.TargetDurationSeconds)); drift > 1 {
			c.logger.Warn("Rendered duration differs from target",
				slog.String("job_id", jobID),
				slog.Int("target_seconds", job.TargetDurationSeconds),
				slog.Float64("observed_seconds", observedSeconds),
			)
		}
	}
	job.Progress = domain.Progress{Fraction: 1, Message: "rendered"}

	next := domain.StatusDone
	if job.PublishRequested() {
		next = domain.StatusUploading
	}
	if err := job.Advance(next, c.now().UTC()); err != nil {
		return err
	}
	if err := c.store.CompareAndSwap(ctx, job, domain.StatusRendering); err != nil {
		if errors.Is(err, domain.ErrTransitionConflict) {
			return nil
		}
		return err
	}

	c.logger.Info("Render completed",
		slog.String("job_id", jobID),
		slog.String("media_ref", mediaRef),
		slog.String("status", string(next)),
	)

	if next != domain.StatusUploading {
		return nil
	}

	task := domain.UploadTask{
		JobID:         job.ID,
		ChannelID:     job.Publish.ChannelID,
		PrivacyStatus: job.Publish.Privacy,
		ScheduledTime: job.Publish.PublishAt,
	}
	if err := c.tasks.EnqueueUpload(ctx, task); err != nil {
		failure := domain.ClassifyStageError(domain.StageUploading, err)
		c.fail(ctx, job, failure)
		return failure
	}
	return nil
}

// OnFail fails the job at the rendering stage
func (c *Coordinator) OnFail(ctx context.Context, jobID, message string) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.StatusRendering {
		c.logger.Info("Ignoring duplicate render failure",
			slog.String("job_id", jobID),
			slog.String("status", string(job.Status)),
		)
		return nil
	}

	if message == "" {
		message = "render engine reported a failure"
	}
	return c.failFrom(ctx, job, domain.NewStageError(domain.StageRendering, domain.KindProvider, message, nil))
}

// failFrom applies failure and reports a lost race as success
func (c *Coordinator) failFrom(ctx context.Context, job *domain.Job, failure *domain.StageError) error {
	from := job.Status
	if err := job.Fail(failure, c.now().UTC()); err != nil {
		return err
	}
	if err := c.store.CompareAndSwap(context.WithoutCancel(ctx), job, from); err != nil {
		if errors.Is(err, domain.ErrTransitionConflict) {
			return nil
		}
		return err
	}

	c.logger.Warn("Job failed",
		slog.String("job_id", job.ID),
		slog.String("stage", string(failure.Stage)),
		slog.String("kind", string(failure.Kind)),
		slog.String("error", failure.Error()),
	)
	return nil
}

// fail is failFrom for paths that already return the failure to the caller
func (c *Coordinator) fail(ctx context.Context, job *domain.Job, failure *domain.StageError) {
	if err := c.failFrom(ctx, job, failure); err != nil {
		c.logger.Error("Failed to record job failure",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
}

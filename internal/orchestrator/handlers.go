package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/clipforge/internal/domain"
)

// HandleGeneration runs the generation stage for a queued job and hands the
// result to the renderer. Redelivered tasks for a job that already left
// queued are ignored.
func (o *Orchestrator) HandleGeneration(ctx context.Context, task domain.GenerationTask) error {
	job, err := o.store.GetJob(ctx, task.JobID)
	if err != nil {
		return err
	}
	if job.Status != domain.StatusQueued {
		o.logger.Info("Ignoring generation task for claimed job",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.Status)),
		)
		return nil
	}

	if err := job.Advance(domain.StatusGenerating, o.now().UTC()); err != nil {
		return err
	}
	if err := o.store.CompareAndSwap(ctx, job, domain.StatusQueued); err != nil {
		if errors.Is(err, domain.ErrTransitionConflict) {
			return nil
		}
		return err
	}

	outcome := o.generator.Generate(ctx, generationRequest(job))
	if !outcome.OK() {
		return o.failFrom(ctx, job, outcome.Failure)
	}

	result := outcome.Value
	metadata := result.Metadata
	job.Script = result.Script
	job.Captions = result.Track.Captions
	job.CaptionsDropped = result.Track.Dropped
	job.Metadata = &metadata

	err = o.renderer.RequestRender(ctx, job)
	var se *domain.StageError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrTransitionConflict):
		return nil
	case errors.As(err, &se) && se.Kind == domain.KindDispatch:
		// The renderer already failed the job.
		return nil
	default:
		return o.abort(ctx, job.ID, domain.StageGenerating, err)
	}
}

// HandleUpload claims an uploading job and publishes its rendered media.
// A task for a job that is no longer uploading, or whose upload was already
// claimed, is ignored.
func (o *Orchestrator) HandleUpload(ctx context.Context, task domain.UploadTask) error {
	job, err := o.store.GetJob(ctx, task.JobID)
	if err != nil {
		return err
	}

	if err := job.ClaimUpload(o.now().UTC()); err != nil {
		o.logger.Info("Ignoring upload task",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.Status)),
		)
		return nil
	}
	if err := o.store.CompareAndSwap(ctx, job, domain.StatusUploading); err != nil {
		if errors.Is(err, domain.ErrTransitionConflict) {
			return nil
		}
		return err
	}

	req := domain.PublishRequest{
		ChannelID: task.ChannelID,
		Privacy:   task.PrivacyStatus,
		PublishAt: task.ScheduledTime,
	}
	if job.Publish != nil {
		req = *job.Publish
	}
	if req.ChannelID == "" {
		return o.failFrom(ctx, job, domain.NewStageError(domain.StageUploading, domain.KindValidation,
			"no channel to publish to", nil))
	}

	outcome := o.publisher.Publish(ctx, job, req)
	if !outcome.OK() {
		return o.failFrom(ctx, job, outcome.Failure)
	}

	job.PlatformVideoID = outcome.Value
	job.Progress = domain.Progress{Fraction: 1, Message: "published"}
	if err := job.Advance(domain.StatusDone, o.now().UTC()); err != nil {
		return o.abort(ctx, job.ID, domain.StageUploading, err)
	}
	if err := o.store.CompareAndSwap(context.WithoutCancel(ctx), job, domain.StatusUploading); err != nil {
		if errors.Is(err, domain.ErrTransitionConflict) {
			return nil
		}
		return o.abort(ctx, job.ID, domain.StageUploading, err)
	}

	o.logger.Info("Job published",
		slog.String("job_id", job.ID),
		slog.String("video_id", job.PlatformVideoID),
	)
	return nil
}

// HandleRenderEvent applies a render engine callback
func (o *Orchestrator) HandleRenderEvent(ctx context.Context, event domain.RenderEvent) error {
	return o.renderer.Handle(ctx, event)
}

// abort re-reads the job and fails it at stage with the unexpected cause so
// no task leaves its job stuck mid-stage. The cause is returned when the
// failure itself cannot be recorded.
func (o *Orchestrator) abort(ctx context.Context, jobID string, stage domain.Stage, cause error) error {
	ctx = context.WithoutCancel(ctx)

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("%w (and reload failed: %v)", cause, err)
	}
	if !job.Status.CanTransitionTo(domain.StatusFailed) {
		return nil
	}

	if err := o.failFrom(ctx, job, domain.ClassifyStageError(stage, cause)); err != nil {
		return fmt.Errorf("%w (and recording the failure failed: %v)", cause, err)
	}
	return nil
}

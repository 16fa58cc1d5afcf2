// Package orchestrator owns the job lifecycle: admission, stage handoff,
// failure recording and retry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/clipforge/internal/domain"
	"github.com/cuongbtq/clipforge/internal/generation"
	"github.com/cuongbtq/clipforge/internal/quota"
	"github.com/cuongbtq/clipforge/internal/storage"
	"github.com/google/uuid"
)

// Store is the persistence the orchestrator needs
type Store interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error)
	CompareAndSwap(ctx context.Context, job *domain.Job, expected domain.Status) error
	CountJobsCreatedBetween(ctx context.Context, ownerID string, from, to time.Time) (int, error)
	WithOwnerLock(ctx context.Context, ownerID string, fn func(ctx context.Context, scope storage.OwnerScope) error) error
	PlanForOwner(ctx context.Context, ownerID string) (domain.Plan, error)
	SummarizeUsage(ctx context.Context, ownerID string, from, to time.Time) (storage.UsageSummary, error)
}

// Generator runs the generation stage
type Generator interface {
	Validate(req generation.Request) error
	Generate(ctx context.Context, req generation.Request) domain.Outcome[generation.Result]
}

// Renderer hands jobs to the render engine and applies its callbacks
type Renderer interface {
	RequestRender(ctx context.Context, job *domain.Job) error
	Handle(ctx context.Context, event domain.RenderEvent) error
}

// Publisher uploads rendered media
type Publisher interface {
	Publish(ctx context.Context, job *domain.Job, req domain.PublishRequest) domain.Outcome[string]
}

// TaskQueue dispatches generation and upload tasks
type TaskQueue interface {
	EnqueueGeneration(ctx context.Context, task domain.GenerationTask) error
	EnqueueUpload(ctx context.Context, task domain.UploadTask) error
}

// Orchestrator coordinates every stage of a job
type Orchestrator struct {
	store     Store
	guard     *quota.Guard
	generator Generator
	renderer  Renderer
	publisher Publisher
	tasks     TaskQueue
	logger    *slog.Logger
	now       func() time.Time
}

// Dependencies holds the collaborators wired in by the binaries
type Dependencies struct {
	Store     Store
	Guard     *quota.Guard
	Generator Generator
	Renderer  Renderer
	Publisher Publisher
	Tasks     TaskQueue
	Logger    *slog.Logger
}

// New creates an orchestrator
func New(deps Dependencies) *Orchestrator {
	return &Orchestrator{
		store:     deps.Store,
		guard:     deps.Guard,
		generator: deps.Generator,
		renderer:  deps.Renderer,
		publisher: deps.Publisher,
		tasks:     deps.Tasks,
		logger:    deps.Logger,
		now:       time.Now,
	}
}

// PublishInput asks for the rendered video to be uploaded to a channel
type PublishInput struct {
	ChannelID string
	Privacy   string
	PublishAt *time.Time
}

// CreateRequest is the input of Create
type CreateRequest struct {
	OwnerID               string
	Prompt                string
	TemplateID            string
	TargetDurationSeconds int
	Tone                  string
	Publish               *PublishInput
}

// Create admits and persists a new job, then enqueues its generation task.
// The returned admission is the one checked before the insert. When the task
// cannot be enqueued the returned job is already failed with kind dispatch
// and no error is returned.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*domain.Job, quota.Admission, error) {
	job, err := o.newJob(req)
	if err != nil {
		return nil, quota.Admission{}, err
	}

	plan, err := o.store.PlanForOwner(ctx, job.OwnerID)
	if err != nil {
		return nil, quota.Admission{}, err
	}

	var before quota.Admission
	err = o.store.WithOwnerLock(ctx, job.OwnerID, func(ctx context.Context, scope storage.OwnerScope) error {
		adm, err := o.guard.Admit(ctx, scope, job.OwnerID, plan)
		before = adm
		if err != nil {
			return err
		}
		return scope.InsertJob(ctx, job)
	})
	if err != nil {
		return nil, before, err
	}

	o.guard.Observe(ctx, job.OwnerID, before, o.guard.Consumed(before))

	o.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("owner_id", job.OwnerID),
		slog.Int("target_duration_seconds", job.TargetDurationSeconds),
		slog.Bool("publish", job.PublishRequested()),
	)

	if err := o.enqueueGeneration(ctx, job); err != nil {
		return nil, before, err
	}
	return job, before, nil
}

func (o *Orchestrator) newJob(req CreateRequest) (*domain.Job, error) {
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		return nil, domain.NewValidationError("owner_id", "is required")
	}

	tone, err := domain.ParseTone(req.Tone)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	job := &domain.Job{
		ID:                    uuid.NewString(),
		OwnerID:               owner,
		Prompt:                strings.TrimSpace(req.Prompt),
		Tone:                  tone,
		TemplateID:            strings.TrimSpace(req.TemplateID),
		TargetDurationSeconds: req.TargetDurationSeconds,
		Status:                domain.StatusQueued,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if err := o.generator.Validate(generationRequest(job)); err != nil {
		return nil, err
	}

	if req.Publish != nil && strings.TrimSpace(req.Publish.ChannelID) != "" {
		privacy, err := domain.ParsePrivacy(req.Publish.Privacy)
		if err != nil {
			return nil, err
		}
		publish := &domain.PublishRequest{
			ChannelID: strings.TrimSpace(req.Publish.ChannelID),
			Privacy:   privacy,
		}
		if req.Publish.PublishAt != nil {
			if !req.Publish.PublishAt.After(now) {
				return nil, domain.NewValidationError("publish_at", "must be in the future")
			}
			if privacy != domain.PrivacyPrivate {
				return nil, domain.NewValidationError("publish_at", "scheduling requires private privacy status")
			}
			at := req.Publish.PublishAt.UTC()
			publish.PublishAt = &at
		}
		job.Publish = publish
	}

	return job, nil
}

func generationRequest(job *domain.Job) generation.Request {
	return generation.Request{
		JobID:                 job.ID,
		OwnerID:               job.OwnerID,
		Prompt:                job.Prompt,
		TargetDurationSeconds: job.TargetDurationSeconds,
		Tone:                  job.Tone,
	}
}

// enqueueGeneration sends the generation task for a queued job. A dispatch
// failure claims the job and fails it at generation.
func (o *Orchestrator) enqueueGeneration(ctx context.Context, job *domain.Job) error {
	task := domain.GenerationTask{
		JobID:                 job.ID,
		Prompt:                job.Prompt,
		TargetDurationSeconds: job.TargetDurationSeconds,
		Tone:                  job.Tone,
	}

	dispatchErr := o.tasks.EnqueueGeneration(ctx, task)
	if dispatchErr == nil {
		return nil
	}

	if err := job.Advance(domain.StatusGenerating, o.now().UTC()); err != nil {
		return err
	}
	if err := o.store.CompareAndSwap(context.WithoutCancel(ctx), job, domain.StatusQueued); err != nil {
		return err
	}
	return o.failFrom(ctx, job, domain.ClassifyStageError(domain.StageGenerating, dispatchErr))
}

// Get returns the owner's job; other owners' jobs are reported as not found
func (o *Orchestrator) Get(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

// List returns one page of the owner's jobs plus one extra row when another
// page exists
func (o *Orchestrator) List(ctx context.Context, ownerID string, filter storage.JobFilter) ([]domain.Job, error) {
	filter.OwnerID = ownerID
	return o.store.ListJobs(ctx, filter)
}

// DownloadRef returns the rendered media reference of the owner's job
func (o *Orchestrator) DownloadRef(ctx context.Context, jobID, ownerID string) (string, error) {
	job, err := o.Get(ctx, jobID, ownerID)
	if err != nil {
		return "", err
	}
	if job.MediaRef == "" {
		return "", domain.ErrNoMedia
	}
	return job.MediaRef, nil
}

// UsageReport is the owner's standing in the current quota window
type UsageReport struct {
	Admission quota.Admission
	Usage     storage.UsageSummary
}

// Usage reports quota standing and generation spend without gating anything
func (o *Orchestrator) Usage(ctx context.Context, ownerID string) (UsageReport, error) {
	plan, err := o.store.PlanForOwner(ctx, ownerID)
	if err != nil {
		return UsageReport{}, err
	}

	adm, err := o.guard.Usage(ctx, o.store, ownerID, plan)
	if err != nil {
		return UsageReport{}, err
	}

	summary, err := o.store.SummarizeUsage(ctx, ownerID, adm.WindowStart, adm.ResetAt)
	if err != nil {
		return UsageReport{}, err
	}

	return UsageReport{Admission: adm, Usage: summary}, nil
}

// ResumeStage picks the earliest stage whose artifact is missing. ok is false
// when every requested artifact already exists.
func ResumeStage(job *domain.Job) (stage domain.Stage, ok bool) {
	switch {
	case !job.HasGenerationArtifacts():
		return domain.StageGenerating, true
	case job.MediaRef == "":
		return domain.StageRendering, true
	case job.PublishRequested() && job.PlatformVideoID == "":
		return domain.StageUploading, true
	default:
		return "", false
	}
}

// Retry resumes a failed job at its earliest incomplete stage
func (o *Orchestrator) Retry(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	job, err := o.Get(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}

	if job.Status != domain.StatusFailed {
		return nil, fmt.Errorf("%w: job is %s", domain.ErrWrongState, job.Status)
	}
	if job.RetryCount >= domain.MaxRetries {
		return nil, &domain.RetryLimitError{RetryCount: job.RetryCount, MaxRetries: domain.MaxRetries}
	}

	stage, ok := ResumeStage(job)
	if !ok {
		return nil, fmt.Errorf("%w: nothing left to resume", domain.ErrWrongState)
	}

	job.RetryCount++
	job.ResetForRetry(stage)

	o.logger.Info("Retrying job",
		slog.String("job_id", job.ID),
		slog.String("stage", string(stage)),
		slog.Int("retry_count", job.RetryCount),
	)

	switch stage {
	case domain.StageGenerating:
		err = o.retryGeneration(ctx, job)
	case domain.StageRendering:
		err = o.renderer.RequestRender(ctx, job)
		var se *domain.StageError
		if errors.As(err, &se) && se.Kind == domain.KindDispatch {
			err = nil
		}
	default:
		err = o.retryUpload(ctx, job)
	}

	if errors.Is(err, domain.ErrTransitionConflict) {
		return nil, fmt.Errorf("%w: job changed while retrying", domain.ErrWrongState)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Abandon fails a job whose stage has made no transition for at least
// olderThan, so a stage lost with its worker can be retried. Only jobs in
// generating, rendering or uploading qualify.
func (o *Orchestrator) Abandon(ctx context.Context, jobID string, olderThan time.Duration) (*domain.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var stage domain.Stage
	switch job.Status {
	case domain.StatusGenerating:
		stage = domain.StageGenerating
	case domain.StatusRendering:
		stage = domain.StageRendering
	case domain.StatusUploading:
		stage = domain.StageUploading
	default:
		return nil, fmt.Errorf("%w: job is %s", domain.ErrWrongState, job.Status)
	}

	idle := o.now().Sub(job.UpdatedAt)
	if idle < olderThan {
		return nil, fmt.Errorf("%w: job last changed %s ago", domain.ErrWrongState, idle.Round(time.Second))
	}

	failure := domain.NewStageError(stage, domain.KindTimeout,
		fmt.Sprintf("stage abandoned after %s without progress", idle.Round(time.Second)), nil)
	from := job.Status
	if err := job.Fail(failure, o.now().UTC()); err != nil {
		return nil, err
	}
	if err := o.store.CompareAndSwap(ctx, job, from); err != nil {
		return nil, fmt.Errorf("abandon job %s: %w", job.ID, err)
	}

	o.logger.Warn("Job abandoned",
		slog.String("job_id", job.ID),
		slog.String("stage", string(stage)),
		slog.Duration("idle", idle),
	)
	return job, nil
}

func (o *Orchestrator) retryGeneration(ctx context.Context, job *domain.Job) error {
	if err := job.Advance(domain.StatusQueued, o.now().UTC()); err != nil {
		return err
	}
	if err := o.store.CompareAndSwap(ctx, job, domain.StatusFailed); err != nil {
		return err
	}
	return o.enqueueGeneration(ctx, job)
}

func (o *Orchestrator) retryUpload(ctx context.Context, job *domain.Job) error {
	if err := job.Advance(domain.StatusUploading, o.now().UTC()); err != nil {
		return err
	}
	if err := o.store.CompareAndSwap(ctx, job, domain.StatusFailed); err != nil {
		return err
	}

	if err := o.tasks.EnqueueUpload(ctx, uploadTask(job)); err != nil {
		return o.failFrom(ctx, job, domain.ClassifyStageError(domain.StageUploading, err))
	}
	return nil
}

func uploadTask(job *domain.Job) domain.UploadTask {
	return domain.UploadTask{
		JobID:         job.ID,
		ChannelID:     job.Publish.ChannelID,
		PrivacyStatus: job.Publish.Privacy,
		ScheduledTime: job.Publish.PublishAt,
	}
}

// failFrom records failure on job. Losing the race to another writer is not
// an error.
func (o *Orchestrator) failFrom(ctx context.Context, job *domain.Job, failure *domain.StageError) error {
	from := job.Status
	if err := job.Fail(failure, o.now().UTC()); err != nil {
		return err
	}
	if err := o.store.CompareAndSwap(context.WithoutCancel(ctx), job, from); err != nil {
		if errors.Is(err, domain.ErrTransitionConflict) {
			return nil
		}
		return err
	}

	o.logger.Warn("Job failed",
		slog.String("job_id", job.ID),
		slog.String("stage", string(failure.Stage)),
		slog.String("kind", string(failure.Kind)),
		slog.String("error", failure.Error()),
	)
	return nil
}

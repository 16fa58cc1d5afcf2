package domain

import (
	"fmt"
	"strings"
	"time"
)

// MaxRetries caps the explicit retry operation
const MaxRetries = 3

// Tone steers the generated script
type Tone string

const (
	ToneInformative Tone = "informative"
	ToneFun         Tone = "fun"
	ToneEmotional   Tone = "emotional"
)

// ParseTone validates a tone, defaulting empty input to informative
func ParseTone(raw string) (Tone, error) {
	switch t := Tone(strings.ToLower(strings.TrimSpace(raw))); t {
	case "":
		return ToneInformative, nil
	case ToneInformative, ToneFun, ToneEmotional:
		return t, nil
	default:
		return "", NewValidationError("tone", fmt.Sprintf("unsupported tone %q", raw))
	}
}

// Privacy is the visibility of a published video
type Privacy string

const (
	PrivacyPrivate  Privacy = "private"
	PrivacyUnlisted Privacy = "unlisted"
	PrivacyPublic   Privacy = "public"
)

// ParsePrivacy validates a privacy status. "draft" is accepted as private.
func ParsePrivacy(raw string) (Privacy, error) {
	switch p := strings.ToLower(strings.TrimSpace(raw)); p {
	case "", "draft", string(PrivacyPrivate):
		return PrivacyPrivate, nil
	case string(PrivacyUnlisted), string(PrivacyPublic):
		return Privacy(p), nil
	default:
		return "", NewValidationError("privacy_status", fmt.Sprintf("unsupported privacy status %q", raw))
	}
}

// Plan is a subscription tier with its own monthly job limit
type Plan string

const (
	PlanFree   Plan = "free"
	PlanPro    Plan = "pro"
	PlanAgency Plan = "agency"
)

// ParsePlan validates a plan name
func ParsePlan(raw string) (Plan, error) {
	switch p := Plan(strings.ToLower(strings.TrimSpace(raw))); p {
	case PlanFree, PlanPro, PlanAgency:
		return p, nil
	default:
		return "", NewValidationError("plan", fmt.Sprintf("unknown plan %q", raw))
	}
}

// Metadata is the platform-facing title, description and tags
type Metadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// PublishRequest asks for the rendered video to be uploaded to a channel
type PublishRequest struct {
	ChannelID string
	Privacy   Privacy
	PublishAt *time.Time
}

// Progress is observational stage progress
type Progress struct {
	Fraction float64
	Message  string
}

// StageTimes records when each stage started and ended
type StageTimes struct {
	GenerationStartedAt *time.Time
	GenerationEndedAt   *time.Time
	RenderStartedAt     *time.Time
	RenderEndedAt       *time.Time
	UploadStartedAt     *time.Time
	UploadEndedAt       *time.Time
}

// Job is one prompt-to-video work item
type Job struct {
	ID                    string
	OwnerID               string
	Prompt                string
	Tone                  Tone
	TemplateID            string
	TargetDurationSeconds int
	Status                Status

	Script          string
	Captions        []Caption
	CaptionsDropped int
	Metadata        *Metadata

	MediaRef                string
	ObservedDurationSeconds *float64
	PlatformVideoID         string
	Publish                 *PublishRequest

	ErrorMessage string
	FailedStage  Stage
	ErrorKind    ErrorKind
	RetryCount   int

	Progress Progress
	Version  int64

	CreatedAt time.Time
	UpdatedAt time.Time
	StageTimes
}

// HasGenerationArtifacts reports whether script, captions and metadata are all present
func (j *Job) HasGenerationArtifacts() bool {
	return j.Script != "" && len(j.Captions) > 0 && j.Metadata != nil
}

// PublishRequested reports whether the job ends with an upload
func (j *Job) PublishRequested() bool {
	return j.Publish != nil && j.Publish.ChannelID != ""
}

// Advance moves the job along one graph edge and stamps stage times.
// Done requires every requested artifact.
func (j *Job) Advance(to Status, now time.Time) error {
	if !j.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	if to == StatusDone {
		if !j.HasGenerationArtifacts() {
			return fmt.Errorf("%w: done requires script, captions and metadata", ErrInvalidTransition)
		}
		if j.PublishRequested() && j.PlatformVideoID == "" {
			return fmt.Errorf("%w: done requires a platform video id", ErrInvalidTransition)
		}
	}

	switch j.Status {
	case StatusGenerating:
		j.GenerationEndedAt = &now
	case StatusRendering:
		j.RenderEndedAt = &now
	case StatusUploading:
		j.UploadEndedAt = &now
	}

	switch to {
	case StatusGenerating:
		j.GenerationStartedAt = &now
		j.GenerationEndedAt = nil
	case StatusRendering:
		j.RenderStartedAt = &now
		j.RenderEndedAt = nil
	}

	j.Status = to
	j.UpdatedAt = now
	return nil
}

// Fail moves the job to failed and records the stage-tagged error.
// Artifacts already written are kept.
func (j *Job) Fail(failure *StageError, now time.Time) error {
	if err := j.Advance(StatusFailed, now); err != nil {
		return err
	}
	j.ErrorMessage = failure.Error()
	j.FailedStage = failure.Stage
	j.ErrorKind = failure.Kind
	return nil
}

// ClaimUpload marks the upload stage as taken by one publish handler
func (j *Job) ClaimUpload(now time.Time) error {
	if j.Status != StatusUploading || j.UploadStartedAt != nil {
		return fmt.Errorf("%w: upload already claimed or job not uploading", ErrTransitionConflict)
	}
	j.UploadStartedAt = &now
	j.UpdatedAt = now
	return nil
}

// ResetForRetry clears the error and the bookkeeping of the resumed stage
// and every later stage.
func (j *Job) ResetForRetry(stage Stage) {
	j.ErrorMessage = ""
	j.FailedStage = ""
	j.ErrorKind = ""
	j.Progress = Progress{}

	switch stage {
	case StageGenerating:
		j.GenerationStartedAt, j.GenerationEndedAt = nil, nil
		fallthrough
	case StageRendering:
		j.RenderStartedAt, j.RenderEndedAt = nil, nil
		fallthrough
	case StageUploading:
		j.UploadStartedAt, j.UploadEndedAt = nil, nil
	}
}

// UsageRecord is the write-once cost of one generation attempt
type UsageRecord struct {
	ID        string
	OwnerID   string
	JobID     string
	Tokens    int
	Cost      float64
	CreatedAt time.Time
}

package domain

import "time"

// Message types carried in the AMQP type property
const (
	TaskGeneration  = "task.generation"
	TaskRender      = "task.render"
	TaskUpload      = "task.upload"
	EventRender     = "event.render"
	EventQuotaAlert = "event.quota_alert"
)

// GenerationTask starts the generation stage
type GenerationTask struct {
	JobID                 string `json:"job_id"`
	Prompt                string `json:"prompt"`
	TargetDurationSeconds int    `json:"target_duration_seconds"`
	Tone                  Tone   `json:"tone"`
}

// RenderTask is consumed by the external render engine
type RenderTask struct {
	JobID      string    `json:"job_id"`
	Script     string    `json:"script"`
	Captions   []Caption `json:"captions"`
	SRT        string    `json:"srt"`
	Metadata   Metadata  `json:"metadata"`
	TemplateID string    `json:"template_id,omitempty"`
}

// UploadTask starts the publishing stage
type UploadTask struct {
	JobID         string     `json:"job_id"`
	ChannelID     string     `json:"channel_id"`
	PrivacyStatus Privacy    `json:"privacy_status"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
}

// RenderEventKind is the kind of callback sent by the render engine
type RenderEventKind string

const (
	RenderProgress RenderEventKind = "progress"
	RenderComplete RenderEventKind = "complete"
	RenderFail     RenderEventKind = "fail"
)

// RenderEvent is a callback from the render engine
type RenderEvent struct {
	JobID           string          `json:"job_id"`
	Stage           Stage           `json:"stage,omitempty"`
	Event           RenderEventKind `json:"event"`
	Fraction        float64         `json:"fraction,omitempty"`
	Message         string          `json:"message,omitempty"`
	MediaRef        string          `json:"media_ref,omitempty"`
	DurationSeconds float64         `json:"duration_seconds,omitempty"`
	Error           string          `json:"error,omitempty"`
}

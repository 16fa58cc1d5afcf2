package dto

import "time"

type CreateJobRequest struct {
	Prompt                string     `json:"prompt" binding:"required"`
	TemplateID            string     `json:"template_id"`
	TargetDurationSeconds int        `json:"target_duration_seconds" binding:"required"`
	Tone                  string     `json:"tone"`
	PublishChannelID      string     `json:"publish_channel_id"`
	PublishPrivacy        string     `json:"publish_privacy"`
	PublishAt             *time.Time `json:"publish_at"`
}

type CreateJobResponse struct {
	Job   JobDTO   `json:"job"`
	Quota QuotaDTO `json:"quota"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type CaptionDTO struct {
	Text    string `json:"text"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
}

type MetadataDTO struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

type PublishDTO struct {
	ChannelID string `json:"channel_id"`
	Privacy   string `json:"privacy_status"`
	PublishAt string `json:"publish_at,omitempty"`
}

type ProgressDTO struct {
	Fraction float64 `json:"fraction"`
	Message  string  `json:"message,omitempty"`
}

type JobErrorDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
}

type JobDTO struct {
	JobID                   string       `json:"job_id"`
	OwnerID                 string       `json:"owner_id"`
	Prompt                  string       `json:"prompt"`
	Tone                    string       `json:"tone"`
	TemplateID              string       `json:"template_id,omitempty"`
	TargetDurationSeconds   int          `json:"target_duration_seconds"`
	Status                  string       `json:"status"`
	Progress                ProgressDTO  `json:"progress"`
	Script                  string       `json:"script,omitempty"`
	Captions                []CaptionDTO `json:"captions,omitempty"`
	CaptionsDropped         int          `json:"captions_dropped,omitempty"`
	Metadata                *MetadataDTO `json:"metadata,omitempty"`
	MediaRef                string       `json:"media_ref,omitempty"`
	ObservedDurationSeconds *float64     `json:"observed_duration_seconds,omitempty"`
	PlatformVideoID         string       `json:"platform_video_id,omitempty"`
	Publish                 *PublishDTO  `json:"publish,omitempty"`
	Error                   *JobErrorDTO `json:"error,omitempty"`
	RetryCount              int          `json:"retry_count"`
	CreatedAt               string       `json:"created_at"`
	UpdatedAt               string       `json:"updated_at"`
}

type DownloadResponse struct {
	JobID       string `json:"job_id"`
	DownloadURL string `json:"download_url"`
}

type QuotaDTO struct {
	Plan         string  `json:"plan"`
	Limit        int     `json:"limit"`
	Used         int     `json:"used"`
	Remaining    int     `json:"remaining"`
	ResetAt      string  `json:"reset_at"`
	UsagePercent float64 `json:"usage_percent"`
	Approaching  bool    `json:"approaching"`
	Exhausted    bool    `json:"exhausted"`
}

type UsageDTO struct {
	Generations int     `json:"generations"`
	Tokens      int64   `json:"tokens"`
	Cost        float64 `json:"cost"`
}

type QuotaResponse struct {
	Quota QuotaDTO `json:"quota"`
	Usage UsageDTO `json:"usage"`
}

type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

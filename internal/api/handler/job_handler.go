package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/clipforge/internal/api/dto"
	"github.com/cuongbtq/clipforge/internal/domain"
	"github.com/cuongbtq/clipforge/internal/orchestrator"
	"github.com/cuongbtq/clipforge/internal/quota"
	"github.com/cuongbtq/clipforge/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Admits a new job against the owner's quota and queues its generation
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		AbortWithError(c, http.StatusBadRequest, CodeValidation, "invalid request body: "+err.Error(), nil)
		return
	}

	create := orchestrator.CreateRequest{
		OwnerID:               ownerID(c),
		Prompt:                req.Prompt,
		TemplateID:            req.TemplateID,
		TargetDurationSeconds: req.TargetDurationSeconds,
		Tone:                  req.Tone,
	}
	if req.PublishChannelID != "" {
		create.Publish = &orchestrator.PublishInput{
			ChannelID: req.PublishChannelID,
			Privacy:   req.PublishPrivacy,
			PublishAt: req.PublishAt,
		}
	}

	job, adm, err := h.jobs.Create(c.Request.Context(), create)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("owner_id", job.OwnerID),
		slog.String("status", string(job.Status)),
		slog.Int("quota_remaining", adm.Remaining),
	)

	c.JSON(http.StatusCreated, dto.CreateJobResponse{
		Job:   toJobDTO(job),
		Quota: toQuotaDTO(adm),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.jobs.Get(c.Request.Context(), jobID, ownerID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists the owner's jobs newest first with optional status filter
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, CodeValidation, "invalid query parameters: "+err.Error(), nil)
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	filter := storage.JobFilter{PageSize: req.PageSize}

	if req.Status != "" {
		status, err := domain.ParseStatus(req.Status)
		if err != nil {
			h.writeError(c, err)
			return
		}
		filter.Status = status
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		AbortWithError(c, http.StatusBadRequest, CodeValidation, "invalid cursor", map[string]any{"field": "cursor"})
		return
	}
	filter.Cursor = cursor

	jobs, err := h.jobs.List(c.Request.Context(), ownerID(c), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = toJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
// Resumes a failed job from the stage that failed
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.jobs.Retry(c.Request.Context(), jobID, ownerID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.logger.Info("Job retried",
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
		slog.Int("retry_count", job.RetryCount),
	)

	c.JSON(http.StatusAccepted, toJobDTO(job))
}

// DownloadJob handles GET /api/v1/jobs/:job_id/download
// Returns the location of the rendered media
func (h *JobHandler) DownloadJob(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}

	ref, err := h.jobs.DownloadRef(c.Request.Context(), jobID, ownerID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.DownloadResponse{JobID: jobID, DownloadURL: ref})
}

// GetQuota handles GET /api/v1/quota
// Reports the owner's standing in the current quota window
func (h *JobHandler) GetQuota(c *gin.Context) {
	report, err := h.jobs.Usage(c.Request.Context(), ownerID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.QuotaResponse{
		Quota: toQuotaDTO(report.Admission),
		Usage: dto.UsageDTO{
			Generations: report.Usage.Records,
			Tokens:      report.Usage.Tokens,
			Cost:        report.Usage.Cost,
		},
	})
}

func jobIDParam(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		AbortWithError(c, http.StatusBadRequest, CodeValidation, "job_id must be a valid UUID", map[string]any{"field": "job_id"})
		return "", false
	}
	return jobID, true
}

func toJobDTO(job *domain.Job) dto.JobDTO {
	out := dto.JobDTO{
		JobID:                   job.ID,
		OwnerID:                 job.OwnerID,
		Prompt:                  job.Prompt,
		Tone:                    string(job.Tone),
		TemplateID:              job.TemplateID,
		TargetDurationSeconds:   job.TargetDurationSeconds,
		Status:                  string(job.Status),
		Progress:                dto.ProgressDTO{Fraction: job.Progress.Fraction, Message: job.Progress.Message},
		Script:                  job.Script,
		CaptionsDropped:         job.CaptionsDropped,
		MediaRef:                job.MediaRef,
		ObservedDurationSeconds: job.ObservedDurationSeconds,
		PlatformVideoID:         job.PlatformVideoID,
		RetryCount:              job.RetryCount,
		CreatedAt:               job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:               job.UpdatedAt.UTC().Format(time.RFC3339),
	}

	if len(job.Captions) > 0 {
		out.Captions = make([]dto.CaptionDTO, len(job.Captions))
		for i, caption := range job.Captions {
			out.Captions[i] = dto.CaptionDTO{Text: caption.Text, StartMs: caption.StartMs, EndMs: caption.EndMs}
		}
	}

	if job.Metadata != nil {
		out.Metadata = &dto.MetadataDTO{
			Title:       job.Metadata.Title,
			Description: job.Metadata.Description,
			Tags:        job.Metadata.Tags,
		}
	}

	if job.Publish != nil {
		out.Publish = &dto.PublishDTO{
			ChannelID: job.Publish.ChannelID,
			Privacy:   string(job.Publish.Privacy),
		}
		if job.Publish.PublishAt != nil {
			out.Publish.PublishAt = job.Publish.PublishAt.UTC().Format(time.RFC3339)
		}
	}

	if job.Status == domain.StatusFailed {
		out.Error = &dto.JobErrorDTO{
			Code:    stageErrorCode(job.ErrorKind),
			Message: job.ErrorMessage,
			Stage:   string(job.FailedStage),
			Kind:    string(job.ErrorKind),
		}
	}

	return out
}

func toQuotaDTO(adm quota.Admission) dto.QuotaDTO {
	return dto.QuotaDTO{
		Plan:         string(adm.Plan),
		Limit:        adm.Limit,
		Used:         adm.Used,
		Remaining:    adm.Remaining,
		ResetAt:      adm.ResetAt.UTC().Format(time.RFC3339),
		UsagePercent: adm.UsagePercent,
		Approaching:  adm.Approaching,
		Exhausted:    adm.Exhausted,
	}
}

package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/clipforge/internal/domain"
	"github.com/cuongbtq/clipforge/internal/orchestrator"
	"github.com/cuongbtq/clipforge/internal/quota"
	"github.com/cuongbtq/clipforge/internal/storage"
	"github.com/gin-gonic/gin"
)

// OwnerKey is the gin context key holding the authenticated owner id
const OwnerKey = "owner_id"

// JobService is the job surface exposed over HTTP
type JobService interface {
	Create(ctx context.Context, req orchestrator.CreateRequest) (*domain.Job, quota.Admission, error)
	Get(ctx context.Context, jobID, ownerID string) (*domain.Job, error)
	List(ctx context.Context, ownerID string, filter storage.JobFilter) ([]domain.Job, error)
	Retry(ctx context.Context, jobID, ownerID string) (*domain.Job, error)
	DownloadRef(ctx context.Context, jobID, ownerID string) (string, error)
	Usage(ctx context.Context, ownerID string) (orchestrator.UsageReport, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Jobs        JobService
	HealthCheck func(ctx context.Context) error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

func ownerID(c *gin.Context) string {
	return c.GetString(OwnerKey)
}

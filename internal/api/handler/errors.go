package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/clipforge/internal/api/dto"
	"github.com/cuongbtq/clipforge/internal/domain"
	"github.com/gin-gonic/gin"
)

// Error codes returned in the error envelope
const (
	CodeValidation    = "VALIDATION_ERROR"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeNotFound      = "RESOURCE_NOT_FOUND"
	CodeQuotaExceeded = "QUOTA_EXCEEDED"
	CodeInvalidState  = "INVALID_STATE"
	CodeRetryLimit    = "RETRY_LIMIT_EXCEEDED"
	CodeNoMedia       = "NO_MEDIA"
	CodeInternal      = "INTERNAL_ERROR"

	// Codes reported on failed jobs
	CodeAuthExpired   = "AUTH_EXPIRED"
	CodeProviderQuota = "PROVIDER_QUOTA_EXCEEDED"
	CodeProvider      = "PROVIDER_ERROR"
	CodeStageTimeout  = "STAGE_TIMEOUT"
	CodeDispatch      = "DISPATCH_FAILED"
)

// stageErrorCode names the failure kind recorded on a job
func stageErrorCode(kind domain.ErrorKind) string {
	switch kind {
	case domain.KindValidation:
		return CodeValidation
	case domain.KindAuthExpired:
		return CodeAuthExpired
	case domain.KindProviderQuota:
		return CodeProviderQuota
	case domain.KindProvider:
		return CodeProvider
	case domain.KindTimeout:
		return CodeStageTimeout
	case domain.KindDispatch:
		return CodeDispatch
	default:
		return CodeInternal
	}
}

// AbortWithError writes the error envelope and stops the handler chain
func AbortWithError(c *gin.Context, status int, code, message string, details map[string]any) {
	c.AbortWithStatusJSON(status, dto.ErrorResponse{
		Error: dto.ErrorBody{Code: code, Message: message, Details: details},
	})
}

// writeError maps a service error onto its HTTP status and code
func (h *JobHandler) writeError(c *gin.Context, err error) {
	var (
		validation *domain.ValidationError
		quota      *domain.QuotaExceededError
		retryLimit *domain.RetryLimitError
	)

	switch {
	case errors.As(err, &quota):
		AbortWithError(c, http.StatusTooManyRequests, CodeQuotaExceeded, quota.Error(), map[string]any{
			"plan":      string(quota.Plan),
			"limit":     quota.Limit,
			"used":      quota.Used,
			"remaining": quota.Remaining,
			"reset_at":  quota.ResetAt.UTC().Format(time.RFC3339),
		})

	case errors.As(err, &validation):
		var details map[string]any
		if validation.Field != "" {
			details = map[string]any{"field": validation.Field}
		}
		AbortWithError(c, http.StatusBadRequest, CodeValidation, validation.Error(), details)

	case errors.Is(err, domain.ErrValidation):
		AbortWithError(c, http.StatusBadRequest, CodeValidation, err.Error(), nil)

	case errors.As(err, &retryLimit):
		AbortWithError(c, http.StatusBadRequest, CodeRetryLimit, retryLimit.Error(), map[string]any{
			"retry_count": retryLimit.RetryCount,
			"max_retries": retryLimit.MaxRetries,
		})

	case errors.Is(err, domain.ErrNotFound):
		AbortWithError(c, http.StatusNotFound, CodeNotFound, "job not found", nil)

	case errors.Is(err, domain.ErrWrongState):
		AbortWithError(c, http.StatusBadRequest, CodeInvalidState, err.Error(), nil)

	case errors.Is(err, domain.ErrNoMedia):
		AbortWithError(c, http.StatusBadRequest, CodeNoMedia, err.Error(), nil)

	default:
		h.logger.Error("Request failed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Any("error", err),
		)
		AbortWithError(c, http.StatusInternalServerError, CodeInternal, "internal server error", nil)
	}
}

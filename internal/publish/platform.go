package publish

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cuongbtq/clipforge/internal/domain"
)

// UploadMetadata is the bounded snippet and status sent with an upload
type UploadMetadata struct {
	Title       string
	Description string
	Tags        []string
	Privacy     domain.Privacy
	PublishAt   *time.Time
}

// ChunkResult is the platform's view of a resumable session
type ChunkResult struct {
	// Committed is the number of bytes the platform has persisted.
	Committed int64
	Done      bool
	VideoID   string
}

// Platform is a resumable video upload API
type Platform interface {
	StartUpload(ctx context.Context, token string, meta UploadMetadata, size int64) (sessionURL string, err error)
	UploadChunk(ctx context.Context, token, sessionURL string, chunk []byte, offset, total int64) (ChunkResult, error)
	QueryOffset(ctx context.Context, token, sessionURL string, total int64) (ChunkResult, error)
}

// PlatformError is a non-success response from the platform
type PlatformError struct {
	StatusCode int
	Reason     string
	Message    string
}

func (e *PlatformError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("platform http %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("platform http %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the response onto the stage error taxonomy
func (e *PlatformError) Unwrap() error {
	switch {
	case e.quota():
		return domain.ErrProviderQuotaExceeded
	case e.StatusCode == http.StatusUnauthorized:
		return domain.ErrAuthExpired
	default:
		return domain.ErrProvider
	}
}

// Retryable reports whether the chunk may be resent after re-syncing.
// Quota responses are never retried, whatever their status.
func (e *PlatformError) Retryable() bool {
	if e.quota() {
		return false
	}
	switch e.StatusCode {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (e *PlatformError) quota() bool {
	switch e.Reason {
	case "quotaExceeded", "dailyLimitExceeded", "uploadLimitExceeded", "rateLimitExceeded", "userRateLimitExceeded":
		return true
	}
	return false
}

package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation marks bad input rejected before any state change
	ErrValidation = errors.New("validation error")

	// ErrNotFound is returned when a job is missing or belongs to another owner
	ErrNotFound = errors.New("resource not found")

	// ErrWrongState is returned when an operation does not apply to the job's status
	ErrWrongState = errors.New("job is not in a valid state for this operation")

	// ErrRetryLimit is returned when the job has used every retry
	ErrRetryLimit = errors.New("retry limit reached")

	// ErrNoMedia is returned when a download is requested before rendering finished
	ErrNoMedia = errors.New("job has no rendered media")

	// ErrTransitionConflict is returned when the conditional update matched no row
	ErrTransitionConflict = errors.New("job changed concurrently")

	// ErrInvalidTransition is returned for an edge outside the state graph
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrProvider marks a failure reported by an external capability
	ErrProvider = errors.New("provider error")

	// ErrProviderQuotaExceeded marks an external rate limit that must not be retried
	ErrProviderQuotaExceeded = errors.New("provider quota exceeded")

	// ErrAuthExpired marks a channel that needs to be reconnected by its owner
	ErrAuthExpired = errors.New("channel authorization expired")

	// ErrDispatch marks a stage task that could not be enqueued
	ErrDispatch = errors.New("task dispatch failed")
)

// ValidationError describes one rejected input field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// QuotaExceededError is returned when admission is denied
type QuotaExceededError struct {
	Plan      Plan
	Limit     int
	Used      int
	Remaining int
	ResetAt   time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("monthly job quota exceeded for %s plan: %d of %d used, resets at %s",
		e.Plan, e.Used, e.Limit, e.ResetAt.Format(time.RFC3339))
}

// RetryLimitError carries the counters behind ErrRetryLimit
type RetryLimitError struct {
	RetryCount int
	MaxRetries int
}

func (e *RetryLimitError) Error() string {
	return fmt.Sprintf("%s: %d of %d retries used", ErrRetryLimit, e.RetryCount, e.MaxRetries)
}

func (e *RetryLimitError) Unwrap() error {
	return ErrRetryLimit
}

// ErrorKind classifies a stage failure
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindProvider      ErrorKind = "provider"
	KindProviderQuota ErrorKind = "provider_quota"
	KindAuthExpired   ErrorKind = "auth_expired"
	KindTimeout       ErrorKind = "timeout"
	KindDispatch      ErrorKind = "dispatch"
	KindInternal      ErrorKind = "internal"
)

// StageError is a failure for the current attempt of one stage
type StageError struct {
	Stage   Stage
	Kind    ErrorKind
	Message string
	Err     error
}

// NewStageError creates a new stage error
func NewStageError(stage Stage, kind ErrorKind, message string, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Message: message, Err: err}
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ClassifyStageError maps any error raised inside a stage to a StageError.
// Unrecognised errors become KindInternal.
func ClassifyStageError(stage Stage, err error) *StageError {
	if err == nil {
		return nil
	}

	var se *StageError
	if errors.As(err, &se) {
		if se.Stage == "" {
			se.Stage = stage
		}
		return se
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewStageError(stage, KindTimeout, "stage exceeded its time limit", err)
	case errors.Is(err, ErrValidation):
		return NewStageError(stage, KindValidation, "invalid input", err)
	case errors.Is(err, ErrProviderQuotaExceeded):
		return NewStageError(stage, KindProviderQuota, "provider quota exceeded, try again later", err)
	case errors.Is(err, ErrAuthExpired):
		return NewStageError(stage, KindAuthExpired, "channel must be reconnected", err)
	case errors.Is(err, ErrDispatch):
		return NewStageError(stage, KindDispatch, "could not enqueue stage task", err)
	case errors.Is(err, ErrProvider):
		return NewStageError(stage, KindProvider, "external service failed", err)
	default:
		return NewStageError(stage, KindInternal, "unexpected error", err)
	}
}

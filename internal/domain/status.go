package domain

import "fmt"

// Status is the lifecycle state of a Job
type Status string

const (
	StatusQueued     Status = "queued"
	StatusGenerating Status = "generating"
	StatusRendering  Status = "rendering"
	StatusUploading  Status = "uploading"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// transitions is the complete edge set of the job state graph.
// Edges out of failed are the retry resume points.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusGenerating},
	StatusGenerating: {StatusRendering, StatusFailed},
	StatusRendering:  {StatusUploading, StatusDone, StatusFailed},
	StatusUploading:  {StatusDone, StatusFailed},
	StatusFailed:     {StatusQueued, StatusRendering, StatusUploading},
}

// AllStatuses lists every status in pipeline order
func AllStatuses() []Status {
	return []Status{StatusQueued, StatusGenerating, StatusRendering, StatusUploading, StatusDone, StatusFailed}
}

// ParseStatus validates a raw status value
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", NewValidationError("status", fmt.Sprintf("unknown status %q", raw))
	}
	return s, nil
}

// Valid reports whether s is one of the six known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusGenerating, StatusRendering, StatusUploading, StatusDone, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> next is an edge of the graph
func (s Status) CanTransitionTo(next Status) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no stage will move the job without a retry
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Stage is one of the three externally delegated pipeline steps
type Stage string

const (
	StageGenerating Stage = "generating"
	StageRendering  Stage = "rendering"
	StageUploading  Stage = "uploading"
)

// EntryStatus is the status a retry sets when resuming at the stage
func (s Stage) EntryStatus() Status {
	switch s {
	case StageGenerating:
		return StatusQueued
	case StageRendering:
		return StatusRendering
	default:
		return StatusUploading
	}
}

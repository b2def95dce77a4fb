package models

import (
	"encoding/json"
	"time"
)

// Status is a job lifecycle state persisted in the job record store.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Rank orders statuses along the lifecycle. All terminal states share the
// highest rank.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusQueued:
		return 1
	case StatusProcessing:
		return 2
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 3
	}
	return -1
}

// Payload holds the caller-owned generation parameters. The queue never
// mutates it.
type Payload struct {
	Narrative string         `json:"narrative,omitempty"`
	Duration  int            `json:"duration,omitempty"`
	Model     string         `json:"model,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// Progress is the last known progress snapshot of a job.
type Progress struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message,omitempty"`
}

// JobError describes why a job failed.
type JobError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *JobError) Error() string {
	return e.Code + ": " + e.Message
}

// Error codes recorded on failed jobs.
const (
	ErrCodeQueueFull               = "queue_full"
	ErrCodeCollaboratorUnreachable = "collaborator_unreachable"
	ErrCodeCollaboratorTimeout     = "collaborator_timeout"
	ErrCodeCollaborator            = "collaborator_error"
	ErrCodeArtifactWrite           = "artifact_write_failed"
	ErrCodeInternal                = "internal_error"
	ErrCodeReported                = "reported_failure"
)

// Job is one generation request and its tracked lifecycle.
type Job struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId,omitempty"`
	Status         Status          `json:"status"`
	RequestID      string          `json:"requestId"`
	Payload        Payload         `json:"payload"`
	Progress       *Progress       `json:"progress,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *JobError       `json:"error,omitempty"`
	IdempotencyKey *string         `json:"idempotencyKey,omitempty"`
	RetryOf        *string         `json:"retryOf,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Entry is an immutable dispatch queue record. Redelivered is set when the
// entry was transferred from another consumer after a claim timeout.
type Entry struct {
	ID          string          `json:"id"`
	JobID       string          `json:"jobId"`
	Payload     json.RawMessage `json:"payload"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	Redelivered bool            `json:"redelivered,omitempty"`
}

// Result is the completed-job payload stored in Job.Result.
type Result struct {
	ArtifactURL     string         `json:"artifactUrl"`
	ArtworkURL      string         `json:"artworkUrl,omitempty"`
	ThumbnailURL    string         `json:"thumbnailUrl,omitempty"`
	Format          string         `json:"format,omitempty"`
	DurationSeconds float64        `json:"durationSeconds,omitempty"`
	Title           string         `json:"title,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"generation-orchestrator/internal/models"
)

// ErrNotFound is returned when no job record exists for an id.
var ErrNotFound = errors.New("job not found")

// Store is the durable job record store. Transition is the only way status,
// result, error and timestamps change after creation.
type Store interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, userID string, limit int) ([]models.Job, error)
	Transition(ctx context.Context, t Transition) (models.Job, TransitionResult, error)
	// ReleaseIdempotencyKey unbinds key if it still points at jobID, so a
	// retry of a submission that never reached the queue creates a new job.
	ReleaseIdempotencyKey(ctx context.Context, key, jobID string) error
	Ping(ctx context.Context) error
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	UserID         string
	RequestID      string
	Payload        models.Payload
	IdempotencyKey string
	IdempotencyTTL time.Duration
	RetryOf        string
}

// Transition is a conditional update: it applies only when the job's current
// status is one of From. An empty To keeps the current status. A non-empty
// RequestID is recorded together with Event so the same report is applied at
// most once.
type Transition struct {
	JobID     string
	RequestID string
	Event     string
	From      []models.Status
	To        models.Status
	Progress  *models.Progress
	Result    json.RawMessage
	Error     *models.JobError
	At        time.Time
}

// TransitionResult tells the caller what happened to a Transition.
type TransitionResult int

const (
	// Applied means the record was updated.
	Applied TransitionResult = iota
	// Duplicate means the request id was already applied to this job.
	Duplicate
	// Rejected means the current status is not in From.
	Rejected
)

func (r TransitionResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func statusIn(s models.Status, set []models.Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/queue"
	"generation-orchestrator/internal/store"
	"generation-orchestrator/internal/telemetry"
)

var (
	// ErrInvalidTransition marks an event the state machine does not accept
	// from the job's current status. Apply logs and suppresses it.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotRetryable is returned by Resubmit for jobs that did not fail or
	// get cancelled.
	ErrNotRetryable = errors.New("job is not in a retryable state")
)

// EventType names a lifecycle event.
type EventType string

const (
	EventQueued     EventType = "queued"
	EventProcessing EventType = "processing"
	EventProgress   EventType = "progress"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventCancelled  EventType = "cancelled"
)

// Event is one input to the state machine.
type Event struct {
	Type     EventType
	Progress *models.Progress
	Result   json.RawMessage
	Error    *models.JobError
	// Redelivered allows a claim to re-take a processing job after the
	// previous consumer stopped acking.
	Redelivered bool
	At          time.Time
}

// Outcome is the result of Apply. Applied is false for duplicates and for
// events the current status does not accept.
type Outcome struct {
	Job     models.Job
	Status  models.Status
	Applied bool
}

// Publisher receives one event per applied transition.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

var nonTerminal = []models.Status{models.StatusPending, models.StatusQueued, models.StatusProcessing}

// rule returns the statuses ev may leave from and the status it moves to.
// An empty target keeps the current status.
func rule(ev Event) ([]models.Status, models.Status, error) {
	switch ev.Type {
	case EventQueued:
		return []models.Status{models.StatusPending}, models.StatusQueued, nil
	case EventProcessing:
		if ev.Redelivered {
			return []models.Status{models.StatusQueued, models.StatusProcessing}, models.StatusProcessing, nil
		}
		return []models.Status{models.StatusQueued}, models.StatusProcessing, nil
	case EventProgress:
		if ev.Progress == nil {
			return nil, "", fmt.Errorf("%w: progress event without progress", ErrInvalidTransition)
		}
		return nonTerminal, "", nil
	case EventCompleted:
		return []models.Status{models.StatusProcessing}, models.StatusCompleted, nil
	case EventFailed:
		if ev.Error == nil {
			return nil, "", fmt.Errorf("%w: failed event without error", ErrInvalidTransition)
		}
		return []models.Status{models.StatusProcessing}, models.StatusFailed, nil
	case EventCancelled:
		return nonTerminal, models.StatusCancelled, nil
	}
	return nil, "", fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev.Type)
}

// Manager is the single writer of job status. Every change goes through the
// store's conditional transition, so concurrent reports for one job are
// totally ordered and never regress.
type Manager struct {
	store          store.Store
	queue          queue.Queue
	publisher      Publisher
	logger         zerolog.Logger
	ttl            time.Duration
	enqueueTimeout time.Duration
}

// NewManager wires the store, the dispatch queue used by Submit and the
// relay publisher. q may be nil for processes that never submit.
func NewManager(st store.Store, q queue.Queue, pub Publisher, logger zerolog.Logger) *Manager {
	return &Manager{
		store:     st,
		queue:     q,
		publisher: pub,
		logger:    logger.With().Str("component", "lifecycle").Logger(),
		ttl:       24 * time.Hour,
	}
}

// SetIdempotencyTTL controls how long Idempotency-Key values map to a job.
func (m *Manager) SetIdempotencyTTL(ttl time.Duration) {
	if ttl > 0 {
		m.ttl = ttl
	}
}

// SetEnqueueTimeout bounds each dispatch queue append made by Submit.
func (m *Manager) SetEnqueueTimeout(d time.Duration) {
	m.enqueueTimeout = d
}

// Apply runs ev against the job identified by jobID. requestID makes the
// event idempotent: the same (jobID, requestID, event) is applied once.
func (m *Manager) Apply(ctx context.Context, jobID, requestID string, ev Event) (Outcome, error) {
	from, to, err := rule(ev)
	if err != nil {
		telemetry.InvalidTransitions.Inc()
		m.logger.Debug().Err(err).Str("job_id", jobID).Str("event", string(ev.Type)).Msg("event suppressed")
		job, getErr := m.store.GetJob(ctx, jobID)
		if getErr != nil {
			return Outcome{}, getErr
		}
		return Outcome{Job: job, Status: job.Status}, nil
	}

	t := store.Transition{
		JobID:     jobID,
		RequestID: requestID,
		Event:     string(ev.Type),
		From:      from,
		To:        to,
		Progress:  ev.Progress,
		At:        ev.At,
	}
	switch ev.Type {
	case EventCompleted:
		t.Result = ev.Result
		if t.Result == nil {
			t.Result = json.RawMessage(`{}`)
		}
	case EventFailed:
		t.Error = ev.Error
	}

	job, res, err := m.store.Transition(ctx, t)
	if err != nil {
		return Outcome{}, fmt.Errorf("apply %s to job %s: %w", ev.Type, jobID, err)
	}
	out := Outcome{Job: job, Status: job.Status, Applied: res == store.Applied}

	switch res {
	case store.Duplicate:
		telemetry.DuplicateReports.Inc()
		m.logger.Debug().Str("job_id", jobID).Str("request_id", requestID).Str("event", string(ev.Type)).Msg("duplicate event suppressed")
		return out, nil
	case store.Rejected:
		telemetry.InvalidTransitions.Inc()
		m.logger.Debug().Err(ErrInvalidTransition).Str("job_id", jobID).Str("event", string(ev.Type)).
			Str("status", string(job.Status)).Msg("event suppressed")
		return out, nil
	}

	m.logger.Info().Str("job_id", jobID).Str("event", string(ev.Type)).Str("status", string(job.Status)).Msg("job transition")
	m.record(job)
	m.publish(ctx, job, ev.Type)
	return out, nil
}

func (m *Manager) record(job models.Job) {
	switch job.Status {
	case models.StatusCompleted:
		telemetry.JobsCompleted.Inc()
	case models.StatusFailed:
		code := models.ErrCodeInternal
		if job.Error != nil && job.Error.Code != "" {
			code = job.Error.Code
		}
		telemetry.JobsFailed.WithLabelValues(code).Inc()
	case models.StatusCancelled:
		telemetry.JobsCancelled.Inc()
	}
}

func (m *Manager) publish(ctx context.Context, job models.Job, typ EventType) {
	if m.publisher == nil {
		return
	}
	var ev models.Event
	switch typ {
	case EventProgress:
		ev = models.ProgressEvent(job)
	case EventCompleted:
		ev = models.CompletedEvent(job)
	case EventFailed:
		ev = models.FailedEvent(job)
	default:
		ev = models.StatusEvent(job)
	}
	if err := m.publisher.Publish(ctx, ev); err != nil {
		m.logger.Warn().Err(err).Str("job_id", job.ID).Str("event", string(ev.Name)).Msg("relay publish failed")
	}
}

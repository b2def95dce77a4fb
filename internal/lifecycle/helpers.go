package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/queue"
	"generation-orchestrator/internal/store"
	"generation-orchestrator/internal/telemetry"
)

// Submit creates a pending job, appends it to the dispatch queue and marks it
// queued. A job whose append fails is cancelled so it never lingers as
// pending, and its idempotency key is released so the client can retry with
// it. The append error is returned and wraps queue.ErrQueueFull when the
// queue is at capacity. The boolean reports an idempotent replay.
func (m *Manager) Submit(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error) {
	if m.queue == nil {
		return models.Job{}, false, errors.New("lifecycle manager has no dispatch queue")
	}
	if p.IdempotencyTTL == 0 {
		p.IdempotencyTTL = m.ttl
	}
	job, existed, err := m.store.CreateJob(ctx, p)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("create job: %w", err)
	}
	if existed {
		return job, true, nil
	}

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return job, false, fmt.Errorf("marshal payload: %w", err)
	}
	if _, err := m.enqueue(ctx, job.ID, payload); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			telemetry.QueueFullRejects.Inc()
		}
		out, cerr := m.Apply(ctx, job.ID, job.RequestID, Event{Type: EventCancelled})
		if cerr != nil {
			m.logger.Error().Err(cerr).Str("job_id", job.ID).Msg("cancel unqueued job")
		} else {
			job = out.Job
		}
		if p.IdempotencyKey != "" {
			if rerr := m.store.ReleaseIdempotencyKey(ctx, p.IdempotencyKey, job.ID); rerr != nil {
				m.logger.Error().Err(rerr).Str("job_id", job.ID).Msg("release idempotency key")
			}
		}
		return job, false, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	telemetry.JobsEnqueued.Inc()

	out, err := m.Apply(ctx, job.ID, job.RequestID, Event{Type: EventQueued})
	if err != nil {
		// The entry is durable; the claiming worker promotes the record.
		m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("mark queued failed")
		return job, false, nil
	}
	return out.Job, false, nil
}

func (m *Manager) enqueue(ctx context.Context, jobID string, payload []byte) (string, error) {
	if m.enqueueTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.enqueueTimeout)
		defer cancel()
	}
	return m.queue.Enqueue(ctx, jobID, payload)
}

// Claim moves a job to processing for a worker. When the record is still
// pending because the submitter has not marked it queued yet, the queued
// transition is applied first.
func (m *Manager) Claim(ctx context.Context, jobID, requestID string, redelivered bool) (Outcome, error) {
	ev := Event{Type: EventProcessing, Redelivered: redelivered}
	out, err := m.Apply(ctx, jobID, requestID, ev)
	if err != nil || out.Applied || out.Status != models.StatusPending {
		return out, err
	}
	if _, err := m.Apply(ctx, jobID, requestID, Event{Type: EventQueued}); err != nil {
		return out, err
	}
	return m.Apply(ctx, jobID, requestID, ev)
}

// Progress records a progress snapshot on a non-terminal job.
func (m *Manager) Progress(ctx context.Context, jobID, requestID string, p models.Progress) (Outcome, error) {
	return m.Apply(ctx, jobID, requestID, Event{Type: EventProgress, Progress: &p})
}

// Complete stores result and moves a processing job to completed.
func (m *Manager) Complete(ctx context.Context, jobID, requestID string, result json.RawMessage) (Outcome, error) {
	return m.Apply(ctx, jobID, requestID, Event{Type: EventCompleted, Result: result})
}

// Fail moves a processing job to failed.
func (m *Manager) Fail(ctx context.Context, jobID, requestID string, jobErr models.JobError) (Outcome, error) {
	return m.Apply(ctx, jobID, requestID, Event{Type: EventFailed, Error: &jobErr})
}

// Cancel moves any non-terminal job to cancelled.
func (m *Manager) Cancel(ctx context.Context, jobID, requestID string) (Outcome, error) {
	return m.Apply(ctx, jobID, requestID, Event{Type: EventCancelled})
}

// Resubmit creates a fresh job with the payload of a failed or cancelled one.
// The original is left untouched; the new job records it in RetryOf.
func (m *Manager) Resubmit(ctx context.Context, jobID, requestID, idempotencyKey string) (models.Job, bool, error) {
	original, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, false, err
	}
	if original.Status != models.StatusFailed && original.Status != models.StatusCancelled {
		return original, false, fmt.Errorf("%w: status %s", ErrNotRetryable, original.Status)
	}
	return m.Submit(ctx, store.CreateJobParams{
		UserID:         original.UserID,
		RequestID:      requestID,
		Payload:        original.Payload,
		IdempotencyKey: idempotencyKey,
		RetryOf:        original.ID,
	})
}

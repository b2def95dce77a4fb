package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"generation-orchestrator/internal/models"
)

// Memory is an in-process Store with the same conditional-update semantics
// as Postgres. It is safe for concurrent use.
type Memory struct {
	mu          sync.Mutex
	jobs        map[string]*models.Job
	reports     map[string]struct{}
	idempotency map[string]idempotencyRecord
	now         func() time.Time
}

type idempotencyRecord struct {
	jobID     string
	expiresAt time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[string]*models.Job),
		reports:     make(map[string]struct{}),
		idempotency: make(map[string]idempotencyRecord),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if p.IdempotencyKey != "" {
		if rec, ok := m.idempotency[p.IdempotencyKey]; ok && rec.expiresAt.After(now) {
			if existing, ok := m.jobs[rec.jobID]; ok {
				return cloneJob(existing), true, nil
			}
		}
	}

	requestID := p.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	job := &models.Job{
		ID:             uuid.NewString(),
		UserID:         p.UserID,
		Status:         models.StatusPending,
		RequestID:      requestID,
		Payload:        p.Payload,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		RetryOf:        emptyToNil(p.RetryOf),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.jobs[job.ID] = job
	if p.IdempotencyKey != "" {
		m.idempotency[p.IdempotencyKey] = idempotencyRecord{jobID: job.ID, expiresAt: now.Add(p.IdempotencyTTL)}
	}
	return cloneJob(job), false, nil
}

func (m *Memory) ReleaseIdempotencyKey(_ context.Context, key, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.idempotency[key]; ok && rec.jobID == jobID {
		delete(m.idempotency, key)
	}
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *Memory) ListJobs(_ context.Context, userID string, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, 0)
	for _, job := range m.jobs {
		if job.UserID == userID {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Transition(_ context.Context, t Transition) (models.Job, TransitionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[t.JobID]
	if !ok {
		return models.Job{}, Rejected, ErrNotFound
	}
	reportKey := t.JobID + "\x00" + t.RequestID + "\x00" + t.Event
	if t.RequestID != "" {
		if _, seen := m.reports[reportKey]; seen {
			return cloneJob(job), Duplicate, nil
		}
	}
	if !statusIn(job.Status, t.From) {
		return cloneJob(job), Rejected, nil
	}

	at := t.At
	if at.IsZero() {
		at = m.now()
	}
	if t.To != "" {
		job.Status = t.To
	}
	if t.Progress != nil {
		p := *t.Progress
		job.Progress = &p
	}
	if t.Result != nil {
		job.Result = append([]byte(nil), t.Result...)
	}
	if t.Error != nil {
		e := *t.Error
		job.Error = &e
	}
	if t.To == models.StatusProcessing && job.StartedAt == nil {
		started := latest(at, job.CreatedAt)
		job.StartedAt = &started
	}
	if t.To.Terminal() && job.CompletedAt == nil {
		floor := job.CreatedAt
		if job.StartedAt != nil {
			floor = *job.StartedAt
		}
		completed := latest(at, floor)
		job.CompletedAt = &completed
	}
	job.UpdatedAt = at
	if t.RequestID != "" {
		m.reports[reportKey] = struct{}{}
	}
	return cloneJob(job), Applied, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func latest(a, b time.Time) time.Time {
	if a.Before(b) {
		return b
	}
	return a
}

func cloneJob(j *models.Job) models.Job {
	out := *j
	if j.Progress != nil {
		p := *j.Progress
		out.Progress = &p
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.Result != nil {
		out.Result = append([]byte(nil), j.Result...)
	}
	if j.StartedAt != nil {
		s := *j.StartedAt
		out.StartedAt = &s
	}
	if j.CompletedAt != nil {
		c := *j.CompletedAt
		out.CompletedAt = &c
	}
	return out
}

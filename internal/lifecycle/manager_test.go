package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/queue"
	"generation-orchestrator/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count(name models.EventName) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func newManager(t *testing.T, maxPending int) (*Manager, *store.Memory, *queue.MemoryQueue, *recordingPublisher) {
	t.Helper()
	st := store.NewMemory()
	q := queue.NewMemoryQueue("generators", maxPending)
	pub := &recordingPublisher{}
	return NewManager(st, q, pub, zerolog.Nop()), st, q, pub
}

func submit(t *testing.T, m *Manager) models.Job {
	t.Helper()
	job, _, err := m.Submit(context.Background(), store.CreateJobParams{UserID: "u1", Payload: models.Payload{Narrative: "rain", Duration: 45}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return job
}

func TestSubmitQueuesJob(t *testing.T) {
	m, _, q, pub := newManager(t, 10)
	job := submit(t, m)
	if job.Status != models.StatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}
	stats, _ := q.Stats(context.Background())
	if stats.Outstanding != 1 {
		t.Fatalf("expected one outstanding entry, got %d", stats.Outstanding)
	}
	if pub.count(models.EventStatus) != 1 {
		t.Fatalf("expected one job:status event, got %d", pub.count(models.EventStatus))
	}
}

func TestSubmitQueueFullCancelsRecord(t *testing.T) {
	m, st, _, _ := newManager(t, 1)
	submit(t, m)

	job, _, err := m.Submit(context.Background(), store.CreateJobParams{UserID: "u1"})
	if !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	got, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestDuplicateFailedReportPublishesOnce(t *testing.T) {
	ctx := context.Background()
	m, _, _, pub := newManager(t, 10)
	job := submit(t, m)
	if _, err := m.Claim(ctx, job.ID, "attempt-1", false); err != nil {
		t.Fatalf("claim: %v", err)
	}

	jobErr := models.JobError{Code: models.ErrCodeCollaboratorTimeout, Message: "timed out", Retryable: true}
	first, err := m.Fail(ctx, job.ID, "report-1", jobErr)
	if err != nil || !first.Applied {
		t.Fatalf("first fail: applied=%v err=%v", first.Applied, err)
	}
	second, err := m.Fail(ctx, job.ID, "report-1", jobErr)
	if err != nil {
		t.Fatalf("second fail: %v", err)
	}
	if second.Applied || second.Status != models.StatusFailed {
		t.Fatalf("expected no-op with status failed, got applied=%v status=%s", second.Applied, second.Status)
	}
	if n := pub.count(models.EventFailed); n != 1 {
		t.Fatalf("expected exactly one job:failed event, got %d", n)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	ctx := context.Background()
	m, _, _, pub := newManager(t, 10)
	job := submit(t, m)

	out, err := m.Cancel(ctx, job.ID, "cancel-1")
	if err != nil || !out.Applied || out.Status != models.StatusCancelled {
		t.Fatalf("cancel: %+v err=%v", out, err)
	}

	claim, err := m.Claim(ctx, job.ID, "attempt-1", false)
	if err != nil || claim.Applied {
		t.Fatalf("expected claim no-op, got applied=%v err=%v", claim.Applied, err)
	}
	done, err := m.Complete(ctx, job.ID, "attempt-1", json.RawMessage(`{"artifactUrl":"x"}`))
	if err != nil || done.Applied {
		t.Fatalf("expected complete no-op, got applied=%v err=%v", done.Applied, err)
	}
	if done.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", done.Status)
	}
	if done.Job.Result != nil {
		t.Fatalf("cancelled job must not carry a result")
	}
	if pub.count(models.EventCompleted) != 0 {
		t.Fatalf("unexpected job:completed event")
	}
}

func TestClaimPromotesPendingJob(t *testing.T) {
	ctx := context.Background()
	m, st, _, _ := newManager(t, 10)
	job, _, _ := st.CreateJob(ctx, store.CreateJobParams{UserID: "u1"})

	out, err := m.Claim(ctx, job.ID, "attempt-1", false)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !out.Applied || out.Status != models.StatusProcessing {
		t.Fatalf("expected processing, got %+v", out)
	}
	if out.Job.StartedAt == nil {
		t.Fatalf("expected startedAt to be set")
	}
}

func TestRedeliveredClaimRetakesProcessing(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newManager(t, 10)
	job := submit(t, m)
	first, _ := m.Claim(ctx, job.ID, "attempt-1", false)

	if out, _ := m.Claim(ctx, job.ID, "attempt-2", false); out.Applied {
		t.Fatalf("fresh claim on processing job must not apply")
	}
	out, err := m.Claim(ctx, job.ID, "attempt-2", true)
	if err != nil || !out.Applied {
		t.Fatalf("expected redelivered claim to apply, got applied=%v err=%v", out.Applied, err)
	}
	if !out.Job.StartedAt.Equal(*first.Job.StartedAt) {
		t.Fatalf("startedAt changed on redelivery")
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	events := []Event{
		{Type: EventQueued},
		{Type: EventProcessing},
		{Type: EventProcessing, Redelivered: true},
		{Type: EventProgress, Progress: &models.Progress{Current: 1, Total: 2, Percentage: 50}},
		{Type: EventCompleted, Result: json.RawMessage(`{"artifactUrl":"x"}`)},
		{Type: EventFailed, Error: &models.JobError{Code: models.ErrCodeInternal, Message: "boom"}},
		{Type: EventCancelled},
	}

	for run := 0; run < 50; run++ {
		m, st, _, _ := newManager(t, 10)
		job, _, _ := st.CreateJob(ctx, store.CreateJobParams{UserID: "u1"})
		prev := job.Status
		for step := 0; step < 12; step++ {
			ev := events[rng.Intn(len(events))]
			out, err := m.Apply(ctx, job.ID, "r", ev)
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if out.Status.Rank() < prev.Rank() {
				t.Fatalf("status regressed from %s to %s", prev, out.Status)
			}
			if prev.Terminal() && out.Status != prev {
				t.Fatalf("left terminal status %s for %s", prev, out.Status)
			}
			if out.Job.Result != nil && out.Job.Error != nil {
				t.Fatalf("job carries both result and error")
			}
			prev = out.Status
		}
	}
}

func TestProgressIgnoredOnTerminalJob(t *testing.T) {
	ctx := context.Background()
	m, _, _, pub := newManager(t, 10)
	job := submit(t, m)
	if _, err := m.Cancel(ctx, job.ID, "c"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	out, err := m.Progress(ctx, job.ID, "p", models.Progress{Current: 1, Total: 1, Percentage: 100})
	if err != nil || out.Applied {
		t.Fatalf("expected no-op, got applied=%v err=%v", out.Applied, err)
	}
	if pub.count(models.EventProgress) != 0 {
		t.Fatalf("unexpected progress event")
	}
}

func TestResubmit(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newManager(t, 10)
	job := submit(t, m)

	if _, _, err := m.Resubmit(ctx, job.ID, "", ""); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable for queued job, got %v", err)
	}

	_, _ = m.Claim(ctx, job.ID, "a", false)
	_, _ = m.Fail(ctx, job.ID, "a", models.JobError{Code: models.ErrCodeCollaboratorUnreachable, Message: "down", Retryable: true})

	retry, _, err := m.Resubmit(ctx, job.ID, "", "")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if retry.ID == job.ID || retry.RetryOf == nil || *retry.RetryOf != job.ID {
		t.Fatalf("unexpected retry job %+v", retry)
	}
	if retry.Status != models.StatusQueued || retry.Payload.Narrative != "rain" {
		t.Fatalf("unexpected retry state %+v", retry)
	}
}

func TestSubmitQueueFullReleasesIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	m, st, q, _ := newManager(t, 1)
	submit(t, m)

	params := store.CreateJobParams{UserID: "u1", IdempotencyKey: "k1", Payload: models.Payload{Narrative: "waves"}}
	rejected, _, err := m.Submit(ctx, params)
	if !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	entries, _ := q.Claim(ctx, "generators", "w1", 1, 0)
	if len(entries) != 1 {
		t.Fatalf("expected one entry to drain")
	}
	if err := q.Ack(ctx, "generators", entries[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	job, idempotent, err := m.Submit(ctx, params)
	if err != nil {
		t.Fatalf("resubmit with same key: %v", err)
	}
	if idempotent || job.ID == rejected.ID || job.Status != models.StatusQueued {
		t.Fatalf("expected a new queued job, got %+v idempotent=%v", job, idempotent)
	}
	if got, _ := st.GetJob(ctx, rejected.ID); got.Status != models.StatusCancelled {
		t.Fatalf("rejected job should stay cancelled, got %s", got.Status)
	}
}

func TestConcurrentTerminalReportsApplyOnce(t *testing.T) {
	ctx := context.Background()
	for run := 0; run < 25; run++ {
		m, st, _, pub := newManager(t, 10)
		job := submit(t, m)
		if _, err := m.Claim(ctx, job.ID, "attempt-1", false); err != nil {
			t.Fatalf("claim: %v", err)
		}
		before := len(pub.events)

		reports := []func() (Outcome, error){
			func() (Outcome, error) { return m.Complete(ctx, job.ID, "w", json.RawMessage(`{"artifactUrl":"x"}`)) },
			func() (Outcome, error) {
				return m.Fail(ctx, job.ID, "w", models.JobError{Code: models.ErrCodeInternal, Message: "boom"})
			},
			func() (Outcome, error) { return m.Cancel(ctx, job.ID, "user") },
		}
		start := make(chan struct{})
		outcomes := make(chan Outcome, 2*len(reports))
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			for _, report := range reports {
				wg.Add(1)
				go func(report func() (Outcome, error)) {
					defer wg.Done()
					<-start
					out, err := report()
					if err != nil {
						t.Errorf("report: %v", err)
						return
					}
					outcomes <- out
				}(report)
			}
		}
		close(start)
		wg.Wait()
		close(outcomes)

		applied := 0
		var winner models.Status
		for out := range outcomes {
			if out.Applied {
				applied++
				winner = out.Status
			}
		}
		if applied != 1 {
			t.Fatalf("run %d: expected exactly one applied report, got %d", run, applied)
		}
		got, _ := st.GetJob(ctx, job.ID)
		if got.Status != winner || !got.Status.Terminal() {
			t.Fatalf("run %d: final status %s, applied %s", run, got.Status, winner)
		}
		pub.mu.Lock()
		published := len(pub.events) - before
		pub.mu.Unlock()
		if published != 1 {
			t.Fatalf("run %d: expected one terminal event, got %d", run, published)
		}
	}
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"generation-orchestrator/internal/models"
)

func TestMemoryCreateJobIdempotency(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	first, existed, err := s.CreateJob(ctx, CreateJobParams{UserID: "u1", Payload: models.Payload{Narrative: "rain"}, IdempotencyKey: "k1", IdempotencyTTL: time.Hour})
	if err != nil || existed {
		t.Fatalf("create: existed=%v err=%v", existed, err)
	}
	if first.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", first.Status)
	}
	second, existed, err := s.CreateJob(ctx, CreateJobParams{UserID: "u1", IdempotencyKey: "k1", IdempotencyTTL: time.Hour})
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if !existed || second.ID != first.ID {
		t.Fatalf("expected reuse of %s, got %s existed=%v", first.ID, second.ID, existed)
	}
}

func TestMemoryTransitionGuardsStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, _, _ := s.CreateJob(ctx, CreateJobParams{UserID: "u1"})

	_, res, err := s.Transition(ctx, Transition{JobID: job.ID, From: []models.Status{models.StatusProcessing}, To: models.StatusCompleted})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res != Rejected {
		t.Fatalf("expected rejected, got %s", res)
	}

	got, res, err := s.Transition(ctx, Transition{JobID: job.ID, From: []models.Status{models.StatusPending}, To: models.StatusQueued})
	if err != nil || res != Applied {
		t.Fatalf("expected applied, got %s err=%v", res, err)
	}
	if got.Status != models.StatusQueued {
		t.Fatalf("expected queued, got %s", got.Status)
	}
}

func TestMemoryTransitionDeduplicatesRequestID(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, _, _ := s.CreateJob(ctx, CreateJobParams{UserID: "u1"})

	tr := Transition{JobID: job.ID, RequestID: "r1", Event: "progress", From: []models.Status{models.StatusPending}, Progress: &models.Progress{Current: 1, Total: 4, Percentage: 25}}
	if _, res, err := s.Transition(ctx, tr); err != nil || res != Applied {
		t.Fatalf("first: %s %v", res, err)
	}
	if _, res, err := s.Transition(ctx, tr); err != nil || res != Duplicate {
		t.Fatalf("second: %s %v", res, err)
	}
}

func TestMemoryTransitionTimestamps(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, _, _ := s.CreateJob(ctx, CreateJobParams{UserID: "u1"})

	// A clock behind created_at must not produce started_at < created_at.
	early := job.CreatedAt.Add(-time.Minute)
	got, _, err := s.Transition(ctx, Transition{JobID: job.ID, From: []models.Status{models.StatusPending}, To: models.StatusProcessing, At: early})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.StartedAt == nil || got.StartedAt.Before(got.CreatedAt) {
		t.Fatalf("started_at %v before created_at %v", got.StartedAt, got.CreatedAt)
	}
	started := *got.StartedAt

	result := json.RawMessage(`{"artifactUrl":"file:///a.mp3"}`)
	got, _, err = s.Transition(ctx, Transition{JobID: job.ID, From: []models.Status{models.StatusProcessing}, To: models.StatusCompleted, Result: result})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.CompletedAt == nil || got.CompletedAt.Before(started) {
		t.Fatalf("completed_at %v before started_at %v", got.CompletedAt, started)
	}
	if !got.StartedAt.Equal(started) {
		t.Fatalf("started_at changed from %v to %v", started, got.StartedAt)
	}
	if string(got.Result) != string(result) {
		t.Fatalf("unexpected result %s", got.Result)
	}
}

func TestMemoryNotFound(t *testing.T) {
	s := NewMemory()
	if _, err := s.GetJob(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := s.Transition(context.Background(), Transition{JobID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryListJobsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	a, _, _ := s.CreateJob(ctx, CreateJobParams{UserID: "u1"})
	b, _, _ := s.CreateJob(ctx, CreateJobParams{UserID: "u1"})
	_, _, _ = s.CreateJob(ctx, CreateJobParams{UserID: "u2"})

	jobs, err := s.ListJobs(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != b.ID || jobs[1].ID != a.ID {
		t.Fatalf("unexpected order: %+v", jobs)
	}
}

func TestMemoryReleaseIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	params := CreateJobParams{UserID: "u1", IdempotencyKey: "k1", IdempotencyTTL: time.Hour}
	first, _, _ := s.CreateJob(ctx, params)

	// A key bound to another job is left alone.
	if err := s.ReleaseIdempotencyKey(ctx, "k1", "other"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if again, existed, _ := s.CreateJob(ctx, params); !existed || again.ID != first.ID {
		t.Fatalf("key released for the wrong job")
	}

	if err := s.ReleaseIdempotencyKey(ctx, "k1", first.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	fresh, existed, err := s.CreateJob(ctx, params)
	if err != nil || existed || fresh.ID == first.ID {
		t.Fatalf("expected a new job after release, got %s existed=%v err=%v", fresh.ID, existed, err)
	}
}

func TestMemoryConcurrentTransitionsApplyOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, _, _ := s.CreateJob(ctx, CreateJobParams{UserID: "u1"})
	if _, res, _ := s.Transition(ctx, Transition{JobID: job.ID, Event: "processing", From: []models.Status{models.StatusPending}, To: models.StatusProcessing}); res != Applied {
		t.Fatalf("setup transition: %s", res)
	}

	targets := []models.Status{models.StatusCompleted, models.StatusFailed, models.StatusCancelled}
	var applied atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			to := targets[i%len(targets)]
			_, res, err := s.Transition(ctx, Transition{
				JobID:     job.ID,
				RequestID: "r" + strconv.Itoa(i%2),
				Event:     string(to),
				From:      []models.Status{models.StatusProcessing},
				To:        to,
			})
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			if res == Applied {
				applied.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if applied.Load() != 1 {
		t.Fatalf("expected exactly one applied transition, got %d", applied.Load())
	}
	got, _ := s.GetJob(ctx, job.ID)
	if !got.Status.Terminal() {
		t.Fatalf("expected terminal status, got %s", got.Status)
	}
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"generation-orchestrator/internal/artifact"
	"generation-orchestrator/internal/collaborator"
	"generation-orchestrator/internal/config"
	"generation-orchestrator/internal/lifecycle"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/queue"
	"generation-orchestrator/internal/store"
	"generation-orchestrator/internal/telemetry"
)

// finishTimeout bounds the work done after generation succeeded, which runs
// detached from shutdown so a produced artifact is not thrown away.
const finishTimeout = 2 * time.Minute

// ArtifactWriter persists generated output.
type ArtifactWriter interface {
	Write(ctx context.Context, jobID string, b artifact.Bundle) (models.Result, error)
}

// Processor drives the worker execution loop: claim entries, run each on its
// own goroutine within a bounded pool, report the outcome and ack.
type Processor struct {
	cfg       config.WorkerConfig
	group     string
	queue     queue.Queue
	lifecycle *lifecycle.Manager
	generator collaborator.Generator
	artifacts ArtifactWriter
	logger    zerolog.Logger

	slots chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
}

// trimmer is implemented by queues that can drop acked entries from the log.
type trimmer interface {
	Trim(ctx context.Context) (int64, error)
}

func NewProcessor(cfg config.WorkerConfig, group string, q queue.Queue, lc *lifecycle.Manager,
	gen collaborator.Generator, aw ArtifactWriter, logger zerolog.Logger) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = cfg.Concurrency
	}
	if cfg.ClaimBlock <= 0 {
		cfg.ClaimBlock = time.Second
	}
	if cfg.ClaimIdleTimeout <= 0 {
		cfg.ClaimIdleTimeout = 2 * time.Minute
	}
	if cfg.ReportAttempts <= 0 {
		cfg.ReportAttempts = 1
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()[:8]
	}
	return &Processor{
		cfg:       cfg,
		group:     group,
		queue:     q,
		lifecycle: lc,
		generator: gen,
		artifacts: aw,
		logger:    logger.With().Str("component", "worker").Str("worker_id", cfg.ID).Logger(),
		slots:     make(chan struct{}, cfg.Concurrency),
		inflight:  make(map[string]struct{}),
	}
}

// Serve runs the claim loop and the stale-entry supervisor until ctx is
// done, then waits for in-flight entries.
func (p *Processor) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error { return p.Supervise(gctx) })
	err := g.Wait()
	p.wg.Wait()
	return err
}

// Run claims new entries until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info().Int("concurrency", p.cfg.Concurrency).Msg("worker started")
	failures := 0
	for {
		if !p.acquire(ctx) {
			return nil
		}
		n := 1
		for n < p.cfg.ClaimBatch && p.tryAcquire() {
			n++
		}

		entries, err := p.queue.Claim(ctx, p.group, p.cfg.ID, n, p.cfg.ClaimBlock)
		if err != nil {
			p.release(n)
			if ctx.Err() != nil {
				return nil
			}
			failures++
			wait := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, failures)
			p.logger.Error().Err(err).Dur("retry_in", wait).Msg("claim failed")
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		failures = 0
		p.release(n - len(entries))
		for _, entry := range entries {
			p.dispatch(ctx, entry)
		}
	}
}

// Supervise periodically transfers entries whose consumer stopped acking to
// this worker and processes them like fresh ones. Entries this worker is
// still running are only re-owned, which resets their idle time.
func (p *Processor) Supervise(ctx context.Context) error {
	interval := p.cfg.ReclaimInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		p.recordStats(ctx)
		p.trim(ctx)

		entries, err := p.queue.ReclaimStale(ctx, p.group, p.cfg.ID, p.cfg.ClaimIdleTimeout, p.cfg.ClaimBatch)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("reclaim stale entries")
			}
			continue
		}
		stale := entries[:0]
		for _, entry := range entries {
			if !p.running(entry.ID) {
				stale = append(stale, entry)
			}
		}
		if len(stale) > 0 {
			telemetry.EntriesReclaimed.Add(float64(len(stale)))
			p.logger.Warn().Int("count", len(stale)).Msg("reclaimed stale entries")
		}
		for _, entry := range stale {
			if !p.acquire(ctx) {
				// Unprocessed entries stay pending and are reclaimed again.
				return nil
			}
			p.dispatch(ctx, entry)
		}
	}
}

func (p *Processor) trim(ctx context.Context) {
	t, ok := p.queue.(trimmer)
	if !ok {
		return
	}
	n, err := t.Trim(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn().Err(err).Msg("trim queue")
		}
		return
	}
	if n > 0 {
		p.logger.Debug().Int64("count", n).Msg("trimmed acked entries")
	}
}

func (p *Processor) recordStats(ctx context.Context) {
	stats, err := p.queue.Stats(ctx)
	if err != nil {
		return
	}
	telemetry.QueueOutstandingGauge.Set(float64(stats.Outstanding))
	telemetry.QueuePendingGauge.Set(float64(stats.Pending))
}

// dispatch runs entry on its own goroutine. The caller holds a slot that the
// goroutine releases.
func (p *Processor) dispatch(ctx context.Context, entry models.Entry) {
	p.wg.Add(1)
	p.mu.Lock()
	p.inflight[entry.ID] = struct{}{}
	p.mu.Unlock()
	telemetry.InFlightGauge.Inc()
	go func() {
		defer p.wg.Done()
		defer p.release(1)
		defer telemetry.InFlightGauge.Dec()
		defer func() {
			p.mu.Lock()
			delete(p.inflight, entry.ID)
			p.mu.Unlock()
		}()
		p.process(ctx, entry)
	}()
}

// running reports whether entryID is being processed by this worker.
func (p *Processor) running(entryID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[entryID]
	return ok
}

func (p *Processor) acquire(ctx context.Context) bool {
	select {
	case p.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Processor) tryAcquire() bool {
	select {
	case p.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (p *Processor) release(n int) {
	for i := 0; i < n; i++ {
		<-p.slots
	}
}

// process handles one delivery. The entry is acked once the job reached a
// terminal state or was found to need no work; when the outcome could not be
// recorded the entry stays pending and is redelivered after the idle timeout.
func (p *Processor) process(ctx context.Context, entry models.Entry) {
	// One request id per delivery keeps retried reports idempotent while a
	// redelivery can still claim the job again.
	requestID := entry.ID + "/" + uuid.NewString()
	log := p.logger.With().Str("job_id", entry.JobID).Str("entry_id", entry.ID).Bool("redelivered", entry.Redelivered).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("job panicked")
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
			defer cancel()
			p.finish(fctx, log, entry, func(c context.Context) (lifecycle.Outcome, error) {
				return p.lifecycle.Fail(c, entry.JobID, requestID, models.JobError{
					Code:    models.ErrCodeInternal,
					Message: fmt.Sprintf("worker panic: %v", r),
				})
			})
		}
	}()

	claimed, err := p.withRetry(ctx, log, "claim", func(c context.Context) (lifecycle.Outcome, error) {
		return p.lifecycle.Claim(c, entry.JobID, requestID, entry.Redelivered)
	})
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("entry references unknown job, dropping")
		p.ack(ctx, log, entry)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("claim not recorded, leaving entry pending")
		return
	}
	if !claimed.Applied {
		log.Info().Str("status", string(claimed.Status)).Msg("job needs no work, skipping")
		p.ack(ctx, log, entry)
		return
	}
	job := claimed.Job

	p.progress(ctx, log, job.ID, requestID+"/generate", 1, "generating")
	resp, err := p.generator.Generate(ctx, collaborator.Request{
		JobID:     job.ID,
		RequestID: job.RequestID,
		Narrative: job.Payload.Narrative,
		Duration:  job.Payload.Duration,
		Model:     job.Payload.Model,
		Options:   job.Payload.Options,
	})
	if err != nil && ctx.Err() != nil {
		log.Info().Msg("shutdown during generation, leaving entry pending")
		return
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if err != nil {
		jobErr := collaborator.JobError(err)
		log.Warn().Err(err).Str("code", jobErr.Code).Msg("generation failed")
		p.finish(fctx, log, entry, func(c context.Context) (lifecycle.Outcome, error) {
			return p.lifecycle.Fail(c, job.ID, requestID, jobErr)
		})
		return
	}

	p.progress(fctx, log, job.ID, requestID+"/store", 2, "storing artifact")
	result, err := p.artifacts.Write(fctx, job.ID, artifact.Bundle{Audio: resp.Audio, Format: resp.Format, Artwork: resp.Artwork})
	if err != nil {
		log.Error().Err(err).Msg("artifact write failed")
		p.finish(fctx, log, entry, func(c context.Context) (lifecycle.Outcome, error) {
			return p.lifecycle.Fail(c, job.ID, requestID, models.JobError{
				Code:      models.ErrCodeArtifactWrite,
				Message:   err.Error(),
				Retryable: true,
			})
		})
		return
	}
	result.DurationSeconds = resp.DurationSeconds
	result.Title = resp.Title
	result.Metadata = resp.Metadata
	raw, err := json.Marshal(result)
	if err != nil {
		p.finish(fctx, log, entry, func(c context.Context) (lifecycle.Outcome, error) {
			return p.lifecycle.Fail(c, job.ID, requestID, models.JobError{Code: models.ErrCodeInternal, Message: "encode result: " + err.Error()})
		})
		return
	}

	p.finish(fctx, log, entry, func(c context.Context) (lifecycle.Outcome, error) {
		return p.lifecycle.Complete(c, job.ID, requestID, raw)
	})
}

// finish records a terminal outcome and acks the entry. A job that is not
// terminal afterwards keeps its entry pending so a redelivery can run it.
func (p *Processor) finish(ctx context.Context, log zerolog.Logger, entry models.Entry, report func(context.Context) (lifecycle.Outcome, error)) {
	out, err := p.withRetry(ctx, log, "report", report)
	if errors.Is(err, store.ErrNotFound) {
		p.ack(ctx, log, entry)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("outcome not recorded, leaving entry pending")
		return
	}
	if !out.Status.Terminal() {
		log.Warn().Str("status", string(out.Status)).Msg("job not terminal, leaving entry pending")
		return
	}
	log.Info().Str("status", string(out.Status)).Bool("applied", out.Applied).Msg("job finished")
	p.ack(ctx, log, entry)
}

func (p *Processor) progress(ctx context.Context, log zerolog.Logger, jobID, requestID string, step int, msg string) {
	const total = 3
	_, err := p.lifecycle.Progress(ctx, jobID, requestID, models.Progress{
		Current:    step,
		Total:      total,
		Percentage: math.Round(float64(step)/total*10000) / 100,
		Message:    msg,
	})
	if err != nil {
		log.Warn().Err(err).Str("step", msg).Msg("progress not recorded")
	}
}

func (p *Processor) ack(ctx context.Context, log zerolog.Logger, entry models.Entry) {
	if err := p.queue.Ack(ctx, p.group, entry.ID); err != nil {
		// Redelivery finds the job terminal and acks again.
		log.Error().Err(err).Msg("ack failed")
	}
}

// withRetry retries fn on store errors with jittered exponential backoff.
func (p *Processor) withRetry(ctx context.Context, log zerolog.Logger, op string, fn func(context.Context) (lifecycle.Outcome, error)) (lifecycle.Outcome, error) {
	for attempt := 1; ; attempt++ {
		out, err := fn(ctx)
		if err == nil || errors.Is(err, store.ErrNotFound) || attempt >= p.cfg.ReportAttempts {
			return out, err
		}
		wait := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempt)
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("retry_in", wait).Msg("lifecycle update failed")
		if !sleep(ctx, wait) {
			return out, ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"generation-orchestrator/internal/models"
)

// MemoryQueue is an in-process Queue with consumer-group semantics matching
// RedisQueue. It backs tests and single-process runs.
type MemoryQueue struct {
	mu         sync.Mutex
	group      string
	maxPending int64
	entries    []models.Entry
	groups     map[string]*memGroup
	seq        int64
	notify     chan struct{}
	now        func() time.Time
}

type memGroup struct {
	next        int
	pending     map[string]*memPending
	outstanding int64
}

type memPending struct {
	index       int
	consumer    string
	deliveredAt time.Time
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue returns an empty queue whose capacity is enforced for group.
func NewMemoryQueue(group string, maxPending int) *MemoryQueue {
	if maxPending <= 0 {
		maxPending = 1000
	}
	return &MemoryQueue{
		group:      group,
		maxPending: int64(maxPending),
		groups:     make(map[string]*memGroup),
		notify:     make(chan struct{}),
		now:        time.Now,
	}
}

func (q *MemoryQueue) groupLocked(name string) *memGroup {
	g, ok := q.groups[name]
	if !ok {
		g = &memGroup{pending: make(map[string]*memPending)}
		q.groups[name] = g
	}
	return g
}

func (q *MemoryQueue) Enqueue(_ context.Context, jobID string, payload []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	g := q.groupLocked(q.group)
	if g.outstanding >= q.maxPending {
		return "", ErrQueueFull
	}
	now := q.now()
	q.seq++
	id := strconv.FormatInt(now.UnixMilli(), 10) + "-" + strconv.FormatInt(q.seq, 10)
	q.entries = append(q.entries, models.Entry{
		ID:         id,
		JobID:      jobID,
		Payload:    append([]byte(nil), payload...),
		EnqueuedAt: now.UTC(),
	})
	g.outstanding++
	close(q.notify)
	q.notify = make(chan struct{})
	return id, nil
}

func (q *MemoryQueue) Claim(ctx context.Context, group, consumer string, max int, block time.Duration) ([]models.Entry, error) {
	if max <= 0 {
		max = 1
	}
	var timer <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		timer = t.C
	}
	for {
		q.mu.Lock()
		g := q.groupLocked(group)
		var out []models.Entry
		for g.next < len(q.entries) && len(out) < max {
			entry := q.entries[g.next]
			g.pending[entry.ID] = &memPending{index: g.next, consumer: consumer, deliveredAt: q.now()}
			g.next++
			out = append(out, entry)
		}
		wait := q.notify
		q.mu.Unlock()

		if len(out) > 0 || timer == nil {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer:
			return nil, nil
		case <-wait:
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, group, entryID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	g := q.groupLocked(group)
	if _, ok := g.pending[entryID]; !ok {
		return nil
	}
	delete(g.pending, entryID)
	if g.outstanding > 0 {
		g.outstanding--
	}
	return nil
}

func (q *MemoryQueue) ReclaimStale(_ context.Context, group, consumer string, idle time.Duration, max int) ([]models.Entry, error) {
	if max <= 0 {
		max = 10
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	g := q.groupLocked(group)
	now := q.now()
	var out []models.Entry
	// Walk in log order so reclaim is oldest first.
	for i := 0; i < g.next && len(out) < max; i++ {
		entry := q.entries[i]
		p, ok := g.pending[entry.ID]
		if !ok || now.Sub(p.deliveredAt) < idle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		entry.Redelivered = true
		out = append(out, entry)
	}
	return out, nil
}

func (q *MemoryQueue) Stats(context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	g := q.groupLocked(q.group)
	return Stats{
		Length:      int64(len(q.entries)),
		Outstanding: g.outstanding,
		Pending:     int64(len(g.pending)),
	}, nil
}

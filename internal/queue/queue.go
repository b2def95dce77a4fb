package queue

import (
	"context"
	"errors"
	"time"

	"generation-orchestrator/internal/models"
)

// ErrQueueFull is returned by Enqueue when the group already holds the
// configured number of appended but unacknowledged entries.
var ErrQueueFull = errors.New("dispatch queue full")

// Queue is an append-only log consumed through a consumer group. Delivery is
// at-least-once: an entry stays pending until acked and can be reclaimed by
// another consumer once it has been idle long enough.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, payload []byte) (string, error)
	// Claim blocks up to block for new entries. An empty slice with a nil
	// error means nothing arrived in time.
	Claim(ctx context.Context, group, consumer string, max int, block time.Duration) ([]models.Entry, error)
	Ack(ctx context.Context, group, entryID string) error
	ReclaimStale(ctx context.Context, group, consumer string, idle time.Duration, max int) ([]models.Entry, error)
	Stats(ctx context.Context) (Stats, error)
}

// Stats is a point-in-time view of the dispatch log.
type Stats struct {
	// Length is the number of retained entries in the log.
	Length int64
	// Outstanding counts entries appended but not yet acked.
	Outstanding int64
	// Pending counts entries delivered to a consumer but not yet acked.
	Pending int64
}

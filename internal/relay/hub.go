package relay

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/telemetry"
)

// Hub fans events out to the connections of one process. Delivery is
// best-effort and at-most-once: a subscriber whose buffer is full misses the
// event.
type Hub struct {
	registry   *Registry
	bufferSize int
	logger     zerolog.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

// NewHub builds a hub whose connections buffer up to bufferSize events.
func NewHub(bufferSize int, logger zerolog.Logger) *Hub {
	return &Hub{
		registry:   NewRegistry(),
		bufferSize: bufferSize,
		logger:     logger.With().Str("component", "relay").Logger(),
	}
}

// Registry exposes the hub's connection registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Connect registers a new connection for userID and joins its user room.
func (h *Hub) Connect(userID string) *Conn {
	c := newConn(uuid.NewString(), userID, h.bufferSize)
	h.registry.add(c)
	if userID != "" {
		h.registry.Join(c.id, UserRoom(userID))
	}
	telemetry.RelayConnections.Inc()
	return c
}

// Disconnect removes the connection and closes its channel.
func (h *Hub) Disconnect(c *Conn) {
	h.registry.Remove(c.id)
	telemetry.RelayConnections.Dec()
}

// Publish delivers ev to the job room and the owner's user room. It never
// blocks on slow subscribers and never fails.
func (h *Hub) Publish(_ context.Context, ev models.Event) error {
	rooms := []string{JobRoom(ev.JobID)}
	if ev.UserID != "" {
		rooms = append(rooms, UserRoom(ev.UserID))
	}
	for _, c := range h.registry.members(rooms...) {
		if c.send(ev) {
			h.published.Add(1)
			telemetry.RelayPublished.Inc()
			continue
		}
		h.dropped.Add(1)
		telemetry.RelayDropped.Inc()
		h.logger.Debug().Str("conn_id", c.id).Str("job_id", ev.JobID).Str("event", string(ev.Name)).Msg("event dropped")
	}
	return nil
}

// Stats returns delivered and dropped counts since start.
func (h *Hub) Stats() (published, dropped int64) {
	return h.published.Load(), h.dropped.Load()
}

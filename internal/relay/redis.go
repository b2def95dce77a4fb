package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"generation-orchestrator/internal/models"
)

// Publisher delivers job events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

var (
	_ Publisher = (*Hub)(nil)
	_ Publisher = (*RedisPublisher)(nil)
)

// RedisPublisher forwards events to a Redis Pub/Sub channel so that API
// processes can relay events produced by workers.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Bridge subscribes to the relay channel and hands every event to a Hub.
type Bridge struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  zerolog.Logger
}

func NewBridge(client *redis.Client, channel string, hub *Hub, logger zerolog.Logger) *Bridge {
	return &Bridge{
		client:  client,
		channel: channel,
		hub:     hub,
		logger:  logger.With().Str("component", "relay-bridge").Logger(),
	}
}

// Run blocks until ctx is done. Malformed messages are logged and skipped.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.Info().Str("channel", b.channel).Msg("relay bridge subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn().Err(err).Msg("drop malformed relay message")
				continue
			}
			_ = b.hub.Publish(ctx, ev)
		}
	}
}

package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannel is the Redis pub/sub channel shared by all server instances.
const DefaultChannel = "hms:events"

// RedisPublisher publishes events on a Redis channel so every instance's Relay
// can fan them out to its own connections.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher. An empty channel means DefaultChannel.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Publish implements EventPublisher.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Relay subscribes to channel and rebroadcasts every event to the local hub
// until ctx is cancelled. ready, if non-nil, is closed once the subscription
// is confirmed.
func Relay(ctx context.Context, client *redis.Client, channel string, hub *Hub, logger zerolog.Logger, ready chan<- struct{}) error {
	if channel == "" {
		channel = DefaultChannel
	}
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	if ready != nil {
		close(ready)
	}
	logger.Info().Str("channel", channel).Msg("websocket: relay subscribed")

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn().Err(err).Msg("websocket: relay dropped malformed event")
				continue
			}
			if event.Topic == "" {
				continue
			}
			hub.Broadcast(event.Topic, event)
		}
	}
}

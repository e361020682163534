package client

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisPublisher publishes approval events on a single Redis pub/sub channel.
// Like NotificationPublisher it never returns errors to the caller.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
	log     zerolog.Logger
}

// NewRedisPublisher wraps an existing Redis client.
func NewRedisPublisher(rdb redis.UniversalClient, channel string, log zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel, log: log}
}

// Publish sends event as JSON on the configured channel.
func (p *RedisPublisher) Publish(ctx context.Context, event *Event) {
	if event == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.EventType).Msg("notification: failed to marshal event")
		return
	}

	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		p.log.Warn().Err(err).
			Str("channel", p.channel).
			Str("event_type", event.EventType).
			Str("instance_id", event.InstanceID).
			Msg("notification: failed to publish Redis event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("channel", p.channel).
		Str("event_type", event.EventType).
		Msg("notification: event published")
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}

// NopPublisher drops every event. Used when events.driver is "none".
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *Event) {}
func (NopPublisher) Close() error                    { return nil }

package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamClient is the minimal client surface used by the publisher.
type RedisStreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamPublisher appends order-lifecycle events to a Redis stream.
// Entries carry the order id so consumers can partition and order per key.
type RedisStreamPublisher struct {
	client RedisStreamClient
	stream string
	maxLen int64
}

// NewRedisStreamPublisher constructs a Redis-backed event publisher.
// maxLen > 0 trims the stream approximately at that length.
func NewRedisStreamPublisher(client RedisStreamClient, stream string, maxLen int64) *RedisStreamPublisher {
	if stream == "" {
		stream = "order-events"
	}
	return &RedisStreamPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

// Publish appends the event to the stream.
func (p *RedisStreamPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"event_type": event.Type,
			"order_id":   event.OrderID,
			"timestamp":  event.Timestamp.UTC().Format(time.RFC3339Nano),
			"data":       string(data),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	return p.client.XAdd(ctx, args).Err()
}

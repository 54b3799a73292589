package events

import (
	"context"
	"encoding/json"
	"time"
)

// Event types appended to the order-events stream.
const (
	TypeOrderCreated = "ORDER_CREATED"
	TypeOrderFailed  = "ORDER_FAILED"
)

// Event is one order-lifecycle record. Append-only; consumers replay the
// stream and rely on per-key ordering by OrderID.
type Event struct {
	Type      string    `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`
	OrderID   string    `json:"orderId"`
	Data      any       `json:"data"`
}

// Publisher appends order-lifecycle events to the event stream.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Broadcaster pushes messages to connected clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// FanoutPublisher appends to the stream and, on success, broadcasts the
// event to realtime subscribers. Broadcast is best-effort and carries no
// delivery guarantee; the stream is the durable record.
type FanoutPublisher struct {
	stream      Publisher
	broadcaster Broadcaster
}

// NewFanoutPublisher constructs a publisher that fans out to the stream
// and an optional broadcaster.
func NewFanoutPublisher(stream Publisher, broadcaster Broadcaster) *FanoutPublisher {
	return &FanoutPublisher{stream: stream, broadcaster: broadcaster}
}

// Publish appends the event, then broadcasts it.
func (p *FanoutPublisher) Publish(ctx context.Context, event Event) error {
	if err := p.stream.Publish(ctx, event); err != nil {
		return err
	}

	if p.broadcaster == nil {
		return nil
	}
	msg, err := json.Marshal(event)
	if err != nil {
		return err
	}
	p.broadcaster.Broadcast(msg)
	return nil
}

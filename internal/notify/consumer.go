package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// RetryTracker remembers delivery attempt counts per message id. The
// count lives outside the message because a requeued delivery arrives
// with no memory of its previous attempts.
type RetryTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewRetryTracker constructs an empty tracker.
func NewRetryTracker() *RetryTracker {
	return &RetryTracker{counts: make(map[string]int)}
}

// Attempts reports the failed-delivery count tracked for a message id.
func (t *RetryTracker) Attempts(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[id]
}

// Increment bumps the count for a message id and returns the new value.
func (t *RetryTracker) Increment(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[id]++
	return t.counts[id]
}

// Clear forgets a message id, on success or dead-lettering.
func (t *RetryTracker) Clear(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, id)
}

// ConsumeChannel is the channel surface the consumer and DLQ monitor use.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Consumer drains the notification queue one delivery at a time,
// retrying failures with exponential backoff and dead-lettering after
// the retry ceiling.
type Consumer struct {
	sender     Sender
	tracker    *RetryTracker
	maxRetries int
	baseDelay  time.Duration
	logger     zerolog.Logger

	// Sleep is injectable for tests; defaults to a context-aware sleep.
	Sleep func(context.Context, time.Duration) error
	// OnDelivered/OnRetry/OnDeadLetter are optional metric hooks.
	OnDelivered  func()
	OnRetry      func()
	OnDeadLetter func()
}

// NewConsumer constructs a consumer. maxRetries is the retry ceiling
// (attempts beyond the first delivery); baseDelay is the first backoff.
func NewConsumer(sender Sender, maxRetries int, baseDelay time.Duration, logger zerolog.Logger) *Consumer {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &Consumer{
		sender:     sender,
		tracker:    NewRetryTracker(),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     logger,
		Sleep:      sleepWithContext,
	}
}

// Consume processes the queue with prefetch 1 until the context ends or
// the delivery channel closes (broker connection lost).
func (c *Consumer) Consume(ctx context.Context, ch ConsumeChannel, queue string) error {
	if err := ch.Qos(1, 0, false); err != nil {
		return err
	}
	msgs, err := ch.Consume(queue, "orderpilot-notifier", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			c.handleDelivery(ctx, d)
		}
	}
}

// handleDelivery decides the disposition of one delivery: ack on
// success, delayed requeue below the ceiling, dead-letter at it.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var n Notification
	if err := json.Unmarshal(d.Body, &n); err != nil {
		// Malformed payloads can never succeed; route straight to the DLQ.
		c.logger.Error().Err(err).Str("message_id", d.MessageId).Msg("malformed notification payload")
		_ = d.Nack(false, false)
		if c.OnDeadLetter != nil {
			c.OnDeadLetter()
		}
		return
	}

	msgID := d.MessageId
	if msgID == "" {
		msgID = n.OrderID
	}
	attempts := c.tracker.Attempts(msgID)

	if err := c.sender.Send(ctx, n); err != nil {
		c.logger.Error().Err(err).
			Str("message_id", msgID).
			Int("attempts", attempts).
			Msg("notification delivery failed")

		if attempts < c.maxRetries {
			next := c.tracker.Increment(msgID)
			delay := c.baseDelay << attempts
			c.logger.Info().
				Str("message_id", msgID).
				Int("attempt", next).
				Int("max", c.maxRetries).
				Dur("backoff", delay).
				Msg("requeueing notification")
			if c.OnRetry != nil {
				c.OnRetry()
			}
			_ = c.Sleep(ctx, delay)
			_ = d.Nack(false, true)
			return
		}

		c.tracker.Clear(msgID)
		c.logger.Warn().Str("message_id", msgID).Msg("retry ceiling reached, dead-lettering")
		_ = d.Nack(false, false)
		if c.OnDeadLetter != nil {
			c.OnDeadLetter()
		}
		return
	}

	c.tracker.Clear(msgID)
	_ = d.Ack(false)
	if c.OnDelivered != nil {
		c.OnDelivered()
	}
	c.logger.Info().Str("message_id", msgID).Msg("notification delivered")
}

// DLQMonitor drains the dead-letter queue for operator inspection. It
// only logs and acks; nothing is ever retried from here automatically.
type DLQMonitor struct {
	logger zerolog.Logger

	// OnMessage is an optional metric hook.
	OnMessage func()
}

// NewDLQMonitor constructs a monitor.
func NewDLQMonitor(logger zerolog.Logger) *DLQMonitor {
	return &DLQMonitor{logger: logger}
}

// Consume logs every dead-lettered message until the context ends or the
// delivery channel closes.
func (m *DLQMonitor) Consume(ctx context.Context, ch ConsumeChannel, queue string) error {
	msgs, err := ch.Consume(queue, "orderpilot-dlq-monitor", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			m.logger.Error().
				Str("message_id", d.MessageId).
				RawJSON("payload", rawOrQuoted(d.Body)).
				Msg("message in dead-letter queue")
			_ = d.Ack(false)
			if m.OnMessage != nil {
				m.OnMessage()
			}
		}
	}
}

// rawOrQuoted keeps the log line valid JSON even for non-JSON bodies.
func rawOrQuoted(body []byte) []byte {
	if json.Valid(body) {
		return body
	}
	quoted, err := json.Marshal(string(body))
	if err != nil {
		return []byte(`"unprintable payload"`)
	}
	return quoted
}

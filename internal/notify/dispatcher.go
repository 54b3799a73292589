package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ErrBrokerUnavailable indicates the dispatcher has no live channel to
// the broker. Enqueue callers treat this like any other enqueue failure:
// log it, never fail the saga.
var ErrBrokerUnavailable = errors.New("notification broker unavailable")

// PublishChannel is the channel surface the dispatcher uses.
type PublishChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// DeclareTopology declares the dead-letter queue, then the main queue
// with dead-letter routing pointed at it. Safe to repeat; declarations
// are idempotent for matching arguments.
func DeclareTopology(ch PublishChannel, queue, dlq string) error {
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return err
	}
	_, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	})
	return err
}

// AMQPDispatcher publishes notification work items to the durable queue.
// It holds at most one live channel, replaced by Run as connections drop.
type AMQPDispatcher struct {
	mu     sync.Mutex
	ch     PublishChannel
	queue  string
	dlq    string
	logger zerolog.Logger
}

// NewAMQPDispatcher constructs a dispatcher for the given queue pair.
func NewAMQPDispatcher(queue, dlq string, logger zerolog.Logger) *AMQPDispatcher {
	if queue == "" {
		queue = "order_notifications"
	}
	if dlq == "" {
		dlq = "order_notifications_dlq"
	}
	return &AMQPDispatcher{queue: queue, dlq: dlq, logger: logger}
}

// Attach declares the topology on the channel and makes it current.
func (d *AMQPDispatcher) Attach(ch PublishChannel) error {
	if err := DeclareTopology(ch, d.queue, d.dlq); err != nil {
		return err
	}
	d.mu.Lock()
	d.ch = ch
	d.mu.Unlock()
	return nil
}

func (d *AMQPDispatcher) detach() {
	d.mu.Lock()
	d.ch = nil
	d.mu.Unlock()
}

// Enqueue publishes the work item as a persistent JSON message whose
// message id correlates retry counts on the consumer side.
func (d *AMQPDispatcher) Enqueue(ctx context.Context, n Notification) error {
	d.mu.Lock()
	ch := d.ch
	d.mu.Unlock()
	if ch == nil {
		return ErrBrokerUnavailable
	}

	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, "", d.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.OrderID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Run keeps the dispatcher connected, redialing on a fixed delay when the
// broker is unreachable or the connection closes. It returns when ctx ends.
func (d *AMQPDispatcher) Run(ctx context.Context, url string, retryDelay time.Duration) {
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	for {
		conn, err := amqp.Dial(url)
		if err != nil {
			d.logger.Warn().Err(err).Dur("retry_in", retryDelay).Msg("broker dial failed")
			if sleepWithContext(ctx, retryDelay) != nil {
				return
			}
			continue
		}

		ch, err := conn.Channel()
		if err == nil {
			err = d.Attach(ch)
		}
		if err != nil {
			d.logger.Warn().Err(err).Msg("broker channel setup failed")
			_ = conn.Close()
			if sleepWithContext(ctx, retryDelay) != nil {
				return
			}
			continue
		}

		d.logger.Info().Str("queue", d.queue).Msg("notification dispatcher connected")
		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-ctx.Done():
			d.detach()
			_ = conn.Close()
			return
		case amqpErr := <-closed:
			d.detach()
			d.logger.Warn().Err(amqpErr).Msg("broker connection closed, reconnecting")
			if sleepWithContext(ctx, retryDelay) != nil {
				return
			}
		}
	}
}

// DialWithRetry dials the broker on a fixed delay until it succeeds or
// the context ends.
func DialWithRetry(ctx context.Context, url string, retryDelay time.Duration, logger zerolog.Logger) (*amqp.Connection, error) {
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	for {
		conn, err := amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		logger.Warn().Err(err).Dur("retry_in", retryDelay).Msg("broker dial failed")
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return nil, err
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

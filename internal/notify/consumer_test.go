package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type ackAction struct {
	kind    string
	requeue bool
}

type fakeAcknowledger struct {
	actions []ackAction
}

func (f *fakeAcknowledger) Ack(_ uint64, _ bool) error {
	f.actions = append(f.actions, ackAction{kind: "ack"})
	return nil
}

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.actions = append(f.actions, ackAction{kind: "nack", requeue: requeue})
	return nil
}

func (f *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	f.actions = append(f.actions, ackAction{kind: "reject", requeue: requeue})
	return nil
}

type flakySender struct {
	failures int
	calls    int
}

func (s *flakySender) Send(_ context.Context, _ Notification) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("smtp unavailable")
	}
	return nil
}

func delivery(t *testing.T, ack *fakeAcknowledger, n Notification) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	return amqp.Delivery{
		Acknowledger: ack,
		MessageId:    n.OrderID,
		Body:         body,
	}
}

func newTestConsumer(sender Sender) (*Consumer, *[]time.Duration) {
	consumer := NewConsumer(sender, 3, time.Second, zerolog.Nop())
	delays := &[]time.Duration{}
	consumer.Sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return consumer, delays
}

func TestConsumer_RetriesThenDeadLetters(t *testing.T) {
	t.Parallel()

	sender := &flakySender{failures: 10}
	consumer, delays := newTestConsumer(sender)

	var retries, deadLetters int
	consumer.OnRetry = func() { retries++ }
	consumer.OnDeadLetter = func() { deadLetters++ }

	ack := &fakeAcknowledger{}
	n := Notification{OrderID: "5", UserEmail: "john@example.com"}

	// The broker redelivers after each requeue; simulate four deliveries.
	for i := 0; i < 4; i++ {
		consumer.handleDelivery(context.Background(), delivery(t, ack, n))
	}

	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(*delays) != len(wantDelays) {
		t.Fatalf("expected %d backoff sleeps, got %v", len(wantDelays), *delays)
	}
	for i, d := range wantDelays {
		if (*delays)[i] != d {
			t.Fatalf("backoff %d: expected %v, got %v", i, d, (*delays)[i])
		}
	}

	wantActions := []ackAction{
		{kind: "nack", requeue: true},
		{kind: "nack", requeue: true},
		{kind: "nack", requeue: true},
		{kind: "nack", requeue: false},
	}
	if len(ack.actions) != len(wantActions) {
		t.Fatalf("expected %d dispositions, got %v", len(wantActions), ack.actions)
	}
	for i, want := range wantActions {
		if ack.actions[i] != want {
			t.Fatalf("disposition %d: expected %+v, got %+v", i, want, ack.actions[i])
		}
	}

	if retries != 3 || deadLetters != 1 {
		t.Fatalf("expected 3 retries and 1 dead-letter, got %d/%d", retries, deadLetters)
	}
	if consumer.tracker.Attempts("5") != 0 {
		t.Fatal("tracker must be cleared after dead-lettering")
	}
}

func TestConsumer_SuccessAcksAndClearsTracker(t *testing.T) {
	t.Parallel()

	sender := &flakySender{failures: 1}
	consumer, delays := newTestConsumer(sender)

	var delivered int
	consumer.OnDelivered = func() { delivered++ }

	ack := &fakeAcknowledger{}
	n := Notification{OrderID: "8"}

	consumer.handleDelivery(context.Background(), delivery(t, ack, n))
	if consumer.tracker.Attempts("8") != 1 {
		t.Fatalf("expected 1 tracked attempt, got %d", consumer.tracker.Attempts("8"))
	}

	consumer.handleDelivery(context.Background(), delivery(t, ack, n))
	if len(ack.actions) != 2 || ack.actions[1].kind != "ack" {
		t.Fatalf("expected the redelivery to be acked, got %v", ack.actions)
	}
	if consumer.tracker.Attempts("8") != 0 {
		t.Fatal("tracker must be cleared on success")
	}
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	if len(*delays) != 1 {
		t.Fatalf("expected a single backoff sleep, got %v", *delays)
	}
}

func TestConsumer_MalformedPayloadGoesStraightToDLQ(t *testing.T) {
	t.Parallel()

	sender := &flakySender{}
	consumer, _ := newTestConsumer(sender)

	var deadLetters int
	consumer.OnDeadLetter = func() { deadLetters++ }

	ack := &fakeAcknowledger{}
	consumer.handleDelivery(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		MessageId:    "junk-1",
		Body:         []byte("not json"),
	})

	if sender.calls != 0 {
		t.Fatal("malformed payloads must never reach the sender")
	}
	if len(ack.actions) != 1 || ack.actions[0] != (ackAction{kind: "nack", requeue: false}) {
		t.Fatalf("expected an immediate dead-letter nack, got %v", ack.actions)
	}
	if deadLetters != 1 {
		t.Fatalf("expected 1 dead-letter, got %d", deadLetters)
	}
}

func TestConsumer_FallsBackToOrderIDWhenMessageIDMissing(t *testing.T) {
	t.Parallel()

	sender := &flakySender{failures: 1}
	consumer, _ := newTestConsumer(sender)

	ack := &fakeAcknowledger{}
	body, _ := json.Marshal(Notification{OrderID: "31"})
	consumer.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, Body: body})

	if consumer.tracker.Attempts("31") != 1 {
		t.Fatalf("expected attempts tracked under the order id, got %d", consumer.tracker.Attempts("31"))
	}
}

type fakeConsumeChannel struct {
	prefetch   int
	deliveries chan amqp.Delivery
	consumeErr error
}

func (f *fakeConsumeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeConsumeChannel) Consume(_, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	return f.deliveries, nil
}

func TestConsumer_ConsumeDrainsUntilChannelCloses(t *testing.T) {
	t.Parallel()

	sender := &flakySender{}
	consumer, _ := newTestConsumer(sender)

	ack := &fakeAcknowledger{}
	ch := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery, 1)}
	ch.deliveries <- delivery(t, ack, Notification{OrderID: "12"})
	close(ch.deliveries)

	if err := consumer.Consume(context.Background(), ch, "order_notifications"); err != nil {
		t.Fatalf("a closed delivery channel is a clean stop: %v", err)
	}
	if ch.prefetch != 1 {
		t.Fatalf("expected prefetch 1, got %d", ch.prefetch)
	}
	if sender.calls != 1 {
		t.Fatalf("expected the queued delivery to be processed, got %d calls", sender.calls)
	}
	if len(ack.actions) != 1 || ack.actions[0].kind != "ack" {
		t.Fatalf("expected an ack, got %v", ack.actions)
	}
}

func TestDLQMonitor_LogsAndAcks(t *testing.T) {
	t.Parallel()

	monitor := NewDLQMonitor(zerolog.Nop())
	var seen int
	monitor.OnMessage = func() { seen++ }

	ack := &fakeAcknowledger{}
	ch := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery, 2)}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, MessageId: "1", Body: []byte(`{"orderId":"1"}`)}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, MessageId: "2", Body: []byte("not json")}
	close(ch.deliveries)

	if err := monitor.Consume(context.Background(), ch, "order_notifications_dlq"); err != nil {
		t.Fatalf("monitor consume: %v", err)
	}
	if seen != 2 {
		t.Fatalf("expected 2 observed messages, got %d", seen)
	}
	for i, action := range ack.actions {
		if action.kind != "ack" {
			t.Fatalf("dead-lettered message %d must only be acked, got %+v", i, action)
		}
	}
}

package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Notification is the work item describing one order-confirmation mail.
// Its message id on the wire is the order id unless explicitly set.
type Notification struct {
	OrderID     string  `json:"orderId"`
	UserName    string  `json:"userName"`
	UserEmail   string  `json:"userEmail"`
	ProductName string  `json:"productName"`
	Quantity    int32   `json:"quantity"`
	TotalPrice  float64 `json:"totalPrice"`
}

// Dispatcher enqueues a durable notification work item. Fire-and-forget
// from the saga's perspective: the coordinator logs failures and moves on.
type Dispatcher interface {
	Enqueue(ctx context.Context, n Notification) error
}

// Sender attempts delivery of one notification. Implementations used in
// tests inject failures here; production senders carry no synthetic
// failure logic.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// EmailSender renders the order confirmation mail. Delivery is a log line
// rather than real SMTP; the upstream system did the same in development.
type EmailSender struct {
	From   string
	Logger zerolog.Logger
}

// Send renders and "delivers" the confirmation email.
func (s *EmailSender) Send(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	from := s.From
	if from == "" {
		from = "noreply@orderpilot.local"
	}
	subject := fmt.Sprintf("Order Confirmation - #%s", n.OrderID)
	body := fmt.Sprintf(
		"Hi %s, your order has been placed. Order %s: %d x %s, total $%.2f. Thank you for your purchase!",
		n.UserName, n.OrderID, n.Quantity, n.ProductName, n.TotalPrice,
	)

	s.Logger.Info().
		Str("from", from).
		Str("to", n.UserEmail).
		Str("subject", subject).
		Str("body", body).
		Msg("email sent")
	return nil
}

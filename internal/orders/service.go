package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"orderpilot/internal/events"
	"orderpilot/internal/notify"
	"orderpilot/internal/orders/saga"
)

// DefaultPaymentMethod is charged when the caller does not choose one.
const DefaultPaymentMethod = "CREDIT_CARD"

// ErrInvalidQuantity rejects non-positive order quantities before any
// collaborator is called.
var ErrInvalidQuantity = errors.New("quantity must be positive")

// SagaMetrics receives saga lifecycle counts.
type SagaMetrics interface {
	SagaStarted()
	SagaCompleted()
	SagaFailed()
}

// Service coordinates order creation as a saga: ordered steps with
// compensations for the effects that must be undone on a later failure.
type Service struct {
	users      UserClient
	products   ProductClient
	payments   PaymentClient
	store      OrderStore
	publisher  events.Publisher
	dispatcher notify.Dispatcher
	logger     zerolog.Logger

	// Metrics is optional; nil disables lifecycle counting.
	Metrics SagaMetrics
	// PublishTimeout bounds the detached post-commit publish/enqueue work.
	PublishTimeout time.Duration
	// CompensateTimeout bounds the rollback pass.
	CompensateTimeout time.Duration

	wg sync.WaitGroup
}

// NewService constructs the saga coordinator.
func NewService(
	users UserClient,
	products ProductClient,
	payments PaymentClient,
	store OrderStore,
	publisher events.Publisher,
	dispatcher notify.Dispatcher,
	logger zerolog.Logger,
) *Service {
	return &Service{
		users:             users,
		products:          products,
		payments:          payments,
		store:             store,
		publisher:         publisher,
		dispatcher:        dispatcher,
		logger:            logger,
		PublishTimeout:    5 * time.Second,
		CompensateTimeout: 10 * time.Second,
	}
}

// CreateOrder runs the five ordered steps of the order saga. The caller
// receives either a fully confirmed order or the first fatal cause;
// never a partially-populated order.
func (s *Service) CreateOrder(ctx context.Context, userID, productID string, quantity int32) (Order, error) {
	if quantity <= 0 {
		return Order{}, ErrInvalidQuantity
	}

	orderID := s.store.NextID()
	inst := saga.New(orderID)
	logger := s.logger.With().Str("order_id", orderID).Logger()
	if s.Metrics != nil {
		s.Metrics.SagaStarted()
	}
	logger.Info().Str("user_id", userID).Str("product_id", productID).Int32("quantity", quantity).Msg("saga started")

	// Step 1: fetch user. Read-only, no compensation.
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		inst.RecordStep("fetch_user", saga.StepFailed, err.Error())
		return s.fail(ctx, inst, logger, err)
	}
	inst.RecordStep("fetch_user", saga.StepSucceeded, "")

	// Step 2: fetch product. Read-only, no compensation.
	product, err := s.products.GetProduct(ctx, productID)
	if err != nil {
		inst.RecordStep("fetch_product", saga.StepFailed, err.Error())
		return s.fail(ctx, inst, logger, err)
	}
	inst.RecordStep("fetch_product", saga.StepSucceeded, "")

	// Step 3: charge payment. A transport failure surfaces here only
	// after the retrier exhausted its attempts; a decline arrives as a
	// FAILED status and is fatal without further retries.
	amount := product.Price * float64(quantity)
	payment, err := s.payments.ProcessPayment(ctx, PaymentRequest{
		OrderID: orderID,
		UserID:  userID,
		Amount:  amount,
		Method:  DefaultPaymentMethod,
	})
	if err != nil {
		inst.RecordStep("charge_payment", saga.StepFailed, err.Error())
		return s.fail(ctx, inst, logger, fmt.Errorf("charge payment: %w", err))
	}
	if payment.Status != PaymentStatusSuccess {
		inst.RecordStep("charge_payment", saga.StepFailed, payment.Message)
		return s.fail(ctx, inst, logger, fmt.Errorf("%w: %s", ErrPaymentDeclined, payment.Message))
	}
	inst.RecordStep("charge_payment", saga.StepSucceeded, payment.TransactionID)
	paymentID := payment.ID
	inst.RegisterCompensation("refund_payment", func(ctx context.Context) error {
		return s.payments.RefundPayment(ctx, paymentID)
	})

	// Step 4: persist the order. A pure local write, but if it ever does
	// fail the charge is rolled back like any other step failure.
	order := Order{
		ID:          orderID,
		UserID:      userID,
		ProductID:   productID,
		Quantity:    quantity,
		TotalPrice:  amount,
		UserName:    user.Name,
		UserEmail:   user.Email,
		ProductName: product.Name,
		PaymentID:   paymentID,
		Status:      OrderStatusConfirmed,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.Put(order); err != nil {
		inst.RecordStep("persist_order", saga.StepFailed, err.Error())
		return s.fail(ctx, inst, logger, fmt.Errorf("persist order: %w", err))
	}
	inst.RecordStep("persist_order", saga.StepSucceeded, "")

	// Step 5: publish the outcome and enqueue the notification. The
	// order is committed; this work is handed off and never fails the saga.
	inst.Complete()
	if s.Metrics != nil {
		s.Metrics.SagaCompleted()
	}
	logger.Info().Float64("total_price", order.TotalPrice).Msg("saga completed")
	s.dispatchCreated(order)

	return order, nil
}

// GetOrder returns the confirmed order for id or ErrOrderNotFound.
func (s *Service) GetOrder(ctx context.Context, id string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	return s.store.Get(id)
}

// Wait blocks until all detached post-commit work has finished. Called
// on shutdown and by tests.
func (s *Service) Wait() {
	s.wg.Wait()
}

// fail rolls back registered compensations in reverse order, publishes
// ORDER_FAILED, and propagates the original cause. Compensation errors
// are logged, never returned: a broken rollback must not mask the
// failure that triggered it.
func (s *Service) fail(ctx context.Context, inst *saga.Instance, logger zerolog.Logger, cause error) (Order, error) {
	// Compensations must run even when the caller is gone.
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.CompensateTimeout)
	defer cancel()
	for _, failure := range inst.Compensate(compCtx) {
		logger.Error().Err(failure.Err).Str("compensation", failure.Name).Msg("compensation failed")
	}

	inst.Fail()
	if s.Metrics != nil {
		s.Metrics.SagaFailed()
	}
	logger.Warn().Err(cause).Msg("saga failed")
	s.dispatchFailed(inst.OrderID, cause)

	return Order{}, cause
}

type orderSnapshot struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	ProductID   string    `json:"productId"`
	Quantity    int32     `json:"quantity"`
	TotalPrice  float64   `json:"totalPrice"`
	UserName    string    `json:"userName"`
	ProductName string    `json:"productName"`
	PaymentID   string    `json:"paymentId"`
	CreatedAt   time.Time `json:"createdAt"`
}

type orderFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func (s *Service) dispatchCreated(order Order) {
	s.dispatch(order.ID, events.Event{
		Type:      events.TypeOrderCreated,
		Timestamp: order.CreatedAt,
		OrderID:   order.ID,
		Data: orderSnapshot{
			ID:          order.ID,
			UserID:      order.UserID,
			ProductID:   order.ProductID,
			Quantity:    order.Quantity,
			TotalPrice:  order.TotalPrice,
			UserName:    order.UserName,
			ProductName: order.ProductName,
			PaymentID:   order.PaymentID,
			CreatedAt:   order.CreatedAt,
		},
	}, &notify.Notification{
		OrderID:     order.ID,
		UserName:    order.UserName,
		UserEmail:   order.UserEmail,
		ProductName: order.ProductName,
		Quantity:    order.Quantity,
		TotalPrice:  order.TotalPrice,
	})
}

func (s *Service) dispatchFailed(orderID string, cause error) {
	s.dispatch(orderID, events.Event{
		Type:      events.TypeOrderFailed,
		Timestamp: time.Now().UTC(),
		OrderID:   orderID,
		Data:      orderFailure{ID: orderID, Error: cause.Error()},
	}, nil)
}

// dispatch hands off post-terminal work without blocking the saga's
// caller. Failures are logged and never propagated.
func (s *Service) dispatch(orderID string, event events.Event, n *notify.Notification) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.PublishTimeout)
		defer cancel()

		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Error().Err(err).Str("order_id", orderID).Str("event_type", event.Type).Msg("event publish failed")
		}
		if n != nil {
			if err := s.dispatcher.Enqueue(ctx, *n); err != nil {
				s.logger.Error().Err(err).Str("order_id", orderID).Msg("notification enqueue failed")
			}
		}
	}()
}

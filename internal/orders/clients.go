package orders

import (
	"context"
	"errors"
)

// Payment statuses as reported by the payment collaborator.
const (
	PaymentStatusSuccess  = "SUCCESS"
	PaymentStatusFailed   = "FAILED"
	PaymentStatusRefunded = "REFUNDED"
)

var (
	// ErrUserNotFound indicates the user lookup returned no user.
	ErrUserNotFound = errors.New("user not found")
	// ErrProductNotFound indicates the product lookup returned no product.
	ErrProductNotFound = errors.New("product not found")
	// ErrPaymentNotFound indicates a refund referenced an unknown payment.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrPaymentDeclined indicates the payment collaborator reported a
	// business decline (status FAILED) rather than a transport failure.
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrRefundNotAllowed indicates a refund was attempted on a payment
	// that is not currently in SUCCESS status.
	ErrRefundNotAllowed = errors.New("payment not refundable")
)

// User is the subset of the user collaborator's record the saga needs.
type User struct {
	ID    string
	Name  string
	Email string
}

// Product is the subset of the product collaborator's record the saga needs.
type Product struct {
	ID    string
	Name  string
	Price float64
}

// PaymentRequest describes a charge against the payment collaborator.
type PaymentRequest struct {
	OrderID string
	UserID  string
	Amount  float64
	Method  string
}

// PaymentResult is the payment collaborator's response. A business
// decline arrives as Status FAILED with a nil error; transport failures
// arrive as errors and are the retrier's concern.
type PaymentResult struct {
	ID            string
	Status        string
	TransactionID string
	Message       string
}

// UserClient looks up users on the user collaborator.
type UserClient interface {
	GetUser(ctx context.Context, id string) (User, error)
}

// ProductClient looks up products on the product collaborator.
type ProductClient interface {
	GetProduct(ctx context.Context, id string) (Product, error)
}

// PaymentClient charges and refunds payments on the payment collaborator.
type PaymentClient interface {
	ProcessPayment(ctx context.Context, req PaymentRequest) (PaymentResult, error)
	RefundPayment(ctx context.Context, paymentID string) error
}

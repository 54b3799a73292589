package orders

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewInMemoryUserClient constructs a user client seeded with the given users.
func NewInMemoryUserClient(seed ...User) *InMemoryUserClient {
	users := make(map[string]User, len(seed))
	for _, u := range seed {
		users[u.ID] = u
	}
	return &InMemoryUserClient{users: users}
}

// InMemoryUserClient is a local stand-in for the user collaborator.
type InMemoryUserClient struct {
	mu    sync.Mutex
	users map[string]User
}

func (c *InMemoryUserClient) GetUser(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	user, ok := c.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

// NewInMemoryProductClient constructs a product client seeded with products.
func NewInMemoryProductClient(seed ...Product) *InMemoryProductClient {
	products := make(map[string]Product, len(seed))
	for _, p := range seed {
		products[p.ID] = p
	}
	return &InMemoryProductClient{products: products}
}

// InMemoryProductClient is a local stand-in for the product collaborator.
type InMemoryProductClient struct {
	mu       sync.Mutex
	products map[string]Product
}

func (c *InMemoryProductClient) GetProduct(ctx context.Context, id string) (Product, error) {
	if err := ctx.Err(); err != nil {
		return Product{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	product, ok := c.products[id]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return product, nil
}

// PaymentRecord is the in-memory payment collaborator's ledger entry.
type PaymentRecord struct {
	ID            string
	OrderID       string
	UserID        string
	Amount        float64
	Method        string
	Status        string
	TransactionID string
	Timestamp     time.Time
	RefundedAt    time.Time
}

// InMemoryPaymentClient is a local stand-in for the payment collaborator.
// Gateway holds the injectable failure strategy used by tests; when nil
// every charge succeeds.
type InMemoryPaymentClient struct {
	mu       sync.Mutex
	payments map[string]*PaymentRecord
	nextID   int64

	// Gateway simulates the upstream payment gateway. A returned error is
	// a transport-style failure (retried by callers); returning false
	// records a business decline. nil means always approve.
	Gateway func(req PaymentRequest) (approved bool, err error)
}

// NewInMemoryPaymentClient constructs an empty payment client.
func NewInMemoryPaymentClient() *InMemoryPaymentClient {
	return &InMemoryPaymentClient{
		payments: make(map[string]*PaymentRecord),
		nextID:   1,
	}
}

func (c *InMemoryPaymentClient) ProcessPayment(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	if err := ctx.Err(); err != nil {
		return PaymentResult{}, err
	}

	approved := true
	if c.Gateway != nil {
		var err error
		approved, err = c.Gateway(req)
		if err != nil {
			return PaymentResult{}, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	id := strconv.FormatInt(c.nextID, 10)
	c.nextID++

	record := &PaymentRecord{
		ID:        id,
		OrderID:   req.OrderID,
		UserID:    req.UserID,
		Amount:    req.Amount,
		Method:    req.Method,
		Timestamp: time.Now().UTC(),
	}
	if approved {
		record.Status = PaymentStatusSuccess
		record.TransactionID = "TXN-" + uuid.NewString()
	} else {
		record.Status = PaymentStatusFailed
	}
	c.payments[id] = record

	result := PaymentResult{
		ID:            record.ID,
		Status:        record.Status,
		TransactionID: record.TransactionID,
	}
	if approved {
		result.Message = "payment processed"
	} else {
		result.Message = "payment declined"
	}
	return result, nil
}

// RefundPayment transitions a SUCCESS payment to REFUNDED. Refunding any
// other status is a precondition failure and never mutates the record.
func (c *InMemoryPaymentClient) RefundPayment(ctx context.Context, paymentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.payments[paymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	if record.Status != PaymentStatusSuccess {
		return ErrRefundNotAllowed
	}
	record.Status = PaymentStatusRefunded
	record.RefundedAt = time.Now().UTC()
	return nil
}

// Payment returns a copy of the ledger entry (for testing/inspection).
func (c *InMemoryPaymentClient) Payment(id string) (PaymentRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.payments[id]
	if !ok {
		return PaymentRecord{}, false
	}
	return *record, true
}

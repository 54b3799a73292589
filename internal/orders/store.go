package orders

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

// OrderStatusConfirmed is the only stored status: an order exists in the
// store only after its saga completed.
const OrderStatusConfirmed = "CONFIRMED"

// ErrOrderNotFound indicates a lookup for an order id the store never
// confirmed (including ids consumed by failed sagas).
var ErrOrderNotFound = errors.New("order not found")

// Order is a confirmed order. Never mutated after insertion and never
// deleted; entries live for the lifetime of the process.
type Order struct {
	ID          string
	UserID      string
	ProductID   string
	Quantity    int32
	TotalPrice  float64
	UserName    string
	UserEmail   string
	ProductName string
	PaymentID   string
	Status      string
	CreatedAt   time.Time
}

// OrderStore is the volatile keyed store of confirmed orders.
type OrderStore interface {
	NextID() string
	Put(order Order) error
	Get(id string) (Order, error)
}

// MemoryOrderStore keeps orders in a mutex-guarded map with a dense
// monotonically increasing id sequence.
type MemoryOrderStore struct {
	mu     sync.Mutex
	orders map[string]Order
	nextID int64
}

// NewMemoryOrderStore constructs an empty in-memory order store.
func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{
		orders: make(map[string]Order),
		nextID: 1,
	}
}

// NextID allocates the next order id. Allocation is atomic so concurrent
// sagas never observe a collision or a gap in the sequence.
func (s *MemoryOrderStore) NextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return strconv.FormatInt(id, 10)
}

// Put inserts a confirmed order. Inserting the same id twice is a bug in
// the caller and is rejected rather than silently overwritten.
func (s *MemoryOrderStore) Put(order Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.ID]; ok {
		return errors.New("order already stored: " + order.ID)
	}
	s.orders[order.ID] = order
	return nil
}

// Get returns the confirmed order for id or ErrOrderNotFound.
func (s *MemoryOrderStore) Get(id string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

// Len reports the number of stored orders (for testing/inspection).
func (s *MemoryOrderStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

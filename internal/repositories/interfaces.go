package repositories

import (
	"context"
	"time"

	"github.com/mobishop/api/internal/domain"
)

// Registry exposes the repositories of one persistence backend.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	Orders() OrderRepository
	ProcessedEvents() ProcessedEventRepository
	Ping(ctx context.Context) error

	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary when the backend supports it.
// Repositories called with the ctx passed to fn join the transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	// SupportsTransactions reports whether RunInTx gives all-or-nothing semantics. Backends such as
	// a standalone Mongo server answer false and RunInTx then runs fn without isolation.
	SupportsTransactions(ctx context.Context) bool
}

// ProductRepository is the inventory ledger: catalog prices and integer stock levels.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	ListActive(ctx context.Context) ([]domain.Product, error)
	// DecrementStock subtracts qty only when stock >= qty, as one conditional write. It returns
	// ErrInsufficientStock when the predicate did not match and a not-found error when the product
	// does not exist.
	DecrementStock(ctx context.Context, productID string, qty int) error
	// IncrementStock restores qty units. Used for compensation only.
	IncrementStock(ctx context.Context, productID string, qty int) error
}

// OrderListFilter narrows admin order listings.
type OrderListFilter struct {
	Status     []domain.OrderStatus
	Pagination domain.Pagination
}

// OrderRepository persists orders.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// SetPaymentPreference stores the hosted checkout reference on a pending order.
	SetPaymentPreference(ctx context.Context, orderID, provider, preferenceID string, updatedAt time.Time) error
	// MarkPaid flips a pending order to paid. Orders at or past paid return ErrOrderAlreadyPaid;
	// failed orders return ErrStatusMismatch.
	MarkPaid(ctx context.Context, orderID, chargeID string, paidAt time.Time) error
	// UpdateStatus writes status when the current status equals expected.
	UpdateStatus(ctx context.Context, orderID string, expected, status domain.OrderStatus, updatedAt time.Time) error
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// ProcessedEventRepository is the idempotency ledger for gateway notifications.
type ProcessedEventRepository interface {
	Exists(ctx context.Context, key string) (bool, error)
	// Insert records a fully processed notification. It returns ErrEventAlreadyProcessed when the
	// key exists.
	Insert(ctx context.Context, event domain.ProcessedEvent) error
	// Upsert records or refreshes an entry without uniqueness enforcement.
	Upsert(ctx context.Context, event domain.ProcessedEvent) error
	// DeleteExpired removes up to limit entries whose ExpiresAt is before now.
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// HealthRepository surfaces dependency health information for readiness endpoints.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

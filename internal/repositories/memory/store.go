// Package memory implements the repositories on in-process maps. It backs local development and the
// service tests, and can emulate a backend without transactions.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/platform/pagination"
	"github.com/mobishop/api/internal/repositories"
)

type txKey struct{}

// Option configures the Store.
type Option func(*Store)

// WithTransactions toggles transactional RunInTx. When disabled RunInTx runs fn directly and
// SupportsTransactions reports false.
func WithTransactions(enabled bool) Option {
	return func(s *Store) { s.transactional = enabled }
}

// Store holds products, orders and processed events. With transactions enabled RunInTx serialises
// all access and restores a snapshot when fn fails.
type Store struct {
	mu            sync.Mutex
	transactional bool

	products map[string]domain.Product
	orders   map[string]domain.Order
	events   map[string]domain.ProcessedEvent
}

var _ repositories.Registry = (*Store)(nil)

// NewStore constructs an empty store with transactions enabled.
func NewStore(opts ...Option) *Store {
	s := &Store{
		transactional: true,
		products:      make(map[string]domain.Product),
		orders:        make(map[string]domain.Order),
		events:        make(map[string]domain.ProcessedEvent),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SeedProducts upserts catalog entries.
func (s *Store) SeedProducts(products ...domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range products {
		s.products[p.ID] = p
	}
}

func (s *Store) Products() repositories.ProductRepository               { return productRepo{s} }
func (s *Store) Orders() repositories.OrderRepository                   { return orderRepo{s} }
func (s *Store) ProcessedEvents() repositories.ProcessedEventRepository { return eventRepo{s} }

func (s *Store) Ping(context.Context) error  { return nil }
func (s *Store) Close(context.Context) error { return nil }

// SupportsTransactions reports the configured capability.
func (s *Store) SupportsTransactions(context.Context) bool { return s.transactional }

// RunInTx runs fn atomically when transactions are enabled.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if !s.transactional || inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	products := cloneMap(s.products)
	orders := make(map[string]domain.Order, len(s.orders))
	for id, order := range s.orders {
		orders[id] = cloneOrder(order)
	}
	events := cloneMap(s.events)

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.products, s.orders, s.events = products, orders, events
		return err
	}
	return nil
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

// lock acquires the store mutex unless ctx already holds it through RunInTx.
func (s *Store) lock(ctx context.Context) func() {
	if inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type productRepo struct{ s *Store }

func (r productRepo) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	defer r.s.lock(ctx)()
	product, ok := r.s.products[productID]
	if !ok {
		return domain.Product{}, repositories.NewNotFound("products.get", "product %s not found", productID)
	}
	return product, nil
}

func (r productRepo) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	defer r.s.lock(ctx)()
	out := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if product, ok := r.s.products[id]; ok {
			out[id] = product
		}
	}
	return out, nil
}

func (r productRepo) ListActive(ctx context.Context) ([]domain.Product, error) {
	defer r.s.lock(ctx)()
	out := make([]domain.Product, 0, len(r.s.products))
	for _, product := range r.s.products {
		if product.Active {
			out = append(out, product)
		}
	}
	slices.SortFunc(out, func(a, b domain.Product) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (r productRepo) DecrementStock(ctx context.Context, productID string, qty int) error {
	defer r.s.lock(ctx)()
	product, ok := r.s.products[productID]
	if !ok {
		return repositories.NewNotFound("products.decrement", "product %s not found", productID)
	}
	if product.Stock < qty {
		return fmt.Errorf("products.decrement %s: %w", productID, repositories.ErrInsufficientStock)
	}
	product.Stock -= qty
	product.UpdatedAt = time.Now().UTC()
	r.s.products[productID] = product
	return nil
}

func (r productRepo) IncrementStock(ctx context.Context, productID string, qty int) error {
	defer r.s.lock(ctx)()
	product, ok := r.s.products[productID]
	if !ok {
		return repositories.NewNotFound("products.increment", "product %s not found", productID)
	}
	product.Stock += qty
	product.UpdatedAt = time.Now().UTC()
	r.s.products[productID] = product
	return nil
}

type orderRepo struct{ s *Store }

func (r orderRepo) Insert(ctx context.Context, order domain.Order) error {
	defer r.s.lock(ctx)()
	if _, exists := r.s.orders[order.ID]; exists {
		return repositories.NewConflict("orders.insert", fmt.Errorf("order %s already exists", order.ID))
	}
	r.s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r orderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	defer r.s.lock(ctx)()
	order, ok := r.s.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewNotFound("orders.get", "order %s not found", orderID)
	}
	return cloneOrder(order), nil
}

func (r orderRepo) SetPaymentPreference(ctx context.Context, orderID, provider, preferenceID string, updatedAt time.Time) error {
	defer r.s.lock(ctx)()
	order, ok := r.s.orders[orderID]
	if !ok {
		return repositories.NewNotFound("orders.preference", "order %s not found", orderID)
	}
	order.Provider = provider
	order.PaymentPreferenceID = preferenceID
	order.UpdatedAt = updatedAt
	r.s.orders[orderID] = order
	return nil
}

func (r orderRepo) MarkPaid(ctx context.Context, orderID, chargeID string, paidAt time.Time) error {
	defer r.s.lock(ctx)()
	order, ok := r.s.orders[orderID]
	if !ok {
		return repositories.NewNotFound("orders.mark_paid", "order %s not found", orderID)
	}
	if order.Status != domain.OrderStatusPending {
		return repositories.MarkPaidRejection("orders.mark_paid", orderID, order.Status)
	}
	order.Status = domain.OrderStatusPaid
	if chargeID != "" {
		order.PaymentChargeID = chargeID
	}
	order.PaidAt = &paidAt
	order.UpdatedAt = paidAt
	r.s.orders[orderID] = order
	return nil
}

func (r orderRepo) UpdateStatus(ctx context.Context, orderID string, expected, status domain.OrderStatus, updatedAt time.Time) error {
	defer r.s.lock(ctx)()
	order, ok := r.s.orders[orderID]
	if !ok {
		return repositories.NewNotFound("orders.status", "order %s not found", orderID)
	}
	if order.Status != expected {
		return repositories.NewConflict("orders.status", repositories.ErrStatusMismatch)
	}
	order.Status = status
	order.UpdatedAt = updatedAt
	r.s.orders[orderID] = order
	return nil
}

func (r orderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	size := filter.Pagination.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}

	unlock := r.s.lock(ctx)
	matched := make([]domain.Order, 0, len(r.s.orders))
	for _, order := range r.s.orders {
		if len(filter.Status) > 0 && !slices.Contains(filter.Status, order.Status) {
			continue
		}
		matched = append(matched, cloneOrder(order))
	}
	unlock()

	slices.SortFunc(matched, compareNewestFirst)

	start := 0
	if !cursor.IsZero() {
		start = len(matched)
		for i, order := range matched {
			if compareNewestFirst(order, domain.Order{ID: cursor.ID, CreatedAt: cursor.CreatedAt}) > 0 {
				start = i
				break
			}
		}
	}

	end := min(start+size, len(matched))
	page := domain.CursorPage[domain.Order]{Items: matched[start:end]}
	if end < len(matched) {
		last := matched[end-1]
		page.NextPageToken, _ = pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

func compareNewestFirst(a, b domain.Order) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(b.ID, a.ID)
}

type eventRepo struct{ s *Store }

func (r eventRepo) Exists(ctx context.Context, key string) (bool, error) {
	defer r.s.lock(ctx)()
	_, ok := r.s.events[key]
	return ok, nil
}

func (r eventRepo) Insert(ctx context.Context, event domain.ProcessedEvent) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.events[event.Key]; ok {
		return repositories.NewConflict("processed_events.insert", repositories.ErrEventAlreadyProcessed)
	}
	r.s.events[event.Key] = event
	return nil
}

func (r eventRepo) Upsert(ctx context.Context, event domain.ProcessedEvent) error {
	defer r.s.lock(ctx)()
	r.s.events[event.Key] = event
	return nil
}

func (r eventRepo) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	defer r.s.lock(ctx)()
	removed := 0
	for key, event := range r.s.events {
		if limit > 0 && removed >= limit {
			break
		}
		if !event.ExpiresAt.IsZero() && !event.ExpiresAt.After(now) {
			delete(r.s.events, key)
			removed++
		}
	}
	return removed, nil
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = slices.Clone(order.Items)
	if order.PaidAt != nil {
		paidAt := *order.PaidAt
		order.PaidAt = &paidAt
	}
	return order
}

func cloneMap[K comparable, V any](src map[K]V) map[K]V {
	out := make(map[K]V, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	pfirestore "github.com/mobishop/api/internal/platform/firestore"
	"github.com/mobishop/api/internal/repositories"
)

const (
	productsCollection        = "products"
	ordersCollection          = "orders"
	processedEventsCollection = "processedEvents"
)

// Registry wires the Firestore repositories to one provider.
type Registry struct {
	provider *pfirestore.Provider
	products *ProductRepository
	orders   *OrderRepository
	events   *ProcessedEventRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds the Firestore-backed registry.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry: provider is required")
	}
	return &Registry{
		provider: provider,
		products: &ProductRepository{provider: provider, docs: pfirestore.NewCollection[productDocument](provider, productsCollection, nil)},
		orders:   &OrderRepository{provider: provider, docs: pfirestore.NewCollection[orderDocument](provider, ordersCollection, nil)},
		events:   &ProcessedEventRepository{docs: pfirestore.NewCollection[processedEventDocument](provider, processedEventsCollection, nil)},
	}, nil
}

func (r *Registry) Products() repositories.ProductRepository               { return r.products }
func (r *Registry) Orders() repositories.OrderRepository                   { return r.orders }
func (r *Registry) ProcessedEvents() repositories.ProcessedEventRepository { return r.events }

// RunInTx runs fn in a Firestore transaction. fn may be retried on contention, so it must not have
// side effects outside the repositories.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := pfirestore.TransactionFrom(ctx); ok {
		return fn(ctx)
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(withTxCache(ctx))
	})
}

// SupportsTransactions is always true for Firestore.
func (r *Registry) SupportsTransactions(context.Context) bool { return true }

// Ping lists at most one collection to verify connectivity.
func (r *Registry) Ping(ctx context.Context) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	iter := client.Collections(ctx)
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return pfirestore.WrapError("firestore.ping", err)
	}
	return nil
}

// Close releases the Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

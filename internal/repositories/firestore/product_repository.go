package firestore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/mobishop/api/internal/domain"
	pfirestore "github.com/mobishop/api/internal/platform/firestore"
	"github.com/mobishop/api/internal/repositories"
)

type productDocument struct {
	Title     string    `firestore:"title"`
	Price     int64     `firestore:"price"`
	Stock     int       `firestore:"stock"`
	Category  string    `firestore:"category"`
	ImageURL  string    `firestore:"imageUrl"`
	Active    bool      `firestore:"active"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:        id,
		Title:     d.Title,
		Price:     domain.Money(d.Price),
		Stock:     d.Stock,
		Category:  d.Category,
		ImageURL:  d.ImageURL,
		Active:    d.Active,
		UpdatedAt: d.UpdatedAt,
	}
}

// ProductRepository stores catalog entries in the products collection.
type ProductRepository struct {
	provider *pfirestore.Provider
	docs     *pfirestore.Collection[productDocument]
}

func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	doc, err := r.read(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.toDomain(productID), nil
}

func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if _, seen := out[id]; seen {
			continue
		}
		doc, err := r.read(ctx, id)
		if repositories.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = doc.toDomain(id)
	}
	return out, nil
}

func (r *ProductRepository) ListActive(ctx context.Context) ([]domain.Product, error) {
	client, err := r.docs.Client(ctx)
	if err != nil {
		return nil, err
	}
	snaps, err := client.Collection(productsCollection).Where("active", "==", true).Documents(ctx).GetAll()
	if err != nil {
		return nil, pfirestore.WrapError("products.list", err)
	}
	out := make([]domain.Product, 0, len(snaps))
	for _, snap := range snaps {
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode product %s: %w", snap.Ref.ID, err)
		}
		out = append(out, doc.toDomain(snap.Ref.ID))
	}
	slices.SortFunc(out, func(a, b domain.Product) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// DecrementStock checks and writes inside the ambient transaction, or opens one of its own.
func (r *ProductRepository) DecrementStock(ctx context.Context, productID string, qty int) error {
	return r.adjust(ctx, "products.decrement", productID, -qty)
}

// IncrementStock restores units with a transactional read-modify-write.
func (r *ProductRepository) IncrementStock(ctx context.Context, productID string, qty int) error {
	return r.adjust(ctx, "products.increment", productID, qty)
}

func (r *ProductRepository) adjust(ctx context.Context, op, productID string, delta int) error {
	if _, ok := pfirestore.TransactionFrom(ctx); !ok {
		return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
			return r.adjust(withTxCache(ctx), op, productID, delta)
		})
	}

	doc, err := r.read(ctx, productID)
	if err != nil {
		return err
	}
	if doc.Stock+delta < 0 {
		return fmt.Errorf("%s %s: %w", op, productID, repositories.ErrInsufficientStock)
	}
	doc.Stock += delta
	doc.UpdatedAt = time.Now().UTC()
	if err := r.docs.Update(ctx, productID, []firestore.Update{
		{Path: "stock", Value: doc.Stock},
		{Path: "updatedAt", Value: doc.UpdatedAt},
	}); err != nil {
		return err
	}
	if cache := cacheFrom(ctx); cache != nil {
		cache.products[productID] = doc
	}
	return nil
}

func (r *ProductRepository) read(ctx context.Context, productID string) (productDocument, error) {
	cache := cacheFrom(ctx)
	if cache != nil {
		if doc, ok := cache.products[productID]; ok {
			return doc, nil
		}
	}
	doc, err := r.docs.Get(ctx, productID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return productDocument{}, repositories.NewNotFound("products.get", "product %s not found", productID)
		}
		return productDocument{}, err
	}
	if cache != nil {
		cache.products[productID] = doc
	}
	return doc, nil
}

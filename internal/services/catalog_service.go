package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/repositories"
)

// ProductListCache is the read-through store for the active product listing.
type ProductListCache interface {
	Get(ctx context.Context) ([]domain.Product, bool, error)
	Set(ctx context.Context, products []domain.Product) error
	Invalidate(ctx context.Context) error
}

// CatalogServiceDeps bundles collaborators required to construct the catalog service.
type CatalogServiceDeps struct {
	Products repositories.ProductRepository
	Cache    ProductListCache
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type catalogService struct {
	products repositories.ProductRepository
	cache    ProductListCache
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewCatalogService constructs the listing and stock query service.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Products == nil {
		return nil, errors.New("catalog service: product repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &catalogService{
		products: deps.Products,
		cache:    deps.Cache,
		clock:    func() time.Time { return clock().UTC() },
		logger:   logger,
	}, nil
}

// ListProducts serves from the cache when warm. Cache failures fall through to the store.
func (s *catalogService) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if s.cache != nil {
		products, ok, err := s.cache.Get(ctx)
		switch {
		case err != nil:
			s.logger(ctx, "catalog.cache.get.failed", map[string]any{"error": err.Error()})
		case ok:
			return products, nil
		}
	}

	products, err := s.products.ListActive(ctx)
	if err != nil {
		return nil, fromRepository("products", err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, products); err != nil {
			s.logger(ctx, "catalog.cache.set.failed", map[string]any{"error": err.Error()})
		}
	}
	return products, nil
}

// GetStock reads stock straight from the store; the listing cache may lag behind it.
func (s *catalogService) GetStock(ctx context.Context, productID string) (StockLevel, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return StockLevel{}, newError(KindValidation, "product: id is required")
	}
	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return StockLevel{}, fromRepository("product", err)
	}
	return StockLevel{
		ProductID: product.ID,
		Title:     product.Title,
		Stock:     product.Stock,
		Available: product.Active && product.Stock > 0,
		CheckedAt: s.clock(),
	}, nil
}

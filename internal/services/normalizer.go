package services

import (
	"context"
	"errors"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/mobishop/api/internal/domain"
)

// ItemNormalizer rebuilds cart lines from the catalog. Client titles and prices are discarded.
type ItemNormalizer struct {
	products StockReader
}

// NewItemNormalizer constructs a normalizer over the catalog.
func NewItemNormalizer(products StockReader) (*ItemNormalizer, error) {
	if products == nil {
		return nil, errors.New("item normalizer: product repository is required")
	}
	return &ItemNormalizer{products: products}, nil
}

// Normalize returns lines priced from the catalog in request order, with their exact total.
func (n *ItemNormalizer) Normalize(ctx context.Context, items []ItemRequest) (NormalizedItems, error) {
	if err := validateLines(items); err != nil {
		return NormalizedItems{}, err
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, strings.TrimSpace(item.ProductID))
	}

	products, err := n.products.FindByIDs(ctx, ids)
	if err != nil {
		return NormalizedItems{}, fromRepository("order", err)
	}

	out := NormalizedItems{Items: make([]domain.OrderItem, 0, len(items))}
	for i, id := range ids {
		product, ok := products[id]
		if !ok {
			return NormalizedItems{}, newError(KindNotFound, "order: product %s not found", id)
		}
		line := domain.OrderItem{
			ProductID: product.ID,
			Title:     product.Title,
			UnitPrice: product.Price,
			Quantity:  items[i].Quantity,
		}
		out.Items = append(out.Items, line)
		out.Total += line.LineTotal()
	}
	return out, nil
}

// validateLines rejects carts whose lines cannot be looked up or priced.
func validateLines(items []ItemRequest) error {
	if len(items) == 0 {
		return newError(KindValidation, "order: items are required")
	}
	for _, item := range items {
		if strings.TrimSpace(item.ProductID) == "" {
			return newError(KindValidation, "order: productId is required")
		}
		if item.Quantity <= 0 {
			return newError(KindValidation, "order: quantity for %s must be positive", item.ProductID)
		}
	}
	return nil
}

var buyerTextPolicy = bluemonday.StrictPolicy()

// sanitizeBuyer trims every field and strips markup from free text before it is stored.
func sanitizeBuyer(buyer domain.Buyer) domain.Buyer {
	clean := func(value string) string {
		return strings.TrimSpace(html.UnescapeString(buyerTextPolicy.Sanitize(value)))
	}
	return domain.Buyer{
		Name:    clean(buyer.Name),
		Phone:   strings.TrimSpace(buyer.Phone),
		Email:   strings.ToLower(strings.TrimSpace(buyer.Email)),
		Address: clean(buyer.Address),
		City:    clean(buyer.City),
		Notes:   clean(buyer.Notes),
	}
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// StockValidator is the pre-flight availability check run before any gateway call. The
// conditional decrement at commit time remains the authoritative guard.
type StockValidator struct {
	products StockReader
}

// NewStockValidator constructs a validator over the inventory ledger.
func NewStockValidator(products StockReader) (*StockValidator, error) {
	if products == nil {
		return nil, errors.New("stock validator: product repository is required")
	}
	return &StockValidator{products: products}, nil
}

// Validate returns every line that cannot be satisfied. Quantities requested for the same product
// on several lines are summed.
func (v *StockValidator) Validate(ctx context.Context, items []ItemRequest) ([]StockProblem, error) {
	order := make([]string, 0, len(items))
	requested := make(map[string]int, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ProductID)
		if _, seen := requested[id]; !seen {
			order = append(order, id)
		}
		requested[id] += item.Quantity
	}

	products, err := v.products.FindByIDs(ctx, order)
	if err != nil {
		return nil, fromRepository("stock", err)
	}

	var problems []StockProblem
	for _, id := range order {
		product, ok := products[id]
		if !ok {
			problems = append(problems, StockProblem{ProductID: id, Requested: requested[id], Missing: true})
			continue
		}
		if product.Stock < requested[id] {
			problems = append(problems, StockProblem{
				ProductID: id,
				Title:     product.Title,
				Available: product.Stock,
				Requested: requested[id],
			})
		}
	}
	return problems, nil
}

// stockError wraps problems into the validation failure shown to buyers.
func stockError(problems []StockProblem) *Error {
	messages := make([]string, 0, len(problems))
	details := make([]map[string]any, 0, len(problems))
	for _, p := range problems {
		messages = append(messages, p.Message())
		entry := map[string]any{
			"productId": p.ProductID,
			"requested": p.Requested,
			"message":   p.Message(),
		}
		if !p.Missing {
			entry["title"] = p.Title
			entry["available"] = p.Available
		}
		details = append(details, entry)
	}
	return newError(KindValidation, "insufficient stock: %s", strings.Join(messages, "; ")).
		withDetails(map[string]any{"problems": details})
}

func formatShortage(p StockProblem) string {
	title := p.Title
	if title == "" {
		title = p.ProductID
	}
	return fmt.Sprintf("%s: only %d available, %d requested", title, p.Available, p.Requested)
}

package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/services"
)

// ProductHandlers serves the public catalog.
type ProductHandlers struct {
	catalog services.CatalogService
}

// NewProductHandlers constructs product handlers.
func NewProductHandlers(catalog services.CatalogService) *ProductHandlers {
	return &ProductHandlers{catalog: catalog}
}

// Routes registers the /products endpoints.
func (h *ProductHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listProducts)
	r.Get("/{productId}/stock", h.getStock)
}

type productPayload struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Price    int64  `json:"price"`
	Stock    int    `json:"stock"`
	Category string `json:"category,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

type productListResponse struct {
	Items []productPayload `json:"items"`
}

type stockResponse struct {
	ProductID string `json:"productId"`
	Title     string `json:"title"`
	Stock     int    `json:"stock"`
	Available bool   `json:"available"`
	CheckedAt string `json:"checkedAt"`
}

func (h *ProductHandlers) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		writeUnavailable(ctx, w, "catalog")
		return
	}
	products, err := h.catalog.ListProducts(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]productPayload, 0, len(products))
	for _, product := range products {
		items = append(items, buildProductPayload(product))
	}
	writeJSONResponse(w, http.StatusOK, productListResponse{Items: items})
}

func (h *ProductHandlers) getStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		writeUnavailable(ctx, w, "catalog")
		return
	}
	level, err := h.catalog.GetStock(ctx, strings.TrimSpace(chi.URLParam(r, "productId")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stockResponse{
		ProductID: level.ProductID,
		Title:     level.Title,
		Stock:     level.Stock,
		Available: level.Available,
		CheckedAt: formatTime(level.CheckedAt),
	})
}

func buildProductPayload(product domain.Product) productPayload {
	return productPayload{
		ID:       product.ID,
		Title:    product.Title,
		Price:    int64(product.Price),
		Stock:    product.Stock,
		Category: product.Category,
		ImageURL: product.ImageURL,
	}
}

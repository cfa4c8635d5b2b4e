package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/platform/httpx"
	"github.com/mobishop/api/internal/services"
)

const maxSyncRequestBody = 2 * 1024

// OrderHandlers exposes the buyer facing order endpoints used by the return page.
type OrderHandlers struct {
	orders     services.OrderService
	reconciler services.Reconciler
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService, reconciler services.Reconciler) *OrderHandlers {
	return &OrderHandlers{
		orders:     orders,
		reconciler: reconciler,
	}
}

// Routes registers the /orders read and sync endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{orderId}", h.getOrder)
	r.Post("/{orderId}/sync", h.syncOrder)
}

type publicOrderPayload struct {
	ID        string             `json:"id"`
	Status    string             `json:"status"`
	Total     int64              `json:"total"`
	Currency  string             `json:"currency"`
	Provider  string             `json:"provider,omitempty"`
	Items     []orderItemPayload `json:"items"`
	CreatedAt string             `json:"createdAt"`
	PaidAt    string             `json:"paidAt,omitempty"`
}

type orderItemPayload struct {
	ProductID string `json:"productId"`
	Title     string `json:"title"`
	UnitPrice int64  `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
	Total     int64  `json:"total"`
}

type syncOrderRequest struct {
	PaymentID string `json:"paymentId"`
	Provider  string `json:"provider,omitempty"`
}

type syncOrderResponse struct {
	Outcome string             `json:"outcome"`
	Order   publicOrderPayload `json:"order"`
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	order, err := h.orders.GetOrder(ctx, strings.TrimSpace(chi.URLParam(r, "orderId")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPublicOrder(order))
}

func (h *OrderHandlers) syncOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		writeUnavailable(ctx, w, "reconciler")
		return
	}

	var req syncOrderRequest
	if herr := httpx.DecodeJSONBody(r, maxSyncRequestBody, &req); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}

	result, err := h.reconciler.SyncPayment(ctx, services.SyncPaymentCommand{
		OrderID:   strings.TrimSpace(chi.URLParam(r, "orderId")),
		PaymentID: strings.TrimSpace(req.PaymentID),
		Provider:  strings.TrimSpace(req.Provider),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, syncOrderResponse{
		Outcome: string(result.Outcome),
		Order:   buildPublicOrder(result.Order),
	})
}

// buildPublicOrder omits buyer contact data and gateway references.
func buildPublicOrder(order domain.Order) publicOrderPayload {
	return publicOrderPayload{
		ID:        order.ID,
		Status:    string(order.Status),
		Total:     int64(order.Total),
		Currency:  order.Currency,
		Provider:  order.Provider,
		Items:     buildOrderItems(order.Items),
		CreatedAt: formatTime(order.CreatedAt),
		PaidAt:    formatTimePointer(order.PaidAt),
	}
}

func buildOrderItems(items []domain.OrderItem) []orderItemPayload {
	out := make([]orderItemPayload, 0, len(items))
	for _, item := range items {
		out = append(out, orderItemPayload{
			ProductID: item.ProductID,
			Title:     item.Title,
			UnitPrice: int64(item.UnitPrice),
			Quantity:  item.Quantity,
			Total:     int64(item.LineTotal()),
		})
	}
	return out
}

package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/platform/httpx"
	"github.com/mobishop/api/internal/platform/requestctx"
	"github.com/mobishop/api/internal/services"
)

const maxStatusRequestBody = 4 * 1024

// AdminOrderHandlers exposes order management for operators. Authentication is applied by the
// router's admin group.
type AdminOrderHandlers struct {
	orders services.OrderService
}

// NewAdminOrderHandlers constructs admin order handlers.
func NewAdminOrderHandlers(orders services.OrderService) *AdminOrderHandlers {
	return &AdminOrderHandlers{orders: orders}
}

// Routes registers the /admin/orders endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderId}", h.getOrder)
	r.Patch("/orders/{orderId}/status", h.updateStatus)
}

type adminOrderPayload struct {
	ID                  string             `json:"id"`
	Status              string             `json:"status"`
	Total               int64              `json:"total"`
	Currency            string             `json:"currency"`
	Provider            string             `json:"provider,omitempty"`
	PaymentPreferenceID string             `json:"paymentPreferenceId,omitempty"`
	PaymentChargeID     string             `json:"paymentChargeId,omitempty"`
	Items               []orderItemPayload `json:"items"`
	Buyer               buyerPayload       `json:"buyer"`
	CreatedAt           string             `json:"createdAt"`
	UpdatedAt           string             `json:"updatedAt,omitempty"`
	PaidAt              string             `json:"paidAt,omitempty"`
}

type adminOrderListResponse struct {
	Items         []adminOrderPayload `json:"items"`
	NextPageToken string              `json:"nextPageToken,omitempty"`
}

type updateStatusRequest struct {
	Status         string  `json:"status"`
	ExpectedStatus *string `json:"expectedStatus,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}

	query := r.URL.Query()
	var pageSize int
	if raw := strings.TrimSpace(query.Get("pageSize")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "pageSize must be an integer", http.StatusBadRequest))
			return
		}
		pageSize = size
	}

	page, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		Status:    parseFilterValues(query["status"]),
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(query.Get("pageToken")),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := make([]adminOrderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildAdminOrder(order))
	}
	writeJSONResponse(w, http.StatusOK, adminOrderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
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
	writeJSONResponse(w, http.StatusOK, buildAdminOrder(order))
}

func (h *AdminOrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}

	var req updateStatusRequest
	if herr := httpx.DecodeJSONBody(r, maxStatusRequestBody, &req); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}

	order, err := h.orders.UpdateStatus(ctx, services.UpdateOrderStatusCommand{
		OrderID:        strings.TrimSpace(chi.URLParam(r, "orderId")),
		Status:         strings.TrimSpace(req.Status),
		ExpectedStatus: req.ExpectedStatus,
		ActorID:        requestctx.Actor(ctx),
		Reason:         req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildAdminOrder(order))
}

func buildAdminOrder(order domain.Order) adminOrderPayload {
	return adminOrderPayload{
		ID:                  order.ID,
		Status:              string(order.Status),
		Total:               int64(order.Total),
		Currency:            order.Currency,
		Provider:            order.Provider,
		PaymentPreferenceID: order.PaymentPreferenceID,
		PaymentChargeID:     order.PaymentChargeID,
		Items:               buildOrderItems(order.Items),
		Buyer: buyerPayload{
			Name:    order.Buyer.Name,
			Phone:   order.Buyer.Phone,
			Email:   order.Buyer.Email,
			Address: order.Buyer.Address,
			City:    order.Buyer.City,
			Notes:   order.Buyer.Notes,
		},
		CreatedAt: formatTime(order.CreatedAt),
		UpdatedAt: formatTime(order.UpdatedAt),
		PaidAt:    formatTimePointer(order.PaidAt),
	}
}

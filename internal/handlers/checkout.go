package handlers

import (
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/platform/httpx"
	"github.com/mobishop/api/internal/services"
)

const maxCheckoutRequestBody = 32 * 1024

// CheckoutHandlers exposes the hosted checkout and direct charge endpoints. Both are anonymous.
type CheckoutHandlers struct {
	checkout    services.CheckoutService
	idempotency func(http.Handler) http.Handler
}

// CheckoutOption customises checkout handlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutIdempotency guards the create endpoints with the Idempotency-Key middleware.
func WithCheckoutIdempotency(mw func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.idempotency = mw
	}
}

// NewCheckoutHandlers constructs checkout handlers.
func NewCheckoutHandlers(checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{checkout: checkout}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// OrderRoutes registers POST /orders.
func (h *CheckoutHandlers) OrderRoutes(r chi.Router) {
	if r == nil {
		return
	}
	h.guarded(r).Post("/", h.createOrder)
}

// PaymentRoutes registers POST /payments/process.
func (h *CheckoutHandlers) PaymentRoutes(r chi.Router) {
	if r == nil {
		return
	}
	h.guarded(r).Post("/process", h.processPayment)
}

func (h *CheckoutHandlers) guarded(r chi.Router) chi.Router {
	if h.idempotency == nil {
		return r
	}
	return r.With(h.idempotency)
}

type itemPayload struct {
	ProductID string   `json:"productId"`
	Quantity  int      `json:"quantity"`
	UnitPrice *float64 `json:"unit_price,omitempty"`
	Title     string   `json:"title,omitempty"`
}

type buyerPayload struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

type createOrderRequest struct {
	Items    []itemPayload `json:"items"`
	Buyer    buyerPayload  `json:"buyer"`
	Provider string        `json:"provider,omitempty"`
}

type createOrderResponse struct {
	OrderID      string `json:"orderId"`
	PreferenceID string `json:"preferenceId"`
	Provider     string `json:"provider"`
	RedirectURL  string `json:"redirectUrl"`
	SandboxURL   string `json:"sandboxUrl,omitempty"`
	Total        int64  `json:"total"`
	Currency     string `json:"currency"`
}

type processPaymentRequest struct {
	Items           []itemPayload `json:"items"`
	Buyer           buyerPayload  `json:"buyer"`
	Provider        string        `json:"provider,omitempty"`
	Token           string        `json:"token"`
	PaymentMethodID string        `json:"paymentMethodId"`
	Installments    int           `json:"installments,omitempty"`
	IssuerID        string        `json:"issuerId,omitempty"`
	PayerEmail      string        `json:"payerEmail,omitempty"`
}

type processPaymentResponse struct {
	Status       string              `json:"status"`
	StatusDetail string              `json:"statusDetail,omitempty"`
	ChargeID     string              `json:"chargeId"`
	Provider     string              `json:"provider"`
	Order        *publicOrderPayload `json:"order,omitempty"`
}

func (h *CheckoutHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		writeUnavailable(ctx, w, "checkout")
		return
	}

	var req createOrderRequest
	if herr := httpx.DecodeJSONBody(r, maxCheckoutRequestBody, &req); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}

	checkout, err := h.checkout.CreateHostedCheckout(ctx, services.CreateOrderCommand{
		Items:    itemRequests(req.Items),
		Buyer:    req.Buyer.toDomain(),
		Provider: strings.TrimSpace(req.Provider),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, createOrderResponse{
		OrderID:      checkout.OrderID,
		PreferenceID: checkout.PreferenceID,
		Provider:     checkout.Provider,
		RedirectURL:  checkout.RedirectURL,
		SandboxURL:   checkout.SandboxURL,
		Total:        int64(checkout.Total),
		Currency:     checkout.Currency,
	})
}

func (h *CheckoutHandlers) processPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		writeUnavailable(ctx, w, "checkout")
		return
	}

	var req processPaymentRequest
	if herr := httpx.DecodeJSONBody(r, maxCheckoutRequestBody, &req); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}

	result, err := h.checkout.ProcessDirectCharge(ctx, services.DirectChargeCommand{
		Items:           itemRequests(req.Items),
		Buyer:           req.Buyer.toDomain(),
		Provider:        strings.TrimSpace(req.Provider),
		Token:           strings.TrimSpace(req.Token),
		PaymentMethodID: strings.TrimSpace(req.PaymentMethodID),
		Installments:    req.Installments,
		IssuerID:        strings.TrimSpace(req.IssuerID),
		PayerEmail:      strings.TrimSpace(req.PayerEmail),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := processPaymentResponse{
		Status:       result.Status,
		StatusDetail: result.StatusDetail,
		ChargeID:     result.ChargeID,
		Provider:     result.Provider,
	}
	status := http.StatusAccepted
	if result.Order != nil {
		payload := buildPublicOrder(*result.Order)
		resp.Order = &payload
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, resp)
}

func itemRequests(items []itemPayload) []services.ItemRequest {
	out := make([]services.ItemRequest, 0, len(items))
	for _, item := range items {
		req := services.ItemRequest{
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
			Title:     item.Title,
		}
		if item.UnitPrice != nil {
			price := domain.Money(math.Round(*item.UnitPrice))
			req.UnitPrice = &price
		}
		out = append(out, req)
	}
	return out
}

func (b buyerPayload) toDomain() domain.Buyer {
	return domain.Buyer{
		Name:    b.Name,
		Phone:   b.Phone,
		Email:   b.Email,
		Address: b.Address,
		City:    b.City,
		Notes:   b.Notes,
	}
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/platform/idempotency"
	"github.com/mobishop/api/internal/platform/requestctx"
	"github.com/mobishop/api/internal/services"
)

func checkoutRouter(h *CheckoutHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/orders", h.OrderRoutes)
	router.Route("/payments", h.PaymentRoutes)
	return router
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestCheckoutHandlersCreateOrder(t *testing.T) {
	var captured services.CreateOrderCommand
	svc := &stubCheckoutService{
		hostedFunc: func(_ context.Context, cmd services.CreateOrderCommand) (services.HostedCheckout, error) {
			captured = cmd
			return services.HostedCheckout{
				OrderID:      "ord_1",
				PreferenceID: "pref_1",
				Provider:     "mercadopago",
				RedirectURL:  "https://mp.test/init/pref_1",
				Total:        102000,
				Currency:     "ARS",
			}, nil
		},
	}
	router := checkoutRouter(NewCheckoutHandlers(svc))

	payload := `{"items":[{"productId":" case-mag ","quantity":2,"unit_price":1.4,"title":"free"}],"buyer":{"name":"Ana","phone":"+54911"}}`
	req := httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["orderId"] != "ord_1" || body["redirectUrl"] != "https://mp.test/init/pref_1" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["total"] != float64(102000) {
		t.Fatalf("expected total 102000, got %v", body["total"])
	}
	if len(captured.Items) != 1 || captured.Items[0].ProductID != "case-mag" || captured.Items[0].Quantity != 2 {
		t.Fatalf("unexpected items %+v", captured.Items)
	}
	if captured.Items[0].UnitPrice == nil || *captured.Items[0].UnitPrice != 1 {
		t.Fatalf("expected client price to be forwarded for logging, got %+v", captured.Items[0].UnitPrice)
	}
	if captured.Buyer.Name != "Ana" {
		t.Fatalf("expected buyer to be forwarded, got %+v", captured.Buyer)
	}
}

func TestCheckoutHandlersCreateOrderErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{name: "invalid json", body: `{`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "empty body", body: ``, status: http.StatusBadRequest, code: "invalid_request"},
		{
			name: "stock problems",
			body: `{"items":[{"productId":"glass","quantity":3}],"buyer":{"name":"Ana","phone":"1"}}`,
			err: &services.Error{
				Kind:    services.KindValidation,
				Message: "insufficient stock: Tempered Glass: only 1 available, 3 requested",
				Details: map[string]any{"problems": []map[string]any{{"productId": "glass", "available": 1}}},
			},
			status: http.StatusBadRequest,
			code:   "insufficient_stock",
		},
		{
			name:   "unknown product",
			body:   `{"items":[{"productId":"ghost","quantity":1}],"buyer":{"name":"Ana","phone":"1"}}`,
			err:    &services.Error{Kind: services.KindNotFound, Message: "order: product ghost not found"},
			status: http.StatusNotFound,
			code:   "not_found",
		},
		{
			name:   "gateway failure",
			body:   `{"items":[{"productId":"glass","quantity":1}],"buyer":{"name":"Ana","phone":"1"}}`,
			err:    &services.Error{Kind: services.KindGateway, Message: "checkout: payment gateway failed", Recoverable: true},
			status: http.StatusBadGateway,
			code:   "payment_gateway_error",
		},
		{
			name:   "unclassified error",
			body:   `{"items":[{"productId":"glass","quantity":1}],"buyer":{"name":"Ana","phone":"1"}}`,
			err:    errors.New("nil pointer somewhere"),
			status: http.StatusInternalServerError,
			code:   "internal_error",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubCheckoutService{
				hostedFunc: func(context.Context, services.CreateOrderCommand) (services.HostedCheckout, error) {
					return services.HostedCheckout{}, tc.err
				},
			}
			router := checkoutRouter(NewCheckoutHandlers(svc))
			req := httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(tc.body))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			body := decodeBody(t, rr)
			if body["error"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["error"])
			}
			if tc.code == "internal_error" && strings.Contains(rr.Body.String(), "nil pointer") {
				t.Fatalf("internal error leaked: %s", rr.Body.String())
			}
			if tc.code == "insufficient_stock" {
				if _, ok := body["problems"]; !ok {
					t.Fatalf("expected problems in body, got %v", body)
				}
			}
		})
	}
}

func TestCheckoutHandlersProcessPayment(t *testing.T) {
	paidAt := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	var captured services.DirectChargeCommand
	svc := &stubCheckoutService{
		chargeFunc: func(_ context.Context, cmd services.DirectChargeCommand) (services.ChargeResult, error) {
			captured = cmd
			return services.ChargeResult{
				Status:   "approved",
				ChargeID: "pay_1",
				Provider: "mercadopago",
				Order: &domain.Order{
					ID:       "ord_2",
					Status:   domain.OrderStatusPaid,
					Total:    53000,
					Currency: "ARS",
					Items:    []domain.OrderItem{{ProductID: "case-mag", Title: "MagSafe Case", UnitPrice: 45000, Quantity: 1}},
					Buyer:    domain.Buyer{Name: "Ana", Phone: "+54911"},
					PaidAt:   &paidAt,
				},
			}, nil
		},
	}
	router := checkoutRouter(NewCheckoutHandlers(svc))

	payload := `{"items":[{"productId":"case-mag","quantity":1}],"buyer":{"name":"Ana","phone":"+54911"},"token":" tok ","paymentMethodId":"visa","installments":3}`
	req := httptest.NewRequest(http.MethodPost, "/payments/process", strings.NewReader(payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Token != "tok" || captured.PaymentMethodID != "visa" || captured.Installments != 3 {
		t.Fatalf("unexpected command %+v", captured)
	}
	body := decodeBody(t, rr)
	order, ok := body["order"].(map[string]any)
	if !ok {
		t.Fatalf("expected order in body, got %v", body)
	}
	if order["status"] != "paid" || order["paidAt"] != "2026-05-04T12:00:00Z" {
		t.Fatalf("unexpected order payload %v", order)
	}
	if _, leaked := order["buyer"]; leaked {
		t.Fatalf("public order must not expose buyer: %v", order)
	}
}

func TestCheckoutHandlersProcessPaymentOutcomes(t *testing.T) {
	t.Run("pending charge is accepted without order", func(t *testing.T) {
		svc := &stubCheckoutService{
			chargeFunc: func(context.Context, services.DirectChargeCommand) (services.ChargeResult, error) {
				return services.ChargeResult{Status: "in_process", StatusDetail: "pending_contingency", ChargeID: "pay_9"}, nil
			},
		}
		rr := httptest.NewRecorder()
		checkoutRouter(NewCheckoutHandlers(svc)).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/payments/process", strings.NewReader(`{}`)))
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", rr.Code)
		}
		if body := decodeBody(t, rr); body["order"] != nil {
			t.Fatalf("expected no order, got %v", body["order"])
		}
	})

	t.Run("rejection surfaces gateway detail", func(t *testing.T) {
		svc := &stubCheckoutService{
			chargeFunc: func(context.Context, services.DirectChargeCommand) (services.ChargeResult, error) {
				return services.ChargeResult{}, &services.Error{
					Kind:    services.KindUnprocessable,
					Message: "payment rejected: cc_rejected_insufficient_amount",
					Details: map[string]any{"statusDetail": "cc_rejected_insufficient_amount"},
				}
			},
		}
		rr := httptest.NewRecorder()
		checkoutRouter(NewCheckoutHandlers(svc)).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/payments/process", strings.NewReader(`{}`)))
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422, got %d", rr.Code)
		}
		body := decodeBody(t, rr)
		if body["error"] != "payment_rejected" || body["statusDetail"] != "cc_rejected_insufficient_amount" {
			t.Fatalf("unexpected body %v", body)
		}
	})

	t.Run("fulfilment conflict is visible to the buyer", func(t *testing.T) {
		svc := &stubCheckoutService{
			chargeFunc: func(context.Context, services.DirectChargeCommand) (services.ChargeResult, error) {
				return services.ChargeResult{}, &services.Error{Kind: services.KindConflict, Message: "insufficient stock for Tempered Glass"}
			},
		}
		rr := httptest.NewRecorder()
		checkoutRouter(NewCheckoutHandlers(svc)).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/payments/process", strings.NewReader(`{}`)))
		if rr.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rr.Code)
		}
	})
}

func TestCheckoutHandlersIdempotencyReplaysResponse(t *testing.T) {
	var keys []string
	svc := &stubCheckoutService{
		hostedFunc: func(ctx context.Context, _ services.CreateOrderCommand) (services.HostedCheckout, error) {
			keys = append(keys, requestctx.IdempotencyKey(ctx))
			return services.HostedCheckout{OrderID: "ord_once", Provider: "mercadopago"}, nil
		},
	}
	handlers := NewCheckoutHandlers(svc, WithCheckoutIdempotency(idempotency.Middleware(idempotency.NewMemoryStore())))
	router := checkoutRouter(handlers)

	body := `{"items":[{"productId":"glass","quantity":1}],"buyer":{"name":"Ana","phone":"1"}}`
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(body))
		req.Header.Set("Idempotency-Key", "cart-123")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusCreated {
			t.Fatalf("attempt %d: expected 201, got %d", i, rr.Code)
		}
		if got := decodeBody(t, rr)["orderId"]; got != "ord_once" {
			t.Fatalf("attempt %d: unexpected order %v", i, got)
		}
	}
	if svc.calls != 1 {
		t.Fatalf("expected a single checkout call, got %d", svc.calls)
	}
	if len(keys) != 1 || keys[0] != "cart-123" {
		t.Fatalf("expected idempotency key on context, got %v", keys)
	}
}

func TestCheckoutHandlersUnavailable(t *testing.T) {
	rr := httptest.NewRecorder()
	checkoutRouter(NewCheckoutHandlers(nil)).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(`{}`)))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

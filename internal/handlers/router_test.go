package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/platform/auth"
	"github.com/mobishop/api/internal/services"
)

func TestNewRouter_DefaultMounts(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	healthHandlers := NewHealthHandlers(
		WithHealthSystemService(&stubSystemService{
			report: domain.SystemHealthReport{
				Status:      domain.HealthStatusOK,
				GeneratedAt: now,
				Checks:      map[string]domain.SystemHealthCheck{"store": {Status: domain.HealthStatusOK}},
			},
		}),
		WithHealthClock(func() time.Time { return now }),
	)
	router := NewRouter(WithHealthHandlers(healthHandlers))

	cases := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusOK},
		{http.MethodPost, "/api/v1/orders", http.StatusNotImplemented},
		{http.MethodGet, "/api/v1/products/x/stock", http.StatusNotImplemented},
		{http.MethodGet, "/api/v1/unknown", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rr.Code)
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("expected content-type application/json, got %s", ct)
			}
		})
	}
}

func TestNewRouter_WiresGroups(t *testing.T) {
	orders := &stubOrderService{
		getFunc: func(context.Context, string) (domain.Order, error) { return sampleOrder(domain.OrderStatusPaid), nil },
	}
	reconciler := &stubReconciler{outcome: services.OutcomeIgnored}
	checkout := &stubCheckoutService{
		hostedFunc: func(context.Context, services.CreateOrderCommand) (services.HostedCheckout, error) {
			return services.HostedCheckout{OrderID: "ord_new"}, nil
		},
	}
	checkoutHandlers := NewCheckoutHandlers(checkout)
	orderHandlers := NewOrderHandlers(orders, reconciler)
	internalCalls := 0

	router := NewRouter(
		WithOrderRoutes(checkoutHandlers.OrderRoutes),
		WithOrderRoutes(orderHandlers.Routes),
		WithPaymentRoutes(checkoutHandlers.PaymentRoutes),
		WithWebhookRoutes(NewWebhookHandlers(reconciler).Routes),
		WithAdminRoutes(NewAdminOrderHandlers(orders).Routes),
		WithAdminMiddlewares(auth.NewAdminGuard("s3cret", "").Middleware),
		WithInternalRoutes(func(r chi.Router) {
			r.Post("/processed-events:purge", func(w http.ResponseWriter, _ *http.Request) {
				internalCalls++
				w.WriteHeader(http.StatusNoContent)
			})
		}),
	)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"create order", http.MethodPost, "/api/v1/orders", `{"items":[]}`, http.StatusCreated},
		{"read order", http.MethodGet, "/api/v1/orders/ord_1", "", http.StatusOK},
		{"webhook", http.MethodPost, "/api/v1/webhooks/mercadopago?type=payment&data.id=1", "", http.StatusOK},
		{"admin without key", http.MethodGet, "/api/v1/admin/orders/ord_1", "", http.StatusUnauthorized},
		{"internal", http.MethodPost, "/api/v1/internal/processed-events:purge", "", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body)))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
		})
	}
	if internalCalls != 1 {
		t.Fatalf("expected internal handler to run once, got %d", internalCalls)
	}
}

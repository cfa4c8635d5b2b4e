package handlers

import (
	"context"
	"sync"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/services"
)

type stubCheckoutService struct {
	hostedFunc func(context.Context, services.CreateOrderCommand) (services.HostedCheckout, error)
	chargeFunc func(context.Context, services.DirectChargeCommand) (services.ChargeResult, error)
	calls      int
}

func (s *stubCheckoutService) CreateHostedCheckout(ctx context.Context, cmd services.CreateOrderCommand) (services.HostedCheckout, error) {
	s.calls++
	if s.hostedFunc == nil {
		return services.HostedCheckout{}, nil
	}
	return s.hostedFunc(ctx, cmd)
}

func (s *stubCheckoutService) ProcessDirectCharge(ctx context.Context, cmd services.DirectChargeCommand) (services.ChargeResult, error) {
	s.calls++
	if s.chargeFunc == nil {
		return services.ChargeResult{}, nil
	}
	return s.chargeFunc(ctx, cmd)
}

type stubOrderService struct {
	getFunc    func(context.Context, string) (domain.Order, error)
	listFunc   func(context.Context, services.OrderListFilter) (domain.CursorPage[domain.Order], error)
	updateFunc func(context.Context, services.UpdateOrderStatusCommand) (domain.Order, error)
}

func (s *stubOrderService) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return s.getFunc(ctx, id)
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	return s.listFunc(ctx, filter)
}

func (s *stubOrderService) UpdateStatus(ctx context.Context, cmd services.UpdateOrderStatusCommand) (domain.Order, error) {
	return s.updateFunc(ctx, cmd)
}

type stubReconciler struct {
	mu            sync.Mutex
	notifications []services.Notification
	outcome       services.Outcome
	syncFunc      func(context.Context, services.SyncPaymentCommand) (services.SyncResult, error)
}

func (s *stubReconciler) HandleNotification(_ context.Context, n services.Notification) services.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return s.outcome
}

func (s *stubReconciler) SyncPayment(ctx context.Context, cmd services.SyncPaymentCommand) (services.SyncResult, error) {
	return s.syncFunc(ctx, cmd)
}

func (s *stubReconciler) received() []services.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]services.Notification(nil), s.notifications...)
}

type stubCatalogService struct {
	products []domain.Product
	listErr  error
	stock    map[string]services.StockLevel
}

func (s *stubCatalogService) ListProducts(context.Context) ([]domain.Product, error) {
	return s.products, s.listErr
}

func (s *stubCatalogService) GetStock(_ context.Context, id string) (services.StockLevel, error) {
	level, ok := s.stock[id]
	if !ok {
		return services.StockLevel{}, &services.Error{Kind: services.KindNotFound, Message: "product: " + id + " not found"}
	}
	return level, nil
}

type stubLedgerService struct {
	limit   int
	removed int
	err     error
}

func (s *stubLedgerService) PurgeExpired(_ context.Context, limit int) (int, error) {
	s.limit = limit
	return s.removed, s.err
}

type stubSystemService struct {
	report domain.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

var (
	_ services.CheckoutService = (*stubCheckoutService)(nil)
	_ services.OrderService    = (*stubOrderService)(nil)
	_ services.Reconciler      = (*stubReconciler)(nil)
	_ services.CatalogService  = (*stubCatalogService)(nil)
	_ services.LedgerService   = (*stubLedgerService)(nil)
	_ services.SystemService   = (*stubSystemService)(nil)
)

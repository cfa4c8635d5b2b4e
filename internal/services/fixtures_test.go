package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/payments"
	"github.com/mobishop/api/internal/repositories/memory"
)

var fixedNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func seededStore(t *testing.T, transactional bool) *memory.Store {
	t.Helper()
	store := memory.NewStore(memory.WithTransactions(transactional))
	store.SeedProducts(
		domain.Product{ID: "case-mag", Title: "MagSafe Case", Price: 45000, Stock: 5, Active: true},
		domain.Product{ID: "usb-c", Title: "USB-C Cable", Price: 12000, Stock: 2, Active: true},
		domain.Product{ID: "glass", Title: "Tempered Glass", Price: 8000, Stock: 1, Active: true},
	)
	return store
}

func stockOf(t *testing.T, store *memory.Store, id string) int {
	t.Helper()
	product, err := store.Products().FindByID(context.Background(), id)
	require.NoError(t, err)
	return product.Stock
}

func pendingOrder(t *testing.T, store *memory.Store, id string, items ...domain.OrderItem) domain.Order {
	t.Helper()
	var total domain.Money
	for _, item := range items {
		total += item.LineTotal()
	}
	order := domain.Order{
		ID:        id,
		Items:     items,
		Buyer:     domain.Buyer{Name: "Ana", Phone: "+5491100000000"},
		Total:     total,
		Currency:  "ARS",
		Status:    domain.OrderStatusPending,
		Provider:  payments.ProviderMercadoPago,
		CreatedAt: fixedNow.Add(-time.Hour),
		UpdatedAt: fixedNow.Add(-time.Hour),
	}
	require.NoError(t, store.Orders().Insert(context.Background(), order))
	return order
}

type logEntry struct {
	event  string
	fields map[string]any
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) log(_ context.Context, event string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{event: event, fields: fields})
}

func (l *recordingLogger) has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.event == event {
			return true
		}
	}
	return false
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event domain.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) ofType(kind domain.OrderEventType) []domain.OrderEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.OrderEvent
	for _, e := range p.events {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

type countingCache struct {
	mu          sync.Mutex
	invalidated int
}

func (c *countingCache) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated++
	return nil
}

// fakeGateway is an in-memory payment gateway.
type fakeGateway struct {
	mu sync.Mutex

	preferenceFn func(call int, req payments.PreferenceRequest) (payments.Preference, error)
	chargeFn     func(req payments.ChargeRequest) (payments.Charge, error)
	refundErr    error

	payments    map[string]payments.Payment
	orderEvents map[string]payments.OrderEvent

	preferenceCalls []payments.PreferenceRequest
	chargeCalls     []payments.ChargeRequest
	refundCalls     []payments.RefundRequest
	paymentLookups  int
	eventLookups    int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		payments:    map[string]payments.Payment{},
		orderEvents: map[string]payments.OrderEvent{},
	}
}

func (g *fakeGateway) CreatePreference(_ context.Context, pc payments.PaymentContext, req payments.PreferenceRequest) (payments.Preference, error) {
	g.mu.Lock()
	g.preferenceCalls = append(g.preferenceCalls, req)
	call := len(g.preferenceCalls)
	fn := g.preferenceFn
	g.mu.Unlock()
	if fn != nil {
		return fn(call, req)
	}
	return payments.Preference{
		ID:          "pref-" + req.OrderID,
		Provider:    providerOr(pc),
		RedirectURL: "https://gateway.test/checkout/" + req.OrderID,
	}, nil
}

func (g *fakeGateway) CreateCharge(_ context.Context, pc payments.PaymentContext, req payments.ChargeRequest) (payments.Charge, error) {
	g.mu.Lock()
	g.chargeCalls = append(g.chargeCalls, req)
	n := len(g.chargeCalls)
	fn := g.chargeFn
	g.mu.Unlock()
	if fn != nil {
		charge, err := fn(req)
		charge.Provider = providerOr(pc)
		return charge, err
	}
	return payments.Charge{
		ID:       fmt.Sprintf("pay-%d", n),
		Provider: providerOr(pc),
		Status:   domain.PaymentStatusApproved,
		Amount:   req.Amount,
		Currency: req.Currency,
	}, nil
}

func (g *fakeGateway) GetPayment(_ context.Context, pc payments.PaymentContext, id string) (payments.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paymentLookups++
	payment, ok := g.payments[id]
	if !ok {
		return payments.Payment{}, payments.ErrNotFound
	}
	payment.Provider = providerOr(pc)
	return payment, nil
}

func (g *fakeGateway) GetOrderEvent(_ context.Context, pc payments.PaymentContext, id string) (payments.OrderEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.eventLookups++
	event, ok := g.orderEvents[id]
	if !ok {
		return payments.OrderEvent{}, payments.ErrNotFound
	}
	event.Provider = providerOr(pc)
	return event, nil
}

func (g *fakeGateway) Refund(_ context.Context, _ payments.PaymentContext, req payments.RefundRequest) (payments.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls = append(g.refundCalls, req)
	if g.refundErr != nil {
		return payments.Refund{}, g.refundErr
	}
	return payments.Refund{ID: "ref-" + req.PaymentID, PaymentID: req.PaymentID, Status: domain.PaymentStatusApproved}, nil
}

func providerOr(pc payments.PaymentContext) string {
	if pc.PreferredProvider != "" {
		return pc.PreferredProvider
	}
	return payments.ProviderMercadoPago
}

func newTestFulfiller(t *testing.T, store *memory.Store, cache ProductCacheInvalidator, events OrderEventPublisher, logger *recordingLogger) Fulfiller {
	t.Helper()
	deps := FulfillerDeps{
		Products:   store.Products(),
		Orders:     store.Orders(),
		Ledger:     store.ProcessedEvents(),
		UnitOfWork: store,
		Cache:      cache,
		Events:     events,
		Clock:      fixedClock,
	}
	if logger != nil {
		deps.Logger = logger.log
	}
	f, err := NewFulfiller(deps)
	require.NoError(t, err)
	return f
}

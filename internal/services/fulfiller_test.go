package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/repositories"
)

func ledgerEvent(id string) *domain.ProcessedEvent {
	return &domain.ProcessedEvent{
		Key:              domain.ProcessedEventKey("mercadopago", domain.NotificationTypeOrderEvent, id),
		NotificationID:   id,
		NotificationType: domain.NotificationTypeOrderEvent,
		Provider:         "mercadopago",
		Status:           domain.PaymentStatusApproved,
		ProcessedAt:      fixedNow,
		ExpiresAt:        fixedNow.Add(30 * 24 * time.Hour),
	}
}

func TestFulfillPendingMarksPaidAndDecrements(t *testing.T) {
	for _, transactional := range []bool{true, false} {
		t.Run(map[bool]string{true: "transactional", false: "compensating"}[transactional], func(t *testing.T) {
			ctx := context.Background()
			store := seededStore(t, transactional)
			cache := &countingCache{}
			events := &recordingPublisher{}
			f := newTestFulfiller(t, store, cache, events, nil)
			pendingOrder(t, store, "ord_1",
				domain.OrderItem{ProductID: "case-mag", Title: "MagSafe Case", UnitPrice: 45000, Quantity: 2},
				domain.OrderItem{ProductID: "usb-c", Title: "USB-C Cable", UnitPrice: 12000, Quantity: 1},
			)

			result, err := f.FulfillPending(ctx, FulfillPendingCommand{OrderID: "ord_1", ChargeID: "pay-9", Event: ledgerEvent("mo-1")})
			require.NoError(t, err)
			assert.False(t, result.AlreadyPaid)
			assert.False(t, result.Duplicate)
			assert.Equal(t, domain.OrderStatusPaid, result.Order.Status)

			stored, err := store.Orders().FindByID(ctx, "ord_1")
			require.NoError(t, err)
			assert.Equal(t, domain.OrderStatusPaid, stored.Status)
			assert.Equal(t, "pay-9", stored.PaymentChargeID)
			require.NotNil(t, stored.PaidAt)

			assert.Equal(t, 3, stockOf(t, store, "case-mag"))
			assert.Equal(t, 1, stockOf(t, store, "usb-c"))

			exists, err := store.ProcessedEvents().Exists(ctx, ledgerEvent("mo-1").Key)
			require.NoError(t, err)
			assert.True(t, exists)

			assert.Equal(t, 1, cache.invalidated)
			paid := events.ofType(domain.OrderEventPaid)
			require.Len(t, paid, 1)
			assert.Equal(t, "ord_1", paid[0].OrderID)
			assert.Equal(t, int64(102000), paid[0].Total)
		})
	}
}

func TestFulfillPendingRepeatedDeliveryDecrementsOnce(t *testing.T) {
	for _, transactional := range []bool{true, false} {
		ctx := context.Background()
		store := seededStore(t, transactional)
		cache := &countingCache{}
		f := newTestFulfiller(t, store, cache, nil, nil)
		pendingOrder(t, store, "ord_1", domain.OrderItem{ProductID: "case-mag", UnitPrice: 45000, Quantity: 1})

		_, err := f.FulfillPending(ctx, FulfillPendingCommand{OrderID: "ord_1", ChargeID: "pay-1", Event: ledgerEvent("mo-1")})
		require.NoError(t, err)

		for range 3 {
			result, err := f.FulfillPending(ctx, FulfillPendingCommand{OrderID: "ord_1", ChargeID: "pay-1", Event: ledgerEvent("mo-1")})
			require.NoError(t, err)
			assert.True(t, result.AlreadyPaid || result.Duplicate)
		}
		// A different notification for the same payment stops at the status check.
		result, err := f.FulfillPending(ctx, FulfillPendingCommand{OrderID: "ord_1", ChargeID: "pay-1", Event: ledgerEvent("mo-2")})
		require.NoError(t, err)
		assert.True(t, result.AlreadyPaid)

		assert.Equal(t, 4, stockOf(t, store, "case-mag"), "transactional=%v", transactional)
		assert.Equal(t, 1, cache.invalidated)
	}
}

func TestFulfillPendingInsufficientStockLeavesNothingApplied(t *testing.T) {
	for _, transactional := range []bool{true, false} {
		t.Run(map[bool]string{true: "transactional", false: "compensating"}[transactional], func(t *testing.T) {
			ctx := context.Background()
			store := seededStore(t, transactional)
			events := &recordingPublisher{}
			f := newTestFulfiller(t, store, nil, events, nil)
			pendingOrder(t, store, "ord_1",
				domain.OrderItem{ProductID: "case-mag", UnitPrice: 45000, Quantity: 2},
				domain.OrderItem{ProductID: "usb-c", UnitPrice: 12000, Quantity: 1},
				domain.OrderItem{ProductID: "glass", Title: "Tempered Glass", UnitPrice: 8000, Quantity: 3},
			)

			_, err := f.FulfillPending(ctx, FulfillPendingCommand{OrderID: "ord_1", ChargeID: "pay-1", Event: ledgerEvent("mo-1")})
			require.Error(t, err)
			assert.Equal(t, KindConflict, KindOf(err))
			assert.ErrorIs(t, err, repositories.ErrInsufficientStock)
			assert.Contains(t, err.Error(), "Tempered Glass")

			order, err := store.Orders().FindByID(ctx, "ord_1")
			require.NoError(t, err)
			assert.Equal(t, domain.OrderStatusPending, order.Status)
			assert.Equal(t, 5, stockOf(t, store, "case-mag"))
			assert.Equal(t, 2, stockOf(t, store, "usb-c"))
			assert.Equal(t, 1, stockOf(t, store, "glass"))

			exists, err := store.ProcessedEvents().Exists(ctx, ledgerEvent("mo-1").Key)
			require.NoError(t, err)
			assert.False(t, exists)
			assert.Empty(t, events.events)
		})
	}
}

type casLosingOrders struct {
	repositories.OrderRepository
}

func (casLosingOrders) MarkPaid(context.Context, string, string, time.Time) error {
	return repositories.ErrOrderAlreadyPaid
}

func TestFulfillWithCompensationRestoresStockWhenCASLost(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, false)
	logger := &recordingLogger{}
	f, err := NewFulfiller(FulfillerDeps{
		Products:   store.Products(),
		Orders:     casLosingOrders{store.Orders()},
		Ledger:     store.ProcessedEvents(),
		UnitOfWork: store,
		Clock:      fixedClock,
		Logger:     logger.log,
	})
	require.NoError(t, err)
	pendingOrder(t, store, "ord_1",
		domain.OrderItem{ProductID: "case-mag", UnitPrice: 45000, Quantity: 2},
		domain.OrderItem{ProductID: "usb-c", UnitPrice: 12000, Quantity: 2},
	)

	result, err := f.FulfillPending(ctx, FulfillPendingCommand{OrderID: "ord_1", ChargeID: "pay-1"})
	require.NoError(t, err)
	assert.True(t, result.AlreadyPaid)
	assert.Equal(t, 5, stockOf(t, store, "case-mag"))
	assert.Equal(t, 2, stockOf(t, store, "usb-c"))
	assert.False(t, logger.has("order.paid"))
}

// staleOrders reports every order as pending, as a reader racing an admin update would.
type staleOrders struct {
	repositories.OrderRepository
}

func (s staleOrders) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.OrderRepository.FindByID(ctx, orderID)
	order.Status = domain.OrderStatusPending
	return order, err
}

func TestFulfillWithCompensationStaleReadCannotRevertOrder(t *testing.T) {
	tests := []struct {
		name        string
		wantKind    Kind
		alreadyPaid bool
	}{
		{name: "order moved to processing", alreadyPaid: true},
		{name: "order marked failed", wantKind: KindConflict},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := seededStore(t, false)
			events := &recordingPublisher{}
			f, err := NewFulfiller(FulfillerDeps{
				Products:   store.Products(),
				Orders:     staleOrders{store.Orders()},
				Ledger:     store.ProcessedEvents(),
				UnitOfWork: store,
				Events:     events,
				Clock:      fixedClock,
			})
			require.NoError(t, err)
			pendingOrder(t, store, "ord_1", domain.OrderItem{ProductID: "case-mag", UnitPrice: 45000, Quantity: 2})

			want := domain.OrderStatusFailed
			if tc.alreadyPaid {
				require.NoError(t, store.Orders().MarkPaid(ctx, "ord_1", "pay-1", fixedNow))
				require.NoError(t, store.Orders().UpdateStatus(ctx, "ord_1", domain.OrderStatusPaid, domain.OrderStatusProcessing, fixedNow))
				want = domain.OrderStatusProcessing
			} else {
				require.NoError(t, store.Orders().UpdateStatus(ctx, "ord_1", domain.OrderStatusPending, domain.OrderStatusFailed, fixedNow))
			}
			stockBefore := stockOf(t, store, "case-mag")

			result, err := f.FulfillPending(ctx, FulfillPendingCommand{OrderID: "ord_1", ChargeID: "pay-2", Event: ledgerEvent("mo-9")})
			if tc.alreadyPaid {
				require.NoError(t, err)
				assert.True(t, result.AlreadyPaid)
			} else {
				assert.Equal(t, tc.wantKind, KindOf(err))
			}

			stored, err := store.Orders().FindByID(ctx, "ord_1")
			require.NoError(t, err)
			assert.Equal(t, want, stored.Status)
			assert.NotEqual(t, "pay-2", stored.PaymentChargeID)
			assert.Equal(t, stockBefore, stockOf(t, store, "case-mag"), "applied decrements must be restored")
			assert.Empty(t, events.ofType(domain.OrderEventPaid))
		})
	}
}

func TestFulfillPendingRejectsFailedOrder(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, true)
	f := newTestFulfiller(t, store, nil, nil, nil)
	pendingOrder(t, store, "ord_1", domain.OrderItem{ProductID: "case-mag", UnitPrice: 45000, Quantity: 1})
	require.NoError(t, store.Orders().UpdateStatus(ctx, "ord_1", domain.OrderStatusPending, domain.OrderStatusFailed, fixedNow))

	_, err := f.FulfillPending(ctx, FulfillPendingCommand{OrderID: "ord_1"})
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, 5, stockOf(t, store, "case-mag"))
}

func TestFulfillPendingConcurrentSalesNeverOversell(t *testing.T) {
	for _, transactional := range []bool{true, false} {
		ctx := context.Background()
		store := seededStore(t, transactional)
		f := newTestFulfiller(t, store, nil, nil, nil)
		const buyers = 8
		for i := range buyers {
			pendingOrder(t, store, orderName(i), domain.OrderItem{ProductID: "glass", UnitPrice: 8000, Quantity: 1})
		}

		var (
			wg        sync.WaitGroup
			fulfilled atomic.Int32
			conflicts atomic.Int32
		)
		for i := range buyers {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := f.FulfillPending(ctx, FulfillPendingCommand{OrderID: id, ChargeID: "pay-" + id})
				switch {
				case err == nil:
					fulfilled.Add(1)
				case IsKind(err, KindConflict):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(orderName(i))
		}
		wg.Wait()

		assert.Equal(t, int32(1), fulfilled.Load(), "transactional=%v", transactional)
		assert.Equal(t, int32(buyers-1), conflicts.Load())
		assert.Equal(t, 0, stockOf(t, store, "glass"))
	}
}

func orderName(i int) string {
	return "ord_" + string(rune('a'+i))
}

func TestCreatePaidInsertsOrderAndDecrements(t *testing.T) {
	for _, transactional := range []bool{true, false} {
		ctx := context.Background()
		store := seededStore(t, transactional)
		cache := &countingCache{}
		f := newTestFulfiller(t, store, cache, nil, nil)
		paidAt := fixedNow
		order := domain.Order{
			ID:              "ord_direct",
			Items:           []domain.OrderItem{{ProductID: "usb-c", UnitPrice: 12000, Quantity: 2}},
			Total:           24000,
			Status:          domain.OrderStatusPaid,
			PaymentChargeID: "pay-1",
			CreatedAt:       fixedNow,
			UpdatedAt:       fixedNow,
			PaidAt:          &paidAt,
		}

		created, err := f.CreatePaid(ctx, CreatePaidCommand{Order: order})
		require.NoError(t, err)
		assert.Equal(t, "ord_direct", created.ID)
		assert.Equal(t, 0, stockOf(t, store, "usb-c"))
		assert.Equal(t, 1, cache.invalidated)

		// Stock is gone now, so a second sale is a conflict and leaves nothing behind.
		order.ID = "ord_direct_2"
		_, err = f.CreatePaid(ctx, CreatePaidCommand{Order: order})
		assert.Equal(t, KindConflict, KindOf(err), "transactional=%v", transactional)
		_, err = store.Orders().FindByID(ctx, "ord_direct_2")
		assert.True(t, repositories.IsNotFound(err))
		assert.Equal(t, 0, stockOf(t, store, "usb-c"))
	}
}

func TestCreatePaidValidatesCommand(t *testing.T) {
	store := seededStore(t, true)
	f := newTestFulfiller(t, store, nil, nil, nil)

	_, err := f.CreatePaid(context.Background(), CreatePaidCommand{Order: domain.Order{ID: "ord_1", Status: domain.OrderStatusPending}})
	assert.Equal(t, KindValidation, KindOf(err))
	_, err = f.CreatePaid(context.Background(), CreatePaidCommand{Order: domain.Order{ID: "ord_1", Status: domain.OrderStatusPaid}})
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestNewFulfillerRequiresRepositories(t *testing.T) {
	_, err := NewFulfiller(FulfillerDeps{})
	assert.Error(t, err)
}

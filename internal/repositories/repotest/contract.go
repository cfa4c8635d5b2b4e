// Package repotest holds the behaviour checks shared by every repository backend.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/repositories"
)

// SeedFunc writes catalog entries directly into the backend under test.
type SeedFunc func(ctx context.Context, products ...domain.Product) error

// Run exercises registry against the repository contract. IDs are suffixed so the suite can run
// against a shared database.
func Run(t *testing.T, registry repositories.Registry, seed SeedFunc) {
	t.Helper()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	id := func(base string) string { return base + "_" + suffix }

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, seed(ctx,
		domain.Product{ID: id("prod_a"), Title: "Case", Price: 1500, Stock: 3, Active: true, UpdatedAt: now},
		domain.Product{ID: id("prod_b"), Title: "Charger", Price: 900, Stock: 1, Active: true, UpdatedAt: now},
	))

	t.Run("conditional decrement", func(t *testing.T) {
		products := registry.Products()
		require.NoError(t, products.DecrementStock(ctx, id("prod_a"), 2))
		err := products.DecrementStock(ctx, id("prod_a"), 2)
		require.ErrorIs(t, err, repositories.ErrInsufficientStock)

		require.NoError(t, products.IncrementStock(ctx, id("prod_a"), 2))
		product, err := products.FindByID(ctx, id("prod_a"))
		require.NoError(t, err)
		assert.Equal(t, 3, product.Stock)

		err = products.DecrementStock(ctx, id("missing"), 1)
		assert.True(t, repositories.IsNotFound(err), "expected not found, got %v", err)
	})

	t.Run("find by ids skips unknown", func(t *testing.T) {
		found, err := registry.Products().FindByIDs(ctx, []string{id("prod_a"), id("ghost")})
		require.NoError(t, err)
		assert.Len(t, found, 1)
		assert.Equal(t, domain.Money(1500), found[id("prod_a")].Price)
	})

	order := domain.Order{
		ID:        id("ord_1"),
		Items:     []domain.OrderItem{{ProductID: id("prod_b"), Title: "Charger", UnitPrice: 900, Quantity: 1}},
		Buyer:     domain.Buyer{Name: "Ana", Phone: "+5491100000000", City: "Rosario"},
		Total:     900,
		Currency:  "ARS",
		Status:    domain.OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	t.Run("order lifecycle", func(t *testing.T) {
		orders := registry.Orders()
		require.NoError(t, orders.Insert(ctx, order))
		assert.True(t, repositories.IsConflict(orders.Insert(ctx, order)), "duplicate insert must conflict")

		require.NoError(t, orders.SetPaymentPreference(ctx, order.ID, "mercadopago", "pref_1", now))
		require.NoError(t, orders.MarkPaid(ctx, order.ID, "pay_1", now))
		require.ErrorIs(t, orders.MarkPaid(ctx, order.ID, "pay_2", now), repositories.ErrOrderAlreadyPaid)

		stored, err := orders.FindByID(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusPaid, stored.Status)
		assert.Equal(t, "pay_1", stored.PaymentChargeID)
		assert.Equal(t, "pref_1", stored.PaymentPreferenceID)
		assert.Equal(t, order.Buyer, stored.Buyer)
		assert.Equal(t, order.Items, stored.Items)
		require.NotNil(t, stored.PaidAt)

		require.ErrorIs(t,
			orders.UpdateStatus(ctx, order.ID, domain.OrderStatusPending, domain.OrderStatusProcessing, now),
			repositories.ErrStatusMismatch)
		require.NoError(t, orders.UpdateStatus(ctx, order.ID, domain.OrderStatusPaid, domain.OrderStatusProcessing, now))

		_, err = orders.FindByID(ctx, id("ord_missing"))
		assert.True(t, repositories.IsNotFound(err))
	})

	t.Run("list pages newest first", func(t *testing.T) {
		for i := 2; i <= 3; i++ {
			next := order
			next.ID = id(fmt.Sprintf("ord_%d", i))
			next.Status = domain.OrderStatusFailed
			next.CreatedAt = now.Add(time.Duration(i) * time.Second)
			next.UpdatedAt = next.CreatedAt
			require.NoError(t, registry.Orders().Insert(ctx, next))
		}
		filter := repositories.OrderListFilter{
			Status:     []domain.OrderStatus{domain.OrderStatusFailed},
			Pagination: domain.Pagination{PageSize: 1},
		}
		first, err := registry.Orders().List(ctx, filter)
		require.NoError(t, err)
		require.Len(t, first.Items, 1)
		assert.Equal(t, id("ord_3"), first.Items[0].ID)
		require.NotEmpty(t, first.NextPageToken)

		filter.Pagination.PageToken = first.NextPageToken
		second, err := registry.Orders().List(ctx, filter)
		require.NoError(t, err)
		require.NotEmpty(t, second.Items)
		assert.Equal(t, id("ord_2"), second.Items[0].ID)
	})

	t.Run("mark paid only from pending", func(t *testing.T) {
		orders := registry.Orders()

		shipped := order
		shipped.ID = id("ord_moved_on")
		require.NoError(t, orders.Insert(ctx, shipped))
		require.NoError(t, orders.MarkPaid(ctx, shipped.ID, "pay_first", now))
		require.NoError(t, orders.UpdateStatus(ctx, shipped.ID, domain.OrderStatusPaid, domain.OrderStatusProcessing, now))

		err := orders.MarkPaid(ctx, shipped.ID, "pay_stale", now.Add(time.Minute))
		require.ErrorIs(t, err, repositories.ErrOrderAlreadyPaid)
		stored, err := orders.FindByID(ctx, shipped.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusProcessing, stored.Status, "a stale writer must not revert the order")
		assert.Equal(t, "pay_first", stored.PaymentChargeID)

		abandoned := order
		abandoned.ID = id("ord_abandoned")
		abandoned.Status = domain.OrderStatusFailed
		abandoned.CreatedAt = now.Add(-time.Hour)
		abandoned.UpdatedAt = abandoned.CreatedAt
		require.NoError(t, orders.Insert(ctx, abandoned))

		err = orders.MarkPaid(ctx, abandoned.ID, "pay_late", now)
		require.ErrorIs(t, err, repositories.ErrStatusMismatch)
		stored, err = orders.FindByID(ctx, abandoned.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusFailed, stored.Status)
		assert.Empty(t, stored.PaymentChargeID)
		assert.Nil(t, stored.PaidAt)
	})

	t.Run("ledger", func(t *testing.T) {
		events := registry.ProcessedEvents()
		event := domain.ProcessedEvent{
			Key:              domain.ProcessedEventKey("mercadopago", domain.NotificationTypeOrderEvent, id("mo")),
			NotificationID:   id("mo"),
			NotificationType: domain.NotificationTypeOrderEvent,
			Provider:         "mercadopago",
			OrderID:          order.ID,
			ProcessedAt:      now,
			ExpiresAt:        now.Add(-time.Second),
		}
		exists, err := events.Exists(ctx, event.Key)
		require.NoError(t, err)
		assert.False(t, exists)

		require.NoError(t, events.Insert(ctx, event))
		require.ErrorIs(t, events.Insert(ctx, event), repositories.ErrEventAlreadyProcessed)
		require.NoError(t, events.Upsert(ctx, event))

		exists, err = events.Exists(ctx, event.Key)
		require.NoError(t, err)
		assert.True(t, exists)

		removed, err := events.DeleteExpired(ctx, now, 1000)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, removed, 1)
		exists, err = events.Exists(ctx, event.Key)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("transaction rollback", func(t *testing.T) {
		if !registry.SupportsTransactions(ctx) {
			t.Skip("backend has no transactions")
		}
		rollback := errors.New("rollback")
		err := registry.RunInTx(ctx, func(ctx context.Context) error {
			if _, err := registry.Products().FindByIDs(ctx, []string{id("prod_a")}); err != nil {
				return err
			}
			if err := registry.Products().DecrementStock(ctx, id("prod_a"), 1); err != nil {
				return err
			}
			return rollback
		})
		require.ErrorIs(t, err, rollback)
		product, err := registry.Products().FindByID(ctx, id("prod_a"))
		require.NoError(t, err)
		assert.Equal(t, 3, product.Stock)
	})
}

package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobishop/api/internal/domain"
)

func TestPurgeExpiredRemovesOnlyElapsedEntries(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, true)
	ledger := store.ProcessedEvents()
	entries := []domain.ProcessedEvent{
		{NotificationID: "old-1", ExpiresAt: fixedNow.Add(-time.Hour)},
		{NotificationID: "old-2", ExpiresAt: fixedNow},
		{NotificationID: "fresh", ExpiresAt: fixedNow.Add(29 * 24 * time.Hour)},
	}
	for _, e := range entries {
		e.Provider = "mercadopago"
		e.NotificationType = domain.NotificationTypeOrderEvent
		e.Key = domain.ProcessedEventKey(e.Provider, e.NotificationType, e.NotificationID)
		e.ProcessedAt = e.ExpiresAt.Add(-30 * 24 * time.Hour)
		require.NoError(t, ledger.Insert(ctx, e))
	}
	logger := &recordingLogger{}
	svc, err := NewLedgerService(LedgerServiceDeps{Ledger: ledger, Clock: fixedClock, Logger: logger.log})
	require.NoError(t, err)

	removed, err := svc.PurgeExpired(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.True(t, logger.has("ledger.purge.completed"))

	exists, err := ledger.Exists(ctx, domain.ProcessedEventKey("mercadopago", domain.NotificationTypeOrderEvent, "fresh"))
	require.NoError(t, err)
	assert.True(t, exists)

	removed, err = svc.PurgeExpired(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestPurgeExpiredHonoursLimit(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, true)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.ProcessedEvents().Insert(ctx, domain.ProcessedEvent{
			Key:       domain.ProcessedEventKey("mercadopago", domain.NotificationTypePayment, id),
			ExpiresAt: fixedNow.Add(-time.Minute),
		}))
	}
	svc, err := NewLedgerService(LedgerServiceDeps{Ledger: store.ProcessedEvents(), Clock: fixedClock})
	require.NoError(t, err)

	removed, err := svc.PurgeExpired(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	removed, err = svc.PurgeExpired(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestNewLedgerServiceRequiresRepository(t *testing.T) {
	_, err := NewLedgerService(LedgerServiceDeps{})
	assert.Error(t, err)
}

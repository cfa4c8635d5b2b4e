package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mobishop/api/internal/domain"
	pfirestore "github.com/mobishop/api/internal/platform/firestore"
	"github.com/mobishop/api/internal/repositories"
)

const defaultPurgeBatch = 500

// processedEventDocument carries expiresAt so a Firestore TTL policy can also reap entries.
type processedEventDocument struct {
	NotificationID   string    `firestore:"notificationId"`
	NotificationType string    `firestore:"notificationType"`
	Provider         string    `firestore:"provider"`
	OrderID          string    `firestore:"orderId,omitempty"`
	Status           string    `firestore:"status,omitempty"`
	ProcessedAt      time.Time `firestore:"processedAt"`
	ExpiresAt        time.Time `firestore:"expiresAt"`
}

func processedEventToDocument(event domain.ProcessedEvent) processedEventDocument {
	return processedEventDocument{
		NotificationID:   event.NotificationID,
		NotificationType: string(event.NotificationType),
		Provider:         event.Provider,
		OrderID:          event.OrderID,
		Status:           event.Status,
		ProcessedAt:      event.ProcessedAt.UTC(),
		ExpiresAt:        event.ExpiresAt.UTC(),
	}
}

// ProcessedEventRepository is the notification ledger keyed by the composite event key.
type ProcessedEventRepository struct {
	docs *pfirestore.Collection[processedEventDocument]
}

func (r *ProcessedEventRepository) Exists(ctx context.Context, key string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, nil
	}
	_, err := r.docs.Get(ctx, key)
	if repositories.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *ProcessedEventRepository) Insert(ctx context.Context, event domain.ProcessedEvent) error {
	err := r.docs.Create(ctx, event.Key, processedEventToDocument(event))
	if repositories.IsConflict(err) {
		return fmt.Errorf("processed_events.insert %s: %w", event.Key, repositories.ErrEventAlreadyProcessed)
	}
	return err
}

func (r *ProcessedEventRepository) Upsert(ctx context.Context, event domain.ProcessedEvent) error {
	return r.docs.Set(ctx, event.Key, processedEventToDocument(event))
}

// DeleteExpired removes at most limit expired entries in one batch.
func (r *ProcessedEventRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultPurgeBatch
	}
	client, err := r.docs.Client(ctx)
	if err != nil {
		return 0, err
	}
	snaps, err := client.Collection(processedEventsCollection).
		Where("expiresAt", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("processed_events.purge", err)
	}
	if len(snaps) == 0 {
		return 0, nil
	}

	batch := client.Batch()
	for _, snap := range snaps {
		batch.Delete(snap.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, pfirestore.WrapError("processed_events.purge", err)
	}
	return len(snaps), nil
}

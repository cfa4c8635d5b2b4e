package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/repositories"
)

const defaultPurgeBatch = 500

// ProcessedEventRepository is the notification ledger. Expired rows are removed by the purge job.
type ProcessedEventRepository struct {
	registry *Registry
}

func (r *ProcessedEventRepository) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.registry.conn(ctx).QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM processed_events WHERE key = $1)", key).Scan(&exists)
	if err != nil {
		return false, classify("processed_events.exists", err)
	}
	return exists, nil
}

func (r *ProcessedEventRepository) Insert(ctx context.Context, event domain.ProcessedEvent) error {
	res, err := r.registry.conn(ctx).ExecContext(ctx, `
		INSERT INTO processed_events (key, notification_id, notification_type, provider, order_id, status, processed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key) DO NOTHING`,
		event.Key, event.NotificationID, string(event.NotificationType), event.Provider, event.OrderID,
		event.Status, event.ProcessedAt.UTC(), event.ExpiresAt.UTC())
	if err != nil {
		return classify("processed_events.insert", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("processed_events.insert %s: %w", event.Key, repositories.ErrEventAlreadyProcessed)
	}
	return nil
}

func (r *ProcessedEventRepository) Upsert(ctx context.Context, event domain.ProcessedEvent) error {
	_, err := r.registry.conn(ctx).ExecContext(ctx, `
		INSERT INTO processed_events (key, notification_id, notification_type, provider, order_id, status, processed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key) DO UPDATE SET order_id = EXCLUDED.order_id, status = EXCLUDED.status,
			processed_at = EXCLUDED.processed_at, expires_at = EXCLUDED.expires_at`,
		event.Key, event.NotificationID, string(event.NotificationType), event.Provider, event.OrderID,
		event.Status, event.ProcessedAt.UTC(), event.ExpiresAt.UTC())
	return classify("processed_events.upsert", err)
}

func (r *ProcessedEventRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultPurgeBatch
	}
	res, err := r.registry.conn(ctx).ExecContext(ctx, `
		DELETE FROM processed_events WHERE key IN (
			SELECT key FROM processed_events WHERE expires_at <= $1 ORDER BY expires_at LIMIT $2
		)`, now.UTC(), limit)
	if err != nil {
		return 0, classify("processed_events.purge", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, classify("processed_events.purge", err)
	}
	return int(affected), nil
}

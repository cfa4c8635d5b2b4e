package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/repositories"
)

const defaultPurgeBatch = 500

// processedEventDocument is reaped by the TTL index on expiresAt; DeleteExpired covers the gap
// before the TTL monitor runs.
type processedEventDocument struct {
	Key              string    `bson:"_id"`
	NotificationID   string    `bson:"notificationId"`
	NotificationType string    `bson:"notificationType"`
	Provider         string    `bson:"provider"`
	OrderID          string    `bson:"orderId,omitempty"`
	Status           string    `bson:"status,omitempty"`
	ProcessedAt      time.Time `bson:"processedAt"`
	ExpiresAt        time.Time `bson:"expiresAt"`
}

func processedEventToDocument(event domain.ProcessedEvent) processedEventDocument {
	return processedEventDocument{
		Key:              event.Key,
		NotificationID:   event.NotificationID,
		NotificationType: string(event.NotificationType),
		Provider:         event.Provider,
		OrderID:          event.OrderID,
		Status:           event.Status,
		ProcessedAt:      event.ProcessedAt.UTC(),
		ExpiresAt:        event.ExpiresAt.UTC(),
	}
}

// ProcessedEventRepository is the notification ledger.
type ProcessedEventRepository struct {
	coll *mongo.Collection
}

func (r *ProcessedEventRepository) Exists(ctx context.Context, key string) (bool, error) {
	err := r.coll.FindOne(ctx, bson.M{"_id": key}, options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, classify("processed_events.exists", err)
	}
	return true, nil
}

func (r *ProcessedEventRepository) Insert(ctx context.Context, event domain.ProcessedEvent) error {
	_, err := r.coll.InsertOne(ctx, processedEventToDocument(event))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("processed_events.insert %s: %w", event.Key, repositories.ErrEventAlreadyProcessed)
	}
	return classify("processed_events.insert", err)
}

func (r *ProcessedEventRepository) Upsert(ctx context.Context, event domain.ProcessedEvent) error {
	_, err := r.coll.ReplaceOne(ctx, bson.M{"_id": event.Key}, processedEventToDocument(event), options.Replace().SetUpsert(true))
	return classify("processed_events.upsert", err)
}

func (r *ProcessedEventRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultPurgeBatch
	}
	cur, err := r.coll.Find(ctx,
		bson.M{"expiresAt": bson.M{"$lte": now.UTC()}},
		options.Find().SetProjection(bson.M{"_id": 1}).SetLimit(int64(limit)))
	if err != nil {
		return 0, classify("processed_events.purge", err)
	}
	var expired []struct {
		Key string `bson:"_id"`
	}
	if err := cur.All(ctx, &expired); err != nil {
		return 0, classify("processed_events.purge", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(expired))
	for _, e := range expired {
		keys = append(keys, e.Key)
	}
	res, err := r.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": keys}})
	if err != nil {
		return 0, classify("processed_events.purge", err)
	}
	return int(res.DeletedCount), nil
}

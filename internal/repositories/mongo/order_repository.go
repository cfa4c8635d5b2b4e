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
	"github.com/mobishop/api/internal/platform/pagination"
	"github.com/mobishop/api/internal/repositories"
)

const (
	defaultOrderPageSize = 50
	maxOrderPageSize     = 200
)

type orderItemDocument struct {
	ProductID string `bson:"productId"`
	Title     string `bson:"title"`
	UnitPrice int64  `bson:"unitPrice"`
	Quantity  int    `bson:"quantity"`
}

type buyerDocument struct {
	Name    string `bson:"name"`
	Phone   string `bson:"phone"`
	Email   string `bson:"email,omitempty"`
	Address string `bson:"address,omitempty"`
	City    string `bson:"city,omitempty"`
	Notes   string `bson:"notes,omitempty"`
}

type orderDocument struct {
	ID                  string              `bson:"_id"`
	Items               []orderItemDocument `bson:"items"`
	Buyer               buyerDocument       `bson:"buyer"`
	Total               int64               `bson:"total"`
	Currency            string              `bson:"currency"`
	Status              string              `bson:"status"`
	Provider            string              `bson:"provider,omitempty"`
	PaymentPreferenceID string              `bson:"paymentPreferenceId,omitempty"`
	PaymentChargeID     string              `bson:"paymentChargeId,omitempty"`
	CreatedAt           time.Time           `bson:"createdAt"`
	UpdatedAt           time.Time           `bson:"updatedAt"`
	PaidAt              *time.Time          `bson:"paidAt,omitempty"`
}

func orderToDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemDocument{
			ProductID: item.ProductID,
			Title:     item.Title,
			UnitPrice: int64(item.UnitPrice),
			Quantity:  item.Quantity,
		})
	}
	return orderDocument{
		ID:                  order.ID,
		Items:               items,
		Buyer:               buyerDocument(order.Buyer),
		Total:               int64(order.Total),
		Currency:            order.Currency,
		Status:              string(order.Status),
		Provider:            order.Provider,
		PaymentPreferenceID: order.PaymentPreferenceID,
		PaymentChargeID:     order.PaymentChargeID,
		CreatedAt:           order.CreatedAt.UTC(),
		UpdatedAt:           order.UpdatedAt.UTC(),
		PaidAt:              order.PaidAt,
	}
}

func (d orderDocument) toDomain() domain.Order {
	items := make([]domain.OrderItem, 0, len(d.Items))
	for _, item := range d.Items {
		items = append(items, domain.OrderItem{
			ProductID: item.ProductID,
			Title:     item.Title,
			UnitPrice: domain.Money(item.UnitPrice),
			Quantity:  item.Quantity,
		})
	}
	order := domain.Order{
		ID:                  d.ID,
		Items:               items,
		Buyer:               domain.Buyer(d.Buyer),
		Total:               domain.Money(d.Total),
		Currency:            d.Currency,
		Status:              domain.OrderStatus(d.Status),
		Provider:            d.Provider,
		PaymentPreferenceID: d.PaymentPreferenceID,
		PaymentChargeID:     d.PaymentChargeID,
		CreatedAt:           d.CreatedAt.UTC(),
		UpdatedAt:           d.UpdatedAt.UTC(),
	}
	if d.PaidAt != nil {
		paid := d.PaidAt.UTC()
		order.PaidAt = &paid
	}
	return order
}

// OrderRepository persists orders as single documents.
type OrderRepository struct {
	coll *mongo.Collection
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	_, err := r.coll.InsertOne(ctx, orderToDocument(order))
	return classify("orders.insert", err)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	var doc orderDocument
	err := r.coll.FindOne(ctx, bson.M{"_id": orderID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Order{}, repositories.NewNotFound("orders.get", "order %s not found", orderID)
	}
	if err != nil {
		return domain.Order{}, classify("orders.get", err)
	}
	return doc.toDomain(), nil
}

func (r *OrderRepository) SetPaymentPreference(ctx context.Context, orderID, provider, preferenceID string, updatedAt time.Time) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": orderID}, bson.M{"$set": bson.M{
		"provider":            provider,
		"paymentPreferenceId": preferenceID,
		"updatedAt":           updatedAt.UTC(),
	}})
	if err != nil {
		return classify("orders.set_preference", err)
	}
	if res.MatchedCount == 0 {
		return repositories.NewNotFound("orders.set_preference", "order %s not found", orderID)
	}
	return nil
}

// MarkPaid matches status == pending so concurrent writers cannot both flip the order and a
// stale reader cannot revert an order that has moved on.
func (r *OrderRepository) MarkPaid(ctx context.Context, orderID, chargeID string, paidAt time.Time) error {
	set := bson.M{
		"status":    string(domain.OrderStatusPaid),
		"paidAt":    paidAt.UTC(),
		"updatedAt": paidAt.UTC(),
	}
	if chargeID != "" {
		set["paymentChargeId"] = chargeID
	}
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": orderID, "status": string(domain.OrderStatusPending)},
		bson.M{"$set": set})
	if err != nil {
		return classify("orders.mark_paid", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	current, err := r.FindByID(ctx, orderID)
	if err != nil {
		return err
	}
	return repositories.MarkPaidRejection("orders.mark_paid", orderID, current.Status)
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, expected, status domain.OrderStatus, updatedAt time.Time) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": orderID, "status": string(expected)},
		bson.M{"$set": bson.M{"status": string(status), "updatedAt": updatedAt.UTC()}})
	if err != nil {
		return classify("orders.update_status", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	if _, err := r.FindByID(ctx, orderID); err != nil {
		return err
	}
	return fmt.Errorf("orders.update_status %s: %w", orderID, repositories.ErrStatusMismatch)
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	size := filter.Pagination.PageSize
	if size <= 0 {
		size = defaultOrderPageSize
	}
	if size > maxOrderPageSize {
		size = maxOrderPageSize
	}
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	query := bson.M{}
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, status := range filter.Status {
			statuses = append(statuses, string(status))
		}
		query["status"] = bson.M{"$in": statuses}
	}
	if !cursor.IsZero() {
		at := cursor.CreatedAt.UTC()
		query["$or"] = bson.A{
			bson.M{"createdAt": bson.M{"$lt": at}},
			bson.M{"createdAt": at, "_id": bson.M{"$lt": cursor.ID}},
		}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(size + 1))

	cur, err := r.coll.Find(ctx, query, opts)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, classify("orders.list", err)
	}
	var docs []orderDocument
	if err := cur.All(ctx, &docs); err != nil {
		return domain.CursorPage[domain.Order]{}, classify("orders.list", err)
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, min(len(docs), size))}
	for i, doc := range docs {
		if i == size {
			break
		}
		page.Items = append(page.Items, doc.toDomain())
	}
	if len(docs) > size {
		last := page.Items[size-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/mobishop/api/internal/domain"
	pfirestore "github.com/mobishop/api/internal/platform/firestore"
	"github.com/mobishop/api/internal/platform/pagination"
	"github.com/mobishop/api/internal/repositories"
)

const (
	defaultOrderPageSize = 50
	maxOrderPageSize     = 200
)

type orderItemDocument struct {
	ProductID string `firestore:"productId"`
	Title     string `firestore:"title"`
	UnitPrice int64  `firestore:"unitPrice"`
	Quantity  int    `firestore:"quantity"`
}

type buyerDocument struct {
	Name    string `firestore:"name"`
	Phone   string `firestore:"phone"`
	Email   string `firestore:"email,omitempty"`
	Address string `firestore:"address,omitempty"`
	City    string `firestore:"city,omitempty"`
	Notes   string `firestore:"notes,omitempty"`
}

type orderDocument struct {
	Items               []orderItemDocument `firestore:"items"`
	Buyer               buyerDocument       `firestore:"buyer"`
	Total               int64               `firestore:"total"`
	Currency            string              `firestore:"currency"`
	Status              string              `firestore:"status"`
	Provider            string              `firestore:"provider,omitempty"`
	PaymentPreferenceID string              `firestore:"paymentPreferenceId,omitempty"`
	PaymentChargeID     string              `firestore:"paymentChargeId,omitempty"`
	CreatedAt           time.Time           `firestore:"createdAt"`
	UpdatedAt           time.Time           `firestore:"updatedAt"`
	PaidAt              *time.Time          `firestore:"paidAt,omitempty"`
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
		Items: items,
		Buyer: buyerDocument{
			Name:    order.Buyer.Name,
			Phone:   order.Buyer.Phone,
			Email:   order.Buyer.Email,
			Address: order.Buyer.Address,
			City:    order.Buyer.City,
			Notes:   order.Buyer.Notes,
		},
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

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderItem, 0, len(d.Items))
	for _, item := range d.Items {
		items = append(items, domain.OrderItem{
			ProductID: item.ProductID,
			Title:     item.Title,
			UnitPrice: domain.Money(item.UnitPrice),
			Quantity:  item.Quantity,
		})
	}
	return domain.Order{
		ID:    id,
		Items: items,
		Buyer: domain.Buyer{
			Name:    d.Buyer.Name,
			Phone:   d.Buyer.Phone,
			Email:   d.Buyer.Email,
			Address: d.Buyer.Address,
			City:    d.Buyer.City,
			Notes:   d.Buyer.Notes,
		},
		Total:               domain.Money(d.Total),
		Currency:            d.Currency,
		Status:              domain.OrderStatus(d.Status),
		Provider:            d.Provider,
		PaymentPreferenceID: d.PaymentPreferenceID,
		PaymentChargeID:     d.PaymentChargeID,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
		PaidAt:              d.PaidAt,
	}
}

// OrderRepository stores orders in the orders collection.
type OrderRepository struct {
	provider *pfirestore.Provider
	docs     *pfirestore.Collection[orderDocument]
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return fmt.Errorf("orders.insert: order id is required")
	}
	return r.docs.Create(ctx, order.ID, orderToDocument(order))
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.read(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.toDomain(orderID), nil
}

func (r *OrderRepository) SetPaymentPreference(ctx context.Context, orderID, provider, preferenceID string, updatedAt time.Time) error {
	err := r.docs.Update(ctx, orderID, []firestore.Update{
		{Path: "provider", Value: provider},
		{Path: "paymentPreferenceId", Value: preferenceID},
		{Path: "updatedAt", Value: updatedAt.UTC()},
	})
	if repositories.IsNotFound(err) {
		return repositories.NewNotFound("orders.set_preference", "order %s not found", orderID)
	}
	return err
}

// MarkPaid compares the current status and writes within one transaction.
func (r *OrderRepository) MarkPaid(ctx context.Context, orderID, chargeID string, paidAt time.Time) error {
	if _, ok := pfirestore.TransactionFrom(ctx); !ok {
		return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
			return r.MarkPaid(withTxCache(ctx), orderID, chargeID, paidAt)
		})
	}

	doc, err := r.read(ctx, orderID)
	if err != nil {
		return err
	}
	if current := domain.OrderStatus(doc.Status); current != domain.OrderStatusPending {
		return repositories.MarkPaidRejection("orders.mark_paid", orderID, current)
	}
	paid := paidAt.UTC()
	updates := []firestore.Update{
		{Path: "status", Value: string(domain.OrderStatusPaid)},
		{Path: "paidAt", Value: paid},
		{Path: "updatedAt", Value: paid},
	}
	if chargeID != "" {
		updates = append(updates, firestore.Update{Path: "paymentChargeId", Value: chargeID})
		doc.PaymentChargeID = chargeID
	}
	if err := r.docs.Update(ctx, orderID, updates); err != nil {
		return err
	}
	doc.Status = string(domain.OrderStatusPaid)
	doc.PaidAt = &paid
	doc.UpdatedAt = paid
	if cache := cacheFrom(ctx); cache != nil {
		cache.orders[orderID] = doc
	}
	return nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, expected, status domain.OrderStatus, updatedAt time.Time) error {
	if _, ok := pfirestore.TransactionFrom(ctx); !ok {
		return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
			return r.UpdateStatus(withTxCache(ctx), orderID, expected, status, updatedAt)
		})
	}

	doc, err := r.read(ctx, orderID)
	if err != nil {
		return err
	}
	if domain.OrderStatus(doc.Status) != expected {
		return fmt.Errorf("orders.update_status %s: %w", orderID, repositories.ErrStatusMismatch)
	}
	if err := r.docs.Update(ctx, orderID, []firestore.Update{
		{Path: "status", Value: string(status)},
		{Path: "updatedAt", Value: updatedAt.UTC()},
	}); err != nil {
		return err
	}
	doc.Status = string(status)
	doc.UpdatedAt = updatedAt.UTC()
	if cache := cacheFrom(ctx); cache != nil {
		cache.orders[orderID] = doc
	}
	return nil
}

// List pages orders newest first using a (createdAt, id) keyset cursor.
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

	client, err := r.docs.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	query := client.Collection(ordersCollection).Query
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, status := range filter.Status {
			statuses = append(statuses, string(status))
		}
		query = query.Where("status", "in", statuses)
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
	if !cursor.IsZero() {
		query = query.StartAfter(cursor.CreatedAt, cursor.ID)
	}

	snaps, err := query.Limit(size + 1).Documents(ctx).GetAll()
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, min(len(snaps), size))}
	for i, snap := range snaps {
		if i == size {
			last := page.Items[len(page.Items)-1]
			token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
			if err != nil {
				return domain.CursorPage[domain.Order]{}, err
			}
			page.NextPageToken = token
			break
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		page.Items = append(page.Items, doc.toDomain(snap.Ref.ID))
	}
	return page, nil
}

func (r *OrderRepository) read(ctx context.Context, orderID string) (orderDocument, error) {
	cache := cacheFrom(ctx)
	if cache != nil {
		if doc, ok := cache.orders[orderID]; ok {
			return doc, nil
		}
	}
	doc, err := r.docs.Get(ctx, orderID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return orderDocument{}, repositories.NewNotFound("orders.get", "order %s not found", orderID)
		}
		return orderDocument{}, err
	}
	if cache != nil {
		cache.orders[orderID] = doc
	}
	return doc, nil
}

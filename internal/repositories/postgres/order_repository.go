package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/platform/pagination"
	"github.com/mobishop/api/internal/repositories"
)

const (
	orderColumns = "id, items, buyer, total, currency, status, provider, payment_preference_id, payment_charge_id, created_at, updated_at, paid_at"

	defaultOrderPageSize = 50
	maxOrderPageSize     = 200
)

// OrderRepository persists orders; items and buyer are stored as JSONB snapshots.
type OrderRepository struct {
	registry *Registry
}

type itemRecord struct {
	ProductID string `json:"productId"`
	Title     string `json:"title"`
	UnitPrice int64  `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
}

type buyerRecord struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order     domain.Order
		itemsJSON []byte
		buyerJSON []byte
		total     int64
		status    string
		paidAt    sql.NullTime
		items     []itemRecord
		buyer     buyerRecord
	)
	if err := row.Scan(&order.ID, &itemsJSON, &buyerJSON, &total, &order.Currency, &status, &order.Provider,
		&order.PaymentPreferenceID, &order.PaymentChargeID, &order.CreatedAt, &order.UpdatedAt, &paidAt); err != nil {
		return domain.Order{}, err
	}
	if err := json.Unmarshal(itemsJSON, &items); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s items: %w", order.ID, err)
	}
	if err := json.Unmarshal(buyerJSON, &buyer); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s buyer: %w", order.ID, err)
	}
	order.Items = make([]domain.OrderItem, 0, len(items))
	for _, item := range items {
		order.Items = append(order.Items, domain.OrderItem{
			ProductID: item.ProductID,
			Title:     item.Title,
			UnitPrice: domain.Money(item.UnitPrice),
			Quantity:  item.Quantity,
		})
	}
	order.Buyer = domain.Buyer(buyer)
	order.Total = domain.Money(total)
	order.Status = domain.OrderStatus(status)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		order.PaidAt = &t
	}
	return order, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	items := make([]itemRecord, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, itemRecord{
			ProductID: item.ProductID,
			Title:     item.Title,
			UnitPrice: int64(item.UnitPrice),
			Quantity:  item.Quantity,
		})
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode order items: %w", err)
	}
	buyerJSON, err := json.Marshal(buyerRecord(order.Buyer))
	if err != nil {
		return fmt.Errorf("encode order buyer: %w", err)
	}
	var paidAt sql.NullTime
	if order.PaidAt != nil {
		paidAt = sql.NullTime{Time: order.PaidAt.UTC(), Valid: true}
	}

	_, err = r.registry.conn(ctx).ExecContext(ctx,
		"INSERT INTO orders ("+orderColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)",
		order.ID, itemsJSON, buyerJSON, int64(order.Total), order.Currency, string(order.Status), order.Provider,
		order.PaymentPreferenceID, order.PaymentChargeID, order.CreatedAt.UTC(), order.UpdatedAt.UTC(), paidAt)
	return classify("orders.insert", err)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := scanOrder(r.registry.conn(ctx).QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, repositories.NewNotFound("orders.get", "order %s not found", orderID)
	}
	if err != nil {
		return domain.Order{}, classify("orders.get", err)
	}
	return order, nil
}

func (r *OrderRepository) SetPaymentPreference(ctx context.Context, orderID, provider, preferenceID string, updatedAt time.Time) error {
	res, err := r.registry.conn(ctx).ExecContext(ctx,
		"UPDATE orders SET provider = $2, payment_preference_id = $3, updated_at = $4 WHERE id = $1",
		orderID, provider, preferenceID, updatedAt.UTC())
	if err != nil {
		return classify("orders.set_preference", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return repositories.NewNotFound("orders.set_preference", "order %s not found", orderID)
	}
	return nil
}

// MarkPaid is a compare-and-set on status = 'pending'.
func (r *OrderRepository) MarkPaid(ctx context.Context, orderID, chargeID string, paidAt time.Time) error {
	res, err := r.registry.conn(ctx).ExecContext(ctx, `
		UPDATE orders SET status = $2, paid_at = $3, updated_at = $3,
			payment_charge_id = COALESCE(NULLIF($4, ''), payment_charge_id)
		WHERE id = $1 AND status = $5`,
		orderID, string(domain.OrderStatusPaid), paidAt.UTC(), chargeID, string(domain.OrderStatusPending))
	if err != nil {
		return classify("orders.mark_paid", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify("orders.mark_paid", err)
	}
	if affected == 1 {
		return nil
	}
	current, err := r.FindByID(ctx, orderID)
	if err != nil {
		return err
	}
	return repositories.MarkPaidRejection("orders.mark_paid", orderID, current.Status)
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, expected, status domain.OrderStatus, updatedAt time.Time) error {
	res, err := r.registry.conn(ctx).ExecContext(ctx,
		"UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2",
		orderID, string(expected), string(status), updatedAt.UTC())
	if err != nil {
		return classify("orders.update_status", err)
	}
	if affected, _ := res.RowsAffected(); affected == 1 {
		return nil
	}
	if _, err := r.FindByID(ctx, orderID); err != nil {
		return err
	}
	return fmt.Errorf("orders.update_status %s: %w", orderID, repositories.ErrStatusMismatch)
}

// List pages newest first with a (created_at, id) keyset predicate.
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

	var (
		where []string
		args  []any
	)
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, status := range filter.Status {
			statuses = append(statuses, string(status))
		}
		args = append(args, pq.Array(statuses))
		where = append(where, "status = ANY($"+strconv.Itoa(len(args))+")")
	}
	if !cursor.IsZero() {
		args = append(args, cursor.CreatedAt.UTC(), cursor.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	query := "SELECT " + orderColumns + " FROM orders"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, size+1)
	query += " ORDER BY created_at DESC, id DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := r.registry.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, classify("orders.list", err)
	}
	defer rows.Close()

	page := domain.CursorPage[domain.Order]{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.Items = append(page.Items, order)
	}
	if err := rows.Err(); err != nil {
		return domain.CursorPage[domain.Order]{}, classify("orders.list", err)
	}
	if len(page.Items) > size {
		page.Items = page.Items[:size]
		last := page.Items[size-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

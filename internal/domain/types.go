package domain

import (
	"strings"
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// Money is an amount expressed in the currency's minor unit (cents, centavos).
type Money int64

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates a hosted checkout session was created and payment is outstanding.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid indicates payment was confirmed and stock has been decremented.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusFailed indicates the payment attempt was abandoned or rejected.
	OrderStatusFailed OrderStatus = "failed"
	// OrderStatusProcessing indicates the order is being prepared for shipment.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has been handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the buyer.
	OrderStatusDelivered OrderStatus = "delivered"
)

// ParseOrderStatus normalises a status string, reporting whether it is a known state.
func ParseOrderStatus(value string) (OrderStatus, bool) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(value)))
	switch status {
	case OrderStatusPending, OrderStatusPaid, OrderStatusFailed,
		OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered:
		return status, true
	default:
		return "", false
	}
}

// OrderItem is the line snapshot captured when the order is created. It is never rewritten.
type OrderItem struct {
	ProductID string
	Title     string
	UnitPrice Money
	Quantity  int
}

// LineTotal returns unit price multiplied by quantity.
func (i OrderItem) LineTotal() Money {
	return i.UnitPrice * Money(i.Quantity)
}

// Buyer holds the contact details captured at checkout. Phone is required.
type Buyer struct {
	Name    string
	Phone   string
	Email   string
	Address string
	City    string
	Notes   string
}

// Order is the persisted purchase record.
type Order struct {
	ID                  string
	Items               []OrderItem
	Buyer               Buyer
	Total               Money
	Currency            string
	Status              OrderStatus
	Provider            string
	PaymentPreferenceID string
	PaymentChargeID     string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	PaidAt              *time.Time
}

// Product is the catalog entry carrying the authoritative price and stock level.
type Product struct {
	ID        string
	Title     string
	Price     Money
	Stock     int
	Category  string
	ImageURL  string
	Active    bool
	UpdatedAt time.Time
}

// NotificationType distinguishes the two kinds of gateway notification.
type NotificationType string

const (
	// NotificationTypePayment identifies a single payment attempt notification.
	NotificationTypePayment NotificationType = "payment"
	// NotificationTypeOrderEvent identifies the aggregate order-level notification.
	NotificationTypeOrderEvent NotificationType = "merchant_order"
)

// ParseNotificationType maps gateway topic names onto the supported notification types.
func ParseNotificationType(value string) (NotificationType, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "payment", "payments", "payment.created", "payment.updated":
		return NotificationTypePayment, true
	case "merchant_order", "merchant_orders", "topic_merchant_order_wh":
		return NotificationTypeOrderEvent, true
	default:
		return "", false
	}
}

// ProcessedEvent records a notification that has been fully handled.
type ProcessedEvent struct {
	Key              string
	NotificationID   string
	NotificationType NotificationType
	Provider         string
	OrderID          string
	Status           string
	ProcessedAt      time.Time
	ExpiresAt        time.Time
}

// ProcessedEventKey builds the composite ledger key. IDs are only unique per provider and type.
func ProcessedEventKey(provider string, kind NotificationType, notificationID string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + ":" + string(kind) + ":" + strings.TrimSpace(notificationID)
}

// Payment status values reported by gateways after normalisation.
const (
	PaymentStatusApproved   = "approved"
	PaymentStatusPending    = "pending"
	PaymentStatusInProcess  = "in_process"
	PaymentStatusRejected   = "rejected"
	PaymentStatusCancelled  = "cancelled"
	PaymentStatusRefunded   = "refunded"
	PaymentStatusAuthorized = "authorized"
)

// OrderEventType names the domain events published for downstream consumers.
type OrderEventType string

const (
	OrderEventPaid           OrderEventType = "order.paid"
	OrderEventPartialPayment OrderEventType = "order.payment.partial"
	OrderEventStatusChanged  OrderEventType = "order.status.changed"
	OrderEventCreated        OrderEventType = "order.created"
)

// OrderEvent is the payload published on the order events topic.
type OrderEvent struct {
	Type           OrderEventType    `json:"type"`
	OrderID        string            `json:"orderId"`
	Status         string            `json:"status,omitempty"`
	PreviousStatus string            `json:"previousStatus,omitempty"`
	Total          int64             `json:"total,omitempty"`
	PaidAmount     int64             `json:"paidAmount,omitempty"`
	Currency       string            `json:"currency,omitempty"`
	Provider       string            `json:"provider,omitempty"`
	PaymentID      string            `json:"paymentId,omitempty"`
	OccurredAt     time.Time         `json:"occurredAt"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

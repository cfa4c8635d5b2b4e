package services

import (
	"context"
	"time"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/payments"
)

// CheckoutService creates hosted checkout sessions and direct charges.
type CheckoutService interface {
	CreateHostedCheckout(ctx context.Context, cmd CreateOrderCommand) (HostedCheckout, error)
	ProcessDirectCharge(ctx context.Context, cmd DirectChargeCommand) (ChargeResult, error)
}

// Reconciler turns gateway notifications into order state.
type Reconciler interface {
	HandleNotification(ctx context.Context, n Notification) Outcome
	SyncPayment(ctx context.Context, cmd SyncPaymentCommand) (SyncResult, error)
}

// Fulfiller performs the pending to paid transition together with the stock decrements.
type Fulfiller interface {
	FulfillPending(ctx context.Context, cmd FulfillPendingCommand) (FulfillResult, error)
	CreatePaid(ctx context.Context, cmd CreatePaidCommand) (domain.Order, error)
}

// OrderService exposes order reads and administrator status changes.
type OrderService interface {
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (domain.Order, error)
}

// CatalogService serves the cached product listing and stock queries.
type CatalogService interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetStock(ctx context.Context, productID string) (StockLevel, error)
}

// LedgerService maintains the processed notification ledger.
type LedgerService interface {
	PurgeExpired(ctx context.Context, limit int) (int, error)
}

// SystemService reports service health.
type SystemService interface {
	HealthReport(ctx context.Context) (domain.SystemHealthReport, error)
}

// PaymentGateway is the provider-routing view of the payment adapters.
type PaymentGateway interface {
	CreatePreference(ctx context.Context, pc payments.PaymentContext, req payments.PreferenceRequest) (payments.Preference, error)
	CreateCharge(ctx context.Context, pc payments.PaymentContext, req payments.ChargeRequest) (payments.Charge, error)
	GetPayment(ctx context.Context, pc payments.PaymentContext, id string) (payments.Payment, error)
	GetOrderEvent(ctx context.Context, pc payments.PaymentContext, id string) (payments.OrderEvent, error)
	Refund(ctx context.Context, pc payments.PaymentContext, req payments.RefundRequest) (payments.Refund, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event domain.OrderEvent) error
}

// ProductCacheInvalidator drops the cached product listing.
type ProductCacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// ItemRequest is a client-supplied line. UnitPrice and Title are accepted but never trusted.
type ItemRequest struct {
	ProductID string
	Quantity  int
	UnitPrice *domain.Money
	Title     string
}

// StockProblem describes one line that cannot be satisfied from current stock.
type StockProblem struct {
	ProductID string
	Title     string
	Available int
	Requested int
	Missing   bool
}

// Message renders the problem for buyers.
func (p StockProblem) Message() string {
	if p.Missing {
		return "product " + p.ProductID + " not found"
	}
	return formatShortage(p)
}

// NormalizedItems is the catalog-priced view of a cart.
type NormalizedItems struct {
	Items []domain.OrderItem
	Total domain.Money
}

// CreateOrderCommand starts a hosted checkout.
type CreateOrderCommand struct {
	Items    []ItemRequest
	Buyer    domain.Buyer
	Provider string
}

// HostedCheckout is returned to the buyer so they can be redirected to the gateway.
type HostedCheckout struct {
	OrderID      string
	PreferenceID string
	Provider     string
	RedirectURL  string
	SandboxURL   string
	Total        domain.Money
	Currency     string
}

// DirectChargeCommand charges a tokenised card for the cart.
type DirectChargeCommand struct {
	Items           []ItemRequest
	Buyer           domain.Buyer
	Provider        string
	Token           string
	PaymentMethodID string
	Installments    int
	IssuerID        string
	PayerEmail      string
}

// ChargeResult reports the synchronous direct charge outcome. Order is set only when approved.
type ChargeResult struct {
	Status       string
	StatusDetail string
	ChargeID     string
	Provider     string
	Order        *domain.Order
}

// Approved reports whether the charge was captured and the order committed.
func (r ChargeResult) Approved() bool {
	return r.Status == domain.PaymentStatusApproved && r.Order != nil
}

// Notification is a parsed gateway callback.
type Notification struct {
	Provider string
	Type     domain.NotificationType
	ID       string
	// RequestID is the transport delivery identifier, used only for logging.
	RequestID string
}

// Outcome classifies what a notification did.
type Outcome string

const (
	OutcomeIgnored        Outcome = "ignored"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeUnprocessable  Outcome = "unprocessable"
	OutcomePartialPayment Outcome = "partial_payment"
	OutcomeFulfilled      Outcome = "fulfilled"
	OutcomeAlreadyPaid    Outcome = "already_paid"
	OutcomeNotPaid        Outcome = "not_paid"
	OutcomeConflict       Outcome = "conflict"
	OutcomeFailed         Outcome = "failed"
)

// SyncPaymentCommand reconciles a payment the buyer returned with.
type SyncPaymentCommand struct {
	OrderID   string
	PaymentID string
	Provider  string
}

// SyncResult returns the order after a polling reconciliation.
type SyncResult struct {
	Outcome Outcome
	Order   domain.Order
}

// FulfillPendingCommand moves a pending order to paid.
type FulfillPendingCommand struct {
	OrderID  string
	ChargeID string
	// Event, when set, is inserted into the ledger in the same unit of work.
	Event *domain.ProcessedEvent
}

// FulfillResult reports whether this call performed the transition.
type FulfillResult struct {
	Order       domain.Order
	AlreadyPaid bool
	Duplicate   bool
}

// CreatePaidCommand persists an order whose charge the gateway already approved.
type CreatePaidCommand struct {
	Order domain.Order
}

// OrderListFilter narrows admin listings.
type OrderListFilter struct {
	Status    []string
	PageSize  int
	PageToken string
}

// UpdateOrderStatusCommand is an administrator status change.
type UpdateOrderStatusCommand struct {
	OrderID        string
	Status         string
	ExpectedStatus *string
	ActorID        string
	Reason         string
}

// StockLevel is the public stock answer for one product.
type StockLevel struct {
	ProductID string
	Title     string
	Stock     int
	Available bool
	CheckedAt time.Time
}

package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/payments"
	"github.com/mobishop/api/internal/repositories"
)

const (
	defaultEventRetention = 30 * 24 * time.Hour
	reconcilerMeterName   = "github.com/mobishop/api/internal/services/reconciler"
	syncNotificationType  = "sync"
)

// ReconcilerDeps bundles collaborators required to construct the reconciler.
type ReconcilerDeps struct {
	Orders    repositories.OrderRepository
	Ledger    repositories.ProcessedEventRepository
	Gateway   PaymentGateway
	Fulfiller Fulfiller
	Events    OrderEventPublisher
	Meter     metric.Meter
	// DefaultProvider is assumed for notifications that do not name one.
	DefaultProvider string
	// Retention is how long processed notifications stay in the ledger.
	Retention time.Duration
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type reconciler struct {
	orders          repositories.OrderRepository
	ledger          repositories.ProcessedEventRepository
	gateway         PaymentGateway
	fulfiller       Fulfiller
	events          OrderEventPublisher
	outcomes        metric.Int64Counter
	defaultProvider string
	retention       time.Duration
	clock           func() time.Time
	logger          func(context.Context, string, map[string]any)
}

// NewReconciler wires dependencies into a Reconciler implementation.
func NewReconciler(deps ReconcilerDeps) (Reconciler, error) {
	if deps.Orders == nil {
		return nil, errors.New("reconciler: order repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("reconciler: processed event repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("reconciler: payment gateway is required")
	}
	if deps.Fulfiller == nil {
		return nil, errors.New("reconciler: fulfiller is required")
	}

	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(reconcilerMeterName)
	}
	outcomes, err := meter.Int64Counter("reconciler.notifications",
		metric.WithDescription("Gateway notifications handled, by outcome and type"))
	if err != nil {
		return nil, err
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	retention := deps.Retention
	if retention <= 0 {
		retention = defaultEventRetention
	}
	provider := strings.ToLower(strings.TrimSpace(deps.DefaultProvider))
	if provider == "" {
		provider = payments.ProviderMercadoPago
	}

	return &reconciler{
		orders:          deps.Orders,
		ledger:          deps.Ledger,
		gateway:         deps.Gateway,
		fulfiller:       deps.Fulfiller,
		events:          deps.Events,
		outcomes:        outcomes,
		defaultProvider: provider,
		retention:       retention,
		clock:           func() time.Time { return clock().UTC() },
		logger:          logger,
	}, nil
}

func (r *reconciler) HandleNotification(ctx context.Context, n Notification) Outcome {
	provider := strings.ToLower(strings.TrimSpace(n.Provider))
	if provider == "" {
		provider = r.defaultProvider
	}
	id := strings.TrimSpace(n.ID)
	fields := map[string]any{
		"provider":       provider,
		"type":           string(n.Type),
		"notificationID": id,
		"requestID":      n.RequestID,
	}

	var outcome Outcome
	switch {
	case id == "" || n.Type == "":
		r.logger(ctx, "reconciler.notification.ignored", fields)
		outcome = OutcomeIgnored
	case n.Type == domain.NotificationTypePayment:
		outcome = r.handlePayment(ctx, provider, id)
	case n.Type == domain.NotificationTypeOrderEvent:
		outcome = r.handleOrderEvent(ctx, provider, id)
	default:
		r.logger(ctx, "reconciler.notification.ignored", fields)
		outcome = OutcomeIgnored
	}

	fields["outcome"] = string(outcome)
	r.logger(ctx, "reconciler.notification.handled", fields)
	r.count(ctx, outcome, string(n.Type))
	return outcome
}

func (r *reconciler) SyncPayment(ctx context.Context, cmd SyncPaymentCommand) (SyncResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	paymentID := strings.TrimSpace(cmd.PaymentID)
	var missing []string
	missing = requireField(missing, orderID, "orderId")
	missing = requireField(missing, paymentID, "paymentId")
	if len(missing) > 0 {
		return SyncResult{}, newError(KindValidation, "missing required fields: %s", strings.Join(missing, ", "))
	}
	provider := strings.ToLower(strings.TrimSpace(cmd.Provider))
	if provider == "" {
		provider = r.defaultProvider
	}

	payment, err := r.gateway.GetPayment(ctx, payments.PaymentContext{PreferredProvider: provider}, paymentID)
	if err != nil {
		return SyncResult{}, gatewayError("sync", err)
	}
	if ref := strings.TrimSpace(payment.ExternalReference); ref != "" && ref != orderID {
		return SyncResult{}, newError(KindValidation, "payment %s does not belong to order %s", paymentID, orderID)
	}
	if payment.ExternalReference == "" {
		payment.ExternalReference = orderID
	}

	event, err := r.orderEventFor(ctx, provider, payment)
	if err != nil {
		return SyncResult{}, gatewayError("sync", err)
	}
	outcome := r.apply(ctx, provider, event, "")
	r.count(ctx, outcome, syncNotificationType)

	order, err := r.orders.FindByID(ctx, orderID)
	if err != nil {
		return SyncResult{}, fromRepository("order", err)
	}
	return SyncResult{Outcome: outcome, Order: order}, nil
}

// handlePayment resolves a payment notification through its order event. The payment itself is
// always written to the ledger with its latest status.
func (r *reconciler) handlePayment(ctx context.Context, provider, paymentID string) Outcome {
	pc := payments.PaymentContext{PreferredProvider: provider}
	payment, err := r.gateway.GetPayment(ctx, pc, paymentID)
	if err != nil {
		return r.gatewayFailure(ctx, "payment", provider, paymentID, err)
	}

	var outcome Outcome
	event, err := r.orderEventFor(ctx, provider, payment)
	if err != nil {
		outcome = r.gatewayFailure(ctx, "order_event", provider, payment.OrderEventID, err)
	} else {
		outcome = r.apply(ctx, provider, event, "")
	}

	now := r.clock()
	entry := domain.ProcessedEvent{
		Key:              domain.ProcessedEventKey(provider, domain.NotificationTypePayment, paymentID),
		NotificationID:   paymentID,
		NotificationType: domain.NotificationTypePayment,
		Provider:         provider,
		OrderID:          payment.ExternalReference,
		Status:           payment.Status,
		ProcessedAt:      now,
		ExpiresAt:        now.Add(r.retention),
	}
	if err := r.ledger.Upsert(ctx, entry); err != nil {
		r.logger(ctx, "reconciler.ledger.upsert.failed", map[string]any{
			"key":   entry.Key,
			"error": err.Error(),
		})
	}
	return outcome
}

func (r *reconciler) handleOrderEvent(ctx context.Context, provider, eventID string) Outcome {
	event, err := r.gateway.GetOrderEvent(ctx, payments.PaymentContext{PreferredProvider: provider}, eventID)
	if err != nil {
		return r.gatewayFailure(ctx, "order_event", provider, eventID, err)
	}
	return r.apply(ctx, provider, event, eventID)
}

// orderEventFor returns the aggregate order event of a payment. A payment that belongs to no
// order event stands in for one holding just itself.
func (r *reconciler) orderEventFor(ctx context.Context, provider string, payment payments.Payment) (payments.OrderEvent, error) {
	if payment.OrderEventID == "" {
		return payments.OrderEvent{
			Provider:          provider,
			ExternalReference: payment.ExternalReference,
			Status:            payment.Status,
			Payments:          []payments.Payment{payment},
		}, nil
	}
	return r.gateway.GetOrderEvent(ctx, payments.PaymentContext{PreferredProvider: provider}, payment.OrderEventID)
}

// apply drives the order from an order event. notificationID is empty when the event was reached
// through a payment or a sync, in which case only the order status guards against repeats.
func (r *reconciler) apply(ctx context.Context, provider string, event payments.OrderEvent, notificationID string) Outcome {
	orderID := strings.TrimSpace(event.ExternalReference)
	fields := map[string]any{
		"provider":     provider,
		"orderEventID": event.ID,
		"orderID":      orderID,
	}
	if orderID == "" {
		r.logger(ctx, "reconciler.order_event.unreferenced", fields)
		return OutcomeUnprocessable
	}

	var ledgerEntry *domain.ProcessedEvent
	if notificationID != "" {
		key := domain.ProcessedEventKey(provider, domain.NotificationTypeOrderEvent, notificationID)
		exists, err := r.ledger.Exists(ctx, key)
		if err != nil {
			fields["error"] = err.Error()
			r.logger(ctx, "reconciler.ledger.lookup.failed", fields)
			return OutcomeFailed
		}
		if exists {
			r.logger(ctx, "reconciler.notification.duplicate", fields)
			return OutcomeDuplicate
		}
		now := r.clock()
		ledgerEntry = &domain.ProcessedEvent{
			Key:              key,
			NotificationID:   notificationID,
			NotificationType: domain.NotificationTypeOrderEvent,
			Provider:         provider,
			OrderID:          orderID,
			Status:           firstNonEmpty(event.Status, domain.PaymentStatusApproved),
			ProcessedAt:      now,
			ExpiresAt:        now.Add(r.retention),
		}
	}

	paid := event.Paid()
	order, err := r.orders.FindByID(ctx, orderID)
	if err != nil {
		fields["error"] = err.Error()
		if repositories.IsNotFound(err) {
			r.logger(ctx, "reconciler.order.not_found", fields)
			return OutcomeUnprocessable
		}
		r.logger(ctx, "reconciler.order.lookup.failed", fields)
		return OutcomeFailed
	}
	fields["status"] = string(order.Status)

	if !paid {
		r.logger(ctx, "reconciler.order.not_paid", fields)
		return OutcomeNotPaid
	}

	paidAmount := event.ApprovedAmount()
	if paidAmount < order.Total {
		fields["paidAmount"] = int64(paidAmount)
		fields["total"] = int64(order.Total)
		r.logger(ctx, "reconciler.payment.partial", fields)
		publishOrderEvent(ctx, r.events, r.logger, domain.OrderEvent{
			Type:       domain.OrderEventPartialPayment,
			OrderID:    order.ID,
			Status:     string(order.Status),
			Total:      int64(order.Total),
			PaidAmount: int64(paidAmount),
			Currency:   order.Currency,
			Provider:   provider,
			PaymentID:  event.FirstApprovedID(),
			OccurredAt: r.clock(),
			Attributes: map[string]string{"orderEventId": event.ID},
		})
		return OutcomePartialPayment
	}

	if order.Status != domain.OrderStatusPending && order.Status != domain.OrderStatusFailed {
		r.logger(ctx, "reconciler.order.already_paid", fields)
		return OutcomeAlreadyPaid
	}

	result, err := r.fulfiller.FulfillPending(ctx, FulfillPendingCommand{
		OrderID:  order.ID,
		ChargeID: event.FirstApprovedID(),
		Event:    ledgerEntry,
	})
	if err != nil {
		fields["error"] = err.Error()
		if IsKind(err, KindConflict) {
			r.logger(ctx, "reconciler.fulfillment.conflict", fields)
			return OutcomeConflict
		}
		r.logger(ctx, "reconciler.fulfillment.failed", fields)
		return OutcomeFailed
	}
	switch {
	case result.Duplicate:
		return OutcomeDuplicate
	case result.AlreadyPaid:
		return OutcomeAlreadyPaid
	}
	return OutcomeFulfilled
}

func (r *reconciler) gatewayFailure(ctx context.Context, resource, provider, id string, err error) Outcome {
	fields := map[string]any{
		"resource": resource,
		"provider": provider,
		"id":       id,
		"error":    err.Error(),
	}
	if errors.Is(err, payments.ErrNotFound) {
		r.logger(ctx, "reconciler.gateway.not_found", fields)
		return OutcomeUnprocessable
	}
	r.logger(ctx, "reconciler.gateway.failed", fields)
	return OutcomeFailed
}

func (r *reconciler) count(ctx context.Context, outcome Outcome, kind string) {
	if kind == "" {
		kind = "unknown"
	}
	r.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("type", kind),
	))
}

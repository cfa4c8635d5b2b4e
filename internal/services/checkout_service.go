package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/payments"
	"github.com/mobishop/api/internal/platform/requestctx"
)

const (
	orderIDPrefix     = "ord_"
	defaultAutoReturn = "approved"
	defaultCurrency   = "ARS"
)

// CheckoutServiceDeps bundles collaborators required to construct the checkout service.
type CheckoutServiceDeps struct {
	Products   StockReader
	Orders     OrderWriter
	Gateway    PaymentGateway
	Fulfiller  Fulfiller
	Validator  *StockValidator
	Normalizer *ItemNormalizer
	Events     OrderEventPublisher

	Currency        string
	NotificationURL string
	BackURLs        payments.BackURLs
	// AutoReturn is sent on hosted checkouts. "-" disables it entirely.
	AutoReturn string

	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// StockReader is the catalog view needed by validation and normalisation.
type StockReader interface {
	FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
}

// OrderWriter persists pending orders and their checkout references.
type OrderWriter interface {
	Insert(ctx context.Context, order domain.Order) error
	SetPaymentPreference(ctx context.Context, orderID, provider, preferenceID string, updatedAt time.Time) error
	UpdateStatus(ctx context.Context, orderID string, expected, status domain.OrderStatus, updatedAt time.Time) error
}

type checkoutService struct {
	orders     OrderWriter
	gateway    PaymentGateway
	fulfiller  Fulfiller
	validator  *StockValidator
	normalizer *ItemNormalizer
	events     OrderEventPublisher

	currency        string
	notificationURL string
	backURLs        payments.BackURLs
	autoReturn      string

	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewCheckoutService wires dependencies into a CheckoutService implementation.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("checkout service: payment gateway is required")
	}
	if deps.Fulfiller == nil {
		return nil, errors.New("checkout service: fulfiller is required")
	}
	validator := deps.Validator
	normalizer := deps.Normalizer
	if validator == nil || normalizer == nil {
		if deps.Products == nil {
			return nil, errors.New("checkout service: product repository is required")
		}
		if validator == nil {
			validator = &StockValidator{products: deps.Products}
		}
		if normalizer == nil {
			normalizer = &ItemNormalizer{products: deps.Products}
		}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	autoReturn := strings.TrimSpace(deps.AutoReturn)
	switch autoReturn {
	case "":
		autoReturn = defaultAutoReturn
	case "-":
		autoReturn = ""
	}

	return &checkoutService{
		orders:          deps.Orders,
		gateway:         deps.Gateway,
		fulfiller:       deps.Fulfiller,
		validator:       validator,
		normalizer:      normalizer,
		events:          deps.Events,
		currency:        currency,
		notificationURL: strings.TrimSpace(deps.NotificationURL),
		backURLs:        deps.BackURLs,
		autoReturn:      autoReturn,
		clock:           func() time.Time { return clock().UTC() },
		newID:           idGen,
		logger:          logger,
	}, nil
}

func (s *checkoutService) CreateHostedCheckout(ctx context.Context, cmd CreateOrderCommand) (HostedCheckout, error) {
	if err := validateCart(cmd.Items, cmd.Buyer, nil); err != nil {
		return HostedCheckout{}, err
	}
	normalized, err := s.prepare(ctx, cmd.Items)
	if err != nil {
		return HostedCheckout{}, err
	}

	now := s.clock()
	order := domain.Order{
		ID:        s.nextOrderID(),
		Items:     normalized.Items,
		Buyer:     sanitizeBuyer(cmd.Buyer),
		Total:     normalized.Total,
		Currency:  s.currency,
		Status:    domain.OrderStatusPending,
		Provider:  strings.ToLower(strings.TrimSpace(cmd.Provider)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.orders.Insert(ctx, order); err != nil {
		return HostedCheckout{}, fromRepository("order", err)
	}

	req := payments.PreferenceRequest{
		OrderID:         order.ID,
		Items:           gatewayItems(order.Items),
		Currency:        order.Currency,
		Payer:           payments.Payer{Name: order.Buyer.Name, Email: order.Buyer.Email, Phone: order.Buyer.Phone},
		BackURLs:        s.orderBackURLs(order.ID),
		NotificationURL: s.notificationURL,
		AutoReturn:      s.autoReturn,
		IdempotencyKey:  gatewayIdempotencyKey(ctx, "preference", order.ID),
	}
	pc := payments.PaymentContext{PreferredProvider: order.Provider, Currency: order.Currency}

	pref, err := s.gateway.CreatePreference(ctx, pc, req)
	if err != nil && errors.Is(err, payments.ErrAutoReturnRejected) && req.AutoReturn != "" {
		s.logger(ctx, "checkout.preference.auto_return_retry", map[string]any{
			"orderID": order.ID,
			"error":   err.Error(),
		})
		req.AutoReturn = ""
		req.IdempotencyKey = gatewayIdempotencyKey(ctx, "preference-retry", order.ID)
		pref, err = s.gateway.CreatePreference(ctx, pc, req)
	}
	if err != nil {
		s.abandon(ctx, order.ID, err)
		return HostedCheckout{}, gatewayError("checkout", err)
	}

	if err := s.orders.SetPaymentPreference(ctx, order.ID, pref.Provider, pref.ID, s.clock()); err != nil {
		return HostedCheckout{}, fromRepository("order", err)
	}

	s.logger(ctx, "checkout.preference.created", map[string]any{
		"orderID":      order.ID,
		"preferenceID": pref.ID,
		"provider":     pref.Provider,
		"total":        int64(order.Total),
	})
	publishOrderEvent(ctx, s.events, s.logger, domain.OrderEvent{
		Type:       domain.OrderEventCreated,
		OrderID:    order.ID,
		Status:     string(order.Status),
		Total:      int64(order.Total),
		Currency:   order.Currency,
		Provider:   pref.Provider,
		OccurredAt: now,
	})

	return HostedCheckout{
		OrderID:      order.ID,
		PreferenceID: pref.ID,
		Provider:     pref.Provider,
		RedirectURL:  pref.RedirectURL,
		SandboxURL:   pref.SandboxURL,
		Total:        order.Total,
		Currency:     order.Currency,
	}, nil
}

func (s *checkoutService) ProcessDirectCharge(ctx context.Context, cmd DirectChargeCommand) (ChargeResult, error) {
	extra := map[string]string{"token": cmd.Token, "paymentMethodId": cmd.PaymentMethodID}
	if err := validateCart(cmd.Items, cmd.Buyer, extra); err != nil {
		return ChargeResult{}, err
	}
	if cmd.Installments < 0 {
		return ChargeResult{}, newError(KindValidation, "payment: installments must not be negative")
	}
	normalized, err := s.prepare(ctx, cmd.Items)
	if err != nil {
		return ChargeResult{}, err
	}

	orderID := s.nextOrderID()
	buyer := sanitizeBuyer(cmd.Buyer)
	payerEmail := strings.TrimSpace(cmd.PayerEmail)
	if payerEmail == "" {
		payerEmail = buyer.Email
	}
	installments := cmd.Installments
	if installments == 0 {
		installments = 1
	}
	pc := payments.PaymentContext{PreferredProvider: cmd.Provider, Currency: s.currency}

	charge, err := s.gateway.CreateCharge(ctx, pc, payments.ChargeRequest{
		OrderID:         orderID,
		Amount:          normalized.Total,
		Currency:        s.currency,
		Token:           strings.TrimSpace(cmd.Token),
		PaymentMethodID: strings.TrimSpace(cmd.PaymentMethodID),
		Installments:    installments,
		IssuerID:        strings.TrimSpace(cmd.IssuerID),
		PayerEmail:      payerEmail,
		Description:     "Order " + orderID,
		NotificationURL: s.notificationURL,
		IdempotencyKey:  gatewayIdempotencyKey(ctx, "charge", orderID),
	})
	if err != nil {
		return ChargeResult{}, gatewayError("payment", err)
	}

	result := ChargeResult{
		Status:       charge.Status,
		StatusDetail: charge.StatusDetail,
		ChargeID:     charge.ID,
		Provider:     charge.Provider,
	}
	fields := map[string]any{
		"orderID":      orderID,
		"chargeID":     charge.ID,
		"provider":     charge.Provider,
		"status":       charge.Status,
		"statusDetail": charge.StatusDetail,
	}

	switch charge.Status {
	case domain.PaymentStatusApproved:
	case domain.PaymentStatusRejected, domain.PaymentStatusCancelled:
		s.logger(ctx, "checkout.charge.rejected", fields)
		return result, &Error{
			Kind:    KindUnprocessable,
			Message: "payment rejected: " + firstNonEmpty(charge.StatusDetail, charge.Status),
			Details: map[string]any{"status": charge.Status, "statusDetail": charge.StatusDetail, "paymentId": charge.ID},
		}
	default:
		s.logger(ctx, "checkout.charge.pending", fields)
		return result, nil
	}

	now := s.clock()
	order, err := s.fulfiller.CreatePaid(ctx, CreatePaidCommand{Order: domain.Order{
		ID:              orderID,
		Items:           normalized.Items,
		Buyer:           buyer,
		Total:           normalized.Total,
		Currency:        s.currency,
		Status:          domain.OrderStatusPaid,
		Provider:        charge.Provider,
		PaymentChargeID: charge.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
		PaidAt:          &now,
	}})
	if err != nil {
		fields["error"] = err.Error()
		s.logger(ctx, "checkout.charge.fulfillment_failed", fields)
		s.refund(ctx, pc, charge, err)
		return result, err
	}

	s.logger(ctx, "checkout.charge.approved", fields)
	result.Order = &order
	return result, nil
}

// prepare runs the pre-flight stock check, reporting every missing or short line together, and
// then prices the cart from the catalog.
func (s *checkoutService) prepare(ctx context.Context, items []ItemRequest) (NormalizedItems, error) {
	if err := validateLines(items); err != nil {
		return NormalizedItems{}, err
	}
	problems, err := s.validator.Validate(ctx, items)
	if err != nil {
		return NormalizedItems{}, err
	}
	if len(problems) > 0 {
		return NormalizedItems{}, stockError(problems)
	}
	return s.normalizer.Normalize(ctx, items)
}

// refund returns an approved charge whose order could not be committed.
func (s *checkoutService) refund(ctx context.Context, pc payments.PaymentContext, charge payments.Charge, cause error) {
	pc.PreferredProvider = firstNonEmpty(charge.Provider, pc.PreferredProvider)
	refund, err := s.gateway.Refund(ctx, pc, payments.RefundRequest{
		PaymentID:      charge.ID,
		Reason:         "fulfillment_failed",
		IdempotencyKey: uuid.NewSHA1(uuid.NameSpaceOID, []byte("refund:"+charge.ID)).String(),
	})
	fields := map[string]any{
		"chargeID": charge.ID,
		"provider": charge.Provider,
		"cause":    cause.Error(),
	}
	if err != nil {
		fields["error"] = err.Error()
		s.logger(ctx, "checkout.refund.failed", fields)
		return
	}
	fields["refundID"] = refund.ID
	fields["status"] = refund.Status
	s.logger(ctx, "checkout.refund.issued", fields)
}

// abandon marks a pending order failed after the gateway refused its session.
func (s *checkoutService) abandon(ctx context.Context, orderID string, cause error) {
	err := s.orders.UpdateStatus(ctx, orderID, domain.OrderStatusPending, domain.OrderStatusFailed, s.clock())
	fields := map[string]any{"orderID": orderID, "cause": cause.Error()}
	if err != nil {
		fields["error"] = err.Error()
	}
	s.logger(ctx, "checkout.preference.failed", fields)
}

func (s *checkoutService) orderBackURLs(orderID string) payments.BackURLs {
	return payments.BackURLs{
		Success: withOrderParam(s.backURLs.Success, orderID),
		Pending: withOrderParam(s.backURLs.Pending, orderID),
		Failure: withOrderParam(s.backURLs.Failure, orderID),
	}
}

func (s *checkoutService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func validateCart(items []ItemRequest, buyer domain.Buyer, extra map[string]string) error {
	var missing []string
	if len(items) == 0 {
		missing = append(missing, "items")
	}
	missing = requireField(missing, buyer.Name, "buyer.name")
	missing = requireField(missing, buyer.Phone, "buyer.phone")
	for _, name := range []string{"token", "paymentMethodId"} {
		if value, ok := extra[name]; ok {
			missing = requireField(missing, value, name)
		}
	}
	if len(missing) > 0 {
		return newError(KindValidation, "missing required fields: %s", strings.Join(missing, ", ")).
			withDetails(map[string]any{"missing": missing})
	}
	return nil
}

func gatewayItems(items []domain.OrderItem) []payments.Item {
	out := make([]payments.Item, 0, len(items))
	for _, item := range items {
		out = append(out, payments.Item{
			ProductID: item.ProductID,
			Title:     item.Title,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return out
}

// gatewayError classifies an adapter failure. Provider misconfiguration in the request is the
// caller's fault; everything else is an upstream failure.
func gatewayError(scope string, err error) error {
	switch {
	case errors.Is(err, payments.ErrUnsupportedProvider):
		return wrapError(KindValidation, err, "%s: unsupported payment provider", scope)
	case errors.Is(err, payments.ErrNotFound):
		return wrapError(KindNotFound, err, "%s: payment not found", scope)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindUnavailable, Message: scope + ": gateway timeout", Err: err, Recoverable: true}
	}
	return &Error{Kind: KindGateway, Message: scope + ": payment gateway error", Err: err, Recoverable: true}
}

// gatewayIdempotencyKey derives a stable key from the client's Idempotency-Key when present so a
// retried request reaches the gateway with the same key.
func gatewayIdempotencyKey(ctx context.Context, scope, orderID string) string {
	if key := requestctx.IdempotencyKey(ctx); key != "" {
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte(scope+":"+key)).String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(scope+":"+orderID)).String()
}

func withOrderParam(raw, orderID string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Sprintf("%s?order=%s", raw, url.QueryEscape(orderID))
	}
	q := u.Query()
	q.Set("order", orderID)
	u.RawQuery = q.Encode()
	return u.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

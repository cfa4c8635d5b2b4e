package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/mobishop/api/internal/domain"
)

const stripeOrderMetadataKey = "order_id"

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
	intents  stripePaymentIntentAPI
	refunds  stripeRefundAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    Logger
	Clock     func() time.Time
	Clients   *stripeClients
}

// StripeProvider implements Provider with Checkout Sessions for hosted checkout and confirmed
// PaymentIntents for direct charges. A Checkout Session plays the role of the order event.
type StripeProvider struct {
	api     stripeClients
	account string
	clock   func() time.Time
	logger  Logger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions: sc.CheckoutSessions,
			intents:  sc.PaymentIntents,
			refunds:  sc.Refunds,
		}
	}
	if clients.sessions == nil || clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeProvider{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (p *StripeProvider) prepare(ctx context.Context, params *stripe.Params, idempotencyKey string) {
	params.Context = ctx
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
}

// CreatePreference creates a Checkout Session. Stripe has no auto-return switch: the buyer is
// always sent to the success URL, so AutoReturn is ignored.
func (p *StripeProvider) CreatePreference(ctx context.Context, req PreferenceRequest) (Preference, error) {
	currency := strings.ToLower(req.Currency)
	metadata := map[string]string{stripeOrderMetadataKey: req.OrderID}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.BackURLs.Success),
		CancelURL:         stripe.String(req.BackURLs.Failure),
		ClientReferenceID: stripe.String(req.OrderID),
		Metadata:          metadata,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: metadata},
	}
	p.prepare(ctx, &params.Params, req.IdempotencyKey)
	if email := strings.TrimSpace(req.Payer.Email); email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	for _, item := range req.Items {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(int64(max(item.Quantity, 1))),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(int64(item.UnitPrice)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:     stripe.String(item.Title),
					Metadata: map[string]string{"product_id": item.ProductID},
				},
			},
		})
	}

	session, err := p.api.sessions.New(params)
	if err != nil {
		return Preference{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": session.ID,
		"orderId":   req.OrderID,
	})
	return Preference{ID: session.ID, Provider: ProviderStripe, RedirectURL: session.URL}, nil
}

// CreateCharge confirms a PaymentIntent with the supplied PaymentMethod. Card declines come back
// as a rejected charge rather than an error.
func (p *StripeProvider) CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(int64(req.Amount)),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(req.Token),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
		Metadata: map[string]string{stripeOrderMetadataKey: req.OrderID},
	}
	p.prepare(ctx, &params.Params, req.IdempotencyKey)
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.PayerEmail != "" {
		params.ReceiptEmail = stripe.String(req.PayerEmail)
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			charge := Charge{
				Provider:     ProviderStripe,
				Status:       domain.PaymentStatusRejected,
				StatusDetail: firstNonEmpty(string(stripeErr.DeclineCode), string(stripeErr.Code)),
				Amount:       req.Amount,
				Currency:     strings.ToUpper(req.Currency),
			}
			if stripeErr.PaymentIntent != nil {
				charge.ID = stripeErr.PaymentIntent.ID
			}
			return charge, nil
		}
		return Charge{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}
	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
		"orderId":       req.OrderID,
	})
	payment := stripePayment(intent)
	return Charge{
		ID:           payment.ID,
		Provider:     ProviderStripe,
		Status:       payment.Status,
		StatusDetail: payment.StatusDetail,
		Amount:       payment.Amount,
		Currency:     payment.Currency,
	}, nil
}

func (p *StripeProvider) GetPayment(ctx context.Context, id string) (Payment, error) {
	params := &stripe.PaymentIntentParams{}
	p.prepare(ctx, &params.Params, "")
	params.AddExpand("latest_charge")
	intent, err := p.api.intents.Get(id, params)
	if err != nil {
		return Payment{}, stripeLookupError("payment intent", id, err)
	}
	return stripePayment(intent), nil
}

// GetOrderEvent loads a Checkout Session with its PaymentIntent expanded.
func (p *StripeProvider) GetOrderEvent(ctx context.Context, id string) (OrderEvent, error) {
	params := &stripe.CheckoutSessionParams{}
	p.prepare(ctx, &params.Params, "")
	params.AddExpand("payment_intent")
	session, err := p.api.sessions.Get(id, params)
	if err != nil {
		return OrderEvent{}, stripeLookupError("checkout session", id, err)
	}
	event := OrderEvent{
		ID:                session.ID,
		Provider:          ProviderStripe,
		ExternalReference: firstNonEmpty(session.ClientReferenceID, session.Metadata[stripeOrderMetadataKey]),
		Status:            string(session.PaymentStatus),
	}
	if session.PaymentIntent != nil {
		payment := stripePayment(session.PaymentIntent)
		payment.OrderEventID = session.ID
		payment.ExternalReference = event.ExternalReference
		if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid && payment.Amount == 0 {
			payment.Amount = domain.Money(session.AmountTotal)
		}
		event.Payments = append(event.Payments, payment)
	}
	return event, nil
}

func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (Refund, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(req.PaymentID)}
	p.prepare(ctx, &params.Params, req.IdempotencyKey)
	if req.Amount != nil {
		params.Amount = stripe.Int64(int64(*req.Amount))
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	refund, err := p.api.refunds.New(params)
	if err != nil {
		return Refund{}, fmt.Errorf("stripe: refund payment intent: %w", err)
	}
	p.logger(ctx, "payments.stripe.intent.refunded", map[string]any{
		"paymentIntent": req.PaymentID,
		"refundId":      refund.ID,
	})
	return Refund{
		ID:        refund.ID,
		PaymentID: req.PaymentID,
		Status:    string(refund.Status),
		Amount:    domain.Money(refund.Amount),
	}, nil
}

func stripePayment(intent *stripe.PaymentIntent) Payment {
	if intent == nil {
		return Payment{}
	}
	status := domain.PaymentStatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = domain.PaymentStatusApproved
	case stripe.PaymentIntentStatusCanceled:
		status = domain.PaymentStatusCancelled
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresAction:
		status = domain.PaymentStatusInProcess
	case stripe.PaymentIntentStatusRequiresCapture:
		status = domain.PaymentStatusAuthorized
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if intent.LastPaymentError != nil {
			status = domain.PaymentStatusRejected
		}
	}
	if charge := intent.LatestCharge; charge != nil && charge.Amount > 0 && charge.AmountRefunded >= charge.Amount {
		status = domain.PaymentStatusRefunded
	}

	amount := intent.AmountReceived
	if amount == 0 {
		amount = intent.Amount
	}
	payment := Payment{
		ID:                intent.ID,
		Provider:          ProviderStripe,
		Status:            status,
		Amount:            domain.Money(amount),
		Currency:          strings.ToUpper(string(intent.Currency)),
		ExternalReference: intent.Metadata[stripeOrderMetadataKey],
	}
	if intent.LastPaymentError != nil {
		payment.StatusDetail = firstNonEmpty(string(intent.LastPaymentError.DeclineCode), string(intent.LastPaymentError.Code))
	}
	return payment
}

func stripeLookupError(kind, id string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
		return fmt.Errorf("%w: stripe %s %s", ErrNotFound, kind, id)
	}
	return fmt.Errorf("stripe: get %s %s: %w", kind, id, err)
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

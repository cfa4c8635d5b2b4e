package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/mobishop/api/internal/domain"
)

// ErrWebhookNotConfigured is returned when no signing secret is set.
var ErrWebhookNotConfigured = errors.New("payments: stripe webhook secret not configured")

// StripeWebhookEvent is a verified Stripe event reduced to the notification it maps to. Type is
// empty for events the reconciler does not consume.
type StripeWebhookEvent struct {
	EventID    string
	EventType  string
	Type       domain.NotificationType
	ResourceID string
}

// StripeWebhook verifies Stripe-Signature headers.
type StripeWebhook struct {
	secret    string
	tolerance time.Duration
}

// NewStripeWebhook builds a verifier. A zero tolerance uses the library default.
func NewStripeWebhook(secret string, tolerance time.Duration) *StripeWebhook {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeWebhook{secret: strings.TrimSpace(secret), tolerance: tolerance}
}

func (w *StripeWebhook) Enabled() bool {
	return w != nil && w.secret != ""
}

// Parse verifies payload against header and maps the event onto a reconciler notification.
// Checkout Sessions play the order-event role and PaymentIntents the payment role.
func (w *StripeWebhook) Parse(payload []byte, header string) (StripeWebhookEvent, error) {
	if !w.Enabled() {
		return StripeWebhookEvent{}, ErrWebhookNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, header, w.secret, webhook.ConstructEventOptions{
		Tolerance:                w.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return StripeWebhookEvent{}, fmt.Errorf("payments: verify stripe event: %w", err)
	}

	out := StripeWebhookEvent{EventID: event.ID, EventType: string(event.Type)}
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted,
		stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded,
		stripe.EventTypeCheckoutSessionAsyncPaymentFailed:
		out.Type = domain.NotificationTypeOrderEvent
	case stripe.EventTypePaymentIntentSucceeded,
		stripe.EventTypePaymentIntentPaymentFailed:
		out.Type = domain.NotificationTypePayment
	default:
		return out, nil
	}

	var object struct {
		ID string `json:"id"`
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return StripeWebhookEvent{EventID: out.EventID, EventType: out.EventType}, nil
	}
	if err := json.Unmarshal(event.Data.Raw, &object); err != nil {
		return StripeWebhookEvent{}, fmt.Errorf("payments: decode stripe event object: %w", err)
	}
	if strings.TrimSpace(object.ID) == "" {
		return StripeWebhookEvent{EventID: out.EventID, EventType: out.EventType}, nil
	}
	out.ResourceID = object.ID
	return out, nil
}

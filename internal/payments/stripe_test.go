package payments

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"

	"github.com/mobishop/api/internal/domain"
)

type fakeStripeSessions struct {
	created []*stripe.CheckoutSessionParams
	session *stripe.CheckoutSession
}

func (f *fakeStripeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.created = append(f.created, params)
	return &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.test/cs_1"}, nil
}

func (f *fakeStripeSessions) Get(id string, _ *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if f.session == nil || f.session.ID != id {
		return nil, &stripe.Error{HTTPStatusCode: 404, Msg: "No such checkout.session"}
	}
	return f.session, nil
}

type fakeStripeIntents struct {
	created []*stripe.PaymentIntentParams
	intent  *stripe.PaymentIntent
	err     error
}

func (f *fakeStripeIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.created = append(f.created, params)
	return f.intent, f.err
}

func (f *fakeStripeIntents) Get(string, *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return f.intent, f.err
}

type fakeStripeRefunds struct {
	params []*stripe.RefundParams
}

func (f *fakeStripeRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	f.params = append(f.params, params)
	return &stripe.Refund{ID: "re_1", Amount: 4500, Status: stripe.RefundStatusSucceeded}, nil
}

func newTestStripe(t *testing.T, sessions *fakeStripeSessions, intents *fakeStripeIntents, refunds *fakeStripeRefunds) *StripeProvider {
	t.Helper()
	p, err := NewStripeProvider(StripeProviderConfig{Clients: &stripeClients{sessions: sessions, intents: intents, refunds: refunds}})
	require.NoError(t, err)
	return p
}

func TestStripeCreatePreferenceBuildsCheckoutSession(t *testing.T) {
	sessions := &fakeStripeSessions{}
	p := newTestStripe(t, sessions, &fakeStripeIntents{}, &fakeStripeRefunds{})

	pref, err := p.CreatePreference(context.Background(), PreferenceRequest{
		OrderID:        "ord_1",
		Currency:       "USD",
		Items:          []Item{{ProductID: "cable", Title: "Cable", Quantity: 2, UnitPrice: 1250}},
		Payer:          Payer{Email: "buyer@example.com"},
		BackURLs:       BackURLs{Success: "https://shop.test/ok?order=ord_1", Failure: "https://shop.test/ko?order=ord_1"},
		IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", pref.ID)
	assert.Equal(t, "https://checkout.stripe.test/cs_1", pref.RedirectURL)

	require.Len(t, sessions.created, 1)
	params := sessions.created[0]
	assert.Equal(t, "ord_1", *params.ClientReferenceID)
	assert.Equal(t, "https://shop.test/ko?order=ord_1", *params.CancelURL)
	assert.Equal(t, "ord_1", params.PaymentIntentData.Metadata["order_id"])
	require.Len(t, params.LineItems, 1)
	assert.Equal(t, int64(1250), *params.LineItems[0].PriceData.UnitAmount)
	assert.Equal(t, "usd", *params.LineItems[0].PriceData.Currency)
	assert.Equal(t, "idem-1", *params.IdempotencyKey)
}

func TestStripeCreateChargeMapsCardDeclineToRejected(t *testing.T) {
	intents := &fakeStripeIntents{err: &stripe.Error{
		Type:          stripe.ErrorTypeCard,
		Code:          stripe.ErrorCodeCardDeclined,
		DeclineCode:   stripe.DeclineCodeInsufficientFunds,
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_declined"},
	}}
	p := newTestStripe(t, &fakeStripeSessions{}, intents, &fakeStripeRefunds{})

	charge, err := p.CreateCharge(context.Background(), ChargeRequest{OrderID: "ord_2", Amount: 4500, Currency: "USD", Token: "pm_card"})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRejected, charge.Status)
	assert.Equal(t, "insufficient_funds", charge.StatusDetail)
	assert.Equal(t, "pi_declined", charge.ID)

	require.Len(t, intents.created, 1)
	assert.True(t, *intents.created[0].Confirm)
	assert.Equal(t, "ord_2", intents.created[0].Metadata["order_id"])
}

func TestStripeCreateChargeApproved(t *testing.T) {
	intents := &fakeStripeIntents{intent: &stripe.PaymentIntent{
		ID: "pi_ok", Status: stripe.PaymentIntentStatusSucceeded, Amount: 4500, AmountReceived: 4500, Currency: "usd",
		Metadata: map[string]string{"order_id": "ord_3"},
	}}
	p := newTestStripe(t, &fakeStripeSessions{}, intents, &fakeStripeRefunds{})

	charge, err := p.CreateCharge(context.Background(), ChargeRequest{OrderID: "ord_3", Amount: 4500, Currency: "USD", Token: "pm_card"})
	require.NoError(t, err)
	assert.True(t, charge.Approved())
	assert.Equal(t, domain.Money(4500), charge.Amount)
	assert.Equal(t, "USD", charge.Currency)
}

func TestStripeGetOrderEventFromCheckoutSession(t *testing.T) {
	sessions := &fakeStripeSessions{session: &stripe.CheckoutSession{
		ID:                "cs_9",
		ClientReferenceID: "ord_9",
		AmountTotal:       9000,
		PaymentStatus:     stripe.CheckoutSessionPaymentStatusPaid,
		PaymentIntent: &stripe.PaymentIntent{
			ID: "pi_9", Status: stripe.PaymentIntentStatusSucceeded, AmountReceived: 9000, Currency: "usd",
		},
	}}
	p := newTestStripe(t, sessions, &fakeStripeIntents{}, &fakeStripeRefunds{})

	event, err := p.GetOrderEvent(context.Background(), "cs_9")
	require.NoError(t, err)
	assert.Equal(t, "ord_9", event.ExternalReference)
	assert.True(t, event.Paid())
	assert.Equal(t, domain.Money(9000), event.ApprovedAmount())
	assert.Equal(t, "pi_9", event.FirstApprovedID())

	_, err = p.GetOrderEvent(context.Background(), "cs_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStripePaymentStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		intent *stripe.PaymentIntent
		want   string
	}{
		{"succeeded", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusSucceeded}, domain.PaymentStatusApproved},
		{"processing", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusProcessing}, domain.PaymentStatusInProcess},
		{"canceled", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusCanceled}, domain.PaymentStatusCancelled},
		{"awaiting method", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresPaymentMethod}, domain.PaymentStatusPending},
		{"failed attempt", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresPaymentMethod, LastPaymentError: &stripe.Error{Code: "card_declined"}}, domain.PaymentStatusRejected},
		{"refunded", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusSucceeded, LatestCharge: &stripe.Charge{Amount: 100, AmountRefunded: 100}}, domain.PaymentStatusRefunded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, stripePayment(tc.intent).Status)
		})
	}
}

func TestStripeRefund(t *testing.T) {
	refunds := &fakeStripeRefunds{}
	p := newTestStripe(t, &fakeStripeSessions{}, &fakeStripeIntents{}, refunds)

	out, err := p.Refund(context.Background(), RefundRequest{PaymentID: "pi_1", Reason: "requested_by_customer"})
	require.NoError(t, err)
	assert.Equal(t, "re_1", out.ID)
	assert.Equal(t, string(stripe.RefundStatusSucceeded), out.Status)
	require.Len(t, refunds.params, 1)
	assert.Equal(t, "pi_1", *refunds.params[0].PaymentIntent)
	assert.Equal(t, "requested_by_customer", *refunds.params[0].Reason)
}

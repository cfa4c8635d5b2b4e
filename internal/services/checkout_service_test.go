package services

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/payments"
	"github.com/mobishop/api/internal/platform/requestctx"
	"github.com/mobishop/api/internal/repositories"
	"github.com/mobishop/api/internal/repositories/memory"
)

type checkoutHarness struct {
	store   *memory.Store
	gateway *fakeGateway
	events  *recordingPublisher
	logger  *recordingLogger
	svc     CheckoutService
}

func newCheckoutHarness(t *testing.T) *checkoutHarness {
	t.Helper()
	h := &checkoutHarness{
		store:   seededStore(t, true),
		gateway: newFakeGateway(),
		events:  &recordingPublisher{},
		logger:  &recordingLogger{},
	}
	fulfiller := newTestFulfiller(t, h.store, nil, h.events, nil)
	ids := 0
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Products:        h.store.Products(),
		Orders:          h.store.Orders(),
		Gateway:         h.gateway,
		Fulfiller:       fulfiller,
		Events:          h.events,
		Currency:        "ars",
		NotificationURL: "https://api.mobishop.test/api/v1/webhooks/mercadopago",
		BackURLs: payments.BackURLs{
			Success: "https://mobishop.test/checkout/success",
			Pending: "https://mobishop.test/checkout/pending?src=mp",
			Failure: "https://mobishop.test/checkout/failure",
		},
		Clock: fixedClock,
		IDGenerator: func() string {
			ids++
			return "01TEST" + string(rune('A'+ids))
		},
		Logger: h.logger.log,
	})
	require.NoError(t, err)
	h.svc = svc
	return h
}

func validBuyer() domain.Buyer {
	return domain.Buyer{
		Name:    "Ana <b>Gomez</b>",
		Phone:   "+54 9 11 5555 0000",
		Email:   "Ana@Example.com",
		Address: "Av. Siempre Viva 742",
		Notes:   "<script>alert(1)</script>Ring twice",
	}
}

func TestCreateHostedCheckoutCreatesPendingOrder(t *testing.T) {
	h := newCheckoutHarness(t)
	tampered := domain.Money(1)

	res, err := h.svc.CreateHostedCheckout(context.Background(), CreateOrderCommand{
		Items: []ItemRequest{
			{ProductID: "case-mag", Quantity: 2, UnitPrice: &tampered, Title: "free case"},
			{ProductID: "usb-c", Quantity: 1},
		},
		Buyer: validBuyer(),
	})
	require.NoError(t, err)
	assert.Equal(t, "ord_01TESTB", res.OrderID)
	assert.Equal(t, domain.Money(102000), res.Total)
	assert.Equal(t, "ARS", res.Currency)
	assert.Equal(t, "pref-ord_01TESTB", res.PreferenceID)
	assert.Equal(t, payments.ProviderMercadoPago, res.Provider)

	order, err := h.store.Orders().FindByID(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, "pref-ord_01TESTB", order.PaymentPreferenceID)
	assert.Equal(t, domain.Money(45000), order.Items[0].UnitPrice)
	assert.Equal(t, "MagSafe Case", order.Items[0].Title)
	assert.Equal(t, "Ana Gomez", order.Buyer.Name)
	assert.Equal(t, "Ring twice", order.Buyer.Notes)
	assert.Equal(t, "ana@example.com", order.Buyer.Email)

	require.Len(t, h.gateway.preferenceCalls, 1)
	req := h.gateway.preferenceCalls[0]
	assert.Equal(t, res.OrderID, req.OrderID)
	assert.Equal(t, "approved", req.AutoReturn)
	assert.Equal(t, "https://api.mobishop.test/api/v1/webhooks/mercadopago", req.NotificationURL)
	assert.Equal(t, "https://mobishop.test/checkout/success?order=ord_01TESTB", req.BackURLs.Success)
	pending, err := url.Parse(req.BackURLs.Pending)
	require.NoError(t, err)
	assert.Equal(t, "mp", pending.Query().Get("src"))
	assert.Equal(t, res.OrderID, pending.Query().Get("order"))
	assert.NotEmpty(t, req.IdempotencyKey)

	// Stock is only taken when the payment is confirmed.
	assert.Equal(t, 5, stockOf(t, h.store, "case-mag"))
	assert.Len(t, h.events.ofType(domain.OrderEventCreated), 1)
}

func TestCreateHostedCheckoutRetriesWithoutAutoReturn(t *testing.T) {
	h := newCheckoutHarness(t)
	h.gateway.preferenceFn = func(call int, req payments.PreferenceRequest) (payments.Preference, error) {
		if req.AutoReturn != "" {
			return payments.Preference{}, payments.ErrAutoReturnRejected
		}
		return payments.Preference{ID: "pref-retry", Provider: "mercadopago", RedirectURL: "https://gateway.test/r"}, nil
	}

	res, err := h.svc.CreateHostedCheckout(context.Background(), CreateOrderCommand{
		Items: []ItemRequest{{ProductID: "glass", Quantity: 1}},
		Buyer: validBuyer(),
	})
	require.NoError(t, err)
	assert.Equal(t, "pref-retry", res.PreferenceID)
	assert.Equal(t, "https://gateway.test/r", res.RedirectURL)
	require.Len(t, h.gateway.preferenceCalls, 2)
	assert.Equal(t, "approved", h.gateway.preferenceCalls[0].AutoReturn)
	assert.Empty(t, h.gateway.preferenceCalls[1].AutoReturn)
	assert.True(t, h.logger.has("checkout.preference.auto_return_retry"))
}

func TestCreateHostedCheckoutGatewayFailureMarksOrderFailed(t *testing.T) {
	h := newCheckoutHarness(t)
	upstream := errors.New("mercadopago: 500 internal")
	h.gateway.preferenceFn = func(int, payments.PreferenceRequest) (payments.Preference, error) {
		return payments.Preference{}, upstream
	}

	_, err := h.svc.CreateHostedCheckout(context.Background(), CreateOrderCommand{
		Items: []ItemRequest{{ProductID: "glass", Quantity: 1}},
		Buyer: validBuyer(),
	})
	require.Error(t, err)
	assert.Equal(t, KindGateway, KindOf(err))
	assert.ErrorIs(t, err, upstream)
	assert.Len(t, h.gateway.preferenceCalls, 1, "only the auto-return rejection is retried")

	order, err := h.store.Orders().FindByID(context.Background(), "ord_01TESTB")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFailed, order.Status)
}

func TestCreateHostedCheckoutValidation(t *testing.T) {
	cases := []struct {
		name string
		cmd  CreateOrderCommand
		kind Kind
	}{
		{"no items", CreateOrderCommand{Buyer: validBuyer()}, KindValidation},
		{"no phone", CreateOrderCommand{Items: []ItemRequest{{ProductID: "glass", Quantity: 1}}, Buyer: domain.Buyer{Name: "Ana"}}, KindValidation},
		{"zero quantity", CreateOrderCommand{Items: []ItemRequest{{ProductID: "glass", Quantity: 0}}, Buyer: validBuyer()}, KindValidation},
		{"unknown product", CreateOrderCommand{Items: []ItemRequest{{ProductID: "nope", Quantity: 1}}, Buyer: validBuyer()}, KindValidation},
		{"out of stock", CreateOrderCommand{Items: []ItemRequest{{ProductID: "glass", Quantity: 2}}, Buyer: validBuyer()}, KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newCheckoutHarness(t)
			_, err := h.svc.CreateHostedCheckout(context.Background(), tc.cmd)
			require.Error(t, err)
			assert.Equal(t, tc.kind, KindOf(err))
			assert.Empty(t, h.gateway.preferenceCalls)

			page, err := h.store.Orders().List(context.Background(), repositories.OrderListFilter{})
			require.NoError(t, err)
			assert.Empty(t, page.Items)
		})
	}
}

func TestStockProblemsAreItemised(t *testing.T) {
	h := newCheckoutHarness(t)
	_, err := h.svc.CreateHostedCheckout(context.Background(), CreateOrderCommand{
		Items: []ItemRequest{
			{ProductID: "glass", Quantity: 2},
			{ProductID: "usb-c", Quantity: 3},
			{ProductID: "case-mag", Quantity: 1},
		},
		Buyer: validBuyer(),
	})
	var svcErr *Error
	require.ErrorAs(t, err, &svcErr)
	problems, ok := svcErr.Details["problems"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, problems, 2)
	assert.Equal(t, "glass", problems[0]["productId"])
	assert.Equal(t, 1, problems[0]["available"])
	assert.Equal(t, 2, problems[0]["requested"])
	assert.Contains(t, svcErr.Message, "USB-C Cable: only 2 available, 3 requested")
}

func directCharge() DirectChargeCommand {
	return DirectChargeCommand{
		Items:           []ItemRequest{{ProductID: "case-mag", Quantity: 1}, {ProductID: "glass", Quantity: 1}},
		Buyer:           validBuyer(),
		Token:           "tok_visa",
		PaymentMethodID: "visa",
		Installments:    3,
	}
}

func TestStockProblemsListMissingAndShortLinesTogether(t *testing.T) {
	for _, direct := range []bool{false, true} {
		t.Run(map[bool]string{false: "hosted", true: "direct"}[direct], func(t *testing.T) {
			h := newCheckoutHarness(t)
			items := []ItemRequest{
				{ProductID: "discontinued", Quantity: 1},
				{ProductID: "glass", Quantity: 4},
			}
			var err error
			if direct {
				_, err = h.svc.ProcessDirectCharge(context.Background(), DirectChargeCommand{
					Items: items, Buyer: validBuyer(), Token: "tok", PaymentMethodID: "visa",
				})
			} else {
				_, err = h.svc.CreateHostedCheckout(context.Background(), CreateOrderCommand{Items: items, Buyer: validBuyer()})
			}

			var svcErr *Error
			require.ErrorAs(t, err, &svcErr)
			assert.Equal(t, KindValidation, svcErr.Kind)
			problems, ok := svcErr.Details["problems"].([]map[string]any)
			require.True(t, ok)
			require.Len(t, problems, 2)
			assert.Equal(t, "discontinued", problems[0]["productId"])
			assert.NotContains(t, problems[0], "available")
			assert.Equal(t, "glass", problems[1]["productId"])
			assert.Equal(t, 1, problems[1]["available"])
			assert.Equal(t, 4, problems[1]["requested"])

			assert.Empty(t, h.gateway.preferenceCalls)
			assert.Empty(t, h.gateway.chargeCalls)
		})
	}
}

func TestProcessDirectChargeApprovedCreatesPaidOrder(t *testing.T) {
	h := newCheckoutHarness(t)
	ctx := requestctx.WithIdempotencyKey(context.Background(), "client-key-1")

	res, err := h.svc.ProcessDirectCharge(ctx, directCharge())
	require.NoError(t, err)
	require.True(t, res.Approved())
	assert.Equal(t, domain.OrderStatusPaid, res.Order.Status)
	assert.Equal(t, res.ChargeID, res.Order.PaymentChargeID)

	require.Len(t, h.gateway.chargeCalls, 1)
	call := h.gateway.chargeCalls[0]
	assert.Equal(t, domain.Money(53000), call.Amount)
	assert.Equal(t, res.Order.ID, call.OrderID)
	assert.Equal(t, "ana@example.com", call.PayerEmail)
	assert.Equal(t, 3, call.Installments)
	assert.Equal(t, gatewayIdempotencyKey(ctx, "charge", "ignored"), call.IdempotencyKey)

	stored, err := h.store.Orders().FindByID(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, stored.Status)
	assert.Equal(t, 4, stockOf(t, h.store, "case-mag"))
	assert.Equal(t, 0, stockOf(t, h.store, "glass"))
	assert.Len(t, h.events.ofType(domain.OrderEventPaid), 1)
}

func TestProcessDirectChargeRejected(t *testing.T) {
	h := newCheckoutHarness(t)
	h.gateway.chargeFn = func(req payments.ChargeRequest) (payments.Charge, error) {
		return payments.Charge{ID: "pay-x", Status: domain.PaymentStatusRejected, StatusDetail: "cc_rejected_insufficient_amount"}, nil
	}

	res, err := h.svc.ProcessDirectCharge(context.Background(), directCharge())
	require.Error(t, err)
	assert.Equal(t, KindUnprocessable, KindOf(err))
	assert.Contains(t, err.Error(), "cc_rejected_insufficient_amount")
	assert.Nil(t, res.Order)
	assert.Equal(t, 5, stockOf(t, h.store, "case-mag"))
}

func TestProcessDirectChargeNonFinalStatusCreatesNoOrder(t *testing.T) {
	h := newCheckoutHarness(t)
	h.gateway.chargeFn = func(req payments.ChargeRequest) (payments.Charge, error) {
		return payments.Charge{ID: "pay-p", Status: domain.PaymentStatusInProcess, StatusDetail: "pending_contingency"}, nil
	}

	res, err := h.svc.ProcessDirectCharge(context.Background(), directCharge())
	require.NoError(t, err)
	assert.False(t, res.Approved())
	assert.Equal(t, domain.PaymentStatusInProcess, res.Status)
	assert.Nil(t, res.Order)

	page, err := h.store.Orders().List(context.Background(), repositories.OrderListFilter{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestProcessDirectChargeConflictRefundsCharge(t *testing.T) {
	h := newCheckoutHarness(t)
	h.gateway.chargeFn = func(req payments.ChargeRequest) (payments.Charge, error) {
		// Another buyer takes the last unit between validation and approval.
		require.NoError(t, h.store.Products().DecrementStock(context.Background(), "glass", 1))
		return payments.Charge{ID: "pay-race", Status: domain.PaymentStatusApproved, Amount: req.Amount}, nil
	}

	res, err := h.svc.ProcessDirectCharge(context.Background(), directCharge())
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Nil(t, res.Order)

	require.Len(t, h.gateway.refundCalls, 1)
	assert.Equal(t, "pay-race", h.gateway.refundCalls[0].PaymentID)
	assert.Nil(t, h.gateway.refundCalls[0].Amount)
	assert.True(t, h.logger.has("checkout.refund.issued"))
	assert.Equal(t, 5, stockOf(t, h.store, "case-mag"))
}

func TestProcessDirectChargeRequiresPaymentFields(t *testing.T) {
	h := newCheckoutHarness(t)
	cmd := directCharge()
	cmd.Token = ""
	cmd.PaymentMethodID = " "

	_, err := h.svc.ProcessDirectCharge(context.Background(), cmd)
	var svcErr *Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, KindValidation, svcErr.Kind)
	assert.Equal(t, []string{"token", "paymentMethodId"}, svcErr.Details["missing"])
	assert.Empty(t, h.gateway.chargeCalls)
}

func TestProcessDirectChargeGatewayErrorPropagates(t *testing.T) {
	h := newCheckoutHarness(t)
	h.gateway.chargeFn = func(payments.ChargeRequest) (payments.Charge, error) {
		return payments.Charge{}, payments.ErrUnsupportedProvider
	}
	_, err := h.svc.ProcessDirectCharge(context.Background(), directCharge())
	assert.Equal(t, KindValidation, KindOf(err))
	assert.ErrorIs(t, err, payments.ErrUnsupportedProvider)
}

func TestWithOrderParam(t *testing.T) {
	assert.Equal(t, "", withOrderParam("", "ord_1"))
	assert.Equal(t, "https://x.test/ok?order=ord_1", withOrderParam("https://x.test/ok", "ord_1"))
	assert.Equal(t, "https://x.test/ok?a=1&order=ord_1", withOrderParam("https://x.test/ok?a=1", "ord_1"))
}

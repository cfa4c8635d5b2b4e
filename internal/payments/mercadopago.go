package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/merchantorder"
	"github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/preference"
	"github.com/mercadopago/sdk-go/pkg/refund"

	"github.com/mobishop/api/internal/domain"
)

type mpPreferenceAPI interface {
	Create(ctx context.Context, request preference.Request) (*preference.Response, error)
}

type mpPaymentAPI interface {
	Create(ctx context.Context, request payment.Request) (*payment.Response, error)
	Get(ctx context.Context, id int) (*payment.Response, error)
}

type mpMerchantOrderAPI interface {
	Get(ctx context.Context, id int) (*merchantorder.Response, error)
}

type mpRefundAPI interface {
	Create(ctx context.Context, paymentID int) (*refund.Response, error)
}

type mercadoPagoClients struct {
	preferences    mpPreferenceAPI
	payments       mpPaymentAPI
	merchantOrders mpMerchantOrderAPI
	refunds        mpRefundAPI
}

// MercadoPagoProviderConfig configures the MercadoPagoProvider.
type MercadoPagoProviderConfig struct {
	AccessToken string
	// HTTPClient carries SDK requests. Nil uses a client with a 10s timeout.
	HTTPClient *http.Client
	Logger     Logger
	Clients    *mercadoPagoClients
}

// MercadoPagoProvider implements Provider over the official SDK. Preferences map to hosted
// checkout, payments to direct charges and merchant orders to order events.
type MercadoPagoProvider struct {
	api    mercadoPagoClients
	logger Logger
}

func NewMercadoPagoProvider(cfg MercadoPagoProviderConfig) (*MercadoPagoProvider, error) {
	var clients mercadoPagoClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		token := strings.TrimSpace(cfg.AccessToken)
		if token == "" {
			return nil, errors.New("mercadopago: access token is required")
		}
		sdkCfg, err := config.New(token, config.WithHTTPClient(newMPRequester(cfg.HTTPClient)))
		if err != nil {
			return nil, fmt.Errorf("mercadopago: configure sdk: %w", err)
		}
		clients = mercadoPagoClients{
			preferences:    preference.NewClient(sdkCfg),
			payments:       payment.NewClient(sdkCfg),
			merchantOrders: merchantorder.NewClient(sdkCfg),
			refunds:        refund.NewClient(sdkCfg),
		}
	}
	if clients.preferences == nil || clients.payments == nil || clients.merchantOrders == nil || clients.refunds == nil {
		return nil, errors.New("mercadopago: incomplete client configuration")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &MercadoPagoProvider{api: clients, logger: logger}, nil
}

func (p *MercadoPagoProvider) CreatePreference(ctx context.Context, req PreferenceRequest) (Preference, error) {
	items := make([]preference.ItemRequest, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, preference.ItemRequest{
			ID:         item.ProductID,
			Title:      item.Title,
			Quantity:   item.Quantity,
			UnitPrice:  ToFloat(item.UnitPrice, req.Currency),
			CurrencyID: strings.ToUpper(req.Currency),
		})
	}
	request := preference.Request{
		Items:             items,
		ExternalReference: req.OrderID,
		NotificationURL:   req.NotificationURL,
		AutoReturn:        req.AutoReturn,
		BackURLs: &preference.BackURLsRequest{
			Success: req.BackURLs.Success,
			Pending: req.BackURLs.Pending,
			Failure: req.BackURLs.Failure,
		},
		Payer: &preference.PayerRequest{
			Name:  req.Payer.Name,
			Email: req.Payer.Email,
		},
	}
	if phone := strings.TrimSpace(req.Payer.Phone); phone != "" {
		request.Payer.Phone = &preference.PhoneRequest{Number: phone}
	}

	resp, err := p.api.preferences.Create(withMPIdempotencyKey(ctx, req.IdempotencyKey), request)
	if err != nil {
		if isAutoReturnError(err) {
			return Preference{}, fmt.Errorf("%w: %v", ErrAutoReturnRejected, err)
		}
		return Preference{}, fmt.Errorf("mercadopago: create preference: %w", err)
	}
	p.logger(ctx, "payments.mercadopago.preference.created", map[string]any{
		"preferenceId": resp.ID,
		"orderId":      req.OrderID,
		"autoReturn":   req.AutoReturn != "",
	})
	return Preference{
		ID:          resp.ID,
		Provider:    ProviderMercadoPago,
		RedirectURL: resp.InitPoint,
		SandboxURL:  resp.SandboxInitPoint,
	}, nil
}

func (p *MercadoPagoProvider) CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	request := payment.Request{
		TransactionAmount: ToFloat(req.Amount, req.Currency),
		Token:             req.Token,
		Description:       req.Description,
		Installments:      max(req.Installments, 1),
		PaymentMethodID:   req.PaymentMethodID,
		IssuerID:          req.IssuerID,
		ExternalReference: req.OrderID,
		NotificationURL:   req.NotificationURL,
		Payer:             &payment.PayerRequest{Email: req.PayerEmail},
	}
	resp, err := p.api.payments.Create(withMPIdempotencyKey(ctx, req.IdempotencyKey), request)
	if err != nil {
		return Charge{}, fmt.Errorf("mercadopago: create payment: %w", err)
	}
	p.logger(ctx, "payments.mercadopago.payment.created", map[string]any{
		"paymentId":    resp.ID,
		"status":       resp.Status,
		"statusDetail": resp.StatusDetail,
		"orderId":      req.OrderID,
	})
	return Charge{
		ID:           strconv.Itoa(resp.ID),
		Provider:     ProviderMercadoPago,
		Status:       normalizeMPStatus(resp.Status),
		StatusDetail: resp.StatusDetail,
		Amount:       FromFloat(resp.TransactionAmount, req.Currency),
		Currency:     strings.ToUpper(resp.CurrencyID),
	}, nil
}

func (p *MercadoPagoProvider) GetPayment(ctx context.Context, id string) (Payment, error) {
	numeric, err := parseMPID(id)
	if err != nil {
		return Payment{}, err
	}
	resp, err := p.api.payments.Get(ctx, numeric)
	if err != nil {
		return Payment{}, mpLookupError("get payment", id, err)
	}
	out := Payment{
		ID:                strconv.Itoa(resp.ID),
		Provider:          ProviderMercadoPago,
		Status:            normalizeMPStatus(resp.Status),
		StatusDetail:      resp.StatusDetail,
		Amount:            FromFloat(resp.TransactionAmount, resp.CurrencyID),
		Currency:          strings.ToUpper(resp.CurrencyID),
		ExternalReference: resp.ExternalReference,
	}
	if id := strings.TrimSpace(resp.Order.ID); id != "" {
		out.OrderEventID = id
	}
	return out, nil
}

func (p *MercadoPagoProvider) GetOrderEvent(ctx context.Context, id string) (OrderEvent, error) {
	numeric, err := parseMPID(id)
	if err != nil {
		return OrderEvent{}, err
	}
	resp, err := p.api.merchantOrders.Get(ctx, numeric)
	if err != nil {
		return OrderEvent{}, mpLookupError("get merchant order", id, err)
	}
	event := OrderEvent{
		ID:                strconv.Itoa(resp.ID),
		Provider:          ProviderMercadoPago,
		ExternalReference: resp.ExternalReference,
		Status:            resp.OrderStatus,
	}
	var currency string
	for _, pay := range resp.Payments {
		if currency == "" {
			currency = pay.CurrencyID
		}
		event.Payments = append(event.Payments, Payment{
			ID:                strconv.Itoa(pay.ID),
			Provider:          ProviderMercadoPago,
			Status:            normalizeMPStatus(pay.Status),
			Amount:            FromFloat(pay.TransactionAmount, pay.CurrencyID),
			Currency:          strings.ToUpper(pay.CurrencyID),
			ExternalReference: resp.ExternalReference,
			OrderEventID:      event.ID,
		})
	}
	if resp.PaidAmount > 0 {
		event.PaidAmount = FromFloat(resp.PaidAmount, currency)
	}
	return event, nil
}

// Refund returns the full amount. Partial refunds are not used by the storefront.
func (p *MercadoPagoProvider) Refund(ctx context.Context, req RefundRequest) (Refund, error) {
	if req.Amount != nil {
		return Refund{}, fmt.Errorf("%w: mercadopago partial refund", ErrUnsupportedOperation)
	}
	numeric, err := parseMPID(req.PaymentID)
	if err != nil {
		return Refund{}, err
	}
	resp, err := p.api.refunds.Create(withMPIdempotencyKey(ctx, req.IdempotencyKey), numeric)
	if err != nil {
		return Refund{}, fmt.Errorf("mercadopago: refund payment %s: %w", req.PaymentID, err)
	}
	p.logger(ctx, "payments.mercadopago.payment.refunded", map[string]any{
		"paymentId": req.PaymentID,
		"refundId":  resp.ID,
		"reason":    req.Reason,
	})
	return Refund{
		ID:        strconv.Itoa(resp.ID),
		PaymentID: req.PaymentID,
		Status:    resp.Status,
		Amount:    FromFloat(resp.Amount, ""),
	}, nil
}

func parseMPID(id string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(id))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: invalid mercadopago id %q", ErrNotFound, id)
	}
	return n, nil
}

func mpLookupError(op, id string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "404") || strings.Contains(msg, "not_found") || strings.Contains(msg, "not found") {
		return fmt.Errorf("%w: mercadopago %s %s: %v", ErrNotFound, op, id, err)
	}
	return fmt.Errorf("mercadopago: %s %s: %w", op, id, err)
}

// isAutoReturnError matches the 400 the API sends when auto_return is set but back_urls.success
// is missing or not publicly reachable.
func isAutoReturnError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "auto_return") || strings.Contains(msg, "back_url")
}

func normalizeMPStatus(status string) string {
	switch s := strings.ToLower(strings.TrimSpace(status)); s {
	case "approved":
		return domain.PaymentStatusApproved
	case "pending":
		return domain.PaymentStatusPending
	case "in_process", "in_mediation":
		return domain.PaymentStatusInProcess
	case "rejected":
		return domain.PaymentStatusRejected
	case "cancelled", "canceled":
		return domain.PaymentStatusCancelled
	case "refunded", "charged_back":
		return domain.PaymentStatusRefunded
	case "authorized":
		return domain.PaymentStatusAuthorized
	default:
		return s
	}
}

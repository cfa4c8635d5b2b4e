package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mobishop/api/internal/domain"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrAutoReturnRejected is returned when the gateway refuses the preference because of its
	// auto-return or back-URL configuration. Callers may retry without auto-return.
	ErrAutoReturnRejected = errors.New("payments: auto_return rejected by gateway")
	// ErrNotFound is returned when the gateway does not know the requested resource.
	ErrNotFound = errors.New("payments: resource not found")
	// ErrUnsupportedOperation is returned by adapters that cannot perform a request variant.
	ErrUnsupportedOperation = errors.New("payments: unsupported operation")
)

// Logger is the structured event hook shared by the adapters.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Item is a normalised line sent to the gateway.
type Item struct {
	ProductID string
	Title     string
	Quantity  int
	UnitPrice domain.Money
}

// Payer carries the buyer contact fields forwarded to the gateway.
type Payer struct {
	Name  string
	Email string
	Phone string
}

// BackURLs are the buyer return pages. Each already carries ?order=<id>.
type BackURLs struct {
	Success string
	Pending string
	Failure string
}

// PreferenceRequest creates a hosted checkout session.
type PreferenceRequest struct {
	OrderID         string
	Items           []Item
	Currency        string
	Payer           Payer
	BackURLs        BackURLs
	NotificationURL string
	// AutoReturn is "approved" to redirect the buyer automatically; empty disables it.
	AutoReturn     string
	IdempotencyKey string
}

// Preference is the gateway session the buyer is redirected to.
type Preference struct {
	ID          string
	Provider    string
	RedirectURL string
	SandboxURL  string
}

// ChargeRequest creates and confirms a direct card charge.
type ChargeRequest struct {
	OrderID         string
	Amount          domain.Money
	Currency        string
	Token           string
	PaymentMethodID string
	Installments    int
	IssuerID        string
	PayerEmail      string
	Description     string
	NotificationURL string
	IdempotencyKey  string
}

// Charge is the synchronous result of a direct charge.
type Charge struct {
	ID           string
	Provider     string
	Status       string
	StatusDetail string
	Amount       domain.Money
	Currency     string
}

// Approved reports whether the charge captured funds.
func (c Charge) Approved() bool { return c.Status == domain.PaymentStatusApproved }

// Payment is a single payment attempt as reported by the gateway.
type Payment struct {
	ID                string
	Provider          string
	Status            string
	StatusDetail      string
	Amount            domain.Money
	Currency          string
	ExternalReference string
	// OrderEventID links the payment to its aggregate order event, when the gateway has one.
	OrderEventID string
}

// OrderEvent is the gateway's aggregate view of every payment made against one checkout.
type OrderEvent struct {
	ID                string
	Provider          string
	ExternalReference string
	Status            string
	// PaidAmount is the total the gateway itself reports as paid; zero when it reports none.
	PaidAmount domain.Money
	Payments   []Payment
}

// Paid reports whether at least one embedded payment is approved.
func (e OrderEvent) Paid() bool {
	for _, p := range e.Payments {
		if p.Status == domain.PaymentStatusApproved {
			return true
		}
	}
	return false
}

// ApprovedAmount is the gateway-reported paid amount, falling back to the sum of approved payments.
func (e OrderEvent) ApprovedAmount() domain.Money {
	if e.PaidAmount > 0 {
		return e.PaidAmount
	}
	var total domain.Money
	for _, p := range e.Payments {
		if p.Status == domain.PaymentStatusApproved {
			total += p.Amount
		}
	}
	return total
}

// FirstApprovedID returns the ID of the first approved payment, or "".
func (e OrderEvent) FirstApprovedID() string {
	for _, p := range e.Payments {
		if p.Status == domain.PaymentStatusApproved {
			return p.ID
		}
	}
	return ""
}

// RefundRequest returns the funds of a payment. A nil Amount refunds in full.
type RefundRequest struct {
	PaymentID      string
	Amount         *domain.Money
	Reason         string
	IdempotencyKey string
}

// Refund is the gateway refund record.
type Refund struct {
	ID        string
	PaymentID string
	Status    string
	Amount    domain.Money
}

// Provider defines the contract for gateway adapters to implement.
type Provider interface {
	CreatePreference(ctx context.Context, req PreferenceRequest) (Preference, error)
	CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error)
	GetPayment(ctx context.Context, id string) (Payment, error)
	GetOrderEvent(ctx context.Context, id string) (OrderEvent, error)
	Refund(ctx context.Context, req RefundRequest) (Refund, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers. Mercado Pago is the default when
// registered.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := normalizeKey(k)
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{providers: copyMap}
	if _, ok := copyMap[ProviderMercadoPago]; ok {
		m.defaultProvider = ProviderMercadoPago
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

// Resolve returns the provider key and adapter selected for ctx.
func (m *Manager) Resolve(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if provider := normalizeKey(ctx.PreferredProvider); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := normalizeKey(providerKey)
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := normalizeKey(m.defaultProvider); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// Has reports whether key is registered.
func (m *Manager) Has(key string) bool {
	if m == nil {
		return false
	}
	_, ok := m.providers[normalizeKey(key)]
	return ok
}

// CreatePreference delegates to the resolved provider and stamps the provider key.
func (m *Manager) CreatePreference(ctx context.Context, paymentCtx PaymentContext, req PreferenceRequest) (Preference, error) {
	key, provider, err := m.Resolve(paymentCtx)
	if err != nil {
		return Preference{}, err
	}
	pref, err := provider.CreatePreference(ctx, req)
	if err != nil {
		return Preference{}, err
	}
	pref.Provider = key
	return pref, nil
}

// CreateCharge delegates to the resolved provider.
func (m *Manager) CreateCharge(ctx context.Context, paymentCtx PaymentContext, req ChargeRequest) (Charge, error) {
	key, provider, err := m.Resolve(paymentCtx)
	if err != nil {
		return Charge{}, err
	}
	charge, err := provider.CreateCharge(ctx, req)
	if err != nil {
		return Charge{}, err
	}
	charge.Provider = key
	return charge, nil
}

// GetPayment delegates to the resolved provider.
func (m *Manager) GetPayment(ctx context.Context, paymentCtx PaymentContext, id string) (Payment, error) {
	key, provider, err := m.Resolve(paymentCtx)
	if err != nil {
		return Payment{}, err
	}
	payment, err := provider.GetPayment(ctx, id)
	if err != nil {
		return Payment{}, err
	}
	payment.Provider = key
	return payment, nil
}

// GetOrderEvent delegates to the resolved provider.
func (m *Manager) GetOrderEvent(ctx context.Context, paymentCtx PaymentContext, id string) (OrderEvent, error) {
	key, provider, err := m.Resolve(paymentCtx)
	if err != nil {
		return OrderEvent{}, err
	}
	event, err := provider.GetOrderEvent(ctx, id)
	if err != nil {
		return OrderEvent{}, err
	}
	event.Provider = key
	return event, nil
}

// Refund delegates to the resolved provider.
func (m *Manager) Refund(ctx context.Context, paymentCtx PaymentContext, req RefundRequest) (Refund, error) {
	_, provider, err := m.Resolve(paymentCtx)
	if err != nil {
		return Refund{}, err
	}
	return provider.Refund(ctx, req)
}

// Provider keys.
const (
	ProviderMercadoPago = "mercadopago"
	ProviderStripe      = "stripe"
)

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

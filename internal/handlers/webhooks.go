package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/payments"
	"github.com/mobishop/api/internal/platform/auth"
	"github.com/mobishop/api/internal/platform/requestctx"
	"github.com/mobishop/api/internal/services"
)

const maxWebhookBody = 64 * 1024

// WebhookHandlers receives gateway notifications. Every delivery is acknowledged with 200 so the
// gateway stops retrying; outcomes are only logged.
type WebhookHandlers struct {
	reconciler  services.Reconciler
	mpSignature *auth.MercadoPagoSignature
	stripe      *payments.StripeWebhook
}

// WebhookOption customises webhook handlers.
type WebhookOption func(*WebhookHandlers)

// WithMercadoPagoSignature enables x-signature verification.
func WithMercadoPagoSignature(sig *auth.MercadoPagoSignature) WebhookOption {
	return func(h *WebhookHandlers) {
		h.mpSignature = sig
	}
}

// WithStripeWebhook enables the Stripe endpoint.
func WithStripeWebhook(hook *payments.StripeWebhook) WebhookOption {
	return func(h *WebhookHandlers) {
		h.stripe = hook
	}
}

// NewWebhookHandlers constructs webhook handlers.
func NewWebhookHandlers(reconciler services.Reconciler, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{reconciler: reconciler}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the gateway callbacks.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/mercadopago", h.mercadoPago)
	r.Post("/stripe", h.stripeEvent)
}

type webhookAck struct {
	Received bool `json:"received"`
}

type mercadoPagoBody struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Action string `json:"action"`
	Data   struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
	ID json.RawMessage `json:"id"`
}

func (h *WebhookHandlers) mercadoPago(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx).Named("webhook")
	defer writeJSONResponse(w, http.StatusOK, webhookAck{Received: true})

	query := r.URL.Query()
	kind := firstNonEmpty(query.Get("type"), query.Get("topic"))
	id := firstNonEmpty(query.Get("data.id"), query.Get("id"))
	if kind == "" || id == "" {
		var body mercadoPagoBody
		if raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody)); err == nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, &body); err != nil {
				logger.Info("mercadopago notification body not json", zap.Error(err))
			}
		}
		kind = firstNonEmpty(kind, body.Type, body.Topic)
		id = firstNonEmpty(id, rawID(body.Data.ID), rawID(body.ID))
	}

	requestID := strings.TrimSpace(r.Header.Get("x-request-id"))
	if h.mpSignature.Enabled() {
		if err := h.mpSignature.Verify(r.Header.Get("x-signature"), requestID, id); err != nil {
			logger.Warn("mercadopago notification signature rejected",
				zap.Error(err),
				zap.String("type", kind),
				zap.String("id", id),
			)
			return
		}
	}
	if h.reconciler == nil {
		logger.Error("mercadopago notification dropped: reconciler unavailable")
		return
	}

	outcome := h.reconciler.HandleNotification(context.WithoutCancel(ctx), services.Notification{
		Provider:  payments.ProviderMercadoPago,
		Type:      notificationType(kind),
		ID:        id,
		RequestID: requestID,
	})
	logger.Debug("mercadopago notification acknowledged", zap.String("outcome", string(outcome)))
}

func (h *WebhookHandlers) stripeEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx).Named("webhook")
	defer writeJSONResponse(w, http.StatusOK, webhookAck{Received: true})

	if !h.stripe.Enabled() {
		logger.Warn("stripe notification dropped: webhook secret not configured")
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		logger.Warn("stripe notification unreadable", zap.Error(err))
		return
	}
	event, err := h.stripe.Parse(raw, r.Header.Get("Stripe-Signature"))
	if err != nil {
		logger.Warn("stripe notification rejected", zap.Error(err))
		return
	}
	if event.Type == "" || event.ResourceID == "" {
		logger.Debug("stripe event ignored", zap.String("eventType", event.EventType))
		return
	}
	if h.reconciler == nil {
		logger.Error("stripe notification dropped: reconciler unavailable")
		return
	}

	outcome := h.reconciler.HandleNotification(context.WithoutCancel(ctx), services.Notification{
		Provider:  payments.ProviderStripe,
		Type:      event.Type,
		ID:        event.ResourceID,
		RequestID: event.EventID,
	})
	logger.Debug("stripe notification acknowledged",
		zap.String("eventType", event.EventType),
		zap.String("outcome", string(outcome)),
	)
}

// notificationType keeps unknown values so the reconciler can count them as ignored.
func notificationType(raw string) domain.NotificationType {
	if kind, ok := domain.ParseNotificationType(raw); ok {
		return kind
	}
	return domain.NotificationType(strings.TrimSpace(raw))
}

// rawID accepts both "123" and 123; Mercado Pago sends either depending on the topic.
func rawID(raw json.RawMessage) string {
	value := strings.TrimSpace(string(raw))
	if value == "" || value == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return value
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

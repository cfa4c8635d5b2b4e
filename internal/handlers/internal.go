package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mobishop/api/internal/platform/httpx"
	"github.com/mobishop/api/internal/platform/requestctx"
	"github.com/mobishop/api/internal/services"
)

const maxPurgeLimit = 5000

// InternalHandlers serves scheduler-invoked maintenance endpoints. The router's internal group
// applies OIDC.
type InternalHandlers struct {
	ledger services.LedgerService
}

// NewInternalHandlers constructs internal handlers.
func NewInternalHandlers(ledger services.LedgerService) *InternalHandlers {
	return &InternalHandlers{ledger: ledger}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/processed-events:purge", h.purgeProcessedEvents)
}

type purgeResponse struct {
	Removed int `json:"removed"`
}

func (h *InternalHandlers) purgeProcessedEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ledger == nil {
		writeUnavailable(ctx, w, "ledger")
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a non-negative integer", http.StatusBadRequest))
			return
		}
		limit = min(value, maxPurgeLimit)
	}

	removed, err := h.ledger.PurgeExpired(ctx, limit)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	requestctx.Logger(ctx).Info("processed events purged", zap.Int("removed", removed))
	writeJSONResponse(w, http.StatusOK, purgeResponse{Removed: removed})
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mobishop/api/internal/platform/httpx"
	"github.com/mobishop/api/internal/platform/requestctx"
	"github.com/mobishop/api/internal/services"
)

var errorCodes = map[services.Kind]string{
	services.KindValidation:    "invalid_request",
	services.KindNotFound:      "not_found",
	services.KindConflict:      "conflict",
	services.KindGateway:       "payment_gateway_error",
	services.KindUnprocessable: "payment_rejected",
	services.KindUnavailable:   "service_unavailable",
}

// writeServiceError maps a tagged service error onto the JSON envelope. Internal errors are logged
// and reported without their message.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var svcErr *services.Error
	if !errors.As(err, &svcErr) {
		logInternal(ctx, err)
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
		return
	}

	code, ok := errorCodes[svcErr.Kind]
	if !ok {
		logInternal(ctx, err)
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
		return
	}
	if svcErr.Kind == services.KindValidation && isStockProblem(svcErr) {
		code = "insufficient_stock"
	}
	if svcErr.Kind == services.KindGateway || svcErr.Kind == services.KindUnavailable {
		requestctx.Logger(ctx).Warn("request failed upstream", zap.Error(err), zap.Bool("recoverable", svcErr.Recoverable))
	}

	herr := httpx.NewError(code, svcErr.Message, svcErr.Kind.HTTPStatus()).WithDetails(svcErr.Details)
	httpx.WriteError(ctx, w, herr)
}

func isStockProblem(err *services.Error) bool {
	_, ok := err.Details["problems"]
	return ok
}

func logInternal(ctx context.Context, err error) {
	requestctx.Logger(ctx).Error("request failed", zap.Error(err))
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_unavailable", name+" service unavailable", http.StatusServiceUnavailable))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePointer(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseFilterValues(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			key := strings.ToLower(trimmed)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			result = append(result, trimmed)
		}
	}
	return result
}

package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mobishop/api/internal/platform/requestctx"
)

const (
	maxCodeLen      = 80
	maxMessageLen   = 512
	maxRequestIDLen = 80
	maxTraceIDLen   = 64
)

// reserved envelope keys cannot be overridden by details.
var reserved = map[string]struct{}{
	"error":      {},
	"message":    {},
	"status":     {},
	"request_id": {},
	"trace_id":   {},
}

// Error is the JSON error envelope:
//
//	{"error": code, "message": ..., "status": 409, "request_id": ..., "trace_id": ..., <details>}
//
// Details are flattened into the top level so clients can read e.g. "problems" next to the code.
type Error struct {
	Code      string
	Message   string
	Status    int
	RequestID string
	TraceID   string
	Details   map[string]any
}

// NewError builds an envelope. A zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clip(code, maxCodeLen),
		Message: clip(message, maxMessageLen),
		Status:  status,
	}
}

func (e Error) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// WithDetails returns a copy of e with details merged over the existing ones.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(details)+len(e.Details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	e.Details = merged
	return e
}

func (e Error) payload(ctx context.Context) (int, map[string]any) {
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	body := make(map[string]any, len(e.Details)+5)
	for k, v := range e.Details {
		if _, ok := reserved[k]; !ok {
			body[k] = v
		}
	}
	body["error"] = e.Code
	body["message"] = e.Message
	body["status"] = status

	if id := firstSet(e.RequestID, clip(middleware.GetReqID(ctx), maxRequestIDLen)); id != "" {
		body["request_id"] = id
	}
	if id := firstSet(e.TraceID, clip(requestctx.TraceID(ctx), maxTraceIDLen)); id != "" {
		body["trace_id"] = id
	}
	return status, body
}

// WriteError writes err with the request and trace IDs found on ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status, body := err.payload(ctx)
	WriteJSON(w, status, body)
}

// WriteJSON encodes payload with the given status code.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// clip drops control characters, trims, and cuts value to at most limit bytes on a rune boundary.
func clip(value string, limit int) string {
	value = strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, value))
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/mobishop/api/internal/platform/requestctx"
)

func TestWriteErrorIncludesDetailsAndTrace(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "abc123"})
	rr := httptest.NewRecorder()

	WriteError(ctx, rr, NewError("insufficient_stock", "not enough\nstock", http.StatusConflict).
		WithDetails(map[string]any{"problems": []string{"Case: 1 left"}}))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["error"] != "insufficient_stock" {
		t.Fatalf("unexpected code %v", payload["error"])
	}
	if payload["message"] != "not enough stock" {
		t.Fatalf("expected newline stripped, got %v", payload["message"])
	}
	if payload["trace_id"] != "abc123" {
		t.Fatalf("expected trace id, got %v", payload["trace_id"])
	}
	if _, ok := payload["problems"]; !ok {
		t.Fatal("expected details to be merged into payload")
	}
}

func TestReadLimitedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString("   "))
	if _, err := ReadLimitedBody(req, 10); !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("expected empty body error, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", 11)))
	if _, err := ReadLimitedBody(req, 10); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected too large error, got %v", err)
	}
}

func TestDecodeJSONBodyRejectsInvalidJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{"))
	var dst map[string]any
	herr := DecodeJSONBody(req, 64, &dst)
	if herr == nil || herr.Status != http.StatusBadRequest {
		t.Fatalf("expected bad request error, got %+v", herr)
	}
}

func TestWriteErrorDetailsCannotOverrideEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(context.Background(), rr, NewError("conflict", "order already paid", http.StatusConflict).
		WithDetails(map[string]any{"status": 200, "error": "ok", "orderId": "ord_1"}))

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["error"] != "conflict" || payload["status"] != float64(http.StatusConflict) {
		t.Fatalf("envelope overridden: %v", payload)
	}
	if payload["orderId"] != "ord_1" {
		t.Fatalf("expected orderId detail, got %v", payload["orderId"])
	}
}

func TestNewErrorClipsOnRuneBoundary(t *testing.T) {
	message := strings.Repeat("ñ", maxMessageLen)
	e := NewError("invalid_request", message, 0)
	if e.Status != http.StatusInternalServerError {
		t.Fatalf("expected default status 500, got %d", e.Status)
	}
	if len(e.Message) > maxMessageLen {
		t.Fatalf("message not clipped: %d bytes", len(e.Message))
	}
	if !utf8.ValidString(e.Message) {
		t.Fatal("clipped message is not valid UTF-8")
	}
}

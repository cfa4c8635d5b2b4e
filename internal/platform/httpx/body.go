package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrEmptyBody is returned when a request body is required but missing.
	ErrEmptyBody = errors.New("request body is required")
	// ErrBodyTooLarge is returned when the body exceeds the configured limit.
	ErrBodyTooLarge = errors.New("request body too large")
)

// ReadLimitedBody reads at most limit bytes from the request body.
func ReadLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, ErrEmptyBody
	}
	if limit <= 0 {
		limit = 16 * 1024
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// DecodeJSONBody reads and unmarshals the request body into dst. The returned Error is ready to be written.
func DecodeJSONBody(r *http.Request, limit int64, dst any) *Error {
	body, err := ReadLimitedBody(r, limit)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		e := NewError("invalid_request", err.Error(), status)
		return &e
	}
	if err := json.Unmarshal(body, dst); err != nil {
		e := NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest)
		return &e
	}
	return nil
}

package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mobishop/api/internal/repositories"
)

// Kind tags a service failure so transports can map it without string matching.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindGateway       Kind = "gateway"
	KindUnprocessable Kind = "unprocessable"
	KindUnavailable   Kind = "unavailable"
	KindInternal      Kind = "internal"
)

// HTTPStatus maps the kind onto a response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindGateway:
		return http.StatusBadGateway
	case KindUnprocessable:
		return http.StatusUnprocessableEntity
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the tagged error returned by every service operation.
type Error struct {
	Kind    Kind
	Message string
	// Details carries structured context such as the itemised stock problems.
	Details map[string]any
	// Recoverable marks failures the caller may retry unchanged.
	Recoverable bool
	Err         error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) withDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf returns the kind carried by err, or KindInternal.
func KindOf(err error) Kind {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// fromRepository classifies a persistence failure. scope names the entity in the message.
func fromRepository(scope string, err error) error {
	if err == nil {
		return nil
	}
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return err
	}
	switch {
	case errors.Is(err, repositories.ErrInsufficientStock):
		return wrapError(KindConflict, err, "%s: insufficient stock", scope)
	case errors.Is(err, repositories.ErrOrderAlreadyPaid):
		return wrapError(KindConflict, err, "%s: already paid", scope)
	case errors.Is(err, repositories.ErrStatusMismatch):
		return wrapError(KindConflict, err, "%s: status changed concurrently", scope)
	case repositories.IsNotFound(err):
		return wrapError(KindNotFound, err, "%s not found", scope)
	case repositories.IsConflict(err):
		return &Error{Kind: KindConflict, Message: scope + ": conflict", Err: err, Recoverable: true}
	case repositories.IsUnavailable(err):
		return &Error{Kind: KindUnavailable, Message: scope + ": store unavailable", Err: err, Recoverable: true}
	}
	return wrapError(KindInternal, err, "%s", scope)
}

func requireField(missing []string, value, name string) []string {
	if strings.TrimSpace(value) == "" {
		return append(missing, name)
	}
	return missing
}

package repositories

import (
	"errors"
	"fmt"

	"github.com/mobishop/api/internal/domain"
)

var (
	// ErrInsufficientStock is returned by DecrementStock when stock < qty at write time.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrOrderAlreadyPaid is returned by MarkPaid when the order is paid or has moved past paid.
	ErrOrderAlreadyPaid = errors.New("order already paid")
	// ErrEventAlreadyProcessed is returned by ProcessedEventRepository.Insert for duplicate keys.
	ErrEventAlreadyProcessed = errors.New("event already processed")
	// ErrStatusMismatch is returned by UpdateStatus when the stored status differs from the expected one.
	ErrStatusMismatch = errors.New("order status changed concurrently")
)

// Error is a backend-agnostic RepositoryError used by the SQL, Mongo and memory stores.
type Error struct {
	Op          string
	Err         error
	NotFound    bool
	Conflict    bool
	Unavailable bool
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether the record was missing.
func (e *Error) IsNotFound() bool { return e != nil && e.NotFound }

// IsConflict reports a uniqueness or precondition violation.
func (e *Error) IsConflict() bool { return e != nil && e.Conflict }

// IsUnavailable reports a transient backend failure.
func (e *Error) IsUnavailable() bool { return e != nil && e.Unavailable }

// NewNotFound builds a not-found error for op.
func NewNotFound(op string, format string, args ...any) error {
	return &Error{Op: op, Err: fmt.Errorf(format, args...), NotFound: true}
}

// NewConflict wraps err as a conflict.
func NewConflict(op string, err error) error {
	return &Error{Op: op, Err: err, Conflict: true}
}

// NewUnavailable wraps err as a transient failure.
func NewUnavailable(op string, err error) error {
	return &Error{Op: op, Err: err, Unavailable: true}
}

// IsNotFound reports whether err carries a not-found classification.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err carries a conflict classification.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err carries a transient classification.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// MarkPaidRejection classifies a MarkPaid that found the order in current instead of pending.
// Orders at or past paid report ErrOrderAlreadyPaid; anything else is ErrStatusMismatch.
func MarkPaidRejection(op, orderID string, current domain.OrderStatus) error {
	switch current {
	case domain.OrderStatusPending, domain.OrderStatusFailed:
		return fmt.Errorf("%s %s (status %s): %w", op, orderID, current, ErrStatusMismatch)
	default:
		return fmt.Errorf("%s %s: %w", op, orderID, ErrOrderAlreadyPaid)
	}
}

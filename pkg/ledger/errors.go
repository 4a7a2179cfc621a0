package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned by stores and by the protocol components.
var (
	// ErrValidation is returned when a transfer request is malformed. Such
	// requests are never persisted.
	ErrValidation = errors.New("ledger: invalid transfer request")

	// ErrStoreUnavailable is a transient store failure. Callers see it only
	// after retries are exhausted.
	ErrStoreUnavailable = errors.New("ledger: store unavailable")

	// ErrIntegrityViolation means the store returned data that the protocol
	// cannot explain. Automated recovery stops for the affected transaction.
	ErrIntegrityViolation = errors.New("ledger: integrity violation")

	// ErrNotFound is returned when a transaction does not exist
	ErrNotFound = errors.New("ledger: transaction not found")

	// ErrAccountNotFound is returned when an account does not exist
	ErrAccountNotFound = errors.New("ledger: account not found")

	// ErrDuplicate is returned when inserting a record whose id already exists
	ErrDuplicate = errors.New("ledger: duplicate id")

	// ErrTimeout is returned when a store call exceeds its deadline
	ErrTimeout = errors.New("ledger: store operation timeout")

	// ErrCircuitOpen is returned while the store circuit breaker is open
	ErrCircuitOpen = errors.New("ledger: circuit breaker open")

	// ErrNotCancelable is returned when canceling a transaction that is done
	ErrNotCancelable = errors.New("ledger: transaction cannot be canceled")

	// ErrStalled is returned when a transaction keeps changing underneath a
	// driver without reaching a resting state.
	ErrStalled = errors.New("ledger: transaction made no progress")
)

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsValidation reports whether err is a rejected transfer request.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound reports whether err means a record is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrAccountNotFound)
}

// IsIntegrityViolation reports whether err is fatal for a transaction.
func IsIntegrityViolation(err error) bool {
	return errors.Is(err, ErrIntegrityViolation)
}

// IsRetryable reports whether err is transient and the store call may be
// attempted again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrTimeout)
}

// CheckResult interprets the outcome of a single-record conditional update.
// It returns true when the update executed, false when the guard did not
// match, and ErrIntegrityViolation for any other matched count. A guard
// mismatch is not an error: callers re-read the record and continue from
// whatever state it is in.
func CheckResult(res UpdateResult) (bool, error) {
	switch res.Matched {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: conditional update matched %d records", ErrIntegrityViolation, res.Matched)
	}
}

// ClassifyError returns a short label for err, used in metrics.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrIntegrityViolation):
		return "integrity_violation"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_breaker_open"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrStoreUnavailable):
		return "unavailable"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAccountNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrNotCancelable):
		return "not_cancelable"
	case errors.Is(err, ErrStalled):
		return "stalled"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context canceled"), strings.Contains(msg, "deadline exceeded"):
		return "canceled"
	case strings.Contains(msg, "connection"), strings.Contains(msg, "dial"):
		return "connection"
	default:
		return "other"
	}
}

// WrapError adds the store and operation name to err.
func WrapError(err error, store string, operation string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("ledger store %s %s: %w", store, operation, err)
}

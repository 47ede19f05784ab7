package store

import (
	"errors"
	"fmt"
)

// Kind classifies store failures. Callers branch on kinds, never on
// driver error strings.
type Kind int

const (
	// KindNotFound: the addressed item does not exist.
	KindNotFound Kind = iota
	// KindConditionFailed: a conditional write lost (optimistic
	// concurrency, existence guard, counter guard).
	KindConditionFailed
	// KindThrottled: backend backpressure; retryable with backoff.
	KindThrottled
	// KindTransactionConflict: same-item contention inside a
	// transaction; the whole transaction is retryable.
	KindTransactionConflict
	// KindTransientIO: connection or IO failure; retryable.
	KindTransientIO
	// KindValidation: malformed request; never retryable.
	KindValidation
	// KindFatal: unclassified; treated as non-retryable.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConditionFailed:
		return "condition_failed"
	case KindThrottled:
		return "throttled"
	case KindTransactionConflict:
		return "transaction_conflict"
	case KindTransientIO:
		return "transient_io"
	case KindValidation:
		return "validation"
	default:
		return "fatal"
	}
}

// Error is a classified store failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("store %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("store %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified store error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification of err, or KindFatal for errors
// that did not originate in the store.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindFatal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}

// Retryable reports whether err belongs to a transient class that the
// standard backoff policy should retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindThrottled, KindTransientIO, KindTransactionConflict:
		return true
	default:
		return false
	}
}

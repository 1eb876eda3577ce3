// Package errors defines the error taxonomy shared by the order, ledger and
// transfer services, plus RFC 7807 rendering for the HTTP surface.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to decide between retry,
// reject and surface.
type Kind string

const (
	KindValidation             Kind = "validation_error"
	KindInsufficientFunds      Kind = "insufficient_funds"
	KindInsufficientPosition   Kind = "insufficient_position"
	KindPriceUnavailable       Kind = "price_unavailable"
	KindSettlementTimeout      Kind = "settlement_timeout"
	KindDestinationNotEligible Kind = "destination_not_eligible"
	KindInvalidTransition      Kind = "invalid_transition"
	KindConcurrencyConflict    Kind = "concurrency_conflict"
	KindNotFound               Kind = "not_found"
	KindDuplicate              Kind = "duplicate"
	KindInternal               Kind = "internal"
)

// Error is the platform error type. Kind drives the caller's recovery
// decision; Message is safe to surface to the user.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is matches two platform errors by kind so errors.Is works against the
// sentinel values below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Sentinels for errors.Is dispatch.
var (
	ErrValidation             = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrInsufficientFunds      = &Error{Kind: KindInsufficientFunds, Message: "insufficient funds"}
	ErrInsufficientPosition   = &Error{Kind: KindInsufficientPosition, Message: "insufficient position"}
	ErrPriceUnavailable       = &Error{Kind: KindPriceUnavailable, Message: "price unavailable"}
	ErrSettlementTimeout      = &Error{Kind: KindSettlementTimeout, Message: "settlement timeout"}
	ErrDestinationNotEligible = &Error{Kind: KindDestinationNotEligible, Message: "destination not eligible"}
	ErrInvalidTransition      = &Error{Kind: KindInvalidTransition, Message: "invalid transition"}
	ErrConcurrencyConflict    = &Error{Kind: KindConcurrencyConflict, Message: "concurrency conflict"}
	ErrNotFound               = &Error{Kind: KindNotFound, Message: "not found"}
	ErrDuplicate              = &Error{Kind: KindDuplicate, Message: "duplicate"}
)

// New creates a platform error with the given kind and message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a platform error wrapping a cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from any error chain; unknown errors are
// classified as internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsTransient reports whether the error is safe to retry (oracle or
// settlement outage, optimistic lock lost). Business-rule rejections are
// never transient.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindPriceUnavailable, KindSettlementTimeout, KindConcurrencyConflict:
		return true
	}
	return false
}

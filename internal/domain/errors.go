package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain-level error discrimination.
// Services wrap these so handlers can map to HTTP status codes without leaking infrastructure details.
var (
	ErrInvalidInput      = errors.New("invalid_input")
	ErrRateLimited       = errors.New("rate_limited")
	ErrConflict          = errors.New("conflict")
	ErrNotFound          = errors.New("not_found")
	ErrAttemptsExhausted = errors.New("attempts_exhausted")
	ErrDelivery          = errors.New("delivery_failed")
	ErrInvalidCode       = errors.New("invalid_code")
	ErrUnauthorized      = errors.New("unauthorized")
)

// ErrStaleWrite is returned by stores when a conditional update loses a race.
// It never reaches callers outside the application layer.
var ErrStaleWrite = errors.New("stale write")

// Error is a user-facing failure: a stable kind plus a message safe to show to
// clients. Cause is kept for logs and errors.Is, never rendered.
type Error struct {
	Kind    error
	Message string
	Cause   error
}

func (e *Error) Error() string { return e.Message }

// Unwrap exposes both the kind sentinel and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// Code returns the machine-readable code of the kind, e.g. "conflict".
func (e *Error) Code() string { return e.Kind.Error() }

func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func InvalidInput(format string, args ...any) error {
	return newError(ErrInvalidInput, format, args...)
}

func RateLimited(format string, args ...any) error {
	return newError(ErrRateLimited, format, args...)
}

func Conflict(format string, args ...any) error {
	return newError(ErrConflict, format, args...)
}

func NotFound(format string, args ...any) error {
	return newError(ErrNotFound, format, args...)
}

func AttemptsExhausted(format string, args ...any) error {
	return newError(ErrAttemptsExhausted, format, args...)
}

func InvalidCode(format string, args ...any) error {
	return newError(ErrInvalidCode, format, args...)
}

func Unauthorized(format string, args ...any) error {
	return newError(ErrUnauthorized, format, args...)
}

// Delivery wraps a transport failure. The cause stays attached for logging.
func Delivery(cause error, format string, args ...any) error {
	e := newError(ErrDelivery, format, args...)
	e.Cause = cause
	return e
}

// Package apierr defines the authoritative error kinds shared by every core
// component so that callers can classify a failure without type-switching on
// concrete error types.
package apierr

import "fmt"

// Kind is one of the authoritative error kinds from the platform contract.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindAuthentication     Kind = "authentication"
	KindAuthorization      Kind = "authorization"
	KindRateLimited        Kind = "rate_limited"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindServiceUnavailable Kind = "service_unavailable"
	KindInternal           Kind = "internal"
)

// FieldError is a single field-level validation diagnostic.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the error type returned across the cache, database, and auth
// cores. Callers branch on Kind, never on message text.
type Error struct {
	Kind      Kind
	Message   string
	Fields    []FieldError
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind that wraps an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Validation creates a validation error carrying field-level diagnostics.
func Validation(message string, fields ...FieldError) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

// ServiceUnavailable creates a retryable service-unavailable error, used for
// transient infrastructure failures (Redis unreachable, connection reset).
func ServiceUnavailable(message string, cause error) *Error {
	return &Error{Kind: KindServiceUnavailable, Message: message, Retryable: true, cause: cause}
}

// Authentication always returns the same opaque message regardless of the
// underlying cause, so external callers cannot distinguish "user not found"
// from "bad password" or "expired token".
func Authentication(cause error) *Error {
	return &Error{Kind: KindAuthentication, Message: "authentication failed", cause: cause}
}

// Authorization returns a single opaque message; the caller is responsible
// for logging the attempted operation and subject roles for audit.
func Authorization(message string) *Error {
	if message == "" {
		message = "insufficient permissions"
	}
	return &Error{Kind: KindAuthorization, Message: message}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if err == nil {
		return false
	}
	if ae, ok := err.(*Error); ok {
		e = ae
	} else {
		return false
	}
	return e.Kind == kind
}

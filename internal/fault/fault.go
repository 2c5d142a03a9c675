// ABOUTME: Shared error taxonomy for the routing core.
// ABOUTME: Sentinel categories with formatted wrappers, matched via errors.Is.

package fault

import (
	"errors"
	"fmt"
)

// Error categories. Callers match with errors.Is; the wrappers below attach
// per-occurrence context while keeping the category intact.
var (
	// ErrValidation indicates malformed input. Reported synchronously, never retried.
	ErrValidation = errors.New("validation failed")

	// ErrCapacity indicates a queue or agent is at its limit. The caller decides
	// whether to escalate or re-queue.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrNotFound indicates an unknown agent, session, or queue entry. Non-fatal.
	ErrNotFound = errors.New("not found")

	// ErrAuth indicates an authentication failure. Terminal for the connection.
	ErrAuth = errors.New("authentication failed")

	// ErrRequestTimeout indicates a correlated request expired before a response
	// arrived. The caller may retry.
	ErrRequestTimeout = errors.New("request timed out")
)

// Validationf wraps ErrValidation with context.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrValidation, args)...)
}

// Capacityf wraps ErrCapacity with context.
func Capacityf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrCapacity, args)...)
}

// NotFoundf wraps ErrNotFound with context.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrNotFound, args)...)
}

// Authf wraps ErrAuth with context.
func Authf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrAuth, args)...)
}

// Timeoutf wraps ErrRequestTimeout with context.
func Timeoutf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrRequestTimeout, args)...)
}

func prepend(err error, args []any) []any {
	out := make([]any, 0, len(args)+1)
	out = append(out, err)
	return append(out, args...)
}

// Code returns a short wire-safe identifier for the error category, used in
// error envelopes sent to clients.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrCapacity):
		return "capacity_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAuth):
		return "auth_error"
	case errors.Is(err, ErrRequestTimeout):
		return "request_timeout"
	default:
		return "internal_error"
	}
}

// FromCode rebuilds a category error from a wire code, so client-side callers
// can match with errors.Is on errors that crossed the transport.
func FromCode(code, message string) error {
	switch code {
	case "validation_error":
		return fmt.Errorf("%w: %s", ErrValidation, message)
	case "capacity_error":
		return fmt.Errorf("%w: %s", ErrCapacity, message)
	case "not_found":
		return fmt.Errorf("%w: %s", ErrNotFound, message)
	case "auth_error":
		return fmt.Errorf("%w: %s", ErrAuth, message)
	case "request_timeout":
		return fmt.Errorf("%w: %s", ErrRequestTimeout, message)
	default:
		return errors.New(message)
	}
}

package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind tags an error with its resilience class. Retry and breaker decisions
// are lookups on Kind, never on concrete error types.
type Kind string

const (
	KindUnknown            Kind = ""
	KindConnection         Kind = "connection_failure"
	KindTimeout            Kind = "timeout"
	KindRateLimited        Kind = "rate_limited"
	KindServer             Kind = "server_error"
	KindValidation         Kind = "validation_failure"
	KindAuthentication     Kind = "authentication_failure"
	KindNotFound           Kind = "not_found"
	KindConfiguration      Kind = "configuration_error"
	KindCircuitOpen        Kind = "circuit_open"
	KindAllProvidersFailed Kind = "all_providers_failed"
	KindCanceled           Kind = "canceled"
)

var retryableKinds = map[Kind]bool{
	KindConnection:  true,
	KindTimeout:     true,
	KindRateLimited: true,
	KindServer:      true,
}

var terminalKinds = map[Kind]bool{
	KindValidation:     true,
	KindAuthentication: true,
	KindNotFound:       true,
	KindConfiguration:  true,
	KindCanceled:       true,
}

// Retryable reports whether an error of kind k may succeed on a later attempt
// against the same backend.
func Retryable(k Kind) bool { return retryableKinds[k] }

// Terminal reports whether an error of kind k must stop both retries and the
// failover cascade.
func Terminal(k Kind) bool { return terminalKinds[k] }

// ParseKind maps a configuration string onto a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	switch k {
	case KindConnection, KindTimeout, KindRateLimited, KindServer, KindValidation,
		KindAuthentication, KindNotFound, KindConfiguration, KindCircuitOpen,
		KindAllProvidersFailed, KindCanceled:
		return k, nil
	}
	return KindUnknown, fmt.Errorf("apierr: unknown error kind %q", s)
}

// Error is a classified backend or configuration failure.
type Error struct {
	Kind       Kind
	Backend    string
	StatusCode int
	Message    string
	// RetryAfter is the server-provided delay hint for KindRateLimited.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Backend != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("%s: %s: %s (status=%d)", e.Backend, e.Kind, msg, e.StatusCode)
		}
		return fmt.Sprintf("%s: %s: %s", e.Backend, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the upstream status code, if any.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// New builds an *Error without an underlying cause.
func New(kind Kind, backend, format string, args ...any) *Error {
	return &Error{Kind: kind, Backend: backend, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err as kind. A nil err returns nil.
func Wrap(kind Kind, backend string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Backend: backend, Err: err}
}

// Configuration is shorthand for a KindConfiguration error.
func Configuration(format string, args ...any) *Error {
	return New(KindConfiguration, "", format, args...)
}

// CircuitOpenError is returned when a breaker rejects a call.
type CircuitOpenError struct {
	Backend        string
	TimeUntilRetry time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: circuit open, retry in %s", e.Backend, e.TimeUntilRetry.Round(time.Millisecond))
}

// AllProvidersFailedError is returned when the primary and every fallback
// have been exhausted.
type AllProvidersFailedError struct {
	Attempted int
	Last      error
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("all providers failed after %d attempt(s): %v", e.Attempted, e.Last)
}

func (e *AllProvidersFailedError) Unwrap() error { return e.Last }

// KindOf returns the Kind of the outermost classified error in err's chain.
// AllProvidersFailedError and CircuitOpenError take precedence over the
// causes they wrap.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var all *AllProvidersFailedError
	if errors.As(err, &all) {
		return KindAllProvidersFailed
	}
	var open *CircuitOpenError
	if errors.As(err, &open) {
		return KindCircuitOpen
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindUnknown
}

// RetryAfter extracts the rate-limit hint from err, or zero.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimited {
		return e.RetryAfter
	}
	var open *CircuitOpenError
	if errors.As(err, &open) {
		return open.TimeUntilRetry
	}
	return 0
}

// StatusFor maps a Kind to the HTTP status the gateway answers with.
func StatusFor(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindCircuitOpen, KindConfiguration:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusBadGateway
	}
}

// StatusClientClosedRequest is the non-standard 499 used when the caller
// went away before a response was produced.
const StatusClientClosedRequest = 499

// Package apierr defines the failure taxonomy of the failover gateway and the
// OpenAI-style JSON error envelope used on the HTTP surface.
package apierr

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
	TypeUnavailable       = "service_unavailable"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInternalError     = "internal_error"
	CodeInvalidRequest    = "invalid_request"
	CodeUnauthorized      = "unauthorized"
	CodeNotFound          = "not_found"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteError maps a classified error onto an HTTP response.
//
//	validation_failure     → 400
//	authentication_failure → 401
//	rate_limited           → 429 + Retry-After
//	circuit_open           → 503 + Retry-After
//	configuration_error    → 503
//	timeout                → 504
//	everything else        → 502
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	kind := KindOf(err)
	status := StatusFor(kind)

	if wait := RetryAfter(err); wait > 0 {
		ctx.Response.Header.Set("Retry-After", retryAfterSeconds(wait))
	}

	Write(ctx, status, err.Error(), typeFor(kind), string(codeFor(kind)))
}

// WriteRateLimit writes a 429 produced by the gateway's own limiter.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

func typeFor(k Kind) string {
	switch k {
	case KindValidation, KindNotFound:
		return TypeInvalidRequest
	case KindAuthentication:
		return TypeAuthenticationErr
	case KindRateLimited:
		return TypeRateLimitError
	case KindCircuitOpen, KindConfiguration:
		return TypeUnavailable
	case KindUnknown:
		return TypeServerError
	default:
		return TypeProviderError
	}
}

func codeFor(k Kind) Kind {
	if k == KindUnknown {
		return Kind(CodeInternalError)
	}
	return k
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}

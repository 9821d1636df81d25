package providers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nulpointcorp/inference-failover/pkg/apierr"
)

// Classify converts a transport-level error into a tagged *apierr.Error.
// Errors that are already classified pass through unchanged. HTTP status
// errors must be converted with FromStatus by the adapter that understands
// its SDK's error type.
func Classify(backend string, err error) error {
	if err == nil {
		return nil
	}

	var tagged *apierr.Error
	if errors.As(err, &tagged) {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return apierr.Wrap(apierr.KindCanceled, backend, err)
	case errors.Is(err, context.DeadlineExceeded):
		return apierr.Wrap(apierr.KindTimeout, backend, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apierr.Wrap(apierr.KindTimeout, backend, err)
	}
	return apierr.Wrap(apierr.KindConnection, backend, err)
}

// FromStatus classifies an upstream HTTP error response.
//
//	401, 403           → authentication_failure
//	400, 409, 413, 422 → validation_failure
//	404                → not_found
//	408, 504           → timeout
//	429                → rate_limited (Retry-After honoured)
//	other 5xx          → server_error
//	anything else      → connection_failure
func FromStatus(backend string, status int, header http.Header, message string, cause error) *apierr.Error {
	e := &apierr.Error{
		Backend:    backend,
		StatusCode: status,
		Message:    message,
		Err:        cause,
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Kind = apierr.KindAuthentication
	case http.StatusBadRequest, http.StatusConflict, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		e.Kind = apierr.KindValidation
	case http.StatusNotFound:
		e.Kind = apierr.KindNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		e.Kind = apierr.KindTimeout
	case http.StatusTooManyRequests:
		e.Kind = apierr.KindRateLimited
		if header != nil {
			e.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), time.Now())
		}
	default:
		if status >= 500 && status < 600 {
			e.Kind = apierr.KindServer
		} else {
			e.Kind = apierr.KindConnection
		}
	}
	return e
}

// ParseRetryAfter parses a Retry-After header value given either as
// delta-seconds or as an HTTP date. Invalid or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

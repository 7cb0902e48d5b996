package prism

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrorKind is the taxonomy of failures surfaced to clients and recorded in
// metrics. Every failure path maps to exactly one kind.
type ErrorKind string

const (
	KindBadRequest          ErrorKind = "bad_request"
	KindUnauthorized        ErrorKind = "unauthorized"
	KindForbidden           ErrorKind = "forbidden"
	KindRateLimited         ErrorKind = "rate_limited"
	KindQueueTimeout        ErrorKind = "queue_timeout"
	KindNoKeyAvailable      ErrorKind = "no_key_available"
	KindPoolExhausted       ErrorKind = "pool_exhausted"
	KindCircuitOpen         ErrorKind = "circuit_open"
	KindUpstreamError       ErrorKind = "upstream_error"
	KindUpstreamRateLimited ErrorKind = "upstream_rate_limited"
	KindDeadlineExceeded    ErrorKind = "deadline_exceeded"
	KindInternal            ErrorKind = "internal_error"
)

// Status returns the HTTP status code for the kind.
func (k ErrorKind) Status() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited, KindUpstreamRateLimited:
		return http.StatusTooManyRequests
	case KindQueueTimeout, KindNoKeyAvailable, KindPoolExhausted, KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindUpstreamError:
		return http.StatusBadGateway
	case KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a single in-request retry is permitted for the
// kind. Only these kinds may be retried, and only for idempotent
// (non-streaming, body-captured) requests.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindUpstreamError, KindPoolExhausted, KindNoKeyAvailable:
		return true
	}
	return false
}

// Error is the domain error carried through the pipeline.
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration // set for rate_limited
	Err        error         // wrapped cause, never shown to clients
}

// Error returns the client-safe message.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// E builds a domain error of the given kind.
func E(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// KindOf classifies any error into an ErrorKind. Context deadline errors map
// to deadline_exceeded; everything unrecognized is internal_error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, ErrDeadline) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindDeadlineExceeded
	}
	return KindInternal
}

// StatusOf returns the HTTP status for any error.
func StatusOf(err error) int { return KindOf(err).Status() }

// ErrDeadline is the sentinel for deadline expiry at suspension points.
var ErrDeadline = errors.New("deadline exceeded")

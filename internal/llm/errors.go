package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a failed model call.
type Kind string

const (
	KindUnauthorized   Kind = "unauthorized"
	KindRateLimited    Kind = "rate_limited"
	KindTimeout        Kind = "timeout"
	KindMalformed      Kind = "malformed"
	KindUnavailable    Kind = "unavailable"
	KindUnknownBackend Kind = "unknown_backend"
)

// CallError is the typed failure returned by Caller.Call.
type CallError struct {
	Kind    Kind
	Backend string
	Model   string
	Status  int
	Err     error
}

func (e *CallError) Error() string {
	msg := fmt.Sprintf("%s call to %s", e.Kind, e.Backend)
	if e.Model != "" {
		msg += "/" + e.Model
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CallError) Unwrap() error { return e.Err }

// Retryable reports whether the caller may try the same call again.
func (e *CallError) Retryable() bool {
	switch e.Kind {
	case KindUnknownBackend, KindMalformed:
		return false
	}
	return true
}

// IsRetryable is true for call errors whose kind allows another attempt.
func IsRetryable(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return false
}

// KindOf extracts the failure kind, defaulting to unavailable for foreign errors.
func KindOf(err error) Kind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnavailable
}

// NewError builds a CallError of the given kind.
func NewError(kind Kind, backend, model string, err error) *CallError {
	return &CallError{Kind: kind, Backend: backend, Model: model, Err: err}
}

// KindForStatus maps an HTTP status code onto a failure kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindUnavailable
	}
}

// Classify converts a transport level error into a CallError. Errors that are
// already classified pass through untouched.
func Classify(backend, model string, status int, err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	if status != 0 && status != http.StatusOK {
		return &CallError{Kind: KindForStatus(status), Backend: backend, Model: model, Status: status, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &CallError{Kind: KindTimeout, Backend: backend, Model: model, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &CallError{Kind: KindTimeout, Backend: backend, Model: model, Err: err}
	}
	return &CallError{Kind: KindUnavailable, Backend: backend, Model: model, Err: err}
}

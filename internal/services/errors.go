package services

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies remote-service failures so the worker can decide between
// retrying a job and failing it with a user-visible cause.
type Kind string

const (
	KindAuth             Kind = "authentication"
	KindNotFound         Kind = "resource_not_found"
	KindInvalidParameter Kind = "invalid_parameter"
	KindTransient        Kind = "transient"
	KindPollingExhausted Kind = "polling_exhausted"
	KindUnknown          Kind = "unknown"
)

// Error is the uniform failure value returned by every remote adapter.
// Code and Detail carry the provider's own error fields when present.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Detail  string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code=%s)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the failure is worth re-running the same call.
// Only transport-level trouble qualifies; every other kind is a fact about
// the request or the provider state that will not change on retry.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

// AsError extracts a typed adapter error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Retryable reports whether an error from an adapter call should be retried.
// Untyped errors are transport failures (connection reset, timeout) and are
// treated as transient.
func Retryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable()
	}
	return err != nil
}

// classifyStatus maps an HTTP response status to an adapter error.
// 400 maps to InvalidParameter; callers upgrade it to NotFound when the
// provider's message names a missing resource.
func classifyStatus(provider string, status int, body string) *Error {
	msg := fmt.Sprintf("%s returned status %d: %s", provider, status, body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuth, Message: msg}
	case status == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Message: msg}
	case status == http.StatusBadRequest:
		return &Error{Kind: KindInvalidParameter, Message: msg}
	case status == http.StatusTooManyRequests || status >= 500:
		return &Error{Kind: KindTransient, Message: msg}
	default:
		return &Error{Kind: KindUnknown, Message: msg}
	}
}

// transportError wraps a network-level failure as a transient adapter error.
func transportError(provider string, err error) *Error {
	return &Error{Kind: KindTransient, Message: fmt.Sprintf("%s request failed: %v", provider, err)}
}

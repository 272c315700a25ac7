package stt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a transcription failure.
type Kind string

const (
	// KindTransport covers network failures and server-side 5xx errors.
	KindTransport Kind = "transport"

	// KindAuth covers rejected or missing credentials.
	KindAuth Kind = "auth"

	// KindRateLimit covers quota and throttling responses.
	KindRateLimit Kind = "rate_limit"

	// KindResponse covers unusable requests or responses: 4xx other than the
	// above, or a body that could not be decoded.
	KindResponse Kind = "response"
)

// Sentinels matchable with errors.Is against any [*Error] of that kind.
var (
	ErrTransport = errors.New("stt: transport failure")
	ErrAuth      = errors.New("stt: authentication failure")
	ErrRateLimit = errors.New("stt: rate limited")
	ErrResponse  = errors.New("stt: invalid response")
)

// Error is returned by transcribers for every failure.
type Error struct {
	Kind     Kind
	Provider string

	// StatusCode is the HTTP status, when one was received.
	StatusCode int

	Err error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindTransport:
		return target == ErrTransport
	case KindAuth:
		return target == ErrAuth
	case KindRateLimit:
		return target == ErrRateLimit
	case KindResponse:
		return target == ErrResponse
	}
	return false
}

// KindForStatus maps an HTTP status code to a [Kind].
func KindForStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code >= 500:
		return KindTransport
	default:
		return KindResponse
	}
}

// StatusError builds an [*Error] from a non-2xx HTTP response.
func StatusError(provider string, code int, err error) *Error {
	return &Error{Kind: KindForStatus(code), Provider: provider, StatusCode: code, Err: err}
}

// TransportError wraps a network-level failure. Context cancellation is
// preserved so callers can still detect it with errors.Is.
func TransportError(provider string, err error) *Error {
	return &Error{Kind: KindTransport, Provider: provider, Err: err}
}

// ResponseError wraps a malformed or unusable response.
func ResponseError(provider string, err error) *Error {
	return &Error{Kind: KindResponse, Provider: provider, Err: err}
}

// IsRetryable reports whether err is worth retrying on another backend.
// Cancellation is never retryable.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !errors.Is(err, ErrResponse)
}

// Package api provides an HTTP client for the mood service: the auth
// endpoints (login, signup, OTP, refresh) and mood uploads, with response
// classification into the retry/drop taxonomy used by the sync engine.
package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for outcome classification.
// Use errors.Is(err, api.ErrRejected) to check.
var (
	// ErrTransport means no response was received (dial failure, reset,
	// timeout). Retryable.
	ErrTransport = errors.New("api: transport error")

	// ErrServer covers 5xx and any unexpected status. Retryable.
	ErrServer = errors.New("api: server error")

	// ErrThrottled covers 408 and 429. Still a 4xx: an upload that gets it
	// is dropped like any other client error.
	ErrThrottled = errors.New("api: throttled")

	// ErrRejected covers the remaining 4xx statuses: the request itself is
	// bad and will never succeed. Not retryable.
	ErrRejected = errors.New("api: rejected")

	// ErrUnauthorized is a 401 (or 403 from an auth endpoint).
	ErrUnauthorized = errors.New("api: unauthorized")

	// ErrMalformedResponse is a 2xx whose body could not be decoded.
	ErrMalformedResponse = errors.New("api: malformed response")
)

// Error wraps a sentinel with the HTTP status code, request ID, and the
// response body for debugging.
type Error struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("api: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("api: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch {
	case code >= http.StatusOK && code < http.StatusMultipleChoices:
		return nil
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return ErrThrottled
	case code >= http.StatusBadRequest && code < http.StatusInternalServerError:
		return ErrRejected
	default:
		return ErrServer
	}
}

// IsRetryable reports whether err should leave the record queued for a
// later run rather than dropping it: no response, or a 5xx.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrServer)
}

// StatusCode extracts the HTTP status from an *Error chain, or 0.
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}

	return 0
}

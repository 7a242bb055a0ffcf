package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrAuthExpired marks a response that failed because the short-lived
// credential expired. It is the only error kind the engine intercepts and
// retries transparently; match it with errors.Is.
var ErrAuthExpired = errors.New("transport: authorization expired")

// NetworkError is a transport failure with no response: connection
// refused, DNS failure, executor-imposed timeout.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "transport: network error: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// APIError is a response the backend answered with a failure status.
type APIError struct {
	// Status is the protocol status code, e.g. 404.
	Status int

	// Body is the raw error payload, kept verbatim so callers can render
	// backend messages.
	Body []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("transport: api error: status %d", e.Status)
}

// Is makes errors.Is(err, ErrAuthExpired) match 401 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrAuthExpired && e.Status == http.StatusUnauthorized
}

// ServerError reports whether the failure is a 5xx.
func (e *APIError) ServerError() bool {
	return e.Status >= 500
}

// FieldErrors extracts structured per-field validation errors from a 4xx
// body of the form {"errors": {"field": ["message", ...]}}.
// The second return is false when the body carries no such structure.
func (e *APIError) FieldErrors() (map[string][]string, bool) {
	if e.Status < 400 || e.Status >= 500 || len(e.Body) == 0 {
		return nil, false
	}
	var payload struct {
		Errors map[string][]string `json:"errors"`
	}
	if err := json.Unmarshal(e.Body, &payload); err != nil || len(payload.Errors) == 0 {
		return nil, false
	}
	return payload.Errors, true
}

// IsAuthExpired reports whether err is an authorization-expired failure.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// IsNetworkError reports whether err is a transport failure with no
// response.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsServerError reports whether err is a 5xx response.
func IsServerError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.ServerError()
}

// IsCancelled reports whether err is caller-initiated cancellation.
// Cancellation is not a failure state for cache purposes: an aborted
// fetch does not poison the cache entry.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

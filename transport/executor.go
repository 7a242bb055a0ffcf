package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonwraymond/querysync/endpoint"
)

// Executor performs one request on behalf of the engine.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: Execute must honor cancellation/deadlines and surface
//   ctx.Err() unchanged; a cancelled request is not a transport failure.
// - Errors: failures are reported through the package's error taxonomy
//   (NetworkError, APIError); a non-nil Response implies a usable result.
type Executor interface {
	Execute(ctx context.Context, req endpoint.Request) (*Response, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req endpoint.Request) (*Response, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req endpoint.Request) (*Response, error) {
	return f(ctx, req)
}

// Response is a successful transport result.
type Response struct {
	// Status is the protocol status code, e.g. 200.
	Status int

	// Body is the raw response payload. May be empty.
	Body []byte
}

// DecodeJSON unmarshals the response body into the given value.
func (r *Response) DecodeJSON(into any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, into); err != nil {
		return fmt.Errorf("transport: decode response: %w", err)
	}
	return nil
}

var _ Executor = (ExecutorFunc)(nil)

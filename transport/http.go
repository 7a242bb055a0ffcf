package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jonwraymond/querysync/endpoint"
)

// HTTPConfig configures the HTTP executor.
type HTTPConfig struct {
	// BaseURL is prepended to every request path. Required.
	BaseURL string

	// Client is the HTTP client to use for requests.
	// If nil, a default client with 30s timeout is used.
	Client *http.Client

	// Header holds headers attached to every request. Per-request headers
	// take precedence on conflict.
	Header map[string]string
}

// HTTPExecutor executes requests over net/http with JSON bodies.
type HTTPExecutor struct {
	config HTTPConfig
}

// ErrMissingBaseURL indicates HTTPConfig.BaseURL was empty.
var ErrMissingBaseURL = errors.New("transport: base URL is required")

// NewHTTPExecutor creates an HTTP executor.
func NewHTTPExecutor(config HTTPConfig) (*HTTPExecutor, error) {
	if config.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	// Apply defaults
	if config.Client == nil {
		config.Client = &http.Client{
			Timeout: 30 * time.Second,
		}
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &HTTPExecutor{config: config}, nil
}

// Execute performs the request. Non-2xx responses are returned as
// *APIError with the body kept verbatim; transport failures as
// *NetworkError; context cancellation is passed through untouched.
func (x *HTTPExecutor) Execute(ctx context.Context, req endpoint.Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("transport: encode request body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	path := req.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, x.config.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("transport: create request: %w", err)
	}
	for k, v := range x.config.Header {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Header {
		httpReq.Header.Set(k, v)
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := x.config.Client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{Status: resp.StatusCode, Body: payload}
	}

	return &Response{Status: resp.StatusCode, Body: payload}, nil
}

// Ensure HTTPExecutor implements Executor
var _ Executor = (*HTTPExecutor)(nil)

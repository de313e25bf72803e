// internal/vendorapi/client.go
package vendorapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BasicAuth carries credentials for the initial session exchange.
type BasicAuth struct {
	Username string
	Password string
}

// Request describes one call against the array management API.
type Request struct {
	Method  string
	URL     string
	Body    interface{}
	Headers map[string]string
	Auth    *BasicAuth
}

// Response is the decoded-enough result of an Execute call.
type Response struct {
	StatusCode int
	Body       []byte
}

// APIError is a non-retryable upstream failure, carrying the status and
// body the array returned so the operator can see the vendor message.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vendor api: status %d: %s", e.StatusCode, e.Body)
}

// IsAuthFailure reports whether the error is a credential rejection.
func (e *APIError) IsAuthFailure() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Config holds connection parameters for one client.
type Config struct {
	// InsecureTLS disables certificate validation; arrays in the field
	// commonly run with self-signed certificates.
	InsecureTLS bool
	// AttemptTimeout bounds each individual HTTP attempt.
	AttemptTimeout time.Duration
	// RequestsPerSecond caps the request rate against the array.
	// Zero means no limit.
	RequestsPerSecond float64
	// Observe, when set, is called once per Execute with the HTTP
	// method and the outcome: "success", "api_error" or "network_error".
	Observe func(method, outcome string)
	// Backoff overrides the default 1s/2s/4s retry delays.
	Backoff []time.Duration
}

// Client executes requests against the vendor REST API with uniform
// retry and backoff. It holds no session state; tokens travel in the
// request headers supplied by the caller.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	backoff    []time.Duration
	observe    func(method, outcome string)
	logger     *zap.Logger
}

// NewClient creates a vendor API client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
	}
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 - operator opt-in for self-signed arrays
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	backoff := cfg.Backoff
	if backoff == nil {
		backoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.AttemptTimeout,
		},
		limiter: limiter,
		backoff: backoff,
		observe: cfg.Observe,
		logger:  logger,
	}
}

func (c *Client) observed(method string, resp *Response, err error) (*Response, error) {
	if c.observe != nil {
		outcome := "success"
		var apiErr *APIError
		switch {
		case err == nil:
		case errors.As(err, &apiErr):
			outcome = "api_error"
		default:
			outcome = "network_error"
		}
		c.observe(method, outcome)
	}
	return resp, err
}

// Execute runs the request, retrying on network errors, 5xx, 408 and
// 429 with 1s/2s/4s backoff. Any other 4xx fails immediately with an
// *APIError so authentication failures surface to the caller untouched.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.execute(ctx, req)
	return c.observed(req.Method, resp, err)
}

func (c *Client) execute(ctx context.Context, req Request) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= len(c.backoff); attempt++ {
		if attempt > 0 {
			delay := c.backoff[attempt-1]
			c.logger.Debug("retrying vendor api call",
				zap.String("method", req.Method),
				zap.String("url", req.URL),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := c.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !retryableStatus(apiErr.StatusCode) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("vendor api: retries exhausted: %w", lastErr)
}

func (c *Client) attempt(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("vendor api: encode body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("vendor api: build request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Auth != nil {
		httpReq.SetBasicAuth(req.Auth.Username, req.Auth.Password)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("vendor api: %s %s: %w", req.Method, req.URL, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("vendor api: read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}

	return &Response{StatusCode: httpResp.StatusCode, Body: respBody}, nil
}

func retryableStatus(status int) bool {
	if status >= 500 {
		return true
	}
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

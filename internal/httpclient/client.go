// Package httpclient provides the HTTP client used to talk to search backends
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum allowed response size (100MB)
	MaxResponseSize = 100 * 1024 * 1024

	// UserAgent is the user agent string for HTTP requests
	UserAgent = "datasource-federation-server/1.0"
)

// Client is an interface for HTTP operations
type Client interface {
	// Get performs an HTTP GET request and returns the response body
	Get(ctx context.Context, url string) ([]byte, error)

	// PostJSON sends body as application/json and returns the response body
	PostJSON(ctx context.Context, url string, body []byte) ([]byte, error)
}

// Option configures a DefaultClient
type Option func(*DefaultClient)

// WithBasicAuth sets credentials sent with every request
func WithBasicAuth(username, password string) Option {
	return func(c *DefaultClient) {
		c.username = username
		c.password = password
	}
}

// WithTransport replaces the underlying round tripper
func WithTransport(rt http.RoundTripper) Option {
	return func(c *DefaultClient) {
		c.client.Transport = rt
	}
}

// DefaultClient is the default HTTP client implementation
type DefaultClient struct {
	client   *http.Client
	timeout  time.Duration
	username string
	password string
}

// NewDefaultClient creates a new default HTTP client with the specified timeout.
// If timeout is 0, uses DefaultTimeout.
func NewDefaultClient(timeout time.Duration, opts ...Option) *DefaultClient {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	c := &DefaultClient{
		client: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get performs an HTTP GET request
func (c *DefaultClient) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req)
}

// PostJSON performs an HTTP POST request with a JSON body
func (c *DefaultClient) PostJSON(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *DefaultClient) do(req *http.Request) ([]byte, error) {
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response size %d bytes exceeds maximum allowed size of %d bytes",
			resp.ContentLength, MaxResponseSize)
	}

	// +1 to detect that the limit was exceeded
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes", MaxResponseSize)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewHTTPError(resp.StatusCode, req.URL.Redacted(), errorMessage(resp.Status, body))
	}

	return body, nil
}

// errorMessage keeps the first bytes of an error body; search backends put the reason there
func errorMessage(status string, body []byte) string {
	const maxLen = 512
	msg := bytes.TrimSpace(body)
	if len(msg) == 0 {
		return status
	}
	if len(msg) > maxLen {
		msg = append(msg[:maxLen:maxLen], "..."...)
	}
	return status + ": " + string(msg)
}

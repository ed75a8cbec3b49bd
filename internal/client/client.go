// Package client talks to a running key gateway over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"key_gateway/internal/keypool"
)

// DefaultBaseURL is where the gateway listens by default.
const DefaultBaseURL = "http://localhost:5000"

// ErrPoolExhausted is returned by GetKey when the gateway has no eligible
// credential.
var ErrPoolExhausted = errors.New("client: all credentials exhausted or cooling down")

// APIError is a non-2xx response from the gateway.
type APIError struct {
	StatusCode int
	Message    string
	// TotalCredentials is the pool size reported with a 503; zero otherwise.
	TotalCredentials int
}

func (e *APIError) Error() string {
	if e.TotalCredentials > 0 {
		return fmt.Sprintf("client: gateway returned %d: %s (%d credentials)", e.StatusCode, e.Message, e.TotalCredentials)
	}
	return fmt.Sprintf("client: gateway returned %d: %s", e.StatusCode, e.Message)
}

// RefreshResult is the outcome of a source refresh.
type RefreshResult struct {
	Added int `json:"added"`
	Total int `json:"total"`
}

// Client is a key gateway client. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// New creates a client for the gateway at baseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetKey asks the gateway for a credential. It does not charge usage; call
// ReportUsage once the credential has actually been used.
func (c *Client) GetKey(ctx context.Context) (string, error) {
	var out struct {
		Key string `json:"key"`
	}
	err := c.do(ctx, http.MethodGet, "/get_key", nil, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
			return "", errors.Mark(err, ErrPoolExhausted)
		}
		return "", err
	}
	return out.Key, nil
}

// ReportUsage charges one request to key.
func (c *Client) ReportUsage(ctx context.Context, key string) error {
	return c.postKey(ctx, "/report_usage", key)
}

// ReportInvalid takes key out of rotation.
func (c *Client) ReportInvalid(ctx context.Context, key string) error {
	return c.postKey(ctx, "/report_invalid", key)
}

// Revalidate puts an invalidated key back into rotation.
func (c *Client) Revalidate(ctx context.Context, key string) error {
	return c.postKey(ctx, "/admin/revalidate", key)
}

// Refresh makes the gateway re-read its credential sources.
func (c *Client) Refresh(ctx context.Context) (RefreshResult, error) {
	var out RefreshResult
	err := c.do(ctx, http.MethodPost, "/admin/refresh", nil, &out)
	return out, err
}

// Status returns the pool summary with masked credentials.
func (c *Client) Status(ctx context.Context) (keypool.Status, error) {
	var out keypool.Status
	err := c.do(ctx, http.MethodGet, "/admin/keys", nil, &out)
	return out, err
}

func (c *Client) postKey(ctx context.Context, path, key string) error {
	body := struct {
		Key string `json:"key"`
	}{Key: key}
	return c.do(ctx, http.MethodPost, path, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "client: marshal request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "client: create request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "client: %s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "client: decode %s response", path)
	}
	return nil
}

func newAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	var payload struct {
		Error            string `json:"error"`
		TotalCredentials int    `json:"total_credentials"`
	}
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
		apiErr.TotalCredentials = payload.TotalCredentials
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

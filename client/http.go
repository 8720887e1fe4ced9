package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/inercia/neetbox/internal/logging"
)

// DefaultHTTPTimeout bounds requests made with the built-in client.
const DefaultHTTPTimeout = 30 * time.Second

// HTTPClient issues stateless requests to the daemon HTTP API.
// It is safe for concurrent use.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// HTTPOption configures the HTTP client.
type HTTPOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client, used as is. The caller is
// responsible for its proxy configuration and timeout. A nil client keeps
// the built-in one.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(client *HTTPClient) {
		client.httpClient = c
	}
}

// WithTimeout sets the timeout of the built-in client. It has no effect
// together with WithHTTPClient.
func WithTimeout(d time.Duration) HTTPOption {
	return func(client *HTTPClient) {
		client.timeout = d
	}
}

// newDirectTransport returns a transport that never goes through a proxy.
// The daemon always runs locally.
func newDirectTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = nil
	return t
}

// NewHTTPClient creates a client for the daemon at baseURL
// (e.g., "http://127.0.0.1:20202").
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultHTTPTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout:   c.timeout,
			Transport: newDirectTransport(),
		}
	}
	return c
}

// BaseURL returns the base URL of the client.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// AddrOfAPI returns the full URL of api under root, or under the daemon
// base URL when root is empty. api is normalized to start with "/".
func (c *HTTPClient) AddrOfAPI(api, root string) string {
	if root == "" {
		root = c.baseURL
	}
	if !strings.HasPrefix(api, "/") {
		api = "/" + api
	}
	return strings.TrimRight(root, "/") + api
}

type requestConfig struct {
	root        string
	body        io.Reader
	contentType string
	query       url.Values
	header      http.Header
	err         error
}

// RequestOption customizes a single request.
type RequestOption func(*requestConfig)

// WithRoot sends the request to root instead of the daemon base URL.
func WithRoot(root string) RequestOption {
	return func(rc *requestConfig) {
		rc.root = root
	}
}

// WithBody sets a raw request body.
func WithBody(body io.Reader, contentType string) RequestOption {
	return func(rc *requestConfig) {
		rc.body = body
		rc.contentType = contentType
	}
}

// WithJSON marshals v as the request body.
func WithJSON(v any) RequestOption {
	return func(rc *requestConfig) {
		data, err := json.Marshal(v)
		if err != nil {
			rc.err = fmt.Errorf("marshal: %w", err)
			return
		}
		rc.body = bytes.NewReader(data)
		rc.contentType = "application/json"
	}
}

// WithQuery adds query parameters.
func WithQuery(q url.Values) RequestOption {
	return func(rc *requestConfig) {
		if rc.query == nil {
			rc.query = url.Values{}
		}
		for k, vs := range q {
			for _, v := range vs {
				rc.query.Add(k, v)
			}
		}
	}
}

// WithHeader sets a request header.
func WithHeader(key, value string) RequestOption {
	return func(rc *requestConfig) {
		if rc.header == nil {
			rc.header = http.Header{}
		}
		rc.header.Set(key, value)
	}
}

// Request issues one request and returns the response, whatever its status.
// The caller must close the response body. Failures to obtain a response
// are returned as *TransportError.
func (c *HTTPClient) Request(ctx context.Context, method, api string, opts ...RequestOption) (*http.Response, error) {
	var rc requestConfig
	for _, opt := range opts {
		opt(&rc)
	}

	target := c.AddrOfAPI(api, rc.root)
	if rc.err != nil {
		return nil, &TransportError{Method: method, URL: target, Err: rc.err}
	}
	if len(rc.query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + rc.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, rc.body)
	if err != nil {
		return nil, &TransportError{Method: method, URL: target, Err: err}
	}
	for k, vs := range rc.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if rc.contentType != "" {
		req.Header.Set("Content-Type", rc.contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Method: method, URL: target, Err: err}
	}
	logging.HTTP().Debug("Daemon request",
		"method", method,
		"url", target,
		"status", resp.StatusCode,
	)
	return resp, nil
}

// Get issues a GET request.
func (c *HTTPClient) Get(ctx context.Context, api string, opts ...RequestOption) (*http.Response, error) {
	return c.Request(ctx, http.MethodGet, api, opts...)
}

// Post issues a POST request.
func (c *HTTPClient) Post(ctx context.Context, api string, opts ...RequestOption) (*http.Response, error) {
	return c.Request(ctx, http.MethodPost, api, opts...)
}

// Put issues a PUT request.
func (c *HTTPClient) Put(ctx context.Context, api string, opts ...RequestOption) (*http.Response, error) {
	return c.Request(ctx, http.MethodPut, api, opts...)
}

// Delete issues a DELETE request.
func (c *HTTPClient) Delete(ctx context.Context, api string, opts ...RequestOption) (*http.Response, error) {
	return c.Request(ctx, http.MethodDelete, api, opts...)
}

// DoJSON issues a request and decodes a JSON response into out (if non-nil).
// Non-2xx responses are returned as *TransportError with StatusCode set.
func (c *HTTPClient) DoJSON(ctx context.Context, method, api string, out any, opts ...RequestOption) error {
	resp, err := c.Request(ctx, method, api, opts...)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &TransportError{
			Method:     method,
			URL:        resp.Request.URL.String(),
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{
			Method:     method,
			URL:        resp.Request.URL.String(),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("decode: %w", err),
		}
	}
	return nil
}

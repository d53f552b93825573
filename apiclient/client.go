// Package apiclient performs authenticated JSON requests against the invoicing backend.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/invoicer-auth/provider"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseURL = "https://example.com"
	DefaultTimeout = 10 * time.Second
)

// SessionSource supplies the session whose access token is attached to requests.
// A nil session means the request goes out unauthenticated.
type SessionSource interface {
	CurrentSession(ctx context.Context) (*provider.Session, error)
}

// Settings is the part of the configuration the client reads at construction.
type Settings interface {
	GetAPIBaseURL() string
	GetAPITimeout() time.Duration
}

// Client talks to one backend. It makes a single attempt per request and caches nothing.
type Client struct {
	baseURL    string
	timeout    time.Duration
	sessions   SessionSource
	httpClient *http.Client
	logger     zerolog.Logger
	metrics    *metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used to send requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger used by the client.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithDefaultTimeout overrides the timeout applied when a request sets none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New resolves the base URL once. sessions may be nil for a client that never
// authenticates.
func New(settings Settings, sessions SessionSource, options ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		timeout:    DefaultTimeout,
		sessions:   sessions,
		httpClient: &http.Client{},
		logger:     log.With().Str("component", "apiclient").Logger(),
	}
	if settings != nil {
		if base := strings.TrimSpace(settings.GetAPIBaseURL()); base != "" {
			c.baseURL = base
		}
		if d := settings.GetAPITimeout(); d > 0 {
			c.timeout = d
		}
	}
	c.baseURL = strings.TrimRight(c.baseURL, "/")
	for _, opt := range options {
		opt(c)
	}
	return c
}

// BaseURL returns the resolved backend URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type requestOptions struct {
	timeout time.Duration
	headers http.Header
}

// RequestOption configures a single request.
type RequestOption func(*requestOptions)

// WithTimeout bounds a single request.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithHeader sets a request header, replacing any default value for that header.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		o.headers.Set(key, value)
	}
}

// Request sends body (JSON encoded when non-nil) to {base}/{path} and returns the decoded
// JSON response, the raw text when the response is not JSON, or nil when it is empty.
func (c *Client) Request(ctx context.Context, path, method string, body any, options ...RequestOption) (any, error) {
	data, err := c.send(ctx, path, method, body, options...)
	if err != nil {
		return nil, err
	}
	return decodeBody(data), nil
}

// GetJSON is Request with GET.
func (c *Client) GetJSON(ctx context.Context, path string, options ...RequestOption) (any, error) {
	return c.Request(ctx, path, http.MethodGet, nil, options...)
}

// PostJSON is Request with POST.
func (c *Client) PostJSON(ctx context.Context, path string, body any, options ...RequestOption) (any, error) {
	return c.Request(ctx, path, http.MethodPost, body, options...)
}

// GetJSON fetches path and decodes the response into T.
func GetJSON[T any](ctx context.Context, c *Client, path string, options ...RequestOption) (T, error) {
	var out T
	data, err := c.send(ctx, path, http.MethodGet, nil, options...)
	if err != nil {
		return out, err
	}
	return out, decodeInto(data, &out)
}

// PostJSON posts body to path and decodes the response into T.
func PostJSON[T any](ctx context.Context, c *Client, path string, body any, options ...RequestOption) (T, error) {
	var out T
	data, err := c.send(ctx, path, http.MethodPost, body, options...)
	if err != nil {
		return out, err
	}
	return out, decodeInto(data, &out)
}

func (c *Client) send(ctx context.Context, path, method string, body any, options ...RequestOption) (_ []byte, returnErr error) {
	if method == "" {
		method = http.MethodGet
	}
	ro := requestOptions{timeout: c.timeout, headers: http.Header{}}
	for _, opt := range options {
		opt(&ro)
	}

	start := time.Now()
	status := 0
	defer func() {
		c.metrics.observe(method, status, returnErr, time.Since(start))
	}()

	ctx, cancel := context.WithTimeoutCause(ctx, ro.timeout, ErrTimeout)
	defer cancel()

	url := c.baseURL + "/" + strings.TrimLeft(path, "/")

	var session *provider.Session
	if c.sessions != nil {
		s, err := c.sessions.CurrentSession(ctx)
		if err != nil {
			return nil, err
		}
		session = s
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "[apiclient.Request] encode body")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.Wrap(err, "[apiclient.Request] build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())
	// Caller headers replace the defaults.
	for k, values := range ro.headers {
		req.Header[k] = append([]string(nil), values...)
	}
	if session != nil && session.AccessToken != "" {
		session.Token().SetAuthHeader(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.timeoutOr(ctx, method, path, ro.timeout, errors.Wrapf(err, "[apiclient.Request] %s %s", method, path))
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.timeoutOr(ctx, method, path, ro.timeout, errors.Wrap(err, "[apiclient.Request] read response"))
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Bool("authenticated", session != nil).
		Dur("elapsed", time.Since(start)).
		Msg("api request")

	if status < 200 || status >= 300 {
		return nil, &HTTPError{Status: status, Message: messageFrom(decodeBody(data), status)}
	}
	return data, nil
}

// timeoutOr reports ErrTimeout when ctx ended because of the request timeout, and err
// otherwise.
func (c *Client) timeoutOr(ctx context.Context, method, path string, timeout time.Duration, err error) error {
	if errors.Is(context.Cause(ctx), ErrTimeout) {
		c.logger.Warn().Str("method", method).Str("path", path).Dur("timeout", timeout).Msg("api request timed out")
		return errors.Wrapf(ErrTimeout, "%s %s after %s", method, path, timeout)
	}
	return err
}

func decodeBody(data []byte) any {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	return v
}

func decodeInto[T any](data []byte, out *T) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		if s, ok := any(out).(*string); ok {
			*s = string(data)
			return nil
		}
		return errors.Wrap(err, "[apiclient] decode response")
	}
	return nil
}

func messageFrom(v any, status int) string {
	if m, ok := v.(map[string]any); ok {
		if msg, ok := m["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return statusMessage(status)
}

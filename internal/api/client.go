// Package api is the JSON HTTP plumbing shared by the auth and notification
// service clients.
//
// A Client holds an ordered list of base URLs (for example /api/v1 then
// /api). Each request walks the list: transport errors, 404 and 5xx fall
// through to the next candidate, 401/403 stop immediately. The last base
// that answered is tried first on the next request.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/wardlink/internal/observability"
)

// ErrTransport is returned when no endpoint candidate produced a usable answer.
var ErrTransport = errors.New("api: transport failure")

// StatusError is a non-2xx response that ended the candidate walk.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, body)
}

// Unauthorized reports a 401 or 403 answer.
func (e *StatusError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// IsUnauthorized reports whether err carries a 401/403 StatusError.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Unauthorized()
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// Client performs JSON requests against ordered base URL candidates.
type Client struct {
	bases     []string
	http      *http.Client
	logger    *slog.Logger
	metrics   *observability.Metrics
	preferred atomic.Int32
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records request latency.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New builds a client over the given base URLs. Trailing slashes are trimmed
// and empty entries dropped.
func New(bases []string, opts ...Option) *Client {
	c := &Client{
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: slog.Default(),
	}
	for _, b := range bases {
		b = strings.TrimRight(strings.TrimSpace(b), "/")
		if b != "" {
			c.bases = append(c.bases, b)
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "api")
	return c
}

// Bases returns the configured candidates in order.
func (c *Client) Bases() []string {
	return append([]string(nil), c.bases...)
}

// Do sends a JSON request. in may be nil; out may be nil to discard the body.
// A non-empty token is sent as a bearer credential.
func (c *Client) Do(ctx context.Context, method, path, token string, in, out any) error {
	if len(c.bases) == 0 {
		return fmt.Errorf("%w: no base URLs configured", ErrTransport)
	}

	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
	}

	start := int(c.preferred.Load())
	var lastErr error
	for i := range c.bases {
		idx := (start + i) % len(c.bases)
		url := c.bases[idx] + path

		status, body, err := c.send(ctx, method, url, token, payload)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Debug("endpoint candidate failed", "url", url, "error", err)
			lastErr = err
			continue
		}

		switch {
		case status >= 200 && status < 300:
			c.preferred.Store(int32(idx))
			if out == nil || len(bytes.TrimSpace(body)) == 0 {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("api: decode %s %s: %w", method, url, err)
			}
			return nil
		case status == http.StatusNotFound || status >= 500:
			lastErr = &StatusError{Method: method, URL: url, Status: status, Body: string(body)}
			c.logger.Debug("endpoint candidate failed", "url", url, "status", status)
			continue
		default:
			return &StatusError{Method: method, URL: url, Status: status, Body: string(body)}
		}
	}
	return fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, lastErr)
}

func (c *Client) send(ctx context.Context, method, url, token string, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	began := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	c.metrics.RecordHTTPRequest(method, req.URL.Path, strconv.Itoa(resp.StatusCode), time.Since(began).Seconds())
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

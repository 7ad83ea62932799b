// Package gateway issues JSON requests against the prompt backend and maps
// every failure onto ConfigurationError, HTTPError or TransportError.
// It never retries; retry policy belongs to its callers.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ports "github.com/ZanzyTHEbar/prompt-console/pcon/harness/ports"
	"github.com/rs/zerolog"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 8 << 20

// Client talks to one configured base endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	limiter  ports.RateLimiter
	logger   zerolog.Logger
	timeout  time.Duration
	validate bool
	schemas  *schemaSet
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRateLimiter paces every request through l.
func WithRateLimiter(l ports.RateLimiter) Option {
	return func(c *Client) { c.limiter = l }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRequestTimeout bounds each request; zero leaves only the caller's context.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithResponseValidation toggles JSON-schema checks of job responses.
func WithResponseValidation(enabled bool) Option {
	return func(c *Client) { c.validate = enabled }
}

// New creates a client for endpoint. An empty endpoint is accepted here and
// reported as a ConfigurationError on first use.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		http:     &http.Client{},
		logger:   zerolog.Nop(),
		validate: true,
		schemas:  defaultSchemas,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the normalized base endpoint, or "" when unconfigured.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Request sends method to path (relative to the endpoint) with body encoded
// as JSON when non-nil, and returns the raw JSON response. An empty 2xx body
// yields a nil message.
func (c *Client) Request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	if c.endpoint == "" {
		return nil, &ConfigurationError{Reason: "no API endpoint configured"}
	}
	op := method + " " + path

	// One bucket per backend, so the configured rate caps all traffic to it.
	if c.limiter != nil {
		release, err := c.limiter.Acquire(ctx, c.endpoint)
		if err != nil {
			return nil, &TransportError{Op: op, Err: err}
		}
		defer release()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("op", op).Msg("request failed")
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	c.logger.Debug().
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("request completed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Method: method, Path: path, Status: resp.StatusCode, Body: string(raw)}
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		return nil, &TransportError{Op: op, Err: ErrMalformedResponse}
	}
	return json.RawMessage(trimmed), nil
}

// call runs Request and decodes the response into out, optionally checking
// it against schema first.
func (c *Client) call(ctx context.Context, method, path string, body any, schema string, out any) error {
	raw, err := c.Request(ctx, method, path, body)
	if err != nil {
		return err
	}
	op := method + " " + path
	if c.validate && schema != "" {
		if err := c.schemas.check(schema, raw); err != nil {
			return &TransportError{Op: op, Err: err}
		}
	}
	if out == nil || raw == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	return nil
}

// Package fetch calls one logical HTTP API served by several interchangeable
// instances. A failing instance is skipped and the client remembers which
// instance answered last, so the next call starts there.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/italolelis/musichub_downloader/internal/logctx"
	"github.com/italolelis/musichub_downloader/internal/telemetry"
)

const maxBodySize = 16 << 20

// Client is safe for concurrent use. The current instance index is owned by
// the client and only moves inside its own calls.
type Client struct {
	instances []string
	http      *http.Client
	telemetry *telemetry.Telemetry

	mu      sync.Mutex
	current int

	attempts atomic.Int64
}

type Option func(*Client)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeouts builds the default client with the given timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(c *Client) {
		c.http = NewHTTPClient(t)
	}
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *Client) {
		c.telemetry = tel
	}
}

// New creates a client over the ordered instance base URLs.
func New(instances []string, opts ...Option) (*Client, error) {
	if len(instances) == 0 {
		return nil, errors.New("fetch: at least one instance is required")
	}

	c := &Client{
		instances: make([]string, 0, len(instances)),
	}

	for _, i := range instances {
		c.instances = append(c.instances, strings.TrimRight(i, "/"))
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.http == nil {
		c.http = NewHTTPClient(DefaultTimeouts)
	}

	return c, nil
}

// Instances returns the configured instance base URLs in order.
func (c *Client) Instances() []string {
	return append([]string(nil), c.instances...)
}

// Current returns the index of the instance the next call starts from.
func (c *Client) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

// Attempts returns how many instance requests the client made so far.
func (c *Client) Attempts() int64 {
	return c.attempts.Load()
}

func (c *Client) startIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

// advance moves past a failed instance. A concurrent call that already moved
// the index away from failed is left alone.
func (c *Client) advance(failed int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == failed {
		c.current = (failed + 1) % len(c.instances)
	}
}

// Get runs path against the instances starting from the current one and
// returns the first successfully parsed body. Transport errors, non-2xx
// responses, parse errors and nil results all move on to the next instance.
// After every instance failed once, Get reports no result with ok false.
func Get[T any](ctx context.Context, c *Client, path string, query url.Values, parse func([]byte) (*T, error)) (*T, bool) {
	logger := logctx.LoggerFromContext(ctx)

	idx := c.startIndex()

	for range c.instances {
		if ctx.Err() != nil {
			return nil, false
		}

		instance := c.instances[idx]

		result, err := attempt(ctx, c, instance, path, query, parse)
		if err == nil {
			return result, true
		}

		// The caller gave up; the instance did not fail.
		if ctx.Err() != nil {
			return nil, false
		}

		logger.WarnContext(ctx, "instance request failed, trying next", "instance", instance, "path", path, "err", err)

		c.advance(idx)
		idx = (idx + 1) % len(c.instances)
	}

	logger.ErrorContext(ctx, "all instances failed", "path", path, "instances", len(c.instances))

	return nil, false
}

// List wraps Get for list endpoints; no result becomes an empty slice.
func List[T any](ctx context.Context, c *Client, path string, query url.Values, parse func([]byte) ([]T, error)) []T {
	res, ok := Get(ctx, c, path, query, func(b []byte) (*[]T, error) {
		items, err := parse(b)
		if err != nil {
			return nil, err
		}

		return &items, nil
	})
	if !ok || *res == nil {
		return []T{}
	}

	return *res
}

// One wraps Get for single item endpoints; no result becomes nil.
func One[T any](ctx context.Context, c *Client, path string, query url.Values, parse func([]byte) (*T, error)) *T {
	res, _ := Get(ctx, c, path, query, parse)

	return res
}

// JSON returns a parser decoding a JSON body into T.
func JSON[T any]() func([]byte) (*T, error) {
	return func(b []byte) (*T, error) {
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, err
		}

		return &v, nil
	}
}

func attempt[T any](ctx context.Context, c *Client, instance, path string, query url.Values, parse func([]byte) (*T, error)) (*T, error) {
	c.attempts.Add(1)

	resp, err := c.do(ctx, buildURL(instance, path, query))
	if err != nil {
		c.telemetry.RecordFetchAttempt(ctx, "network_error")

		return nil, &InstanceError{Instance: instance, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.telemetry.RecordFetchAttempt(ctx, "http_error")

		return nil, &InstanceError{Instance: instance, StatusCode: resp.StatusCode, Reason: http.StatusText(resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		c.telemetry.RecordFetchAttempt(ctx, "network_error")

		return nil, &InstanceError{Instance: instance, StatusCode: resp.StatusCode, Reason: "failed to read body", Err: err}
	}

	result, err := parse(body)
	if err != nil || result == nil {
		c.telemetry.RecordFetchAttempt(ctx, "parse_error")

		return nil, &InstanceError{Instance: instance, StatusCode: resp.StatusCode, Reason: "unparsable body", Err: err}
	}

	c.telemetry.RecordFetchAttempt(ctx, "success")

	return result, nil
}

// Open streams the body at rawURL. Relative paths go through the instance
// failover loop; absolute URLs are fetched once. The caller closes the body.
func (c *Client) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	if u.IsAbs() {
		c.attempts.Add(1)

		return c.open(ctx, u.Scheme+"://"+u.Host, rawURL)
	}

	logger := logctx.LoggerFromContext(ctx)

	idx := c.startIndex()

	var lastErr error

	for range c.instances {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}

		instance := c.instances[idx]
		c.attempts.Add(1)

		body, size, err := c.open(ctx, instance, instance+"/"+strings.TrimLeft(rawURL, "/"))
		if err == nil {
			return body, size, nil
		}

		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}

		logger.WarnContext(ctx, "instance stream failed, trying next", "instance", instance, "path", rawURL, "err", err)

		lastErr = err

		c.advance(idx)
		idx = (idx + 1) % len(c.instances)
	}

	return nil, 0, &ExhaustedError{Path: rawURL, Attempts: len(c.instances), Err: lastErr}
}

func (c *Client) open(ctx context.Context, instance, fullURL string) (io.ReadCloser, int64, error) {
	resp, err := c.do(ctx, fullURL)
	if err != nil {
		c.telemetry.RecordFetchAttempt(ctx, "network_error")

		return nil, 0, &InstanceError{Instance: instance, Reason: "request failed", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		c.telemetry.RecordFetchAttempt(ctx, "http_error")

		return nil, 0, &InstanceError{Instance: instance, StatusCode: resp.StatusCode, Reason: http.StatusText(resp.StatusCode)}
	}

	c.telemetry.RecordFetchAttempt(ctx, "success")

	return resp.Body, resp.ContentLength, nil
}

func (c *Client) do(ctx context.Context, fullURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	return c.http.Do(req)
}

func buildURL(instance, path string, query url.Values) string {
	full := instance + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		full += "?" + query.Encode()
	}

	return full
}

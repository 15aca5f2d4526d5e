// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/relaybot/internal/util"
)

// Configuration constants.
const (
	// DefaultAttempts is the number of tries per logical call.
	DefaultAttempts = 3

	// DefaultInterval is the pause between a recovery and the next try.
	DefaultInterval = 2 * time.Second

	// MaxErrorBody caps how much of a failed response body is kept.
	MaxErrorBody = 64 * 1024
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrEmptyStream indicates a streamed response that carried no content.
// Expired derived credentials often produce exactly this.
var ErrEmptyStream = errors.New("empty stream")

// HTTPError is a non-2xx upstream response.
type HTTPError struct {
	StatusCode int
	Status     string
	Method     string
	URL        string
	Body       []byte
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	body := util.TruncateRunes(string(bytes.TrimSpace(e.Body)), 200)
	if body == "" {
		return fmt.Sprintf("%s %s: %s", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Method, e.URL, e.Status, body)
}

// ExhaustedError is returned when every attempt failed with a recoverable
// condition.
type ExhaustedError struct {
	Method   string
	URL      string
	Attempts int
	Last     error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed to fetch %s after %d attempts: %v", e.URL, e.Attempts, e.Last)
}

// Unwrap returns the last underlying error.
func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// =============================================================================
// TRANSPORT
// =============================================================================

// Transport executes HTTP calls with bounded, condition-driven retries.
type Transport struct {
	client     *http.Client
	attempts   int
	interval   time.Duration
	conditions []Condition
	limiter    *rate.Limiter
	name       string
	redact     func(string) string

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Transport.
type Option func(*Transport)

// WithAttempts sets the number of tries per call. Values below 1 are ignored.
func WithAttempts(n int) Option {
	return func(t *Transport) {
		if n >= 1 {
			t.attempts = n
		}
	}
}

// WithInterval sets the pause between tries.
func WithInterval(d time.Duration) Option {
	return func(t *Transport) {
		if d >= 0 {
			t.interval = d
		}
	}
}

// WithConditions replaces the condition list. Order matters: the first
// matching condition handles the error.
func WithConditions(conds ...Condition) Option {
	return func(t *Transport) {
		t.conditions = conds
	}
}

// WithLimiter gates every attempt on a rate limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(t *Transport) {
		t.limiter = l
	}
}

// WithName labels log lines, usually with the platform key.
func WithName(name string) Option {
	return func(t *Transport) {
		t.name = name
	}
}

// WithRedaction rewrites URLs before they reach logs or errors.
// SECURITY: APIs that carry secrets in the path (bot tokens) must set this.
func WithRedaction(fn func(string) string) Option {
	return func(t *Transport) {
		t.redact = fn
	}
}

// New creates a Transport over client. The client is shared and owned by
// the caller; the transport never closes it.
func New(client *http.Client, opts ...Option) *Transport {
	t := &Transport{
		client:     client,
		attempts:   DefaultAttempts,
		interval:   DefaultInterval,
		conditions: DefaultConditions(Hooks{}),
		name:       "upstream",
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Client returns the underlying shared client.
func (t *Transport) Client() *http.Client {
	return t.client
}

// Attempts returns the configured number of tries.
func (t *Transport) Attempts() int {
	return t.attempts
}

// Do executes req, passing each successful (2xx) response to handle. The
// response body is closed after handle returns. Errors from handle take
// part in condition matching just like transport errors, which is how an
// empty stream becomes retryable.
//
// Recover hooks may mutate req in place; every attempt clones req afresh,
// so patched headers apply to the next try.
func (t *Transport) Do(ctx context.Context, req *http.Request, handle func(*http.Response) error) error {
	if err := makeReplayable(req); err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		err := t.once(ctx, req, handle)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		cond := t.match(err)
		if cond == nil {
			return err
		}
		if attempt >= t.attempts {
			return &ExhaustedError{Method: req.Method, URL: t.scrub(req.URL.String()), Attempts: t.attempts, Last: err}
		}

		log.Printf("%s: %s %s hit %s (attempt %d/%d): %v", t.name, req.Method, t.scrub(req.URL.Path), cond.Name, attempt, t.attempts, err)
		if cond.Recover != nil {
			if rerr := cond.Recover(ctx, err, req); rerr != nil {
				return rerr
			}
		}
		if err := t.sleep(ctx, t.interval); err != nil {
			return err
		}
	}
}

// once performs a single attempt.
func (t *Transport) once(ctx context.Context, req *http.Request, handle func(*http.Response) error) error {
	attemptReq := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return fmt.Errorf("failed to replay request body: %w", err)
		}
		attemptReq.Body = body
	}

	start := time.Now()
	resp, err := t.client.Do(attemptReq)
	if err != nil {
		var urlErr *url.Error
		if t.redact != nil && errors.As(err, &urlErr) {
			return fmt.Errorf("request failed: %s %s: %w", urlErr.Op, t.scrub(urlErr.URL), urlErr.Err)
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	// Keys never reach the logs: only method, path, status and timing.
	log.Printf("%s: %s %s -> %d (%v)", t.name, req.Method, t.scrub(req.URL.Path), resp.StatusCode, time.Since(start).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBody))
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Method:     req.Method,
			URL:        t.scrub(req.URL.String()),
			Body:       body,
		}
	}
	if handle == nil {
		return nil
	}
	return handle(resp)
}

func (t *Transport) scrub(s string) string {
	if t.redact == nil {
		return s
	}
	return t.redact(s)
}

func (t *Transport) match(err error) *Condition {
	for i := range t.conditions {
		if t.conditions[i].Match != nil && t.conditions[i].Match(err) {
			return &t.conditions[i]
		}
	}
	return nil
}

// makeReplayable ensures the request body can be re-read on every attempt.
func makeReplayable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to buffer request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// =============================================================================
// SHARED CLIENT
// =============================================================================

// NewPooledClient builds the process-wide HTTP client. There is no client
// timeout: streaming responses are bounded by the request context instead.
// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
func NewPooledClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
}

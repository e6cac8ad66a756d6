// Package client sends delivery requests to the destination API with
// retries, optional rate limiting and an optional circuit breaker.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/lsm/target-api/internal/correlation"
	"github.com/lsm/target-api/internal/observability"
	"github.com/lsm/target-api/internal/redact"
	"github.com/lsm/target-api/internal/retry"
	"github.com/lsm/target-api/internal/tracing"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 10 << 20

// Request is one HTTP exchange with the destination.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a successful (2xx) reply.
type Response struct {
	StatusCode    int
	Header        http.Header
	Body          []byte
	Attempts      int
	CorrelationID correlation.ID
}

// Config holds the configuration for a Client.
type Config struct {
	Timeout   time.Duration
	Retry     retry.Config
	RateLimit float64
	RateBurst int
	Breaker   BreakerConfig
}

// Client delivers requests to one destination.
type Client struct {
	http    *http.Client
	retry   retry.Config
	limiter *rate.Limiter
	breaker *breaker
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	masker  *redact.Masker
	clock   func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(cl *Client) { cl.tracer = t }
}

// WithMasker sets the masker applied to every diagnostic.
func WithMasker(m *redact.Masker) Option {
	return func(cl *Client) { cl.masker = m }
}

// WithClock sets a custom clock for testing the breaker.
func WithClock(clock func() time.Time) Option {
	return func(cl *Client) { cl.clock = clock }
}

// New creates a Client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	c := &Client{
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry:  cfg.Retry,
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("client"),
		clock:  time.Now,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = max(int(cfg.RateLimit), 1)
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = newBreaker(cfg.Breaker, c.clock, func(s BreakerState) {
		c.metrics.SetCircuitState(int(s))
		c.logger.Warn("circuit breaker state changed", "state", s.String())
	})
	return c
}

// BreakerState reports the endpoint circuit state; Closed when disabled.
func (c *Client) BreakerState() BreakerState { return c.breaker.current() }

// Send performs req, retrying retriable failures with exponential backoff.
// The returned error is a *FatalError, a *retry.ExhaustedError wrapping a
// *RetriableError, or the context error.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	ctx, span := tracing.StartSpan(ctx, c.tracer, tracing.SpanHTTPSend,
		trace.WithAttributes(tracing.HTTPMethodAttr(req.Method)))
	defer span.End()

	cfg := c.retry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.metrics.ObserveRetry(retryReason(err))
		c.logger.InfoContext(ctx, "retrying request", "attempt", attempt+1, "delay", delay.String())
		if c.retry.OnRetry != nil {
			c.retry.OnRetry(attempt, delay, err)
		}
	}

	var out *Response
	err := retry.Do(ctx, cfg, func(attempt int) error {
		resp, err := c.attempt(ctx, req)
		if err != nil {
			return err
		}
		resp.Attempts = attempt + 1
		out = resp
		return nil
	})
	if err != nil {
		tracing.SetSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(tracing.HTTPStatusAttr(out.StatusCode), tracing.AttemptAttr(out.Attempts))
	if out.CorrelationID.Value != "" {
		span.SetAttributes(tracing.CorrelationAttr(out.CorrelationID.Value))
	}
	tracing.SetSpanOK(span)
	return out, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) attempt(ctx context.Context, req Request) (*Response, error) {
	curl := c.masker.Curl(req.Method, req.URL, req.Header, req.Body)

	if err := c.breaker.allow(); err != nil {
		c.metrics.ObserveAttempt("circuit_open")
		return nil, &RetriableError{Message: err.Error(), Curl: curl, Err: err}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, retry.Permanent(err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, retry.Permanent(&FatalError{Message: c.masker.Error(fmt.Errorf("create request: %w", err)), Curl: curl})
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, err, curl)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.transportError(ctx, err, curl)
	}

	class := statusClass(resp.StatusCode)
	c.metrics.ObserveAttempt(class)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.breaker.success()
		c.logger.DebugContext(ctx, "request succeeded", "status", resp.StatusCode, "url", c.masker.URL(req.URL))
		return &Response{
			StatusCode:    resp.StatusCode,
			Header:        resp.Header,
			Body:          body,
			CorrelationID: correlation.FromResponse(resp.Header),
		}, nil
	}

	msg := statusMessage(c.masker, resp.StatusCode, req.URL, body)
	c.logger.WarnContext(ctx, "request failed", "status", resp.StatusCode, "error", msg, "curl", curl)
	if IsRetriableStatus(resp.StatusCode) {
		c.breaker.failure()
		return nil, &RetriableError{StatusCode: resp.StatusCode, Message: msg, Curl: curl}
	}
	return nil, retry.Permanent(&FatalError{StatusCode: resp.StatusCode, Message: msg, Curl: curl})
}

// transportError classifies a failure below HTTP: timeouts are retried,
// cancellation and every other network error end the delivery.
func (c *Client) transportError(ctx context.Context, err error, curl string) error {
	if ctx.Err() != nil {
		return retry.Permanent(ctx.Err())
	}
	msg := c.masker.Error(err)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.metrics.ObserveAttempt("timeout")
		c.breaker.failure()
		c.logger.WarnContext(ctx, "request timed out", "error", msg, "curl", curl)
		return &RetriableError{Message: msg, Curl: curl, Err: errors.New(msg)}
	}
	c.metrics.ObserveAttempt("network")
	c.logger.WarnContext(ctx, "request failed", "error", msg, "curl", curl)
	return retry.Permanent(&FatalError{Message: msg, Curl: curl, Err: errors.New(msg)})
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code == http.StatusTooManyRequests:
		return "429"
	case code >= 500:
		return "5xx"
	default:
		return "4xx"
	}
}

func retryReason(err error) string {
	var re *RetriableError
	if !errors.As(err, &re) {
		return "unknown"
	}
	switch {
	case errors.Is(re, ErrCircuitOpen):
		return "circuit_open"
	case re.StatusCode == 0:
		return "timeout"
	default:
		return statusClass(re.StatusCode)
	}
}

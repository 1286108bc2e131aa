// Package backend is the REST client for the fleet backend. Every outgoing
// request passes through one interceptor that attaches the session's bearer
// token, a circuit breaker, bounded retry for idempotent methods and an
// optional client-side rate limit. Backend statuses are mapped onto the BFF
// error taxonomy here and nowhere else.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pitabwire/nexusbff/internal/config"
	"github.com/pitabwire/nexusbff/internal/observability"
	"github.com/pitabwire/nexusbff/model"
)

// maxResponseBytes caps how much of a backend response is read.
const maxResponseBytes = 10 << 20

// Client calls the fleet backend.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *CircuitBreaker
	retry   config.RetryConfig
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPTransport replaces the base transport under the auth interceptor.
func WithHTTPTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.http.Transport = otelhttp.NewTransport(&authTransport{next: rt})
	}
}

// New creates a backend client from configuration.
func New(cfg config.BackendConfig, logger *zap.Logger, metrics *observability.Metrics, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(&authTransport{next: base}),
		},
		breaker: NewCircuitBreaker(
			cfg.CircuitBreaker.FailureThreshold,
			cfg.CircuitBreaker.SuccessThreshold,
			cfg.CircuitBreaker.Timeout,
		),
		retry:   cfg.Retry,
		logger:  logger,
		metrics: metrics,
	}
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}
	c.breaker.OnStateChange(func(s BreakerState) {
		c.metrics.SetBackendCircuitBreakerState(float64(s))
		c.logger.Warn("backend circuit breaker state changed", zap.String("state", s.String()))
	})

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breaker returns the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// HealthCheck fails while the circuit breaker is open.
func (c *Client) HealthCheck(context.Context) error {
	if c.breaker.State() == BreakerOpen {
		return errBreakerOpen
	}
	return nil
}

// call is one logical backend request.
type call struct {
	endpoint Endpoint
	path     string
	query    url.Values
	body     any
}

// do executes c with retry and maps a non-2xx response to an ErrorEnvelope.
func (c *Client) do(ctx context.Context, cl call) (json.RawMessage, error) {
	var payload []byte
	if cl.body != nil {
		var err error
		payload, err = json.Marshal(cl.body)
		if err != nil {
			return nil, fmt.Errorf("backend: marshal %s body: %w", cl.endpoint, err)
		}
		c.logBody(ctx, cl.endpoint, payload)
	}

	reqURL := c.baseURL + cl.path
	if len(cl.query) > 0 {
		reqURL += "?" + cl.query.Encode()
	}

	status, body, err := c.executeWithRetry(ctx, cl.endpoint, reqURL, payload)
	if err != nil {
		return nil, err
	}
	if status >= 200 && status < 300 {
		return body, nil
	}
	return nil, statusError(status, body)
}

// executeWithRetry wraps executeOnce with retry logic and exponential backoff.
// Only idempotent methods are retried.
func (c *Client) executeWithRetry(ctx context.Context, ep Endpoint, reqURL string, payload []byte) (int, []byte, error) {
	maxAttempts := 1
	if isIdempotentMethod(ep.Method) && c.retry.MaxAttempts > 1 {
		maxAttempts = c.retry.MaxAttempts
	}

	var (
		status int
		body   []byte
		err    error
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.metrics.RecordBackendRetry()
			select {
			case <-ctx.Done():
				return 0, nil, fmt.Errorf("backend: %s: %w", ep, ctx.Err())
			case <-time.After(calculateBackoff(c.retry, attempt)):
			}
		}

		status, body, err = c.executeOnce(ctx, ep, reqURL, payload)
		if errors.Is(err, errBreakerOpen) {
			return 0, nil, model.NewBackendUnavailableError()
		}
		if err != nil {
			if !isRetryableError(err) {
				return 0, nil, err
			}
			c.logger.Debug("backend: retrying after error",
				zap.String("endpoint", ep.String()),
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts),
				zap.Error(err),
			)
			continue
		}
		if isRetryableStatus(status) && attempt < maxAttempts-1 {
			c.logger.Debug("backend: retrying after status",
				zap.String("endpoint", ep.String()),
				zap.Int("attempt", attempt+1),
				zap.Int("status", status),
			)
			continue
		}
		return status, body, nil
	}
	if err != nil {
		return 0, nil, err
	}
	return status, body, nil
}

// executeOnce performs a single HTTP request with circuit breaker protection.
func (c *Client) executeOnce(ctx context.Context, ep Endpoint, reqURL string, payload []byte) (int, []byte, error) {
	if err := c.breaker.Allow(); err != nil {
		return 0, nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, fmt.Errorf("backend: rate limit wait: %w", err)
		}
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, ep.Method, reqURL, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordBackendRequest(ep.String(), 0, time.Since(start))
		return 0, nil, c.transportError(ctx, ep, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.RecordBackendRequest(ep.String(), resp.StatusCode, time.Since(start))
	if err != nil {
		c.breaker.RecordFailure()
		return 0, nil, model.NewBackendUnavailableError()
	}

	// 4xx are not infrastructure failures.
	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
	} else if resp.StatusCode < 400 {
		c.breaker.RecordSuccess()
	}
	return resp.StatusCode, body, nil
}

func (c *Client) transportError(ctx context.Context, ep Endpoint, err error) error {
	// The caller went away; that says nothing about backend health.
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("backend: %s: %w", ep, ctx.Err())
	}

	c.breaker.RecordFailure()
	c.logger.Warn("backend request failed", zap.String("endpoint", ep.String()), zap.Error(err))

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return model.NewBackendTimeoutError()
	}
	return model.NewBackendUnavailableError()
}

func (c *Client) logBody(ctx context.Context, ep Endpoint, payload []byte) {
	if !c.logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return
	}
	observability.RequestLogger(ctx, c.logger).Debug("backend request body",
		zap.String("endpoint", ep.String()),
		zap.Any("body", observability.Redact(fields)),
	)
}

// statusError maps a non-2xx backend status onto the error taxonomy.
func statusError(status int, body []byte) error {
	msg := backendMessage(body)
	switch {
	case status == http.StatusUnauthorized:
		return model.NewUnauthorizedError("The session is no longer valid")
	case status == http.StatusForbidden:
		return model.NewForbiddenError("You do not have permission for this action")
	case status == http.StatusNotFound:
		return model.NewNotFoundError(orDefault(msg, "Resource not found"))
	case status == http.StatusConflict:
		return model.NewConflictError(orDefault(msg, "The resource was modified concurrently"))
	case status == http.StatusTooManyRequests:
		return model.NewRateLimitedError()
	case status == http.StatusGatewayTimeout:
		return model.NewBackendTimeoutError()
	case status >= 500:
		return model.NewBackendUnavailableError()
	case status >= 400:
		return model.NewBadRequestError(orDefault(msg, "The backend rejected the request"))
	}
	return fmt.Errorf("backend: unexpected status %d", status)
}

// backendMessage extracts the "message" field of a backend error body.
func backendMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return ""
	}
	msg := strings.TrimSpace(payload.Message)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// --- classification helpers ---

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isRetryableError reports whether a transport-level failure is worth another
// attempt. A cancelled caller is not.
func isRetryableError(err error) bool {
	return model.IsNetworkError(err)
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			delay = cfg.BackoffMax
			break
		}
	}
	return delay
}

// Package httpclient provides the shared retrying HTTP client used by
// the LLM providers and the work-tracker client.
package httpclient

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"time"
)

type RetryStrategy int

const (
	NoRetry RetryStrategy = iota
	ConservativeRetry
	SmartRetry
)

// RateLimitInfo carries retry hints parsed from response headers.
type RateLimitInfo struct {
	RetryAfter        time.Duration
	ResetTime         int64
	RequestsRemaining int
}

type RateLimitHeaderParser func(http.Header) RateLimitInfo

type RetryStrategyFunc func(statusCode int) RetryStrategy

// Timeouts configures the transport-level timeouts. A zero ReadTimeout
// disables the overall request deadline, which matters for local CPU
// inference where a generation can take arbitrarily long.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
	Pool    time.Duration
}

// DefaultTimeouts returns the standard provider timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect: 10 * time.Second,
		Read:    1800 * time.Second,
		Write:   30 * time.Second,
		Pool:    10 * time.Second,
	}
}

type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	headerParser RateLimitHeaderParser
	strategyFunc RetryStrategyFunc
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithMaxRetries(max int) Option {
	return func(c *Client) {
		c.maxRetries = max
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

func WithHeaderParser(parser RateLimitHeaderParser) Option {
	return func(c *Client) {
		c.headerParser = parser
	}
}

func WithRetryStrategy(strategyFunc RetryStrategyFunc) Option {
	return func(c *Client) {
		c.strategyFunc = strategyFunc
	}
}

// WithTimeouts builds an http.Client whose transport honors the given
// timeouts and installs it.
func WithTimeouts(t Timeouts) Option {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: t.Connect,
		}).DialContext,
		TLSHandshakeTimeout:   t.Connect,
		ResponseHeaderTimeout: t.Read,
		ExpectContinueTimeout: t.Write,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
	}
	return func(c *Client) {
		c.client = &http.Client{
			Transport: transport,
			Timeout:   t.Read, // 0 means unbounded
		}
	}
}

func New(opts ...Option) *Client {
	client := &Client{
		client:       &http.Client{Timeout: 60 * time.Second},
		maxRetries:   3,
		baseDelay:    2 * time.Second,
		strategyFunc: DefaultRetryStrategy,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

func DefaultRetryStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusServiceUnavailable:
		return SmartRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

// Do performs the request, retrying per the configured strategy. The
// request body must be rewindable (GetBody set) for retries to work.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, strategy, retryInfo, err := c.attemptRequest(req)

		if strategy == NoRetry || err == nil {
			return resp, err
		}

		if attempt >= c.maxRetries {
			statusCode := 0
			if resp != nil {
				statusCode = resp.StatusCode
			}
			return resp, &RetryableError{
				StatusCode: statusCode,
				Message:    fmt.Sprintf("max HTTP retries (%d) exceeded", c.maxRetries),
				RetryAfter: c.calculateDelay(strategy, attempt, retryInfo),
				Err:        err,
			}
		}

		delay := c.calculateDelay(strategy, attempt, retryInfo)
		if delay <= 0 {
			return resp, err
		}

		c.logRetry(strategy, delay, attempt, resp)
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(delay)
	}

	return nil, &RetryableError{
		Message: fmt.Sprintf("max retries exceeded after %d attempts", c.maxRetries),
		Err:     fmt.Errorf("max retries exceeded"),
	}
}

func (c *Client) attemptRequest(req *http.Request) (*http.Response, RetryStrategy, RateLimitInfo, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, NoRetry, RateLimitInfo{}, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, NoRetry, RateLimitInfo{}, nil
	}

	var retryInfo RateLimitInfo
	if c.headerParser != nil {
		retryInfo = c.headerParser(resp.Header)
	}

	strategy := c.strategyFunc(resp.StatusCode)

	return resp, strategy, retryInfo, fmt.Errorf("HTTP %d", resp.StatusCode)
}

func (c *Client) calculateDelay(strategy RetryStrategy, attempt int, retryInfo RateLimitInfo) time.Duration {
	switch strategy {
	case SmartRetry:
		if retryInfo.RetryAfter > 0 {
			return retryInfo.RetryAfter
		}
		if retryInfo.ResetTime > 0 {
			delay := time.Until(time.Unix(retryInfo.ResetTime, 0))
			if delay > 0 {
				return delay
			}
		}
		exponentialDelay := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
		jitter := time.Duration(float64(exponentialDelay) * 0.1)
		return exponentialDelay + jitter

	case ConservativeRetry:
		// Server errors get at most two quick retries.
		if attempt >= 2 {
			return 0
		}
		return time.Duration(2+attempt) * time.Second

	default:
		return 0
	}
}

func (c *Client) logRetry(strategy RetryStrategy, delay time.Duration, attempt int, resp *http.Response) {
	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}

	switch strategy {
	case SmartRetry:
		slog.Warn("Rate limited, retrying", "status", statusCode, "delay", delay, "attempt", attempt+1)
	case ConservativeRetry:
		slog.Warn("Server error, quick retry", "status", statusCode, "delay", delay, "attempt", attempt+1)
	}
}

// ParseRetryAfterHeaders is the default header parser: it understands
// Retry-After in seconds and RFC 3339 reset timestamps.
func ParseRetryAfterHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
			info.RetryAfter = seconds
		}
	}

	if resetStr := headers.Get("x-ratelimit-reset"); resetStr != "" {
		if resetTime, err := time.Parse(time.RFC3339, resetStr); err == nil {
			info.ResetTime = resetTime.Unix()
		}
	}

	return info
}

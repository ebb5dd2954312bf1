// Package retry provides an exponential-backoff wrapper for unary
// network operations. Unlike pkg/httpclient, which retries at the HTTP
// transport level using status codes and headers, this wrapper
// classifies arbitrary errors by their text and is applied around whole
// operations (LLM calls, tracker calls).
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/kadirpekel/patchsmith/pkg/config"
)

// Policy controls the backoff schedule.
type Policy struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
}

// DefaultPolicy returns the standard policy (3 retries, 1s base, 60s
// cap, base 2, jitter on).
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// FromConfig builds a policy from the retry configuration section.
func FromConfig(cfg *config.RetryConfig) Policy {
	if cfg == nil {
		return DefaultPolicy()
	}
	return Policy{
		MaxRetries:      cfg.MaxRetries,
		BaseDelay:       cfg.BaseDelay,
		MaxDelay:        cfg.MaxDelay,
		ExponentialBase: cfg.ExponentialBase,
		Jitter:          cfg.Jitter,
	}
}

// Delay computes the backoff before the attempt-th retry (0-based):
// min(base * expBase^attempt, max), optionally scaled by a random
// factor in [0.5, 1.0].
func (p Policy) Delay(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(attempt))
	if capped := float64(p.MaxDelay); delay > capped {
		delay = capped
	}
	if p.Jitter {
		delay *= 0.5 + rand.Float64()*0.5
	}
	return time.Duration(delay)
}

var nonRetryableTokens = []string{"400", "401", "403", "404", "422"}

var retryableTokens = []string{"429", "500", "502", "503", "504"}

var retryableKeywords = []string{
	"connection", "timeout", "network", "unreachable", "unavailable", "temporarily",
}

// IsRetryable classifies an error. Non-retryable status tokens win over
// everything else: a 401 inside a "connection" message is still fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	text := strings.ToLower(err.Error())

	for _, token := range nonRetryableTokens {
		if strings.Contains(text, token) {
			return false
		}
	}

	for _, token := range retryableTokens {
		if strings.Contains(text, token) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	for _, keyword := range retryableKeywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}

	return false
}

// Do runs op, retrying retryable failures up to policy.MaxRetries
// times. The context cancels both the waits and the operation.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(policy.Delay(attempt - 1)):
			}
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return zero, err
		}
	}

	return zero, lastErr
}

// Wrap returns op decorated with the policy. This is the higher-order
// form used to wrap provider and tracker calls once at construction.
func Wrap[T any](policy Policy, op func(ctx context.Context) (T, error)) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return DoValue(ctx, policy, op)
	}
}

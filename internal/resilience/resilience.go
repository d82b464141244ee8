// Package resilience wraps failsafe-go retry policies and sony/gobreaker
// circuit breakers behind the small surface the gateway needs.
package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sony/gobreaker"
)

// RetryConfig shapes a bounded exponential-backoff retry policy.
type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterDelay time.Duration
	// Abort reports errors that must not be retried (e.g. context
	// cancellation, validation failures).
	Abort func(err error) bool
}

// DefaultRetryConfig suits background persistence writes.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:  3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    15 * time.Second,
	JitterDelay: 250 * time.Millisecond,
	Abort: func(err error) bool {
		return err == context.Canceled || err == context.DeadlineExceeded
	},
}

// NewRetryPolicy builds a failsafe retry policy from cfg.
func NewRetryPolicy[R any](cfg RetryConfig) retrypolicy.RetryPolicy[R] {
	builder := retrypolicy.NewBuilder[R]().
		WithMaxRetries(cfg.MaxRetries).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay)
	if cfg.JitterDelay > 0 {
		builder = builder.WithJitter(cfg.JitterDelay)
	}
	if cfg.Abort != nil {
		builder = builder.AbortIf(func(_ R, err error) bool {
			return err != nil && cfg.Abort(err)
		})
	}
	return builder.Build()
}

// Retry runs fn under the policy built from cfg, honoring ctx.
func Retry[R any](ctx context.Context, cfg RetryConfig, fn func() (R, error)) (R, error) {
	return failsafe.With(NewRetryPolicy[R](cfg)).WithContext(ctx).Get(fn)
}

// BreakerConfig shapes a per-resource circuit breaker.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	MinRequests      uint32
	IsSuccessful     func(err error) bool
}

// DefaultBreakerConfig suits a per-account upstream breaker: short windows,
// trips on a handful of consecutive failures.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      2,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 4,
		MinRequests:      4,
		IsSuccessful:     func(err error) bool { return err == nil },
	}
}

// NewBreaker builds a gobreaker circuit breaker from cfg.
func NewBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= cfg.MinRequests &&
				counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: cfg.IsSuccessful,
	})
}

// Backoff computes the delay before the given zero-based attempt, with
// optional jitter, capped at maxDelay.
func Backoff(attempt int, baseDelay, maxDelay, jitterDelay time.Duration) time.Duration {
	delay := baseDelay * time.Duration(1<<attempt)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	if jitterDelay > 0 {
		delay += time.Duration(rand.Int64N(int64(jitterDelay)))
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// Wait sleeps for delay or until ctx is done, whichever comes first.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

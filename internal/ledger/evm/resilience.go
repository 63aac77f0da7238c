package evm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/sony/gobreaker"

	"github.com/klingon-exchange/klingon-htlcd/internal/contracts/htlc"
	"github.com/klingon-exchange/klingon-htlcd/pkg/logging"
)

// RetryConfig configures the backoff applied to read-only chain calls.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	MaxRetries      uint64
}

// DefaultRetryConfig keeps read retries well inside one tick.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsedTime:  3 * time.Second,
		MaxRetries:      2,
	}
}

// newBreaker builds the circuit breaker guarding one chain's RPC endpoint.
func newBreaker(name string, maxFailures uint32, openTimeout time.Duration, log *logging.Logger) *gobreaker.CircuitBreaker {
	if maxFailures == 0 {
		maxFailures = 5
	}
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("Circuit breaker state changed", "chain", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Cancellation, absent events and unmined receipts say nothing
			// about endpoint health.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return errors.Is(err, htlc.ErrEventNotFound) || errors.Is(err, ethereum.NotFound)
		},
	})
}

// call runs fn through the chain's breaker.
func call[T any](c *chain, fn func() (T, error)) (T, error) {
	var zero T
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return zero, err
	}
	return out.(T), nil
}

// read runs a side-effect free call through the breaker, retrying transient
// failures with exponential backoff.
func read[T any](ctx context.Context, c *chain, fn func() (T, error)) (T, error) {
	var result T

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		v, err := call(c, fn)
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if errors.Is(err, htlc.ErrEventNotFound) || errors.Is(err, ethereum.NotFound) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		result = v
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retry.InitialInterval
	policy.MaxInterval = c.retry.MaxInterval
	policy.MaxElapsedTime = c.retry.MaxElapsedTime

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, c.retry.MaxRetries), ctx))
	return result, err
}

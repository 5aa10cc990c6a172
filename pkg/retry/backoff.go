// Package retry runs an operation again after transient failures, waiting an
// exponentially growing, optionally jittered interval between attempts.
//
// mailscan uses it around the SQLite export, where a concurrent reader can
// hold the database lock for a short time:
//
//	err := retry.WithRetry(ctx, func() error {
//		return writeSnapshot(ctx, db)
//	}, retry.DefaultBackoffConfig())
//
// Return Stop(err) from the operation to give up without further attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/migadu/mailscan/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

// DefaultBackoffConfig suits local file locks: short waits, a handful of attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      5,
	}
}

// ExponentialBackoff returns the delay to wait before the given attempt.
// Attempt 1 waits InitialInterval; each later attempt multiplies it, capped
// at MaxInterval. With Jitter the delay lies in [d/2, d).
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 1 {
			return jitter(config.InitialInterval, config.Jitter)
		}

		interval := float64(config.InitialInterval) * math.Pow(config.Multiplier, float64(attempt-1))
		if interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}

		return jitter(time.Duration(interval), config.Jitter)
	}
}

func jitter(d time.Duration, enabled bool) time.Duration {
	if !enabled || d < 2 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)))
}

type RetryableFunc func() error

// StopError wraps an error to indicate that retries should stop immediately
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError checks if an error is a StopError
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// WithRetry calls fn until it succeeds, returns a StopError, the context is
// cancelled, or MaxRetries additional attempts have failed. A StopError is
// unwrapped before being returned.
func WithRetry(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-timer.C:
			}
		}

		attempts++
		err := fn()
		if err == nil {
			return nil
		}

		var stopErr StopError
		if errors.As(err, &stopErr) {
			logger.Debug("Retry: permanent failure", "attempt", attempts, "error", stopErr.Err)
			return stopErr.Err
		}

		lastErr = err
		logger.Debug("Retry: attempt failed", "attempt", attempts, "max_attempts", config.MaxRetries+1, "error", err)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

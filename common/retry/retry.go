// Package retry provides exponential-backoff helpers for transient failures.
//
// Two entry points exist: Do runs a function with in-process retries, and
// Backoff computes the delay for a given attempt so callers that schedule
// their own retries (the sync outbox) share the same curve.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls the retry behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Zero or negative values are treated as 1 (no retries).
	MaxAttempts int
	// BaseDelay is the wait before the second attempt. Subsequent delays
	// double up to MaxDelay.
	BaseDelay time.Duration
	// MaxDelay caps the per-attempt wait.
	MaxDelay time.Duration
	// ShouldRetry optionally classifies errors as retryable. When nil,
	// every non-nil error is retried.
	ShouldRetry func(err error) bool
}

// DefaultConfig suits short-lived network calls.
var DefaultConfig = Config{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
}

// Backoff returns the delay to wait after the given failed attempt
// (1-based): base * 2^(attempt-1), capped at max. Non-positive inputs
// fall back to DefaultConfig values.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultConfig.BaseDelay
	}
	if max <= 0 {
		max = DefaultConfig.MaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Do calls fn up to cfg.MaxAttempts times, backing off exponentially
// between attempts. It stops early when ctx is cancelled or fn succeeds.
// The error from the last attempt is returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool { return true }
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}

		if attempt < cfg.MaxAttempts {
			delay := Backoff(attempt, cfg.BaseDelay, cfg.MaxDelay)
			slog.Debug("retry: attempt failed, retrying",
				"attempt", attempt, "max", cfg.MaxAttempts,
				"err", lastErr, "delay", delay)

			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	return lastErr
}

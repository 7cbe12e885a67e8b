// Package retry runs an operation with bounded exponential backoff.
//
//	cfg := retry.DefaultBackoffConfig()
//	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
//		return client.Call(ctx)
//	})
//
// Only errors accepted by cfg.Retryable are retried (by default every error
// classified as transient by package syncerr). Other errors are returned
// immediately. With jitter enabled the delay is baseDelay * (0.5 + random(0, 0.5)).
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/Martian-dev/mailsync/internal/syncerr"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int

	// Retryable decides whether an error is worth another attempt.
	// Defaults to syncerr.IsRetryable.
	Retryable func(error) bool
	// OnRetry is called before sleeping for the next attempt.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      4,
	}
}

// ExponentialBackoff returns the delay before the given attempt (1-based).
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return config.InitialInterval
		}

		interval := float64(config.InitialInterval) * math.Pow(config.Multiplier, float64(attempt-1))
		if interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}

		duration := time.Duration(interval)
		if config.Jitter && duration > 1 {
			jitter := time.Duration(rand.Int63n(int64(duration / 2)))
			duration = duration/2 + jitter
		}

		return duration
	}
}

// RetryAfterer is implemented by errors that carry a server-provided delay hint.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// Do calls fn until it succeeds, returns a non-retryable error, the retry
// budget is exhausted, or ctx is done.
func Do(ctx context.Context, config BackoffConfig, fn func(ctx context.Context) error) error {
	retryable := config.Retryable
	if retryable == nil {
		retryable = syncerr.IsRetryable
	}
	backoff := ExponentialBackoff(config)

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(attempt)
			var ra RetryAfterer
			if errors.As(lastErr, &ra) && ra.RetryAfter() > delay {
				delay = min(ra.RetryAfter(), config.MaxInterval)
			}
			if config.OnRetry != nil {
				config.OnRetry(attempt, delay, lastErr)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled by context: %w", errors.Join(ctx.Err(), lastErr))
			case <-timer.C:
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}

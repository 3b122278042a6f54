package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/storymind-ai/storymind/core"
)

// RetryConfig configures bounded retry with jittered exponential backoff.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// BaseDelay is the first backoff delay; subsequent delays double up to
	// CapDelay. Full jitter is applied to each delay.
	BaseDelay time.Duration
	CapDelay  time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Defaults to core.IsRetryable; safety verdicts are never retried.
	Retryable func(error) bool
}

// DefaultRetryConfig matches the orchestrator defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 2,
		BaseDelay:  250 * time.Millisecond,
		CapDelay:   2 * time.Second,
	}
}

// Retry executes fn with up to MaxRetries retries. Backoff sleeps observe
// context cancellation.
func Retry(ctx context.Context, cfg *RetryConfig, fn func(context.Context) error) error {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = core.IsRetryable
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := Backoff(cfg.BaseDelay, cfg.CapDelay, attempt)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}

// Backoff returns the jittered delay for the given attempt (1-based).
// Full jitter over an exponentially growing cap prevents synchronized
// retries across clients.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if cap <= 0 {
		cap = 2 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	// #nosec G404 -- jitter does not need crypto randomness
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

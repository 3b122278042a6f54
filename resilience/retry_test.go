package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/storymind-ai/storymind/core"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	cfg := &RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, CapDelay: 5 * time.Millisecond}

	attempts := 0
	err := Retry(context.Background(), cfg, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("attempt %d: %w", attempts, core.ErrUnavailable)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	cfg := &RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, CapDelay: 5 * time.Millisecond}

	attempts := 0
	err := Retry(context.Background(), cfg, func(context.Context) error {
		attempts++
		return fmt.Errorf("verdict: %w", core.ErrBlockedContent)
	})
	if !errors.Is(err, core.ErrBlockedContent) {
		t.Fatalf("error = %v, want ErrBlockedContent", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1: safety verdicts are never retried", attempts)
	}
}

func TestRetryExhaustionWrapsLastError(t *testing.T) {
	cfg := &RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, CapDelay: 5 * time.Millisecond}

	attempts := 0
	err := Retry(context.Background(), cfg, func(context.Context) error {
		attempts++
		return fmt.Errorf("attempt %d: %w", attempts, core.ErrCircuitOpen)
	})
	if attempts != 3 {
		t.Fatalf("attempts = %d, want initial + 2 retries", attempts)
	}
	if !errors.Is(err, core.ErrCircuitOpen) {
		t.Fatalf("error = %v, want wrapped ErrCircuitOpen", err)
	}
}

func TestRetryObservesCancellation(t *testing.T) {
	cfg := &RetryConfig{MaxRetries: 5, BaseDelay: time.Hour, CapDelay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, cfg, func(context.Context) error {
			attempts++
			return core.ErrUnavailable
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("retry did not observe cancellation during backoff")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestBackoffBounds(t *testing.T) {
	base, cap := 250*time.Millisecond, 2*time.Second
	for attempt := 1; attempt <= 6; attempt++ {
		for i := 0; i < 50; i++ {
			d := Backoff(base, cap, attempt)
			if d <= 0 || d > cap {
				t.Fatalf("attempt %d: backoff %v outside (0, %v]", attempt, d, cap)
			}
		}
	}
}

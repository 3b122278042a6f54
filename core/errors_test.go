package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestWireCodeClassification(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrDeadlineExceeded, CodeDeadlineExceeded},
		{context.DeadlineExceeded, CodeDeadlineExceeded},
		{ErrCircuitOpen, CodeCircuitOpen},
		{ErrNoTarget, CodeNoTarget},
		{ErrOverloaded, CodeOverloaded},
		{ErrBlockedContent, CodeBlockedContent},
		{ErrCrisisDetected, CodeBlockedContent},
		{ErrConversationBusy, CodeBlockedContent},
		{ErrInvalidRequest, CodeInvalidRequest},
		{ErrConversationClosed, CodeInvalidRequest},
		{ErrUnavailable, CodeCircuitOpen},
		{errors.New("disk on fire"), CodeInternal},
		// Wrapped errors classify through the chain.
		{fmt.Errorf("routing kind narrative: %w", ErrNoTarget), CodeNoTarget},
		{fmt.Errorf("conversation c1: %w", ErrConversationBusy), CodeBlockedContent},
	}
	for _, tc := range cases {
		if got := WireCode(tc.err); got != tc.want {
			t.Errorf("WireCode(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []error{
		ErrUnavailable,
		ErrDeadlineExceeded,
		context.DeadlineExceeded,
		ErrCircuitOpen,
		fmt.Errorf("invoke agent-1: %w", ErrUnavailable),
	}
	for _, err := range retryable {
		if !IsRetryable(err) {
			t.Errorf("IsRetryable(%v) = false, want true", err)
		}
	}

	terminal := []error{
		nil,
		ErrBlockedContent,
		ErrCrisisDetected,
		ErrInvalidRequest,
		ErrNoTarget,
		ErrConversationBusy,
		errors.New("unexpected"),
	}
	for _, err := range terminal {
		if IsRetryable(err) {
			t.Errorf("IsRetryable(%v) = true, want false", err)
		}
	}
}

func TestCountsAsBreakerFailure(t *testing.T) {
	failures := []error{
		ErrUnavailable,
		ErrDeadlineExceeded,
		context.DeadlineExceeded,
		errors.New("connection reset"),
	}
	for _, err := range failures {
		if !CountsAsBreakerFailure(err) {
			t.Errorf("CountsAsBreakerFailure(%v) = false, want true", err)
		}
	}

	// Intentional rejections and client cancellations never trip breakers.
	benign := []error{
		nil,
		ErrBlockedContent,
		ErrCrisisDetected,
		ErrInvalidRequest,
		ErrConversationBusy,
		ErrConversationClosed,
		ErrInvalidConfiguration,
		context.Canceled,
		fmt.Errorf("payload rejected: %w", ErrBlockedContent),
	}
	for _, err := range benign {
		if CountsAsBreakerFailure(err) {
			t.Errorf("CountsAsBreakerFailure(%v) = true, want false", err)
		}
	}
}

func TestCoreErrorWrapping(t *testing.T) {
	err := NewCoreError("registry.Register", "registry", ErrAlreadyRegistered)
	err.ID = "agent-1"

	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatal("CoreError must unwrap to its sentinel")
	}
	if got := err.Error(); got != "registry.Register [agent-1]: agent already registered" {
		t.Fatalf("Error() = %q", got)
	}

	bare := &CoreError{Kind: "hub", Message: "ring evicted"}
	if got := bare.Error(); got != "ring evicted" {
		t.Fatalf("Error() = %q", got)
	}
}

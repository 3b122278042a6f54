package core

import (
	"context"
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Registry errors
	ErrAlreadyRegistered = errors.New("agent already registered")
	ErrUnknownAgent      = errors.New("unknown agent")
	ErrUnavailable       = errors.New("store unavailable")

	// Routing errors
	ErrNoTarget    = errors.New("no matching live agent")
	ErrOverloaded  = errors.New("all candidates saturated")
	ErrCircuitOpen = errors.New("circuit breaker open")

	// Pipeline errors
	ErrDeadlineExceeded   = errors.New("deadline exceeded")
	ErrConversationBusy   = errors.New("conversation has a request in flight")
	ErrConversationClosed = errors.New("conversation closed")
	ErrBlockedContent     = errors.New("content blocked by safety validation")
	ErrCrisisDetected     = errors.New("crisis content detected")
	ErrInvalidRequest     = errors.New("invalid request")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
)

// Wire error codes surfaced to clients over the WebSocket protocol.
const (
	CodeUnauthenticated  = "unauthenticated"
	CodeForbidden        = "forbidden"
	CodeOverloaded       = "overloaded"
	CodeDeadlineExceeded = "deadline-exceeded"
	CodeCircuitOpen      = "circuit-open"
	CodeNoTarget         = "no-target"
	CodeInvalidRequest   = "invalid-request"
	CodeBlockedContent   = "blocked-content"
	CodeInternal         = "internal"
)

// WireCode maps an error to the client-facing code from the protocol table.
// Unclassified errors surface as "internal".
func WireCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return CodeDeadlineExceeded
	case errors.Is(err, ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, ErrNoTarget):
		return CodeNoTarget
	case errors.Is(err, ErrOverloaded):
		return CodeOverloaded
	case errors.Is(err, ErrBlockedContent), errors.Is(err, ErrCrisisDetected), errors.Is(err, ErrConversationBusy):
		return CodeBlockedContent
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrConversationClosed):
		return CodeInvalidRequest
	case errors.Is(err, ErrUnavailable):
		return CodeCircuitOpen
	default:
		return CodeInternal
	}
}

// CoreError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type CoreError struct {
	Op      string // Operation that failed (e.g., "registry.Register")
	Kind    string // Error kind (e.g., "registry", "safety", "hub")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

func (e *CoreError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *CoreError) Unwrap() error {
	return e.Err
}

// NewCoreError creates a new CoreError.
func NewCoreError(op, kind string, err error) *CoreError {
	return &CoreError{Op: op, Kind: kind, Err: err}
}

// IsRetryable checks if an error may succeed on a later attempt.
// Safety verdicts and validation failures are never retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrDeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrCircuitOpen)
}

// IsSafetyVerdict checks if an error carries a terminal safety decision.
func IsSafetyVerdict(err error) bool {
	return errors.Is(err, ErrBlockedContent) || errors.Is(err, ErrCrisisDetected)
}

// IsConfigurationError checks if an error is configuration-related.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// CountsAsBreakerFailure reports whether an error should trip a circuit
// breaker. Intentional rejections (safety verdicts, validation errors) and
// client cancellations do not count; infrastructure failures do.
func CountsAsBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	if IsSafetyVerdict(err) {
		return false
	}
	if errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrConversationBusy) || errors.Is(err, ErrConversationClosed) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if IsConfigurationError(err) {
		return false
	}
	return true
}

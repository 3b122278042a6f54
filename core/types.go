package core

import (
	"encoding/json"
	"time"
)

// AgentKind classifies what role an agent plays in the pipeline.
type AgentKind string

const (
	KindInput     AgentKind = "input"
	KindWorld     AgentKind = "world"
	KindNarrative AgentKind = "narrative"
	KindSafety    AgentKind = "safety"
	KindCustom    AgentKind = "custom"
)

// AgentDescriptor is the registry's view of one running agent process.
// It is created on registration, mutated only by heartbeat or load update,
// and destroyed by TTL expiry or explicit deregistration.
type AgentDescriptor struct {
	ID            string    `json:"id"`
	Kind          AgentKind `json:"kind"`
	Capabilities  []string  `json:"capabilities"`
	Endpoint      string    `json:"endpoint"`
	Load          int       `json:"load"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// HasCapabilities reports whether the descriptor carries a superset of want.
func (d *AgentDescriptor) HasCapabilities(want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(d.Capabilities))
	for _, c := range d.Capabilities {
		have[c] = struct{}{}
	}
	for _, c := range want {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

// ConversationState is the lifecycle state of a conversation.
type ConversationState string

const (
	ConversationActive ConversationState = "active"
	ConversationPaused ConversationState = "paused"
	ConversationClosed ConversationState = "closed"
	ConversationCrisis ConversationState = "crisis"
)

// Conversation is an ordered, owner-scoped series of exchanges. It is the
// unit of single-in-flight serialization: at most one request may be in
// flight per conversation at any time.
type Conversation struct {
	ID        string            `json:"id"`
	OwnerID   string            `json:"owner_id"`
	CreatedAt time.Time         `json:"created_at"`
	State     ConversationState `json:"state"`

	// Sequence is the last assigned ordering sequence. The next message in
	// this conversation must carry Sequence+1.
	Sequence int64 `json:"sequence"`

	// RecentWarnings counts warn verdicts inside the strict-mode window.
	RecentWarnings int `json:"recent_warnings"`
}

// SafetyMode selects which safety stages run and with which thresholds.
type SafetyMode string

const (
	SafetyNormal SafetyMode = "normal"
	SafetyStrict SafetyMode = "strict"
	// SafetyCrisisBypass is used only by the crisis-response path to emit
	// pre-approved resources. Crisis detection still runs.
	SafetyCrisisBypass SafetyMode = "crisis-bypass"
)

// Valid reports whether m is one of the recognized safety modes.
func (m SafetyMode) Valid() bool {
	switch m {
	case SafetyNormal, SafetyStrict, SafetyCrisisBypass:
		return true
	}
	return false
}

// AgentRequest is a single routed call. RequestID doubles as the
// idempotency key for the orchestrator's dedup cache.
type AgentRequest struct {
	RequestID      string          `json:"request_id"`
	ConversationID string          `json:"conversation_id"`
	Kind           AgentKind       `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Deadline       time.Time       `json:"deadline"`
	SafetyMode     SafetyMode      `json:"safety_mode"`

	// Capabilities narrows routing to agents carrying all listed tags.
	Capabilities []string `json:"capabilities,omitempty"`
}

// ResponseStatus is the outcome class of a routed call.
type ResponseStatus string

const (
	StatusOK          ResponseStatus = "ok"
	StatusRejected    ResponseStatus = "rejected"
	StatusTransformed ResponseStatus = "transformed"
	StatusFailed      ResponseStatus = "failed"
)

// AgentResponse is the outcome of a routed call after safety validation.
type AgentResponse struct {
	RequestID    string          `json:"request_id"`
	Status       ResponseStatus  `json:"status"`
	Payload      json.RawMessage `json:"payload"`
	SafetyReport *SafetyReport   `json:"safety_report,omitempty"`
	Elapsed      time.Duration   `json:"elapsed"`
}

// Verdict is the outcome of the safety pipeline for one payload.
type Verdict string

const (
	VerdictPass   Verdict = "pass"
	VerdictWarn   Verdict = "warn"
	VerdictBlock  Verdict = "block"
	VerdictCrisis Verdict = "crisis"
)

// Severity ranks a safety finding.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Span marks the region of a payload a finding applies to. Start == End == 0
// with Whole set means the finding covers the entire payload.
type TextSpan struct {
	Start int  `json:"start"`
	End   int  `json:"end"`
	Whole bool `json:"whole,omitempty"`
}

// Finding is one rule match recorded by the safety pipeline.
type Finding struct {
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`
	Span     TextSpan `json:"span"`
}

// SafetyReport is the validation outcome for one payload. Reports are
// deterministic: identical input, rule set and mode produce byte-identical
// reports.
type SafetyReport struct {
	Verdict  Verdict   `json:"verdict"`
	Findings []Finding `json:"findings"`

	// TransformedPayload is present only when Verdict is warn and a rewrite
	// was applied (at most one rewrite per payload).
	TransformedPayload json.RawMessage `json:"transformed_payload,omitempty"`

	// Score is the aggregate of scoring-stage rules, when that stage ran.
	Score float64 `json:"score,omitempty"`
}

// Event is an immutable record broadcast to subscribers.
type Event struct {
	ID        string          `json:"event_id"`
	Topic     string          `json:"topic"`
	Sequence  int64           `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	OwnerID   string          `json:"owner_id"`
}

// Subscription is a connected client's interest filter.
type Subscription struct {
	ConnectionID string   `json:"connection_id"`
	OwnerID      string   `json:"owner_id"`
	Topics       []string `json:"topics"`

	// Since is the sequence to resume from, for at-least-once replay.
	// Nil means live-only.
	Since *int64 `json:"since,omitempty"`
}

// CircuitState is the per-target breaker state. It is process-local by
// design: each orchestrator instance gauges its own view of target health.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

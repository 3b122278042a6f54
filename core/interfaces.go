package core

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Logger is the minimal structured logging interface shared by all
// components. Implementations live in the telemetry package; components
// accept any Logger and default to NoOpLogger.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Recorder is the opaque metrics/trace surface the core emits through.
// Observability back-ends are out of scope; this is the only contract.
type Recorder interface {
	Counter(name string, value float64, labels map[string]string)
	Gauge(name string, value float64, labels map[string]string)
	Histogram(name string, value float64, labels map[string]string)
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Span represents one traced operation.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// AgentProxy is the uniform contract for invoking an external agent.
// Concrete adapters (HTTP, in-process test doubles) satisfy it; the core
// never sees past this interface.
type AgentProxy interface {
	// Describe returns the capability tags used for registration.
	Describe(ctx context.Context) ([]string, error)

	// Invoke performs one call. The context carries the request deadline;
	// implementations must observe cancellation.
	Invoke(ctx context.Context, req *AgentRequest) (*AgentResponse, error)

	// Health is a cheap liveness probe used by half-open breaker probes.
	Health(ctx context.Context) error
}

// ProxyDialer resolves a descriptor's endpoint to a live proxy.
type ProxyDialer interface {
	Dial(descriptor *AgentDescriptor) (AgentProxy, error)
}

// EventSink is the durable, append-only log of all messages and verdicts.
// The core persists no state of its own except through this contract.
type EventSink interface {
	Append(ctx context.Context, ownerID, conversationID string, sequence int64, payload json.RawMessage) error
}

// ConversationStore loads conversation state on first contact in an
// instance.
type ConversationStore interface {
	Load(ctx context.Context, conversationID string) (*Conversation, error)
}

// Store is a small TTL'd key-value contract used for the idempotency dedup
// cache. Redis-backed and in-memory implementations are provided.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Default no-op implementations.

// NoOpLogger discards all log output.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpRecorder discards all metrics and spans.
type NoOpRecorder struct{}

func (n *NoOpRecorder) Counter(name string, value float64, labels map[string]string)   {}
func (n *NoOpRecorder) Gauge(name string, value float64, labels map[string]string)     {}
func (n *NoOpRecorder) Histogram(name string, value float64, labels map[string]string) {}
func (n *NoOpRecorder) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

// NoOpSpan is the span returned by NoOpRecorder.
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}

// InMemoryStore is a Store for tests and single-instance deployments.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]memoryEntry
}

type memoryEntry struct {
	value   string
	expires time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]memoryEntry)}
}

func (m *InMemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	entry, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return "", nil
	}
	if !entry.expires.IsZero() && time.Now().After(entry.expires) {
		m.mu.Lock()
		delete(m.data, key)
		m.mu.Unlock()
		return "", nil
	}
	return entry.value, nil
}

func (m *InMemoryStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.data[key] = memoryEntry{value: value, expires: expires}
	m.mu.Unlock()
	return nil
}

func (m *InMemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// MemorySink is an EventSink that records appends in memory. Useful for
// tests and as a fallback when no durable log is configured.
type MemorySink struct {
	mu      sync.Mutex
	entries []SinkEntry
}

// SinkEntry is one recorded append.
type SinkEntry struct {
	OwnerID        string
	ConversationID string
	Sequence       int64
	Payload        json.RawMessage
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(ctx context.Context, ownerID, conversationID string, sequence int64, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(json.RawMessage, len(payload))
	copy(cp, payload)
	s.entries = append(s.entries, SinkEntry{
		OwnerID:        ownerID,
		ConversationID: conversationID,
		Sequence:       sequence,
		Payload:        cp,
	})
	return nil
}

// Entries returns a snapshot of all recorded appends.
func (s *MemorySink) Entries() []SinkEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SinkEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// EntriesFor returns the recorded appends for one conversation, ordered by
// sequence.
func (s *MemorySink) EntriesFor(conversationID string) []SinkEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SinkEntry
	for _, e := range s.entries {
		if e.ConversationID == conversationID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// MemoryConversationStore is a ConversationStore for tests and
// single-instance deployments.
type MemoryConversationStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{conversations: make(map[string]*Conversation)}
}

func (s *MemoryConversationStore) Load(ctx context.Context, conversationID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.conversations[conversationID]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

// Put stores a conversation for later Load calls.
func (s *MemoryConversationStore) Put(c *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.conversations[c.ID] = &cp
}

// Package hub delivers events to connected clients with at-least-once
// semantics per topic. Sequences are allocated through a shared coordinator
// so multiple orchestrator instances publish into one sequence space;
// cross-instance delivery rides the Redis pub/sub channel per topic, which
// each instance joins only while it has local subscribers for it.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/storymind-ai/storymind/core"
)

// Drop reasons surfaced in bye frames.
const (
	ReasonSlowConsumer   = "slow-consumer"
	ReasonAuthExpired    = "auth-expired"
	ReasonServerShutdown = "server-shutdown"
)

// Gap tells a subscriber that events [From, To] were evicted from the
// replay buffer before it could resume.
type Gap struct {
	Topic string
	From  int64
	To    int64
}

// Delivery is one item queued to a subscriber: a live or replayed event, or
// a gap notice.
type Delivery struct {
	Event *core.Event
	Gap   *Gap
}

// envelope is the fan-out wire format. Origin lets an instance skip its own
// echo, which it already delivered locally.
type envelope struct {
	Origin string     `json:"origin"`
	Event  core.Event `json:"event"`
}

// Hub is the event distribution core for one orchestrator instance.
type Hub struct {
	cfg        core.HubConfig
	instanceID string
	seq        Sequencer
	client     *redis.Client
	logger     core.Logger
	recorder   core.Recorder

	mu       sync.RWMutex
	rings    map[string]*ring
	sessions map[string]*Session
	// refs counts local subscriptions per pattern; the first reference
	// joins the matching Redis channel and the last one leaves it.
	refs   map[string]int
	closed bool

	psMu   sync.Mutex
	pubsub *redis.PubSub
}

// New creates a hub. client may be nil for single-instance deployments; the
// hub then delivers locally only.
func New(cfg core.HubConfig, instanceID string, seq Sequencer, client *redis.Client, logger core.Logger, recorder core.Recorder) *Hub {
	if cfg.TopicBuffer < 1 {
		cfg.TopicBuffer = 1024
	}
	if cfg.SlowConsumerWatermark < 1 {
		cfg.SlowConsumerWatermark = 256
	}
	if cfg.PublicTopicPrefix == "" {
		cfg.PublicTopicPrefix = "public."
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if recorder == nil {
		recorder = &core.NoOpRecorder{}
	}
	if seq == nil {
		seq = NewLocalSequencer()
	}
	return &Hub{
		cfg:        cfg,
		instanceID: instanceID,
		seq:        seq,
		client:     client,
		logger:     logger,
		recorder:   recorder,
		rings:      make(map[string]*ring),
		sessions:   make(map[string]*Session),
		refs:       make(map[string]int),
	}
}

// Start launches the fan-out consumer. Safe to skip when no Redis client
// was provided.
func (h *Hub) Start(ctx context.Context) {
	if h.client == nil {
		return
	}
	h.psMu.Lock()
	if h.pubsub == nil {
		h.pubsub = h.client.Subscribe(ctx)
		go h.consume(ctx)
	}
	h.psMu.Unlock()
}

// Shutdown disconnects every session with reason server-shutdown and stops
// the fan-out consumer.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.refs = make(map[string]int)
	h.mu.Unlock()

	for _, s := range sessions {
		s.close(ReasonServerShutdown)
	}

	h.psMu.Lock()
	if h.pubsub != nil {
		_ = h.pubsub.Close()
		h.pubsub = nil
	}
	h.psMu.Unlock()
}

// Publish allocates the next sequence for topic, buffers the event, delivers
// it to local subscribers and fans it out to peer instances.
func (h *Hub) Publish(ctx context.Context, topic, ownerID string, payload json.RawMessage) (*core.Event, error) {
	if !ValidTopic(topic) || IsPattern(topic) {
		return nil, fmt.Errorf("publish to topic %q: %w", topic, core.ErrInvalidRequest)
	}

	seq, err := h.seq.Next(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("publish to topic %s: %w", topic, err)
	}

	ev := core.Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		OwnerID:   ownerID,
	}
	h.ingest(ev)

	if h.client != nil {
		data, merr := json.Marshal(envelope{Origin: h.instanceID, Event: ev})
		if merr == nil {
			if perr := h.client.Publish(ctx, h.channel(topic), data).Err(); perr != nil {
				// Local subscribers already have the event; peers will
				// observe the gap through sequence numbers.
				h.logger.Warn("Event fan-out failed", map[string]interface{}{
					"topic":    topic,
					"sequence": seq,
					"error":    perr,
				})
			}
		}
	}

	h.recorder.Counter("hub.published", 1, map[string]string{"topic": topic})
	return &ev, nil
}

// Attach registers a connection with the hub and returns its session.
func (h *Hub) Attach(connectionID, ownerID string) (*Session, error) {
	if connectionID == "" {
		connectionID = uuid.New().String()
	}
	s := &Session{
		hub:     h,
		ID:      connectionID,
		OwnerID: ownerID,
		ch:      make(chan Delivery, h.cfg.SlowConsumerWatermark),
		dropC:   make(chan struct{}),
		topics:  make(map[string]struct{}),
		lastSeq: make(map[string]int64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("hub shut down: %w", core.ErrUnavailable)
	}
	if _, exists := h.sessions[connectionID]; exists {
		return nil, fmt.Errorf("connection %s: %w", connectionID, core.ErrInvalidRequest)
	}
	h.sessions[connectionID] = s
	h.recorder.Gauge("hub.sessions", float64(len(h.sessions)), nil)
	return s, nil
}

// ingest buffers the event and pushes it to every authorized local
// subscriber. Called for local publishes and for fan-in from peers.
func (h *Hub) ingest(ev core.Event) {
	h.ringFor(ev.Topic).append(ev)

	h.mu.RLock()
	var slow []*Session
	for _, s := range h.sessions {
		if !s.wants(ev.Topic) || !h.authorized(s, &ev) {
			continue
		}
		if !s.offer(Delivery{Event: &ev}) {
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.drop(s, ReasonSlowConsumer)
	}
}

// authorized applies the ownership filter. Public topics are open to every
// subscriber; ownerless events are system-wide status broadcasts.
func (h *Hub) authorized(s *Session, ev *core.Event) bool {
	if strings.HasPrefix(ev.Topic, h.cfg.PublicTopicPrefix) {
		return true
	}
	if ev.OwnerID == "" {
		return true
	}
	return ev.OwnerID == s.OwnerID
}

func (h *Hub) ringFor(topic string) *ring {
	h.mu.RLock()
	r := h.rings[topic]
	h.mu.RUnlock()
	if r != nil {
		return r
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r = h.rings[topic]; r == nil {
		r = newRing(h.cfg.TopicBuffer)
		h.rings[topic] = r
	}
	return r
}

// drop removes a session and tells it why.
func (h *Hub) drop(s *Session, reason string) {
	h.mu.Lock()
	if _, live := h.sessions[s.ID]; !live {
		h.mu.Unlock()
		s.close(reason)
		return
	}
	delete(h.sessions, s.ID)
	released := s.patterns()
	for _, p := range released {
		h.releaseRefLocked(p)
	}
	h.recorder.Gauge("hub.sessions", float64(len(h.sessions)), nil)
	h.mu.Unlock()

	s.close(reason)
	if reason == ReasonSlowConsumer {
		h.recorder.Counter("hub.slow_consumer_drops", 1, map[string]string{"owner": s.OwnerID})
		h.logger.Warn("Disconnecting slow consumer", map[string]interface{}{
			"connection_id": s.ID,
			"owner_id":      s.OwnerID,
			"watermark":     h.cfg.SlowConsumerWatermark,
		})
	}
}

// subscribe wires patterns to a session and replays buffered history. It
// holds the exclusive hub lock so replay and the switch to live delivery
// see no interleaved publishes.
func (h *Hub) subscribe(s *Session, patterns []string, since *int64) error {
	for _, p := range patterns {
		if !ValidTopic(p) {
			return fmt.Errorf("topic pattern %q: %w", p, core.ErrInvalidRequest)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("hub shut down: %w", core.ErrUnavailable)
	}

	for _, p := range patterns {
		if s.addPattern(p) {
			h.acquireRefLocked(p)
		}
	}

	if since == nil {
		return nil
	}
	for _, p := range patterns {
		rings := h.matchingRingsLocked(p)
		if len(rings) == 0 && !IsPattern(p) {
			// Nothing buffered here, but the topic may have history published
			// on other instances. The shared counter tells us how far the
			// topic has advanced; everything up to it is unreplayable locally.
			current, err := h.seq.Current(context.Background(), p)
			if err != nil {
				h.logger.Warn("Sequence lookup for resume failed", map[string]interface{}{
					"topic": p,
					"error": err,
				})
				continue
			}
			if current > 0 && current >= *since {
				s.offer(Delivery{Gap: &Gap{Topic: p, From: *since, To: current}})
			}
			continue
		}
		for topic, r := range rings {
			events, oldest, gapped := r.replayFrom(*since)
			if gapped {
				s.offer(Delivery{Gap: &Gap{Topic: topic, From: *since, To: oldest - 1}})
			}
			for i := range events {
				ev := events[i]
				if h.authorized(s, &ev) {
					s.offer(Delivery{Event: &ev})
				}
			}
		}
	}
	return nil
}

// unsubscribe detaches patterns from a session.
func (h *Hub) unsubscribe(s *Session, patterns []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range patterns {
		if s.removePattern(p) {
			h.releaseRefLocked(p)
		}
	}
}

func (h *Hub) matchingRingsLocked(pattern string) map[string]*ring {
	if !IsPattern(pattern) {
		if r := h.rings[pattern]; r != nil {
			return map[string]*ring{pattern: r}
		}
		return nil
	}
	out := make(map[string]*ring)
	for topic, r := range h.rings {
		if MatchTopic(pattern, topic) {
			out[topic] = r
		}
	}
	return out
}

// acquireRefLocked bumps the local subscription count for a pattern and
// joins the Redis channel on the first reference.
func (h *Hub) acquireRefLocked(pattern string) {
	h.refs[pattern]++
	if h.refs[pattern] != 1 || h.client == nil {
		return
	}
	h.psMu.Lock()
	ps := h.pubsub
	h.psMu.Unlock()
	if ps == nil {
		return
	}
	ctx := context.Background()
	var err error
	if IsPattern(pattern) {
		err = ps.PSubscribe(ctx, h.channel(pattern))
	} else {
		err = ps.Subscribe(ctx, h.channel(pattern))
	}
	if err != nil {
		h.logger.Warn("Channel subscribe failed", map[string]interface{}{
			"pattern": pattern,
			"error":   err,
		})
	}
}

func (h *Hub) releaseRefLocked(pattern string) {
	if h.refs[pattern] > 1 {
		h.refs[pattern]--
		return
	}
	delete(h.refs, pattern)
	if h.client == nil {
		return
	}
	h.psMu.Lock()
	ps := h.pubsub
	h.psMu.Unlock()
	if ps == nil {
		return
	}
	ctx := context.Background()
	if IsPattern(pattern) {
		_ = ps.PUnsubscribe(ctx, h.channel(pattern))
	} else {
		_ = ps.Unsubscribe(ctx, h.channel(pattern))
	}
}

// consume is the fan-in loop for events published by peer instances.
func (h *Hub) consume(ctx context.Context) {
	h.psMu.Lock()
	ps := h.pubsub
	h.psMu.Unlock()
	if ps == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ps.Channel():
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.logger.Warn("Malformed fan-out payload", map[string]interface{}{
					"channel": msg.Channel,
					"error":   err,
				})
				continue
			}
			if env.Origin == h.instanceID {
				continue
			}
			h.ingest(env.Event)
		}
	}
}

func (h *Hub) channel(topic string) string {
	return fmt.Sprintf("%s:events:%s", h.namespace(), topic)
}

// namespace keeps channel names under the same prefix as the sequence
// counter keys when the sequencer is Redis-backed.
func (h *Hub) namespace() string {
	if rs, ok := h.seq.(*RedisSequencer); ok {
		return rs.namespace
	}
	return "storymind"
}

// Session is one attached connection's view of the hub.
type Session struct {
	hub     *Hub
	ID      string
	OwnerID string

	ch    chan Delivery
	dropC chan struct{}

	mu      sync.Mutex
	topics  map[string]struct{}
	lastSeq map[string]int64
	closed  bool
	reason  string
}

// Deliveries is the serialized stream of events and gaps for this
// connection. A single reader drains it.
func (s *Session) Deliveries() <-chan Delivery { return s.ch }

// Dropped is closed when the hub disconnects the session.
func (s *Session) Dropped() <-chan struct{} { return s.dropC }

// DropReason is valid after Dropped is closed. Empty means a
// client-initiated detach.
func (s *Session) DropReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Subscribe adds patterns and replays history from since when set.
func (s *Session) Subscribe(patterns []string, since *int64) error {
	return s.hub.subscribe(s, patterns, since)
}

// Unsubscribe removes patterns.
func (s *Session) Unsubscribe(patterns []string) {
	s.hub.unsubscribe(s, patterns)
}

// Close detaches the session without a bye reason.
func (s *Session) Close() {
	s.hub.drop(s, "")
}

// offer enqueues one delivery without blocking. Sequence numbers already
// delivered on a topic are skipped so each subscriber sees a strictly
// increasing stream. A full queue reports false and the hub disconnects the
// consumer.
func (s *Session) offer(d Delivery) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	if d.Event != nil {
		if last, seen := s.lastSeq[d.Event.Topic]; seen && d.Event.Sequence <= last {
			return true
		}
	}
	select {
	case s.ch <- d:
		if d.Event != nil {
			s.lastSeq[d.Event.Topic] = d.Event.Sequence
		}
		return true
	default:
		return false
	}
}

func (s *Session) wants(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.topics {
		if MatchTopic(p, topic) {
			return true
		}
	}
	return false
}

// addPattern reports whether the pattern is new to this session.
func (s *Session) addPattern(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[p]; ok {
		return false
	}
	s.topics[p] = struct{}{}
	return true
}

func (s *Session) removePattern(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[p]; !ok {
		return false
	}
	delete(s.topics, p)
	return true
}

func (s *Session) patterns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for p := range s.topics {
		out = append(out, p)
	}
	return out
}

func (s *Session) close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.reason = reason
	s.mu.Unlock()
	close(s.dropC)
}

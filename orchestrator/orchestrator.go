// Package orchestrator ties the registry, router, safety pipeline and event
// hub together into the per-request pipeline: admit, sequence, persist,
// validate, route, validate again, publish.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/storymind-ai/storymind/core"
	"github.com/storymind-ai/storymind/resilience"
)

// Router routes one request to one agent. Satisfied by router.Router.
type Router interface {
	Route(ctx context.Context, req *core.AgentRequest) (*core.AgentResponse, error)
}

// Validator gates payloads. Satisfied by safety.Validator.
type Validator interface {
	Validate(ctx context.Context, payload json.RawMessage, mode core.SafetyMode) *core.SafetyReport
}

// Publisher publishes events to subscribers. Satisfied by hub.Hub.
type Publisher interface {
	Publish(ctx context.Context, topic, ownerID string, payload json.RawMessage) (*core.Event, error)
}

// crisisTemplate is the pre-approved response emitted whenever crisis
// content is detected. It is fixed text, never model output.
var crisisTemplate = json.RawMessage(`{"message":"It sounds like you might be going through something really difficult right now. You don't have to face this alone — trained counselors are available to talk with you.","resources":[{"name":"988 Suicide and Crisis Lifeline","contact":"call or text 988"},{"name":"Crisis Text Line","contact":"text HOME to 741741"},{"name":"International Association for Suicide Prevention","contact":"https://www.iasp.info/resources/Crisis_Centres/"}]}`)

// refusalMessage is the generic text published when content is blocked. No
// rule details leave the server.
var refusalMessage = json.RawMessage(`{"message":"I can't continue with that. Let's take the story in a different direction."}`)

// sinkEnvelope is the shape appended to the conversation log for every
// message and verdict.
type sinkEnvelope struct {
	Role      string          `json:"role"`
	RequestID string          `json:"request_id"`
	Verdict   core.Verdict    `json:"verdict,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// responseEvent is the payload of events published on conversation topics.
// Sequence is the conversation ordering sequence, not the topic sequence.
type responseEvent struct {
	RequestID string              `json:"request_id"`
	Sequence  int64               `json:"sequence"`
	Status    core.ResponseStatus `json:"status"`
	Crisis    bool                `json:"crisis,omitempty"`
	Payload   json.RawMessage     `json:"payload"`
}

// crisisNotice is the out-of-band payload on crisis.<owner_id> topics.
type crisisNotice struct {
	ConversationID string `json:"conversation_id"`
	RequestID      string `json:"request_id"`
	DetectedAt     int64  `json:"detected_at"`
}

// Orchestrator runs the request pipeline.
type Orchestrator struct {
	cfg       core.OrchestratorConfig
	router    Router
	validator Validator
	publisher Publisher
	sink      core.EventSink
	tracker   *tracker
	dedup     *dedup
	logger    core.Logger
	recorder  core.Recorder

	crisisMu     sync.Mutex
	crisisCounts map[string]*crisisTally
}

// crisisTally carries an owner's crisis count plus the last time it moved,
// so stale owners age out with the conversations.
type crisisTally struct {
	count  int64
	lastAt time.Time
}

// New creates an orchestrator. store backs the idempotency cache and may be
// nil to disable dedup; convStore may be nil when no durable conversation
// state exists.
func New(cfg core.OrchestratorConfig, rt Router, val Validator, pub Publisher, sink core.EventSink, convStore core.ConversationStore, store core.Store, logger core.Logger, recorder core.Recorder) *Orchestrator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if recorder == nil {
		recorder = &core.NoOpRecorder{}
	}
	if cfg.RetryMax == 0 && cfg.RetryBase == 0 {
		cfg = mergeDefaults(cfg)
	}
	return &Orchestrator{
		cfg:          cfg,
		router:       rt,
		validator:    val,
		publisher:    pub,
		sink:         sink,
		tracker:      newTracker(convStore, cfg.IdleTimeout, logger),
		dedup:        newDedup(store, cfg.DedupTTL),
		logger:       logger,
		recorder:     recorder,
		crisisCounts: make(map[string]*crisisTally),
	}
}

func mergeDefaults(cfg core.OrchestratorConfig) core.OrchestratorConfig {
	def := core.DefaultConfig().Orchestrator
	if cfg.RetryMax == 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryCap == 0 {
		cfg.RetryCap = def.RetryCap
	}
	if cfg.DedupTTL == 0 {
		cfg.DedupTTL = def.DedupTTL
	}
	if cfg.DefaultDeadline == 0 {
		cfg.DefaultDeadline = def.DefaultDeadline
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	return cfg
}

// Handle implements the hub's request handler: the outcome reaches the
// client as events; only failures return as errors.
func (o *Orchestrator) Handle(ctx context.Context, ownerID string, req *core.AgentRequest) error {
	_, err := o.Process(ctx, ownerID, req)
	return err
}

// Process runs the full pipeline for one request and returns the response
// that was (or would have been) delivered.
func (o *Orchestrator) Process(ctx context.Context, ownerID string, req *core.AgentRequest) (*core.AgentResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	mode := req.SafetyMode
	if mode == "" {
		mode = core.SafetyNormal
	}

	ctx, span := o.recorder.StartSpan(ctx, "orchestrator.process")
	defer span.End()
	span.SetAttribute("conversation_id", req.ConversationID)
	span.SetAttribute("request_id", req.RequestID)

	// Duplicate request_ids return the recorded outcome without re-running
	// the pipeline. Nothing is republished: the original event already
	// carries this request's sequence, and a client that missed it recovers
	// through since-based replay.
	if rec, err := o.dedup.lookup(ctx, req.RequestID); err == nil && rec != nil {
		o.recorder.Counter("orchestrator.dedup_hits", 1, nil)
		return rec.Response, nil
	}

	if _, err := o.tracker.begin(ctx, req.ConversationID, ownerID, mode); err != nil {
		span.RecordError(err)
		return nil, err
	}

	resp, err := o.pipeline(ctx, ownerID, req, mode)
	if err != nil {
		o.tracker.release(req.ConversationID)
		span.RecordError(err)
		return nil, err
	}
	return resp, nil
}

// pipeline runs steps 2-8 for an admitted request. It owns the in-flight
// slot and must end with tracker.finish or tracker.release on every path.
func (o *Orchestrator) pipeline(ctx context.Context, ownerID string, req *core.AgentRequest, mode core.SafetyMode) (*core.AgentResponse, error) {
	userSeq := o.tracker.nextSequence(req.ConversationID)
	if err := o.append(ctx, ownerID, req.ConversationID, userSeq, sinkEnvelope{
		Role:      "user",
		RequestID: req.RequestID,
		Payload:   req.Payload,
	}); err != nil {
		return nil, err
	}

	// Strict mode is forced by conversation history even when the caller
	// asked for normal. Crisis detection runs on inbound content in every
	// mode; full inbound validation only under strict.
	effective := mode
	if effective == core.SafetyNormal && o.tracker.strictIndicated(req.ConversationID) {
		effective = core.SafetyStrict
	}

	inboundMode := core.SafetyCrisisBypass // stage 1 only
	if effective == core.SafetyStrict {
		inboundMode = core.SafetyStrict
	}
	inbound := o.validator.Validate(ctx, req.Payload, inboundMode)
	switch inbound.Verdict {
	case core.VerdictCrisis:
		return o.deliverCrisis(ctx, ownerID, req)
	case core.VerdictBlock:
		return o.deliverRefusal(ctx, ownerID, req, core.VerdictBlock)
	}

	routedPayload := req.Payload
	if inbound.TransformedPayload != nil {
		routedPayload = inbound.TransformedPayload
	}

	routed := *req
	routed.Payload = routedPayload
	routed.SafetyMode = effective
	if routed.Deadline.IsZero() {
		routed.Deadline = time.Now().Add(o.cfg.DefaultDeadline)
	}

	// The deadline bounds the whole routing phase, retries included: expiry
	// cancels in-flight work and stops further attempts.
	rctx, cancel := context.WithDeadline(ctx, routed.Deadline)
	defer cancel()

	resp, err := o.route(rctx, &routed)
	if err != nil {
		return nil, err
	}

	outbound := o.validator.Validate(ctx, resp.Payload, effective)
	switch outbound.Verdict {
	case core.VerdictCrisis:
		return o.deliverCrisis(ctx, ownerID, req)
	case core.VerdictBlock:
		return o.deliverRefusal(ctx, ownerID, req, core.VerdictBlock)
	}

	payload := resp.Payload
	status := core.StatusOK
	if outbound.TransformedPayload != nil {
		payload = outbound.TransformedPayload
		status = core.StatusTransformed
	}

	respSeq := o.tracker.nextSequence(req.ConversationID)
	if err := o.append(ctx, ownerID, req.ConversationID, respSeq, sinkEnvelope{
		Role:      "agent",
		RequestID: req.RequestID,
		Verdict:   outbound.Verdict,
		Payload:   payload,
	}); err != nil {
		o.tracker.release(req.ConversationID)
		return nil, err
	}

	eventPayload, _ := json.Marshal(responseEvent{
		RequestID: req.RequestID,
		Sequence:  respSeq,
		Status:    status,
		Payload:   payload,
	})
	topic := conversationTopic(req.ConversationID)
	if _, err := o.publisher.Publish(ctx, topic, ownerID, eventPayload); err != nil {
		o.tracker.release(req.ConversationID)
		return nil, fmt.Errorf("publish response for %s: %w", req.RequestID, err)
	}

	final := &core.AgentResponse{
		RequestID:    req.RequestID,
		Status:       status,
		Payload:      payload,
		SafetyReport: outbound,
		Elapsed:      resp.Elapsed,
	}
	o.remember(ctx, req.RequestID, &dedupRecord{Response: final})
	o.tracker.finish(req.ConversationID, outbound.Verdict)
	o.recorder.Counter("orchestrator.completed", 1, map[string]string{"status": string(status)})
	return final, nil
}

// route invokes the router with bounded jittered retries. Safety verdicts
// and validation errors are terminal; only transient infrastructure
// failures burn retry budget.
func (o *Orchestrator) route(ctx context.Context, req *core.AgentRequest) (*core.AgentResponse, error) {
	rcfg := &resilience.RetryConfig{
		MaxRetries: o.cfg.RetryMax,
		BaseDelay:  o.cfg.RetryBase,
		CapDelay:   o.cfg.RetryCap,
	}
	var resp *core.AgentResponse
	err := resilience.Retry(ctx, rcfg, func(ctx context.Context) error {
		var rerr error
		resp, rerr = o.router.Route(ctx, req)
		return rerr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// deliverCrisis publishes the pre-approved crisis response on the
// conversation topic, the out-of-band notice on crisis.<owner_id>, and
// moves the conversation to crisis state.
func (o *Orchestrator) deliverCrisis(ctx context.Context, ownerID string, req *core.AgentRequest) (*core.AgentResponse, error) {
	respSeq := o.tracker.nextSequence(req.ConversationID)
	if err := o.append(ctx, ownerID, req.ConversationID, respSeq, sinkEnvelope{
		Role:      "system",
		RequestID: req.RequestID,
		Verdict:   core.VerdictCrisis,
		Payload:   crisisTemplate,
	}); err != nil {
		o.tracker.release(req.ConversationID)
		return nil, err
	}

	eventPayload, _ := json.Marshal(responseEvent{
		RequestID: req.RequestID,
		Sequence:  respSeq,
		Status:    core.StatusRejected,
		Crisis:    true,
		Payload:   crisisTemplate,
	})
	topic := conversationTopic(req.ConversationID)
	if _, err := o.publisher.Publish(ctx, topic, ownerID, eventPayload); err != nil {
		o.tracker.release(req.ConversationID)
		return nil, fmt.Errorf("publish crisis response for %s: %w", req.RequestID, err)
	}

	notice, _ := json.Marshal(crisisNotice{
		ConversationID: req.ConversationID,
		RequestID:      req.RequestID,
		DetectedAt:     time.Now().UnixMilli(),
	})
	if _, err := o.publisher.Publish(ctx, "crisis."+ownerID, ownerID, notice); err != nil {
		o.logger.Error("Crisis notice publish failed", map[string]interface{}{
			"owner_id": ownerID,
			"error":    err,
		})
	}

	count := o.bumpCrisisCount(ownerID)
	o.recorder.Counter("orchestrator.crisis_detected", 1, map[string]string{"owner": ownerID})
	o.logger.Warn("Crisis content detected", map[string]interface{}{
		"conversation_id": req.ConversationID,
		"request_id":      req.RequestID,
		"owner_crisis_nr": count,
	})

	final := &core.AgentResponse{
		RequestID: req.RequestID,
		Status:    core.StatusRejected,
		Payload:   crisisTemplate,
		SafetyReport: &core.SafetyReport{
			Verdict: core.VerdictCrisis,
		},
	}
	o.remember(ctx, req.RequestID, &dedupRecord{Response: final})
	o.tracker.finish(req.ConversationID, core.VerdictCrisis)
	return final, nil
}

// deliverRefusal publishes the generic refusal event for blocked content.
// Rule details stay in the log, never in the client-facing payload.
func (o *Orchestrator) deliverRefusal(ctx context.Context, ownerID string, req *core.AgentRequest, verdict core.Verdict) (*core.AgentResponse, error) {
	respSeq := o.tracker.nextSequence(req.ConversationID)
	if err := o.append(ctx, ownerID, req.ConversationID, respSeq, sinkEnvelope{
		Role:      "system",
		RequestID: req.RequestID,
		Verdict:   verdict,
		Payload:   refusalMessage,
	}); err != nil {
		o.tracker.release(req.ConversationID)
		return nil, err
	}

	eventPayload, _ := json.Marshal(responseEvent{
		RequestID: req.RequestID,
		Sequence:  respSeq,
		Status:    core.StatusRejected,
		Payload:   refusalMessage,
	})
	topic := conversationTopic(req.ConversationID)
	if _, err := o.publisher.Publish(ctx, topic, ownerID, eventPayload); err != nil {
		o.tracker.release(req.ConversationID)
		return nil, fmt.Errorf("publish refusal for %s: %w", req.RequestID, err)
	}

	o.recorder.Counter("orchestrator.blocked", 1, nil)
	final := &core.AgentResponse{
		RequestID: req.RequestID,
		Status:    core.StatusRejected,
		Payload:   refusalMessage,
		SafetyReport: &core.SafetyReport{
			Verdict: verdict,
		},
	}
	o.remember(ctx, req.RequestID, &dedupRecord{Response: final})
	o.tracker.finish(req.ConversationID, verdict)
	return final, nil
}

func (o *Orchestrator) append(ctx context.Context, ownerID, conversationID string, seq int64, env sinkEnvelope) error {
	if o.sink == nil {
		return nil
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", core.ErrInvalidRequest)
	}
	if err := o.sink.Append(ctx, ownerID, conversationID, seq, payload); err != nil {
		return fmt.Errorf("append conversation log: %w", core.ErrUnavailable)
	}
	return nil
}

func (o *Orchestrator) remember(ctx context.Context, requestID string, rec *dedupRecord) {
	if err := o.dedup.record(ctx, requestID, rec); err != nil {
		o.logger.Warn("Dedup record failed", map[string]interface{}{
			"request_id": requestID,
			"error":      err,
		})
	}
}

// ResetConversation returns a crisis conversation to active. Exposed to
// out-of-band crisis handlers.
func (o *Orchestrator) ResetConversation(conversationID string) bool {
	return o.tracker.reset(conversationID)
}

// ConversationState reports the tracked lifecycle state.
func (o *Orchestrator) ConversationState(conversationID string) (core.ConversationState, bool) {
	return o.tracker.state(conversationID)
}

// CrisisCount reports how many crisis verdicts an owner has accumulated.
func (o *Orchestrator) CrisisCount(ownerID string) int64 {
	o.crisisMu.Lock()
	defer o.crisisMu.Unlock()
	if tally, ok := o.crisisCounts[ownerID]; ok {
		return tally.count
	}
	return 0
}

// bumpCrisisCount increments the owner's tally and prunes owners whose last
// crisis predates the idle timeout.
func (o *Orchestrator) bumpCrisisCount(ownerID string) int64 {
	now := time.Now()
	o.crisisMu.Lock()
	defer o.crisisMu.Unlock()

	if o.cfg.IdleTimeout > 0 {
		for id, tally := range o.crisisCounts {
			if id != ownerID && now.Sub(tally.lastAt) >= o.cfg.IdleTimeout {
				delete(o.crisisCounts, id)
			}
		}
	}

	tally, ok := o.crisisCounts[ownerID]
	if !ok {
		tally = &crisisTally{}
		o.crisisCounts[ownerID] = tally
	}
	tally.count++
	tally.lastAt = now
	return tally.count
}

func validateRequest(req *core.AgentRequest) error {
	if req == nil || req.RequestID == "" || req.ConversationID == "" {
		return fmt.Errorf("request_id and conversation_id are required: %w", core.ErrInvalidRequest)
	}
	if len(req.Payload) == 0 {
		return fmt.Errorf("payload is required: %w", core.ErrInvalidRequest)
	}
	if req.SafetyMode != "" && !req.SafetyMode.Valid() {
		return fmt.Errorf("unknown safety mode %q: %w", req.SafetyMode, core.ErrInvalidRequest)
	}
	if req.Kind == "" {
		req.Kind = core.KindNarrative
	}
	return nil
}

func conversationTopic(conversationID string) string {
	return "conversation." + conversationID
}

// Package router selects a concrete agent for each request, acquires a
// slot on it, and invokes it through its proxy behind the target's circuit
// breaker. The router attempts exactly one agent per call; higher-level
// retry policy belongs to the orchestrator.
package router

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/storymind-ai/storymind/core"
	"github.com/storymind-ai/storymind/registry"
	"github.com/storymind-ai/storymind/resilience"
)

// Router routes AgentRequests to live agents.
type Router struct {
	cache    *registry.Cache
	dialer   core.ProxyDialer
	breakers *resilience.Group
	cfg      core.RouterConfig
	logger   core.Logger
	recorder core.Recorder

	mu sync.Mutex
	// inFlight counts this instance's outstanding calls per agent. It is
	// the first tie-breaker when registry-reported loads are equal.
	inFlight map[string]int
	// waiters queue requests when every candidate is saturated. Bounded
	// by cfg.QueueDepth; overflow fails with ErrOverloaded.
	waiters *list.List
}

// New creates a router.
func New(cache *registry.Cache, dialer core.ProxyDialer, breakers *resilience.Group, cfg core.RouterConfig, logger core.Logger, recorder core.Recorder) *Router {
	if cfg.ConcurrencyCapPerAgent < 1 {
		cfg.ConcurrencyCapPerAgent = 16
	}
	if cfg.QueueDepth < 0 {
		cfg.QueueDepth = 128
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if recorder == nil {
		recorder = &core.NoOpRecorder{}
	}
	return &Router{
		cache:    cache,
		dialer:   dialer,
		breakers: breakers,
		cfg:      cfg,
		logger:   logger,
		recorder: recorder,
		inFlight: make(map[string]int),
		waiters:  list.New(),
	}
}

// Route picks the best matching agent and invokes it. Candidates are
// ordered by registry load ascending, then local in-flight count, then
// agent ID lexicographically; the ordering is deterministic and testable.
func (r *Router) Route(ctx context.Context, req *core.AgentRequest) (*core.AgentResponse, error) {
	for {
		target, proxy, err := r.acquire(req)
		if err == nil {
			return r.invoke(ctx, target, proxy, req)
		}
		if !errors.Is(err, core.ErrOverloaded) {
			return nil, err
		}

		// Every candidate is saturated; wait for a slot with a bounded
		// queue and the request deadline.
		release, werr := r.enqueue()
		if werr != nil {
			return nil, werr
		}

		var deadlineC <-chan time.Time
		if !req.Deadline.IsZero() {
			timer := time.NewTimer(time.Until(req.Deadline))
			defer timer.Stop()
			deadlineC = timer.C
		}

		select {
		case <-ctx.Done():
			r.dequeue(release)
			return nil, ctx.Err()
		case <-deadlineC:
			r.dequeue(release)
			return nil, fmt.Errorf("queued request %s: %w", req.RequestID, core.ErrDeadlineExceeded)
		case <-release:
			// A slot freed somewhere; re-run selection.
		}
	}
}

// acquire selects a candidate and reserves a local slot on it.
func (r *Router) acquire(req *core.AgentRequest) (*core.AgentDescriptor, core.AgentProxy, error) {
	candidates := r.cache.Lookup(req.Kind, req.Capabilities)
	if len(candidates) == 0 {
		return nil, nil, fmt.Errorf("kind %s caps %v: %w", req.Kind, req.Capabilities, core.ErrNoTarget)
	}

	r.mu.Lock()
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Load != candidates[j].Load {
			return candidates[i].Load < candidates[j].Load
		}
		fi, fj := r.inFlight[candidates[i].ID], r.inFlight[candidates[j].ID]
		if fi != fj {
			return fi < fj
		}
		return candidates[i].ID < candidates[j].ID
	})

	saturated := 0
	var chosen *core.AgentDescriptor
	for _, cand := range candidates {
		if r.inFlight[cand.ID] >= r.cfg.ConcurrencyCapPerAgent {
			saturated++
			continue
		}
		// Skip targets whose breaker would reject outright; the
		// crisis-bypass probe is still honored inside invoke for the
		// chosen target.
		if req.SafetyMode != core.SafetyCrisisBypass && !r.breakers.For(cand.Kind, cand.ID).CanExecute() {
			continue
		}
		chosen = cand
		break
	}

	if chosen == nil {
		r.mu.Unlock()
		if saturated == len(candidates) {
			return nil, nil, fmt.Errorf("kind %s: %w", req.Kind, core.ErrOverloaded)
		}
		return nil, nil, fmt.Errorf("kind %s: all candidates open: %w", req.Kind, core.ErrCircuitOpen)
	}

	r.inFlight[chosen.ID]++
	r.mu.Unlock()

	proxy, err := r.dialer.Dial(chosen)
	if err != nil {
		r.releaseSlot(chosen.ID)
		return nil, nil, fmt.Errorf("dial %s: %w", chosen.ID, core.ErrUnavailable)
	}
	return chosen, proxy, nil
}

func (r *Router) invoke(ctx context.Context, target *core.AgentDescriptor, proxy core.AgentProxy, req *core.AgentRequest) (*core.AgentResponse, error) {
	defer r.releaseSlot(target.ID)

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	start := time.Now()
	var resp *core.AgentResponse
	err := r.breakers.For(target.Kind, target.ID).Execute(ctx, req.SafetyMode, func(ctx context.Context) error {
		var ierr error
		resp, ierr = proxy.Invoke(ctx, req)
		if ierr != nil && errors.Is(ierr, context.DeadlineExceeded) {
			ierr = fmt.Errorf("invoke %s: %w", target.ID, core.ErrDeadlineExceeded)
		}
		return ierr
	})

	elapsed := time.Since(start)
	r.recorder.Histogram("router.invoke_ms", float64(elapsed.Milliseconds()), map[string]string{
		"kind":   string(target.Kind),
		"target": target.ID,
	})

	if err != nil {
		r.logger.Debug("Agent invocation failed", map[string]interface{}{
			"agent_id":   target.ID,
			"request_id": req.RequestID,
			"error":      err,
			"elapsed_ms": elapsed.Milliseconds(),
		})
		return nil, err
	}

	resp.Elapsed = elapsed
	return resp, nil
}

// releaseSlot frees a local slot and wakes the oldest waiter, if any.
func (r *Router) releaseSlot(agentID string) {
	r.mu.Lock()
	if r.inFlight[agentID] > 1 {
		r.inFlight[agentID]--
	} else {
		delete(r.inFlight, agentID)
	}

	var wake chan struct{}
	if front := r.waiters.Front(); front != nil {
		wake = r.waiters.Remove(front).(chan struct{})
	}
	r.mu.Unlock()

	if wake != nil {
		wake <- struct{}{}
	}
}

// enqueue joins the bounded overflow queue.
func (r *Router) enqueue() (chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiters.Len() >= r.cfg.QueueDepth {
		r.recorder.Counter("router.queue_overflow", 1, nil)
		return nil, fmt.Errorf("queue depth %d exceeded: %w", r.cfg.QueueDepth, core.ErrOverloaded)
	}
	ch := make(chan struct{}, 1)
	r.waiters.PushBack(ch)
	return ch, nil
}

// dequeue removes a waiter that gave up; a wakeup raced in is forwarded to
// the next waiter so the slot is not lost.
func (r *Router) dequeue(ch chan struct{}) {
	r.mu.Lock()
	for e := r.waiters.Front(); e != nil; e = e.Next() {
		if e.Value.(chan struct{}) == ch {
			r.waiters.Remove(e)
			r.mu.Unlock()
			return
		}
	}
	// Not found: we were already woken. Pass the wakeup on.
	var wake chan struct{}
	if front := r.waiters.Front(); front != nil {
		wake = r.waiters.Remove(front).(chan struct{})
	}
	r.mu.Unlock()

	select {
	case <-ch:
	default:
	}
	if wake != nil {
		wake <- struct{}{}
	}
}

// InFlight returns this instance's outstanding call count for an agent.
func (r *Router) InFlight(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight[agentID]
}

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/storymind-ai/storymind/core"
)

// tracker owns per-conversation state for this instance: the single
// in-flight slot, the ordering sequence and the safety posture. State is
// loaded through the ConversationStore on first contact and evicted again
// after the idle timeout.
type tracker struct {
	store       core.ConversationStore
	logger      core.Logger
	idleTimeout time.Duration
	now         func() time.Time

	mu        sync.Mutex
	convs     map[string]*convState
	lastSweep time.Time
}

type convState struct {
	conv core.Conversation
	// nextSeq is the next ordering sequence to hand out. Fresh
	// conversations start at 0; loaded ones resume after the stored
	// last-assigned sequence.
	nextSeq    int64
	inFlight   bool
	lastActive time.Time
}

func newTracker(store core.ConversationStore, idleTimeout time.Duration, logger core.Logger) *tracker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &tracker{
		store:       store,
		logger:      logger,
		idleTimeout: idleTimeout,
		now:         time.Now,
		convs:       make(map[string]*convState),
	}
}

// begin admits one request into the conversation, enforcing the
// one-in-flight invariant and the crisis-state gate. The returned snapshot
// reflects the state at admission.
func (t *tracker) begin(ctx context.Context, conversationID, ownerID string, mode core.SafetyMode) (core.Conversation, error) {
	cs, err := t.ensure(ctx, conversationID, ownerID)
	if err != nil {
		return core.Conversation{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if cs.conv.OwnerID != ownerID {
		return core.Conversation{}, fmt.Errorf("conversation %s owned by another client: %w", conversationID, core.ErrInvalidRequest)
	}
	if cs.conv.State == core.ConversationClosed {
		return core.Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, core.ErrConversationClosed)
	}
	if cs.conv.State == core.ConversationCrisis && mode != core.SafetyCrisisBypass {
		return core.Conversation{}, fmt.Errorf("conversation %s in crisis state: %w", conversationID, core.ErrBlockedContent)
	}
	if cs.inFlight {
		return core.Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, core.ErrConversationBusy)
	}
	cs.inFlight = true
	return cs.conv, nil
}

// ensure loads or creates the conversation entry. The store call runs
// outside the tracker lock; a racing loader loses to whoever installed the
// entry first.
func (t *tracker) ensure(ctx context.Context, conversationID, ownerID string) (*convState, error) {
	t.mu.Lock()
	t.sweepLocked()
	if cs, ok := t.convs[conversationID]; ok {
		cs.lastActive = t.now()
		t.mu.Unlock()
		return cs, nil
	}
	t.mu.Unlock()

	var loaded *core.Conversation
	if t.store != nil {
		var err error
		loaded, err = t.store.Load(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("load conversation %s: %w", conversationID, core.ErrUnavailable)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cs, ok := t.convs[conversationID]; ok {
		cs.lastActive = t.now()
		return cs, nil
	}

	cs := &convState{lastActive: t.now()}
	if loaded != nil {
		cs.conv = *loaded
		cs.nextSeq = loaded.Sequence + 1
	} else {
		cs.conv = core.Conversation{
			ID:      conversationID,
			OwnerID: ownerID,
			State:   core.ConversationActive,
		}
		cs.nextSeq = 0
	}
	t.convs[conversationID] = cs
	return cs, nil
}

// nextSequence hands out the next ordering sequence for the conversation.
func (t *tracker) nextSequence(conversationID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs := t.convs[conversationID]
	seq := cs.nextSeq
	cs.nextSeq++
	cs.conv.Sequence = seq
	return seq
}

// finish releases the in-flight slot and applies the outcome to the safety
// posture.
func (t *tracker) finish(conversationID string, verdict core.Verdict) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.convs[conversationID]
	if !ok {
		return
	}
	cs.inFlight = false
	cs.lastActive = t.now()
	switch verdict {
	case core.VerdictWarn:
		cs.conv.RecentWarnings++
	case core.VerdictCrisis:
		cs.conv.State = core.ConversationCrisis
	case core.VerdictPass:
		if cs.conv.RecentWarnings > 0 {
			cs.conv.RecentWarnings--
		}
	}
}

// release frees the in-flight slot without a verdict, for requests that
// failed before validation.
func (t *tracker) release(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cs, ok := t.convs[conversationID]; ok {
		cs.inFlight = false
		cs.lastActive = t.now()
	}
}

// sweepLocked evicts conversations idle past the timeout. In-flight entries
// and crisis-state entries are exempt: the crisis gate must survive until an
// explicit reset. Caller holds t.mu.
func (t *tracker) sweepLocked() {
	if t.idleTimeout <= 0 {
		return
	}
	now := t.now()
	if now.Sub(t.lastSweep) < t.idleTimeout/4 {
		return
	}
	t.lastSweep = now

	evicted := 0
	for id, cs := range t.convs {
		if cs.inFlight || cs.conv.State == core.ConversationCrisis {
			continue
		}
		if now.Sub(cs.lastActive) >= t.idleTimeout {
			delete(t.convs, id)
			evicted++
		}
	}
	if evicted > 0 {
		t.logger.Debug("Evicted idle conversations", map[string]interface{}{
			"evicted":   evicted,
			"remaining": len(t.convs),
		})
	}
}

// strictIndicated reports whether the conversation's history forces strict
// mode: paused state or recent warn verdicts.
func (t *tracker) strictIndicated(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.convs[conversationID]
	if !ok {
		return false
	}
	return cs.conv.State == core.ConversationPaused || cs.conv.RecentWarnings > 0
}

// reset returns a crisis conversation to active and clears its warning
// history. The explicit reset required before normal traffic resumes.
func (t *tracker) reset(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.convs[conversationID]
	if !ok {
		return false
	}
	cs.conv.State = core.ConversationActive
	cs.conv.RecentWarnings = 0
	return true
}

// state returns the current lifecycle state, for tests and admin surfaces.
func (t *tracker) state(conversationID string) (core.ConversationState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.convs[conversationID]
	if !ok {
		return "", false
	}
	return cs.conv.State, true
}

package hub

import (
	"sync"

	"github.com/storymind-ai/storymind/core"
)

// ring is the bounded per-topic replay buffer. Appends come from a single
// producer (the instance that assigned the sequence, or the fan-out
// consumer); readers catch up under a shared lock held only for the copy.
type ring struct {
	mu       sync.RWMutex
	events   []core.Event
	capacity int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1024
	}
	return &ring{capacity: capacity}
}

// append adds an event, evicting the oldest once at capacity. Out-of-order
// duplicates (same or older sequence than the newest entry, as seen when an
// instance receives its own fan-out echo) are dropped.
func (r *ring) append(ev core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.events); n > 0 && ev.Sequence <= r.events[n-1].Sequence {
		return
	}
	r.events = append(r.events, ev)
	if len(r.events) > r.capacity {
		r.events = r.events[len(r.events)-r.capacity:]
	}
}

// replayFrom returns buffered events with sequence >= since, plus the
// oldest buffered sequence. gapped is true when since predates the buffer,
// meaning events were lost and the caller should emit a gap notice.
func (r *ring) replayFrom(since int64) (events []core.Event, oldest int64, gapped bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.events) == 0 {
		return nil, 0, false
	}
	oldest = r.events[0].Sequence
	gapped = since < oldest

	start := 0
	for start < len(r.events) && r.events[start].Sequence < since {
		start++
	}
	events = make([]core.Event, len(r.events)-start)
	copy(events, r.events[start:])
	return events, oldest, gapped
}

// newest returns the highest buffered sequence, or 0 when empty.
func (r *ring) newest() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.events) == 0 {
		return 0
	}
	return r.events[len(r.events)-1].Sequence
}

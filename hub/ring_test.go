package hub

import (
	"fmt"
	"testing"

	"github.com/storymind-ai/storymind/core"
)

func seqEvent(seq int64) core.Event {
	return core.Event{ID: fmt.Sprintf("e%d", seq), Topic: "t", Sequence: seq}
}

func TestRingCapacityBoundary(t *testing.T) {
	r := newRing(4)
	for seq := int64(1); seq <= 3; seq++ {
		r.append(seqEvent(seq))
	}

	// At capacity-1 the next append still fits without eviction.
	r.append(seqEvent(4))
	events, oldest, gapped := r.replayFrom(1)
	if gapped || oldest != 1 || len(events) != 4 {
		t.Fatalf("replay = %d events oldest %d gapped %v, want 4/1/false", len(events), oldest, gapped)
	}

	// The capacity-th append evicts the oldest.
	r.append(seqEvent(5))
	events, oldest, gapped = r.replayFrom(1)
	if !gapped || oldest != 2 {
		t.Fatalf("replay after eviction: oldest %d gapped %v, want 2/true", oldest, gapped)
	}
	if len(events) != 4 || events[0].Sequence != 2 || events[3].Sequence != 5 {
		t.Fatalf("replay contents = %+v", events)
	}
}

func TestRingReplayFromMidpoint(t *testing.T) {
	r := newRing(8)
	for seq := int64(1); seq <= 6; seq++ {
		r.append(seqEvent(seq))
	}

	events, _, gapped := r.replayFrom(4)
	if gapped {
		t.Fatal("unexpected gap")
	}
	if len(events) != 3 || events[0].Sequence != 4 {
		t.Fatalf("replay = %+v, want sequences 4..6", events)
	}
}

func TestRingDropsStaleAppends(t *testing.T) {
	r := newRing(8)
	r.append(seqEvent(5))
	r.append(seqEvent(5)) // fan-out echo
	r.append(seqEvent(3)) // out of order

	if got := r.newest(); got != 5 {
		t.Fatalf("newest = %d, want 5", got)
	}
	events, _, _ := r.replayFrom(0)
	if len(events) != 1 {
		t.Fatalf("replay = %d events, want 1", len(events))
	}
}

func TestRingEmptyReplay(t *testing.T) {
	r := newRing(4)
	events, oldest, gapped := r.replayFrom(10)
	if events != nil || oldest != 0 || gapped {
		t.Fatalf("empty ring replay = %v/%d/%v", events, oldest, gapped)
	}
}

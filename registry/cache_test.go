package registry

import (
	"context"
	"testing"
	"time"

	"github.com/storymind-ai/storymind/core"
)

func startTestCache(t *testing.T, reg *RedisRegistry, resync time.Duration) *Cache {
	t.Helper()
	cache := NewCache(reg, resync, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := cache.Start(ctx); err != nil {
		t.Fatalf("cache start: %v", err)
	}
	return cache
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestCacheLookupOrdering(t *testing.T) {
	reg, _ := newTestRegistry(t, 15*time.Second)
	ctx := context.Background()

	tokens := make(map[string]string)
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		token, err := reg.Register(ctx, testDescriptor(id, core.KindNarrative, "general"))
		if err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		tokens[id] = token
	}
	// charlie is busier than the others.
	if err := reg.Heartbeat(ctx, tokens["charlie"], 9); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	cache := startTestCache(t, reg, time.Hour)

	got := cache.Lookup(core.KindNarrative, []string{"general"})
	if len(got) != 3 {
		t.Fatalf("lookup returned %d agents, want 3", len(got))
	}
	// Load ascending, ties by lowest ID.
	want := []string{"alpha", "bravo", "charlie"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("lookup order = [%s %s %s], want %v", got[0].ID, got[1].ID, got[2].ID, want)
		}
	}
}

func TestCacheCapabilityFilter(t *testing.T) {
	reg, _ := newTestRegistry(t, 15*time.Second)
	ctx := context.Background()

	if _, err := reg.Register(ctx, testDescriptor("a1", core.KindNarrative, "general", "crisis-aware")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Register(ctx, testDescriptor("a2", core.KindNarrative, "general")); err != nil {
		t.Fatalf("register: %v", err)
	}

	cache := startTestCache(t, reg, time.Hour)

	got := cache.Lookup(core.KindNarrative, []string{"crisis-aware"})
	if len(got) != 1 || got[0].ID != "a1" {
		t.Fatalf("lookup = %+v, want only a1", got)
	}
	if got := cache.Lookup(core.KindWorld, nil); got != nil {
		t.Fatalf("lookup for empty kind = %+v, want nil", got)
	}
}

func TestCacheFollowsWatchStream(t *testing.T) {
	reg, _ := newTestRegistry(t, 15*time.Second)
	ctx := context.Background()

	cache := startTestCache(t, reg, time.Hour)

	token, err := reg.Register(ctx, testDescriptor("late", core.KindWorld, "simulation"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		return len(cache.Lookup(core.KindWorld, nil)) == 1
	}, "cache never observed the added agent")

	if err := reg.Deregister(ctx, token); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		return len(cache.Lookup(core.KindWorld, nil)) == 0
	}, "cache never observed the removed agent")
}

func TestCacheServesThroughOutage(t *testing.T) {
	reg, mr := newTestRegistry(t, 15*time.Second)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3"} {
		if _, err := reg.Register(ctx, testDescriptor(id, core.KindNarrative, "general")); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	cache := startTestCache(t, reg, 50*time.Millisecond)
	if got := len(cache.Lookup(core.KindNarrative, nil)); got != 3 {
		t.Fatalf("lookup before outage = %d agents, want 3", got)
	}

	// Store becomes unreachable: resyncs fail but the last snapshot keeps
	// serving. The breaker, not the cache, handles dead targets.
	mr.Close()

	eventually(t, 2*time.Second, cache.Degraded, "cache never entered degraded mode")
	if got := len(cache.Lookup(core.KindNarrative, nil)); got != 3 {
		t.Fatalf("lookup during outage = %d agents, want 3 from cache", got)
	}
}

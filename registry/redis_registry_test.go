package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/storymind-ai/storymind/core"
)

func newTestRegistry(t *testing.T, ttl time.Duration) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisRegistryWithClient(client, "test", ttl), mr
}

func testDescriptor(id string, kind core.AgentKind, caps ...string) *core.AgentDescriptor {
	return &core.AgentDescriptor{
		ID:           id,
		Kind:         kind,
		Capabilities: caps,
		Endpoint:     "http://" + id + ".agents.local:9000",
	}
}

func TestRegisterAndList(t *testing.T) {
	reg, _ := newTestRegistry(t, 15*time.Second)
	ctx := context.Background()

	token, err := reg.Register(ctx, testDescriptor("a1", core.KindNarrative, "therapeutic"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if token == "" {
		t.Fatal("register returned empty token")
	}

	descs, err := reg.List(ctx, core.KindNarrative)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(descs) != 1 || descs[0].ID != "a1" {
		t.Fatalf("list = %+v, want [a1]", descs)
	}
	if descs[0].LastHeartbeat.IsZero() {
		t.Fatal("register did not stamp last_heartbeat")
	}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	reg, _ := newTestRegistry(t, 15*time.Second)
	ctx := context.Background()

	if _, err := reg.Register(ctx, testDescriptor("a1", core.KindNarrative)); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := reg.Register(ctx, testDescriptor("a1", core.KindNarrative))
	if !errors.Is(err, core.ErrAlreadyRegistered) {
		t.Fatalf("error = %v, want ErrAlreadyRegistered", err)
	}
}

func TestHeartbeatUpdatesLoad(t *testing.T) {
	reg, _ := newTestRegistry(t, 15*time.Second)
	ctx := context.Background()

	token, err := reg.Register(ctx, testDescriptor("a1", core.KindWorld))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Idempotent within a TTL window: repeated heartbeats differ only in
	// the final load value.
	for load := 1; load <= 3; load++ {
		if err := reg.Heartbeat(ctx, token, load); err != nil {
			t.Fatalf("heartbeat %d: %v", load, err)
		}
	}

	descs, err := reg.List(ctx, core.KindWorld)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(descs) != 1 || descs[0].Load != 3 {
		t.Fatalf("load = %+v, want 3", descs)
	}
}

func TestHeartbeatUnknownToken(t *testing.T) {
	reg, _ := newTestRegistry(t, 15*time.Second)
	err := reg.Heartbeat(context.Background(), "no-such-token", 0)
	if !errors.Is(err, core.ErrUnknownAgent) {
		t.Fatalf("error = %v, want ErrUnknownAgent", err)
	}
}

func TestDeregisterRoundTrip(t *testing.T) {
	reg, _ := newTestRegistry(t, 15*time.Second)
	ctx := context.Background()

	token, err := reg.Register(ctx, testDescriptor("a1", core.KindNarrative, "general"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Deregister(ctx, token); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	descs, err := reg.List(ctx, core.KindNarrative)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(descs) != 0 {
		t.Fatalf("list after deregister = %+v, want empty", descs)
	}

	// Idempotent.
	if err := reg.Deregister(ctx, token); err != nil {
		t.Fatalf("second deregister: %v", err)
	}

	// The token is gone too: heartbeats must prompt re-registration.
	if err := reg.Heartbeat(ctx, token, 0); !errors.Is(err, core.ErrUnknownAgent) {
		t.Fatalf("heartbeat after deregister = %v, want ErrUnknownAgent", err)
	}
}

func TestTTLExpiryPurgesRecord(t *testing.T) {
	reg, mr := newTestRegistry(t, 15*time.Second)
	ctx := context.Background()

	token, err := reg.Register(ctx, testDescriptor("a1", core.KindNarrative))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	mr.FastForward(16 * time.Second)

	if err := reg.Heartbeat(ctx, token, 0); !errors.Is(err, core.ErrUnknownAgent) {
		t.Fatalf("heartbeat after expiry = %v, want ErrUnknownAgent", err)
	}
	descs, err := reg.List(ctx, core.KindNarrative)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(descs) != 0 {
		t.Fatalf("list after expiry = %+v, want empty", descs)
	}

	// The agent can now register again under the same ID.
	if _, err := reg.Register(ctx, testDescriptor("a1", core.KindNarrative)); err != nil {
		t.Fatalf("re-register after expiry: %v", err)
	}
}

func TestWatchDeliversMembershipChanges(t *testing.T) {
	reg, _ := newTestRegistry(t, 15*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := reg.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	token, err := reg.Register(ctx, testDescriptor("a1", core.KindInput, "parsing"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ev := waitEvent(t, events)
	if ev.Op != "added" || ev.Descriptor.ID != "a1" {
		t.Fatalf("event = %+v, want added a1", ev)
	}

	if err := reg.Deregister(ctx, token); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	ev = waitEvent(t, events)
	if ev.Op != "removed" || ev.Descriptor.ID != "a1" {
		t.Fatalf("event = %+v, want removed a1", ev)
	}
}

func waitEvent(t *testing.T, events <-chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch event")
		return ChangeEvent{}
	}
}

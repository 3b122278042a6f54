package registry

import (
	"context"
	"testing"
	"time"

	"github.com/storymind-ai/storymind/core"
)

func startHeartbeater(t *testing.T, reg *RedisRegistry, desc *core.AgentDescriptor, interval time.Duration) (*Heartbeater, context.CancelFunc, chan error) {
	t.Helper()
	hb := NewHeartbeater(reg, desc, core.RegistryConfig{
		HeartbeatInterval: interval,
		RetryBase:         10 * time.Millisecond,
		RetryCap:          50 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hb.Run(ctx) }()
	return hb, cancel, done
}

func TestHeartbeaterKeepsRegistrationAlive(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	hb, cancel, done := startHeartbeater(t, reg, testDescriptor("a1", core.KindNarrative), 20*time.Millisecond)
	defer cancel()

	eventually(t, 2*time.Second, func() bool { return hb.Token() != "" }, "never registered")

	hb.SetLoad(4)
	eventually(t, 2*time.Second, func() bool {
		descs, err := reg.List(ctx, core.KindNarrative)
		return err == nil && len(descs) == 1 && descs[0].Load == 4
	}, "load update never reached the store")

	// Stopping the heartbeater deregisters the agent.
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeater did not stop")
	}

	descs, err := reg.List(ctx, core.KindNarrative)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(descs) != 0 {
		t.Fatalf("list after shutdown = %+v, want empty", descs)
	}
}

func TestHeartbeaterReRegistersAfterExpiry(t *testing.T) {
	reg, mr := newTestRegistry(t, 150*time.Millisecond)
	ctx := context.Background()

	hb, cancel, _ := startHeartbeater(t, reg, testDescriptor("a1", core.KindNarrative), 20*time.Millisecond)
	defer cancel()

	eventually(t, 2*time.Second, func() bool { return hb.Token() != "" }, "never registered")
	first := hb.Token()

	// Purge the record and token as a TTL expiry would.
	mr.FastForward(time.Second)

	// The next heartbeat sees the purge and re-registers under a new token.
	eventually(t, 5*time.Second, func() bool {
		token := hb.Token()
		if token == "" || token == first {
			return false
		}
		descs, err := reg.List(ctx, core.KindNarrative)
		return err == nil && len(descs) == 1
	}, "agent never re-registered after record expiry")
}

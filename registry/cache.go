package registry

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/storymind-ai/storymind/core"
)

// Cache serves capability lookups from an in-memory snapshot so the routing
// hot path never waits on a network round-trip. A single writer goroutine
// consumes the watch stream and performs a forced resync on an interval or
// on any detected inconsistency; readers see a consistent view via an
// atomic pointer swap.
//
// The cache is eventually consistent. During a store outage it keeps
// serving the last known contents (degraded mode); the circuit breaker
// compensates for briefly listed dead agents.
type Cache struct {
	registry *RedisRegistry
	logger   core.Logger
	recorder core.Recorder

	resyncInterval time.Duration

	// snapshot holds map[core.AgentKind]map[string]*core.AgentDescriptor.
	// Written only by the run loop; read lock-free everywhere.
	snapshot atomic.Value

	// degraded is 1 while the last resync failed.
	degraded atomic.Bool

	lastSync atomic.Value // time.Time
}

type fleetSnapshot map[core.AgentKind]map[string]*core.AgentDescriptor

// NewCache creates a lookup cache over the given registry.
func NewCache(registry *RedisRegistry, resyncInterval time.Duration, logger core.Logger, recorder core.Recorder) *Cache {
	if resyncInterval <= 0 {
		resyncInterval = 30 * time.Second
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if recorder == nil {
		recorder = &core.NoOpRecorder{}
	}
	c := &Cache{
		registry:       registry,
		logger:         logger,
		recorder:       recorder,
		resyncInterval: resyncInterval,
	}
	c.snapshot.Store(fleetSnapshot{})
	c.lastSync.Store(time.Time{})
	return c
}

// Start launches the watch consumer and resync loop. It performs one
// blocking resync first so lookups have data as soon as Start returns.
func (c *Cache) Start(ctx context.Context) error {
	if err := c.resync(ctx); err != nil {
		// A cold start against an unreachable store begins empty and
		// degraded; the loop keeps retrying.
		c.logger.Warn("Initial registry sync failed, starting degraded", map[string]interface{}{
			"error": err,
		})
	}

	go c.run(ctx)
	return nil
}

func (c *Cache) run(ctx context.Context) {
	var watch <-chan ChangeEvent

	ticker := time.NewTicker(c.resyncInterval)
	defer ticker.Stop()

	for {
		if watch == nil {
			ch, err := c.registry.Watch(ctx)
			if err != nil {
				c.degraded.Store(true)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			watch = ch
			// The watch may have missed events while down; resync once
			// it is re-established.
			if err := c.resync(ctx); err != nil {
				c.logger.Warn("Registry resync failed after watch reconnect", map[string]interface{}{
					"error": err,
				})
			}
		}

		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watch:
			if !ok {
				watch = nil
				continue
			}
			c.apply(ev)

		case <-ticker.C:
			if err := c.resync(ctx); err != nil {
				c.logger.Warn("Registry resync failed, serving cached fleet", map[string]interface{}{
					"error": err,
				})
			} else {
				c.sweepStale()
			}
		}
	}
}

// apply folds one watch event into a fresh snapshot.
func (c *Cache) apply(ev ChangeEvent) {
	if ev.Descriptor == nil || ev.Descriptor.ID == "" {
		return
	}

	current := c.snapshot.Load().(fleetSnapshot)
	next := cloneSnapshot(current)

	switch ev.Op {
	case opAdded, opUpdated:
		kind := ev.Descriptor.Kind
		if next[kind] == nil {
			next[kind] = make(map[string]*core.AgentDescriptor)
		}
		next[kind][ev.Descriptor.ID] = ev.Descriptor
	case opRemoved:
		for kind := range next {
			delete(next[kind], ev.Descriptor.ID)
		}
	default:
		return
	}

	c.snapshot.Store(next)
}

// resync replaces the snapshot with the store's current contents.
func (c *Cache) resync(ctx context.Context) error {
	descs, err := c.registry.ListAll(ctx)
	if err != nil {
		c.degraded.Store(true)
		c.recorder.Counter("registry.cache.resync_failures", 1, nil)
		return err
	}

	next := make(fleetSnapshot)
	for _, d := range descs {
		if next[d.Kind] == nil {
			next[d.Kind] = make(map[string]*core.AgentDescriptor)
		}
		next[d.Kind][d.ID] = d
	}

	c.snapshot.Store(next)
	c.lastSync.Store(time.Now())
	if c.degraded.Swap(false) {
		c.logger.Info("Registry cache recovered from degraded mode", map[string]interface{}{
			"agents": len(descs),
		})
	}
	c.recorder.Gauge("registry.cache.agents", float64(len(descs)), nil)
	return nil
}

// sweepStale drops entries whose heartbeat is older than the record TTL.
// Only runs after a successful resync so an outage never empties the cache.
func (c *Cache) sweepStale() {
	ttl := c.registry.TTL()
	cutoff := time.Now().Add(-ttl)

	current := c.snapshot.Load().(fleetSnapshot)
	var stale bool
	for _, byID := range current {
		for _, d := range byID {
			if d.LastHeartbeat.Before(cutoff) {
				stale = true
			}
		}
	}
	if !stale {
		return
	}

	next := make(fleetSnapshot)
	for kind, byID := range current {
		for id, d := range byID {
			if d.LastHeartbeat.Before(cutoff) {
				continue
			}
			if next[kind] == nil {
				next[kind] = make(map[string]*core.AgentDescriptor)
			}
			next[kind][id] = d
		}
	}
	c.snapshot.Store(next)
}

// Lookup returns all live agents matching kind and a superset of the
// required capabilities, ordered by load ascending with ties broken by
// lowest agent ID. It never blocks on the network.
func (c *Cache) Lookup(kind core.AgentKind, capabilities []string) []*core.AgentDescriptor {
	current := c.snapshot.Load().(fleetSnapshot)
	byID := current[kind]
	if len(byID) == 0 {
		return nil
	}

	out := make([]*core.AgentDescriptor, 0, len(byID))
	for _, d := range byID {
		if d.HasCapabilities(capabilities) {
			out = append(out, d)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Load != out[j].Load {
			return out[i].Load < out[j].Load
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Degraded reports whether the last resync failed and the cache is serving
// stale contents.
func (c *Cache) Degraded() bool {
	return c.degraded.Load()
}

// LastSync returns the time of the last successful resync.
func (c *Cache) LastSync() time.Time {
	return c.lastSync.Load().(time.Time)
}

func cloneSnapshot(s fleetSnapshot) fleetSnapshot {
	next := make(fleetSnapshot, len(s))
	for kind, byID := range s {
		m := make(map[string]*core.AgentDescriptor, len(byID))
		for id, d := range byID {
			m[id] = d
		}
		next[kind] = m
	}
	return next
}

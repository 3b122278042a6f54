// Package registry maintains the authoritative set of live agents in a
// shared Redis store so every orchestrator instance sees the same fleet.
// Lookups are served from a local cache fed by a watch stream; Redis is
// never on the lookup hot path.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/storymind-ai/storymind/core"
)

// Watch event operations published on the registry channel.
const (
	opAdded   = "added"
	opRemoved = "removed"
	opUpdated = "updated"
)

// ChangeEvent is one fleet membership change delivered by Watch.
type ChangeEvent struct {
	Op         string                `json:"op"`
	Descriptor *core.AgentDescriptor `json:"descriptor"`
}

// RedisRegistry implements registration, heartbeat and deregistration
// against Redis. Descriptor records carry a TTL of three heartbeat
// intervals; an agent that stops heartbeating is purged by expiry.
type RedisRegistry struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	logger    core.Logger
	recorder  core.Recorder
}

// NewRedisRegistry creates a registry client. The TTL should be three times
// the heartbeat interval (15s for the default 5s heartbeat).
func NewRedisRegistry(redisURL, namespace string, ttl time.Duration) (*RedisRegistry, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", core.ErrInvalidConfiguration)
	}

	// Production-grade connection settings.
	opt.PoolSize = 10
	opt.MinIdleConns = 5
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 100 * time.Millisecond
	opt.MaxRetryBackoff = time.Second
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = 5 * time.Second

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", core.ErrUnavailable)
	}

	if ttl <= 0 {
		ttl = 15 * time.Second
	}

	return &RedisRegistry{
		client:    client,
		namespace: namespace,
		ttl:       ttl,
		logger:    &core.NoOpLogger{},
		recorder:  &core.NoOpRecorder{},
	}, nil
}

// NewRedisRegistryWithClient wraps an existing client. Used by tests and by
// components sharing one connection pool.
func NewRedisRegistryWithClient(client *redis.Client, namespace string, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisRegistry{
		client:    client,
		namespace: namespace,
		ttl:       ttl,
		logger:    &core.NoOpLogger{},
		recorder:  &core.NoOpRecorder{},
	}
}

// SetLogger sets the logger for the registry client.
func (r *RedisRegistry) SetLogger(logger core.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetRecorder sets the metrics recorder.
func (r *RedisRegistry) SetRecorder(recorder core.Recorder) {
	if recorder != nil {
		r.recorder = recorder
	}
}

// Client exposes the underlying Redis client for components that share the
// pool (hub fan-out, sequence coordinator).
func (r *RedisRegistry) Client() *redis.Client {
	return r.client
}

// TTL returns the configured record TTL.
func (r *RedisRegistry) TTL() time.Duration {
	return r.ttl
}

func (r *RedisRegistry) agentKey(id string) string {
	return fmt.Sprintf("%s:agents:%s", r.namespace, id)
}

func (r *RedisRegistry) tokenKey(token string) string {
	return fmt.Sprintf("%s:tokens:%s", r.namespace, token)
}

func (r *RedisRegistry) kindKey(kind core.AgentKind) string {
	return fmt.Sprintf("%s:kinds:%s", r.namespace, kind)
}

func (r *RedisRegistry) eventsChannel() string {
	return fmt.Sprintf("%s:registry:events", r.namespace)
}

// Register stores the descriptor and returns the token the agent must use
// for subsequent heartbeats. Fails with ErrAlreadyRegistered while a live
// record for the same agent ID exists.
func (r *RedisRegistry) Register(ctx context.Context, desc *core.AgentDescriptor) (string, error) {
	if desc == nil || desc.ID == "" || desc.Kind == "" {
		return "", fmt.Errorf("descriptor requires id and kind: %w", core.ErrInvalidRequest)
	}

	desc.LastHeartbeat = time.Now().UTC()

	data, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal descriptor for %s: %w", desc.ID, err)
	}

	// SETNX guards against double registration of a live agent ID.
	ok, err := r.client.SetNX(ctx, r.agentKey(desc.ID), data, r.ttl).Result()
	if err != nil {
		r.logger.Error("Failed to register agent", map[string]interface{}{
			"agent_id": desc.ID,
			"error":    err,
		})
		return "", fmt.Errorf("register %s: %w", desc.ID, core.ErrUnavailable)
	}
	if !ok {
		return "", fmt.Errorf("agent %s: %w", desc.ID, core.ErrAlreadyRegistered)
	}

	token := uuid.NewString()

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.tokenKey(token), desc.ID, r.ttl)
	pipe.SAdd(ctx, r.kindKey(desc.Kind), desc.ID)
	pipe.Expire(ctx, r.kindKey(desc.Kind), r.ttl*2)
	if _, err := pipe.Exec(ctx); err != nil {
		// Roll back the record so a retry is not rejected as live.
		r.client.Del(ctx, r.agentKey(desc.ID))
		return "", fmt.Errorf("register %s: %w", desc.ID, core.ErrUnavailable)
	}

	r.publishChange(ctx, opAdded, desc)

	r.logger.Info("Agent registered", map[string]interface{}{
		"agent_id":     desc.ID,
		"agent_kind":   string(desc.Kind),
		"capabilities": len(desc.Capabilities),
		"endpoint":     desc.Endpoint,
		"ttl":          r.ttl.String(),
	})
	r.recorder.Counter("registry.registrations", 1, map[string]string{"kind": string(desc.Kind)})

	return token, nil
}

// Heartbeat refreshes the record TTL and updates the reported load. Returns
// ErrUnknownAgent when the record has already been purged, signalling the
// agent to re-register.
func (r *RedisRegistry) Heartbeat(ctx context.Context, token string, load int) error {
	agentID, err := r.client.Get(ctx, r.tokenKey(token)).Result()
	if err == redis.Nil {
		return core.ErrUnknownAgent
	}
	if err != nil {
		return fmt.Errorf("heartbeat: %w", core.ErrUnavailable)
	}

	data, err := r.client.Get(ctx, r.agentKey(agentID)).Result()
	if err == redis.Nil {
		return core.ErrUnknownAgent
	}
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", agentID, core.ErrUnavailable)
	}

	var desc core.AgentDescriptor
	if err := json.Unmarshal([]byte(data), &desc); err != nil {
		return fmt.Errorf("heartbeat %s: corrupt record: %w", agentID, err)
	}
	desc.Load = load
	desc.LastHeartbeat = time.Now().UTC()

	updated, err := json.Marshal(&desc)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", agentID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.agentKey(agentID), updated, r.ttl)
	pipe.Expire(ctx, r.tokenKey(token), r.ttl)
	pipe.Expire(ctx, r.kindKey(desc.Kind), r.ttl*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("heartbeat %s: %w", agentID, core.ErrUnavailable)
	}

	// Load updates keep lookup ordering fresh across instances; caches
	// treat them as silent refreshes rather than membership changes.
	r.publishChange(ctx, opUpdated, &desc)

	return nil
}

// Deregister removes the record immediately. Idempotent: deregistering an
// unknown or expired token succeeds.
func (r *RedisRegistry) Deregister(ctx context.Context, token string) error {
	agentID, err := r.client.Get(ctx, r.tokenKey(token)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deregister: %w", core.ErrUnavailable)
	}

	var desc core.AgentDescriptor
	if data, err := r.client.Get(ctx, r.agentKey(agentID)).Result(); err == nil {
		_ = json.Unmarshal([]byte(data), &desc)
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.agentKey(agentID))
	pipe.Del(ctx, r.tokenKey(token))
	if desc.Kind != "" {
		pipe.SRem(ctx, r.kindKey(desc.Kind), agentID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deregister %s: %w", agentID, core.ErrUnavailable)
	}

	if desc.ID != "" {
		r.publishChange(ctx, opRemoved, &desc)
	} else {
		r.publishChange(ctx, opRemoved, &core.AgentDescriptor{ID: agentID})
	}

	r.logger.Info("Agent deregistered", map[string]interface{}{
		"agent_id": agentID,
	})
	return nil
}

// List returns every live descriptor of the given kind, straight from the
// store. Used by the cache resync; routing lookups go through the cache.
func (r *RedisRegistry) List(ctx context.Context, kind core.AgentKind) ([]*core.AgentDescriptor, error) {
	ids, err := r.client.SMembers(ctx, r.kindKey(kind)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("list %s: %w", kind, core.ErrUnavailable)
	}

	var out []*core.AgentDescriptor
	for _, id := range ids {
		data, err := r.client.Get(ctx, r.agentKey(id)).Result()
		if err == redis.Nil {
			// Expired record still present in the index; prune lazily.
			r.client.SRem(ctx, r.kindKey(kind), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", kind, core.ErrUnavailable)
		}
		var desc core.AgentDescriptor
		if err := json.Unmarshal([]byte(data), &desc); err != nil {
			// Skip malformed entries.
			continue
		}
		out = append(out, &desc)
	}
	return out, nil
}

// ListAll returns every live descriptor across all kinds.
func (r *RedisRegistry) ListAll(ctx context.Context) ([]*core.AgentDescriptor, error) {
	kinds := []core.AgentKind{core.KindInput, core.KindWorld, core.KindNarrative, core.KindSafety, core.KindCustom}
	var out []*core.AgentDescriptor
	for _, kind := range kinds {
		descs, err := r.List(ctx, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, descs...)
	}
	return out, nil
}

// Watch subscribes to fleet membership changes. The returned channel closes
// when ctx is cancelled. Updated events are delivered alongside added and
// removed so cache consumers can refresh load values.
func (r *RedisRegistry) Watch(ctx context.Context) (<-chan ChangeEvent, error) {
	sub := r.client.Subscribe(ctx, r.eventsChannel())
	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("watch: %w", core.ErrUnavailable)
	}

	out := make(chan ChangeEvent, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.logger.Warn("Dropping malformed registry event", map[string]interface{}{
						"error":   err,
						"payload": msg.Payload,
					})
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *RedisRegistry) publishChange(ctx context.Context, op string, desc *core.AgentDescriptor) {
	data, err := json.Marshal(ChangeEvent{Op: op, Descriptor: desc})
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, r.eventsChannel(), data).Err(); err != nil {
		r.logger.Debug("Failed to publish registry event", map[string]interface{}{
			"op":       op,
			"agent_id": desc.ID,
			"error":    err,
		})
	}
}

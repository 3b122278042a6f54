package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/storymind-ai/storymind/core"
)

// RedisStore backs the idempotency cache with Redis so duplicates are
// caught across orchestrator instances.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "storymind"
	}
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) key(k string) string {
	return fmt.Sprintf("%s:kv:%s", s.namespace, k)
}

// Get returns the stored value, or "" when the key is absent or expired.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store get %s: %w", key, core.ErrUnavailable)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("store set %s: %w", key, core.ErrUnavailable)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("store delete %s: %w", key, core.ErrUnavailable)
	}
	return nil
}

// dedupRecord is what the idempotency cache remembers about a completed
// request: the outcome returned verbatim for duplicates, never re-executed
// and never republished.
type dedupRecord struct {
	Response *core.AgentResponse `json:"response"`
}

// dedup wraps a Store with the request_id keyed record format.
type dedup struct {
	store core.Store
	ttl   time.Duration
}

func newDedup(store core.Store, ttl time.Duration) *dedup {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &dedup{store: store, ttl: ttl}
}

func (d *dedup) lookup(ctx context.Context, requestID string) (*dedupRecord, error) {
	if d.store == nil {
		return nil, nil
	}
	raw, err := d.store.Get(ctx, "dedup:"+requestID)
	if err != nil || raw == "" {
		return nil, err
	}
	var rec dedupRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, nil
	}
	return &rec, nil
}

func (d *dedup) record(ctx context.Context, requestID string, rec *dedupRecord) error {
	if d.store == nil {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return d.store.Set(ctx, "dedup:"+requestID, string(raw), d.ttl)
}

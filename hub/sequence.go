package hub

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/storymind-ai/storymind/core"
)

// Sequencer allocates per-topic monotonic sequence numbers. Instances share
// sequence space so that events published anywhere interleave correctly.
type Sequencer interface {
	Next(ctx context.Context, topic string) (int64, error)

	// Current returns the last allocated sequence for topic without
	// advancing it, 0 when the topic has never been published.
	Current(ctx context.Context, topic string) (int64, error)
}

// RedisSequencer coordinates sequences through an atomic counter key per
// topic, shared by every orchestrator instance on the same namespace.
type RedisSequencer struct {
	client    *redis.Client
	namespace string
}

// NewRedisSequencer wraps an existing client, typically the registry's.
func NewRedisSequencer(client *redis.Client, namespace string) *RedisSequencer {
	if namespace == "" {
		namespace = "storymind"
	}
	return &RedisSequencer{client: client, namespace: namespace}
}

func (s *RedisSequencer) key(topic string) string {
	return fmt.Sprintf("%s:seq:%s", s.namespace, topic)
}

// Next atomically increments the topic's counter. The first event on a
// topic gets sequence 1.
func (s *RedisSequencer) Next(ctx context.Context, topic string) (int64, error) {
	seq, err := s.client.Incr(ctx, s.key(topic)).Result()
	if err != nil {
		return 0, fmt.Errorf("sequence for topic %s: %w", topic, core.ErrUnavailable)
	}
	return seq, nil
}

// Current reads the counter without touching it.
func (s *RedisSequencer) Current(ctx context.Context, topic string) (int64, error) {
	seq, err := s.client.Get(ctx, s.key(topic)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sequence for topic %s: %w", topic, core.ErrUnavailable)
	}
	return seq, nil
}

// LocalSequencer is the in-process fallback used by tests and single-node
// deployments without Redis.
type LocalSequencer struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewLocalSequencer() *LocalSequencer {
	return &LocalSequencer{counters: make(map[string]int64)}
}

func (s *LocalSequencer) Next(_ context.Context, topic string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[topic]++
	return s.counters[topic], nil
}

func (s *LocalSequencer) Current(_ context.Context, topic string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[topic], nil
}

package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the orchestration core.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
type Config struct {
	// InstanceID identifies this orchestrator instance in welcome frames
	// and pub/sub channels. Generated when empty.
	InstanceID string `json:"instance_id" yaml:"instance_id" env:"STORYMIND_INSTANCE_ID"`

	// RedisURL is the shared key-value store backing the registry, the
	// event hub fan-out and the sequence coordinator.
	RedisURL string `json:"redis_url" yaml:"redis_url" env:"STORYMIND_REDIS_URL"`

	// Namespace prefixes every Redis key and channel.
	Namespace string `json:"namespace" yaml:"namespace" env:"STORYMIND_NAMESPACE"`

	Registry     RegistryConfig     `json:"registry" yaml:"registry"`
	Router       RouterConfig       `json:"router" yaml:"router"`
	Breaker      BreakerConfig      `json:"breaker" yaml:"breaker"`
	Safety       SafetyConfig       `json:"safety" yaml:"safety"`
	Hub          HubConfig          `json:"hub" yaml:"hub"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
}

// RegistryConfig controls agent liveness.
type RegistryConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" env:"STORYMIND_REGISTRY_HEARTBEAT_INTERVAL"`
	TTL               time.Duration `json:"ttl" yaml:"ttl" env:"STORYMIND_REGISTRY_TTL"`

	// ResyncInterval is the forced cache re-sync period.
	ResyncInterval time.Duration `json:"resync_interval" yaml:"resync_interval" env:"STORYMIND_REGISTRY_RESYNC_INTERVAL"`

	// RetryBase and RetryCap bound the agent-side jittered backoff used
	// when register/heartbeat fail with Unavailable.
	RetryBase time.Duration `json:"retry_base" yaml:"retry_base"`
	RetryCap  time.Duration `json:"retry_cap" yaml:"retry_cap"`
}

// RouterConfig controls candidate selection and overflow.
type RouterConfig struct {
	ConcurrencyCapPerAgent int `json:"concurrency_cap_per_agent" yaml:"concurrency_cap_per_agent" env:"STORYMIND_ROUTER_CONCURRENCY_CAP"`
	QueueDepth             int `json:"queue_depth" yaml:"queue_depth" env:"STORYMIND_ROUTER_QUEUE_DEPTH"`
}

// BreakerConfig controls the per-target circuit breakers. Safety-critical
// targets (the safety classifier) use the tighter thresholds.
type BreakerConfig struct {
	FailureThresholdDefault int           `json:"failure_threshold_default" yaml:"failure_threshold_default" env:"STORYMIND_BREAKER_THRESHOLD"`
	FailureThresholdSafety  int           `json:"failure_threshold_safety" yaml:"failure_threshold_safety" env:"STORYMIND_BREAKER_THRESHOLD_SAFETY"`
	FailureWindow           time.Duration `json:"failure_window" yaml:"failure_window"`
	CooldownDefault         time.Duration `json:"cooldown_default" yaml:"cooldown_default" env:"STORYMIND_BREAKER_COOLDOWN"`
	CooldownSafety          time.Duration `json:"cooldown_safety" yaml:"cooldown_safety" env:"STORYMIND_BREAKER_COOLDOWN_SAFETY"`
	HalfOpenProbes          int           `json:"half_open_probes" yaml:"half_open_probes" env:"STORYMIND_BREAKER_HALF_OPEN_PROBES"`
}

// SafetyConfig controls the validation pipeline.
type SafetyConfig struct {
	ModeDefault          SafetyMode `json:"mode_default" yaml:"mode_default" env:"STORYMIND_SAFETY_MODE"`
	RewriteCapPerPayload int        `json:"rewrite_cap_per_payload" yaml:"rewrite_cap_per_payload"`
	ScoreThresholdWarn   float64    `json:"score_threshold_warn" yaml:"score_threshold_warn" env:"STORYMIND_SAFETY_SCORE_THRESHOLD"`

	// ScoreThresholdStrict is the lowered threshold applied in strict mode.
	ScoreThresholdStrict float64 `json:"score_threshold_strict" yaml:"score_threshold_strict"`
}

// HubConfig controls event delivery.
type HubConfig struct {
	TopicBuffer           int    `json:"topic_buffer" yaml:"topic_buffer" env:"STORYMIND_HUB_TOPIC_BUFFER"`
	SlowConsumerWatermark int    `json:"slow_consumer_watermark" yaml:"slow_consumer_watermark" env:"STORYMIND_HUB_SLOW_CONSUMER_WATERMARK"`
	PublicTopicPrefix     string `json:"public_topic_prefix" yaml:"public_topic_prefix"`
}

// OrchestratorConfig controls the request pipeline.
type OrchestratorConfig struct {
	RetryMax  int           `json:"retry_max" yaml:"retry_max" env:"STORYMIND_ORCH_RETRY_MAX"`
	RetryBase time.Duration `json:"retry_base" yaml:"retry_base"`
	RetryCap  time.Duration `json:"retry_cap" yaml:"retry_cap"`
	DedupTTL  time.Duration `json:"dedup_ttl" yaml:"dedup_ttl" env:"STORYMIND_ORCH_DEDUP_TTL"`

	// DefaultDeadline applies when a request frame omits deadline_ms.
	DefaultDeadline time.Duration `json:"default_deadline" yaml:"default_deadline"`

	// IdleTimeout evicts in-memory conversation state with no activity for
	// this long. Crisis-state conversations are exempt; zero disables
	// eviction.
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout" env:"STORYMIND_ORCH_IDLE_TIMEOUT"`
}

// Option is a functional configuration option.
type Option func(*Config)

// NewConfig builds a Config from defaults, environment and options, in
// ascending priority.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnvironment()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		RedisURL:  "redis://localhost:6379",
		Namespace: "storymind",
		Registry: RegistryConfig{
			HeartbeatInterval: 5 * time.Second,
			TTL:               15 * time.Second,
			ResyncInterval:    30 * time.Second,
			RetryBase:         500 * time.Millisecond,
			RetryCap:          15 * time.Second,
		},
		Router: RouterConfig{
			ConcurrencyCapPerAgent: 16,
			QueueDepth:             128,
		},
		Breaker: BreakerConfig{
			FailureThresholdDefault: 5,
			FailureThresholdSafety:  3,
			FailureWindow:           30 * time.Second,
			CooldownDefault:         60 * time.Second,
			CooldownSafety:          30 * time.Second,
			HalfOpenProbes:          3,
		},
		Safety: SafetyConfig{
			ModeDefault:          SafetyNormal,
			RewriteCapPerPayload: 1,
			ScoreThresholdWarn:   0.4,
			ScoreThresholdStrict: 0.6,
		},
		Hub: HubConfig{
			TopicBuffer:           1024,
			SlowConsumerWatermark: 256,
			PublicTopicPrefix:     "public.",
		},
		Orchestrator: OrchestratorConfig{
			RetryMax:        2,
			RetryBase:       250 * time.Millisecond,
			RetryCap:        2 * time.Second,
			DedupTTL:        5 * time.Minute,
			DefaultDeadline: 30 * time.Second,
			IdleTimeout:     30 * time.Minute,
		},
	}
}

// applyEnvironment overlays recognized environment variables.
func (c *Config) applyEnvironment() {
	setString(&c.InstanceID, "STORYMIND_INSTANCE_ID")
	setString(&c.RedisURL, "STORYMIND_REDIS_URL")
	// REDIS_URL is honored for parity with common deployment manifests.
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.Namespace, "STORYMIND_NAMESPACE")

	setDuration(&c.Registry.HeartbeatInterval, "STORYMIND_REGISTRY_HEARTBEAT_INTERVAL")
	setDuration(&c.Registry.TTL, "STORYMIND_REGISTRY_TTL")
	setDuration(&c.Registry.ResyncInterval, "STORYMIND_REGISTRY_RESYNC_INTERVAL")

	setInt(&c.Router.ConcurrencyCapPerAgent, "STORYMIND_ROUTER_CONCURRENCY_CAP")
	setInt(&c.Router.QueueDepth, "STORYMIND_ROUTER_QUEUE_DEPTH")

	setInt(&c.Breaker.FailureThresholdDefault, "STORYMIND_BREAKER_THRESHOLD")
	setInt(&c.Breaker.FailureThresholdSafety, "STORYMIND_BREAKER_THRESHOLD_SAFETY")
	setDuration(&c.Breaker.CooldownDefault, "STORYMIND_BREAKER_COOLDOWN")
	setDuration(&c.Breaker.CooldownSafety, "STORYMIND_BREAKER_COOLDOWN_SAFETY")
	setInt(&c.Breaker.HalfOpenProbes, "STORYMIND_BREAKER_HALF_OPEN_PROBES")

	if v := os.Getenv("STORYMIND_SAFETY_MODE"); v != "" && SafetyMode(v).Valid() {
		c.Safety.ModeDefault = SafetyMode(v)
	}
	setFloat(&c.Safety.ScoreThresholdWarn, "STORYMIND_SAFETY_SCORE_THRESHOLD")

	setInt(&c.Hub.TopicBuffer, "STORYMIND_HUB_TOPIC_BUFFER")
	setInt(&c.Hub.SlowConsumerWatermark, "STORYMIND_HUB_SLOW_CONSUMER_WATERMARK")

	setInt(&c.Orchestrator.RetryMax, "STORYMIND_ORCH_RETRY_MAX")
	setDuration(&c.Orchestrator.DedupTTL, "STORYMIND_ORCH_DEDUP_TTL")
	setDuration(&c.Orchestrator.IdleTimeout, "STORYMIND_ORCH_IDLE_TIMEOUT")
}

// Validate verifies internal consistency.
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("redis url is required: %w", ErrMissingConfiguration)
	}
	if c.Registry.HeartbeatInterval <= 0 {
		return fmt.Errorf("registry heartbeat interval must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Registry.TTL < c.Registry.HeartbeatInterval {
		return fmt.Errorf("registry ttl %v below heartbeat interval %v: %w",
			c.Registry.TTL, c.Registry.HeartbeatInterval, ErrInvalidConfiguration)
	}
	if c.Router.ConcurrencyCapPerAgent < 1 {
		return fmt.Errorf("router concurrency cap must be at least 1: %w", ErrInvalidConfiguration)
	}
	if c.Router.QueueDepth < 0 {
		return fmt.Errorf("router queue depth must be non-negative: %w", ErrInvalidConfiguration)
	}
	if c.Breaker.FailureThresholdDefault < 1 || c.Breaker.FailureThresholdSafety < 1 {
		return fmt.Errorf("breaker failure thresholds must be at least 1: %w", ErrInvalidConfiguration)
	}
	if c.Breaker.HalfOpenProbes < 1 {
		return fmt.Errorf("breaker half-open probes must be at least 1: %w", ErrInvalidConfiguration)
	}
	if c.Safety.ScoreThresholdWarn < 0 || c.Safety.ScoreThresholdWarn > 1 {
		return fmt.Errorf("safety score threshold must be within [0,1]: %w", ErrInvalidConfiguration)
	}
	if !c.Safety.ModeDefault.Valid() {
		return fmt.Errorf("unknown safety mode %q: %w", c.Safety.ModeDefault, ErrInvalidConfiguration)
	}
	if c.Hub.TopicBuffer < 1 {
		return fmt.Errorf("hub topic buffer must be at least 1: %w", ErrInvalidConfiguration)
	}
	if c.Hub.SlowConsumerWatermark < 1 {
		return fmt.Errorf("hub slow-consumer watermark must be at least 1: %w", ErrInvalidConfiguration)
	}
	if c.Orchestrator.RetryMax < 0 {
		return fmt.Errorf("orchestrator retry max must be non-negative: %w", ErrInvalidConfiguration)
	}
	return nil
}

// LoadConfigFile reads a JSON or YAML config file and overlays it on top of
// defaults and environment.
func LoadConfigFile(path string, opts ...Option) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator-supplied
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, ErrInvalidConfiguration)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, ErrInvalidConfiguration)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q: %w", ext, ErrInvalidConfiguration)
	}

	cfg.applyEnvironment()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Functional options.

func WithInstanceID(id string) Option {
	return func(c *Config) { c.InstanceID = id }
}

func WithRedisURL(url string) Option {
	return func(c *Config) { c.RedisURL = url }
}

func WithNamespace(ns string) Option {
	return func(c *Config) { c.Namespace = ns }
}

func WithHeartbeat(interval, ttl time.Duration) Option {
	return func(c *Config) {
		c.Registry.HeartbeatInterval = interval
		c.Registry.TTL = ttl
	}
}

func WithRouterLimits(capPerAgent, queueDepth int) Option {
	return func(c *Config) {
		c.Router.ConcurrencyCapPerAgent = capPerAgent
		c.Router.QueueDepth = queueDepth
	}
}

func WithSafetyMode(mode SafetyMode) Option {
	return func(c *Config) { c.Safety.ModeDefault = mode }
}

func WithDedupTTL(ttl time.Duration) Option {
	return func(c *Config) { c.Orchestrator.DedupTTL = ttl }
}

// env parsing helpers

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

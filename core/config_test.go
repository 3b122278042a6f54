package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Registry.TTL != 3*cfg.Registry.HeartbeatInterval {
		t.Fatalf("ttl %v is not three heartbeat intervals (%v)", cfg.Registry.TTL, cfg.Registry.HeartbeatInterval)
	}
	if cfg.Breaker.FailureThresholdSafety >= cfg.Breaker.FailureThresholdDefault {
		t.Fatal("safety threshold must be tighter than the default")
	}
	if cfg.Safety.ScoreThresholdWarn >= cfg.Safety.ScoreThresholdStrict {
		t.Fatal("strict threshold must catch more than the normal one")
	}
}

func TestNewConfigEnvironmentOverlay(t *testing.T) {
	t.Setenv("STORYMIND_REDIS_URL", "redis://test-host:6380")
	t.Setenv("STORYMIND_NAMESPACE", "staging")
	t.Setenv("STORYMIND_REGISTRY_TTL", "45s")
	t.Setenv("STORYMIND_REGISTRY_HEARTBEAT_INTERVAL", "15s")
	t.Setenv("STORYMIND_ROUTER_CONCURRENCY_CAP", "4")
	t.Setenv("STORYMIND_SAFETY_MODE", "strict")
	t.Setenv("STORYMIND_BREAKER_THRESHOLD", "7")

	cfg, err := NewConfig()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.RedisURL != "redis://test-host:6380" {
		t.Errorf("redis url = %q", cfg.RedisURL)
	}
	if cfg.Namespace != "staging" {
		t.Errorf("namespace = %q", cfg.Namespace)
	}
	if cfg.Registry.TTL != 45*time.Second {
		t.Errorf("ttl = %v", cfg.Registry.TTL)
	}
	if cfg.Router.ConcurrencyCapPerAgent != 4 {
		t.Errorf("concurrency cap = %d", cfg.Router.ConcurrencyCapPerAgent)
	}
	if cfg.Safety.ModeDefault != SafetyStrict {
		t.Errorf("safety mode = %s", cfg.Safety.ModeDefault)
	}
	if cfg.Breaker.FailureThresholdDefault != 7 {
		t.Errorf("breaker threshold = %d", cfg.Breaker.FailureThresholdDefault)
	}
}

func TestNewConfigIgnoresInvalidSafetyModeEnv(t *testing.T) {
	t.Setenv("STORYMIND_SAFETY_MODE", "paranoid")

	cfg, err := NewConfig()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Safety.ModeDefault != SafetyNormal {
		t.Fatalf("safety mode = %s, want the default when the env value is unknown", cfg.Safety.ModeDefault)
	}
}

func TestOptionsOverrideEnvironment(t *testing.T) {
	t.Setenv("STORYMIND_NAMESPACE", "from-env")

	cfg, err := NewConfig(
		WithNamespace("from-option"),
		WithRouterLimits(2, 10),
		WithSafetyMode(SafetyStrict),
		WithDedupTTL(time.Minute),
	)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Namespace != "from-option" {
		t.Errorf("namespace = %q, options must win over environment", cfg.Namespace)
	}
	if cfg.Router.ConcurrencyCapPerAgent != 2 || cfg.Router.QueueDepth != 10 {
		t.Errorf("router limits = %d/%d", cfg.Router.ConcurrencyCapPerAgent, cfg.Router.QueueDepth)
	}
	if cfg.Orchestrator.DedupTTL != time.Minute {
		t.Errorf("dedup ttl = %v", cfg.Orchestrator.DedupTTL)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing redis url", func(c *Config) { c.RedisURL = "" }},
		{"ttl below heartbeat", func(c *Config) { c.Registry.TTL = c.Registry.HeartbeatInterval / 2 }},
		{"zero concurrency cap", func(c *Config) { c.Router.ConcurrencyCapPerAgent = 0 }},
		{"negative queue depth", func(c *Config) { c.Router.QueueDepth = -1 }},
		{"zero breaker threshold", func(c *Config) { c.Breaker.FailureThresholdSafety = 0 }},
		{"zero half-open probes", func(c *Config) { c.Breaker.HalfOpenProbes = 0 }},
		{"score threshold above one", func(c *Config) { c.Safety.ScoreThresholdWarn = 1.5 }},
		{"unknown safety mode", func(c *Config) { c.Safety.ModeDefault = "paranoid" }},
		{"zero topic buffer", func(c *Config) { c.Hub.TopicBuffer = 0 }},
		{"negative retry max", func(c *Config) { c.Orchestrator.RetryMax = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); !IsConfigurationError(err) {
				t.Fatalf("error = %v, want configuration error", err)
			}
		})
	}
}

func TestLoadConfigFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `redis_url: redis://file-host:6379
namespace: filetest
registry:
  heartbeat_interval: 2s
  ttl: 6s
router:
  concurrency_cap_per_agent: 8
hub:
  topic_buffer: 64
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisURL != "redis://file-host:6379" || cfg.Namespace != "filetest" {
		t.Errorf("cfg = %q/%q", cfg.RedisURL, cfg.Namespace)
	}
	if cfg.Registry.TTL != 6*time.Second {
		t.Errorf("ttl = %v", cfg.Registry.TTL)
	}
	if cfg.Router.ConcurrencyCapPerAgent != 8 {
		t.Errorf("concurrency cap = %d", cfg.Router.ConcurrencyCapPerAgent)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Breaker.FailureThresholdDefault != 5 {
		t.Errorf("breaker threshold = %d, want default", cfg.Breaker.FailureThresholdDefault)
	}
}

func TestLoadConfigFileRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("redis_url = 'x'"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigFile(path); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("error = %v, want ErrInvalidConfiguration", err)
	}
}

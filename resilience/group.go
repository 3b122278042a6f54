package resilience

import (
	"sync"
	"time"

	"github.com/storymind-ai/storymind/core"
)

// Group manages one breaker per (agent kind, target) pair. Safety-kind
// targets automatically receive the tighter safety profile.
type Group struct {
	cfg      core.BreakerConfig
	logger   core.Logger
	recorder core.Recorder

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewGroup creates a breaker group from the core breaker configuration.
func NewGroup(cfg core.BreakerConfig, logger core.Logger, recorder core.Recorder) *Group {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if recorder == nil {
		recorder = &core.NoOpRecorder{}
	}
	if cfg.FailureThresholdDefault < 1 {
		cfg.FailureThresholdDefault = 5
	}
	if cfg.FailureThresholdSafety < 1 {
		cfg.FailureThresholdSafety = 3
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 30 * time.Second
	}
	if cfg.CooldownDefault <= 0 {
		cfg.CooldownDefault = 60 * time.Second
	}
	if cfg.CooldownSafety <= 0 {
		cfg.CooldownSafety = 30 * time.Second
	}
	if cfg.HalfOpenProbes < 1 {
		cfg.HalfOpenProbes = 3
	}
	return &Group{
		cfg:      cfg,
		logger:   logger,
		recorder: recorder,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for a target, creating it on first use.
func (g *Group) For(kind core.AgentKind, targetID string) *Breaker {
	key := string(kind) + "/" + targetID

	g.mu.RLock()
	b, ok := g.breakers[key]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok = g.breakers[key]; ok {
		return b
	}

	bc := &BreakerConfig{
		Name:             key,
		FailureThreshold: g.cfg.FailureThresholdDefault,
		FailureWindow:    g.cfg.FailureWindow,
		Cooldown:         g.cfg.CooldownDefault,
		HalfOpenProbes:   g.cfg.HalfOpenProbes,
		Logger:           g.logger,
		Recorder:         g.recorder,
	}
	if kind == core.KindSafety {
		bc.FailureThreshold = g.cfg.FailureThresholdSafety
		bc.Cooldown = g.cfg.CooldownSafety
	}

	b = NewBreaker(bc)
	g.breakers[key] = b
	return b
}

// States returns the current state of every known breaker.
func (g *Group) States() map[string]core.CircuitState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]core.CircuitState, len(g.breakers))
	for key, b := range g.breakers {
		out[key] = b.State()
	}
	return out
}

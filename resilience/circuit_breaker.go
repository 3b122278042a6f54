// Package resilience protects outbound destinations from cascading
// failures. Each (agent kind, target) pair gets its own circuit breaker;
// breaker state is process-local by design, so every orchestrator instance
// gauges its own view of a target's health.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/storymind-ai/storymind/core"
)

// Classifier decides which errors count toward the failure threshold.
// Intentional rejections (safety verdicts, invalid requests) must not trip
// the breaker.
type Classifier func(error) bool

// BreakerConfig holds configuration for one circuit breaker.
type BreakerConfig struct {
	// Name identifies the breaker in logs and metrics.
	Name string

	// FailureThreshold is the number of consecutive failures within
	// FailureWindow that opens the circuit.
	FailureThreshold int

	// FailureWindow bounds how far apart consecutive failures may be and
	// still count as one run.
	FailureWindow time.Duration

	// Cooldown is how long the circuit stays open before allowing probes.
	Cooldown time.Duration

	// HalfOpenProbes is the number of concurrent probes allowed in
	// half-open. That many consecutive successes close the circuit.
	HalfOpenProbes int

	Classifier Classifier
	Logger     core.Logger
	Recorder   core.Recorder
}

// DefaultBreakerConfig returns the standard profile for a target.
func DefaultBreakerConfig(name string) *BreakerConfig {
	return &BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		FailureWindow:    30 * time.Second,
		Cooldown:         60 * time.Second,
		HalfOpenProbes:   3,
	}
}

// SafetyBreakerConfig returns the tighter profile used for safety-critical
// targets such as the safety classifier.
func SafetyBreakerConfig(name string) *BreakerConfig {
	cfg := DefaultBreakerConfig(name)
	cfg.FailureThreshold = 3
	cfg.Cooldown = 30 * time.Second
	return cfg
}

// Breaker is a three-state circuit breaker with a consecutive-failure
// threshold. Transitions are never cancelled mid-flight; a process restart
// starts in closed, which is acceptable because the breaker re-learns
// within one window.
type Breaker struct {
	cfg *BreakerConfig

	mu    sync.Mutex
	state core.CircuitState

	// Closed-state failure run.
	consecutiveFailures int
	firstFailureAt      time.Time
	lastFailureAt       time.Time

	openedAt time.Time

	// generation counts state transitions. Tokens carry the generation they
	// were issued under so completions from a finished episode cannot touch
	// the accounting of the current one.
	generation uint64

	// Half-open probe accounting.
	probesInFlight      int
	consecutiveProbeOKs int

	// At most one crisis-bypass probe may be in flight while open.
	bypassProbeInFlight bool

	now func() time.Time
}

// NewBreaker creates a breaker from config, applying defaults for missing
// values.
func NewBreaker(cfg *BreakerConfig) *Breaker {
	if cfg == nil {
		cfg = DefaultBreakerConfig("default")
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 30 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.HalfOpenProbes < 1 {
		cfg.HalfOpenProbes = 3
	}
	if cfg.Classifier == nil {
		cfg.Classifier = core.CountsAsBreakerFailure
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = &core.NoOpRecorder{}
	}
	return &Breaker{
		cfg:   cfg,
		state: core.CircuitClosed,
		now:   time.Now,
	}
}

// token describes an admitted execution so its completion is attributed to
// the right state and episode.
type token struct {
	halfOpenProbe bool
	bypassProbe   bool
	generation    uint64
}

// Execute runs fn with circuit breaker protection. A request with
// safety_mode=crisis-bypass may probe once even while the circuit is open.
func (b *Breaker) Execute(ctx context.Context, mode core.SafetyMode, fn func(context.Context) error) error {
	tok, ok := b.acquire(mode)
	if !ok {
		b.cfg.Recorder.Counter("breaker.rejections", 1, map[string]string{"target": b.cfg.Name})
		return fmt.Errorf("circuit breaker %q: %w", b.cfg.Name, core.ErrCircuitOpen)
	}

	err := fn(ctx)
	b.complete(tok, err)
	return err
}

// State returns the current state, applying the open→half_open cooldown
// transition if due.
func (b *Breaker) State() core.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// CanExecute reports whether a normal-mode request would be admitted.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	switch b.state {
	case core.CircuitClosed:
		return true
	case core.CircuitHalfOpen:
		return b.probesInFlight < b.cfg.HalfOpenProbes
	default:
		return false
	}
}

func (b *Breaker) acquire(mode core.SafetyMode) (token, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked()

	switch b.state {
	case core.CircuitClosed:
		return token{}, true

	case core.CircuitHalfOpen:
		if b.probesInFlight >= b.cfg.HalfOpenProbes {
			return token{}, false
		}
		b.probesInFlight++
		return token{halfOpenProbe: true, generation: b.generation}, true

	case core.CircuitOpen:
		if mode == core.SafetyCrisisBypass && !b.bypassProbeInFlight {
			b.bypassProbeInFlight = true
			return token{bypassProbe: true, generation: b.generation}, true
		}
		return token{}, false
	}
	return token{}, false
}

func (b *Breaker) complete(tok token, err error) {
	failure := err != nil && b.cfg.Classifier(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	if tok.bypassProbe {
		b.bypassProbeInFlight = false
		// A failed bypass probe restarts the cooldown; a successful one
		// leaves the normal recovery path untouched.
		if failure && b.state == core.CircuitOpen && tok.generation == b.generation {
			b.openedAt = b.now()
		}
		return
	}

	if tok.halfOpenProbe {
		if tok.generation != b.generation {
			// A transition already ended this probe's episode and reset the
			// in-flight count; late completions must not disturb the new one.
			return
		}
		b.probesInFlight--
		if failure {
			b.transitionLocked(core.CircuitOpen)
			return
		}
		b.consecutiveProbeOKs++
		if b.consecutiveProbeOKs >= b.cfg.HalfOpenProbes {
			b.transitionLocked(core.CircuitClosed)
		}
		return
	}

	// Closed-state accounting.
	if b.state != core.CircuitClosed {
		return
	}
	if !failure {
		if err == nil {
			b.consecutiveFailures = 0
			b.firstFailureAt = time.Time{}
		}
		return
	}

	now := b.now()
	if b.consecutiveFailures == 0 || now.Sub(b.firstFailureAt) > b.cfg.FailureWindow {
		// Stale run; this failure starts a new one.
		b.consecutiveFailures = 1
		b.firstFailureAt = now
	} else {
		b.consecutiveFailures++
	}
	b.lastFailureAt = now

	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.transitionLocked(core.CircuitOpen)
	}
}

// maybeHalfOpenLocked moves open→half_open after the cooldown has elapsed.
// Caller holds b.mu.
func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == core.CircuitOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.transitionLocked(core.CircuitHalfOpen)
	}
}

// transitionLocked changes state. Caller holds b.mu.
func (b *Breaker) transitionLocked(next core.CircuitState) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	b.generation++

	switch next {
	case core.CircuitOpen:
		b.openedAt = b.now()
		b.consecutiveProbeOKs = 0
	case core.CircuitHalfOpen:
		b.consecutiveProbeOKs = 0
		b.probesInFlight = 0
	case core.CircuitClosed:
		b.consecutiveFailures = 0
		b.firstFailureAt = time.Time{}
		b.consecutiveProbeOKs = 0
	}

	b.cfg.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"target": b.cfg.Name,
		"from":   string(prev),
		"to":     string(next),
	})
	b.cfg.Recorder.Counter("breaker.transitions", 1, map[string]string{
		"target": b.cfg.Name,
		"from":   string(prev),
		"to":     string(next),
	})
	b.cfg.Recorder.Gauge("breaker.state", stateGaugeValue(next), map[string]string{
		"target": b.cfg.Name,
	})
}

func stateGaugeValue(s core.CircuitState) float64 {
	switch s {
	case core.CircuitClosed:
		return 0
	case core.CircuitHalfOpen:
		return 1
	case core.CircuitOpen:
		return 2
	}
	return -1
}

// Metrics returns a snapshot for diagnostics.
func (b *Breaker) Metrics() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]interface{}{
		"target":               b.cfg.Name,
		"state":                string(b.state),
		"consecutive_failures": b.consecutiveFailures,
		"probes_in_flight":     b.probesInFlight,
		"probe_successes":      b.consecutiveProbeOKs,
	}
}

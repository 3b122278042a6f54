package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/storymind-ai/storymind/core"
)

// Heartbeater keeps one agent's registration alive. It registers with
// jittered backoff while the store is unavailable, heartbeats at the
// configured interval, and re-registers automatically when the registry
// reports the record was purged.
type Heartbeater struct {
	registry   *RedisRegistry
	descriptor *core.AgentDescriptor
	interval   time.Duration
	retryBase  time.Duration
	retryCap   time.Duration
	logger     core.Logger

	load atomic.Int64

	mu    sync.Mutex
	token string

	// Stats for the periodic health summary.
	successCount  atomic.Int64
	failureCount  atomic.Int64
	lastSuccess   atomic.Value // time.Time
	startedAt     time.Time
	lastSummaryAt time.Time
}

// NewHeartbeater creates a heartbeater for the given descriptor. The
// interval should be one third of the registry TTL.
func NewHeartbeater(registry *RedisRegistry, desc *core.AgentDescriptor, cfg core.RegistryConfig, logger core.Logger) *Heartbeater {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = 500 * time.Millisecond
	}
	retryCap := cfg.RetryCap
	if retryCap <= 0 {
		retryCap = 15 * time.Second
	}
	return &Heartbeater{
		registry:   registry,
		descriptor: desc,
		interval:   interval,
		retryBase:  retryBase,
		retryCap:   retryCap,
		logger:     logger,
	}
}

// SetLoad updates the in-flight request count reported on the next
// heartbeat.
func (h *Heartbeater) SetLoad(load int) {
	h.load.Store(int64(load))
}

// Token returns the current registration token, empty until the first
// successful registration.
func (h *Heartbeater) Token() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

// Run registers and heartbeats until ctx is cancelled, then deregisters.
func (h *Heartbeater) Run(ctx context.Context) error {
	if err := h.registerWithBackoff(ctx); err != nil {
		return err
	}

	h.startedAt = time.Now()
	h.lastSummaryAt = h.startedAt

	// Jitter distributes heartbeat load across the fleet.
	ticker := time.NewTicker(h.jitteredInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logSummary(true)
			// Best-effort deregistration with a fresh context; the run
			// context is already cancelled.
			dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return h.registry.Deregister(dctx, h.Token())

		case <-ticker.C:
			h.beat(ctx)
			h.maybeLogSummary()
		}
	}
}

func (h *Heartbeater) beat(ctx context.Context) {
	err := h.registry.Heartbeat(ctx, h.Token(), int(h.load.Load()))
	if err == nil {
		h.successCount.Add(1)
		h.lastSuccess.Store(time.Now())
		return
	}
	h.failureCount.Add(1)

	if errors.Is(err, core.ErrUnknownAgent) {
		// Record expired from the store; re-register with a small jitter
		// to avoid a thundering herd during recovery.
		sleepJitter(ctx, time.Second)
		if regErr := h.registerOnce(ctx); regErr != nil {
			h.logger.Error("Failed to re-register after record expiry", map[string]interface{}{
				"agent_id":       h.descriptor.ID,
				"error":          regErr,
				"total_failures": h.failureCount.Load(),
			})
			return
		}
		h.logger.Info("Re-registered after record expiry", map[string]interface{}{
			"agent_id": h.descriptor.ID,
		})
		return
	}

	h.logger.Error("Heartbeat failed", map[string]interface{}{
		"agent_id":       h.descriptor.ID,
		"error":          err,
		"total_failures": h.failureCount.Load(),
	})
}

func (h *Heartbeater) registerOnce(ctx context.Context) error {
	token, err := h.registry.Register(ctx, h.descriptor)
	if errors.Is(err, core.ErrAlreadyRegistered) {
		// Stale record from a previous run of this agent ID. Drop it via
		// the old token if we have one, otherwise wait for TTL expiry.
		if old := h.Token(); old != "" {
			_ = h.registry.Deregister(ctx, old)
			token, err = h.registry.Register(ctx, h.descriptor)
		}
	}
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.token = token
	h.mu.Unlock()
	return nil
}

func (h *Heartbeater) registerWithBackoff(ctx context.Context) error {
	delay := h.retryBase
	for {
		err := h.registerOnce(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, core.ErrUnavailable) {
			return err
		}

		h.logger.Warn("Registry unavailable, retrying registration", map[string]interface{}{
			"agent_id": h.descriptor.ID,
			"delay":    delay.String(),
		})

		timer := time.NewTimer(jitter(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > h.retryCap {
			delay = h.retryCap
		}
	}
}

func (h *Heartbeater) jitteredInterval() time.Duration {
	maxJitter := h.interval / 4
	if maxJitter <= 0 {
		return h.interval
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(maxJitter)))
	if err != nil {
		return h.interval
	}
	return h.interval + time.Duration(n.Int64())
}

func (h *Heartbeater) maybeLogSummary() {
	if time.Since(h.lastSummaryAt) < 5*time.Minute {
		return
	}
	h.lastSummaryAt = time.Now()
	h.logSummary(false)
}

func (h *Heartbeater) logSummary(final bool) {
	success := h.successCount.Load()
	failure := h.failureCount.Load()
	total := success + failure
	rate := float64(0)
	if total > 0 {
		rate = float64(success) / float64(total) * 100
	}

	fields := map[string]interface{}{
		"agent_id":       h.descriptor.ID,
		"success_count":  success,
		"failure_count":  failure,
		"success_rate":   rate,
		"uptime_minutes": int(time.Since(h.startedAt).Minutes()),
	}
	if last, ok := h.lastSuccess.Load().(time.Time); ok && !last.IsZero() {
		fields["seconds_since_last_success"] = int(time.Since(last).Seconds())
	}

	if final {
		h.logger.Info("Heartbeat final summary", fields)
	} else {
		h.logger.Info("Heartbeat health summary", fields)
	}
}

// jitter returns a uniformly random duration in (0, d].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(d)))
	if err != nil {
		return d
	}
	return time.Duration(n.Int64()) + 1
}

func sleepJitter(ctx context.Context, max time.Duration) {
	timer := time.NewTimer(jitter(max))
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

package services

import (
	"log/slog"
	"sync"
	"time"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
)

// lowCapacityFraction is the remaining-capacity fraction below which
// optimal batch sizes shrink toward 1.
const lowCapacityFraction = 0.2

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	// Presets are the per-provider throttling presets. Defaults to the
	// built-in presets when nil.
	Presets map[domain.ProviderType]domain.ProviderPreset

	Logger *slog.Logger

	// Clock is injectable for tests. Defaults to time.Now.
	Clock func() time.Time
}

// RateLimiter is the per-provider adaptive throttle. It pairs a local
// token bucket (seeded from presets, corrected by provider-reported
// limit headers) with a circuit breaker. State is keyed by provider and
// shared across all concurrent batches; each provider has its own lock
// so unrelated providers never block each other.
type RateLimiter struct {
	mu        sync.RWMutex
	providers map[domain.ProviderType]*providerLimiter

	presets map[domain.ProviderType]domain.ProviderPreset
	logger  *slog.Logger
	now     func() time.Time
}

// providerLimiter is the mutable throttling state for one provider.
// All check-then-act sequences hold mu so concurrent batches cannot
// overspend the real provider's limit.
type providerLimiter struct {
	mu      sync.Mutex
	breaker *CircuitBreaker
	preset  domain.ProviderPreset

	remaining       int
	windowResetAt   time.Time
	retryAfterUntil time.Time
}

// NewRateLimiter creates a rate limiter from presets.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	presets := cfg.Presets
	if presets == nil {
		presets = domain.DefaultPresets()
	}
	return &RateLimiter{
		providers: make(map[domain.ProviderType]*providerLimiter),
		presets:   presets,
		logger:    logger,
		now:       clock,
	}
}

// limiterFor returns the state for a provider, creating it on first use.
func (r *RateLimiter) limiterFor(provider domain.ProviderType) *providerLimiter {
	r.mu.RLock()
	pl, ok := r.providers[provider]
	r.mu.RUnlock()
	if ok {
		return pl
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if pl, ok := r.providers[provider]; ok {
		return pl
	}

	preset, ok := r.presets[provider]
	if !ok {
		// Unknown providers get the most conservative built-in preset.
		preset = domain.TidalPreset()
		r.logger.Warn("no rate limit preset for provider, using conservative default",
			"provider", provider)
	}

	pl = &providerLimiter{
		breaker:   NewCircuitBreaker(r.now),
		preset:    preset,
		remaining: preset.RateLimit.RequestsPerWindow + preset.RateLimit.BurstAllowance,
	}
	pl.windowResetAt = r.now().Add(preset.RateLimit.WindowDuration)
	r.providers[provider] = pl
	return pl
}

// Breaker returns the circuit breaker for a provider.
func (r *RateLimiter) Breaker(provider domain.ProviderType) *CircuitBreaker {
	return r.limiterFor(provider).breaker
}

// CanProceed reports whether a request to the provider may be made now.
// It transitions an open breaker to half-open when its backoff window
// has elapsed, so a recovered provider gets probed.
func (r *RateLimiter) CanProceed(provider domain.ProviderType) bool {
	pl := r.limiterFor(provider)
	pl.mu.Lock()
	defer pl.mu.Unlock()

	now := r.now()

	if pl.breaker.State() == BreakerOpen && !now.Before(pl.breaker.NextAttemptAt()) {
		pl.breaker.TransitionToHalfOpen()
	}
	if !pl.breaker.ShouldAllowRequest() {
		return false
	}
	if now.Before(pl.retryAfterUntil) {
		return false
	}

	pl.refillLocked(now)
	return pl.remaining > 0
}

// SuggestedWait returns how long a caller should wait before retrying
// CanProceed for this provider.
func (r *RateLimiter) SuggestedWait(provider domain.ProviderType) time.Duration {
	pl := r.limiterFor(provider)
	pl.mu.Lock()
	defer pl.mu.Unlock()

	now := r.now()
	wait := time.Second

	if pl.breaker.State() == BreakerOpen {
		if d := pl.breaker.NextAttemptAt().Sub(now); d > wait {
			wait = d
		}
	}
	if d := pl.retryAfterUntil.Sub(now); d > wait {
		wait = d
	}
	if pl.remaining <= 0 {
		if d := pl.windowResetAt.Sub(now); d > wait {
			wait = d
		}
	}
	return wait
}

// RecordSuccess updates provider state from a successful response.
// Provider-reported remaining/reset values take precedence over the
// local estimate.
func (r *RateLimiter) RecordSuccess(provider domain.ProviderType, hint *domain.RateLimitHint) {
	pl := r.limiterFor(provider)
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if hint != nil && hint.HasValues {
		pl.remaining = hint.Remaining
		if !hint.ResetAt.IsZero() {
			pl.windowResetAt = hint.ResetAt
		}
	} else {
		pl.refillLocked(r.now())
		if pl.remaining > 0 {
			pl.remaining--
		}
	}
	pl.breaker.RecordSuccess()
}

// RecordFailure updates provider state from a failed call, including
// HTTP 429. A retry-after hint blocks the provider until it elapses.
func (r *RateLimiter) RecordFailure(provider domain.ProviderType, hint *domain.RateLimitHint) {
	pl := r.limiterFor(provider)
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if hint != nil && hint.RetryAfter > 0 {
		until := r.now().Add(hint.RetryAfter)
		if until.After(pl.retryAfterUntil) {
			pl.retryAfterUntil = until
		}
	}
	pl.breaker.RecordFailure()
}

// refillLocked resets the local bucket when the window has elapsed.
// Caller holds pl.mu.
func (pl *providerLimiter) refillLocked(now time.Time) {
	if now.Before(pl.windowResetAt) {
		return
	}
	rl := pl.preset.RateLimit
	pl.remaining = rl.RequestsPerWindow + rl.BurstAllowance
	pl.windowResetAt = now.Add(rl.WindowDuration)
}

// capacityFractionLocked returns remaining capacity in [0, 1].
// Caller holds pl.mu.
func (pl *providerLimiter) capacityFractionLocked(now time.Time) float64 {
	pl.refillLocked(now)
	rl := pl.preset.RateLimit
	total := rl.RequestsPerWindow + rl.BurstAllowance
	if total <= 0 {
		return 1.0
	}
	f := float64(pl.remaining) / float64(total)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// GetOptimalBatchSize returns the preset optimal batch size for an
// operation, shrunk proportionally toward 1 when remaining capacity
// drops below 20%.
func (r *RateLimiter) GetOptimalBatchSize(provider domain.ProviderType, op domain.ActionType) int {
	pl := r.limiterFor(provider)
	pl.mu.Lock()
	defer pl.mu.Unlock()

	cfg := pl.preset.BatchConfigFor(op)
	size := cfg.OptimalBatchSize
	if size < 1 {
		size = 1
	}

	fraction := pl.capacityFractionLocked(r.now())
	if fraction < lowCapacityFraction {
		size = int(float64(size) * fraction / lowCapacityFraction)
		if size < 1 {
			size = 1
		}
	}
	if max := cfg.MaxBatchSize; max > 0 && size > max {
		size = max
	}
	return size
}

// CreateOptimalBatches chunks planned actions into provider-sized
// batches, preserving order and total count. Every chunk length is at
// most the preset's MaxBatchSize.
func (r *RateLimiter) CreateOptimalBatches(provider domain.ProviderType, op domain.ActionType, items []domain.PlannedAction) [][]domain.PlannedAction {
	if len(items) == 0 {
		return nil
	}

	size := r.GetOptimalBatchSize(provider, op)
	pl := r.limiterFor(provider)
	pl.mu.Lock()
	max := pl.preset.BatchConfigFor(op).MaxBatchSize
	pl.mu.Unlock()
	if max > 0 && size > max {
		size = max
	}
	if size < 1 {
		size = 1
	}

	batches := make([][]domain.PlannedAction, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}

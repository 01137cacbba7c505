package services

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
)

// testPreset is a small, round-numbered preset for limiter tests:
// 10 requests per minute window, no burst.
func testPreset() domain.ProviderPreset {
	return domain.ProviderPreset{
		RateLimit: domain.RateLimitConfig{
			RequestsPerWindow: 10,
			WindowDuration:    time.Minute,
			BurstAllowance:    0,
			BackoffMultiplier: 2.0,
			MaxBackoff:        5 * time.Minute,
		},
		DefaultBatch: domain.BatchConfig{
			MaxBatchSize:     20,
			OptimalBatchSize: 10,
		},
	}
}

func newTestLimiter(clock *fakeClock) *RateLimiter {
	return NewRateLimiter(RateLimiterConfig{
		Presets: map[domain.ProviderType]domain.ProviderPreset{
			domain.ProviderTypeSpotify: testPreset(),
		},
		Logger: slog.Default(),
		Clock:  clock.Now,
	})
}

func TestRateLimiter_CanProceed_DrainsBucket(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(clock)

	for i := 0; i < 10; i++ {
		if !rl.CanProceed(domain.ProviderTypeSpotify) {
			t.Fatalf("expected to proceed on request %d", i+1)
		}
		rl.RecordSuccess(domain.ProviderTypeSpotify, nil)
	}

	if rl.CanProceed(domain.ProviderTypeSpotify) {
		t.Error("expected bucket exhausted after 10 requests")
	}
}

func TestRateLimiter_WindowRefill(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(clock)

	for i := 0; i < 10; i++ {
		rl.RecordSuccess(domain.ProviderTypeSpotify, nil)
	}
	if rl.CanProceed(domain.ProviderTypeSpotify) {
		t.Fatal("expected bucket exhausted")
	}

	clock.Advance(time.Minute)

	if !rl.CanProceed(domain.ProviderTypeSpotify) {
		t.Error("expected refill after the window elapsed")
	}
}

func TestRateLimiter_HintOverridesLocalEstimate(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(clock)

	// Local estimate says plenty left, but the provider reports zero.
	rl.RecordSuccess(domain.ProviderTypeSpotify, &domain.RateLimitHint{
		HasValues: true,
		Remaining: 0,
		ResetAt:   clock.Now().Add(30 * time.Second),
	})

	if rl.CanProceed(domain.ProviderTypeSpotify) {
		t.Error("expected provider-reported zero remaining to block")
	}

	wait := rl.SuggestedWait(domain.ProviderTypeSpotify)
	if wait != 30*time.Second {
		t.Errorf("expected 30s wait until reported reset, got %v", wait)
	}

	clock.Advance(30 * time.Second)
	if !rl.CanProceed(domain.ProviderTypeSpotify) {
		t.Error("expected refill at the reported reset time")
	}
}

func TestRateLimiter_RetryAfterBlocks(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(clock)

	rl.RecordFailure(domain.ProviderTypeSpotify, &domain.RateLimitHint{
		RetryAfter: 45 * time.Second,
	})

	if rl.CanProceed(domain.ProviderTypeSpotify) {
		t.Error("expected retry-after to block requests")
	}
	if wait := rl.SuggestedWait(domain.ProviderTypeSpotify); wait != 45*time.Second {
		t.Errorf("expected 45s wait, got %v", wait)
	}

	clock.Advance(45 * time.Second)
	if !rl.CanProceed(domain.ProviderTypeSpotify) {
		t.Error("expected requests allowed after retry-after elapsed")
	}
}

func TestRateLimiter_BreakerOpensAndRecovers(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(clock)

	for i := 0; i < breakerFailureThreshold; i++ {
		rl.RecordFailure(domain.ProviderTypeSpotify, nil)
	}

	if rl.CanProceed(domain.ProviderTypeSpotify) {
		t.Error("expected open breaker to block")
	}
	if wait := rl.SuggestedWait(domain.ProviderTypeSpotify); wait != breakerBaseDelay {
		t.Errorf("expected wait %v, got %v", breakerBaseDelay, wait)
	}

	// Once the backoff elapses, CanProceed probes via half-open.
	clock.Advance(breakerBaseDelay)
	if !rl.CanProceed(domain.ProviderTypeSpotify) {
		t.Error("expected half-open probe to be allowed")
	}
	if rl.Breaker(domain.ProviderTypeSpotify).State() != BreakerHalfOpen {
		t.Errorf("expected half_open, got %s", rl.Breaker(domain.ProviderTypeSpotify).State())
	}

	for i := 0; i < breakerSuccessThreshold; i++ {
		rl.RecordSuccess(domain.ProviderTypeSpotify, nil)
	}
	if rl.Breaker(domain.ProviderTypeSpotify).State() != BreakerClosed {
		t.Errorf("expected closed after probe successes, got %s",
			rl.Breaker(domain.ProviderTypeSpotify).State())
	}
}

func TestRateLimiter_UnknownProviderGetsConservativePreset(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(clock)

	other := domain.ProviderType("something_else")
	if !rl.CanProceed(other) {
		t.Error("unknown provider should start with capacity")
	}

	// Tidal preset: 60 + 5 burst.
	size := rl.GetOptimalBatchSize(other, domain.ActionRemoveLikedSong)
	want := domain.TidalPreset().DefaultBatch.OptimalBatchSize
	if size != want {
		t.Errorf("expected fallback optimal size %d, got %d", want, size)
	}
}

func TestRateLimiter_OptimalBatchSizeShrinksUnderPressure(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(clock)

	// Full capacity: preset optimal size.
	if size := rl.GetOptimalBatchSize(domain.ProviderTypeSpotify, domain.ActionRemoveLikedSong); size != 10 {
		t.Errorf("expected size 10 at full capacity, got %d", size)
	}

	// Drop remaining to 1 of 10 (10% < 20% threshold): size shrinks
	// proportionally, 10 * 0.1/0.2 = 5.
	rl.RecordSuccess(domain.ProviderTypeSpotify, &domain.RateLimitHint{
		HasValues: true,
		Remaining: 1,
		ResetAt:   clock.Now().Add(time.Minute),
	})
	if size := rl.GetOptimalBatchSize(domain.ProviderTypeSpotify, domain.ActionRemoveLikedSong); size != 5 {
		t.Errorf("expected size 5 at 10%% capacity, got %d", size)
	}

	// Zero capacity still yields at least 1.
	rl.RecordSuccess(domain.ProviderTypeSpotify, &domain.RateLimitHint{
		HasValues: true,
		Remaining: 0,
		ResetAt:   clock.Now().Add(time.Minute),
	})
	if size := rl.GetOptimalBatchSize(domain.ProviderTypeSpotify, domain.ActionRemoveLikedSong); size != 1 {
		t.Errorf("expected minimum size 1, got %d", size)
	}
}

func TestRateLimiter_CreateOptimalBatches(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(clock)

	items := make([]domain.PlannedAction, 23)
	for i := range items {
		items[i] = domain.PlannedAction{
			EntityType: domain.EntityTypeTrack,
			EntityID:   fmt.Sprintf("track-%02d", i),
			Action:     domain.ActionRemoveLikedSong,
		}
	}

	batches := rl.CreateOptimalBatches(domain.ProviderTypeSpotify, domain.ActionRemoveLikedSong, items)

	// Order and count preserved, every chunk within MaxBatchSize.
	total := 0
	idx := 0
	for _, batch := range batches {
		if len(batch) == 0 {
			t.Fatal("empty chunk")
		}
		if len(batch) > 20 {
			t.Fatalf("chunk of %d exceeds max batch size", len(batch))
		}
		for _, item := range batch {
			if item.EntityID != items[idx].EntityID {
				t.Fatalf("order not preserved at index %d: got %s", idx, item.EntityID)
			}
			idx++
		}
		total += len(batch)
	}
	if total != len(items) {
		t.Errorf("expected %d items across batches, got %d", len(items), total)
	}
}

func TestRateLimiter_CreateOptimalBatches_Empty(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(clock)

	batches := rl.CreateOptimalBatches(domain.ProviderTypeSpotify, domain.ActionRemoveLikedSong, nil)
	if batches != nil {
		t.Errorf("expected nil for empty input, got %d batches", len(batches))
	}
}

package domain

import "time"

// RateLimitConfig is a static per-provider throttling preset.
// Immutable once loaded.
type RateLimitConfig struct {
	RequestsPerWindow int           `json:"requests_per_window" yaml:"requests_per_window"`
	WindowDuration    time.Duration `json:"window_duration" yaml:"window_duration"`
	BurstAllowance    int           `json:"burst_allowance" yaml:"burst_allowance"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxBackoff        time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// BatchConfig is a static per-(provider, operation) batching preset.
// Immutable once loaded.
type BatchConfig struct {
	MaxBatchSize           int           `json:"max_batch_size" yaml:"max_batch_size"`
	OptimalBatchSize       int           `json:"optimal_batch_size" yaml:"optimal_batch_size"`
	MinDelayBetweenBatches time.Duration `json:"min_delay_between_batches" yaml:"min_delay_between_batches"`
	SupportsParallel       bool          `json:"supports_parallel_batches" yaml:"supports_parallel_batches"`
}

// ProviderPreset bundles the rate-limit and batch presets for a provider.
type ProviderPreset struct {
	RateLimit RateLimitConfig            `yaml:"rate_limit"`
	Batch     map[ActionType]BatchConfig `yaml:"batch"`
	// DefaultBatch applies to operations without a specific entry.
	DefaultBatch BatchConfig `yaml:"default_batch"`
}

// BatchConfigFor returns the batch preset for an operation, falling back
// to the provider default.
func (p ProviderPreset) BatchConfigFor(op ActionType) BatchConfig {
	if cfg, ok := p.Batch[op]; ok {
		return cfg
	}
	return p.DefaultBatch
}

// SpotifyPreset returns the built-in Spotify throttling preset.
func SpotifyPreset() ProviderPreset {
	return ProviderPreset{
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 180,
			WindowDuration:    time.Minute,
			BurstAllowance:    20,
			BackoffMultiplier: 2.0,
			MaxBackoff:        5 * time.Minute,
		},
		Batch: map[ActionType]BatchConfig{
			ActionRemoveLikedSong: {
				MaxBatchSize:           50,
				OptimalBatchSize:       50,
				MinDelayBetweenBatches: 100 * time.Millisecond,
			},
			ActionRemoveSavedAlbum: {
				MaxBatchSize:           20,
				OptimalBatchSize:       20,
				MinDelayBetweenBatches: 100 * time.Millisecond,
			},
		},
		DefaultBatch: BatchConfig{
			MaxBatchSize:           50,
			OptimalBatchSize:       25,
			MinDelayBetweenBatches: 200 * time.Millisecond,
		},
	}
}

// AppleMusicPreset returns the built-in Apple Music throttling preset.
func AppleMusicPreset() ProviderPreset {
	return ProviderPreset{
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 100,
			WindowDuration:    time.Minute,
			BurstAllowance:    10,
			BackoffMultiplier: 2.0,
			MaxBackoff:        5 * time.Minute,
		},
		DefaultBatch: BatchConfig{
			MaxBatchSize:           25,
			OptimalBatchSize:       10,
			MinDelayBetweenBatches: 500 * time.Millisecond,
		},
	}
}

// TidalPreset returns the built-in Tidal throttling preset.
func TidalPreset() ProviderPreset {
	return ProviderPreset{
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 60,
			WindowDuration:    time.Minute,
			BurstAllowance:    5,
			BackoffMultiplier: 2.0,
			MaxBackoff:        5 * time.Minute,
		},
		DefaultBatch: BatchConfig{
			MaxBatchSize:           20,
			OptimalBatchSize:       10,
			MinDelayBetweenBatches: 500 * time.Millisecond,
		},
	}
}

// DefaultPresets returns the built-in presets keyed by provider.
func DefaultPresets() map[ProviderType]ProviderPreset {
	return map[ProviderType]ProviderPreset{
		ProviderTypeSpotify:    SpotifyPreset(),
		ProviderTypeAppleMusic: AppleMusicPreset(),
		ProviderTypeTidal:      TidalPreset(),
	}
}

// RateLimitHint carries provider-reported limit state from a response
// (remaining/reset/retry-after headers), consumed by the rate limiter.
type RateLimitHint struct {
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after"`
	HasValues  bool          `json:"has_values"`
}

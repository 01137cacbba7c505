// Package config loads optional YAML overrides for the built-in
// per-provider throttling presets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quietlist-labs/quietlist-core/internal/core/domain"
)

// yamlDuration parses Go duration strings ("30s", "1m") from YAML.
type yamlDuration struct {
	value time.Duration
}

func (d *yamlDuration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.value = parsed
	return nil
}

// presetsFile is the on-disk shape of a preset override file.
//
//	providers:
//	  spotify:
//	    rate_limit:
//	      requests_per_window: 90
//	      window_duration: 1m
//	    default_batch:
//	      max_batch_size: 25
type presetsFile struct {
	Providers map[string]providerOverride `yaml:"providers"`
}

type providerOverride struct {
	RateLimit    *rateLimitOverride                  `yaml:"rate_limit"`
	Batch        map[domain.ActionType]batchOverride `yaml:"batch"`
	DefaultBatch *batchOverride                      `yaml:"default_batch"`
}

// Override fields are pointers so that absent keys keep the built-in
// value instead of zeroing it.
type rateLimitOverride struct {
	RequestsPerWindow *int          `yaml:"requests_per_window"`
	WindowDuration    *yamlDuration `yaml:"window_duration"`
	BurstAllowance    *int          `yaml:"burst_allowance"`
	BackoffMultiplier *float64      `yaml:"backoff_multiplier"`
	MaxBackoff        *yamlDuration `yaml:"max_backoff"`
}

type batchOverride struct {
	MaxBatchSize           *int          `yaml:"max_batch_size"`
	OptimalBatchSize       *int          `yaml:"optimal_batch_size"`
	MinDelayBetweenBatches *yamlDuration `yaml:"min_delay_between_batches"`
	SupportsParallel       *bool         `yaml:"supports_parallel_batches"`
}

// LoadPresets returns the built-in provider presets, optionally merged
// with overrides from a YAML file. An empty path returns the defaults.
func LoadPresets(path string) (map[domain.ProviderType]domain.ProviderPreset, error) {
	presets := domain.DefaultPresets()
	if path == "" {
		return presets, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets file: %w", err)
	}

	var file presetsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse presets file %s: %w", path, err)
	}

	for name, override := range file.Providers {
		provider := domain.ProviderType(name)
		if !provider.IsKnown() {
			return nil, fmt.Errorf("presets file %s: unknown provider %q", path, name)
		}

		preset := presets[provider]
		applyOverride(&preset, override)
		presets[provider] = preset
	}

	return presets, nil
}

func applyOverride(preset *domain.ProviderPreset, override providerOverride) {
	if override.RateLimit != nil {
		applyRateLimit(&preset.RateLimit, *override.RateLimit)
	}
	if override.DefaultBatch != nil {
		applyBatch(&preset.DefaultBatch, *override.DefaultBatch)
	}
	for op, b := range override.Batch {
		if preset.Batch == nil {
			preset.Batch = make(map[domain.ActionType]domain.BatchConfig)
		}
		cfg, ok := preset.Batch[op]
		if !ok {
			cfg = preset.DefaultBatch
		}
		applyBatch(&cfg, b)
		preset.Batch[op] = cfg
	}
}

func applyRateLimit(cfg *domain.RateLimitConfig, o rateLimitOverride) {
	if o.RequestsPerWindow != nil {
		cfg.RequestsPerWindow = *o.RequestsPerWindow
	}
	if o.WindowDuration != nil {
		cfg.WindowDuration = o.WindowDuration.value
	}
	if o.BurstAllowance != nil {
		cfg.BurstAllowance = *o.BurstAllowance
	}
	if o.BackoffMultiplier != nil {
		cfg.BackoffMultiplier = *o.BackoffMultiplier
	}
	if o.MaxBackoff != nil {
		cfg.MaxBackoff = o.MaxBackoff.value
	}
}

func applyBatch(cfg *domain.BatchConfig, o batchOverride) {
	if o.MaxBatchSize != nil {
		cfg.MaxBatchSize = *o.MaxBatchSize
	}
	if o.OptimalBatchSize != nil {
		cfg.OptimalBatchSize = *o.OptimalBatchSize
	}
	if o.MinDelayBetweenBatches != nil {
		cfg.MinDelayBetweenBatches = o.MinDelayBetweenBatches.value
	}
	if o.SupportsParallel != nil {
		cfg.SupportsParallel = *o.SupportsParallel
	}
}

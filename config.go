package tangguh

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Config is the composed configuration for all three components, loadable
// from a YAML file. Zero-valued sections fall back to defaults.
type Config struct {
	Pool  PoolConfig  `yaml:"pool"`
	Retry RetryConfig `yaml:"retry"`
	Cache CacheConfig `yaml:"cache"`
}

// DefaultConfig returns the composed defaults.
func DefaultConfig() Config {
	return Config{
		Pool:  DefaultPoolConfig(),
		Retry: DefaultRetryConfig(),
		Cache: DefaultCacheConfig(),
	}
}

// LoadConfig reads a YAML config file over the defaults and validates the
// result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validatePoolConfig(c.Pool); err != nil {
		return err
	}
	if err := validateRetryConfig(c.Retry); err != nil {
		return err
	}
	return validateCacheConfig(c.Cache)
}

// durationValue decodes a YAML scalar that is either a Go duration
// string ("500ms", "1h") or integer nanoseconds.
type durationValue time.Duration

func (d *durationValue) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = durationValue(parsed)
	case int:
		*d = durationValue(time.Duration(v))
	case int64:
		*d = durationValue(time.Duration(v))
	case float64:
		*d = durationValue(time.Duration(v))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// UnmarshalYAML decodes a pool section over the receiver's current
// values, so unstated fields keep their defaults.
func (c *PoolConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		MinSize             *int            `yaml:"min_size"`
		MaxSize             *int            `yaml:"max_size"`
		MaxIdleTime         *durationValue  `yaml:"max_idle_time"`
		MaxConnectionAge    *durationValue  `yaml:"max_connection_age"`
		HealthCheckInterval *durationValue  `yaml:"health_check_interval"`
		PruneInterval       *durationValue  `yaml:"prune_interval"`
		AcquireTimeout      *durationValue  `yaml:"acquire_timeout"`
		Sizing              *SizingStrategy `yaml:"sizing"`
		AdaptiveThreshold   *float64        `yaml:"adaptive_threshold"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if raw.MinSize != nil {
		c.MinSize = *raw.MinSize
	}
	if raw.MaxSize != nil {
		c.MaxSize = *raw.MaxSize
	}
	if raw.MaxIdleTime != nil {
		c.MaxIdleTime = time.Duration(*raw.MaxIdleTime)
	}
	if raw.MaxConnectionAge != nil {
		c.MaxConnectionAge = time.Duration(*raw.MaxConnectionAge)
	}
	if raw.HealthCheckInterval != nil {
		c.HealthCheckInterval = time.Duration(*raw.HealthCheckInterval)
	}
	if raw.PruneInterval != nil {
		c.PruneInterval = time.Duration(*raw.PruneInterval)
	}
	if raw.AcquireTimeout != nil {
		c.AcquireTimeout = time.Duration(*raw.AcquireTimeout)
	}
	if raw.Sizing != nil {
		c.Sizing = *raw.Sizing
	}
	if raw.AdaptiveThreshold != nil {
		c.AdaptiveThreshold = *raw.AdaptiveThreshold
	}
	return nil
}

// UnmarshalYAML decodes a retry section over the receiver's current
// values, so unstated fields keep their defaults.
func (c *RetryConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		MaxAttempts          *int           `yaml:"max_attempts"`
		BaseDelay            *durationValue `yaml:"base_delay"`
		MaxDelay             *durationValue `yaml:"max_delay"`
		ExponentialBase      *float64       `yaml:"exponential_base"`
		Strategy             *RetryStrategy `yaml:"strategy"`
		Jitter               *bool          `yaml:"jitter"`
		SuccessRateThreshold *float64       `yaml:"success_rate_threshold"`
		BreakerThreshold     *int           `yaml:"breaker_threshold"`
		BreakerTimeout       *durationValue `yaml:"breaker_timeout"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if raw.MaxAttempts != nil {
		c.MaxAttempts = *raw.MaxAttempts
	}
	if raw.BaseDelay != nil {
		c.BaseDelay = time.Duration(*raw.BaseDelay)
	}
	if raw.MaxDelay != nil {
		c.MaxDelay = time.Duration(*raw.MaxDelay)
	}
	if raw.ExponentialBase != nil {
		c.ExponentialBase = *raw.ExponentialBase
	}
	if raw.Strategy != nil {
		c.Strategy = *raw.Strategy
	}
	if raw.Jitter != nil {
		c.Jitter = *raw.Jitter
	}
	if raw.SuccessRateThreshold != nil {
		c.SuccessRateThreshold = *raw.SuccessRateThreshold
	}
	if raw.BreakerThreshold != nil {
		c.BreakerThreshold = *raw.BreakerThreshold
	}
	if raw.BreakerTimeout != nil {
		c.BreakerTimeout = time.Duration(*raw.BreakerTimeout)
	}
	return nil
}

// UnmarshalYAML decodes a cache section over the receiver's current
// values, so unstated fields keep their defaults.
func (c *CacheConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		MaxSize               *int              `yaml:"max_size"`
		MaxMemoryBytes        *int64            `yaml:"max_memory_bytes"`
		DefaultTTL            *durationValue    `yaml:"default_ttl"`
		Eviction              *EvictionStrategy `yaml:"eviction"`
		TieringEnabled        *bool             `yaml:"tiering_enabled"`
		Prefetch              *PrefetchStrategy `yaml:"prefetch"`
		AdaptiveTTLMultiplier *float64          `yaml:"adaptive_ttl_multiplier"`
		HotThreshold          *float64          `yaml:"hot_threshold"`
		WarmThreshold         *float64          `yaml:"warm_threshold"`
		CompressionThreshold  *int              `yaml:"compression_threshold"`
		PrefetchCacheSize     *int              `yaml:"prefetch_cache_size"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if raw.MaxSize != nil {
		c.MaxSize = *raw.MaxSize
	}
	if raw.MaxMemoryBytes != nil {
		c.MaxMemoryBytes = *raw.MaxMemoryBytes
	}
	if raw.DefaultTTL != nil {
		c.DefaultTTL = time.Duration(*raw.DefaultTTL)
	}
	if raw.Eviction != nil {
		c.Eviction = *raw.Eviction
	}
	if raw.TieringEnabled != nil {
		c.TieringEnabled = *raw.TieringEnabled
	}
	if raw.Prefetch != nil {
		c.Prefetch = *raw.Prefetch
	}
	if raw.AdaptiveTTLMultiplier != nil {
		c.AdaptiveTTLMultiplier = *raw.AdaptiveTTLMultiplier
	}
	if raw.HotThreshold != nil {
		c.HotThreshold = *raw.HotThreshold
	}
	if raw.WarmThreshold != nil {
		c.WarmThreshold = *raw.WarmThreshold
	}
	if raw.CompressionThreshold != nil {
		c.CompressionThreshold = *raw.CompressionThreshold
	}
	if raw.PrefetchCacheSize != nil {
		c.PrefetchCacheSize = *raw.PrefetchCacheSize
	}
	return nil
}

// ParseSizingStrategy maps a config string to a SizingStrategy.
func ParseSizingStrategy(s string) (SizingStrategy, error) {
	switch s {
	case "fixed":
		return SizingFixed, nil
	case "dynamic":
		return SizingDynamic, nil
	case "adaptive":
		return SizingAdaptive, nil
	case "lazy":
		return SizingLazy, nil
	default:
		return 0, fmt.Errorf("unknown sizing strategy %q", s)
	}
}

// ParseRetryStrategy maps a config string to a RetryStrategy.
func ParseRetryStrategy(s string) (RetryStrategy, error) {
	switch s {
	case "exponential":
		return RetryExponential, nil
	case "linear":
		return RetryLinear, nil
	case "fixed":
		return RetryFixed, nil
	case "fibonacci":
		return RetryFibonacci, nil
	case "adaptive":
		return RetryAdaptive, nil
	default:
		return 0, fmt.Errorf("unknown retry strategy %q", s)
	}
}

// ParseEvictionStrategy maps a config string to an EvictionStrategy.
func ParseEvictionStrategy(s string) (EvictionStrategy, error) {
	switch s {
	case "lru":
		return EvictLRU, nil
	case "lfu":
		return EvictLFU, nil
	case "fifo":
		return EvictFIFO, nil
	case "adaptive":
		return EvictAdaptive, nil
	default:
		return 0, fmt.Errorf("unknown eviction strategy %q", s)
	}
}

// ParsePrefetchStrategy maps a config string to a PrefetchStrategy.
func ParsePrefetchStrategy(s string) (PrefetchStrategy, error) {
	switch s {
	case "none":
		return PrefetchNone, nil
	case "always":
		return PrefetchAlways, nil
	case "adaptive":
		return PrefetchAdaptive, nil
	case "predictive":
		return PrefetchPredictive, nil
	default:
		return 0, fmt.Errorf("unknown prefetch strategy %q", s)
	}
}

// UnmarshalYAML decodes a sizing strategy from its string form.
func (s *SizingStrategy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParseSizingStrategy(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalYAML encodes a sizing strategy as its string form.
func (s SizingStrategy) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// UnmarshalYAML decodes a retry strategy from its string form.
func (s *RetryStrategy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParseRetryStrategy(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalYAML encodes a retry strategy as its string form.
func (s RetryStrategy) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// UnmarshalYAML decodes an eviction strategy from its string form.
func (s *EvictionStrategy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParseEvictionStrategy(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalYAML encodes an eviction strategy as its string form.
func (s EvictionStrategy) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// UnmarshalYAML decodes a prefetch strategy from its string form.
func (s *PrefetchStrategy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParsePrefetchStrategy(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalYAML encodes a prefetch strategy as its string form.
func (s PrefetchStrategy) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

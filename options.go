package tangguh

import (
	"fmt"
	"strings"
	"time"
)

// PoolOption configures ambient collaborators on a ConnectionPool.
type PoolOption func(*ConnectionPool)

// WithPoolLogger sets the pool's logger.
func WithPoolLogger(logger Logger) PoolOption {
	return func(p *ConnectionPool) {
		p.logger = logger
	}
}

// WithPoolMetrics sets the pool's metrics collector.
func WithPoolMetrics(collector *MetricsCollector) PoolOption {
	return func(p *ConnectionPool) {
		p.metrics = collector
	}
}

// WithPoolDebug sets the pool's debug configuration.
func WithPoolDebug(config *DebugConfig) PoolOption {
	return func(p *ConnectionPool) {
		if config != nil {
			p.debug = config
		}
	}
}

// WithHealthProber sets the protocol-specific connection probe.
func WithHealthProber(prober HealthProber) PoolOption {
	return func(p *ConnectionPool) {
		p.prober = prober
	}
}

// RetryOption configures ambient collaborators on a RetryManager.
type RetryOption func(*RetryManager)

// WithRetryLogger sets the retry manager's logger.
func WithRetryLogger(logger Logger) RetryOption {
	return func(m *RetryManager) {
		m.logger = logger
	}
}

// WithRetryMetrics sets the retry manager's metrics collector.
func WithRetryMetrics(collector *MetricsCollector) RetryOption {
	return func(m *RetryManager) {
		m.metrics = collector
	}
}

// WithRetryDebug sets the retry manager's debug configuration.
func WithRetryDebug(config *DebugConfig) RetryOption {
	return func(m *RetryManager) {
		if config != nil {
			m.debug = config
		}
	}
}

// CacheOption configures ambient collaborators on a SmartCache.
type CacheOption func(*SmartCache)

// WithCacheLogger sets the cache's logger.
func WithCacheLogger(logger Logger) CacheOption {
	return func(c *SmartCache) {
		c.logger = logger
	}
}

// WithCacheMetrics sets the cache's metrics collector.
func WithCacheMetrics(collector *MetricsCollector) CacheOption {
	return func(c *SmartCache) {
		c.metrics = collector
	}
}

// WithCacheDebug sets the cache's debug configuration.
func WithCacheDebug(config *DebugConfig) CacheOption {
	return func(c *SmartCache) {
		if config != nil {
			c.debug = config
		}
	}
}

// validationError aggregates per-field problems into one construction
// failure.
func validationError(component string, problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return &Error{
		Kind:    KindNonRetryable,
		Op:      component,
		Message: fmt.Sprintf("configuration validation failed: %s", strings.Join(problems, "; ")),
	}
}

func validatePoolConfig(cfg PoolConfig) error {
	var problems []string

	if cfg.MinSize < 0 {
		problems = append(problems, "min_size must be non-negative")
	}
	if cfg.MaxSize <= 0 {
		problems = append(problems, "max_size must be positive")
	}
	if cfg.MaxSize < cfg.MinSize {
		problems = append(problems, "max_size must be greater than or equal to min_size")
	}
	if cfg.MaxIdleTime <= 0 {
		problems = append(problems, "max_idle_time must be positive")
	}
	if cfg.MaxConnectionAge <= 0 {
		problems = append(problems, "max_connection_age must be positive")
	}
	if cfg.HealthCheckInterval <= 0 {
		problems = append(problems, "health_check_interval must be positive")
	}
	if cfg.PruneInterval <= 0 {
		problems = append(problems, "prune_interval must be positive")
	}
	if cfg.AcquireTimeout <= 0 {
		problems = append(problems, "acquire_timeout must be positive")
	}
	if cfg.Sizing == SizingAdaptive && (cfg.AdaptiveThreshold <= 0 || cfg.AdaptiveThreshold > 1) {
		problems = append(problems, "adaptive_threshold must be in (0, 1]")
	}
	if cfg.MaxSize > 10000 {
		problems = append(problems, "max_size > 10000 may exhaust file descriptors")
	}

	return validationError("pool", problems)
}

func validateRetryConfig(cfg RetryConfig) error {
	var problems []string

	if cfg.MaxAttempts <= 0 {
		problems = append(problems, "max_attempts must be positive")
	}
	if cfg.MaxAttempts > 100 {
		problems = append(problems, "max_attempts > 100 may cause excessive resource usage")
	}
	if cfg.BaseDelay <= 0 {
		problems = append(problems, "base_delay must be positive")
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		problems = append(problems, "max_delay must be greater than or equal to base_delay")
	}
	if cfg.MaxDelay > time.Hour {
		problems = append(problems, "max_delay > 1h may cause extremely long delays")
	}
	if cfg.ExponentialBase <= 1 {
		problems = append(problems, "exponential_base must be greater than 1")
	}
	if cfg.SuccessRateThreshold < 0 || cfg.SuccessRateThreshold > 1 {
		problems = append(problems, "success_rate_threshold must be in [0, 1]")
	}
	if cfg.BreakerThreshold <= 0 {
		problems = append(problems, "breaker_threshold must be positive")
	}
	if cfg.BreakerTimeout <= 0 {
		problems = append(problems, "breaker_timeout must be positive")
	}

	return validationError("retry", problems)
}

func validateCacheConfig(cfg CacheConfig) error {
	var problems []string

	if cfg.MaxSize <= 0 {
		problems = append(problems, "max_size must be positive")
	}
	if cfg.MaxMemoryBytes < 0 {
		problems = append(problems, "max_memory_bytes must be non-negative")
	}
	if cfg.DefaultTTL <= 0 {
		problems = append(problems, "default_ttl must be positive")
	}
	if cfg.DefaultTTL > maxDefaultTTL {
		problems = append(problems, "default_ttl > 24h may cause stale data issues")
	}
	if cfg.AdaptiveTTLMultiplier < 1 {
		problems = append(problems, "adaptive_ttl_multiplier must be at least 1")
	}
	if cfg.HotThreshold <= 0 || cfg.HotThreshold > 1 {
		problems = append(problems, "hot_threshold must be in (0, 1]")
	}
	if cfg.WarmThreshold <= 0 || cfg.WarmThreshold > cfg.HotThreshold {
		problems = append(problems, "warm_threshold must be in (0, hot_threshold]")
	}
	if cfg.CompressionThreshold < 0 {
		problems = append(problems, "compression_threshold must be non-negative")
	}
	if cfg.Prefetch != PrefetchNone && cfg.PrefetchCacheSize <= 0 {
		problems = append(problems, "prefetch_cache_size must be positive when prefetching is enabled")
	}

	return validationError("cache", problems)
}

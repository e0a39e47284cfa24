package tangguh

import (
	"context"
)

// SessionCall performs the actual remote call for a key over an acquired
// session.
type SessionCall func(ctx context.Context, s Session, key string) (interface{}, error)

// Client wires cache, retry and pool into the composed stack: Get serves
// from cache, misses go through the retry loop, and each attempt runs
// over a pooled session.
type Client struct {
	pool  *ConnectionPool
	retry *RetryManager
	cache *SmartCache

	logger Logger
}

// ClientOption configures ambient collaborators shared by the composed
// components.
type ClientOption func(*clientOptions)

type clientOptions struct {
	logger  Logger
	metrics *MetricsCollector
	debug   *DebugConfig
	prober  HealthProber
}

// WithLogger sets the logger used by every component.
func WithLogger(logger Logger) ClientOption {
	return func(o *clientOptions) { o.logger = logger }
}

// WithMetrics sets the metrics collector used by every component.
func WithMetrics(collector *MetricsCollector) ClientOption {
	return func(o *clientOptions) { o.metrics = collector }
}

// WithDebug sets the debug configuration used by every component.
func WithDebug(config *DebugConfig) ClientOption {
	return func(o *clientOptions) { o.debug = config }
}

// WithProber sets the pool's health probe.
func WithProber(prober HealthProber) ClientOption {
	return func(o *clientOptions) { o.prober = prober }
}

// New builds the composed client. The fetch path for a cache miss is
// ExecuteWithRetry around Acquire, call, Release.
func New(cfg Config, factory ConnectionFactory, call SessionCall, opts ...ClientOption) (*Client, error) {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.debug == nil {
		o.debug = &DebugConfig{}
	}

	pool, err := NewConnectionPool(cfg.Pool, factory,
		WithPoolLogger(o.logger),
		WithPoolMetrics(o.metrics),
		WithPoolDebug(o.debug),
		WithHealthProber(o.prober),
	)
	if err != nil {
		return nil, err
	}

	retry, err := NewRetryManager(cfg.Retry,
		WithRetryLogger(o.logger),
		WithRetryMetrics(o.metrics),
		WithRetryDebug(o.debug),
	)
	if err != nil {
		return nil, err
	}

	fetch := func(ctx context.Context, key string) (interface{}, error) {
		outcome := retry.ExecuteWithRetry(ctx, "cache_fetch", func(ctx context.Context) (interface{}, error) {
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			value, err := call(ctx, conn.Session(), key)
			if err != nil {
				// keep healthy sessions for application-level rejections
				if Classify(err) == KindNonRetryable {
					pool.Release(conn)
				} else {
					pool.ReleaseError(conn, err)
				}
				return nil, err
			}
			pool.Release(conn)
			return value, nil
		})
		if !outcome.Success {
			return nil, outcome.LastError
		}
		return outcome.Value, nil
	}

	cache, err := NewSmartCache(cfg.Cache, fetch,
		WithCacheLogger(o.logger),
		WithCacheMetrics(o.metrics),
		WithCacheDebug(o.debug),
	)
	if err != nil {
		return nil, err
	}

	return &Client{
		pool:   pool,
		retry:  retry,
		cache:  cache,
		logger: o.logger,
	}, nil
}

// Initialize warms the pool and starts its background loops.
func (c *Client) Initialize(ctx context.Context) error {
	return c.pool.Initialize(ctx)
}

// Get returns the cached value for key, fetching through retry and pool
// on miss. nil means miss-and-fetch-failed.
func (c *Client) Get(ctx context.Context, key string) interface{} {
	return c.cache.Get(ctx, key)
}

// Set stores a value directly in the cache.
func (c *Client) Set(ctx context.Context, key string, value interface{}, opts ...SetOption) {
	c.cache.Set(ctx, key, value, opts...)
}

// CacheStats returns the cache analytics snapshot.
func (c *Client) CacheStats() CacheStats {
	return c.cache.Stats()
}

// PoolMetrics returns the pool snapshot.
func (c *Client) PoolMetrics() PoolMetrics {
	return c.pool.Metrics()
}

// PerformanceSummary returns per-operation retry statistics.
func (c *Client) PerformanceSummary() map[string]OperationSummary {
	return c.retry.PerformanceSummary()
}

// Close shuts down the cache first (stopping fetch traffic), then the
// pool. Idempotent.
func (c *Client) Close() error {
	cacheErr := c.cache.Close()
	poolErr := c.pool.Close()
	if cacheErr != nil {
		return cacheErr
	}
	return poolErr
}

// Package tangguh is a client-side performance and resilience layer for
// remote APIs, built from three composable components:
//
//   - ConnectionPool: a bounded set of reusable network sessions with
//     health checking, idle/age pruning and adaptive resizing
//   - RetryManager: adaptive retries with pluggable backoff strategies,
//     per-operation rolling history and an embedded circuit breaker
//   - SmartCache: an adaptive cache with tiering, cost-aware TTLs,
//     strategy-driven eviction and predictive prefetching
//
// Design goals:
//   - Small surface area – typed configs plus functional options
//   - Explicit outcomes – operation failure is data, not panics
//   - Safe concurrent use of every component instance
//   - Observability via Prometheus metrics and structured debug logging
//
// Typical usage:
//
//	pool, _ := tangguh.NewConnectionPool(tangguh.DefaultPoolConfig(), factory)
//	retry, _ := tangguh.NewRetryManager(tangguh.DefaultRetryConfig())
//	cache, _ := tangguh.NewSmartCache(tangguh.DefaultCacheConfig(), fetch)
//	defer cache.Close()
//
//	value := cache.Get(ctx, "user:42")
//
// The components are independent: the cache calls an injected fetch
// function, which typically wraps RetryManager.ExecuteWithRetry around a
// pool Acquire/Release pair. New wires all three together for callers who
// want the composed stack without the plumbing.
package tangguh

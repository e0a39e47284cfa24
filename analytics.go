package tangguh

import (
	"time"
)

// Eviction causes tracked by CacheAnalytics.
const (
	EvictCauseTTL      = "ttl"
	EvictCauseCapacity = "capacity"
	EvictCauseMemory   = "memory"
	EvictCauseClear    = "clear"
)

// cacheAnalytics holds the cache's running counters and derived rolling
// statistics. Guarded by the owning cache's mutex.
type cacheAnalytics struct {
	hits          int64
	misses        int64
	totalRequests int64

	evictions map[string]int64

	prefetchHits   int64
	prefetchMisses int64

	totalFetchCost float64
	savedFetchCost float64

	accessTimeTotal time.Duration
	accessSamples   int64

	// recomputed by the analytics loop
	hitRate         float64
	efficiency      float64
	avgItemLifetime time.Duration
}

func newCacheAnalytics() *cacheAnalytics {
	return &cacheAnalytics{
		evictions: make(map[string]int64),
	}
}

func (a *cacheAnalytics) recordHit(cost float64, elapsed time.Duration) {
	a.hits++
	a.totalRequests++
	a.savedFetchCost += cost
	a.accessTimeTotal += elapsed
	a.accessSamples++
}

func (a *cacheAnalytics) recordMiss(elapsed time.Duration) {
	a.misses++
	a.totalRequests++
	a.accessTimeTotal += elapsed
	a.accessSamples++
}

func (a *cacheAnalytics) recordEviction(cause string, n int) {
	a.evictions[cause] += int64(n)
}

func (a *cacheAnalytics) currentHitRate() float64 {
	if a.totalRequests == 0 {
		return 0
	}
	return float64(a.hits) / float64(a.totalRequests)
}

// CacheStats is the exported analytics snapshot consumed by dashboards.
// Plain data, no side effects.
type CacheStats struct {
	Hits          int64
	Misses        int64
	TotalRequests int64
	HitRate       float64

	Evictions map[string]int64

	PrefetchHits   int64
	PrefetchMisses int64

	// Efficiency is saved fetch cost over total fetch cost.
	Efficiency          float64
	AverageAccessTime   time.Duration
	AverageItemLifetime time.Duration

	ItemCount   int
	MemoryBytes int64
	TierCounts  map[string]int

	DefaultTTL time.Duration
}

// Stats returns the current analytics snapshot, including per-tier item
// counts. The hit rate is recomputed from the live counters so the
// hits+misses accounting invariant always holds in what callers see.
func (c *SmartCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.analytics
	stats := CacheStats{
		Hits:                a.hits,
		Misses:              a.misses,
		TotalRequests:       a.totalRequests,
		HitRate:             a.currentHitRate(),
		Evictions:           make(map[string]int64, len(a.evictions)),
		PrefetchHits:        a.prefetchHits,
		PrefetchMisses:      a.prefetchMisses,
		Efficiency:          a.efficiency,
		AverageItemLifetime: a.avgItemLifetime,
		ItemCount:           len(c.items),
		MemoryBytes:         c.memoryBytes,
		TierCounts:          make(map[string]int, 4),
		DefaultTTL:          c.defaultTTL,
	}
	for cause, n := range a.evictions {
		stats.Evictions[cause] = n
	}
	if a.accessSamples > 0 {
		stats.AverageAccessTime = a.accessTimeTotal / time.Duration(a.accessSamples)
	}
	for _, item := range c.items {
		stats.TierCounts[item.tier.String()]++
	}
	return stats
}

// recomputeAnalyticsLocked refreshes the derived rolling statistics. Runs
// under the cache mutex from the analytics loop.
func (c *SmartCache) recomputeAnalyticsLocked() {
	a := c.analytics
	a.hitRate = a.currentHitRate()

	if a.totalFetchCost > 0 {
		a.efficiency = a.savedFetchCost / a.totalFetchCost
	}

	if len(c.items) > 0 {
		now := time.Now()
		var total time.Duration
		for _, item := range c.items {
			total += now.Sub(item.createdAt)
		}
		a.avgItemLifetime = total / time.Duration(len(c.items))
	} else {
		a.avgItemLifetime = 0
	}
}

package tangguh

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testCacheConfig() CacheConfig {
	cfg := DefaultCacheConfig()
	cfg.MaxSize = 100
	cfg.Prefetch = PrefetchNone
	return cfg
}

func newTestCache(t *testing.T, cfg CacheConfig, fetch FetchFunc, opts ...CacheOption) *SmartCache {
	t.Helper()
	c, err := NewSmartCache(cfg, fetch, opts...)
	if err != nil {
		t.Fatalf("NewSmartCache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCacheSetGet(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)
	ctx := context.Background()

	c.Set(ctx, "user:1", "alice")

	if got := c.Get(ctx, "user:1"); got != "alice" {
		t.Errorf("expected %q, got %v", "alice", got)
	}

	stats := c.Stats()
	if stats.Hits != 1 {
		t.Errorf("expected 1 hit, got %d", stats.Hits)
	}
	if stats.ItemCount != 1 {
		t.Errorf("expected 1 item, got %d", stats.ItemCount)
	}
}

func TestCacheMissWithoutFetcher(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)

	if got := c.Get(context.Background(), "absent"); got != nil {
		t.Errorf("expected nil on miss, got %v", got)
	}
	if stats := c.Stats(); stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)
	ctx := context.Background()

	c.Set(ctx, "volatile", "gone soon", WithTTL(20*time.Millisecond))
	if got := c.Get(ctx, "volatile"); got != "gone soon" {
		t.Fatalf("expected value before expiry, got %v", got)
	}

	time.Sleep(40 * time.Millisecond)

	if got := c.Get(ctx, "volatile"); got != nil {
		t.Errorf("expected nil after expiry, got %v", got)
	}
	stats := c.Stats()
	if stats.Evictions[EvictCauseTTL] != 1 {
		t.Errorf("expected 1 ttl eviction, got %d", stats.Evictions[EvictCauseTTL])
	}
	if stats.ItemCount != 0 {
		t.Errorf("expected 0 items, got %d", stats.ItemCount)
	}
}

func TestCacheAccountingInvariant(t *testing.T) {
	fetch := func(ctx context.Context, key string) (interface{}, error) {
		if strings.HasPrefix(key, "bad") {
			return nil, errors.New("upstream down")
		}
		return "value of " + key, nil
	}
	c := newTestCache(t, testCacheConfig(), fetch)
	ctx := context.Background()

	c.Set(ctx, "seed", 42)
	c.Get(ctx, "seed")
	c.Get(ctx, "seed")
	c.Get(ctx, "fetched")
	c.Get(ctx, "fetched")
	c.Get(ctx, "bad:1")
	c.Get(ctx, "missing-then-fetched")

	stats := c.Stats()
	if stats.Hits+stats.Misses != stats.TotalRequests {
		t.Errorf("accounting broken: hits %d + misses %d != total %d", stats.Hits, stats.Misses, stats.TotalRequests)
	}
}

func TestCacheFetchOnMiss(t *testing.T) {
	var calls atomic.Int64
	fetch := func(ctx context.Context, key string) (interface{}, error) {
		calls.Add(1)
		return "fetched:" + key, nil
	}
	c := newTestCache(t, testCacheConfig(), fetch)
	ctx := context.Background()

	if got := c.Get(ctx, "k"); got != "fetched:k" {
		t.Fatalf("expected fetched value, got %v", got)
	}
	if got := c.Get(ctx, "k"); got != "fetched:k" {
		t.Fatalf("expected cached value, got %v", got)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 fetch, got %d", calls.Load())
	}

	stats := c.Stats()
	if stats.Misses != 1 || stats.Hits != 1 {
		t.Errorf("expected 1 miss and 1 hit, got %d/%d", stats.Misses, stats.Hits)
	}
}

func TestCacheFetchErrorReturnsNil(t *testing.T) {
	fetch := func(ctx context.Context, key string) (interface{}, error) {
		return nil, errors.New("upstream down")
	}
	c := newTestCache(t, testCacheConfig(), fetch)

	if got := c.Get(context.Background(), "k"); got != nil {
		t.Errorf("expected nil on fetch failure, got %v", got)
	}
	if stats := c.Stats(); stats.ItemCount != 0 {
		t.Errorf("expected nothing stored on fetch failure, got %d items", stats.ItemCount)
	}
}

func TestCacheCoalescesConcurrentFetches(t *testing.T) {
	var calls atomic.Int64
	fetch := func(ctx context.Context, key string) (interface{}, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return "shared", nil
	}
	c := newTestCache(t, testCacheConfig(), fetch)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := c.Get(context.Background(), "k"); got != "shared" {
				t.Errorf("expected shared value, got %v", got)
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("expected 1 coalesced fetch, got %d", calls.Load())
	}
}

func TestCacheLRUEviction(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxSize = 3
	cfg.Eviction = EvictLRU
	c := newTestCache(t, cfg, nil)
	ctx := context.Background()

	c.Set(ctx, "a", 1)
	time.Sleep(2 * time.Millisecond)
	c.Set(ctx, "b", 2)
	time.Sleep(2 * time.Millisecond)
	c.Set(ctx, "c", 3)
	time.Sleep(2 * time.Millisecond)

	// Refreshing "a" makes "b" the least recently accessed.
	c.Get(ctx, "a")
	time.Sleep(2 * time.Millisecond)

	c.Set(ctx, "d", 4)

	if got := c.Get(ctx, "b"); got != nil {
		t.Errorf("expected least-recently-accessed entry evicted, got %v", got)
	}
	for _, key := range []string{"a", "c", "d"} {
		if got := c.Get(ctx, key); got == nil {
			t.Errorf("expected %q retained", key)
		}
	}
}

func TestCacheLFUEviction(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxSize = 3
	cfg.Eviction = EvictLFU
	c := newTestCache(t, cfg, nil)
	ctx := context.Background()

	c.Set(ctx, "popular", 1)
	c.Set(ctx, "occasional", 2)
	c.Set(ctx, "untouched", 3)
	for i := 0; i < 5; i++ {
		c.Get(ctx, "popular")
	}
	c.Get(ctx, "occasional")

	c.Set(ctx, "new", 4)

	if got := c.Get(ctx, "untouched"); got != nil {
		t.Errorf("expected least-frequently-used entry evicted, got %v", got)
	}
	if got := c.Get(ctx, "popular"); got == nil {
		t.Error("expected frequently used entry retained")
	}
}

func TestCacheFIFOEviction(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxSize = 3
	cfg.Eviction = EvictFIFO
	c := newTestCache(t, cfg, nil)
	ctx := context.Background()

	c.Set(ctx, "first", 1)
	c.Set(ctx, "second", 2)
	c.Set(ctx, "third", 3)

	// Heavy use does not save the oldest insertion under FIFO.
	for i := 0; i < 5; i++ {
		c.Get(ctx, "first")
	}

	c.Set(ctx, "fourth", 4)

	if got := c.Get(ctx, "first"); got != nil {
		t.Errorf("expected oldest insertion evicted, got %v", got)
	}
	if got := c.Get(ctx, "second"); got == nil {
		t.Error("expected second insertion retained")
	}
}

func TestCacheAdaptiveEvictionPrefersCheapUnaccessed(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxSize = 2
	cfg.Eviction = EvictAdaptive
	c := newTestCache(t, cfg, nil)
	ctx := context.Background()

	c.Set(ctx, "expensive", "slow to rebuild", WithCost(9))
	c.Set(ctx, "cheap", "trivial to rebuild")
	for i := 0; i < 3; i++ {
		c.Get(ctx, "expensive")
	}

	c.Set(ctx, "new", 1)

	if got := c.Get(ctx, "cheap"); got != nil {
		t.Errorf("expected cheap unaccessed entry evicted first, got %v", got)
	}
	if got := c.Get(ctx, "expensive"); got == nil {
		t.Error("expected expensive popular entry retained")
	}
}

func TestCacheMemoryLimitEviction(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxMemoryBytes = 100
	cfg.Eviction = EvictLRU
	c := newTestCache(t, cfg, nil)
	ctx := context.Background()

	big := strings.Repeat("x", 60)
	c.Set(ctx, "one", big)
	c.Set(ctx, "two", big)

	stats := c.Stats()
	if stats.MemoryBytes > 100 {
		t.Errorf("memory accounting exceeds limit: %d", stats.MemoryBytes)
	}
	if stats.Evictions[EvictCauseMemory] == 0 {
		t.Error("expected a memory-pressure eviction")
	}
}

func TestCacheRejectsOversizedValue(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxMemoryBytes = 100
	c := newTestCache(t, cfg, nil)
	ctx := context.Background()

	c.Set(ctx, "keeper", strings.Repeat("x", 40))
	c.Set(ctx, "giant", strings.Repeat("y", 200))

	if got := c.Get(ctx, "giant"); got != nil {
		t.Errorf("value larger than the memory limit should not be stored, got %v", got)
	}
	if got := c.Get(ctx, "keeper"); got == nil {
		t.Error("existing entries must survive an oversized insert")
	}
	stats := c.Stats()
	if stats.ItemCount != 1 {
		t.Errorf("expected 1 item, got %d", stats.ItemCount)
	}
	if stats.MemoryBytes > 100 {
		t.Errorf("memory accounting exceeds limit: %d", stats.MemoryBytes)
	}
	if stats.Evictions[EvictCauseMemory] != 0 {
		t.Errorf("oversized insert should not evict, got %d memory evictions", stats.Evictions[EvictCauseMemory])
	}
}

func TestCacheCompressionRoundTrip(t *testing.T) {
	cfg := testCacheConfig()
	cfg.CompressionThreshold = 64
	c := newTestCache(t, cfg, nil)
	ctx := context.Background()

	payload := strings.Repeat("abcdefgh", 200)
	c.Set(ctx, "blob", payload)

	c.mu.Lock()
	item := c.items["blob"]
	_, compressed := item.value.(compressedBlob)
	size := item.sizeBytes
	c.mu.Unlock()

	if !compressed {
		t.Fatal("expected large repetitive string to be stored compressed")
	}
	if size >= int64(len(payload)) {
		t.Errorf("expected compressed size below %d, got %d", len(payload), size)
	}
	if got := c.Get(ctx, "blob"); got != payload {
		t.Error("round trip through compression lost data")
	}
}

func TestCacheCompressionBytesRoundTrip(t *testing.T) {
	cfg := testCacheConfig()
	cfg.CompressionThreshold = 64
	c := newTestCache(t, cfg, nil)
	ctx := context.Background()

	payload := []byte(strings.Repeat("01234567", 100))
	c.Set(ctx, "raw", payload)

	got, ok := c.Get(ctx, "raw").([]byte)
	if !ok {
		t.Fatalf("expected []byte back, got %T", c.Get(ctx, "raw"))
	}
	if string(got) != string(payload) {
		t.Error("round trip through compression lost data")
	}
}

func TestCacheSmallValuesNotCompressed(t *testing.T) {
	cfg := testCacheConfig()
	cfg.CompressionThreshold = 64
	c := newTestCache(t, cfg, nil)

	c.Set(context.Background(), "small", "tiny")

	c.mu.Lock()
	_, compressed := c.items["small"].value.(compressedBlob)
	c.mu.Unlock()
	if compressed {
		t.Error("expected small value stored uncompressed")
	}
}

func TestCacheAdaptiveTTL(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)

	c.mu.Lock()
	defer c.mu.Unlock()

	base := c.defaultTTL
	if got := c.adaptiveTTLLocked("k", 0); got != base {
		t.Errorf("costless entry: expected default TTL %v, got %v", base, got)
	}
	if got := c.adaptiveTTLLocked("k", 5); got != 5*base {
		t.Errorf("cost 5: expected %v, got %v", 5*base, got)
	}
	if got := c.adaptiveTTLLocked("k", 100); got != 10*base {
		t.Errorf("cost 100: expected cap at %v, got %v", 10*base, got)
	}
}

func TestCacheAdaptiveTTLFrequencyMultiplier(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)
	ctx := context.Background()

	c.Set(ctx, "hot", 1)
	for i := 0; i <= adaptiveTTLFreq; i++ {
		c.Get(ctx, "hot")
	}

	c.mu.Lock()
	got := c.adaptiveTTLLocked("hot", 0)
	want := time.Duration(float64(c.defaultTTL) * c.cfg.AdaptiveTTLMultiplier)
	c.mu.Unlock()

	if got != want {
		t.Errorf("expected frequency-boosted TTL %v, got %v", want, got)
	}
}

func TestCacheTiering(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)
	ctx := context.Background()

	c.Set(ctx, "hot", 1)
	c.Set(ctx, "warm", 2)
	c.Set(ctx, "frozen", 3)
	for i := 0; i < 20; i++ {
		c.Get(ctx, "hot")
	}
	c.Get(ctx, "warm")

	stats := c.Stats()
	if stats.TierCounts[TierHot.String()] != 1 {
		t.Errorf("expected 1 hot entry, got %d (%v)", stats.TierCounts[TierHot.String()], stats.TierCounts)
	}
	if stats.TierCounts[TierWarm.String()] != 1 {
		t.Errorf("expected 1 warm entry, got %d (%v)", stats.TierCounts[TierWarm.String()], stats.TierCounts)
	}
	if stats.TierCounts[TierFrozen.String()] != 1 {
		t.Errorf("expected 1 frozen entry, got %d (%v)", stats.TierCounts[TierFrozen.String()], stats.TierCounts)
	}
}

func TestCacheTieringDisabled(t *testing.T) {
	cfg := testCacheConfig()
	cfg.TieringEnabled = false
	c := newTestCache(t, cfg, nil)
	ctx := context.Background()

	c.Set(ctx, "a", 1)
	c.Get(ctx, "a")

	if stats := c.Stats(); stats.TierCounts[TierWarm.String()] != 1 {
		t.Errorf("expected everything warm with tiering disabled, got %v", stats.TierCounts)
	}
}

func TestCacheDelete(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)
	ctx := context.Background()

	c.Set(ctx, "k", 1)
	if !c.Delete("k") {
		t.Error("expected Delete to report presence")
	}
	if c.Delete("k") {
		t.Error("expected Delete of absent key to report false")
	}
	if got := c.Get(ctx, "k"); got != nil {
		t.Errorf("expected nil after delete, got %v", got)
	}
}

func TestCacheClear(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)
	ctx := context.Background()

	c.Set(ctx, "a", 1)
	c.Set(ctx, "b", 2)
	c.Get(ctx, "a")

	c.Clear()

	stats := c.Stats()
	if stats.ItemCount != 0 {
		t.Errorf("expected empty cache, got %d items", stats.ItemCount)
	}
	if stats.MemoryBytes != 0 {
		t.Errorf("expected zero memory, got %d", stats.MemoryBytes)
	}
	if stats.Evictions[EvictCauseClear] != 2 {
		t.Errorf("expected 2 clear evictions, got %d", stats.Evictions[EvictCauseClear])
	}
	// Counters survive a clear.
	if stats.Hits != 1 {
		t.Errorf("expected hit counter preserved, got %d", stats.Hits)
	}
}

func TestCacheCloseIsIdempotent(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)
	ctx := context.Background()

	c.Set(ctx, "k", 1)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if got := c.Get(ctx, "k"); got != nil {
		t.Errorf("expected nil from closed cache, got %v", got)
	}
	c.Set(ctx, "after", 1) // must not panic or store
	if stats := c.Stats(); stats.ItemCount != 0 {
		t.Errorf("expected closed cache to stay empty, got %d items", stats.ItemCount)
	}
}

func TestCacheCleanupExpired(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)
	ctx := context.Background()

	c.Set(ctx, "short1", 1, WithTTL(10*time.Millisecond))
	c.Set(ctx, "short2", 2, WithTTL(10*time.Millisecond))
	c.Set(ctx, "long", 3, WithTTL(time.Hour))

	time.Sleep(30 * time.Millisecond)
	c.cleanupExpired()

	stats := c.Stats()
	if stats.ItemCount != 1 {
		t.Errorf("expected 1 surviving item, got %d", stats.ItemCount)
	}
	if stats.Evictions[EvictCauseTTL] != 2 {
		t.Errorf("expected 2 ttl evictions, got %d", stats.Evictions[EvictCauseTTL])
	}
}

func TestCacheTuneShrinksTTLOnLowHitRate(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)

	c.mu.Lock()
	c.analytics.hits = 2
	c.analytics.misses = 48
	c.analytics.totalRequests = 50
	before := c.defaultTTL
	c.mu.Unlock()

	c.tuneParameters()

	c.mu.Lock()
	after := c.defaultTTL
	c.mu.Unlock()
	if after >= before {
		t.Errorf("expected TTL shrink on low hit rate, %v -> %v", before, after)
	}
	if after < minDefaultTTL {
		t.Errorf("expected clamp at %v, got %v", minDefaultTTL, after)
	}
}

func TestCacheTuneGrowsTTLOnHighHitRate(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)

	c.mu.Lock()
	c.analytics.hits = 48
	c.analytics.misses = 2
	c.analytics.totalRequests = 50
	before := c.defaultTTL
	c.mu.Unlock()

	c.tuneParameters()

	c.mu.Lock()
	after := c.defaultTTL
	c.mu.Unlock()
	if after <= before {
		t.Errorf("expected TTL growth on high hit rate, %v -> %v", before, after)
	}
}

func TestCacheTuneIgnoresSparseTraffic(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)

	c.mu.Lock()
	c.analytics.hits = 0
	c.analytics.misses = 5
	c.analytics.totalRequests = 5
	before := c.defaultTTL
	c.mu.Unlock()

	c.tuneParameters()

	c.mu.Lock()
	after := c.defaultTTL
	c.mu.Unlock()
	if after != before {
		t.Errorf("expected no tuning below %d requests, %v -> %v", tuneMinRequests, before, after)
	}
}

func TestCacheEfficiency(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)

	c.mu.Lock()
	c.analytics.totalFetchCost = 10
	c.analytics.savedFetchCost = 4
	c.recomputeAnalyticsLocked()
	c.mu.Unlock()

	if stats := c.Stats(); stats.Efficiency != 0.4 {
		t.Errorf("expected efficiency 0.4, got %v", stats.Efficiency)
	}
}

func TestNewSmartCacheRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CacheConfig)
	}{
		{"zero max size", func(c *CacheConfig) { c.MaxSize = 0 }},
		{"zero ttl", func(c *CacheConfig) { c.DefaultTTL = 0 }},
		{"excessive ttl", func(c *CacheConfig) { c.DefaultTTL = 48 * time.Hour }},
		{"warm above hot", func(c *CacheConfig) { c.WarmThreshold = 0.5; c.HotThreshold = 0.1 }},
		{"multiplier below one", func(c *CacheConfig) { c.AdaptiveTTLMultiplier = 0.5 }},
		{"prefetch without side-cache", func(c *CacheConfig) { c.Prefetch = PrefetchAlways; c.PrefetchCacheSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testCacheConfig()
			tt.mutate(&cfg)
			if _, err := NewSmartCache(cfg, nil); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

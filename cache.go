package tangguh

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/prasetyo-adi/tangguh/internal/singleflight"
)

const (
	// analyticsInterval is the derived-statistics recompute tick.
	analyticsInterval = 60 * time.Second
	// cleanupInterval is the TTL-expiry scan tick.
	cleanupInterval = 5 * time.Minute
	// tuneInterval is the adaptive parameter tuning tick.
	tuneInterval = 5 * time.Minute
	// minDefaultTTL / maxDefaultTTL clamp the self-tuned default TTL.
	minDefaultTTL = 5 * time.Minute
	maxDefaultTTL = 24 * time.Hour
	// lruHeadroom is the fraction of MaxSize kept free after an LRU sweep.
	lruHeadroom = 0.3
	// adaptiveTTLFreq is the access count past which the adaptive TTL
	// multiplier kicks in.
	adaptiveTTLFreq = 10
	// costTTLCap bounds the fetch-cost multiplier on adaptive TTLs.
	costTTLCap = 10.0
	// accessLogCap bounds the recorded access sequence.
	accessLogCap = 10000
	// tuneMinRequests is the minimum traffic before TTL tuning reacts.
	tuneMinRequests = 20
)

// CacheConfig holds SmartCache configuration.
type CacheConfig struct {
	MaxSize               int              `yaml:"max_size"`
	MaxMemoryBytes        int64            `yaml:"max_memory_bytes"`
	DefaultTTL            time.Duration    `yaml:"default_ttl"`
	Eviction              EvictionStrategy `yaml:"eviction"`
	TieringEnabled        bool             `yaml:"tiering_enabled"`
	Prefetch              PrefetchStrategy `yaml:"prefetch"`
	AdaptiveTTLMultiplier float64          `yaml:"adaptive_ttl_multiplier"`
	HotThreshold          float64          `yaml:"hot_threshold"`
	WarmThreshold         float64          `yaml:"warm_threshold"`
	CompressionThreshold  int              `yaml:"compression_threshold"`
	PrefetchCacheSize     int              `yaml:"prefetch_cache_size"`
}

// DefaultCacheConfig returns production-leaning cache defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxSize:               1000,
		MaxMemoryBytes:        100 << 20,
		DefaultTTL:            10 * time.Minute,
		Eviction:              EvictAdaptive,
		TieringEnabled:        true,
		Prefetch:              PrefetchAdaptive,
		AdaptiveTTLMultiplier: 2.0,
		HotThreshold:          0.1,
		WarmThreshold:         0.01,
		CompressionThreshold:  4096,
		PrefetchCacheSize:     128,
	}
}

// cacheItem is one entry in the main cache map, owned by the cache and
// guarded by its mutex.
type cacheItem struct {
	key          string
	value        interface{}
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  int64
	sizeBytes    int64
	costToFetch  float64
	ttl          time.Duration
	expiresAt    time.Time
	tier         CacheTier
	tags         []string
	seq          int64
}

// compressedBlob is the stored form of a value gzip'd past the
// compression threshold.
type compressedBlob struct {
	data      []byte
	wasString bool
}

type accessRecord struct {
	key string
	at  time.Time
}

// SmartCache is the top-level cache entry point: Get serves cached values
// or invokes the injected fetch function on miss, storing results under
// an adaptive eviction, tiering and prefetch policy. Safe for concurrent
// use.
type SmartCache struct {
	cfg   CacheConfig
	fetch FetchFunc

	mu            sync.Mutex
	items         map[string]*cacheItem
	seq           int64
	memoryBytes   int64
	totalAccesses int64
	defaultTTL    time.Duration
	analytics     *cacheAnalytics
	accessLog     []accessRecord
	closed        bool

	flight *singleflight.Group
	pf     *prefetcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger  Logger
	metrics *MetricsCollector
	debug   *DebugConfig
}

// NewSmartCache constructs a cache around fetch (which may be nil for a
// store-only cache), validating the configuration and starting the
// background loops.
func NewSmartCache(cfg CacheConfig, fetch FetchFunc, opts ...CacheOption) (*SmartCache, error) {
	if err := validateCacheConfig(cfg); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &SmartCache{
		cfg:        cfg,
		fetch:      fetch,
		items:      make(map[string]*cacheItem),
		defaultTTL: cfg.DefaultTTL,
		analytics:  newCacheAnalytics(),
		flight:     singleflight.New(),
		ctx:        ctx,
		cancel:     cancel,
		debug:      &DebugConfig{},
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.Prefetch != PrefetchNone && fetch != nil {
		pf, err := newPrefetcher(cfg.PrefetchCacheSize, cfg.DefaultTTL)
		if err != nil {
			cancel()
			return nil, err
		}
		c.pf = pf
		c.wg.Add(1)
		go c.prefetchLoop()
	}

	c.wg.Add(2)
	go c.analyticsLoop()
	go c.cleanupLoop()
	if cfg.Eviction == EvictAdaptive {
		c.wg.Add(1)
		go c.tuneLoop()
	}

	return c, nil
}

// SetOption customizes a single Set call.
type SetOption func(*setOptions)

type setOptions struct {
	ttl  time.Duration
	cost float64
	tags []string
}

// WithTTL overrides the adaptive TTL for this entry.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = ttl }
}

// WithCost records how expensive the value was to fetch, in seconds.
// Cheap-to-refetch items are evicted earlier and live shorter.
func WithCost(cost float64) SetOption {
	return func(o *setOptions) { o.cost = cost }
}

// WithTags attaches free-form tags to the entry.
func WithTags(tags ...string) SetOption {
	return func(o *setOptions) { o.tags = tags }
}

// Get returns the cached value for key, or fetches it on miss. Fetch
// failures are logged and surfaced as nil, never propagated. The prefetch
// side-cache is consulted first; a hit there counts as a prefetch hit and
// promotes the entry into the main cache.
func (c *SmartCache) Get(ctx context.Context, key string) interface{} {
	start := time.Now()

	if c.pf != nil {
		if entry, ok := c.pf.take(key); ok {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return nil
			}
			c.analytics.prefetchHits++
			c.analytics.recordHit(entry.cost, time.Since(start))
			c.recordAccessLocked(key)
			c.storeLocked(key, entry.value, setOptions{cost: entry.cost})
			c.mu.Unlock()
			c.metrics.RecordCachePrefetchHit()
			c.metrics.RecordCacheHit()
			return entry.value
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	if item, ok := c.items[key]; ok {
		if !item.expired(time.Now()) {
			item.accessCount++
			item.lastAccessed = time.Now()
			c.totalAccesses++
			c.retierLocked(item)
			c.recordAccessLocked(key)
			c.analytics.recordHit(item.costToFetch, time.Since(start))
			value := item.value
			tier := item.tier
			hitRate := c.analytics.currentHitRate()
			c.mu.Unlock()

			c.metrics.RecordCacheHit()
			c.maybePrefetch(key, tier, hitRate)
			return c.materialize(value)
		}

		c.evictItemLocked(item, EvictCauseTTL)
		if c.debug.Enabled && c.debug.LogCache && c.logger != nil {
			c.logger.Debug("entry expired", "key", key)
		}
	}

	c.analytics.recordMiss(time.Since(start))
	c.recordAccessLocked(key)
	fetch := c.fetch
	c.mu.Unlock()
	c.metrics.RecordCacheMiss()

	if fetch == nil {
		return nil
	}

	value, err := c.flight.Do(key, func() (interface{}, error) {
		fetchStart := time.Now()
		v, ferr := fetch(ctx, key)
		cost := time.Since(fetchStart).Seconds()
		if ferr != nil {
			return nil, ferr
		}

		c.mu.Lock()
		if !c.closed {
			c.analytics.totalFetchCost += cost
			c.storeLocked(key, v, setOptions{cost: cost})
		}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("fetch failed", "key", key, "error", err)
		}
		c.metrics.RecordCacheFetchError()
		return nil
	}
	return value
}

// Set stores value under key. TTL defaults to the adaptive TTL derived
// from fetch cost and access frequency; large byte/string values are
// gzip'd past the compression threshold.
func (c *SmartCache) Set(ctx context.Context, key string, value interface{}, opts ...SetOption) {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.storeLocked(key, value, o)
}

// storeLocked inserts or replaces an entry: size estimation, optional
// compression, adaptive TTL, capacity enforcement and tier assignment.
func (c *SmartCache) storeLocked(key string, value interface{}, o setOptions) {
	stored, size := c.encode(value)

	// A value that exceeds the memory limit outright would evict the
	// whole cache and still not fit; drop it instead.
	if c.cfg.MaxMemoryBytes > 0 && size > c.cfg.MaxMemoryBytes {
		if c.logger != nil {
			c.logger.Warn("value exceeds cache memory limit, not stored", "key", key, "size", size, "limit", c.cfg.MaxMemoryBytes)
		}
		return
	}

	ttl := o.ttl
	if ttl <= 0 {
		ttl = c.adaptiveTTLLocked(key, o.cost)
	}

	if prev, ok := c.items[key]; ok {
		c.memoryBytes -= prev.sizeBytes
		c.totalAccesses -= prev.accessCount
		delete(c.items, key)
	}

	c.ensureCapacityLocked(size)

	now := time.Now()
	c.seq++
	item := &cacheItem{
		key:          key,
		value:        stored,
		createdAt:    now,
		lastAccessed: now,
		sizeBytes:    size,
		costToFetch:  o.cost,
		ttl:          ttl,
		expiresAt:    now.Add(ttl),
		tags:         o.tags,
		seq:          c.seq,
	}
	c.items[key] = item
	c.memoryBytes += size
	c.retierLocked(item)

	c.metrics.RecordCacheSize(len(c.items), c.memoryBytes)
}

// Delete removes key from the cache, reporting whether it was present.
func (c *SmartCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		return false
	}
	c.evictItemLocked(item, EvictCauseClear)
	return true
}

// Clear drops every entry. Analytics counters survive; only contents go.
func (c *SmartCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.items)
	c.items = make(map[string]*cacheItem)
	c.memoryBytes = 0
	c.totalAccesses = 0
	c.analytics.recordEviction(EvictCauseClear, n)
	c.metrics.RecordCacheEvictions(EvictCauseClear, n)
	c.metrics.RecordCacheSize(0, 0)
	if c.pf != nil {
		c.pf.clear()
	}
}

// Close cancels the background loops and releases the prefetch worker and
// side-cache. Idempotent and safe to call from any state.
func (c *SmartCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	c.items = make(map[string]*cacheItem)
	c.memoryBytes = 0
	c.mu.Unlock()

	if c.pf != nil {
		c.pf.close()
	}
	return nil
}

// encode estimates serialized size and compresses large byte/string
// payloads.
func (c *SmartCache) encode(value interface{}) (interface{}, int64) {
	var raw []byte
	wasString := false

	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
		wasString = true
	default:
		data, err := json.Marshal(v)
		if err != nil {
			data = []byte(fmt.Sprintf("%v", v))
		}
		return value, int64(len(data))
	}

	if c.cfg.CompressionThreshold > 0 && len(raw) > c.cfg.CompressionThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err == nil && zw.Close() == nil {
			if buf.Len() < len(raw) {
				return compressedBlob{data: buf.Bytes(), wasString: wasString}, int64(buf.Len())
			}
		} else {
			_ = zw.Close()
		}
	}
	return value, int64(len(raw))
}

// materialize reverses encode for values handed back to callers.
func (c *SmartCache) materialize(value interface{}) interface{} {
	blob, ok := value.(compressedBlob)
	if !ok {
		return value
	}
	zr, err := gzip.NewReader(bytes.NewReader(blob.data))
	if err != nil {
		return nil
	}
	raw, err := io.ReadAll(zr)
	_ = zr.Close()
	if err != nil {
		return nil
	}
	if blob.wasString {
		return string(raw)
	}
	return raw
}

// adaptiveTTLLocked derives a TTL from fetch cost and access frequency:
// expensive, frequently-hit entries live longer. The cost multiplier is
// floored at 1 so costless writes keep the default TTL.
func (c *SmartCache) adaptiveTTLLocked(key string, cost float64) time.Duration {
	factor := cost
	if factor < 1 {
		factor = 1
	}
	if factor > costTTLCap {
		factor = costTTLCap
	}
	ttl := time.Duration(float64(c.defaultTTL) * factor)
	if prev, ok := c.items[key]; ok && prev.accessCount > adaptiveTTLFreq {
		ttl = time.Duration(float64(ttl) * c.cfg.AdaptiveTTLMultiplier)
	}
	return ttl
}

func (item *cacheItem) expired(now time.Time) bool {
	return item.ttl > 0 && now.After(item.expiresAt)
}

// retierLocked recomputes an item's tier from its share of the cache's
// total access mass.
func (c *SmartCache) retierLocked(item *cacheItem) {
	if !c.cfg.TieringEnabled {
		item.tier = TierWarm
		return
	}
	if item.accessCount == 0 || c.totalAccesses == 0 {
		item.tier = TierFrozen
		return
	}
	score := float64(item.accessCount) / float64(c.totalAccesses)
	switch {
	case score >= c.cfg.HotThreshold:
		item.tier = TierHot
	case score >= c.cfg.WarmThreshold:
		item.tier = TierWarm
	default:
		item.tier = TierCold
	}
}

func (c *SmartCache) recordAccessLocked(key string) {
	c.accessLog = append(c.accessLog, accessRecord{key: key, at: time.Now()})
	if len(c.accessLog) > accessLogCap {
		c.accessLog = c.accessLog[len(c.accessLog)-accessLogCap/2:]
	}
}

func (c *SmartCache) evictItemLocked(item *cacheItem, cause string) {
	delete(c.items, item.key)
	c.memoryBytes -= item.sizeBytes
	c.totalAccesses -= item.accessCount
	c.analytics.recordEviction(cause, 1)
	c.metrics.RecordCacheEvictions(cause, 1)
}

// ensureCapacityLocked evicts per the configured strategy until an entry
// of the given size fits both the count and memory limits.
func (c *SmartCache) ensureCapacityLocked(incoming int64) {
	overCount := len(c.items) >= c.cfg.MaxSize
	overMemory := c.cfg.MaxMemoryBytes > 0 && c.memoryBytes+incoming > c.cfg.MaxMemoryBytes
	if !overCount && !overMemory {
		return
	}

	cause := EvictCauseCapacity
	if overMemory && !overCount {
		cause = EvictCauseMemory
	}

	victims := c.evictionOrderLocked()
	fits := func() bool {
		if len(c.items) >= c.cfg.MaxSize {
			return false
		}
		if c.cfg.MaxMemoryBytes > 0 && c.memoryBytes+incoming > c.cfg.MaxMemoryBytes {
			return false
		}
		return true
	}

	// LRU sweeps down to headroom instead of one-in-one-out.
	countTarget := c.cfg.MaxSize
	if c.cfg.Eviction == EvictLRU && overCount {
		countTarget = int(float64(c.cfg.MaxSize) * (1 - lruHeadroom))
	}

	for _, victim := range victims {
		if fits() && len(c.items) <= countTarget {
			break
		}
		c.evictItemLocked(victim, cause)
		if c.debug.Enabled && c.debug.LogEviction && c.logger != nil {
			c.logger.Debug("evicted entry", "key", victim.key, "cause", cause, "tier", victim.tier)
		}
	}
}

// evictionOrderLocked returns all items ordered most-evictable first per
// the active strategy.
func (c *SmartCache) evictionOrderLocked() []*cacheItem {
	order := make([]*cacheItem, 0, len(c.items))
	for _, item := range c.items {
		order = append(order, item)
	}

	switch c.cfg.Eviction {
	case EvictLRU:
		sort.Slice(order, func(i, j int) bool {
			return order[i].lastAccessed.Before(order[j].lastAccessed)
		})
	case EvictLFU:
		sort.Slice(order, func(i, j int) bool {
			if order[i].accessCount != order[j].accessCount {
				return order[i].accessCount < order[j].accessCount
			}
			return order[i].lastAccessed.Before(order[j].lastAccessed)
		})
	case EvictFIFO:
		sort.Slice(order, func(i, j int) bool {
			return order[i].seq < order[j].seq
		})
	case EvictAdaptive:
		scores := make(map[string]float64, len(order))
		for _, item := range order {
			scores[item.key] = c.retentionScoreLocked(item)
		}
		sort.Slice(order, func(i, j int) bool {
			return scores[order[i].key] < scores[order[j].key]
		})
	}
	return order
}

// retentionScoreLocked scores how much an item is worth keeping: a
// weighted blend of access frequency, recency, inverse size, fetch cost
// and remaining TTL. Items that are cheap to re-fetch, rarely accessed,
// old and large score lowest and go first.
func (c *SmartCache) retentionScoreLocked(item *cacheItem) float64 {
	var maxCount int64 = 1
	var maxSize int64 = 1
	maxCost := 1.0
	maxIdle := time.Second
	now := time.Now()
	for _, other := range c.items {
		if other.accessCount > maxCount {
			maxCount = other.accessCount
		}
		if other.sizeBytes > maxSize {
			maxSize = other.sizeBytes
		}
		if other.costToFetch > maxCost {
			maxCost = other.costToFetch
		}
		if idle := now.Sub(other.lastAccessed); idle > maxIdle {
			maxIdle = idle
		}
	}

	freq := float64(item.accessCount) / float64(maxCount)
	recency := 1 - float64(now.Sub(item.lastAccessed))/float64(maxIdle)
	size := 1 - float64(item.sizeBytes)/float64(maxSize)
	cost := item.costToFetch / maxCost
	ageRatio := 0.0
	if item.ttl > 0 {
		ageRatio = float64(now.Sub(item.createdAt)) / float64(item.ttl)
		if ageRatio > 1 {
			ageRatio = 1
		}
	}

	return 0.3*freq + 0.2*recency + 0.2*size + 0.2*cost + 0.1*(1-ageRatio)
}

// cleanupExpired removes every TTL-expired entry. Called by the cleanup
// loop and exercised directly in tests.
func (c *SmartCache) cleanupExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, item := range c.items {
		if item.expired(now) {
			c.evictItemLocked(item, EvictCauseTTL)
		}
	}
	c.metrics.RecordCacheSize(len(c.items), c.memoryBytes)
}

// tuneParameters nudges the default TTL toward the observed hit rate,
// clamped to [minDefaultTTL, maxDefaultTTL].
func (c *SmartCache) tuneParameters() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.analytics.totalRequests < tuneMinRequests {
		return
	}
	hitRate := c.analytics.currentHitRate()
	switch {
	case hitRate < 0.5:
		c.defaultTTL = time.Duration(float64(c.defaultTTL) * 0.9)
	case hitRate > 0.8:
		c.defaultTTL = time.Duration(float64(c.defaultTTL) * 1.1)
	default:
		return
	}
	if c.defaultTTL < minDefaultTTL {
		c.defaultTTL = minDefaultTTL
	}
	if c.defaultTTL > maxDefaultTTL {
		c.defaultTTL = maxDefaultTTL
	}
	if c.debug.Enabled && c.debug.LogCache && c.logger != nil {
		c.logger.Info("tuned default TTL", "hitRate", hitRate, "defaultTTL", c.defaultTTL)
	}
}

func (c *SmartCache) analyticsLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(analyticsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.recomputeAnalyticsLocked()
			log := make([]accessRecord, len(c.accessLog))
			copy(log, c.accessLog)
			c.mu.Unlock()
			if c.pf != nil {
				c.pf.rebuildSuccessors(log)
			}
		}
	}
}

func (c *SmartCache) cleanupLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.cleanupExpired()
		}
	}
}

func (c *SmartCache) tuneLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(tuneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.tuneParameters()
		}
	}
}

package tangguh

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/maypok86/otter"
)

const (
	// prefetchQueueSize bounds pending prefetch candidates; overflow is
	// dropped, prefetching is best effort.
	prefetchQueueSize = 64
	// prefetchFetchTimeout bounds one background fetch.
	prefetchFetchTimeout = 10 * time.Second
	// successorGap is the maximum spacing between two accesses for them
	// to count as a sequence when mining successors.
	successorGap = 30 * time.Second
	// prefetchHitRateFloor gates adaptive prefetching on cache health.
	prefetchHitRateFloor = 0.5
)

// prefetchEntry is a speculatively fetched value waiting in the side-cache.
type prefetchEntry struct {
	value interface{}
	cost  float64
}

// prefetcher owns the bounded side-cache of speculative fetches and the
// mined access-sequence model. The side-cache is deliberately separate
// from the main cache and keeps its own hit/miss accounting upstream.
type prefetcher struct {
	store otter.Cache[string, prefetchEntry]
	queue chan string

	mu         sync.Mutex
	successors map[string]string
}

func newPrefetcher(size int, ttl time.Duration) (*prefetcher, error) {
	store, err := otter.MustBuilder[string, prefetchEntry](size).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, &Error{Kind: KindNonRetryable, Op: "prefetch", Message: "side-cache construction failed", Cause: err}
	}
	return &prefetcher{
		store:      store,
		queue:      make(chan string, prefetchQueueSize),
		successors: make(map[string]string),
	}, nil
}

// take removes and returns a prefetched entry, if present.
func (p *prefetcher) take(key string) (prefetchEntry, bool) {
	entry, ok := p.store.Get(key)
	if ok {
		p.store.Delete(key)
	}
	return entry, ok
}

func (p *prefetcher) has(key string) bool {
	return p.store.Has(key)
}

func (p *prefetcher) put(key string, entry prefetchEntry) {
	p.store.Set(key, entry)
}

// enqueue offers a candidate to the worker, dropping it when the queue is
// full.
func (p *prefetcher) enqueue(key string) bool {
	select {
	case p.queue <- key:
		return true
	default:
		return false
	}
}

func (p *prefetcher) successor(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, ok := p.successors[key]
	return next, ok
}

// rebuildSuccessors mines the recorded access sequence for the most
// common follower of each key. Called from the analytics loop.
func (p *prefetcher) rebuildSuccessors(log []accessRecord) {
	counts := make(map[string]map[string]int)
	for i := 1; i < len(log); i++ {
		prev, cur := log[i-1], log[i]
		if cur.key == prev.key || cur.at.Sub(prev.at) > successorGap {
			continue
		}
		if counts[prev.key] == nil {
			counts[prev.key] = make(map[string]int)
		}
		counts[prev.key][cur.key]++
	}

	best := make(map[string]string, len(counts))
	for key, followers := range counts {
		top, topCount := "", 0
		for follower, n := range followers {
			if n > topCount {
				top, topCount = follower, n
			}
		}
		if topCount > 1 {
			best[key] = top
		}
	}

	p.mu.Lock()
	p.successors = best
	p.mu.Unlock()
}

func (p *prefetcher) clear() {
	p.store.Clear()
}

func (p *prefetcher) close() {
	p.store.Close()
}

// maybePrefetch enqueues predicted next keys after a hit, per the
// configured strategy.
func (c *SmartCache) maybePrefetch(key string, tier CacheTier, hitRate float64) {
	if c.pf == nil {
		return
	}

	var candidates []string
	switch c.cfg.Prefetch {
	case PrefetchNone:
		return
	case PrefetchAlways:
		candidates = append(prefixCandidates(key), c.successorCandidates(key)...)
	case PrefetchAdaptive:
		if hitRate < prefetchHitRateFloor {
			return
		}
		if tier != TierHot && tier != TierWarm {
			return
		}
		candidates = append(prefixCandidates(key), c.successorCandidates(key)...)
	case PrefetchPredictive:
		candidates = c.successorCandidates(key)
	}

	for _, candidate := range candidates {
		if candidate == key {
			continue
		}
		if c.pf.enqueue(candidate) {
			if c.debug.Enabled && c.debug.LogPrefetch && c.logger != nil {
				c.logger.Debug("queued prefetch", "key", key, "candidate", candidate)
			}
		}
	}
}

func (c *SmartCache) successorCandidates(key string) []string {
	next, ok := c.pf.successor(key)
	if !ok {
		return nil
	}
	return []string{next}
}

// prefixCandidates predicts siblings of keys with a numeric tail:
// "page:41" suggests "page:42" and "page:43".
func prefixCandidates(key string) []string {
	i := len(key)
	for i > 0 && key[i-1] >= '0' && key[i-1] <= '9' {
		i--
	}
	if i == len(key) {
		return nil
	}
	n, err := strconv.Atoi(key[i:])
	if err != nil {
		return nil
	}
	prefix := key[:i]
	return []string{
		prefix + strconv.Itoa(n+1),
		prefix + strconv.Itoa(n+2),
	}
}

// prefetchLoop is the background worker draining prefetch candidates. It
// yields to caller-initiated fetches for the same key and never lets a
// fetch failure stop the loop.
func (c *SmartCache) prefetchLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case key := <-c.pf.queue:
			c.prefetchOne(key)
		}
	}
}

func (c *SmartCache) prefetchOne(key string) {
	c.mu.Lock()
	_, inMain := c.items[key]
	closed := c.closed
	c.mu.Unlock()
	if closed || inMain || c.pf.has(key) {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, prefetchFetchTimeout)
	defer cancel()

	start := time.Now()
	value, err, ran := c.flight.TryDo(key, func() (interface{}, error) {
		return c.fetch(ctx, key)
	})
	if !ran {
		return
	}
	if err != nil {
		c.mu.Lock()
		c.analytics.prefetchMisses++
		c.mu.Unlock()
		c.metrics.RecordCachePrefetchMiss()
		if c.debug.Enabled && c.debug.LogPrefetch && c.logger != nil {
			c.logger.Debug("prefetch failed", "key", key, "error", err)
		}
		return
	}

	c.pf.put(key, prefetchEntry{value: value, cost: time.Since(start).Seconds()})
}

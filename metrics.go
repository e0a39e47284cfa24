package tangguh

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the pool, retry and
// cache layers. A nil collector is valid and records nothing, so every
// component can call it unconditionally. Safe for concurrent use.
type MetricsCollector struct {
	poolConnections     *prometheus.GaugeVec
	poolUtilization     prometheus.Gauge
	poolWaiters         prometheus.Gauge
	poolAcquiresTotal   *prometheus.CounterVec
	poolAcquireDuration *prometheus.HistogramVec
	poolPrunedTotal     prometheus.Counter

	retryAttemptsTotal *prometheus.CounterVec
	retryOutcomesTotal *prometheus.CounterVec
	retryDelaySeconds  *prometheus.HistogramVec

	circuitBreakerState *prometheus.GaugeVec

	cacheHitsTotal         prometheus.Counter
	cacheMissesTotal       prometheus.Counter
	cacheEvictionsTotal    *prometheus.CounterVec
	cachePrefetchHitsTotal prometheus.Counter
	cachePrefetchMissTotal prometheus.Counter
	cacheFetchErrorsTotal  prometheus.Counter
	cacheSize              prometheus.Gauge
	cacheMemoryBytes       prometheus.Gauge

	registerer prometheus.Registerer
}

// NewMetricsCollector creates a collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied
// registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		poolConnections: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tangguh_pool_connections",
				Help: "Number of pooled connections by state",
			},
			[]string{"state"},
		),
		poolUtilization: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "tangguh_pool_utilization",
				Help: "Fraction of pooled connections currently active",
			},
		),
		poolWaiters: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "tangguh_pool_waiters",
				Help: "Number of callers waiting for a connection",
			},
		),
		poolAcquiresTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tangguh_pool_acquires_total",
				Help: "Total acquire calls by outcome",
			},
			[]string{"outcome"},
		),
		poolAcquireDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tangguh_pool_acquire_duration_seconds",
				Help:    "Duration of acquire calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		poolPrunedTotal: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "tangguh_pool_pruned_total",
				Help: "Total connections removed by the prune loop",
			},
		),
		retryAttemptsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tangguh_retry_attempts_total",
				Help: "Total operation attempts by result",
			},
			[]string{"operation", "result"},
		),
		retryOutcomesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tangguh_retry_outcomes_total",
				Help: "Total retry loop outcomes",
			},
			[]string{"operation", "outcome"},
		),
		retryDelaySeconds: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tangguh_retry_delay_seconds",
				Help:    "Computed retry delays in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"operation"},
		),
		circuitBreakerState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tangguh_circuit_breaker_state",
				Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		cacheHitsTotal: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "tangguh_cache_hits_total",
				Help: "Total cache hits",
			},
		),
		cacheMissesTotal: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "tangguh_cache_misses_total",
				Help: "Total cache misses",
			},
		),
		cacheEvictionsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tangguh_cache_evictions_total",
				Help: "Total cache evictions by cause",
			},
			[]string{"cause"},
		),
		cachePrefetchHitsTotal: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "tangguh_cache_prefetch_hits_total",
				Help: "Total gets served from the prefetch side-cache",
			},
		),
		cachePrefetchMissTotal: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "tangguh_cache_prefetch_misses_total",
				Help: "Total failed background prefetches",
			},
		),
		cacheFetchErrorsTotal: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "tangguh_cache_fetch_errors_total",
				Help: "Total fetch function failures surfaced as misses",
			},
		),
		cacheSize: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "tangguh_cache_size",
				Help: "Current number of entries in the main cache",
			},
		),
		cacheMemoryBytes: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "tangguh_cache_memory_bytes",
				Help: "Estimated bytes held by the main cache",
			},
		),
		registerer: registry,
	}
}

// RecordPoolState publishes a pool snapshot.
func (mc *MetricsCollector) RecordPoolState(snap PoolMetrics) {
	if mc == nil {
		return
	}
	mc.poolConnections.WithLabelValues("total").Set(float64(snap.TotalConnections))
	mc.poolConnections.WithLabelValues("active").Set(float64(snap.ActiveConnections))
	mc.poolConnections.WithLabelValues("idle").Set(float64(snap.IdleConnections))
	mc.poolUtilization.Set(snap.Utilization)
	mc.poolWaiters.Set(float64(snap.PendingAcquires))
}

// RecordAcquire records one acquire call's outcome and duration.
func (mc *MetricsCollector) RecordAcquire(outcome string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.poolAcquiresTotal.WithLabelValues(outcome).Inc()
	mc.poolAcquireDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordPruned counts connections removed by the prune loop.
func (mc *MetricsCollector) RecordPruned(n int) {
	if mc == nil {
		return
	}
	mc.poolPrunedTotal.Add(float64(n))
}

// RecordRetryAttempt counts one attempt's result ("success"/"failure").
func (mc *MetricsCollector) RecordRetryAttempt(operation, result string) {
	if mc == nil {
		return
	}
	mc.retryAttemptsTotal.WithLabelValues(operation, result).Inc()
}

// RecordRetryOutcome counts a whole retry loop's outcome.
func (mc *MetricsCollector) RecordRetryOutcome(operation, outcome string) {
	if mc == nil {
		return
	}
	mc.retryOutcomesTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordRetryDelay observes a computed inter-attempt delay.
func (mc *MetricsCollector) RecordRetryDelay(operation string, delay time.Duration) {
	if mc == nil {
		return
	}
	mc.retryDelaySeconds.WithLabelValues(operation).Observe(delay.Seconds())
}

// RecordCircuitBreakerState sets the breaker state gauge.
func (mc *MetricsCollector) RecordCircuitBreakerState(name string, state CircuitState) {
	if mc == nil {
		return
	}
	mc.circuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordCacheHit increments the cache hit counter.
func (mc *MetricsCollector) RecordCacheHit() {
	if mc == nil {
		return
	}
	mc.cacheHitsTotal.Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss() {
	if mc == nil {
		return
	}
	mc.cacheMissesTotal.Inc()
}

// RecordCacheEvictions counts evictions by cause.
func (mc *MetricsCollector) RecordCacheEvictions(cause string, n int) {
	if mc == nil || n == 0 {
		return
	}
	mc.cacheEvictionsTotal.WithLabelValues(cause).Add(float64(n))
}

// RecordCachePrefetchHit counts a get served from the side-cache.
func (mc *MetricsCollector) RecordCachePrefetchHit() {
	if mc == nil {
		return
	}
	mc.cachePrefetchHitsTotal.Inc()
}

// RecordCachePrefetchMiss counts a failed background prefetch.
func (mc *MetricsCollector) RecordCachePrefetchMiss() {
	if mc == nil {
		return
	}
	mc.cachePrefetchMissTotal.Inc()
}

// RecordCacheFetchError counts a fetch failure surfaced as a miss.
func (mc *MetricsCollector) RecordCacheFetchError() {
	if mc == nil {
		return
	}
	mc.cacheFetchErrorsTotal.Inc()
}

// RecordCacheSize sets the entry count and memory gauges.
func (mc *MetricsCollector) RecordCacheSize(count int, bytes int64) {
	if mc == nil {
		return
	}
	mc.cacheSize.Set(float64(count))
	mc.cacheMemoryBytes.Set(float64(bytes))
}

// Registerer exposes the underlying prometheus registerer.
func (mc *MetricsCollector) Registerer() prometheus.Registerer {
	if mc == nil {
		return nil
	}
	return mc.registerer
}

package tangguh

import (
	"context"
	"time"
)

// Session is a ready-to-use network session handle produced by a
// ConnectionFactory. The pool only ever closes it; everything else the
// session can do belongs to the caller's protocol layer.
type Session interface {
	Close() error
}

// ConnectionFactory produces one ready-to-use session. It may fail, in
// which case the pool aborts that creation attempt.
type ConnectionFactory func(ctx context.Context) (Session, error)

// HealthProber checks whether a session is still usable. A nil prober
// means every connection is assumed healthy.
type HealthProber func(ctx context.Context, s Session) error

// Operation is an arbitrary retryable call executed by RetryManager.
type Operation func(ctx context.Context) (interface{}, error)

// FetchFunc loads the value for a key on cache miss. Errors surface as a
// logged miss, never as a propagated failure.
type FetchFunc func(ctx context.Context, key string) (interface{}, error)

// ConnState is the lifecycle state of a pooled connection.
type ConnState int

const (
	ConnIdle ConnState = iota
	ConnActive
	ConnClosing
	ConnClosed
	ConnError
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnActive:
		return "active"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	case ConnError:
		return "error"
	default:
		return "unknown"
	}
}

// HealthStatus is the last known probe verdict for a connection.
type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

func (h HealthStatus) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// SizingStrategy controls how the pool manages its target size.
type SizingStrategy int

const (
	SizingFixed SizingStrategy = iota
	SizingDynamic
	SizingAdaptive
	SizingLazy
)

func (s SizingStrategy) String() string {
	switch s {
	case SizingFixed:
		return "fixed"
	case SizingDynamic:
		return "dynamic"
	case SizingAdaptive:
		return "adaptive"
	case SizingLazy:
		return "lazy"
	default:
		return "unknown"
	}
}

// RetryStrategy selects the delay calculation between attempts.
type RetryStrategy int

const (
	RetryExponential RetryStrategy = iota
	RetryLinear
	RetryFixed
	RetryFibonacci
	RetryAdaptive
)

func (s RetryStrategy) String() string {
	switch s {
	case RetryExponential:
		return "exponential"
	case RetryLinear:
		return "linear"
	case RetryFixed:
		return "fixed"
	case RetryFibonacci:
		return "fibonacci"
	case RetryAdaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// EvictionStrategy selects the cache eviction ordering.
type EvictionStrategy int

const (
	EvictLRU EvictionStrategy = iota
	EvictLFU
	EvictFIFO
	EvictAdaptive
)

func (s EvictionStrategy) String() string {
	switch s {
	case EvictLRU:
		return "lru"
	case EvictLFU:
		return "lfu"
	case EvictFIFO:
		return "fifo"
	case EvictAdaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// PrefetchStrategy controls speculative fetching of predicted keys.
type PrefetchStrategy int

const (
	PrefetchNone PrefetchStrategy = iota
	PrefetchAlways
	PrefetchAdaptive
	PrefetchPredictive
)

func (s PrefetchStrategy) String() string {
	switch s {
	case PrefetchNone:
		return "none"
	case PrefetchAlways:
		return "always"
	case PrefetchAdaptive:
		return "adaptive"
	case PrefetchPredictive:
		return "predictive"
	default:
		return "unknown"
	}
}

// CacheTier classifies items by relative access frequency.
type CacheTier int

const (
	TierFrozen CacheTier = iota
	TierCold
	TierWarm
	TierHot
)

func (t CacheTier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	case TierFrozen:
		return "frozen"
	default:
		return "unknown"
	}
}

// RetryOutcome reports the result of ExecuteWithRetry. Operation failure
// is communicated here, never via a returned error.
type RetryOutcome struct {
	Success   bool
	Attempts  int
	TotalTime time.Duration
	Value     interface{}
	LastError error
}

// ConnectionInfo is a point-in-time snapshot of a pooled connection,
// exported for dashboards. The live record is owned by the pool.
type ConnectionInfo struct {
	ID                  string
	CreatedAt           time.Time
	LastUsed            time.Time
	State               ConnState
	Health              HealthStatus
	TotalRequests       int64
	AverageResponseTime time.Duration
	ErrorCount          int
	LastError           string
}

// PoolMetrics is a point-in-time snapshot of pool state, recomputed by
// the metrics loop and on demand.
type PoolMetrics struct {
	TotalConnections    int
	ActiveConnections   int
	IdleConnections     int
	PendingAcquires     int
	Utilization         float64
	AverageResponseTime time.Duration
	CreationRate        float64
	TargetSize          int
}

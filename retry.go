package tangguh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prasetyo-adi/tangguh/internal/backoff"
)

const (
	// historyCap bounds the rolling attempt history per operation.
	historyCap = 1000
	// adaptiveWindow is how many recent records feed the adaptive params.
	adaptiveWindow = 50
	// recentWindow is how many trailing records count as "recent failures".
	recentWindow = 10
	// persistentWindow is how many trailing records the sustained-failure
	// check inspects before tripping the breaker.
	persistentWindow = 20
	// rateLimitWindow is the sliding window for rate-limit event counting.
	rateLimitWindow = time.Minute
	// rateLimitTrip is how many rate-limit events within the window mark
	// an operation rate limited (doubling its delays).
	rateLimitTrip = 3
)

// RetryConfig holds RetryManager configuration.
type RetryConfig struct {
	MaxAttempts          int           `yaml:"max_attempts"`
	BaseDelay            time.Duration `yaml:"base_delay"`
	MaxDelay             time.Duration `yaml:"max_delay"`
	ExponentialBase      float64       `yaml:"exponential_base"`
	Strategy             RetryStrategy `yaml:"strategy"`
	Jitter               bool          `yaml:"jitter"`
	SuccessRateThreshold float64       `yaml:"success_rate_threshold"`
	BreakerThreshold     int           `yaml:"breaker_threshold"`
	BreakerTimeout       time.Duration `yaml:"breaker_timeout"`
}

// DefaultRetryConfig returns production-leaning retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:          3,
		BaseDelay:            time.Second,
		MaxDelay:             60 * time.Second,
		ExponentialBase:      2.0,
		Strategy:             RetryExponential,
		Jitter:               true,
		SuccessRateThreshold: 0.3,
		BreakerThreshold:     5,
		BreakerTimeout:       60 * time.Second,
	}
}

// attemptRecord is one entry in an operation's rolling history.
type attemptRecord struct {
	at      time.Time
	success bool
	latency time.Duration
	kind    ErrorKind
}

// opState is the per-operation adaptive parameter set, recomputed from
// the most recent records as new ones arrive.
type opState struct {
	history       []attemptRecord
	successRate   float64
	errorRate     float64
	avgLatency    time.Duration
	rateLimitHits []time.Time
	attempts      int64
	successes     int64
}

// RetryManager wraps arbitrary operations with an adaptive retry loop and
// an embedded circuit breaker. Safe for concurrent use.
type RetryManager struct {
	cfg      RetryConfig
	breaker  *CircuitBreaker
	strategy backoff.Strategy

	mu  sync.Mutex
	ops map[string]*opState

	logger  Logger
	metrics *MetricsCollector
	debug   *DebugConfig
}

// NewRetryManager constructs a RetryManager, validating the configuration
// up front.
func NewRetryManager(cfg RetryConfig, opts ...RetryOption) (*RetryManager, error) {
	if err := validateRetryConfig(cfg); err != nil {
		return nil, err
	}

	m := &RetryManager{
		cfg: cfg,
		breaker: NewCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: cfg.BreakerThreshold,
			RecoveryTimeout:  cfg.BreakerTimeout,
		}),
		strategy: strategyFor(cfg.Strategy),
		ops:      make(map[string]*opState),
		debug:    &DebugConfig{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func strategyFor(s RetryStrategy) backoff.Strategy {
	switch s {
	case RetryLinear:
		return backoff.Linear()
	case RetryFixed:
		return backoff.Fixed()
	case RetryFibonacci:
		return backoff.FibonacciBackoff()
	case RetryAdaptive:
		return backoff.Adaptive()
	default:
		return backoff.Exponential()
	}
}

// Breaker exposes the embedded circuit breaker for observability.
func (m *RetryManager) Breaker() *CircuitBreaker {
	return m.breaker
}

// ExecuteWithRetry runs op up to MaxAttempts times under the configured
// delay strategy. Operation failure never surfaces as a returned error;
// the outcome carries success, attempt count and the last error. A
// breaker-open rejection returns immediately with zero attempts.
func (m *RetryManager) ExecuteWithRetry(ctx context.Context, name string, op Operation) RetryOutcome {
	start := time.Now()

	if !m.breaker.Allow() {
		if m.debug.Enabled && m.debug.LogCircuit && m.logger != nil {
			m.logger.Warn("circuit open, rejecting call", "operation", name)
		}
		m.metrics.RecordRetryOutcome(name, "circuit_open")
		m.metrics.RecordCircuitBreakerState("retry", m.breaker.State())
		return RetryOutcome{
			Attempts:  0,
			TotalTime: time.Since(start),
			LastError: &Error{Kind: KindPersistent, Op: name, Message: "circuit breaker open", Cause: ErrCircuitOpen, Timestamp: time.Now()},
		}
	}

	var lastErr error
	cancelled := false
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := m.delayFor(name, attempt)
			if m.debug.Enabled && m.debug.LogRetries && m.logger != nil {
				m.logger.Info("scheduling retry", "operation", name, "attempt", attempt, "delay", delay)
			}
			m.metrics.RecordRetryDelay(name, delay)
			if !sleepContext(ctx, delay) {
				lastErr = ctx.Err()
				cancelled = true
				break
			}
		}

		opStart := time.Now()
		value, err := op(ctx)
		latency := time.Since(opStart)

		if err == nil {
			m.record(name, true, latency, KindUnknown)
			m.breaker.RecordSuccess()
			m.metrics.RecordRetryAttempt(name, "success")
			m.metrics.RecordRetryOutcome(name, "success")
			m.metrics.RecordCircuitBreakerState("retry", m.breaker.State())
			return RetryOutcome{
				Success:   true,
				Attempts:  attempt,
				TotalTime: time.Since(start),
				Value:     value,
			}
		}

		lastErr = err
		kind := Classify(err)
		m.record(name, false, latency, kind)
		m.breaker.RecordFailure()
		m.metrics.RecordRetryAttempt(name, "failure")
		m.metrics.RecordCircuitBreakerState("retry", m.breaker.State())

		if m.debug.Enabled && m.debug.LogRetries && m.logger != nil {
			m.logger.Warn("attempt failed", "operation", name, "attempt", attempt, "kind", kind, "error", err)
		}

		if kind == KindNonRetryable {
			m.metrics.RecordRetryOutcome(name, "non_retryable")
			return m.failure(name, attempt, start, lastErr)
		}
		if kind == KindRateLimited {
			m.noteRateLimit(name)
		}
		if m.persistentlyFailing(name) {
			m.breaker.Trip()
			m.metrics.RecordCircuitBreakerState("retry", m.breaker.State())
			m.metrics.RecordRetryOutcome(name, "persistent")
			if m.debug.Enabled && m.debug.LogCircuit && m.logger != nil {
				m.logger.Warn("sustained failures, tripping breaker", "operation", name)
			}
			return m.failure(name, attempt, start, lastErr)
		}
	}

	attempts := m.cfg.MaxAttempts
	if cancelled {
		// cancelled between attempts; report attempts actually made
		attempts = m.attemptsSoFar(name, start)
		m.metrics.RecordRetryOutcome(name, "cancelled")
	} else {
		m.metrics.RecordRetryOutcome(name, "exhausted")
	}
	return m.failure(name, attempts, start, lastErr)
}

func (m *RetryManager) failure(name string, attempts int, start time.Time, err error) RetryOutcome {
	return RetryOutcome{
		Attempts:  attempts,
		TotalTime: time.Since(start),
		LastError: err,
	}
}

// attemptsSoFar counts records for name made since start, for outcomes cut
// short by context cancellation.
func (m *RetryManager) attemptsSoFar(name string, start time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.ops[name]
	if !ok {
		return 0
	}
	n := 0
	for i := len(st.history) - 1; i >= 0; i-- {
		if st.history[i].at.Before(start) {
			break
		}
		n++
	}
	return n
}

// delayFor computes the suspension before the given attempt (attempt >= 2).
func (m *RetryManager) delayFor(name string, attempt int) time.Duration {
	params := backoff.Params{
		BaseDelay:       m.cfg.BaseDelay,
		MaxDelay:        m.cfg.MaxDelay,
		ExponentialBase: m.cfg.ExponentialBase,
		Jitter:          m.cfg.Jitter,
	}

	if m.cfg.Strategy == RetryAdaptive {
		m.mu.Lock()
		if st, ok := m.ops[name]; ok {
			params.ErrorRate = st.errorRate
			params.RecentFailures = recentFailures(st.history)
			params.RateLimited = m.rateLimitedLocked(st)
		}
		m.mu.Unlock()
	}

	return m.strategy.Calculate(attempt-1, params)
}

func recentFailures(history []attemptRecord) int {
	n := 0
	from := len(history) - recentWindow
	if from < 0 {
		from = 0
	}
	for _, rec := range history[from:] {
		if !rec.success {
			n++
		}
	}
	return n
}

// record appends to the rolling history and recomputes adaptive params.
func (m *RetryManager) record(name string, success bool, latency time.Duration, kind ErrorKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.ops[name]
	if !ok {
		st = &opState{}
		m.ops[name] = st
	}

	st.attempts++
	if success {
		st.successes++
	}
	st.history = append(st.history, attemptRecord{
		at:      time.Now(),
		success: success,
		latency: latency,
		kind:    kind,
	})
	if len(st.history) > historyCap {
		st.history = st.history[len(st.history)-historyCap:]
	}

	from := len(st.history) - adaptiveWindow
	if from < 0 {
		from = 0
	}
	window := st.history[from:]
	var succ int
	var total time.Duration
	for _, rec := range window {
		if rec.success {
			succ++
		}
		total += rec.latency
	}
	st.successRate = float64(succ) / float64(len(window))
	st.errorRate = 1 - st.successRate
	st.avgLatency = total / time.Duration(len(window))
}

// noteRateLimit records a rate-limit event in the 1-minute sliding window.
func (m *RetryManager) noteRateLimit(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.ops[name]
	if !ok {
		st = &opState{}
		m.ops[name] = st
	}
	now := time.Now()
	st.rateLimitHits = append(st.rateLimitHits, now)
	st.rateLimitHits = trimWindow(st.rateLimitHits, now.Add(-rateLimitWindow))
}

func trimWindow(hits []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(hits) && hits[idx].Before(cutoff) {
		idx++
	}
	return hits[idx:]
}

func (m *RetryManager) rateLimitedLocked(st *opState) bool {
	cutoff := time.Now().Add(-rateLimitWindow)
	st.rateLimitHits = trimWindow(st.rateLimitHits, cutoff)
	return len(st.rateLimitHits) >= rateLimitTrip
}

// persistentlyFailing reports whether the last persistentWindow records
// show a success rate below the configured threshold.
func (m *RetryManager) persistentlyFailing(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.ops[name]
	if !ok || len(st.history) < persistentWindow {
		return false
	}
	window := st.history[len(st.history)-persistentWindow:]
	succ := 0
	for _, rec := range window {
		if rec.success {
			succ++
		}
	}
	return float64(succ)/float64(len(window)) < m.cfg.SuccessRateThreshold
}

// OperationSummary is a per-operation performance rollup.
type OperationSummary struct {
	Operation      string
	Attempts       int64
	Successes      int64
	SuccessRate    float64
	ErrorRate      float64
	AverageLatency time.Duration
	RateLimited    bool
}

// PerformanceSummary returns a snapshot of every tracked operation's
// rolling statistics. No side effects.
func (m *RetryManager) PerformanceSummary() map[string]OperationSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]OperationSummary, len(m.ops))
	for name, st := range m.ops {
		out[name] = OperationSummary{
			Operation:      name,
			Attempts:       st.attempts,
			Successes:      st.successes,
			SuccessRate:    st.successRate,
			ErrorRate:      st.errorRate,
			AverageLatency: st.avgLatency,
			RateLimited:    m.rateLimitedLocked(st),
		}
	}
	return out
}

// Recommendations derives tuning hints from the rolling history.
func (m *RetryManager) Recommendations() []string {
	summary := m.PerformanceSummary()

	var recs []string
	for name, s := range summary {
		if s.Attempts < persistentWindow {
			continue
		}
		if s.ErrorRate > 0.5 {
			recs = append(recs, fmt.Sprintf("%s: error rate %.0f%% above threshold, consider a dedicated circuit breaker", name, s.ErrorRate*100))
		}
		if s.RateLimited {
			recs = append(recs, fmt.Sprintf("%s: rate limited, reduce request rate or raise base delay", name))
		}
		if s.AverageLatency > 5*time.Second {
			recs = append(recs, fmt.Sprintf("%s: average latency %v, consider a shorter per-attempt timeout", name, s.AverageLatency))
		}
	}
	return recs
}

// sleepContext suspends for d unless ctx is cancelled first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

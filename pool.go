package tangguh

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

const (
	// probeTimeout bounds a single health probe.
	probeTimeout = 5 * time.Second
	// probeFailureLimit is how many consecutive failed probes remove a
	// connection.
	probeFailureLimit = 3
	// resizeInterval is the adaptive sizing loop tick.
	resizeInterval = 60 * time.Second
	// resizeCooldown rate-limits adaptive resizes.
	resizeCooldown = 5 * time.Minute
	// poolMetricsInterval is the metrics recompute tick.
	poolMetricsInterval = 10 * time.Second
	// shrinkThreshold is the utilization floor below which the adaptive
	// sizer releases a connection.
	shrinkThreshold = 0.3
	// creationRateWindow is the sliding window for creation rate tracking.
	creationRateWindow = time.Minute
)

// PoolConfig holds ConnectionPool configuration. Immutable after
// construction; only the pool's internal target size adapts.
type PoolConfig struct {
	MinSize             int            `yaml:"min_size"`
	MaxSize             int            `yaml:"max_size"`
	MaxIdleTime         time.Duration  `yaml:"max_idle_time"`
	MaxConnectionAge    time.Duration  `yaml:"max_connection_age"`
	HealthCheckInterval time.Duration  `yaml:"health_check_interval"`
	PruneInterval       time.Duration  `yaml:"prune_interval"`
	AcquireTimeout      time.Duration  `yaml:"acquire_timeout"`
	Sizing              SizingStrategy `yaml:"sizing"`
	AdaptiveThreshold   float64        `yaml:"adaptive_threshold"`
}

// DefaultPoolConfig returns production-leaning pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinSize:             2,
		MaxSize:             10,
		MaxIdleTime:         5 * time.Minute,
		MaxConnectionAge:    30 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		PruneInterval:       60 * time.Second,
		AcquireTimeout:      10 * time.Second,
		Sizing:              SizingAdaptive,
		AdaptiveThreshold:   0.8,
	}
}

// Conn is one pooled connection. All mutable fields are owned by the
// pool and guarded by its mutex; callers only touch Session between
// Acquire and Release.
type Conn struct {
	id        string
	session   Session
	createdAt time.Time

	lastUsed        time.Time
	state           ConnState
	health          HealthStatus
	totalRequests   int64
	avgResponseTime time.Duration
	errorCount      int
	lastError       error
	probeFailures   int
}

// ID returns the connection's pool-unique identifier.
func (c *Conn) ID() string { return c.id }

// Session returns the underlying session handle.
func (c *Conn) Session() Session { return c.session }

type waiter struct {
	ch chan *Conn
}

// ConnectionPool owns a bounded set of reusable sessions with background
// health checking, pruning and adaptive resizing. Safe for concurrent use.
type ConnectionPool struct {
	cfg     PoolConfig
	factory ConnectionFactory
	prober  HealthProber

	mu            sync.Mutex
	conns         map[string]*Conn
	waiters       []*waiter
	creating      int
	targetSize    int
	lastResize    time.Time
	creationTimes []time.Time
	snapshot      PoolMetrics
	nextID        int64
	initialized   bool
	closed        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger  Logger
	metrics *MetricsCollector
	debug   *DebugConfig
}

// NewConnectionPool constructs a pool around the given session factory,
// validating the configuration up front. Call Initialize before Acquire.
func NewConnectionPool(cfg PoolConfig, factory ConnectionFactory, opts ...PoolOption) (*ConnectionPool, error) {
	if err := validatePoolConfig(cfg); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, &Error{Kind: KindNonRetryable, Op: "pool", Message: "connection factory must not be nil"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ConnectionPool{
		cfg:        cfg,
		factory:    factory,
		conns:      make(map[string]*Conn),
		targetSize: cfg.MinSize,
		ctx:        ctx,
		cancel:     cancel,
		debug:      &DebugConfig{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Initialize warms the pool to MinSize (unless sizing is lazy) and starts
// the background loops. A factory failure aborts initialization.
func (p *ConnectionPool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.initialized = true
	p.mu.Unlock()

	if p.cfg.Sizing != SizingLazy {
		warmed := make([]*Conn, 0, p.cfg.MinSize)
		for i := 0; i < p.cfg.MinSize; i++ {
			c, err := p.createConn(ctx)
			if err != nil {
				// Roll back so a later Initialize can retry from scratch;
				// the loops are not running yet.
				for _, wc := range warmed {
					_ = wc.session.Close()
				}
				p.mu.Lock()
				p.initialized = false
				p.mu.Unlock()
				return &Error{Kind: KindTransient, Op: "pool.initialize", Message: "warm-up connection failed", Cause: err, Timestamp: time.Now()}
			}
			warmed = append(warmed, c)
		}
		p.mu.Lock()
		for _, c := range warmed {
			p.conns[c.id] = c
		}
		p.mu.Unlock()
	}

	p.wg.Add(4)
	go p.healthLoop()
	go p.pruneLoop()
	go p.resizeLoop()
	go p.metricsLoop()

	if p.debug.Enabled && p.logger != nil {
		p.logger.Info("pool initialized", "minSize", p.cfg.MinSize, "maxSize", p.cfg.MaxSize, "sizing", p.cfg.Sizing)
	}
	return nil
}

// Acquire returns a healthy connection, preferring idle ones, creating
// below MaxSize, and otherwise waiting FIFO for a release. The wait is
// bounded by the configured AcquireTimeout and the caller's context.
func (p *ConnectionPool) Acquire(ctx context.Context) (*Conn, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if c := p.idleConnLocked(); c != nil {
		c.state = ConnActive
		c.lastUsed = time.Now()
		c.totalRequests++
		p.mu.Unlock()
		p.metrics.RecordAcquire("idle", time.Since(start))
		return c, nil
	}

	if len(p.conns)+p.creating < p.cfg.MaxSize {
		p.creating++
		p.mu.Unlock()

		c, err := p.createConn(ctx)

		p.mu.Lock()
		p.creating--
		if err != nil {
			p.mu.Unlock()
			p.metrics.RecordAcquire("error", time.Since(start))
			return nil, &Error{Kind: KindTransient, Op: "pool.acquire", Message: "connection creation failed", Cause: err, Timestamp: time.Now()}
		}
		c.state = ConnActive
		c.totalRequests++
		p.conns[c.id] = c
		p.mu.Unlock()
		p.metrics.RecordAcquire("created", time.Since(start))
		return c, nil
	}

	w := &waiter{ch: make(chan *Conn, 1)}
	p.waiters = append(p.waiters, w)
	waiting := len(p.waiters)
	p.mu.Unlock()

	if p.debug.Enabled && p.debug.LogAcquire && p.logger != nil {
		p.logger.Debug("pool saturated, waiting", "waiters", waiting)
	}

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case c := <-w.ch:
		if c == nil {
			p.metrics.RecordAcquire("closed", time.Since(start))
			return nil, ErrPoolClosed
		}
		p.metrics.RecordAcquire("waited", time.Since(start))
		return c, nil
	case <-timer.C:
		if c := p.abandonWaiter(w); c != nil {
			// released to us in the same instant; keep it
			p.metrics.RecordAcquire("waited", time.Since(start))
			return c, nil
		}
		p.metrics.RecordAcquire("timeout", time.Since(start))
		return nil, &Error{Kind: KindTransient, Op: "pool.acquire", Message: fmt.Sprintf("no connection available within %v", p.cfg.AcquireTimeout), Cause: ErrAcquireTimeout, Timestamp: time.Now(), Duration: time.Since(start)}
	case <-ctx.Done():
		if c := p.abandonWaiter(w); c != nil {
			p.Release(c)
		}
		p.metrics.RecordAcquire("cancelled", time.Since(start))
		return nil, ctx.Err()
	}
}

// abandonWaiter removes w from the queue, draining a connection that may
// have been handed off concurrently. Handoffs send on w.ch while holding
// p.mu, so draining under the same lock cannot miss one: either w is
// still queued and no send will follow, or the connection is already in
// the buffer.
func (p *ConnectionPool) abandonWaiter(w *waiter) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, queued := range p.waiters {
		if queued == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}

	select {
	case c := <-w.ch:
		return c
	default:
		return nil
	}
}

// Release returns a connection to the pool: idle if healthy, removed and
// closed otherwise. The oldest pending waiter, if any, is signalled.
func (p *ConnectionPool) Release(c *Conn) {
	p.release(c, nil)
}

// ReleaseError returns a connection while recording a usage failure; the
// connection is marked unhealthy and discarded.
func (p *ConnectionPool) ReleaseError(c *Conn, err error) {
	p.release(c, err)
}

func (p *ConnectionPool) release(c *Conn, usageErr error) {
	if c == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = c.session.Close()
		return
	}

	usage := time.Since(c.lastUsed)
	if c.avgResponseTime == 0 {
		c.avgResponseTime = usage
	} else {
		c.avgResponseTime = (c.avgResponseTime*9 + usage) / 10
	}

	if usageErr != nil {
		c.errorCount++
		c.lastError = usageErr
		c.health = HealthUnhealthy
	}

	if c.health == HealthUnhealthy {
		p.removeLocked(c)
		wake := len(p.waiters) > 0 && len(p.conns)+p.creating < p.cfg.MaxSize
		if wake {
			p.creating++
		}
		p.mu.Unlock()
		_ = c.session.Close()
		if p.debug.Enabled && p.debug.LogHealth && p.logger != nil {
			p.logger.Warn("discarded unhealthy connection", "id", c.id, "error", usageErr)
		}
		if wake {
			go p.replaceForWaiter()
		}
		return
	}

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		c.lastUsed = time.Now()
		c.totalRequests++
		// The buffered send happens under p.mu so it cannot interleave
		// with abandonWaiter removing w from the queue.
		w.ch <- c
		p.mu.Unlock()
		return
	}

	c.state = ConnIdle
	c.lastUsed = time.Now()
	p.mu.Unlock()
}

// replaceForWaiter creates a replacement connection for a queued waiter
// after an unhealthy one was discarded. The creation slot was reserved by
// the caller.
func (p *ConnectionPool) replaceForWaiter() {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.AcquireTimeout)
	defer cancel()

	c, err := p.createConn(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.mu.Unlock()
		if p.logger != nil {
			p.logger.Warn("replacement connection failed", "error", err)
		}
		return
	}
	if p.closed {
		p.mu.Unlock()
		_ = c.session.Close()
		return
	}
	p.conns[c.id] = c
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		c.state = ConnActive
		c.totalRequests++
		w.ch <- c
		p.mu.Unlock()
		return
	}
	c.state = ConnIdle
	p.mu.Unlock()
}

// idleConnLocked returns a usable idle connection, or nil. Never returns
// an unhealthy one.
func (p *ConnectionPool) idleConnLocked() *Conn {
	for _, c := range p.conns {
		if c.state == ConnIdle && c.health != HealthUnhealthy {
			return c
		}
	}
	return nil
}

func (p *ConnectionPool) removeLocked(c *Conn) {
	c.state = ConnClosed
	delete(p.conns, c.id)
}

// createConn invokes the factory and wraps the session. Does not insert
// into the map; callers do that under the lock.
func (p *ConnectionPool) createConn(ctx context.Context) (*Conn, error) {
	session, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	p.mu.Lock()
	p.nextID++
	id := fmt.Sprintf("conn-%d-%04x", p.nextID, rand.Intn(1<<16))
	p.creationTimes = append(p.creationTimes, now)
	p.creationTimes = trimWindow(p.creationTimes, now.Add(-creationRateWindow))
	p.mu.Unlock()

	return &Conn{
		id:        id,
		session:   session,
		createdAt: now,
		lastUsed:  now,
		state:     ConnIdle,
		health:    HealthUnknown,
	}, nil
}

// healthLoop probes connections every HealthCheckInterval; three
// consecutive failures remove a connection. Probe errors never stop the
// loop.
func (p *ConnectionPool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

func (p *ConnectionPool) checkHealth() {
	if p.prober == nil {
		return
	}

	p.mu.Lock()
	candidates := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		if c.state == ConnIdle {
			candidates = append(candidates, c)
		}
	}
	p.mu.Unlock()

	for _, c := range candidates {
		ctx, cancel := context.WithTimeout(p.ctx, probeTimeout)
		err := p.prober(ctx, c.session)
		cancel()

		p.mu.Lock()
		if _, ok := p.conns[c.id]; !ok || c.state != ConnIdle {
			p.mu.Unlock()
			continue
		}
		if err != nil {
			c.probeFailures++
			c.lastError = err
			c.errorCount++
			if c.probeFailures >= probeFailureLimit {
				c.health = HealthUnhealthy
				p.removeLocked(c)
				p.mu.Unlock()
				_ = c.session.Close()
				if p.debug.Enabled && p.debug.LogHealth && p.logger != nil {
					p.logger.Warn("removed connection after failed probes", "id", c.id, "failures", c.probeFailures, "error", err)
				}
				continue
			}
			c.health = HealthDegraded
		} else {
			c.probeFailures = 0
			c.health = HealthHealthy
		}
		p.mu.Unlock()
	}
}

// pruneLoop removes connections past MaxConnectionAge, and idle ones past
// MaxIdleTime down to MinSize.
func (p *ConnectionPool) pruneLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.prune()
		}
	}
}

func (p *ConnectionPool) prune() {
	now := time.Now()
	var victims []*Conn

	p.mu.Lock()
	for _, c := range p.conns {
		if c.state != ConnIdle {
			continue
		}
		if now.Sub(c.createdAt) > p.cfg.MaxConnectionAge {
			victims = append(victims, c)
			continue
		}
		if now.Sub(c.lastUsed) > p.cfg.MaxIdleTime && len(p.conns)-len(victims) > p.cfg.MinSize {
			victims = append(victims, c)
		}
	}
	for _, c := range victims {
		p.removeLocked(c)
	}
	p.mu.Unlock()

	for _, c := range victims {
		_ = c.session.Close()
	}
	if len(victims) > 0 {
		p.metrics.RecordPruned(len(victims))
		if p.debug.Enabled && p.logger != nil {
			p.logger.Debug("pruned connections", "count", len(victims))
		}
	}
}

// resizeLoop adjusts the pool's target size from utilization, at most one
// step per cooldown. Only runs for adaptive sizing.
func (p *ConnectionPool) resizeLoop() {
	defer p.wg.Done()
	if p.cfg.Sizing != SizingAdaptive {
		return
	}
	ticker := time.NewTicker(resizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.adaptSize()
		}
	}
}

func (p *ConnectionPool) adaptSize() {
	p.mu.Lock()
	if time.Since(p.lastResize) < resizeCooldown {
		p.mu.Unlock()
		return
	}
	total := len(p.conns)
	if total == 0 {
		p.mu.Unlock()
		return
	}
	active := 0
	for _, c := range p.conns {
		if c.state == ConnActive {
			active++
		}
	}
	util := float64(active) / float64(total)

	switch {
	case util > p.cfg.AdaptiveThreshold && total < p.cfg.MaxSize:
		p.targetSize = total + 1
		p.lastResize = time.Now()
		p.creating++
		p.mu.Unlock()
		if p.debug.Enabled && p.logger != nil {
			p.logger.Info("growing pool", "utilization", util, "target", total+1)
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ctx, cancel := context.WithTimeout(p.ctx, probeTimeout)
			defer cancel()
			c, err := p.createConn(ctx)
			p.mu.Lock()
			p.creating--
			if err != nil || p.closed {
				p.mu.Unlock()
				if c != nil {
					_ = c.session.Close()
				}
				if err != nil && p.logger != nil {
					p.logger.Warn("pool growth failed", "error", err)
				}
				return
			}
			p.conns[c.id] = c
			p.mu.Unlock()
		}()
	case util < shrinkThreshold && total > p.cfg.MinSize:
		var victim *Conn
		for _, c := range p.conns {
			if c.state == ConnIdle {
				victim = c
				break
			}
		}
		if victim == nil {
			p.mu.Unlock()
			return
		}
		p.targetSize = total - 1
		p.lastResize = time.Now()
		p.removeLocked(victim)
		p.mu.Unlock()
		_ = victim.session.Close()
		if p.debug.Enabled && p.logger != nil {
			p.logger.Info("shrinking pool", "utilization", util, "target", total-1)
		}
	default:
		p.mu.Unlock()
	}
}

// metricsLoop recomputes the pool snapshot every poolMetricsInterval.
func (p *ConnectionPool) metricsLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(poolMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			snap := p.computeMetrics()
			p.metrics.RecordPoolState(snap)
		}
	}
}

func (p *ConnectionPool) computeMetrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := PoolMetrics{
		TotalConnections: len(p.conns),
		PendingAcquires:  len(p.waiters),
		TargetSize:       p.targetSize,
	}
	var totalResp time.Duration
	withResp := 0
	for _, c := range p.conns {
		switch c.state {
		case ConnActive:
			snap.ActiveConnections++
		case ConnIdle:
			snap.IdleConnections++
		}
		if c.avgResponseTime > 0 {
			totalResp += c.avgResponseTime
			withResp++
		}
	}
	if snap.TotalConnections > 0 {
		snap.Utilization = float64(snap.ActiveConnections) / float64(snap.TotalConnections)
	}
	if withResp > 0 {
		snap.AverageResponseTime = totalResp / time.Duration(withResp)
	}
	p.creationTimes = trimWindow(p.creationTimes, time.Now().Add(-creationRateWindow))
	snap.CreationRate = float64(len(p.creationTimes)) / creationRateWindow.Seconds()
	p.snapshot = snap
	return snap
}

// Metrics returns a fresh pool snapshot. No side effects beyond the
// recompute.
func (p *ConnectionPool) Metrics() PoolMetrics {
	return p.computeMetrics()
}

// Connections returns snapshots of every tracked connection.
func (p *ConnectionPool) Connections() []ConnectionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ConnectionInfo, 0, len(p.conns))
	for _, c := range p.conns {
		info := ConnectionInfo{
			ID:                  c.id,
			CreatedAt:           c.createdAt,
			LastUsed:            c.lastUsed,
			State:               c.state,
			Health:              c.health,
			TotalRequests:       c.totalRequests,
			AverageResponseTime: c.avgResponseTime,
			ErrorCount:          c.errorCount,
		}
		if c.lastError != nil {
			info.LastError = c.lastError.Error()
		}
		out = append(out, info)
	}
	return out
}

// Close cancels all background loops and force-closes every tracked
// connection. Idempotent and safe to call from any state.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		c.state = ConnClosed
		conns = append(conns, c)
	}
	p.conns = make(map[string]*Conn)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, c := range conns {
		_ = c.session.Close()
	}
	for _, w := range waiters {
		close(w.ch)
	}

	if p.debug.Enabled && p.logger != nil {
		p.logger.Info("pool closed", "connections", len(conns))
	}
	return nil
}

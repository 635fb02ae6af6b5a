// Package pool maintains a bounded set of reusable sessions so accepted
// clients can be served from pre-warmed state instead of building it per
// connection.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned when no connection frees up within the
	// acquisition deadline.
	ErrTimeout = errors.New("pool: acquisition timeout")

	// ErrShuttingDown is returned for acquisitions made after Shutdown
	// has begun; queued waiters are rejected with it as well.
	ErrShuttingDown = errors.New("pool: shutting down")
)

// latencyWindow bounds the acquisition-latency sample kept for stats.
const latencyWindow = 100

// Config sets the pool limits and maintenance intervals.
type Config struct {
	MinConnections      int
	MaxConnections      int
	MaxIdleConnections  int
	IdleTimeout         time.Duration
	AcquireTimeout      time.Duration
	ValidateConnections bool
	ValidationInterval  time.Duration
	CleanupInterval     time.Duration
}

// DefaultConfig returns the limits used when a Config field is left unset.
func DefaultConfig() Config {
	return Config{
		MinConnections:      5,
		MaxConnections:      50,
		MaxIdleConnections:  10,
		IdleTimeout:         5 * time.Minute,
		AcquireTimeout:      5 * time.Second,
		ValidateConnections: true,
		ValidationInterval:  time.Minute,
		CleanupInterval:     30 * time.Second,
	}
}

// sanitize fills unusable values from DefaultConfig and clamps the counts
// so neither the floor nor the idle cap exceeds MaxConnections.
// ValidateConnections is honored as given.
func (c Config) sanitize() Config {
	def := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.MinConnections < 0 {
		c.MinConnections = 0
	}
	if c.MinConnections > c.MaxConnections {
		c.MinConnections = c.MaxConnections
	}
	if c.MaxIdleConnections < 0 {
		c.MaxIdleConnections = 0
	}
	if c.MaxIdleConnections > c.MaxConnections {
		c.MaxIdleConnections = c.MaxConnections
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = def.AcquireTimeout
	}
	if c.ValidationInterval <= 0 {
		c.ValidationInterval = def.ValidationInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	return c
}

// waiter is one queued acquisition. The pool sends the connection on ch
// while holding its lock; the channel is closed instead when the pool shuts
// down.
type waiter struct {
	ch       chan *PooledConn
	clientID string
}

// Pool hands out pooled sessions with a hard connection cap. Saturated
// acquisitions queue in FIFO order and resolve on release or deadline.
type Pool struct {
	cfg Config
	log *slog.Logger

	mu           sync.Mutex
	all          map[string]*PooledConn
	idle         []*PooledConn
	waiters      []*waiter
	doomed       []*PooledConn
	initialized  bool
	shuttingDown bool

	peak               int
	created            int64
	destroyed          int64
	acquired           int64
	timeouts           int64
	validationFailures int64
	lifetimeSum        time.Duration

	latencies [latencyWindow]time.Duration
	latCount  int
	latNext   int
	onAcquire func(time.Duration)

	stopCh chan struct{}
	timers sync.WaitGroup
}

// New builds a pool. Maintenance timers start with Initialize.
func New(cfg Config, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		cfg:    cfg.sanitize(),
		log:    log,
		all:    make(map[string]*PooledConn),
		stopCh: make(chan struct{}),
	}
}

// Initialize pre-creates MinConnections sessions and starts the cleanup and
// validation timers. A second call is an error.
func (p *Pool) Initialize() error {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return ErrShuttingDown
	}
	if p.initialized {
		p.mu.Unlock()
		return errors.New("pool: already initialized")
	}
	p.initialized = true
	for i := 0; i < p.cfg.MinConnections; i++ {
		p.idle = append(p.idle, p.createLocked())
	}
	warm := len(p.idle)
	p.mu.Unlock()

	p.timers.Add(1)
	go p.runTimer(p.cfg.CleanupInterval, p.cleanupIdle)
	if p.cfg.ValidateConnections {
		p.timers.Add(1)
		go p.runTimer(p.cfg.ValidationInterval, p.validateIdle)
	}

	p.log.Info("connection pool initialized",
		"min", p.cfg.MinConnections,
		"max", p.cfg.MaxConnections,
		"max_idle", p.cfg.MaxIdleConnections,
		"warm", warm)
	return nil
}

// Acquire hands out an idle connection, creates one while under the cap, or
// queues until a holder releases. The deadline is AcquireTimeout or the
// context's, whichever comes first.
func (p *Pool) Acquire(ctx context.Context, clientID string) (*PooledConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	deadline := start.Add(p.cfg.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	defer p.closeDoomed()
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if pc := p.takeLocked(); pc != nil {
		pc.markAcquired(clientID)
		p.recordAcquisitionLocked(start)
		p.mu.Unlock()
		return pc, nil
	}
	w := &waiter{ch: make(chan *PooledConn, 1), clientID: clientID}
	p.waiters = append(p.waiters, w)
	queued := len(p.waiters)
	p.mu.Unlock()

	p.log.Debug("pool saturated, queueing acquisition", "client", clientID, "queued", queued)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case pc, ok := <-w.ch:
		if !ok {
			return nil, ErrShuttingDown
		}
		p.mu.Lock()
		p.recordAcquisitionLocked(start)
		p.mu.Unlock()
		return pc, nil
	case <-timer.C:
		pc, err := p.cancelWaiter(w, fmt.Errorf("pool: no connection released within %s: %w", p.cfg.AcquireTimeout, ErrTimeout))
		if err != nil {
			return nil, err
		}
		// The handoff won the race against the deadline; keep the
		// connection.
		p.mu.Lock()
		p.recordAcquisitionLocked(start)
		p.mu.Unlock()
		return pc, nil
	case <-ctx.Done():
		pc, err := p.cancelWaiter(w, ctx.Err())
		if err == nil {
			// Handed over while cancelling; put it straight back.
			p.Release(pc.ID(), clientID)
			err = ctx.Err()
		}
		return nil, err
	}
}

// cancelWaiter withdraws a queued waiter and returns cause. When the waiter
// already left the queue, the handed connection is returned instead, or
// ErrShuttingDown if the pool rejected it.
func (p *Pool) cancelWaiter(w *waiter, cause error) (*PooledConn, error) {
	p.mu.Lock()
	for i, queued := range p.waiters {
		if queued == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			if errors.Is(cause, ErrTimeout) {
				p.timeouts++
			}
			p.mu.Unlock()
			return nil, cause
		}
	}
	p.mu.Unlock()

	// Handoffs and shutdown rejections both complete under the pool lock,
	// so by now the channel holds a connection or is closed.
	if pc := <-w.ch; pc != nil {
		return pc, nil
	}
	return nil, ErrShuttingDown
}

// Release returns a held connection to the pool. Only the current holder
// may release; a mismatch is refused with a warning.
func (p *Pool) Release(connID, clientID string) error {
	defer p.closeDoomed()
	p.mu.Lock()
	defer p.mu.Unlock()

	pc, ok := p.all[connID]
	if !ok {
		return fmt.Errorf("pool: release of unknown connection %s", connID)
	}
	if !pc.heldBy(clientID) {
		p.log.Warn("release refused",
			"id", connID,
			"client", clientID,
			"holder", pc.ClientID())
		return fmt.Errorf("pool: connection %s is not held by client %s", connID, clientID)
	}

	pc.markReleased()

	if p.shuttingDown {
		p.destroyLocked(pc, "shutdown")
		return nil
	}

	if len(p.idle) < p.cfg.MaxIdleConnections {
		p.idle = append(p.idle, pc)
	} else {
		p.destroyLocked(pc, "idle queue full")
	}

	p.serveWaitersLocked()
	return nil
}

// Destroy removes a connection from the pool and closes its session. Used
// for sessions that came back unusable.
func (p *Pool) Destroy(connID string) error {
	defer p.closeDoomed()
	p.mu.Lock()
	defer p.mu.Unlock()

	pc, ok := p.all[connID]
	if !ok {
		return fmt.Errorf("pool: destroy of unknown connection %s", connID)
	}
	for i, idle := range p.idle {
		if idle == pc {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	p.destroyLocked(pc, "caller request")
	p.serveWaitersLocked()
	return nil
}

// Shutdown stops the timers, rejects queued waiters, waits up to timeout
// for holders to release, then force-destroys whatever is left. Safe to
// call twice.
func (p *Pool) Shutdown(timeout time.Duration) {
	defer p.closeDoomed()

	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.shuttingDown = true
	close(p.stopCh)

	for _, w := range p.waiters {
		close(w.ch)
	}
	rejected := len(p.waiters)
	p.waiters = nil

	for _, pc := range p.idle {
		p.destroyLocked(pc, "shutdown")
	}
	p.idle = nil
	holding := len(p.all)
	p.mu.Unlock()

	p.timers.Wait()

	if rejected > 0 {
		p.log.Info("rejected queued acquisitions", "count", rejected)
	}
	if holding == 0 {
		p.log.Info("connection pool shut down")
		return
	}

	p.log.Info("waiting for held connections", "count", holding, "timeout", timeout)
	expired := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			n := len(p.all)
			p.mu.Unlock()
			if n == 0 {
				p.log.Info("connection pool shut down")
				return
			}
		case <-expired:
			p.mu.Lock()
			n := len(p.all)
			for _, pc := range p.all {
				p.destroyLocked(pc, "shutdown timeout")
			}
			p.mu.Unlock()
			p.log.Warn("force-closed held connections after shutdown timeout", "count", n)
			return
		}
	}
}

// Stats is a point-in-time snapshot of pool occupancy and counters.
type Stats struct {
	Total              int     `json:"total_connections"`
	Idle               int     `json:"idle_connections"`
	InUse              int     `json:"in_use_connections"`
	Waiting            int     `json:"waiting_acquisitions"`
	Peak               int     `json:"peak_connections"`
	MinConnections     int     `json:"min_connections"`
	MaxConnections     int     `json:"max_connections"`
	Created            int64   `json:"connections_created_total"`
	Destroyed          int64   `json:"connections_destroyed_total"`
	Acquired           int64   `json:"acquisitions_total"`
	Timeouts           int64   `json:"acquisition_timeouts_total"`
	ValidationFailures int64   `json:"validation_failures_total"`
	AvgAcquireMs       float64 `json:"avg_acquire_ms"`
	AvgLifetimeMs      float64 `json:"avg_lifetime_ms"`
}

// Stats snapshots the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Total:              len(p.all),
		Idle:               len(p.idle),
		InUse:              len(p.all) - len(p.idle),
		Waiting:            len(p.waiters),
		Peak:               p.peak,
		MinConnections:     p.cfg.MinConnections,
		MaxConnections:     p.cfg.MaxConnections,
		Created:            p.created,
		Destroyed:          p.destroyed,
		Acquired:           p.acquired,
		Timeouts:           p.timeouts,
		ValidationFailures: p.validationFailures,
	}
	if p.latCount > 0 {
		var sum time.Duration
		for i := 0; i < p.latCount; i++ {
			sum += p.latencies[i]
		}
		s.AvgAcquireMs = float64(sum) / float64(p.latCount) / float64(time.Millisecond)
	}
	if p.destroyed > 0 {
		s.AvgLifetimeMs = float64(p.lifetimeSum) / float64(p.destroyed) / float64(time.Millisecond)
	}
	return s
}

// Connections lists every pooled connection for the introspection
// endpoints.
func (p *Pool) Connections() []ConnInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]ConnInfo, 0, len(p.all))
	for _, pc := range p.all {
		infos = append(infos, pc.Info())
	}
	return infos
}

// takeLocked pops idle connections until a valid one turns up, or creates a
// new one while under the cap. Returns nil when the pool is saturated.
func (p *Pool) takeLocked() *PooledConn {
	for len(p.idle) > 0 {
		pc := p.idle[0]
		p.idle = p.idle[1:]
		if p.cfg.ValidateConnections && !p.validLocked(pc) {
			p.validationFailures++
			p.destroyLocked(pc, "failed validation")
			continue
		}
		return pc
	}
	if len(p.all) < p.cfg.MaxConnections {
		return p.createLocked()
	}
	return nil
}

// serveWaitersLocked resolves queued acquisitions while connections are
// available, oldest waiter first.
func (p *Pool) serveWaitersLocked() {
	for len(p.waiters) > 0 {
		pc := p.takeLocked()
		if pc == nil {
			return
		}
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		pc.markAcquired(w.clientID)
		w.ch <- pc
	}
}

func (p *Pool) createLocked() *PooledConn {
	pc := newPooledConn()
	p.all[pc.id] = pc
	p.created++
	if len(p.all) > p.peak {
		p.peak = len(p.all)
	}
	return pc
}

// destroyLocked removes the connection from the pool's books. The session
// itself is closed by closeDoomed after the lock is released so socket
// teardown never happens under the pool lock.
func (p *Pool) destroyLocked(pc *PooledConn, reason string) {
	delete(p.all, pc.id)
	p.destroyed++
	p.lifetimeSum += pc.Age()
	p.doomed = append(p.doomed, pc)
	p.log.Debug("destroying pooled connection",
		"id", pc.id,
		"reason", reason,
		"age", pc.Age().Round(time.Millisecond),
		"uses", pc.UsageCount())
}

// closeDoomed closes sessions queued for destruction. Must be called
// without holding mu.
func (p *Pool) closeDoomed() {
	p.mu.Lock()
	doomed := p.doomed
	p.doomed = nil
	p.mu.Unlock()

	for _, pc := range doomed {
		pc.sess.Close()
	}
}

// validLocked reports whether an idle connection may be handed out again:
// its session has not been closed and the wrapper has not outlived twice
// the idle timeout.
func (p *Pool) validLocked(pc *PooledConn) bool {
	if pc.sess.Closed() {
		return false
	}
	return pc.Age() < 2*p.cfg.IdleTimeout
}

// SetAcquireObserver installs a hook that receives every successful
// acquisition's latency. Set it before the pool is shared.
func (p *Pool) SetAcquireObserver(fn func(time.Duration)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onAcquire = fn
}

func (p *Pool) recordAcquisitionLocked(start time.Time) {
	p.acquired++
	d := time.Since(start)
	p.latencies[p.latNext] = d
	p.latNext = (p.latNext + 1) % latencyWindow
	if p.latCount < latencyWindow {
		p.latCount++
	}
	if p.onAcquire != nil {
		p.onAcquire(d)
	}
}

func (p *Pool) runTimer(interval time.Duration, fn func()) {
	defer p.timers.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn()
		case <-p.stopCh:
			return
		}
	}
}

// cleanupIdle destroys connections idle past IdleTimeout while keeping the
// pool at MinConnections.
func (p *Pool) cleanupIdle() {
	defer p.closeDoomed()
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := make([]*PooledConn, 0, len(p.idle))
	for _, pc := range p.idle {
		if len(p.all) > p.cfg.MinConnections && pc.IdleFor() > p.cfg.IdleTimeout {
			p.destroyLocked(pc, "idle timeout")
			continue
		}
		kept = append(kept, pc)
	}
	p.idle = kept
}

// validateIdle revalidates idle connections whose last check is older than
// ValidationInterval and destroys the failures.
func (p *Pool) validateIdle() {
	defer p.closeDoomed()
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-p.cfg.ValidationInterval)
	kept := make([]*PooledConn, 0, len(p.idle))
	for _, pc := range p.idle {
		if pc.lastValidated.After(cutoff) {
			kept = append(kept, pc)
			continue
		}
		if p.validLocked(pc) {
			pc.markValidated()
			kept = append(kept, pc)
			continue
		}
		p.validationFailures++
		p.destroyLocked(pc, "failed validation")
	}
	p.idle = kept
}

// Package health runs a periodic client-side probe against the server's own
// listener. The probe speaks the real protocol (startup, SELECT 1, terminate)
// so the readiness signal covers the full dispatch path, not just the accept
// loop.
package health

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/config"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/metrics"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/wire"
)

// Status represents the probe verdict.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Snapshot is the probe state reported by the admin API.
type Snapshot struct {
	Status              string    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	LatencyMs           float64   `json:"latency_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ChecksTotal         int64     `json:"checks_total"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker dials the wire listener on a fixed interval and runs one canned
// query. A single slow or failed probe does not flip the verdict; the
// failure threshold has to be crossed first.
type Checker struct {
	addr    string
	log     *slog.Logger
	metrics *metrics.Collector

	interval         time.Duration
	failureThreshold int
	timeout          time.Duration

	mu        sync.Mutex
	status    Status
	failures  int
	lastCheck time.Time
	lastRTT   time.Duration
	lastError string
	checks    int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a checker probing addr. The metrics collector may be
// nil.
func NewChecker(addr string, m *metrics.Collector, cfg config.HealthCheckConfig, log *slog.Logger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 5 * time.Second
	}
	return &Checker{
		addr:             addr,
		log:              log,
		metrics:          m,
		interval:         cfg.Interval,
		failureThreshold: cfg.FailureThreshold,
		timeout:          cfg.ConnectionTimeout,
		stopCh:           make(chan struct{}),
	}
}

// Start begins periodic probing.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	c.log.Info("health checker started",
		"addr", c.addr, "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop stops the checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	c.log.Info("health checker stopped")
}

func (c *Checker) run() {
	// Run immediately on start
	c.check()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.check()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) check() {
	start := time.Now()
	err := c.probe()
	elapsed := time.Since(start)
	if c.metrics != nil {
		c.metrics.HealthProbeCompleted(elapsed, err == nil)
	}
	c.updateStatus(err, elapsed)
}

// probe runs one full client conversation: startup handshake through
// ReadyForQuery, a simple query, then a clean terminate.
func (c *Checker) probe() error {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	payload := wire.AppendUint32(nil, wire.ProtocolVersion)
	payload = wire.AppendParameterMap(payload, [][2]string{
		{"user", "healthcheck"},
		{"database", "postgres"},
		{"application_name", "healthcheck"},
	})
	if _, err := conn.Write(wire.EncodeStartupFrame(payload)); err != nil {
		return fmt.Errorf("startup write: %w", err)
	}

	r := wire.NewReader(conn)
	if err := readUntilReady(r); err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	query := wire.EncodeFrame(wire.MsgQuery, wire.AppendCString(nil, "SELECT 1"))
	if _, err := conn.Write(query); err != nil {
		return fmt.Errorf("query write: %w", err)
	}
	if err := readUntilReady(r); err != nil {
		return fmt.Errorf("query: %w", err)
	}

	conn.Write(wire.EncodeFrame(wire.MsgTerminate, nil))
	return nil
}

// readUntilReady consumes backend messages through ReadyForQuery, failing
// on an ErrorResponse.
func readUntilReady(r *wire.Reader) error {
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			return err
		}
		switch frame.Type {
		case wire.MsgErrorResponse:
			return fmt.Errorf("server returned %s", sqlstateOf(frame.Payload))
		case wire.MsgReadyForQuery:
			return nil
		}
	}
}

// sqlstateOf pulls the C field out of an ErrorResponse payload.
func sqlstateOf(payload []byte) string {
	cur := wire.NewCursor(payload)
	for {
		code, err := cur.Byte()
		if err != nil || code == 0 {
			return "an error"
		}
		value, err := cur.CString()
		if err != nil {
			return "an error"
		}
		if code == 'C' {
			return "SQLSTATE " + value
		}
	}
}

func (c *Checker) updateStatus(err error, rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastCheck = time.Now()
	c.lastRTT = rtt
	c.checks++

	if err == nil {
		if c.failures > 0 {
			c.log.Info("probe recovered", "failures", c.failures)
		}
		c.status = StatusHealthy
		c.failures = 0
		c.lastError = ""
	} else {
		c.failures++
		c.lastError = err.Error()
		if c.failures >= c.failureThreshold {
			if c.status != StatusUnhealthy {
				c.log.Warn("probe marked unhealthy",
					"failures", c.failures, "error", c.lastError)
			}
			c.status = StatusUnhealthy
		}
	}

	if c.metrics != nil {
		c.metrics.SetHealthy(c.status != StatusUnhealthy)
	}
}

// Healthy reports the thresholded verdict. Unknown counts as healthy so a
// checker that has not completed its first probe does not fail readiness.
func (c *Checker) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status != StatusUnhealthy
}

// GetStatus returns the current probe state.
func (c *Checker) GetStatus() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Status:              c.status.String(),
		LastCheck:           c.lastCheck,
		LatencyMs:           float64(c.lastRTT) / float64(time.Millisecond),
		ConsecutiveFailures: c.failures,
		ChecksTotal:         c.checks,
		LastError:           c.lastError,
	}
}

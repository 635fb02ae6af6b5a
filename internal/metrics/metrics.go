// Package metrics exports Prometheus metrics for the wire server. Collector
// implements the stats hook interface, so the protocol core stays unaware
// of Prometheus.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pool"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/stats"
)

// Collector holds all Prometheus metrics for the server.
type Collector struct {
	connectionsActive  prometheus.Gauge
	connectionsOpened  prometheus.Counter
	connectionDuration prometheus.Histogram
	stateTransitions   *prometheus.CounterVec
	queries            *prometheus.CounterVec
	queryDuration      *prometheus.HistogramVec
	messages           *prometheus.CounterVec
	statementLookups   *prometheus.CounterVec
	dataBytes          *prometheus.CounterVec
	notifyDelivered    prometheus.Counter
	notifyFailed       prometheus.Counter

	poolConnections *prometheus.GaugeVec
	poolWaiting     prometheus.Gauge
	poolPeak        prometheus.Gauge
	acquireLatency  prometheus.Histogram

	probes        *prometheus.CounterVec
	probeDuration prometheus.Histogram
	healthy       prometheus.Gauge
}

var _ stats.Stats = (*Collector)(nil)

// New creates all metrics and registers them on reg. A nil reg falls back
// to the default registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgwiremock_connections_active",
			Help: "Number of currently open client connections",
		}),
		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwiremock_connections_opened_total",
			Help: "Total client connections accepted",
		}),
		connectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgwiremock_connection_duration_seconds",
			Help:    "Client connection lifetimes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgwiremock_state_transitions_total",
				Help: "Protocol state machine transitions",
			},
			[]string{"from", "to"},
		),
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgwiremock_queries_total",
				Help: "Statements dispatched, by command word and outcome",
			},
			[]string{"command", "status"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgwiremock_query_duration_seconds",
				Help:    "Statement dispatch duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
			},
			[]string{"command"},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgwiremock_messages_total",
				Help: "Inbound protocol messages by type byte",
			},
			[]string{"type"},
		),
		statementLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgwiremock_statement_lookups_total",
				Help: "Prepared statement and portal lookups",
			},
			[]string{"result"},
		),
		dataBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgwiremock_data_bytes_total",
				Help: "Payload bytes moved, by direction",
			},
			[]string{"direction"},
		),
		notifyDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwiremock_notifications_delivered_total",
			Help: "Notification deliveries across all channels",
		}),
		notifyFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwiremock_notifications_failed_total",
			Help: "Notification deliveries that failed across all channels",
		}),
		poolConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgwiremock_pool_connections",
				Help: "Pooled sessions by state",
			},
			[]string{"state"},
		),
		poolWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgwiremock_pool_waiting_acquisitions",
			Help: "Acquisitions queued on a saturated pool",
		}),
		poolPeak: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgwiremock_pool_peak_connections",
			Help: "Most pooled sessions ever held at once",
		}),
		acquireLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgwiremock_pool_acquire_duration_seconds",
			Help:    "Pool acquisition latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgwiremock_health_probes_total",
				Help: "Wire self-probes by result",
			},
			[]string{"result"},
		),
		probeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgwiremock_health_probe_duration_seconds",
			Help:    "Wire self-probe round-trip time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		healthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgwiremock_healthy",
			Help: "Whether the wire self-probe currently passes (1) or not (0)",
		}),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsOpened,
		c.connectionDuration,
		c.stateTransitions,
		c.queries,
		c.queryDuration,
		c.messages,
		c.statementLookups,
		c.dataBytes,
		c.notifyDelivered,
		c.notifyFailed,
		c.poolConnections,
		c.poolWaiting,
		c.poolPeak,
		c.acquireLatency,
		c.probes,
		c.probeDuration,
		c.healthy,
	)

	return c
}

// ConnectionOpened increments the active connection gauge.
func (c *Collector) ConnectionOpened() {
	c.connectionsActive.Inc()
	c.connectionsOpened.Inc()
}

// ConnectionClosed decrements the active gauge and records the lifetime.
func (c *Collector) ConnectionClosed(lifetime time.Duration) {
	c.connectionsActive.Dec()
	c.connectionDuration.Observe(lifetime.Seconds())
}

// StateChanged counts a protocol state transition.
func (c *Collector) StateChanged(from, to string) {
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// QueryExecuted counts a dispatched statement and its duration.
func (c *Collector) QueryExecuted(command string, duration time.Duration, failed bool) {
	status := "ok"
	if failed {
		status = "error"
	}
	label := commandLabel(command)
	c.queries.WithLabelValues(label, status).Inc()
	c.queryDuration.WithLabelValues(label).Observe(duration.Seconds())
}

// MessageProcessed counts an inbound protocol message.
func (c *Collector) MessageProcessed(msgType byte) {
	c.messages.WithLabelValues(messageLabel(msgType)).Inc()
}

// StatementLookup counts prepared-statement and portal resolution.
func (c *Collector) StatementLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.statementLookups.WithLabelValues(result).Inc()
}

// DataTransferred adds payload bytes to the directional counters.
func (c *Collector) DataTransferred(inbound bool, n int64) {
	direction := "out"
	if inbound {
		direction = "in"
	}
	c.dataBytes.WithLabelValues(direction).Add(float64(n))
}

// NotificationFanout records delivery counts. The channel name is not a
// label; channels are client-defined and unbounded.
func (c *Collector) NotificationFanout(channel string, delivered, failed int) {
	c.notifyDelivered.Add(float64(delivered))
	c.notifyFailed.Add(float64(failed))
}

// PoolAcquireLatency observes one pool acquisition. Wire it up with
// pool.SetAcquireObserver.
func (c *Collector) PoolAcquireLatency(d time.Duration) {
	c.acquireLatency.Observe(d.Seconds())
}

// ObservePool copies a pool snapshot into the occupancy gauges.
func (c *Collector) ObservePool(s pool.Stats) {
	c.poolConnections.WithLabelValues("idle").Set(float64(s.Idle))
	c.poolConnections.WithLabelValues("in_use").Set(float64(s.InUse))
	c.poolWaiting.Set(float64(s.Waiting))
	c.poolPeak.Set(float64(s.Peak))
}

// HealthProbeCompleted records one self-probe round trip.
func (c *Collector) HealthProbeCompleted(d time.Duration, ok bool) {
	result := "fail"
	if ok {
		result = "ok"
	}
	c.probes.WithLabelValues(result).Inc()
	c.probeDuration.Observe(d.Seconds())
}

// SetHealthy publishes the thresholded probe verdict.
func (c *Collector) SetHealthy(ok bool) {
	if ok {
		c.healthy.Set(1)
	} else {
		c.healthy.Set(0)
	}
}

// StartPoolLoop samples pool occupancy on a fixed interval. The returned
// stop function is safe to call more than once.
func (c *Collector) StartPoolLoop(p *pool.Pool, interval time.Duration) func() {
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.ObservePool(p.Stats())
			case <-stopCh:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stopCh) })
	}
}

// knownCommands bounds the command label; arbitrary first words would
// otherwise create a series per typo.
var knownCommands = map[string]struct{}{
	"SELECT": {}, "INSERT": {}, "UPDATE": {}, "DELETE": {},
	"BEGIN": {}, "COMMIT": {}, "ROLLBACK": {}, "SAVEPOINT": {}, "RELEASE": {},
	"SET": {}, "SHOW": {}, "RESET": {},
	"LISTEN": {}, "UNLISTEN": {}, "NOTIFY": {},
	"PREPARE": {}, "EXECUTE": {}, "DEALLOCATE": {}, "DISCARD": {},
	"EXPLAIN": {}, "COPY": {},
	"CREATE": {}, "DROP": {}, "ALTER": {}, "TRUNCATE": {},
	"VACUUM": {}, "ANALYZE": {},
	"EMPTY": {},
}

func commandLabel(command string) string {
	if _, ok := knownCommands[command]; ok {
		return command
	}
	return "OTHER"
}

// messageLabel renders a type byte as a label value. Printable ASCII is
// used verbatim; anything else is hex so the label stays valid UTF-8.
func messageLabel(t byte) string {
	if t >= 0x20 && t < 0x7f {
		return string(t)
	}
	return fmt.Sprintf("0x%02x", t)
}

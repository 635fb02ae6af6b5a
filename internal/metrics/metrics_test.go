package metrics

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pool"
)

// newTestCollector registers a Collector on a fresh registry so tests don't
// conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(reg), reg
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func histogramSampleCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		m := f.GetMetric()
		if len(m) == 0 {
			t.Fatalf("no samples for %s", name)
		}
		var total uint64
		for _, sample := range m {
			total += sample.GetHistogram().GetSampleCount()
		}
		return total
	}
	t.Fatalf("histogram %s not found", name)
	return 0
}

func TestConnectionLifecycle(t *testing.T) {
	c, reg := newTestCollector(t)

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionOpened()
	if v := getGaugeValue(c.connectionsActive); v != 3 {
		t.Errorf("expected active=3, got %v", v)
	}

	c.ConnectionClosed(250 * time.Millisecond)
	if v := getGaugeValue(c.connectionsActive); v != 2 {
		t.Errorf("expected active=2 after close, got %v", v)
	}
	if v := getCounterValue(c.connectionsOpened); v != 3 {
		t.Errorf("expected opened total=3, got %v", v)
	}
	if n := histogramSampleCount(t, reg, "pgwiremock_connection_duration_seconds"); n != 1 {
		t.Errorf("expected 1 lifetime sample, got %d", n)
	}
}

func TestQueryExecuted(t *testing.T) {
	c, reg := newTestCollector(t)

	c.QueryExecuted("SELECT", 2*time.Millisecond, false)
	c.QueryExecuted("SELECT", time.Millisecond, false)
	c.QueryExecuted("INSERT", time.Millisecond, true)

	if v := getCounterValue(c.queries.WithLabelValues("SELECT", "ok")); v != 2 {
		t.Errorf("expected SELECT ok=2, got %v", v)
	}
	if v := getCounterValue(c.queries.WithLabelValues("INSERT", "error")); v != 1 {
		t.Errorf("expected INSERT error=1, got %v", v)
	}
	if n := histogramSampleCount(t, reg, "pgwiremock_query_duration_seconds"); n != 3 {
		t.Errorf("expected 3 duration samples, got %d", n)
	}
}

func TestUnknownCommandFoldsToOther(t *testing.T) {
	c, _ := newTestCollector(t)

	c.QueryExecuted("FLIBBER", time.Millisecond, true)
	c.QueryExecuted("GRANT", time.Millisecond, false)

	if v := getCounterValue(c.queries.WithLabelValues("OTHER", "error")); v != 1 {
		t.Errorf("expected OTHER error=1, got %v", v)
	}
	if v := getCounterValue(c.queries.WithLabelValues("OTHER", "ok")); v != 1 {
		t.Errorf("expected OTHER ok=1, got %v", v)
	}
}

func TestMessageLabels(t *testing.T) {
	c, _ := newTestCollector(t)

	c.MessageProcessed('Q')
	c.MessageProcessed('Q')
	c.MessageProcessed(0x01)

	if v := getCounterValue(c.messages.WithLabelValues("Q")); v != 2 {
		t.Errorf("expected Q=2, got %v", v)
	}
	if v := getCounterValue(c.messages.WithLabelValues("0x01")); v != 1 {
		t.Errorf("expected 0x01=1, got %v", v)
	}

	if got := messageLabel('P'); got != "P" {
		t.Errorf("printable byte should be verbatim, got %q", got)
	}
	if got := messageLabel(0xff); got != "0xff" {
		t.Errorf("non-printable byte should be hex, got %q", got)
	}
}

func TestStatementLookupsAndDataBytes(t *testing.T) {
	c, _ := newTestCollector(t)

	c.StatementLookup(true)
	c.StatementLookup(true)
	c.StatementLookup(false)
	if v := getCounterValue(c.statementLookups.WithLabelValues("hit")); v != 2 {
		t.Errorf("expected hits=2, got %v", v)
	}
	if v := getCounterValue(c.statementLookups.WithLabelValues("miss")); v != 1 {
		t.Errorf("expected misses=1, got %v", v)
	}

	c.DataTransferred(true, 128)
	c.DataTransferred(true, 64)
	c.DataTransferred(false, 1024)
	if v := getCounterValue(c.dataBytes.WithLabelValues("in")); v != 192 {
		t.Errorf("expected in=192, got %v", v)
	}
	if v := getCounterValue(c.dataBytes.WithLabelValues("out")); v != 1024 {
		t.Errorf("expected out=1024, got %v", v)
	}
}

func TestNotificationFanout(t *testing.T) {
	c, _ := newTestCollector(t)

	c.NotificationFanout("orders", 3, 1)
	c.NotificationFanout("jobs", 2, 0)

	if v := getCounterValue(c.notifyDelivered); v != 5 {
		t.Errorf("expected delivered=5, got %v", v)
	}
	if v := getCounterValue(c.notifyFailed); v != 1 {
		t.Errorf("expected failed=1, got %v", v)
	}
}

func TestStateTransitions(t *testing.T) {
	c, _ := newTestCollector(t)

	c.StateChanged("start", "startup_received")
	c.StateChanged("startup_received", "ready_for_query")
	c.StateChanged("start", "startup_received")

	if v := getCounterValue(c.stateTransitions.WithLabelValues("start", "startup_received")); v != 2 {
		t.Errorf("expected 2 transitions, got %v", v)
	}
}

func TestObservePool(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObservePool(pool.Stats{Idle: 4, InUse: 2, Waiting: 1, Peak: 6})

	if v := getGaugeValue(c.poolConnections.WithLabelValues("idle")); v != 4 {
		t.Errorf("expected idle=4, got %v", v)
	}
	if v := getGaugeValue(c.poolConnections.WithLabelValues("in_use")); v != 2 {
		t.Errorf("expected in_use=2, got %v", v)
	}
	if v := getGaugeValue(c.poolWaiting); v != 1 {
		t.Errorf("expected waiting=1, got %v", v)
	}
	if v := getGaugeValue(c.poolPeak); v != 6 {
		t.Errorf("expected peak=6, got %v", v)
	}
}

func TestPoolLoopSamples(t *testing.T) {
	c, _ := newTestCollector(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	p := pool.New(pool.Config{MinConnections: 2, MaxConnections: 4}, log)
	defer p.Shutdown(time.Second)
	if err := p.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	stop := c.StartPoolLoop(p, 5*time.Millisecond)
	defer stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if getGaugeValue(c.poolConnections.WithLabelValues("idle")) == 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if v := getGaugeValue(c.poolConnections.WithLabelValues("idle")); v != 2 {
		t.Fatalf("pool loop never sampled the idle gauge, got %v", v)
	}

	// Stop is idempotent.
	stop()
	stop()
}

func TestAcquireObserverFeedsHistogram(t *testing.T) {
	c, reg := newTestCollector(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	p := pool.New(pool.Config{MaxConnections: 2}, log)
	defer p.Shutdown(time.Second)
	p.SetAcquireObserver(c.PoolAcquireLatency)

	pc, err := p.Acquire(context.Background(), "client")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(pc.ID(), "client")

	if n := histogramSampleCount(t, reg, "pgwiremock_pool_acquire_duration_seconds"); n != 1 {
		t.Errorf("expected 1 acquisition sample, got %d", n)
	}
}

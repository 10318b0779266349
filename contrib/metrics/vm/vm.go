package vm

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"

	"github.com/mediocregopher/replset/trace"
)

// Option configures a Collector.
type Option func(*Collector)

// WithPrefix sets the metric name prefix.
//
// Default: "replset"
func WithPrefix(prefix string) Option {
	return func(c *Collector) {
		c.prefix = prefix
	}
}

// WithMetricsSet sets the metrics set to use.
//
// If provided, the collector will register metrics with this set instead of
// creating a new one, and the caller is responsible for exposing it.
func WithMetricsSet(set *metrics.Set) Option {
	return func(c *Collector) {
		c.set = set
	}
}

// Collector records metrics from the ManagerTrace and PoolTrace it hands
// out. Thread-safe for concurrent use, and a single Collector may be shared by
// any number of Managers and Pools.
type Collector struct {
	set    *metrics.Set
	prefix string

	refreshDuration  *metrics.Histogram
	topoChanges      *metrics.Counter
	probeFailures    *metrics.Counter
	primaryConflicts *metrics.Counter
	connectDuration  *metrics.Histogram

	generation atomic.Uint64
	reachable  atomic.Int64
}

// New creates a new Collector.
//
// Unless WithMetricsSet is given, the collector creates its own metrics.Set
// and registers it globally.
func New(opts ...Option) *Collector {
	c := &Collector{prefix: "replset"}
	for _, opt := range opts {
		opt(c)
	}

	if c.set == nil {
		c.set = metrics.NewSet()
		metrics.RegisterSet(c.set)
	}

	p := c.prefix
	c.refreshDuration = c.set.NewHistogram(p + "_refresh_duration_seconds")
	c.topoChanges = c.set.NewCounter(p + "_topo_changes_total")
	c.probeFailures = c.set.NewCounter(p + "_probe_failures_total")
	c.primaryConflicts = c.set.NewCounter(p + "_primary_conflicts_total")
	c.connectDuration = c.set.NewHistogram(p + "_pool_connect_duration_seconds")
	c.set.NewGauge(p+"_topo_generation", func() float64 {
		return float64(c.generation.Load())
	})
	c.set.NewGauge(p+"_reachable_nodes", func() float64 {
		return float64(c.reachable.Load())
	})
	return c
}

// Set returns the metrics.Set all metrics are registered with.
func (c *Collector) Set() *metrics.Set {
	return c.set
}

// Handler is an HTTP handler that exposes metrics in Prometheus format.
//
//	http.HandleFunc("/metrics", collector.Handler)
func (c *Collector) Handler(w http.ResponseWriter, _ *http.Request) {
	c.set.WritePrometheus(w)
}

// WritePrometheus writes all metrics in Prometheus format to the given writer.
func (c *Collector) WritePrometheus(w io.Writer) {
	c.set.WritePrometheus(w)
}

func (c *Collector) counter(format string, args ...interface{}) *metrics.Counter {
	return c.set.GetOrCreateCounter(c.prefix + fmt.Sprintf(format, args...))
}

// ManagerTrace returns a trace.ManagerTrace which records into the
// Collector.
func (c *Collector) ManagerTrace() trace.ManagerTrace {
	return trace.ManagerTrace{
		TopoChanged: func(trace.ManagerTopoChanged) {
			c.topoChanges.Inc()
		},
		RefreshDone: func(rd trace.ManagerRefreshDone) {
			c.counter(`_refresh_total{reason=%q}`, rd.Reason).Inc()
			c.refreshDuration.Update(rd.ElapsedTime.Seconds())
			if rd.Err != nil {
				c.counter(`_refresh_errors_total{reason=%q}`, rd.Reason).Inc()
				return
			}
			c.generation.Store(rd.Generation)
			c.reachable.Store(int64(rd.Reachable))
		},
		ProbeFailed: func(trace.ManagerProbeFailed) {
			c.probeFailures.Inc()
		},
		PrimaryConflict: func(trace.ManagerPrimaryConflict) {
			c.primaryConflicts.Inc()
		},
	}
}

// PoolTrace returns a trace.PoolTrace which records into the Collector.
func (c *Collector) PoolTrace() trace.PoolTrace {
	return trace.PoolTrace{
		ConnCreated: func(cc trace.PoolConnCreated) {
			c.connectDuration.Update(cc.ConnectTime.Seconds())
			if cc.Err != nil {
				c.counter(`_pool_conn_errors_total{addr=%q}`, cc.Addr).Inc()
				return
			}
			c.counter(`_pool_conns_created_total{addr=%q,reason=%q}`, cc.Addr, cc.Reason).Inc()
		},
		ConnClosed: func(cc trace.PoolConnClosed) {
			c.counter(`_pool_conns_closed_total{addr=%q,reason=%q}`, cc.Addr, cc.Reason).Inc()
		},
	}
}

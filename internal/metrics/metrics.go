// Package metrics provides metrics collection for trace ingestion, resolution and diffing.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "specwatch"

// counter mirrors a Prometheus counter in an atomic so snapshots need no scrape.
type counter struct {
	v    atomic.Int64
	prom prometheus.Counter
}

func newCounter(reg prometheus.Registerer, name, help string) *counter {
	c := &counter{prom: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})}
	reg.MustRegister(c.prom)
	return c
}

func (c *counter) add(n int64) {
	if n <= 0 {
		return
	}
	c.v.Add(n)
	c.prom.Add(float64(n))
}

// Collector collects and aggregates metrics on a private Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	// Counters
	tracesAccepted      *counter
	tracesDropped       *counter
	tracesProcessed     *counter
	tracesFailed        *counter
	endpointsCreated    *counter
	endpointsSuperseded *counter
	mergesApplied       *counter
	alertsRaised        *counter
	alertsDeduplicated  *counter
	diffFailures        *counter
	specsUploaded       *counter

	// Gauges
	backlog       atomic.Int64
	backlogGauge  prometheus.Gauge
	activeWorkers atomic.Int64
	workersGauge  prometheus.Gauge

	// Diff latency
	diffDuration prometheus.Histogram
	diffSum      atomic.Int64
	diffNum      atomic.Int64

	// Alert category breakdown
	categories   map[string]*atomic.Int64
	categoryMu   sync.RWMutex
	categoryProm *prometheus.CounterVec

	startTime time.Time
}

// New creates a new metrics collector.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry:            reg,
		tracesAccepted:      newCounter(reg, "traces_accepted_total", "Traces accepted onto the bus."),
		tracesDropped:       newCounter(reg, "traces_dropped_total", "Traces dropped by backpressure."),
		tracesProcessed:     newCounter(reg, "traces_processed_total", "Traces attributed to an endpoint."),
		tracesFailed:        newCounter(reg, "traces_failed_total", "Traces that failed attribution."),
		endpointsCreated:    newCounter(reg, "endpoints_created_total", "Endpoint identities created."),
		endpointsSuperseded: newCounter(reg, "endpoints_superseded_total", "Endpoint identities merged away."),
		mergesApplied:       newCounter(reg, "merges_applied_total", "Merge plan entries with a non-empty supersede set."),
		alertsRaised:        newCounter(reg, "alerts_raised_total", "Alerts persisted for the first time."),
		alertsDeduplicated:  newCounter(reg, "alerts_deduplicated_total", "Alerts folded into an existing fingerprint."),
		diffFailures:        newCounter(reg, "diff_failures_total", "Spec diffs that failed and produced no alerts."),
		specsUploaded:       newCounter(reg, "specs_uploaded_total", "Spec documents uploaded."),
		backlogGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_backlog",
			Help:      "Pending traces on the bus at the last backpressure check.",
		}),
		workersGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Ingestion workers currently running.",
		}),
		diffDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "diff_duration_seconds",
			Help:      "Time spent diffing one trace against its spec.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		}),
		categoryProm: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_by_category_total",
			Help:      "Alerts raised per category.",
		}, []string{"category"}),
		categories: make(map[string]*atomic.Int64),
		startTime:  time.Now(),
	}
	reg.MustRegister(c.backlogGauge, c.workersGauge, c.diffDuration, c.categoryProm)
	return c
}

// Registry returns the collector's Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordTraceAccepted counts a trace pushed onto the bus.
func (c *Collector) RecordTraceAccepted() { c.tracesAccepted.add(1) }

// RecordTraceDropped counts a trace dropped by backpressure.
func (c *Collector) RecordTraceDropped() { c.tracesDropped.add(1) }

// RecordTraceProcessed counts a trace attributed and stored.
func (c *Collector) RecordTraceProcessed() { c.tracesProcessed.add(1) }

// RecordTraceFailed counts a trace whose attribution failed.
func (c *Collector) RecordTraceFailed() { c.tracesFailed.add(1) }

// RecordEndpointCreated counts a new endpoint identity.
func (c *Collector) RecordEndpointCreated() { c.endpointsCreated.add(1) }

// RecordSpecUploaded counts an uploaded spec document.
func (c *Collector) RecordSpecUploaded() { c.specsUploaded.add(1) }

// RecordMerge counts one applied merge entry and the identities it superseded.
func (c *Collector) RecordMerge(superseded int) {
	if superseded == 0 {
		return
	}
	c.mergesApplied.add(1)
	c.endpointsSuperseded.add(int64(superseded))
}

// RecordAlert counts a newly persisted alert.
func (c *Collector) RecordAlert(category string) {
	c.alertsRaised.add(1)
	c.categoryProm.WithLabelValues(category).Inc()

	c.categoryMu.Lock()
	if c.categories[category] == nil {
		c.categories[category] = &atomic.Int64{}
	}
	c.categories[category].Add(1)
	c.categoryMu.Unlock()
}

// RecordAlertDeduplicated counts an alert folded into an existing fingerprint.
func (c *Collector) RecordAlertDeduplicated() { c.alertsDeduplicated.add(1) }

// RecordDiff records the duration of one diff and whether it failed.
func (c *Collector) RecordDiff(d time.Duration, failed bool) {
	c.diffDuration.Observe(d.Seconds())
	c.diffSum.Add(int64(d))
	c.diffNum.Add(1)
	if failed {
		c.diffFailures.add(1)
	}
}

// SetBacklog sets the last observed bus backlog.
func (c *Collector) SetBacklog(n int64) {
	c.backlog.Store(n)
	c.backlogGauge.Set(float64(n))
}

// SetActiveWorkers sets the number of running workers.
func (c *Collector) SetActiveWorkers(n int64) {
	c.activeWorkers.Store(n)
	c.workersGauge.Set(float64(n))
}

// AverageDiffTime returns the mean diff duration.
func (c *Collector) AverageDiffTime() time.Duration {
	num := c.diffNum.Load()
	if num == 0 {
		return 0
	}
	return time.Duration(c.diffSum.Load() / num)
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() *Snapshot {
	s := &Snapshot{
		Timestamp:           time.Now(),
		Uptime:              time.Since(c.startTime),
		TracesAccepted:      c.tracesAccepted.v.Load(),
		TracesDropped:       c.tracesDropped.v.Load(),
		TracesProcessed:     c.tracesProcessed.v.Load(),
		TracesFailed:        c.tracesFailed.v.Load(),
		EndpointsCreated:    c.endpointsCreated.v.Load(),
		EndpointsSuperseded: c.endpointsSuperseded.v.Load(),
		MergesApplied:       c.mergesApplied.v.Load(),
		AlertsRaised:        c.alertsRaised.v.Load(),
		AlertsDeduplicated:  c.alertsDeduplicated.v.Load(),
		DiffFailures:        c.diffFailures.v.Load(),
		SpecsUploaded:       c.specsUploaded.v.Load(),
		Backlog:             c.backlog.Load(),
		ActiveWorkers:       c.activeWorkers.Load(),
		AverageDiffTime:     c.AverageDiffTime(),
		AlertsByCategory:    make(map[string]int64),
	}

	c.categoryMu.RLock()
	for k, v := range c.categories {
		s.AlertsByCategory[k] = v.Load()
	}
	c.categoryMu.RUnlock()

	return s
}

// Snapshot represents a point-in-time view of metrics.
type Snapshot struct {
	Timestamp           time.Time        `json:"timestamp"`
	Uptime              time.Duration    `json:"uptime"`
	TracesAccepted      int64            `json:"traces_accepted"`
	TracesDropped       int64            `json:"traces_dropped"`
	TracesProcessed     int64            `json:"traces_processed"`
	TracesFailed        int64            `json:"traces_failed"`
	EndpointsCreated    int64            `json:"endpoints_created"`
	EndpointsSuperseded int64            `json:"endpoints_superseded"`
	MergesApplied       int64            `json:"merges_applied"`
	AlertsRaised        int64            `json:"alerts_raised"`
	AlertsDeduplicated  int64            `json:"alerts_deduplicated"`
	DiffFailures        int64            `json:"diff_failures"`
	SpecsUploaded       int64            `json:"specs_uploaded"`
	Backlog             int64            `json:"backlog"`
	ActiveWorkers       int64            `json:"active_workers"`
	AverageDiffTime     time.Duration    `json:"average_diff_time"`
	AlertsByCategory    map[string]int64 `json:"alerts_by_category"`
}

// DropRate returns dropped / (accepted + dropped).
func (s *Snapshot) DropRate() float64 {
	total := s.TracesAccepted + s.TracesDropped
	if total == 0 {
		return 0
	}
	return float64(s.TracesDropped) / float64(total)
}

// Summary returns a human-readable summary.
func (s *Snapshot) Summary() map[string]interface{} {
	return map[string]interface{}{
		"uptime":               s.Uptime.String(),
		"traces_accepted":      s.TracesAccepted,
		"traces_dropped":       s.TracesDropped,
		"drop_rate":            s.DropRate(),
		"traces_processed":     s.TracesProcessed,
		"endpoints_created":    s.EndpointsCreated,
		"endpoints_superseded": s.EndpointsSuperseded,
		"alerts_raised":        s.AlertsRaised,
		"diff_failures":        s.DiffFailures,
		"avg_diff_time_us":     s.AverageDiffTime.Microseconds(),
	}
}

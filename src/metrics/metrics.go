// Package metrics exposes a small set of resolver/cache Prometheus
// metrics on a process-local registry, grounded on the teacher's
// src/metrics package (CounterVec/HistogramVec construction style,
// ConstLabels, NewProcessCollector). Unlike the teacher, nothing here
// pushes to a remote pushgateway: that's network-facing infrastructure
// with no spec counterpart, so the registry is exposed for a caller to
// scrape or export however it likes instead.
package metrics

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var buckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0}

// Metrics bundles the counters and histograms one process reports.
type Metrics struct {
	registry        *prometheus.Registry
	cacheCounter    *prometheus.CounterVec
	resolveDuration *prometheus.HistogramVec
}

// New constructs a Metrics instance with a fresh registry; nothing in
// this repo needs more than one process-wide instance, but tests get
// their own independent registry by constructing their own.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.cacheCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cradle_cache_lookups_total",
		Help: "Count of memory/disk cache lookups by tier and outcome",
	}, []string{"tier", "hit"})

	m.resolveDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cradle_resolve_duration_seconds",
		Help:    "Time spent resolving a request's own compute step",
		Buckets: buckets,
	}, []string{"remote"})

	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{Pid: os.Getpid()}))
	m.registry.MustRegister(m.cacheCounter)
	m.registry.MustRegister(m.resolveDuration)
	return m
}

// Registry returns the underlying Prometheus registry, for an HTTP
// handler or test assertion to read from.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordCacheLookup records one lookup against the named tier
// ("memory" or "disk").
func (m *Metrics) RecordCacheLookup(tier string, hit bool) {
	m.cacheCounter.WithLabelValues(tier, boolLabel(hit)).Inc()
}

// RecordResolveDuration records how long a request's own compute step
// took, split by whether it ran locally or over a remote proxy.
func (m *Metrics) RecordResolveDuration(remote bool, d time.Duration) {
	m.resolveDuration.WithLabelValues(boolLabel(remote)).Observe(d.Seconds())
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

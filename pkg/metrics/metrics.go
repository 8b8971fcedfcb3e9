// Package metrics exposes Prometheus collectors for streams, runs and the
// result cache. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pario-ai/insight/pkg/models"
)

const namespace = "insight"

// Metrics holds the collectors registered on one registry.
type Metrics struct {
	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	deltas       *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	inflight     prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Labels: operation, outcome (done, error, cancelled)
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "total",
			Help:      "Analysis runs by terminal outcome",
		}, []string{"operation", "outcome"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Time from request to terminal event",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"operation", "outcome"}),
		deltas: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "deltas_total",
			Help:      "Text deltas received",
		}, []string{"operation"}),
		// Labels: result (hit, miss)
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Result cache lookups",
		}, []string{"operation", "result"}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "inflight",
			Help:      "Streams currently open",
		}),
	}
}

// RunStarted marks a stream as open.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

// RunFinished records the terminal outcome of a run that was marked started.
func (m *Metrics) RunFinished(operation string, outcome models.RunOutcome, deltas int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.runs.WithLabelValues(operation, string(outcome)).Inc()
	m.runDuration.WithLabelValues(operation, string(outcome)).Observe(elapsed.Seconds())
	if deltas > 0 {
		m.deltas.WithLabelValues(operation).Add(float64(deltas))
	}
}

// CacheLookup records a cache hit or miss.
func (m *Metrics) CacheLookup(operation string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(operation, result).Inc()
}

// RegisterCacheEntries exposes the current cache size as a gauge.
func RegisterCacheEntries(reg prometheus.Registerer, size func() int) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Entries held in the result cache, including expired ones not yet swept",
	}, func() float64 { return float64(size()) })
}

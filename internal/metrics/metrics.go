// Package metrics holds the prometheus collectors of the handle pool and
// the page cache.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "webverify"

// Cache lookup results.
const (
	ResultHit      = "hit"
	ResultMiss     = "miss"
	ResultError    = "error"
	ResultFallback = "fallback"
)

// Metrics is the set of collectors registered for one service.
type Metrics struct {
	handles          *prometheus.GaugeVec
	acquireWait      prometheus.Histogram
	acquireFailures  *prometheus.CounterVec
	abandoned        prometheus.Counter
	cacheLookups     *prometheus.CounterVec
	prefetchDuration prometheus.Histogram
	prefetchFailures prometheus.Counter
	cachePruned      prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		handles: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "handles",
				Help:      "Number of engine handles by state (total, bound, in_use).",
			},
			[]string{"state"},
		),
		acquireWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "acquire_wait_seconds",
				Help:      "Time callers waited for a handle.",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
		),
		acquireFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "acquire_failures_total",
				Help:      "Count of failed handle acquisitions by reason.",
			},
			[]string{"reason"},
		),
		abandoned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "abandoned_total",
				Help:      "Count of handles reclaimed from abandoned sessions.",
			},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Count of page cache lookups by kind and result.",
			},
			[]string{"kind", "result"},
		),
		prefetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "prefetch_duration_seconds",
				Help:      "Time spent caching one page in the background.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		prefetchFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "prefetch_failures_total",
				Help:      "Count of background page caching failures.",
			},
		),
		cachePruned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "pruned_rows_total",
				Help:      "Count of cache rows removed by age.",
			},
		),
	}

	reg.MustRegister(
		m.handles,
		m.acquireWait,
		m.acquireFailures,
		m.abandoned,
		m.cacheLookups,
		m.prefetchDuration,
		m.prefetchFailures,
		m.cachePruned,
	)
	return m
}

// SetHandles records the pool's handle counts.
func (m *Metrics) SetHandles(total, bound, inUse int) {
	if m == nil {
		return
	}
	m.handles.WithLabelValues("total").Set(float64(total))
	m.handles.WithLabelValues("bound").Set(float64(bound))
	m.handles.WithLabelValues("in_use").Set(float64(inUse))
}

// ObserveAcquire records how long a successful Acquire waited.
func (m *Metrics) ObserveAcquire(wait time.Duration) {
	if m == nil {
		return
	}
	m.acquireWait.Observe(wait.Seconds())
}

// AcquireFailed counts a failed Acquire.
func (m *Metrics) AcquireFailed(reason string) {
	if m == nil {
		return
	}
	m.acquireFailures.WithLabelValues(reason).Inc()
}

// HandleAbandoned counts a reclaimed handle.
func (m *Metrics) HandleAbandoned() {
	if m == nil {
		return
	}
	m.abandoned.Inc()
}

// CacheLookup counts one lookup of kind with the given result.
func (m *Metrics) CacheLookup(kind, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(kind, result).Inc()
}

// ObservePrefetch records one background caching run.
func (m *Metrics) ObservePrefetch(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.prefetchDuration.Observe(d.Seconds())
	if failed {
		m.prefetchFailures.Inc()
	}
}

// CachePruned counts rows removed by age.
func (m *Metrics) CachePruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.cachePruned.Add(float64(n))
}

package persistence

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StoreMetrics instruments save-store operations. A nil *StoreMetrics is
// valid and records nothing.
type StoreMetrics struct {
	opsTotal   *prometheus.CounterVec
	opDuration *prometheus.HistogramVec
	cacheHits  prometheus.Counter
	cacheMiss  prometheus.Counter
}

// NewStoreMetrics creates save-store instrumentation registered with reg.
func NewStoreMetrics(reg prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{
		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noirdesk",
			Subsystem: "savestore",
			Name:      "operations_total",
			Help:      "Save-store operations, by op and outcome.",
		}, []string{"op", "outcome"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "noirdesk",
			Subsystem: "savestore",
			Name:      "operation_duration_seconds",
			Help:      "Save-store operation latency, by op.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noirdesk",
			Subsystem: "savestore",
			Name:      "cache_hits_total",
			Help:      "Loads served from the in-memory read cache.",
		}),
		cacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noirdesk",
			Subsystem: "savestore",
			Name:      "cache_misses_total",
			Help:      "Loads that fell through to the backing store.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.opsTotal, m.opDuration, m.cacheHits, m.cacheMiss)
	}
	return m
}

func (m *StoreMetrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.opsTotal.WithLabelValues(op, outcome).Inc()
	m.opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *StoreMetrics) cacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *StoreMetrics) cacheMissed() {
	if m == nil {
		return
	}
	m.cacheMiss.Inc()
}

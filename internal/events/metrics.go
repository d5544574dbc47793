package events

import (
	"reflect"

	"github.com/prometheus/client_golang/prometheus"
)

// BusMetrics instruments bus traffic. A nil *BusMetrics is valid and
// records nothing, so tests can construct buses without a registry.
type BusMetrics struct {
	publishedTotal     *prometheus.CounterVec
	deliveredTotal     *prometheus.CounterVec
	queuedTotal        prometheus.Counter
	droppedTotal       prometheus.Counter
	handlerErrorsTotal *prometheus.CounterVec
}

// NewBusMetrics creates bus counters and registers them with reg.
func NewBusMetrics(reg prometheus.Registerer) *BusMetrics {
	m := &BusMetrics{
		publishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noirdesk",
			Subsystem: "eventbus",
			Name:      "published_total",
			Help:      "Events published, by event type.",
		}, []string{"event_type"}),
		deliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noirdesk",
			Subsystem: "eventbus",
			Name:      "delivered_total",
			Help:      "Handler invocations completed, by event type.",
		}, []string{"event_type"}),
		queuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noirdesk",
			Subsystem: "eventbus",
			Name:      "queued_total",
			Help:      "Events enqueued before the bus was ready.",
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noirdesk",
			Subsystem: "eventbus",
			Name:      "dropped_total",
			Help:      "Events dropped because the pre-ready queue was full.",
		}),
		handlerErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noirdesk",
			Subsystem: "eventbus",
			Name:      "handler_errors_total",
			Help:      "Handler panics recovered during dispatch, by event type.",
		}, []string{"event_type"}),
	}
	if reg != nil {
		reg.MustRegister(m.publishedTotal, m.deliveredTotal, m.queuedTotal,
			m.droppedTotal, m.handlerErrorsTotal)
	}
	return m
}

func eventTypeName(event any) string {
	return reflect.TypeOf(event).String()
}

func (m *BusMetrics) published(event any) {
	if m == nil {
		return
	}
	m.publishedTotal.WithLabelValues(eventTypeName(event)).Inc()
}

func (m *BusMetrics) delivered(event any) {
	if m == nil {
		return
	}
	m.deliveredTotal.WithLabelValues(eventTypeName(event)).Inc()
}

func (m *BusMetrics) queued() {
	if m == nil {
		return
	}
	m.queuedTotal.Inc()
}

func (m *BusMetrics) dropped() {
	if m == nil {
		return
	}
	m.droppedTotal.Inc()
}

func (m *BusMetrics) handlerError(event any) {
	if m == nil {
		return
	}
	m.handlerErrorsTotal.WithLabelValues(eventTypeName(event)).Inc()
}

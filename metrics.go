package acqengine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// engineMetrics holds the engine's Prometheus collectors. With a nil
// registerer every observation is a no-op, so the hot paths never branch on
// whether metrics are enabled.
type engineMetrics struct {
	enabled                bool
	eventsExecuted         prometheus.Counter
	eventFailures          prometheus.Counter
	notificationsPublished prometheus.Counter
	dataStored             prometheus.Counter
	eventsPending          *prometheus.GaugeVec
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{}
	if reg == nil {
		return m
	}
	m.enabled = true
	m.eventsExecuted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "acqengine",
		Name:      "events_executed_total",
		Help:      "Events that completed execution, successfully or not.",
	})
	m.eventFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "acqengine",
		Name:      "event_failures_total",
		Help:      "Events that terminated with an error after exhausting retries.",
	})
	m.notificationsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "acqengine",
		Name:      "notifications_published_total",
		Help:      "Notifications enqueued on the engine bus.",
	})
	m.dataStored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "acqengine",
		Name:      "data_stored_total",
		Help:      "Data handed off to a storage backend.",
	})
	m.eventsPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "acqengine",
		Name:      "events_pending",
		Help:      "Events submitted to a worker and not yet finalized.",
	}, []string{"worker"})
	reg.MustRegister(m.eventsExecuted, m.eventFailures, m.notificationsPublished, m.dataStored, m.eventsPending)
	return m
}

func (m *engineMetrics) observeSubmitted(worker string) {
	if !m.enabled {
		return
	}
	m.eventsPending.WithLabelValues(worker).Inc()
}

func (m *engineMetrics) observeEventExecuted(err error) {
	if !m.enabled {
		return
	}
	m.eventsExecuted.Inc()
	if err != nil {
		m.eventFailures.Inc()
	}
}

func (m *engineMetrics) observeFinalized(worker string) {
	if !m.enabled {
		return
	}
	m.eventsPending.WithLabelValues(worker).Dec()
}

func (m *engineMetrics) observeNotificationPublished() {
	if !m.enabled {
		return
	}
	m.notificationsPublished.Inc()
}

func (m *engineMetrics) observeDataStored() {
	if !m.enabled {
		return
	}
	m.dataStored.Inc()
}

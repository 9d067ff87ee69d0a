// Package metrics exposes prometheus collectors for the sync client.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// Metrics implements chat.Recorder on top of prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	eventsDispatched  *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	fallbacks         prometheus.Counter
	healthy           prometheus.Gauge
	queryDuration     *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Events dispatched through the router, by type.",
		}, []string{"type"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Websocket reconnect attempts.",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_fallbacks_total",
			Help:      "Switches from the websocket to the long-poll transport.",
		}),
		healthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_healthy",
			Help:      "1 while the connection is healthy.",
		}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Query API round trip latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}

	m.registry.MustRegister(
		m.eventsDispatched,
		m.reconnectAttempts,
		m.fallbacks,
		m.healthy,
		m.queryDuration,
	)

	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventDispatched(eventType string) {
	m.eventsDispatched.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ReconnectAttempt() {
	m.reconnectAttempts.Inc()
}

func (m *Metrics) TransportFallback() {
	m.fallbacks.Inc()
}

func (m *Metrics) ConnectionHealthy(healthy bool) {
	if healthy {
		m.healthy.Set(1)
		return
	}

	m.healthy.Set(0)
}

func (m *Metrics) QueryObserved(op string, d time.Duration) {
	m.queryDuration.WithLabelValues(op).Observe(d.Seconds())
}

package trickle

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "trickle"

// Metrics exposes server counters as Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connections  prometheus.Counter
	active       prometheus.Gauge
	bytesSent    prometheus.Counter
	chunksSent   prometheus.Counter
	writeErrors  prometheus.Counter
	sendFailures prometheus.Counter
	queued       prometheus.Gauge
	panics       prometheus.Counter
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "connections_total",
			Help: "Accepted client connections.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "connections_active",
			Help: "Connections currently being served by a worker.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "bytes_sent_total",
			Help: "Payload bytes written to clients.",
		}),
		chunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "chunks_sent_total",
			Help: "Chunks written and flushed.",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "write_errors_total",
			Help: "Chunk writes that failed and were skipped.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "send_failures_total",
			Help: "Connections whose send loop ended with an error.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "pool_queued",
			Help: "Connections waiting for a free worker.",
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "task_panics_total",
			Help: "Tasks that panicked inside a worker.",
		}),
	}
	reg.MustRegister(
		m.connections, m.active, m.bytesSent, m.chunksSent,
		m.writeErrors, m.sendFailures, m.queued, m.panics,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) connAccepted() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connStarted() {
	if m != nil {
		m.active.Inc()
	}
}

func (m *Metrics) connFinished(failed bool) {
	if m == nil {
		return
	}
	m.active.Dec()
	if failed {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) addBytes(n int) {
	if m != nil && n > 0 {
		m.bytesSent.Add(float64(n))
	}
}

func (m *Metrics) chunkSent() {
	if m != nil {
		m.chunksSent.Inc()
	}
}

func (m *Metrics) writeError() {
	if m != nil {
		m.writeErrors.Inc()
	}
}

func (m *Metrics) setQueued(n int) {
	if m != nil {
		m.queued.Set(float64(n))
	}
}

func (m *Metrics) taskPanic() {
	if m != nil {
		m.panics.Inc()
	}
}

// Package metrics exposes discovery and registry counters in Prometheus format.
//
// All recording methods are safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "netwatch"

// Metrics holds the collectors of one manager process on a private registry
type Metrics struct {
	registry *prometheus.Registry

	datagramsSent     *prometheus.CounterVec
	sendErrors        *prometheus.CounterVec
	datagramsReceived prometheus.Counter
	decodeErrors      prometheus.Counter
	responsesLagged   prometheus.Counter
	commandsDropped   prometheus.Counter
	nodeEvents        *prometheus.CounterVec
	sinkErrors        *prometheus.CounterVec
}

// New registers all collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		datagramsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "datagrams_sent_total",
			Help:      "Requests sent by the discovery transport, by request kind.",
		}, []string{"kind"}),
		sendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "send_errors_total",
			Help:      "Requests the discovery transport failed to send, by request kind.",
		}, []string{"kind"}),
		datagramsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "datagrams_received_total",
			Help:      "Datagrams read by the discovery transport.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "decode_errors_total",
			Help:      "Datagrams discarded because they did not decode as a response.",
		}),
		responsesLagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "responses_lagged_total",
			Help:      "Responses the coordinator missed because its subscription fell behind.",
		}),
		commandsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "commands_dropped_total",
			Help:      "Discovery commands dropped because the command queue was full or closed.",
		}),
		nodeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "node_events_total",
			Help:      "Node lifecycle transitions, by event type.",
		}, []string{"type"}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "sink_errors_total",
			Help:      "Node events a sink failed to deliver, by sink.",
		}, []string{"sink"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.datagramsSent,
		m.sendErrors,
		m.datagramsReceived,
		m.decodeErrors,
		m.responsesLagged,
		m.commandsDropped,
		m.nodeEvents,
		m.sinkErrors,
	)
	return m
}

// TrackNodes registers a gauge reporting the value of count at scrape time
func (m *Metrics) TrackNodes(count func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "tracked_nodes",
		Help:      "Nodes currently held in the registry.",
	}, func() float64 { return float64(count()) }))
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RequestSent(kind string) {
	if m == nil {
		return
	}
	m.datagramsSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) SendFailed(kind string) {
	if m == nil {
		return
	}
	m.sendErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) DatagramReceived() {
	if m == nil {
		return
	}
	m.datagramsReceived.Inc()
}

func (m *Metrics) DecodeFailed() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// ResponsesLagged adds n missed responses
func (m *Metrics) ResponsesLagged(n uint64) {
	if m == nil {
		return
	}
	m.responsesLagged.Add(float64(n))
}

func (m *Metrics) CommandDropped() {
	if m == nil {
		return
	}
	m.commandsDropped.Inc()
}

func (m *Metrics) NodeEvent(eventType string) {
	if m == nil {
		return
	}
	m.nodeEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SinkFailed(sink string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(sink).Inc()
}

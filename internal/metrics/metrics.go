// Package metrics exposes the session's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshlink"

// Metrics bundles every collector on its own registry so several sessions
// (tests) never collide on registration.
type Metrics struct {
	Registry *prometheus.Registry

	FramesIn     prometheus.Counter
	FramesOut    prometheus.Counter
	DecodeErrors prometheus.Counter

	// Sends counts outbound messages by outcome: "sent" or "queued".
	Sends *prometheus.CounterVec
	// Resolutions counts tracked messages by result: "delivered", "error"
	// or "timeout".
	Resolutions *prometheus.CounterVec
	// Handshakes counts config handshakes by result: "started",
	// "committed", "incomplete" or "stale".
	Handshakes *prometheus.CounterVec
	// Dropped counts discarded units by reason.
	Dropped *prometheus.CounterVec

	NodesTotal      prometheus.Gauge
	NodesOnline     prometheus.Gauge
	ConnectionState prometheus.Gauge
	InFlight        prometheus.Gauge

	buildInfo *prometheus.GaugeVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		FramesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames received from the radio.",
		}),
		FramesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames handed to the transport.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Frames dropped because they could not be decoded.",
		}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound messages by outcome.",
		}, []string{"outcome"}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_resolutions_total",
			Help:      "Tracked outbound messages resolved, by result.",
		}, []string{"result"}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Config handshakes by result.",
		}, []string{"result"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Packets or records discarded, by reason.",
		}, []string{"reason"}),
		NodesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Nodes in the node database.",
		}),
		NodesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_online",
			Help:      "Nodes heard within the online window.",
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "0 disconnected, 1 connected, 2 sleeping.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "messages_in_flight",
			Help:      "Messages in the sent-packet tracker.",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and commit).",
		}, []string{"version", "commit"}),
	}

	start := time.Now()
	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Process uptime in seconds.",
	}, func() float64 { return time.Since(start).Seconds() })

	m.Registry.MustRegister(
		m.FramesIn, m.FramesOut, m.DecodeErrors,
		m.Sends, m.Resolutions, m.Handshakes, m.Dropped,
		m.NodesTotal, m.NodesOnline, m.ConnectionState, m.InFlight,
		m.buildInfo, uptime,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes /metrics for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func (m *Metrics) SetBuildInfo(version, commit string) {
	m.buildInfo.WithLabelValues(version, commit).Set(1)
}

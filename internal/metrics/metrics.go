// Package metrics exposes prometheus counters for the sync core. A nil
// *Metrics is valid and records nothing, so components work without it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "craftworks_chat"

type Metrics struct {
	registry *prometheus.Registry

	decisions       *prometheus.CounterVec
	summaryPatches  prometheus.Counter
	droppedPayloads *prometheus.CounterVec
	sendFailures    *prometheus.CounterVec
	reconnects      prometheus.Counter
	connected       prometheus.Gauge
	typingActive    prometheus.Gauge
	rpcs            *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_decisions_total",
			Help:      "Incoming messages by reconciliation outcome.",
		}, []string{"action"}),
		summaryPatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_patches_total",
			Help:      "Messages applied to a non-active conversation summary.",
		}),
		droppedPayloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_payloads_total",
			Help:      "Malformed payloads dropped by the normalizer.",
		}, []string{"kind"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Sends that failed, by reason.",
		}, []string{"reason"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_reconnects_total",
			Help:      "Real-time channel reconnect attempts.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_connected",
			Help:      "1 while the real-time channel is connected.",
		}),
		typingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "typing_signals_active",
			Help:      "Unexpired remote typing signals.",
		}),
		rpcs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Handled gRPC calls by method and status code.",
		}, []string{"method", "code"}),
	}
	m.registry.MustRegister(
		m.decisions,
		m.summaryPatches,
		m.droppedPayloads,
		m.sendFailures,
		m.reconnects,
		m.connected,
		m.typingActive,
		m.rpcs,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveDecision(action string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveSummaryPatch() {
	if m == nil {
		return
	}
	m.summaryPatches.Inc()
}

func (m *Metrics) ObserveDropped(kind string) {
	if m == nil {
		return
	}
	m.droppedPayloads.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveSendFailure(reason string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) SetTypingActive(n int) {
	if m == nil {
		return
	}
	m.typingActive.Set(float64(n))
}

func (m *Metrics) ObserveRPC(method, code string) {
	if m == nil {
		return
	}
	m.rpcs.WithLabelValues(method, code).Inc()
}

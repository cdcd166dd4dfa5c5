// Package metrics exposes Prometheus metrics for the mirror pipeline.
//
// A nil *Metrics is valid and records nothing, so components can take one
// optionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "http_mirror"

// Relay outcomes.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeDropped = "dropped"
)

// Metrics holds the mirror's collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	envelopes     *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	truncated     *prometheus.CounterVec
	relays        *prometheus.CounterVec
	relayDuration *prometheus.HistogramVec
	payloadBytes  *prometheus.HistogramVec
	inFlight      prometheus.Gauge
	flows         prometheus.Counter
}

// New creates the metrics and registers them with registry. A nil registry
// gets a fresh one with the Go and process collectors.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		registry: registry,
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_built_total",
			Help:      "Envelopes built and handed to the relay.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_dropped_total",
			Help:      "Envelopes abandoned before or during relay.",
		}, []string{"kind", "reason"}),
		truncated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bodies_truncated_total",
			Help:      "Captured bodies cut at the configured maximum size.",
		}, []string{"kind"}),
		relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relays_total",
			Help:      "Relay attempts to the collector by outcome.",
		}, []string{"kind", "outcome"}),
		relayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_duration_seconds",
			Help:      "Time from dialing the collector to the end of its reply.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"kind"}),
		payloadBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payload_bytes",
			Help:      "Size of relayed envelope payloads.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 9), // 256B to 16MB
		}, []string{"kind"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relays_in_flight",
			Help:      "Relays currently running.",
		}),
		flows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_total",
			Help:      "Exchanges proxied.",
		}),
	}

	registry.MustRegister(
		m.envelopes,
		m.dropped,
		m.truncated,
		m.relays,
		m.relayDuration,
		m.payloadBytes,
		m.inFlight,
		m.flows,
	)
	return m
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// FlowProxied counts one proxied exchange.
func (m *Metrics) FlowProxied() {
	if m == nil {
		return
	}
	m.flows.Inc()
}

// EnvelopeBuilt counts an envelope handed to the relay.
func (m *Metrics) EnvelopeBuilt(kind string, truncated bool) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(kind).Inc()
	if truncated {
		m.truncated.WithLabelValues(kind).Inc()
	}
}

// EnvelopeDropped counts an envelope abandoned for reason.
func (m *Metrics) EnvelopeDropped(kind, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(kind, reason).Inc()
}

// RelayStarted marks a relay as in flight.
func (m *Metrics) RelayStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// RelayFinished records a relay that was started with RelayStarted.
func (m *Metrics) RelayFinished(kind, outcome string, d time.Duration, payload int) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.relays.WithLabelValues(kind, outcome).Inc()
	m.relayDuration.WithLabelValues(kind).Observe(d.Seconds())
	m.payloadBytes.WithLabelValues(kind).Observe(float64(payload))
}

// RelayDropped records a relay that never started.
func (m *Metrics) RelayDropped(kind, reason string) {
	if m == nil {
		return
	}
	m.relays.WithLabelValues(kind, OutcomeDropped).Inc()
	m.dropped.WithLabelValues(kind, reason).Inc()
}

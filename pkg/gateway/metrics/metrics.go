// Package metrics exposes the service's Prometheus collectors. Every recorder
// is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the voice bridge.
type Metrics struct {
	registry *prometheus.Registry

	// Call metrics
	CallsActive   prometheus.Gauge
	CallsTotal    *prometheus.CounterVec
	CallDuration  *prometheus.HistogramVec
	AudioBytes    *prometheus.CounterVec
	InjectedTotal *prometheus.CounterVec
	TimerFires    *prometheus.CounterVec

	// Completion proxy metrics
	ProxyRequests *prometheus.CounterVec

	// Post-call metrics
	PostCallFailures *prometheus.CounterVec
}

// New creates a Metrics instance with all collectors registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "deepclaw"
	}

	registry := prometheus.NewRegistry()

	callsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of calls currently bridged",
		},
	)

	callsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of bridged calls",
		},
		[]string{"direction", "outcome"},
	)

	callDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Call duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"direction"},
	)

	audioBytes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total audio bytes relayed",
		},
		[]string{"direction"},
	)

	injectedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "injected_messages_total",
			Help:      "Messages injected into live calls",
		},
		[]string{"source"},
	)

	timerFires := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timer_fires_total",
			Help:      "Engagement timers that fired",
		},
		[]string{"kind"},
	)

	proxyRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_requests_total",
			Help:      "Chat completion proxy requests by outcome",
		},
		[]string{"outcome"},
	)

	postCallFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "post_call_failures_total",
			Help:      "Post-call tasks that failed",
		},
		[]string{"task"},
	)

	registry.MustRegister(
		callsActive,
		callsTotal,
		callDuration,
		audioBytes,
		injectedTotal,
		timerFires,
		proxyRequests,
		postCallFailures,
	)

	return &Metrics{
		registry:         registry,
		CallsActive:      callsActive,
		CallsTotal:       callsTotal,
		CallDuration:     callDuration,
		AudioBytes:       audioBytes,
		InjectedTotal:    injectedTotal,
		TimerFires:       timerFires,
		ProxyRequests:    proxyRequests,
		PostCallFailures: postCallFailures,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordCallStart() {
	if m == nil {
		return
	}
	m.CallsActive.Inc()
}

func (m *Metrics) RecordCallEnd(direction, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallsActive.Dec()
	m.CallsTotal.WithLabelValues(direction, outcome).Inc()
	m.CallDuration.WithLabelValues(direction).Observe(duration.Seconds())
}

// RecordCallRejected counts a call that never reached the agent.
func (m *Metrics) RecordCallRejected(direction, outcome string) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(direction, outcome).Inc()
}

func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytes.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) RecordInjected(source string) {
	if m == nil {
		return
	}
	m.InjectedTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordTimerFire(kind string) {
	if m == nil {
		return
	}
	m.TimerFires.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordProxyRequest(outcome string) {
	if m == nil {
		return
	}
	m.ProxyRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordPostCallFailure(task string) {
	if m == nil {
		return
	}
	m.PostCallFailures.WithLabelValues(task).Inc()
}

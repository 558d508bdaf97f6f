// Package metrics holds the gateway's Prometheus collectors. All Record
// methods are safe on a nil *Metrics, which disables collection.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal    *prometheus.CounterVec
	TurnDuration  *prometheus.HistogramVec
	UpstreamTotal *prometheus.CounterVec

	StreamsActive  prometheus.Gauge
	StreamsTotal   *prometheus.CounterVec
	StreamDuration prometheus.Histogram
	FramesTotal    *prometheus.CounterVec
	AudioBytes     *prometheus.CounterVec

	SessionsActive prometheus.GaugeFunc
}

// New registers all collectors on a private registry. sessions, if non-nil,
// reports the registry size at scrape time.
func New(namespace string, sessions func() int) *Metrics {
	if namespace == "" {
		namespace = "call_gateway"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversational turns handled, by outcome",
		}, []string{"outcome"}),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time from speech result to directive",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}, []string{"outcome"}),
		UpstreamTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Calls to external services, by service and status",
		}, []string{"service", "status"}),
		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Media bridges currently running",
		}),
		StreamsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Media bridges finished, by transport and how they ended",
		}, []string{"transport", "status"}),
		StreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Media bridge lifetime",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames relayed by media bridges",
		}, []string{"direction", "kind"}),
		AudioBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio payload bytes relayed by media bridges",
		}, []string{"direction"}),
	}
	registry.MustRegister(
		m.TurnsTotal,
		m.TurnDuration,
		m.UpstreamTotal,
		m.StreamsActive,
		m.StreamsTotal,
		m.StreamDuration,
		m.FramesTotal,
		m.AudioBytes,
	)
	if sessions != nil {
		m.SessionsActive = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Calls known to the session registry",
		}, func() float64 { return float64(sessions()) })
		registry.MustRegister(m.SessionsActive)
	}
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordTurn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) RecordUpstream(service string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.UpstreamTotal.WithLabelValues(service, status).Inc()
}

func (m *Metrics) RecordStreamStart() {
	if m == nil {
		return
	}
	m.StreamsActive.Inc()
}

func (m *Metrics) RecordStreamEnd(transport, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.StreamsActive.Dec()
	m.StreamsTotal.WithLabelValues(transport, status).Inc()
	m.StreamDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordFrame(direction, kind string, payloadBytes int) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(direction, kind).Inc()
	if payloadBytes > 0 {
		m.AudioBytes.WithLabelValues(direction).Add(float64(payloadBytes))
	}
}

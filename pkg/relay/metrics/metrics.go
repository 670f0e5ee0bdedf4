// Package metrics exposes the relay's Prometheus instrumentation on a
// private registry so the /metrics endpoint carries only our series.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	OverridesTotal       *prometheus.CounterVec
	DuplicatesSuppressed prometheus.Counter
	SessionsReaped       prometheus.Counter

	AudioBytesTotal *prometheus.CounterVec
	LookupDuration  prometheus.Histogram
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voice_relay"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of live voice sessions currently open",
	})

	sessionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Total voice sessions by terminal status",
	}, []string{"status"})

	sessionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Voice session duration in seconds",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	overridesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "overrides_applied_total",
		Help:      "Authoritative answer overrides applied, by trigger path",
	}, []string{"path"})

	duplicatesSuppressed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicates_suppressed_total",
		Help:      "Assistant messages dropped by transcript deduplication",
	})

	sessionsReaped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_reaped_total",
		Help:      "Sessions force-terminated by the idle reaper",
	})

	audioBytesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_bytes_total",
		Help:      "Audio bytes relayed, by direction",
	}, []string{"direction"})

	lookupDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "lookup_duration_seconds",
		Help:      "Authoritative lookup latency in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.3, 0.5, 1, 2, 5},
	})

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		overridesTotal,
		duplicatesSuppressed,
		sessionsReaped,
		audioBytesTotal,
		lookupDuration,
	)

	return &Metrics{
		registry:             registry,
		SessionsActive:       sessionsActive,
		SessionsTotal:        sessionsTotal,
		SessionDuration:      sessionDuration,
		OverridesTotal:       overridesTotal,
		DuplicatesSuppressed: duplicatesSuppressed,
		SessionsReaped:       sessionsReaped,
		AudioBytesTotal:      audioBytesTotal,
		LookupDuration:       lookupDuration,
	}
}

// Handler serves the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) RecordSessionEnd(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordOverride(path string) {
	if m == nil {
		return
	}
	m.OverridesTotal.WithLabelValues(path).Inc()
}

func (m *Metrics) RecordDuplicateSuppressed() {
	if m == nil {
		return
	}
	m.DuplicatesSuppressed.Inc()
}

func (m *Metrics) RecordReap() {
	if m == nil {
		return
	}
	m.SessionsReaped.Inc()
}

func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) ObserveLookup(d time.Duration) {
	if m == nil {
		return
	}
	m.LookupDuration.Observe(d.Seconds())
}

// Package telemetry holds the Prometheus metrics of a readaloud run.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "readaloud"

// Metrics holds all Prometheus metrics for one run. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ChunksTotal       *prometheus.CounterVec
	AttemptsTotal     *prometheus.CounterVec
	SynthesisDuration *prometheus.HistogramVec
	MergeTotal        *prometheus.CounterVec
	PlaybackGaps      prometheus.Counter
}

// NewMetrics creates a Metrics instance registered on its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ChunksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_total",
				Help:      "Total number of chunks resolved, by final status",
			},
			[]string{"status"}, // status: succeeded, failed
		),
		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "synthesis_attempts_total",
				Help:      "Total number of synthesis backend calls",
			},
			[]string{"backend", "result"}, // result: success, transient, permanent
		),
		SynthesisDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "synthesis_duration_seconds",
				Help:      "Duration of synthesis backend calls in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"backend"},
		),
		MergeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merge_total",
				Help:      "Total number of merge strategy attempts",
			},
			[]string{"strategy", "result"}, // result: success, error
		),
		PlaybackGaps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "playback_gaps_total",
				Help:      "Chunks skipped during streaming playback",
			},
		),
	}

	registry.MustRegister(m.ChunksTotal, m.AttemptsTotal, m.SynthesisDuration, m.MergeTotal, m.PlaybackGaps)
	return m
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveChunk(succeeded bool) {
	if m == nil {
		return
	}
	m.ChunksTotal.WithLabelValues(statusLabel(succeeded, "succeeded", "failed")).Inc()
}

func (m *Metrics) ObserveAttempt(backend, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(backend, result).Inc()
	m.SynthesisDuration.WithLabelValues(backend).Observe(d.Seconds())
}

func (m *Metrics) ObserveMerge(strategy string, err error) {
	if m == nil {
		return
	}
	m.MergeTotal.WithLabelValues(strategy, statusLabel(err == nil, "success", "error")).Inc()
}

func (m *Metrics) ObserveGap() {
	if m == nil {
		return
	}
	m.PlaybackGaps.Inc()
}

// WriteTextfile dumps the metrics in the text exposition format, for the
// node exporter textfile collector or a post-run inspection.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

func statusLabel(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

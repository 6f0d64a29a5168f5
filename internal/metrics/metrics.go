// Package metrics exposes engine and recognition counters to Prometheus.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ocrkit"

// Recorder owns a private registry so several can coexist in one process.
type Recorder struct {
	registry *prometheus.Registry

	recognitions    *prometheus.CounterVec
	latency         prometheus.Histogram
	tokens          prometheus.Histogram
	stopReasons     *prometheus.CounterVec
	initializations *prometheus.CounterVec
	activeClients   prometheus.Gauge
}

// New builds a recorder with Go runtime and process collectors attached.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		recognitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognitions_total",
			Help:      "Recognition requests by outcome.",
		}, []string{"outcome"}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recognition_duration_seconds",
			Help:      "End-to-end recognition latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		tokens: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generated_tokens",
			Help:      "Tokens per recognition, start token included.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 300},
		}),
		stopReasons: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_stops_total",
			Help:      "Decode loop terminations by reason.",
		}, []string{"reason"}),
		initializations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_initializations_total",
			Help:      "Engine initializations by encoder/decoder backend and outcome.",
		}, []string{"encoder", "decoder", "outcome"}),
		activeClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_clients",
			Help:      "Callers currently holding the shared engine.",
		}),
	}
}

// Recognition records one finished recognition.
func (r *Recorder) Recognition(outcome, stop string, tokens int, d time.Duration) {
	if r == nil {
		return
	}
	r.recognitions.WithLabelValues(outcome).Inc()
	r.latency.Observe(d.Seconds())
	if outcome == "ok" || tokens > 0 {
		r.tokens.Observe(float64(tokens))
	}
	if stop != "" {
		r.stopReasons.WithLabelValues(stop).Inc()
	}
}

// Initialization records an engine initialization attempt.
func (r *Recorder) Initialization(encoder, decoder, outcome string) {
	if r == nil {
		return
	}
	r.initializations.WithLabelValues(encoder, decoder, outcome).Inc()
}

// ActiveClients sets the shared-engine client gauge.
func (r *Recorder) ActiveClients(n int) {
	if r == nil {
		return
	}
	r.activeClients.Set(float64(n))
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the recorder in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collaboration collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	stageDuration *prometheus.HistogramVec
	reviews       *prometheus.CounterVec
	qualityGate   *prometheus.CounterVec
	runs          *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	llmCalls      *prometheus.CounterVec
	llmLatency    *prometheus.HistogramVec
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "council_stage_duration_seconds",
			Help:    "Duration of pipeline stage attempts",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"role", "status"}),
		reviews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_reviews_total",
			Help: "Review records sealed by the fan-out, by outcome",
		}, []string{"outcome"}),
		qualityGate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_quality_gate_total",
			Help: "Quality gate verdicts",
		}, []string{"result"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_runs_total",
			Help: "Runs reaching a terminal or paused state",
		}, []string{"outcome"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_conflicts_total",
			Help: "Conflict groups resolved by the arbiter",
		}, []string{"type"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_llm_calls_total",
			Help: "Model calls by backend and result kind",
		}, []string{"backend", "kind"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "council_llm_call_seconds",
			Help:    "Model call latency",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"backend"}),
	}
	reg.MustRegister(
		m.stageDuration, m.reviews, m.qualityGate, m.runs, m.conflicts, m.llmCalls, m.llmLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process wide metrics set.
func Default() *Metrics {
	defaultOnce.Do(func() { defaultMetrics = NewMetrics() })
	return defaultMetrics
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveStage(role, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(role, status).Observe(d.Seconds())
}

func (m *Metrics) CountReview(outcome string) {
	if m == nil {
		return
	}
	m.reviews.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CountGate(result string) {
	if m == nil {
		return
	}
	m.qualityGate.WithLabelValues(result).Inc()
}

func (m *Metrics) CountRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CountConflict(kind string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(kind).Inc()
}

// ObserveCall records one model call; kind is empty on success.
func (m *Metrics) ObserveCall(backend, kind string, d time.Duration) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "ok"
	}
	m.llmCalls.WithLabelValues(backend, kind).Inc()
	m.llmLatency.WithLabelValues(backend).Observe(d.Seconds())
}

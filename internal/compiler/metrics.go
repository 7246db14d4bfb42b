package compiler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the compiler's Prometheus instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	compilations *prometheus.CounterVec
	diagnostics  *prometheus.CounterVec
	stages       prometheus.Histogram
	nodes        *prometheus.HistogramVec
}

// NewMetrics registers the compiler instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		compilations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowc_compilations_total",
			Help: "Compilations by outcome (ok, failed).",
		}, []string{"outcome"}),
		diagnostics: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowc_diagnostics_total",
			Help: "Diagnostics emitted, by kind.",
		}, []string{"kind"}),
		stages: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowc_plan_stages",
			Help:    "Number of stages in successful plans.",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		}),
		nodes: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowc_pass_nodes",
			Help:    "Live node count after each pass.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"pass"}),
	}
}

func (m *Metrics) observePass(pass string, nodes int) {
	if m == nil {
		return
	}
	m.nodes.WithLabelValues(pass).Observe(float64(nodes))
}

func (m *Metrics) observeResult(r *Result) {
	if m == nil {
		return
	}
	for _, d := range r.Diagnostics {
		m.diagnostics.WithLabelValues(string(d.Kind)).Inc()
	}
	if r.Failed {
		m.compilations.WithLabelValues("failed").Inc()
		return
	}
	m.compilations.WithLabelValues("ok").Inc()
	m.stages.Observe(float64(len(r.Plan.Stages.Stages)))
}

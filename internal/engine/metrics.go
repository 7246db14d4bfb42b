package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's Prometheus instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	runs    *prometheus.CounterVec
	records *prometheus.CounterVec
	stages  *prometheus.HistogramVec
}

// NewMetrics registers the engine instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowc_runs_total",
			Help: "Plan executions by outcome (ok, failed).",
		}, []string{"outcome"}),
		records: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowc_run_records_total",
			Help: "Records read from external inputs and written to external outputs.",
		}, []string{"direction"}),
		stages: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowc_stage_duration_seconds",
			Help:    "Wall time of each executed stage, by whether it shuffles.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"shuffle"}),
	}
}

func (m *Metrics) observeStage(shuffled bool, d time.Duration) {
	if m == nil {
		return
	}
	label := "false"
	if shuffled {
		label = "true"
	}
	m.stages.WithLabelValues(label).Observe(d.Seconds())
}

func (m *Metrics) observeRun(res *Result, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.runs.WithLabelValues("failed").Inc()
		return
	}
	m.runs.WithLabelValues("ok").Inc()
	m.records.WithLabelValues("in").Add(float64(res.RecordsIn))
	m.records.WithLabelValues("out").Add(float64(res.RecordsOut))
}

package run

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/useir/internal/seir"
)

// Metrics holds Prometheus metrics for the run subsystem.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	RunSteps        prometheus.Histogram
	Subcompartments *prometheus.HistogramVec
	SubmitsTotal    *prometheus.CounterVec
	RunsInFlight    prometheus.Gauge
}

// NewMetrics registers and returns run metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "useir_runs_total",
			Help: "Total simulation runs by outcome.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "useir_run_duration_seconds",
			Help:    "Wall-clock duration of simulation runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms .. ~33s
		}, []string{"status"}),
		RunSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "useir_run_steps",
			Help:    "Rows produced per simulation run.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 14), // 10 .. ~82k
		}),
		Subcompartments: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "useir_subcompartments",
			Help:    "Discretized sub-compartments per stage.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1 .. 8192
		}, []string{"stage"}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "useir_submits_total",
			Help: "Total run submissions by result.",
		}, []string{"result"}),
		RunsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "useir_runs_in_flight",
			Help: "Simulations currently executing.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunSteps,
		m.Subcompartments,
		m.SubmitsTotal,
		m.RunsInFlight,
	)

	return m
}

// Hooks returns an EngineHooks that feeds the corresponding metrics.
func (m *Metrics) Hooks() seir.EngineHooks {
	return seir.EngineHooks{
		OnDiscretize: func(stage string, n int, _ float64) {
			m.Subcompartments.WithLabelValues(stage).Observe(float64(n))
		},
		OnComplete: func(e *seir.CompleteEvent) {
			m.RunsTotal.WithLabelValues(string(e.Outcome)).Inc()
			m.RunDuration.WithLabelValues(string(e.Outcome)).Observe(e.Duration)
			m.RunSteps.Observe(float64(e.Steps))
		},
	}
}

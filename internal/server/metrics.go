package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "implicitfit",
		Name:      "evaluations_total",
		Help:      "Grey-box evaluations by problem and final status.",
	}, []string{"problem", "status"})

	evaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "implicitfit",
		Name:      "evaluation_duration_seconds",
		Help:      "Wall-clock time from SetInputs to the last derivative query.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"problem"})

	solverIterations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "implicitfit",
		Name:      "solver_iterations",
		Help:      "Nested-solve iterations per evaluation.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"problem", "solver"})

	activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "implicitfit",
		Name:      "active_jobs",
		Help:      "Jobs currently running.",
	})
)

// recordEvaluation counts one finished evaluation and observes its duration.
func recordEvaluation(problem, status string, elapsed time.Duration) {
	evaluationsTotal.WithLabelValues(problem, status).Inc()
	evaluationDuration.WithLabelValues(problem).Observe(elapsed.Seconds())
}

// recordIterations observes the nested-solve iteration count.
func recordIterations(problem, solver string, n int) {
	solverIterations.WithLabelValues(problem, solver).Observe(float64(n))
}

func jobStarted()  { activeJobs.Inc() }
func jobFinished() { activeJobs.Dec() }

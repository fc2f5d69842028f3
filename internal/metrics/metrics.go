package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transitions counts applied schedule status transitions by target status.
var Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tutorattend_transitions_total",
	Help: "Schedule status transitions applied, labeled by target status.",
}, []string{"to"})

// SweepRuns counts completed automatic attendance sweeps.
var SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tutorattend_sweep_runs_total",
	Help: "Automatic attendance sweeps completed.",
})

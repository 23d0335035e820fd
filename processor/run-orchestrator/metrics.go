package runorchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the orchestrator, registered on the default
// registerer and served by the metrics endpoint in cmd/phaseline.
var (
	runsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "phaseline",
		Subsystem: "orchestrator",
		Name:      "runs_started_total",
		Help:      "Workflow runs started.",
	})

	commandsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phaseline",
		Subsystem: "orchestrator",
		Name:      "commands_processed_total",
		Help:      "Command messages consumed, by kind and outcome.",
	}, []string{"kind", "outcome"})

	taskResultsReported = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phaseline",
		Subsystem: "orchestrator",
		Name:      "task_results_total",
		Help:      "Task results applied, by success flag.",
	}, []string{"success"})

	gateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phaseline",
		Subsystem: "orchestrator",
		Name:      "gate_decisions_total",
		Help:      "Gate decisions applied, by verdict.",
	}, []string{"verdict"})

	commandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "phaseline",
		Subsystem: "orchestrator",
		Name:      "command_duration_seconds",
		Help:      "Time spent applying one command message.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})
)

// Package metrics exposes Prometheus instruments for step scheduling and call lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Step outcome labels.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

var (
	stepStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callflow_step_starts_total",
		Help: "Interaction steps admitted and started, by step name",
	}, []string{"step"})

	stepOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callflow_step_outcomes_total",
		Help: "Interaction step settlements by step name and outcome",
	}, []string{"step", "outcome"}) // outcome=completed|cancelled|error

	stepConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callflow_step_conflicts_total",
		Help: "Step starts refused because a conflicting step was running",
	}, []string{"step", "peer"})

	callsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callflow_calls_ended_total",
		Help: "Calls ended by termination reason kind",
	}, []string{"reason"})

	callListReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callflow_calllist_reports_total",
		Help: "Call-list reports by kind and outcome",
	}, []string{"kind", "outcome"}) // kind=result|error, outcome=success|failure
)

// RecordStepStart counts an admitted step start.
func RecordStepStart(step string) {
	stepStarts.WithLabelValues(step).Inc()
}

// RecordStepOutcome counts a step settlement.
func RecordStepOutcome(step, outcome string) {
	stepOutcomes.WithLabelValues(step, outcome).Inc()
}

// RecordStepConflict counts a refused start.
func RecordStepConflict(step, peer string) {
	stepConflicts.WithLabelValues(step, peer).Inc()
}

// RecordCallEnded counts a finished call.
func RecordCallEnded(reason string) {
	callsEnded.WithLabelValues(reason).Inc()
}

// RecordCallListReport counts a call-list report attempt.
func RecordCallListReport(kind string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	callListReports.WithLabelValues(kind, outcome).Inc()
}

// Package metrics holds the Prometheus collectors of the session ledger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_ledger_mutations_total",
		Help: "Ledger mutations by operation and outcome",
	}, []string{"operation", "outcome"})

	WorkflowTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_ledger_workflow_transitions_total",
		Help: "Extension and refund state transitions by target state",
	}, []string{"kind", "to"})

	ConsistencyViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_ledger_consistency_violations_total",
		Help: "Balance invariant violations detected, by violation code",
	}, []string{"code"})

	RepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_ledger_repairs_total",
		Help: "Mapping repairs by result (fixed, unchanged, unrepairable, failed)",
	}, []string{"result"})

	RepairQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "session_ledger_repair_queue_depth",
		Help: "Mappings waiting for repair",
	})

	CollaboratorFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_ledger_collaborator_failures_total",
		Help: "Swallowed notification and ERP failures",
	}, []string{"collaborator", "operation"})

	ValidationRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "session_ledger_validation_rate",
		Help: "Percentage of valid mappings in the last full validation",
	})
)

// ObserveMutation records one ledger mutation.
func ObserveMutation(operation, outcome string) {
	LedgerMutationsTotal.WithLabelValues(operation, outcome).Inc()
}

// ObserveTransition records one workflow state change.
func ObserveTransition(kind, to string) {
	WorkflowTransitionsTotal.WithLabelValues(kind, to).Inc()
}

// ObserveViolation records one detected invariant violation.
func ObserveViolation(code string) {
	if code == "" {
		code = "unknown"
	}
	ConsistencyViolationsTotal.WithLabelValues(code).Inc()
}

// ObserveRepair records the result of one repair attempt.
func ObserveRepair(result string) {
	RepairsTotal.WithLabelValues(result).Inc()
}

// ObserveCollaboratorFailure records a logged-and-swallowed failure.
func ObserveCollaboratorFailure(collaborator, operation string) {
	CollaboratorFailuresTotal.WithLabelValues(collaborator, operation).Inc()
}

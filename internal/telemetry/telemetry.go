// Package telemetry exposes the engine's own operational counters via
// Prometheus.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReadingsTotal counts ingested readings by evaluation outcome.
	ReadingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_readings_total",
		Help: "Metric readings processed, labeled by evaluation outcome.",
	}, []string{"outcome"})

	// ValidationFailures counts readings rejected at the boundary.
	ValidationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetwatch_reading_validation_failures_total",
		Help: "Readings rejected as malformed.",
	})

	// AlertsCreated counts new alert records by severity.
	AlertsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_alerts_created_total",
		Help: "Alerts created, labeled by severity.",
	}, []string{"severity"})

	// AlertsEscalated counts in-place severity changes on open alerts.
	AlertsEscalated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetwatch_alerts_severity_changes_total",
		Help: "Severity escalations and de-escalations on open alerts.",
	})

	// EvaluationsDropped counts readings whose evaluation failed at the
	// store after retries; these are surfaced, never silently swallowed.
	EvaluationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetwatch_evaluations_dropped_total",
		Help: "Evaluations dropped due to store failures.",
	})

	// LifecycleOps counts operator lifecycle actions.
	LifecycleOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_lifecycle_operations_total",
		Help: "Lifecycle operations, labeled by action.",
	}, []string{"action"})
)

// Outcome labels for ReadingsTotal.
const (
	OutcomeNoThreshold  = "no_threshold"
	OutcomeWithinBounds = "within_bounds"
	OutcomeBreach       = "breach"
	OutcomeInvalid      = "invalid"
	OutcomeError        = "error"
)

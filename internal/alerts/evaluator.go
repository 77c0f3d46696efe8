// Package alerts turns metric readings into deduplicated, severity
// classified, stateful alert records and manages their lifecycle.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/fleetwatch/fleetwatch/internal/errors"
	"github.com/fleetwatch/fleetwatch/internal/models"
	"github.com/fleetwatch/fleetwatch/internal/store"
	"github.com/fleetwatch/fleetwatch/internal/telemetry"
	"github.com/fleetwatch/fleetwatch/internal/thresholds"
)

// Outcome classifies the result of evaluating one reading.
type Outcome string

const (
	// OutcomeNoThreshold means no enabled threshold matched the pair;
	// the reading is ignored without error.
	OutcomeNoThreshold Outcome = "no_threshold"
	// OutcomeWithinBounds means the value crossed no boundary.
	OutcomeWithinBounds Outcome = "within_bounds"
	// OutcomeBreach means a boundary was crossed and an alert was
	// created or refreshed.
	OutcomeBreach Outcome = "breach"
)

// Evaluation reports what a single reading did to the alert population.
type Evaluation struct {
	Outcome  Outcome         `json:"outcome"`
	Severity models.Severity `json:"severity,omitempty"`
	Alert    *models.Alert   `json:"alert,omitempty"`
	Created  bool            `json:"created"`
}

// Policy holds the evaluator's tunable behavior. AutoResolve is opt-in:
// a value dipping back under threshold is informational, not
// authoritative, so by default an operator-visible alert never clears
// itself on transient recovery.
type Policy struct {
	AutoResolve      bool
	AutoResolveAfter int // consecutive within-bounds readings required
}

// EventSink receives alert state-change notifications. Implementations
// must not block.
type EventSink interface {
	BroadcastAlert(event string, alert *models.Alert)
}

// Event names delivered to the sink.
const (
	EventCreated      = "created"
	EventEscalated    = "escalated"
	EventResolved     = "resolved"
	EventAcknowledged = "acknowledged"
)

const (
	storeRetries      = 3
	storeRetryBackoff = 100 * time.Millisecond
)

// Evaluator consumes metric readings, resolves thresholds, classifies
// severity, and decides whether to open or refresh an alert.
type Evaluator struct {
	registry *thresholds.Registry
	store    *store.Store
	policy   Policy
	events   EventSink

	// Consecutive recovery counts per open-alert key, used only when
	// the auto-resolve policy is on.
	recoveryMu sync.Mutex
	recoveries map[models.AlertKey]int
}

// NewEvaluator builds an evaluator. events may be nil.
func NewEvaluator(registry *thresholds.Registry, st *store.Store, policy Policy, events EventSink) *Evaluator {
	if policy.AutoResolveAfter <= 0 {
		policy.AutoResolveAfter = 3
	}
	return &Evaluator{
		registry:   registry,
		store:      st,
		policy:     policy,
		events:     events,
		recoveries: make(map[models.AlertKey]int),
	}
}

// Evaluate processes one reading. Malformed readings are rejected with a
// validation error and never partially applied.
func (e *Evaluator) Evaluate(ctx context.Context, reading models.MetricReading) (*Evaluation, error) {
	if err := reading.Validate(); err != nil {
		telemetry.ValidationFailures.Inc()
		telemetry.ReadingsTotal.WithLabelValues(telemetry.OutcomeInvalid).Inc()
		return nil, apperrors.Validation("evaluate", err)
	}

	metric := reading.Metric()
	if !metric.Evaluable() {
		telemetry.ValidationFailures.Inc()
		telemetry.ReadingsTotal.WithLabelValues(telemetry.OutcomeInvalid).Inc()
		return nil, apperrors.Validation("evaluate",
			fmt.Errorf("metric type %q is not evaluable", reading.MetricType))
	}

	threshold, ok := e.registry.Resolve(reading.DeviceID, metric)
	if !ok {
		telemetry.ReadingsTotal.WithLabelValues(telemetry.OutcomeNoThreshold).Inc()
		return &Evaluation{Outcome: OutcomeNoThreshold}, nil
	}

	key := models.AlertKey{DeviceID: reading.DeviceID, Type: string(metric), Source: reading.Source}

	severity, breached := threshold.Classify(reading.Value)
	if !breached {
		telemetry.ReadingsTotal.WithLabelValues(telemetry.OutcomeWithinBounds).Inc()
		return e.handleWithinBounds(ctx, key)
	}

	evaluation, err := e.handleBreach(ctx, key, reading, threshold, severity)
	if err != nil {
		telemetry.EvaluationsDropped.Inc()
		telemetry.ReadingsTotal.WithLabelValues(telemetry.OutcomeError).Inc()
		return nil, err
	}
	telemetry.ReadingsTotal.WithLabelValues(telemetry.OutcomeBreach).Inc()
	return evaluation, nil
}

// handleWithinBounds leaves open alerts alone unless the opt-in
// auto-resolve policy has seen enough consecutive recoveries.
func (e *Evaluator) handleWithinBounds(ctx context.Context, key models.AlertKey) (*Evaluation, error) {
	result := &Evaluation{Outcome: OutcomeWithinBounds}

	if !e.policy.AutoResolve {
		return result, nil
	}

	e.recoveryMu.Lock()
	e.recoveries[key]++
	count := e.recoveries[key]
	e.recoveryMu.Unlock()

	if count < e.policy.AutoResolveAfter {
		return result, nil
	}

	open, err := e.store.FindOpen(ctx, key)
	if err != nil || open == nil {
		e.resetRecovery(key)
		return result, nil
	}

	now := time.Now()
	resolved := true
	updated, err := e.store.UpdateOpen(ctx, open.ID, store.AlertPatch{
		Resolved:   &resolved,
		ResolvedAt: &now,
	})
	if errors.Is(err, apperrors.ErrNotFound) {
		// An operator resolved or deleted it first; nothing left to do.
		e.resetRecovery(key)
		return result, nil
	}
	if err != nil {
		log.Warn().Err(err).Str("alertID", open.ID).Msg("Auto-resolve update failed")
		return result, nil
	}
	e.resetRecovery(key)

	log.Info().
		Str("alertID", updated.ID).
		Str("key", key.String()).
		Int("consecutive", count).
		Msg("Alert auto-resolved after sustained recovery")

	if e.events != nil {
		e.events.BroadcastAlert(EventResolved, updated)
	}
	result.Alert = updated
	return result, nil
}

func (e *Evaluator) resetRecovery(key models.AlertKey) {
	e.recoveryMu.Lock()
	delete(e.recoveries, key)
	e.recoveryMu.Unlock()
}

// handleBreach opens a new alert for the key or refreshes the existing
// one. Escalation and de-escalation mutate severity in place rather
// than creating a second record, so a metric oscillating near a
// boundary cannot produce an alert storm.
func (e *Evaluator) handleBreach(ctx context.Context, key models.AlertKey, reading models.MetricReading, threshold models.Threshold, severity models.Severity) (*Evaluation, error) {
	e.resetRecovery(key)

	boundary := threshold.Boundary(severity)
	value := reading.Value

	factory := func() *models.Alert {
		return &models.Alert{
			Severity:  severity,
			Title:     fmt.Sprintf("%s %s threshold exceeded", key.DeviceID, key.Type),
			Message:   breachMessage(key, reading.Value, boundary),
			Value:     &value,
			Threshold: &boundary,
			CreatedAt: time.Now(),
			Details: map[string]any{
				"metricType":    key.Type,
				"observedAt":    reading.ObservedAt,
				"warningValue":  threshold.WarningValue,
				"criticalValue": threshold.CriticalValue,
			},
		}
	}

	for {
		alert, created, err := e.findOrCreateOpen(ctx, key, factory)
		if err != nil {
			log.Error().Err(err).Str("key", key.String()).Msg("Evaluation dropped: store unavailable")
			return nil, err
		}

		if created {
			telemetry.AlertsCreated.WithLabelValues(string(severity)).Inc()
			log.Warn().
				Str("alertID", alert.ID).
				Str("device", key.DeviceID).
				Str("metric", key.Type).
				Str("source", key.Source).
				Str("severity", string(severity)).
				Float64("value", reading.Value).
				Float64("threshold", boundary).
				Msg("Alert triggered")

			if e.events != nil {
				e.events.BroadcastAlert(EventCreated, alert)
			}
			return &Evaluation{Outcome: OutcomeBreach, Severity: severity, Alert: alert, Created: true}, nil
		}

		// Refresh the open alert: last seen, triggering value, and severity
		// when the reading escalates or de-escalates it.
		now := time.Now()
		message := breachMessage(key, reading.Value, boundary)
		patch := store.AlertPatch{
			Value:     &value,
			Threshold: &boundary,
			LastSeen:  &now,
			Message:   &message,
		}

		escalated := alert.Severity != severity
		if escalated {
			patch.Severity = &severity
		}

		updated, err := e.store.UpdateOpen(ctx, alert.ID, patch)
		if errors.Is(err, apperrors.ErrNotFound) {
			// A resolve (or delete) landed between the find and the
			// refresh. The resolved record is history now; the reading is
			// still breaching, so go back and open a fresh one.
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("alertID", alert.ID).Msg("Failed to refresh open alert")
			return nil, err
		}

		if escalated {
			telemetry.AlertsEscalated.Inc()
			log.Info().
				Str("alertID", updated.ID).
				Str("from", string(alert.Severity)).
				Str("to", string(severity)).
				Msg("Alert severity changed")

			if e.events != nil {
				e.events.BroadcastAlert(EventEscalated, updated)
			}
		}

		return &Evaluation{Outcome: OutcomeBreach, Severity: severity, Alert: updated, Created: false}, nil
	}
}

// findOrCreateOpen wraps the store call with bounded retries on
// transient storage failures.
func (e *Evaluator) findOrCreateOpen(ctx context.Context, key models.AlertKey, factory func() *models.Alert) (*models.Alert, bool, error) {
	var alert *models.Alert
	var created bool
	var err error
	for attempt := 0; ; attempt++ {
		alert, created, err = e.store.FindOrCreateOpen(ctx, key, factory)
		if err == nil || !apperrors.IsRetryable(err) || attempt >= storeRetries-1 {
			break
		}
		time.Sleep(storeRetryBackoff << attempt)
	}
	return alert, created, err
}

func breachMessage(key models.AlertKey, value, boundary float64) string {
	metric := models.MetricType(key.Type)
	subject := key.DeviceID
	if subject == "" {
		subject = "system"
	}
	if key.Source != "" {
		subject += "/" + key.Source
	}
	if metric.Direction() == models.DirectionDescending {
		return fmt.Sprintf("%s %s at %.1f (below %.1f)", subject, key.Type, value, boundary)
	}
	return fmt.Sprintf("%s %s at %.1f (above %.1f)", subject, key.Type, value, boundary)
}

package models

import (
	"fmt"
	"math"
	"time"
)

// Threshold is a warning/critical boundary pair for one metric type.
// DeviceID is empty for the global default; a device-specific record
// overrides the global one for that metric type.
type Threshold struct {
	ID            string     `json:"id"`
	DeviceID      string     `json:"deviceId,omitempty"`
	MetricType    MetricType `json:"metricType"`
	WarningValue  float64    `json:"warningValue"`
	CriticalValue float64    `json:"criticalValue"`
	Enabled       bool       `json:"enabled"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Validate checks boundary ordering against the metric's fixed breach
// direction: ascending metrics need warning < critical, descending
// metrics need warning > critical.
func (t *Threshold) Validate() error {
	if !t.MetricType.Evaluable() {
		return fmt.Errorf("metric type %q is not evaluable", t.MetricType)
	}
	if math.IsNaN(t.WarningValue) || math.IsInf(t.WarningValue, 0) ||
		math.IsNaN(t.CriticalValue) || math.IsInf(t.CriticalValue, 0) {
		return fmt.Errorf("threshold for %s has non-finite boundary", t.MetricType)
	}

	switch t.MetricType.Direction() {
	case DirectionAscending:
		if t.WarningValue >= t.CriticalValue {
			return fmt.Errorf("ascending metric %s requires warning (%.2f) below critical (%.2f)",
				t.MetricType, t.WarningValue, t.CriticalValue)
		}
	case DirectionDescending:
		if t.WarningValue <= t.CriticalValue {
			return fmt.Errorf("descending metric %s requires warning (%.2f) above critical (%.2f)",
				t.MetricType, t.WarningValue, t.CriticalValue)
		}
	}
	return nil
}

// Classify places value against the boundaries. The zero Severity return
// with ok=false means the value is within bounds.
func (t *Threshold) Classify(value float64) (Severity, bool) {
	switch t.MetricType.Direction() {
	case DirectionDescending:
		if value <= t.CriticalValue {
			return SeverityCritical, true
		}
		if value <= t.WarningValue {
			return SeverityWarning, true
		}
	default:
		if value >= t.CriticalValue {
			return SeverityCritical, true
		}
		if value >= t.WarningValue {
			return SeverityWarning, true
		}
	}
	return "", false
}

// Boundary returns the threshold value crossed for the given severity.
func (t *Threshold) Boundary(sev Severity) float64 {
	if sev == SeverityCritical {
		return t.CriticalValue
	}
	return t.WarningValue
}

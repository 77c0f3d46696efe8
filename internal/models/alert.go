package models

import (
	"time"
)

// Severity classifies an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// MetricType is a telemetry dimension with a fixed breach direction.
type MetricType string

const (
	MetricCPU         MetricType = "cpu"
	MetricMemory      MetricType = "memory"
	MetricDisk        MetricType = "disk"
	MetricTemperature MetricType = "temperature"
	MetricServoTemp   MetricType = "servo_temp"
	MetricBattery     MetricType = "battery"
	// MetricOther exists for forward compatibility with categories the
	// engine does not evaluate (mqtt, api, custom alert sources).
	MetricOther MetricType = "other"
)

// Direction describes which way a metric breaches its thresholds.
type Direction int

const (
	// DirectionAscending means higher values are worse (cpu, memory, temperature).
	DirectionAscending Direction = iota
	// DirectionDescending means lower values are worse (battery).
	DirectionDescending
)

// metricDirections is the fixed breach-direction mapping. Direction is a
// property of the metric type, never user data.
var metricDirections = map[MetricType]Direction{
	MetricCPU:         DirectionAscending,
	MetricMemory:      DirectionAscending,
	MetricDisk:        DirectionAscending,
	MetricTemperature: DirectionAscending,
	MetricServoTemp:   DirectionAscending,
	MetricBattery:     DirectionDescending,
}

// Direction returns the breach direction for m. Unknown metric types
// default to ascending.
func (m MetricType) Direction() Direction {
	if d, ok := metricDirections[m]; ok {
		return d
	}
	return DirectionAscending
}

// Evaluable reports whether readings of this metric type are evaluated
// against thresholds.
func (m MetricType) Evaluable() bool {
	_, ok := metricDirections[m]
	return ok
}

// ParseMetricType maps a wire string onto the closed enum. Unknown
// strings map to MetricOther.
func ParseMetricType(s string) MetricType {
	m := MetricType(s)
	if m.Evaluable() || m == MetricOther {
		return m
	}
	return MetricOther
}

// Alert is a classified, stateful record of a threshold breach.
// DeviceID is empty for system-wide alerts. At most one unresolved alert
// exists per (DeviceID, Type, Source) key.
type Alert struct {
	ID             string         `json:"id"`
	DeviceID       string         `json:"deviceId,omitempty"`
	Type           string         `json:"type"`
	Severity       Severity       `json:"severity"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Source         string         `json:"source,omitempty"`
	Value          *float64       `json:"value,omitempty"`
	Threshold      *float64       `json:"threshold,omitempty"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedBy string         `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledgedAt,omitempty"`
	Resolved       bool           `json:"resolved"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastSeen       time.Time      `json:"lastSeen"`
}

// Key returns the open-alert deduplication key.
func (a *Alert) Key() AlertKey {
	return AlertKey{DeviceID: a.DeviceID, Type: a.Type, Source: a.Source}
}

// AlertKey identifies at most one unresolved alert at any time.
type AlertKey struct {
	DeviceID string
	Type     string
	Source   string
}

// String renders the key in the device-type-source form used for lock
// striping and log fields.
func (k AlertKey) String() string {
	return k.DeviceID + "/" + k.Type + "/" + k.Source
}

// Clone returns a deep copy of the alert so it can be safely shared
// across goroutines.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}

	clone := *a

	if a.Value != nil {
		v := *a.Value
		clone.Value = &v
	}
	if a.Threshold != nil {
		v := *a.Threshold
		clone.Threshold = &v
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		clone.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		clone.ResolvedAt = &t
	}
	if a.Details != nil {
		clone.Details = cloneDetails(a.Details)
	}

	return &clone
}

func cloneDetails(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}

	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = cloneDetailValue(v)
	}
	return dst
}

func cloneDetailValue(val any) any {
	switch v := val.(type) {
	case map[string]any:
		return cloneDetails(v)
	case []any:
		arr := make([]any, len(v))
		for i, elem := range v {
			arr[i] = cloneDetailValue(elem)
		}
		return arr
	case []string:
		arr := make([]string, len(v))
		copy(arr, v)
		return arr
	case []float64:
		arr := make([]float64, len(v))
		copy(arr, v)
		return arr
	default:
		return v
	}
}

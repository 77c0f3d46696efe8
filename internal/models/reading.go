package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// MetricReading is a single telemetry sample for one device metric.
// Readings are ephemeral; the engine consumes each one exactly once and
// never persists it.
type MetricReading struct {
	DeviceID   string    `json:"deviceId"`
	MetricType string    `json:"metricType"`
	Source     string    `json:"source,omitempty"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observedAt"`
}

// Validate rejects malformed readings at the boundary. A rejected reading
// is discarded, never coerced into an alert.
func (r *MetricReading) Validate() error {
	if strings.TrimSpace(r.DeviceID) == "" {
		return fmt.Errorf("reading missing device id")
	}
	if strings.TrimSpace(r.MetricType) == "" {
		return fmt.Errorf("reading missing metric type")
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return fmt.Errorf("reading value for %s/%s is not finite", r.DeviceID, r.MetricType)
	}
	return nil
}

// Metric returns the reading's metric type mapped onto the closed enum.
func (r *MetricReading) Metric() MetricType {
	return ParseMetricType(r.MetricType)
}

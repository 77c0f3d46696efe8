package store

import (
	"context"

	apperrors "github.com/fleetwatch/fleetwatch/internal/errors"
	"github.com/fleetwatch/fleetwatch/internal/models"
)

// Stats holds rollup counts over a filtered alert set.
type Stats struct {
	Total          int `json:"total"`
	Critical       int `json:"critical"`
	Warning        int `json:"warning"`
	Info           int `json:"info"`
	Unacknowledged int `json:"unacknowledged"`
	Unresolved     int `json:"unresolved"`
}

// ComputeStats tallies the alert set selected by filter. It shares the
// filter's predicate with List, so stats always agree with the listing
// for the same filter.
func (s *Store) ComputeStats(ctx context.Context, filter Filter) (*Stats, error) {
	where, args, post := filter.predicate()

	rows, err := s.db.QueryContext(ctx,
		`SELECT severity, acknowledged, resolved, device_id FROM alerts`+where, args...)
	if err != nil {
		return nil, apperrors.Storage("compute_stats", "", err)
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var severity, deviceID string
		var acknowledged, resolved int
		if err := rows.Scan(&severity, &acknowledged, &resolved, &deviceID); err != nil {
			return nil, apperrors.Storage("compute_stats", "", err)
		}
		if post != nil && !post(deviceID) {
			continue
		}

		stats.Total++
		switch models.Severity(severity) {
		case models.SeverityCritical:
			stats.Critical++
		case models.SeverityWarning:
			stats.Warning++
		case models.SeverityInfo:
			stats.Info++
		}
		if acknowledged == 0 {
			stats.Unacknowledged++
		}
		if resolved == 0 {
			stats.Unresolved++
		}
	}
	return stats, rows.Err()
}

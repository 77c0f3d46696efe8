package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/fleetwatch/fleetwatch/internal/errors"
	"github.com/fleetwatch/fleetwatch/internal/models"
)

const selectThreshold = `
	SELECT id, device_id, metric_type, warning_value, critical_value, enabled, updated_at
	FROM thresholds
`

// UpsertThreshold creates or replaces the threshold for its
// (device_id, metric_type) pair. The pair is unique: configuring the
// same pair twice updates the existing record in place.
func (s *Store) UpsertThreshold(ctx context.Context, t *models.Threshold) (*models.Threshold, error) {
	if err := t.Validate(); err != nil {
		return nil, apperrors.Validation("upsert_threshold", err)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.UpdatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thresholds (id, device_id, metric_type, warning_value, critical_value, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, metric_type) DO UPDATE SET
			warning_value = excluded.warning_value,
			critical_value = excluded.critical_value,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`, t.ID, t.DeviceID, string(t.MetricType), t.WarningValue, t.CriticalValue,
		boolInt(t.Enabled), t.UpdatedAt.UnixMilli())
	if err != nil {
		return nil, apperrors.Storage("upsert_threshold", t.ID, err)
	}

	// The upsert keeps the original row id on conflict; read it back.
	return s.findThreshold(ctx, t.DeviceID, string(t.MetricType))
}

func (s *Store) findThreshold(ctx context.Context, deviceID, metricType string) (*models.Threshold, error) {
	row := s.db.QueryRowContext(ctx, selectThreshold+`
		WHERE device_id = ? AND metric_type = ?
	`, deviceID, metricType)

	t, err := scanThreshold(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("find_threshold", deviceID+"/"+metricType)
	}
	if err != nil {
		return nil, apperrors.Storage("find_threshold", deviceID+"/"+metricType, err)
	}
	return t, nil
}

// ListThresholds returns every configured threshold, global defaults first.
func (s *Store) ListThresholds(ctx context.Context) ([]models.Threshold, error) {
	rows, err := s.db.QueryContext(ctx, selectThreshold+` ORDER BY device_id, metric_type`)
	if err != nil {
		return nil, apperrors.Storage("list_thresholds", "", err)
	}
	defer rows.Close()

	var thresholds []models.Threshold
	for rows.Next() {
		t, err := scanThreshold(rows)
		if err != nil {
			return nil, apperrors.Storage("list_thresholds", "", err)
		}
		thresholds = append(thresholds, *t)
	}
	return thresholds, rows.Err()
}

// DeleteThreshold removes the threshold with the given id.
func (s *Store) DeleteThreshold(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM thresholds WHERE id = ?`, id)
	if err != nil {
		return apperrors.Storage("delete_threshold", id, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apperrors.NotFound("delete_threshold", id)
	}
	return nil
}

func scanThreshold(row rowScanner) (*models.Threshold, error) {
	var t models.Threshold
	var metricType string
	var enabled int
	var updatedAt int64

	err := row.Scan(&t.ID, &t.DeviceID, &metricType, &t.WarningValue, &t.CriticalValue, &enabled, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.MetricType = models.MetricType(metricType)
	t.Enabled = enabled != 0
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return &t, nil
}

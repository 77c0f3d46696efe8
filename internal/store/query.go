package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"

	apperrors "github.com/fleetwatch/fleetwatch/internal/errors"
	"github.com/fleetwatch/fleetwatch/internal/models"
)

// canonicalRanges are the dashboard's recognized time-range tokens.
var canonicalRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// ParseTimeRange maps a canonical range token onto its duration.
func ParseTimeRange(s string) (time.Duration, error) {
	if d, ok := canonicalRanges[strings.ToLower(strings.TrimSpace(s))]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("unrecognized time range %q", s)
}

// Filter selects a subset of the alert population. Zero values mean
// "no constraint". DeviceID may carry * and ? wildcards.
type Filter struct {
	DeviceID     string
	Severity     models.Severity
	Category     string // alert_type
	Since        time.Time
	Until        time.Time
	Resolved     *bool
	Acknowledged *bool
}

// predicate compiles the filter into a SQL WHERE fragment plus an
// optional in-memory device-id post-filter for wildcard patterns. List
// and Stats both go through here so the two read paths can never
// disagree. The post-filter takes the device id alone; everything else
// the filter can express is pushed into SQL.
func (f Filter) predicate() (where string, args []any, post func(deviceID string) bool) {
	var conds []string

	if f.DeviceID != "" {
		if strings.ContainsAny(f.DeviceID, "*?") {
			pattern := f.DeviceID
			post = func(deviceID string) bool {
				return wildcard.Match(pattern, deviceID)
			}
		} else {
			conds = append(conds, "device_id = ?")
			args = append(args, f.DeviceID)
		}
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.Category != "" {
		conds = append(conds, "alert_type = ?")
		args = append(args, f.Category)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.Until.UnixMilli())
	}
	if f.Resolved != nil {
		conds = append(conds, "resolved = ?")
		args = append(args, boolInt(*f.Resolved))
	}
	if f.Acknowledged != nil {
		conds = append(conds, "acknowledged = ?")
		args = append(args, boolInt(*f.Acknowledged))
	}

	if len(conds) == 0 {
		return "", args, post
	}
	return " WHERE " + strings.Join(conds, " AND "), args, post
}

// Page bounds a list request. A Cursor takes precedence over Offset;
// cursors key on (created_at, id) so concurrent inserts cannot shift
// pages the way offset pagination does.
type Page struct {
	Limit  int
	Offset int
	Cursor string
}

// AlertPage is one page of a filtered listing.
type AlertPage struct {
	Alerts     []models.Alert `json:"alerts"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

const defaultPageLimit = 100

// List returns alerts matching filter ordered by created_at descending,
// ties broken by id descending.
func (s *Store) List(ctx context.Context, filter Filter, page Page) (*AlertPage, error) {
	where, args, post := filter.predicate()

	if page.Cursor != "" {
		ts, id, err := decodeCursor(page.Cursor)
		if err != nil {
			return nil, apperrors.Validation("list_alerts", err)
		}
		cond := "(created_at < ? OR (created_at = ? AND id < ?))"
		if where == "" {
			where = " WHERE " + cond
		} else {
			where += " AND " + cond
		}
		args = append(args, ts, ts, id)
	}

	limit := page.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}

	query := selectAlert + where + " ORDER BY created_at DESC, id DESC"
	if post == nil {
		// Fetch one extra row to know whether another page exists.
		query += " LIMIT ? OFFSET ?"
		offset := 0
		if page.Cursor == "" {
			offset = page.Offset
		}
		args = append(args, limit+1, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Storage("list_alerts", "", err)
	}
	defer rows.Close()

	// With an in-memory post-filter the SQL LIMIT could not be applied;
	// stop once enough matches are in hand.
	need := limit + 1
	if post != nil && page.Cursor == "" {
		need += page.Offset
	}

	var alerts []models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, apperrors.Storage("list_alerts", "", err)
		}
		if post != nil && !post(alert.DeviceID) {
			continue
		}
		alerts = append(alerts, *alert)
		if post != nil && len(alerts) >= need {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("list_alerts", "", err)
	}

	if post != nil && page.Cursor == "" && page.Offset > 0 {
		if page.Offset >= len(alerts) {
			alerts = nil
		} else {
			alerts = alerts[page.Offset:]
		}
	}

	result := &AlertPage{}
	if len(alerts) > limit {
		alerts = alerts[:limit]
		last := alerts[len(alerts)-1]
		result.NextCursor = encodeCursor(last.CreatedAt.UnixMilli(), last.ID)
	}
	result.Alerts = alerts
	return result, nil
}

// Export streams every alert matching filter, unpaginated, for bulk
// reads by reporting collaborators.
func (s *Store) Export(ctx context.Context, filter Filter) ([]models.Alert, error) {
	where, args, post := filter.predicate()

	rows, err := s.db.QueryContext(ctx, selectAlert+where+" ORDER BY created_at DESC, id DESC", args...)
	if err != nil {
		return nil, apperrors.Storage("export_alerts", "", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, apperrors.Storage("export_alerts", "", err)
		}
		if post != nil && !post(alert.DeviceID) {
			continue
		}
		alerts = append(alerts, *alert)
	}
	return alerts, rows.Err()
}

func encodeCursor(createdAtMilli int64, id string) string {
	raw := strconv.FormatInt(createdAtMilli, 10) + ":" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (int64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", fmt.Errorf("malformed cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("malformed cursor")
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}

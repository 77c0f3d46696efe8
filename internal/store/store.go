// Package store provides durable, key-indexed storage for alert and
// threshold records using SQLite for durability across restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	apperrors "github.com/fleetwatch/fleetwatch/internal/errors"
	"github.com/fleetwatch/fleetwatch/internal/models"
)

// keyStripes bounds the number of per-key mutexes. Contention is scoped
// to the open-alert key, so throughput scales with distinct keys.
const keyStripes = 64

// Store provides persistent alert storage. The at-most-one-open-alert
// invariant is enforced twice: a striped per-key mutex linearizes
// in-process writers, and a partial unique index backstops any writer
// that bypasses the lock.
type Store struct {
	db      *sql.DB
	stripes [keyStripes]sync.Mutex

	closeOnce sync.Once
}

// Config holds configuration for the alert store.
type Config struct {
	DBPath string
}

// DefaultConfig returns sensible defaults for alert storage.
func DefaultConfig(dataDir string) Config {
	return Config{
		DBPath: filepath.Join(dataDir, "alerts.db"),
	}
}

// New opens (and if needed creates) the alert database.
func New(config Config) (*Store, error) {
	dir := filepath.Dir(config.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// WAL mode so readers never block the writer
	db, err := sql.Open("sqlite", config.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open alert database: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", config.DBPath).Msg("Alert store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL DEFAULT '',
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			value REAL,
			threshold REAL,
			acknowledged INTEGER NOT NULL DEFAULT 0,
			acknowledged_by TEXT,
			acknowledged_at INTEGER,
			resolved INTEGER NOT NULL DEFAULT 0,
			resolved_at INTEGER,
			details TEXT,
			created_at INTEGER NOT NULL,
			last_seen INTEGER NOT NULL
		);

		-- The deduplication invariant: at most one unresolved alert per
		-- (device_id, alert_type, source) key. Empty strings stand in for
		-- NULL so the index compares system-wide keys correctly.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open_key
		ON alerts(device_id, alert_type, source) WHERE resolved = 0;

		-- Cursor pagination and time-range filters
		CREATE INDEX IF NOT EXISTS idx_alerts_created
		ON alerts(created_at DESC, id DESC);

		CREATE INDEX IF NOT EXISTS idx_alerts_device
		ON alerts(device_id, resolved);

		CREATE TABLE IF NOT EXISTS thresholds (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL DEFAULT '',
			metric_type TEXT NOT NULL,
			warning_value REAL NOT NULL,
			critical_value REAL NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			updated_at INTEGER NOT NULL,
			UNIQUE(device_id, metric_type)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	log.Debug().Msg("Alert schema initialized")
	return nil
}

// NewAlertID returns a fresh, lexicographically time-sortable alert ID.
func NewAlertID() string {
	return ulid.Make().String()
}

func (s *Store) stripe(key models.AlertKey) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return &s.stripes[h.Sum32()%keyStripes]
}

// FindOpen returns the unresolved alert for key, or nil if none exists.
func (s *Store) FindOpen(ctx context.Context, key models.AlertKey) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, selectAlert+`
		WHERE device_id = ? AND alert_type = ? AND source = ? AND resolved = 0
	`, key.DeviceID, key.Type, key.Source)

	alert, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage("find_open", key.String(), err)
	}
	return alert, nil
}

// Get returns the alert with the given id.
func (s *Store) Get(ctx context.Context, id string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, selectAlert+` WHERE id = ?`, id)

	alert, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("get_alert", id)
	}
	if err != nil {
		return nil, apperrors.Storage("get_alert", id, err)
	}
	return alert, nil
}

// Create inserts a new alert. Creating an unresolved alert for a key
// that already has one signals Conflict; callers evaluating readings
// should use FindOrCreateOpen instead.
func (s *Store) Create(ctx context.Context, alert *models.Alert) (*models.Alert, error) {
	if alert.ID == "" {
		alert.ID = NewAlertID()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	if alert.LastSeen.IsZero() {
		alert.LastSeen = alert.CreatedAt
	}

	if err := s.insert(ctx, alert); err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.Conflict("create_alert", alert.Key().String(), err)
		}
		return nil, apperrors.Storage("create_alert", alert.ID, err)
	}
	return alert.Clone(), nil
}

func (s *Store) insert(ctx context.Context, a *models.Alert) error {
	details, err := marshalDetails(a.Details)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (
			id, device_id, alert_type, severity, title, message, source,
			value, threshold, acknowledged, acknowledged_by, acknowledged_at,
			resolved, resolved_at, details, created_at, last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID, a.DeviceID, a.Type, string(a.Severity), a.Title, a.Message, a.Source,
		nullFloat(a.Value), nullFloat(a.Threshold),
		boolInt(a.Acknowledged), nullString(a.AcknowledgedBy), nullTime(a.AcknowledgedAt),
		boolInt(a.Resolved), nullTime(a.ResolvedAt),
		details, a.CreatedAt.UnixMilli(), a.LastSeen.UnixMilli(),
	)
	return err
}

// FindOrCreateOpen atomically returns the open alert for key, creating
// one via factory when none exists. The returned bool reports whether a
// new record was created. All creation decisions for a key are
// linearized through the key's stripe lock; the partial unique index
// catches cross-process races, in which case the loser's attempt is
// retried as a read of the winner's record.
func (s *Store) FindOrCreateOpen(ctx context.Context, key models.AlertKey, factory func() *models.Alert) (*models.Alert, bool, error) {
	mu := s.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.FindOpen(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	alert := factory()
	alert.DeviceID = key.DeviceID
	alert.Type = key.Type
	alert.Source = key.Source
	alert.Resolved = false
	if alert.ID == "" {
		alert.ID = NewAlertID()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	if alert.LastSeen.IsZero() {
		alert.LastSeen = alert.CreatedAt
	}

	if err := s.insert(ctx, alert); err != nil {
		if isUniqueViolation(err) {
			// Lost a cross-process race; exactly one writer wins and the
			// loser adopts the winner's record.
			winner, ferr := s.FindOpen(ctx, key)
			if ferr == nil && winner != nil {
				return winner, false, nil
			}
			return nil, false, apperrors.Conflict("find_or_create_open", key.String(), err)
		}
		return nil, false, apperrors.Storage("find_or_create_open", key.String(), err)
	}

	return alert.Clone(), true, nil
}

// AlertPatch carries the mutable alert fields; nil fields are untouched.
type AlertPatch struct {
	Severity       *models.Severity
	Message        *string
	Value          *float64
	Threshold      *float64
	LastSeen       *time.Time
	Acknowledged   *bool
	AcknowledgedBy *string
	AcknowledgedAt *time.Time
	Resolved       *bool
	ResolvedAt     *time.Time
	Details        map[string]any
}

// Update applies patch to the alert with the given id and returns the
// updated record. Absent ids signal NotFound.
func (s *Store) Update(ctx context.Context, id string, patch AlertPatch) (*models.Alert, error) {
	return s.update(ctx, "update_alert", id, patch, "")
}

// UpdateOpen applies patch only while the alert is still unresolved.
// NotFound means the id is absent or the alert resolved in the meantime;
// either way the resolved record stays untouched, so evaluation can
// never rewrite history.
func (s *Store) UpdateOpen(ctx context.Context, id string, patch AlertPatch) (*models.Alert, error) {
	return s.update(ctx, "update_open_alert", id, patch, " AND resolved = 0")
}

// UpdateUnacknowledged applies patch only while the alert is still
// unacknowledged, so two concurrent acknowledgers cannot both win and
// the first attribution sticks.
func (s *Store) UpdateUnacknowledged(ctx context.Context, id string, patch AlertPatch) (*models.Alert, error) {
	return s.update(ctx, "update_unacked_alert", id, patch, " AND acknowledged = 0")
}

func (s *Store) update(ctx context.Context, op, id string, patch AlertPatch, guard string) (*models.Alert, error) {
	var sets []string
	var args []any

	if patch.Severity != nil {
		sets = append(sets, "severity = ?")
		args = append(args, string(*patch.Severity))
	}
	if patch.Message != nil {
		sets = append(sets, "message = ?")
		args = append(args, *patch.Message)
	}
	if patch.Value != nil {
		sets = append(sets, "value = ?")
		args = append(args, *patch.Value)
	}
	if patch.Threshold != nil {
		sets = append(sets, "threshold = ?")
		args = append(args, *patch.Threshold)
	}
	if patch.LastSeen != nil {
		sets = append(sets, "last_seen = ?")
		args = append(args, patch.LastSeen.UnixMilli())
	}
	if patch.Acknowledged != nil {
		sets = append(sets, "acknowledged = ?")
		args = append(args, boolInt(*patch.Acknowledged))
	}
	if patch.AcknowledgedBy != nil {
		sets = append(sets, "acknowledged_by = ?")
		args = append(args, *patch.AcknowledgedBy)
	}
	if patch.AcknowledgedAt != nil {
		sets = append(sets, "acknowledged_at = ?")
		args = append(args, patch.AcknowledgedAt.UnixMilli())
	}
	if patch.Resolved != nil {
		sets = append(sets, "resolved = ?")
		args = append(args, boolInt(*patch.Resolved))
	}
	if patch.ResolvedAt != nil {
		sets = append(sets, "resolved_at = ?")
		args = append(args, patch.ResolvedAt.UnixMilli())
	}
	if patch.Details != nil {
		details, err := marshalDetails(patch.Details)
		if err != nil {
			return nil, apperrors.Storage(op, id, err)
		}
		sets = append(sets, "details = ?")
		args = append(args, details)
	}

	if len(sets) == 0 {
		return s.Get(ctx, id)
	}

	args = append(args, id)
	result, err := s.db.ExecContext(ctx,
		"UPDATE alerts SET "+strings.Join(sets, ", ")+" WHERE id = ?"+guard, args...)
	if err != nil {
		return nil, apperrors.Storage(op, id, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return nil, apperrors.NotFound(op, id)
	}

	return s.Get(ctx, id)
}

// Delete removes the alert with the given id. This is a hard removal,
// distinct from resolving.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE id = ?`, id)
	if err != nil {
		return apperrors.Storage("delete_alert", id, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apperrors.NotFound("delete_alert", id)
	}
	return nil
}

// PruneResolved deletes resolved alerts older than maxAge and returns
// the number removed.
func (s *Store) PruneResolved(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM alerts WHERE resolved = 1 AND resolved_at IS NOT NULL AND resolved_at < ?`, cutoff)
	if err != nil {
		return 0, apperrors.Storage("prune_resolved", "", err)
	}
	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("Pruned resolved alerts")
	}
	return deleted, nil
}

// Close shuts down the store.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}

const selectAlert = `
	SELECT id, device_id, alert_type, severity, title, message, source,
	       value, threshold, acknowledged, acknowledged_by, acknowledged_at,
	       resolved, resolved_at, details, created_at, last_seen
	FROM alerts
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var a models.Alert
	var severity string
	var value, threshold sql.NullFloat64
	var acknowledged, resolved int
	var ackBy sql.NullString
	var ackAt, resolvedAt sql.NullInt64
	var details sql.NullString
	var createdAt, lastSeen int64

	err := row.Scan(
		&a.ID, &a.DeviceID, &a.Type, &severity, &a.Title, &a.Message, &a.Source,
		&value, &threshold, &acknowledged, &ackBy, &ackAt,
		&resolved, &resolvedAt, &details, &createdAt, &lastSeen,
	)
	if err != nil {
		return nil, err
	}

	a.Severity = models.Severity(severity)
	if value.Valid {
		a.Value = &value.Float64
	}
	if threshold.Valid {
		a.Threshold = &threshold.Float64
	}
	a.Acknowledged = acknowledged != 0
	if ackBy.Valid {
		a.AcknowledgedBy = ackBy.String
	}
	if ackAt.Valid {
		t := time.UnixMilli(ackAt.Int64)
		a.AcknowledgedAt = &t
	}
	a.Resolved = resolved != 0
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64)
		a.ResolvedAt = &t
	}
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &a.Details); err != nil {
			log.Warn().Err(err).Str("alertID", a.ID).Msg("Failed to decode alert details")
		}
	}
	a.CreatedAt = time.UnixMilli(createdAt)
	a.LastSeen = time.UnixMilli(lastSeen)

	return &a, nil
}

func marshalDetails(details map[string]any) (any, error) {
	if details == nil {
		return nil, nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode alert details: %w", err)
	}
	return string(data), nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/fleetwatch/fleetwatch/internal/errors"
	"github.com/fleetwatch/fleetwatch/internal/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func testKey() models.AlertKey {
	return models.AlertKey{DeviceID: "r1", Type: "cpu", Source: ""}
}

func breachFactory(severity models.Severity) func() *models.Alert {
	return func() *models.Alert {
		v := 85.0
		th := 80.0
		return &models.Alert{
			Severity:  severity,
			Title:     "r1 cpu threshold exceeded",
			Message:   "r1 cpu at 85.0 (above 80.0)",
			Value:     &v,
			Threshold: &th,
		}
	}
}

func TestFindOrCreateOpenCreatesOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alert, created, err := s.FindOrCreateOpen(ctx, testKey(), breachFactory(models.SeverityCritical))
	if err != nil {
		t.Fatalf("first FindOrCreateOpen: %v", err)
	}
	if !created {
		t.Fatal("first call should create")
	}
	if alert.ID == "" {
		t.Fatal("created alert has no ID")
	}

	again, created, err := s.FindOrCreateOpen(ctx, testKey(), breachFactory(models.SeverityCritical))
	if err != nil {
		t.Fatalf("second FindOrCreateOpen: %v", err)
	}
	if created {
		t.Fatal("second call created a duplicate open alert")
	}
	if again.ID != alert.ID {
		t.Fatalf("second call returned %s, want %s", again.ID, alert.ID)
	}
}

// TestFindOrCreateOpenConcurrent hammers one key from many goroutines;
// afterward exactly one unresolved alert may exist for the key.
func TestFindOrCreateOpenConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 16
	const iterations = 25

	start := make(chan struct{})
	var wg sync.WaitGroup
	var createdCount sync.Map
	wg.Add(writers)

	for i := 0; i < writers; i++ {
		go func(n int) {
			defer wg.Done()
			<-start
			for j := 0; j < iterations; j++ {
				_, created, err := s.FindOrCreateOpen(ctx, testKey(), breachFactory(models.SeverityWarning))
				if err != nil {
					t.Errorf("writer %d: %v", n, err)
					return
				}
				if created {
					createdCount.Store(n*iterations+j, true)
				}
			}
		}(i)
	}

	close(start)
	wg.Wait()

	creations := 0
	createdCount.Range(func(_, _ any) bool {
		creations++
		return true
	})
	if creations != 1 {
		t.Errorf("got %d creations, want exactly 1", creations)
	}

	resolved := false
	open, err := s.Export(ctx, Filter{DeviceID: "r1", Resolved: &resolved})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("got %d open alerts for the key, want 1", len(open))
	}
}

func TestResolveThenNewBreachCreatesNewRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, _, err := s.FindOrCreateOpen(ctx, testKey(), breachFactory(models.SeverityCritical))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now()
	resolved := true
	if _, err := s.Update(ctx, first.ID, AlertPatch{Resolved: &resolved, ResolvedAt: &now}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	second, created, err := s.FindOrCreateOpen(ctx, testKey(), breachFactory(models.SeverityCritical))
	if err != nil {
		t.Fatalf("second breach: %v", err)
	}
	if !created {
		t.Fatal("breach after resolve should create a new record")
	}
	if second.ID == first.ID {
		t.Fatal("resolved alert was reopened instead of creating a new record")
	}

	// The resolved record stays resolved.
	got, err := s.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if !got.Resolved {
		t.Fatal("resolved alert mutated by new breach")
	}
}

// TestUpdateOpenRefusesResolvedAlert replays the interleaving where a
// resolve lands between an evaluator finding the open alert and
// refreshing it: the guarded update must leave the resolved record
// untouched, and the still-breaching key must get a fresh record.
func TestUpdateOpenRefusesResolvedAlert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alert, _, err := s.FindOrCreateOpen(ctx, testKey(), breachFactory(models.SeverityWarning))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The resolve wins the race.
	now := time.Now()
	resolved := true
	before, err := s.Update(ctx, alert.ID, AlertPatch{Resolved: &resolved, ResolvedAt: &now})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// The late refresh must bounce off the guard.
	sev := models.SeverityCritical
	value := 95.0
	message := "r1 cpu at 95.0 (above 80.0)"
	seen := time.Now()
	_, err = s.UpdateOpen(ctx, alert.ID, AlertPatch{
		Severity: &sev,
		Value:    &value,
		Message:  &message,
		LastSeen: &seen,
	})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("UpdateOpen on resolved alert = %v, want not found", err)
	}

	got, err := s.Get(ctx, alert.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Severity != before.Severity || got.Message != before.Message ||
		*got.Value != *before.Value || !got.LastSeen.Equal(before.LastSeen) {
		t.Fatalf("resolved alert mutated by late refresh: %+v", got)
	}

	// The key is free again; the still-breaching reading opens a new record.
	fresh, created, err := s.FindOrCreateOpen(ctx, testKey(), breachFactory(sev))
	if err != nil || !created {
		t.Fatalf("reopen after lost race = (%v, %v)", created, err)
	}
	if fresh.ID == alert.ID {
		t.Fatal("reopen reused the resolved record")
	}
}

func TestUpdateUnacknowledgedKeepsFirstAttribution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alert, _, err := s.FindOrCreateOpen(ctx, testKey(), breachFactory(models.SeverityWarning))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	acked := true
	first := "kira"
	firstAt := time.Now()
	if _, err := s.UpdateUnacknowledged(ctx, alert.ID, AlertPatch{
		Acknowledged: &acked, AcknowledgedBy: &first, AcknowledgedAt: &firstAt,
	}); err != nil {
		t.Fatalf("first acknowledge: %v", err)
	}

	second := "jonas"
	secondAt := time.Now()
	_, err = s.UpdateUnacknowledged(ctx, alert.ID, AlertPatch{
		Acknowledged: &acked, AcknowledgedBy: &second, AcknowledgedAt: &secondAt,
	})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("second acknowledge = %v, want not found", err)
	}

	got, err := s.Get(ctx, alert.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AcknowledgedBy != "kira" {
		t.Fatalf("attribution overwritten: got %q, want %q", got.AcknowledgedBy, "kira")
	}
}

func TestCreateConflictOnOccupiedKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.FindOrCreateOpen(ctx, testKey(), breachFactory(models.SeverityWarning)); err != nil {
		t.Fatalf("setup: %v", err)
	}

	_, err := s.Create(ctx, &models.Alert{
		DeviceID: "r1",
		Type:     "cpu",
		Severity: models.SeverityWarning,
	})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("Create on occupied key returned %v, want conflict", err)
	}
}

func TestUpdateAndDeleteNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sev := models.SeverityInfo
	if _, err := s.Update(ctx, "missing", AlertPatch{Severity: &sev}); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("Update(missing) = %v, want not found", err)
	}
	if err := s.Delete(ctx, "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("Delete(missing) = %v, want not found", err)
	}

	// The store is otherwise unchanged.
	all, err := s.Export(ctx, Filter{})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("store has %d alerts after failed delete, want 0", len(all))
	}
}

func TestUpdatePersistsLifecycleFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alert, _, err := s.FindOrCreateOpen(ctx, testKey(), breachFactory(models.SeverityWarning))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now()
	acked := true
	by := "kira"
	updated, err := s.Update(ctx, alert.ID, AlertPatch{
		Acknowledged:   &acked,
		AcknowledgedBy: &by,
		AcknowledgedAt: &now,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if !updated.Acknowledged || updated.AcknowledgedBy != "kira" || updated.AcknowledgedAt == nil {
		t.Fatalf("acknowledgement fields not persisted: %+v", updated)
	}
	if updated.Resolved || updated.ResolvedAt != nil {
		t.Fatal("resolution fields set without resolve")
	}
}

func TestSystemWideKeyDistinctFromDeviceKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	systemKey := models.AlertKey{DeviceID: "", Type: "mqtt", Source: ""}
	deviceKey := models.AlertKey{DeviceID: "r1", Type: "mqtt", Source: ""}

	factory := func() *models.Alert {
		return &models.Alert{Severity: models.SeverityInfo, Title: "broker unreachable"}
	}

	_, created1, err := s.FindOrCreateOpen(ctx, systemKey, factory)
	if err != nil || !created1 {
		t.Fatalf("system-wide create = (%v, %v)", created1, err)
	}
	_, created2, err := s.FindOrCreateOpen(ctx, deviceKey, factory)
	if err != nil || !created2 {
		t.Fatalf("device create = (%v, %v)", created2, err)
	}
}

func TestSourceIsPartOfOpenKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	left := models.AlertKey{DeviceID: "r1", Type: "servo_temp", Source: "servo_left"}
	right := models.AlertKey{DeviceID: "r1", Type: "servo_temp", Source: "servo_right"}

	factory := breachFactory(models.SeverityWarning)
	if _, created, err := s.FindOrCreateOpen(ctx, left, factory); err != nil || !created {
		t.Fatalf("left servo create = (%v, %v)", created, err)
	}
	if _, created, err := s.FindOrCreateOpen(ctx, right, factory); err != nil || !created {
		t.Fatalf("right servo create = (%v, %v)", created, err)
	}
}

func TestPruneResolved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alert, _, err := s.FindOrCreateOpen(ctx, testKey(), breachFactory(models.SeverityWarning))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	old := time.Now().Add(-48 * time.Hour)
	resolved := true
	if _, err := s.Update(ctx, alert.ID, AlertPatch{Resolved: &resolved, ResolvedAt: &old}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	deleted, err := s.PruneResolved(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("pruned %d, want 1", deleted)
	}

	if _, err := s.Get(ctx, alert.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("pruned alert still present: %v", err)
	}
}

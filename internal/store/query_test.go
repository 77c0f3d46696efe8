package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/models"
)

func seedAlerts(t *testing.T, s *Store, count int, device string, severity models.Severity, resolved bool) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().Add(-time.Duration(count) * time.Minute)

	for i := 0; i < count; i++ {
		createdAt := base.Add(time.Duration(i) * time.Minute)
		alert := &models.Alert{
			ID:        NewAlertID(),
			DeviceID:  device,
			Type:      "cpu",
			Source:    fmt.Sprintf("s%d", i), // distinct open keys
			Severity:  severity,
			CreatedAt: createdAt,
			LastSeen:  createdAt,
		}
		if resolved {
			alert.Resolved = true
			now := createdAt.Add(time.Second)
			alert.ResolvedAt = &now
		}
		if _, err := s.Create(ctx, alert); err != nil {
			t.Fatalf("seed alert %d: %v", i, err)
		}
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	s := newTestStore(t)
	seedAlerts(t, s, 5, "r1", models.SeverityWarning, false)

	page, err := s.List(context.Background(), Filter{}, Page{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Alerts) != 5 {
		t.Fatalf("got %d alerts, want 5", len(page.Alerts))
	}
	for i := 1; i < len(page.Alerts); i++ {
		if page.Alerts[i].CreatedAt.After(page.Alerts[i-1].CreatedAt) {
			t.Fatal("alerts not ordered created_at descending")
		}
	}
}

func TestListCursorPagination(t *testing.T) {
	s := newTestStore(t)
	seedAlerts(t, s, 7, "r1", models.SeverityWarning, false)
	ctx := context.Background()

	var seen []string
	cursor := ""
	pages := 0
	for {
		page, err := s.List(ctx, Filter{}, Page{Limit: 3, Cursor: cursor})
		if err != nil {
			t.Fatalf("page %d: %v", pages, err)
		}
		for _, a := range page.Alerts {
			seen = append(seen, a.ID)
		}
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if pages != 3 {
		t.Errorf("walked %d pages, want 3", pages)
	}
	if len(seen) != 7 {
		t.Fatalf("cursor walk visited %d alerts, want 7", len(seen))
	}
	unique := make(map[string]bool, len(seen))
	for _, id := range seen {
		if unique[id] {
			t.Fatalf("cursor walk revisited alert %s", id)
		}
		unique[id] = true
	}
}

func TestListRejectsMalformedCursor(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.List(context.Background(), Filter{}, Page{Cursor: "not-a-cursor"}); err == nil {
		t.Fatal("malformed cursor accepted")
	}
}

func TestFilterBySeverityAndResolved(t *testing.T) {
	s := newTestStore(t)
	seedAlerts(t, s, 3, "r1", models.SeverityCritical, false)
	seedAlerts(t, s, 2, "r2", models.SeverityWarning, true)
	ctx := context.Background()

	page, err := s.List(ctx, Filter{Severity: models.SeverityCritical}, Page{})
	if err != nil {
		t.Fatalf("list critical: %v", err)
	}
	if len(page.Alerts) != 3 {
		t.Fatalf("critical filter returned %d, want 3", len(page.Alerts))
	}

	resolved := true
	page, err = s.List(ctx, Filter{Resolved: &resolved}, Page{})
	if err != nil {
		t.Fatalf("list resolved: %v", err)
	}
	if len(page.Alerts) != 2 {
		t.Fatalf("resolved filter returned %d, want 2", len(page.Alerts))
	}
}

func TestFilterByTimeRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	if _, err := s.Create(ctx, &models.Alert{
		DeviceID: "r1", Type: "cpu", Source: "old",
		Severity: models.SeverityWarning, CreatedAt: old, LastSeen: old,
	}); err != nil {
		t.Fatalf("seed old: %v", err)
	}
	if _, err := s.Create(ctx, &models.Alert{
		DeviceID: "r1", Type: "cpu", Source: "new",
		Severity: models.SeverityWarning,
	}); err != nil {
		t.Fatalf("seed new: %v", err)
	}

	d, err := ParseTimeRange("24h")
	if err != nil {
		t.Fatalf("parse range: %v", err)
	}
	page, err := s.List(ctx, Filter{Since: time.Now().Add(-d)}, Page{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Alerts) != 1 || page.Alerts[0].Source != "new" {
		t.Fatalf("24h filter returned %d alerts, want only the recent one", len(page.Alerts))
	}
}

func TestParseTimeRangeTokens(t *testing.T) {
	want := map[string]time.Duration{
		"1h": time.Hour, "6h": 6 * time.Hour, "24h": 24 * time.Hour,
		"7d": 7 * 24 * time.Hour, "30d": 30 * 24 * time.Hour,
	}
	for token, d := range want {
		got, err := ParseTimeRange(token)
		if err != nil || got != d {
			t.Errorf("ParseTimeRange(%q) = (%v, %v), want %v", token, got, err, d)
		}
	}
	if _, err := ParseTimeRange("90d"); err == nil {
		t.Error("unrecognized range token accepted")
	}
}

// TestStatsMatchesList checks the consistency property between the two
// read paths: stats for a filter equal the tally of the listing.
func TestStatsMatchesList(t *testing.T) {
	s := newTestStore(t)
	seedAlerts(t, s, 4, "r1", models.SeverityCritical, false)
	seedAlerts(t, s, 3, "r1", models.SeverityWarning, true)
	seedAlerts(t, s, 2, "r2", models.SeverityInfo, false)
	ctx := context.Background()

	filters := []Filter{
		{},
		{DeviceID: "r1"},
		{Severity: models.SeverityCritical},
		{DeviceID: "r*"}, // wildcard device pattern
	}

	for _, filter := range filters {
		stats, err := s.ComputeStats(ctx, filter)
		if err != nil {
			t.Fatalf("stats %+v: %v", filter, err)
		}
		listed, err := s.Export(ctx, filter)
		if err != nil {
			t.Fatalf("export %+v: %v", filter, err)
		}

		tally := Stats{}
		for _, a := range listed {
			tally.Total++
			switch a.Severity {
			case models.SeverityCritical:
				tally.Critical++
			case models.SeverityWarning:
				tally.Warning++
			case models.SeverityInfo:
				tally.Info++
			}
			if !a.Acknowledged {
				tally.Unacknowledged++
			}
			if !a.Resolved {
				tally.Unresolved++
			}
		}

		if *stats != tally {
			t.Errorf("filter %+v: stats %+v disagree with list tally %+v", filter, *stats, tally)
		}
	}
}

func TestWildcardDeviceFilter(t *testing.T) {
	s := newTestStore(t)
	seedAlerts(t, s, 2, "robot-a", models.SeverityWarning, false)
	seedAlerts(t, s, 1, "crane-b", models.SeverityWarning, false)

	page, err := s.List(context.Background(), Filter{DeviceID: "robot-*"}, Page{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Alerts) != 2 {
		t.Fatalf("wildcard filter returned %d, want 2", len(page.Alerts))
	}
	for _, a := range page.Alerts {
		if a.DeviceID != "robot-a" {
			t.Fatalf("wildcard filter matched %s", a.DeviceID)
		}
	}
}

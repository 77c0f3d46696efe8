package alerts

import (
	"context"
	"strings"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"

	apperrors "github.com/fleetwatch/fleetwatch/internal/errors"
	"github.com/fleetwatch/fleetwatch/internal/models"
	"github.com/fleetwatch/fleetwatch/internal/store"
	"github.com/fleetwatch/fleetwatch/internal/telemetry"
)

// Lifecycle exposes the operator-driven state transitions on alert
// records: acknowledge, resolve, and delete. Acknowledge and resolve
// are idempotent and never un-set once true, so callers may retry them
// safely.
type Lifecycle struct {
	store  *store.Store
	events EventSink
}

// NewLifecycle builds a lifecycle manager. events may be nil.
func NewLifecycle(st *store.Store, events EventSink) *Lifecycle {
	return &Lifecycle{store: st, events: events}
}

// Acknowledge marks the alert as acknowledged by the given user.
// Acknowledging a resolved alert is permitted for audit completeness;
// acknowledging an already-acknowledged alert is a no-op. The update is
// guarded on acknowledged = 0, so when two acknowledgers race, the
// first attribution sticks and the loser sees it unchanged.
func (l *Lifecycle) Acknowledge(ctx context.Context, id, by string) (*models.Alert, error) {
	alert, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if alert.Acknowledged {
		return alert, nil
	}

	now := time.Now()
	acknowledged := true
	updated, err := l.store.UpdateUnacknowledged(ctx, id, store.AlertPatch{
		Acknowledged:   &acknowledged,
		AcknowledgedBy: &by,
		AcknowledgedAt: &now,
	})
	if apperrors.IsNotFound(err) {
		// Another acknowledger got there first (or the alert was just
		// deleted); re-read and report whatever state won.
		return l.store.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	telemetry.LifecycleOps.WithLabelValues("acknowledge").Inc()
	log.Info().Str("alertID", id).Str("user", by).Msg("Alert acknowledged")

	if l.events != nil {
		l.events.BroadcastAlert(EventAcknowledged, updated)
	}
	return updated, nil
}

// Resolve marks the alert as resolved. Idempotent: resolving a resolved
// alert returns it unchanged. A later breach of the same key opens a
// brand-new record; the resolved one never mutates again.
func (l *Lifecycle) Resolve(ctx context.Context, id string) (*models.Alert, error) {
	alert, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if alert.Resolved {
		return alert, nil
	}

	now := time.Now()
	resolved := true
	updated, err := l.store.UpdateOpen(ctx, id, store.AlertPatch{
		Resolved:   &resolved,
		ResolvedAt: &now,
	})
	if apperrors.IsNotFound(err) {
		// Lost a race to another resolver; the first resolved_at stands.
		return l.store.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	telemetry.LifecycleOps.WithLabelValues("resolve").Inc()
	log.Info().Str("alertID", id).Msg("Alert resolved")

	if l.events != nil {
		l.events.BroadcastAlert(EventResolved, updated)
	}
	return updated, nil
}

// AcknowledgeAll acknowledges every unacknowledged, unresolved alert
// matching the optional device filter (exact id or * / ? pattern) and
// returns the count affected. Each alert is updated atomically on its
// own, so a crash mid-batch leaves a valid partial state.
func (l *Lifecycle) AcknowledgeAll(ctx context.Context, deviceFilter, by string) (int, error) {
	acknowledged := false
	resolved := false
	candidates, err := l.store.Export(ctx, store.Filter{
		Acknowledged: &acknowledged,
		Resolved:     &resolved,
	})
	if err != nil {
		return 0, err
	}

	pattern := strings.TrimSpace(deviceFilter)
	count := 0
	for i := range candidates {
		alert := &candidates[i]
		if pattern != "" && !wildcard.Match(pattern, alert.DeviceID) {
			continue
		}
		if _, err := l.Acknowledge(ctx, alert.ID, by); err != nil {
			// Another writer may have deleted it between the listing and
			// the update; skip and keep going.
			log.Warn().Err(err).Str("alertID", alert.ID).Msg("Bulk acknowledge skipped alert")
			continue
		}
		count++
	}

	log.Info().Str("device", pattern).Int("count", count).Msg("Bulk acknowledge completed")
	return count, nil
}

// Delete hard-removes the alert record. This is a destructive
// administrative action, distinct from resolve.
func (l *Lifecycle) Delete(ctx context.Context, id string) error {
	if err := l.store.Delete(ctx, id); err != nil {
		return err
	}
	telemetry.LifecycleOps.WithLabelValues("delete").Inc()
	log.Info().Str("alertID", id).Msg("Alert deleted")
	return nil
}

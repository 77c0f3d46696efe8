package api

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetwatch/fleetwatch/internal/alerts"
	apperrors "github.com/fleetwatch/fleetwatch/internal/errors"
	"github.com/fleetwatch/fleetwatch/internal/models"
	"github.com/fleetwatch/fleetwatch/internal/store"
)

// AlertHandlers exposes the query, stats, export, and lifecycle
// surfaces over the alert population.
type AlertHandlers struct {
	store     *store.Store
	lifecycle *alerts.Lifecycle
}

// NewAlertHandlers creates alert handlers.
func NewAlertHandlers(st *store.Store, lifecycle *alerts.Lifecycle) *AlertHandlers {
	return &AlertHandlers{store: st, lifecycle: lifecycle}
}

// parseFilter builds a store filter from query parameters. An
// unrecognized range token or severity is a validation error.
func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	filter := store.Filter{
		DeviceID: q.Get("device"),
		Category: q.Get("category"),
	}

	if sev := q.Get("severity"); sev != "" {
		severity := models.Severity(sev)
		if !severity.Valid() {
			return filter, fmt.Errorf("unknown severity %q", sev)
		}
		filter.Severity = severity
	}

	if rng := q.Get("range"); rng != "" {
		d, err := store.ParseTimeRange(rng)
		if err != nil {
			return filter, err
		}
		filter.Since = time.Now().Add(-d)
	}

	if resolved := q.Get("resolved"); resolved != "" {
		b, err := strconv.ParseBool(resolved)
		if err != nil {
			return filter, fmt.Errorf("invalid resolved flag %q", resolved)
		}
		filter.Resolved = &b
	}

	if acked := q.Get("acknowledged"); acked != "" {
		b, err := strconv.ParseBool(acked)
		if err != nil {
			return filter, fmt.Errorf("invalid acknowledged flag %q", acked)
		}
		filter.Acknowledged = &b
	}

	return filter, nil
}

// ListAlerts returns a filtered, cursor-paginated page of alerts,
// newest first.
func (h *AlertHandlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, apperrors.Validation("list_alerts", err))
		return
	}

	page := store.Page{Cursor: r.URL.Query().Get("cursor")}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			page.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o > 0 {
			page.Offset = o
		}
	}

	result, err := h.store.List(r.Context(), filter, page)
	if err != nil {
		writeError(w, err)
		return
	}
	if result.Alerts == nil {
		result.Alerts = []models.Alert{}
	}

	writeJSON(w, http.StatusOK, result)
}

// GetStats returns rollup counts for the filtered alert set.
func (h *AlertHandlers) GetStats(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, apperrors.Validation("alert_stats", err))
		return
	}

	stats, err := h.store.ComputeStats(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// ExportAlerts streams the full filtered alert set as JSON or CSV for
// reporting collaborators.
func (h *AlertHandlers) ExportAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, apperrors.Validation("export_alerts", err))
		return
	}

	result, err := h.store.Export(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	if strings.EqualFold(r.URL.Query().Get("format"), "csv") {
		h.exportCSV(w, result)
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="alerts.json"`)
	writeJSON(w, http.StatusOK, result)
}

func (h *AlertHandlers) exportCSV(w http.ResponseWriter, alertList []models.Alert) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="alerts.csv"`)

	cw := csv.NewWriter(w)
	defer cw.Flush()

	cw.Write([]string{
		"id", "device_id", "type", "severity", "title", "message", "source",
		"value", "threshold", "acknowledged", "acknowledged_by", "resolved",
		"created_at",
	})

	for i := range alertList {
		a := &alertList[i]
		value, threshold := "", ""
		if a.Value != nil {
			value = strconv.FormatFloat(*a.Value, 'f', -1, 64)
		}
		if a.Threshold != nil {
			threshold = strconv.FormatFloat(*a.Threshold, 'f', -1, 64)
		}
		if err := cw.Write([]string{
			a.ID, a.DeviceID, a.Type, string(a.Severity), a.Title, a.Message, a.Source,
			value, threshold,
			strconv.FormatBool(a.Acknowledged), a.AcknowledgedBy,
			strconv.FormatBool(a.Resolved),
			a.CreatedAt.Format(time.RFC3339),
		}); err != nil {
			log.Warn().Err(err).Str("alertID", a.ID).Msg("CSV export write failed")
			return
		}
	}
}

// AcknowledgeAlert acknowledges one alert on behalf of a user.
func (h *AlertHandlers) AcknowledgeAlert(w http.ResponseWriter, r *http.Request, alertID string) {
	var body struct {
		User string `json:"user"`
	}
	if r.Body != nil {
		// An empty body is fine; the user just goes unattributed.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.User == "" {
		body.User = "operator"
	}

	alert, err := h.lifecycle.Acknowledge(r.Context(), alertID, body.User)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// AcknowledgeAll acknowledges every open, unacknowledged alert matching
// the optional device filter and reports the count affected.
func (h *AlertHandlers) AcknowledgeAll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Device string `json:"device,omitempty"`
		User   string `json:"user,omitempty"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.User == "" {
		body.User = "operator"
	}

	count, err := h.lifecycle.AcknowledgeAll(r.Context(), body.Device, body.User)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"acknowledged": count})
}

// ResolveAlert resolves one alert.
func (h *AlertHandlers) ResolveAlert(w http.ResponseWriter, r *http.Request, alertID string) {
	alert, err := h.lifecycle.Resolve(r.Context(), alertID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// DeleteAlert hard-removes one alert.
func (h *AlertHandlers) DeleteAlert(w http.ResponseWriter, r *http.Request, alertID string) {
	if err := h.lifecycle.Delete(r.Context(), alertID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// HandleAlerts routes /api/alerts requests to the handlers above.
func (h *AlertHandlers) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/alerts")
	path = strings.TrimSuffix(path, "/")

	switch {
	case path == "" && r.Method == http.MethodGet:
		h.ListAlerts(w, r)
	case path == "/stats" && r.Method == http.MethodGet:
		h.GetStats(w, r)
	case path == "/export" && r.Method == http.MethodGet:
		h.ExportAlerts(w, r)
	case path == "/acknowledge-all" && r.Method == http.MethodPost:
		h.AcknowledgeAll(w, r)
	case strings.HasSuffix(path, "/acknowledge") && r.Method == http.MethodPost:
		h.AcknowledgeAlert(w, r, pathID(path, "/acknowledge"))
	case strings.HasSuffix(path, "/resolve") && r.Method == http.MethodPost:
		h.ResolveAlert(w, r, pathID(path, "/resolve"))
	case path != "" && r.Method == http.MethodDelete:
		h.DeleteAlert(w, r, strings.TrimPrefix(path, "/"))
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// pathID extracts the alert ID from paths like /{id}/acknowledge.
func pathID(path, suffix string) string {
	return strings.TrimPrefix(strings.TrimSuffix(path, suffix), "/")
}

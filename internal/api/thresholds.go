package api

import (
	"encoding/json"
	"net/http"
	"strings"

	apperrors "github.com/fleetwatch/fleetwatch/internal/errors"
	"github.com/fleetwatch/fleetwatch/internal/models"
	"github.com/fleetwatch/fleetwatch/internal/thresholds"
)

// ThresholdHandlers exposes threshold configuration to the admin
// collaborator. A record with an empty device id is the global default
// for its metric type.
type ThresholdHandlers struct {
	registry *thresholds.Registry
}

// NewThresholdHandlers creates threshold configuration handlers.
func NewThresholdHandlers(registry *thresholds.Registry) *ThresholdHandlers {
	return &ThresholdHandlers{registry: registry}
}

// ListThresholds returns every configured threshold.
func (h *ThresholdHandlers) ListThresholds(w http.ResponseWriter, r *http.Request) {
	list, err := h.registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []models.Threshold{}
	}
	writeJSON(w, http.StatusOK, list)
}

// UpsertThreshold creates or updates the threshold for its
// (device, metric) pair.
func (h *ThresholdHandlers) UpsertThreshold(w http.ResponseWriter, r *http.Request) {
	var t models.Threshold
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, apperrors.Validation("upsert_threshold", err))
		return
	}

	saved, err := h.registry.Set(r.Context(), &t)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, saved)
}

// DeleteThreshold removes a threshold by id.
func (h *ThresholdHandlers) DeleteThreshold(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.registry.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// HandleThresholds routes /api/thresholds requests.
func (h *ThresholdHandlers) HandleThresholds(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/thresholds")
	path = strings.TrimSuffix(path, "/")

	switch {
	case path == "" && r.Method == http.MethodGet:
		h.ListThresholds(w, r)
	case path == "" && (r.Method == http.MethodPut || r.Method == http.MethodPost):
		h.UpsertThreshold(w, r)
	case path != "" && r.Method == http.MethodDelete:
		h.DeleteThreshold(w, r, strings.TrimPrefix(path, "/"))
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

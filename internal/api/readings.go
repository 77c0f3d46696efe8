package api

import (
	"encoding/json"
	"net/http"

	"github.com/fleetwatch/fleetwatch/internal/alerts"
	apperrors "github.com/fleetwatch/fleetwatch/internal/errors"
	"github.com/fleetwatch/fleetwatch/internal/models"
)

// ReadingHandlers accepts telemetry readings from the ingestion
// collaborator, one MetricReading at a time.
type ReadingHandlers struct {
	evaluator *alerts.Evaluator
}

// NewReadingHandlers creates reading ingestion handlers.
func NewReadingHandlers(evaluator *alerts.Evaluator) *ReadingHandlers {
	return &ReadingHandlers{evaluator: evaluator}
}

// IngestReading evaluates one reading. Validation failures return 400
// and are never retried by the engine; a malformed reading is
// discarded, not queued.
func (h *ReadingHandlers) IngestReading(w http.ResponseWriter, r *http.Request) {
	var reading models.MetricReading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		writeError(w, apperrors.Validation("ingest_reading", err))
		return
	}

	evaluation, err := h.evaluator.Evaluate(r.Context(), reading)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, evaluation)
}

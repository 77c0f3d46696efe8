package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/fleetwatch/fleetwatch/internal/alerts"
	"github.com/fleetwatch/fleetwatch/internal/logging"
	"github.com/fleetwatch/fleetwatch/internal/store"
	"github.com/fleetwatch/fleetwatch/internal/thresholds"
	"github.com/fleetwatch/fleetwatch/internal/websocket"
)

// Router wires the engine's HTTP surface.
type Router struct {
	mux *http.ServeMux
}

// NewRouter assembles all handlers onto a mux.
func NewRouter(
	st *store.Store,
	registry *thresholds.Registry,
	evaluator *alerts.Evaluator,
	lifecycle *alerts.Lifecycle,
	hub *websocket.Hub,
) *Router {
	mux := http.NewServeMux()

	readingHandlers := NewReadingHandlers(evaluator)
	alertHandlers := NewAlertHandlers(st, lifecycle)
	thresholdHandlers := NewThresholdHandlers(registry)

	mux.HandleFunc("/api/readings", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		readingHandlers.IngestReading(w, r)
	})
	mux.HandleFunc("/api/alerts", alertHandlers.HandleAlerts)
	mux.HandleFunc("/api/alerts/", alertHandlers.HandleAlerts)
	mux.HandleFunc("/api/thresholds", thresholdHandlers.HandleThresholds)
	mux.HandleFunc("/api/thresholds/", thresholdHandlers.HandleThresholds)

	if hub != nil {
		mux.Handle("/api/ws", hub)
	}

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return &Router{mux: mux}
}

// Handler returns the router wrapped in request middleware.
func (r *Router) Handler() http.Handler {
	return requestLogger(r.mux)
}

// requestLogger attaches a request ID and logs each request at debug.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = logging.NewRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), requestID)))

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("requestID", requestID).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

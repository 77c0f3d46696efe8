package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/fleetwatch/internal/alerts"
	"github.com/fleetwatch/fleetwatch/internal/models"
	"github.com/fleetwatch/fleetwatch/internal/store"
	"github.com/fleetwatch/fleetwatch/internal/thresholds"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

func newTestServer(t *testing.T) (*httptest.Server, *thresholds.Registry) {
	t.Helper()
	st, err := store.New(store.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry, err := thresholds.NewRegistry(context.Background(), st)
	require.NoError(t, err)

	evaluator := alerts.NewEvaluator(registry, st, alerts.Policy{}, nil)
	lifecycle := alerts.NewLifecycle(st, nil)

	router := NewRouter(st, registry, evaluator, lifecycle, nil)
	server := httptest.NewServer(router.Handler())
	t.Cleanup(server.Close)
	return server, registry
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func seedCPUThreshold(t *testing.T, server *httptest.Server) {
	t.Helper()
	resp := postJSON(t, server.URL+"/api/thresholds", models.Threshold{
		MetricType: models.MetricCPU, WarningValue: 60, CriticalValue: 80, Enabled: true,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func ingest(t *testing.T, server *httptest.Server, device string, value float64) *http.Response {
	t.Helper()
	return postJSON(t, server.URL+"/api/readings", models.MetricReading{
		DeviceID: device, MetricType: "cpu", Value: value,
	})
}

func TestIngestCreatesAlert(t *testing.T) {
	server, _ := newTestServer(t)
	seedCPUThreshold(t, server)

	resp := ingest(t, server, "r1", 85)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	evaluation := decode[alerts.Evaluation](t, resp)
	require.Equal(t, alerts.OutcomeBreach, evaluation.Outcome)
	require.True(t, evaluation.Created)
	require.Equal(t, models.SeverityCritical, evaluation.Alert.Severity)
}

func TestIngestRejectsMalformedReading(t *testing.T) {
	server, _ := newTestServer(t)
	seedCPUThreshold(t, server)

	resp := postJSON(t, server.URL+"/api/readings", map[string]any{
		"metricType": "cpu", "value": 85,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestMethodNotAllowed(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/readings")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestListAndStatsAgree(t *testing.T) {
	server, _ := newTestServer(t)
	seedCPUThreshold(t, server)

	for i, device := range []string{"r1", "r2", "r3"} {
		resp := ingest(t, server, device, 85+float64(i))
		resp.Body.Close()
	}
	resp := ingest(t, server, "r4", 65) // warning
	resp.Body.Close()

	listResp, err := http.Get(server.URL + "/api/alerts?range=1h")
	require.NoError(t, err)
	page := decode[store.AlertPage](t, listResp)
	require.Len(t, page.Alerts, 4)

	statsResp, err := http.Get(server.URL + "/api/alerts/stats?range=1h")
	require.NoError(t, err)
	stats := decode[store.Stats](t, statsResp)
	require.Equal(t, 4, stats.Total)
	require.Equal(t, 3, stats.Critical)
	require.Equal(t, 1, stats.Warning)
	require.Equal(t, 4, stats.Unresolved)
}

func TestListRejectsUnknownRange(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/alerts?range=90d")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAcknowledgeEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	seedCPUThreshold(t, server)

	created := decode[alerts.Evaluation](t, ingest(t, server, "r1", 85))

	resp := postJSON(t, server.URL+"/api/alerts/"+created.Alert.ID+"/acknowledge",
		map[string]string{"user": "kira"})
	alert := decode[models.Alert](t, resp)
	require.True(t, alert.Acknowledged)
	require.Equal(t, "kira", alert.AcknowledgedBy)
}

func TestAcknowledgeUnknownAlert(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/alerts/nope/acknowledge", map[string]string{"user": "kira"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAcknowledgeAllEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	seedCPUThreshold(t, server)

	// Two breaches for r1 dedup onto one open alert; r2 gets its own.
	for _, device := range []string{"r1", "r1", "r2"} {
		ingest(t, server, device, 85).Body.Close()
	}

	resp := postJSON(t, server.URL+"/api/alerts/acknowledge-all", map[string]string{"device": "r1"})
	result := decode[map[string]int](t, resp)
	require.Equal(t, 1, result["acknowledged"])
}

func TestResolveAndDeleteEndpoints(t *testing.T) {
	server, _ := newTestServer(t)
	seedCPUThreshold(t, server)

	created := decode[alerts.Evaluation](t, ingest(t, server, "r1", 85))

	resp := postJSON(t, server.URL+"/api/alerts/"+created.Alert.ID+"/resolve", nil)
	alert := decode[models.Alert](t, resp)
	require.True(t, alert.Resolved)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/api/alerts/"+created.Alert.ID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	require.Equal(t, http.StatusOK, delResp.StatusCode)

	// Deleting again reports not found.
	again, err := http.DefaultClient.Do(req.Clone(req.Context()))
	require.NoError(t, err)
	again.Body.Close()
	require.Equal(t, http.StatusNotFound, again.StatusCode)
}

func TestThresholdCRUD(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/thresholds", models.Threshold{
		DeviceID:   "r1",
		MetricType: models.MetricBattery, WarningValue: 30, CriticalValue: 15, Enabled: true,
	})
	saved := decode[models.Threshold](t, resp)
	require.NotEmpty(t, saved.ID)

	listResp, err := http.Get(server.URL + "/api/thresholds")
	require.NoError(t, err)
	list := decode[[]models.Threshold](t, listResp)
	require.Len(t, list, 1)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/api/thresholds/"+saved.ID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	require.Equal(t, http.StatusOK, delResp.StatusCode)
}

func TestThresholdRejectsBadOrdering(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/thresholds", models.Threshold{
		MetricType: models.MetricCPU, WarningValue: 90, CriticalValue: 60, Enabled: true,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExportJSONAndCSV(t *testing.T) {
	server, _ := newTestServer(t)
	seedCPUThreshold(t, server)
	ingest(t, server, "r1", 85).Body.Close()

	jsonResp, err := http.Get(server.URL + "/api/alerts/export")
	require.NoError(t, err)
	exported := decode[[]models.Alert](t, jsonResp)
	require.Len(t, exported, 1)

	csvResp, err := http.Get(server.URL + "/api/alerts/export?format=csv")
	require.NoError(t, err)
	defer csvResp.Body.Close()
	require.Equal(t, "text/csv", csvResp.Header.Get("Content-Type"))
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

package monitoring

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-decoding/internal/config"
	"github.com/23skdu/longbow-decoding/internal/engine"
)

type fakeSource struct{}

func (fakeSource) Config() config.Config {
	cfg := config.Default()
	cfg.BatchSize = 4
	cfg.DecoderLayers = 6
	cfg.CandidateNum = 2
	return cfg
}

func (fakeSource) State() engine.State { return engine.StateIdle }

func (fakeSource) Stats() engine.Stats {
	return engine.Stats{ArenaBytes: 4096, Generations: 3, StepsRun: 21, LastSteps: 7, LastEarlyExit: 7}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	hm := NewHealthMonitor(fakeSource{}, DefaultThresholds())
	h := hm.Handler()

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])

	hm.RecordGenerationError(errors.New("layer 0 step 1: boom"))
	rec = get(t, h, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])

	hm.ResolveAlert(0)
	assert.Equal(t, http.StatusOK, get(t, h, "/health").Code)
}

func TestStatusReportsEngine(t *testing.T) {
	hm := NewHealthMonitor(fakeSource{}, DefaultThresholds())
	hm.RecordGeneration(8, 4, 10*time.Millisecond)
	hm.RecordGeneration(8, 2, 30*time.Millisecond)

	rec := get(t, hm.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))

	require.NotNil(t, status.Engine)
	assert.Equal(t, "idle", status.Engine.State)
	assert.Equal(t, "top-k", status.Engine.Strategy)
	assert.Equal(t, 6, status.Engine.Layers)
	assert.Equal(t, int64(3), status.Engine.Generations)
	assert.Equal(t, 3.0, status.Performance.AvgSteps)
	assert.InDelta(t, 20.0, status.Performance.AvgLatencyMs, 1e-9)
	assert.InDelta(t, 30.0, status.Performance.P95LatencyMs, 1e-9)
	assert.InDelta(t, 400.0, status.Performance.TokensPerSecond, 1e-6)
}

func TestStatusWithoutEngine(t *testing.T) {
	hm := NewHealthMonitor(nil, DefaultThresholds())
	assert.Nil(t, hm.Status().Engine)
}

func TestPerformanceAlerts(t *testing.T) {
	hm := NewHealthMonitor(nil, Thresholds{MinTokensPerSecond: 100, MaxLatency: time.Second})
	hm.RecordGeneration(1, 1, 2*time.Second)

	alerts := hm.Status().Alerts
	require.Len(t, alerts, 2)
	assert.Equal(t, "warning", alerts[0].Level)
	assert.Equal(t, "error", alerts[1].Level)
	assert.Equal(t, "degraded", hm.Status().Status)
}

func TestMemoryAlert(t *testing.T) {
	hm := NewHealthMonitor(nil, DefaultThresholds())
	hm.RecordDeviceMemory(950, 0)
	hm.RecordDeviceMemory(800, 1000)
	assert.Empty(t, hm.Status().Alerts)

	hm.RecordDeviceMemory(950, 1000)
	alerts := hm.Status().Alerts
	require.Len(t, alerts, 1)
	assert.Equal(t, "memory", alerts[0].Component)
}

func TestAlertAdmin(t *testing.T) {
	hm := NewHealthMonitor(nil, DefaultThresholds())
	hm.AddAlert("critical", "engine", "stream failed")
	h := hm.Handler()

	assert.Equal(t, "critical", hm.Status().Status)

	var alerts []Alert
	require.NoError(t, json.Unmarshal(get(t, h, "/admin/alerts").Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)

	assert.Equal(t, http.StatusMethodNotAllowed, get(t, h, "/admin/clear-alerts").Code)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/clear-alerts", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, hm.Status().Alerts)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, NewHealthMonitor(nil, DefaultThresholds()).Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "decoding_generations_total"))
}

package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	healthChecker = newHealthChecker()
}

func TestUpdateComponent(t *testing.T) {
	resetHealth(t)

	UpdateComponent(ComponentEngine, true, "connected")
	UpdateComponent(ComponentEngine, false, "socket closed")

	comp := healthChecker.components[ComponentEngine]
	assert.False(t, comp.Healthy)
	assert.Equal(t, "socket closed", comp.Message)
	assert.Len(t, healthChecker.components, 1)

	UpdateComponentErr(ComponentStore, nil)
	assert.True(t, healthChecker.components[ComponentStore].Healthy)

	UpdateComponentErr(ComponentStore, errors.New("timeout"))
	assert.Equal(t, "timeout", healthChecker.components[ComponentStore].Message)
}

func TestGetHealth(t *testing.T) {
	resetHealth(t)
	SetVersion("1.0.0")

	UpdateComponent(ComponentEngine, true, "")
	UpdateComponent(ComponentReconciler, true, "")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Components, 2)
	assert.Equal(t, "1.0.0", health.Version)

	UpdateComponent(ComponentReconciler, false, "dev stalled")
	health = GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy: dev stalled", health.Components[ComponentReconciler])
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		wantStatus string
	}{
		{
			name:       "all critical healthy",
			components: map[string]bool{ComponentEngine: true, ComponentStore: true},
			wantStatus: "ready",
		},
		{
			name:       "store not registered",
			components: map[string]bool{ComponentEngine: true},
			wantStatus: "not_ready",
		},
		{
			name:       "engine unhealthy",
			components: map[string]bool{ComponentEngine: false, ComponentStore: true},
			wantStatus: "not_ready",
		},
		{
			name:       "non-critical unhealthy",
			components: map[string]bool{ComponentEngine: true, ComponentStore: true, ComponentReconciler: false},
			wantStatus: "ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			for name, healthy := range tt.components {
				UpdateComponent(name, healthy, "")
			}

			readiness := GetReadiness()
			assert.Equal(t, tt.wantStatus, readiness.Status)
			if tt.wantStatus == "not_ready" {
				assert.Contains(t, readiness.Message, "waiting for")
			} else {
				assert.Empty(t, readiness.Message)
			}
		})
	}
}

func TestHandlers(t *testing.T) {
	resetHealth(t)
	SetVersion("test")
	UpdateComponent(ComponentEngine, true, "")

	mux := NewMux()

	tests := []struct {
		path       string
		wantCode   int
		wantStatus string
	}{
		{path: "/health", wantCode: http.StatusOK, wantStatus: "healthy"},
		{path: "/ready", wantCode: http.StatusServiceUnavailable, wantStatus: "not_ready"},
		{path: "/live", wantCode: http.StatusOK, wantStatus: "alive"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.wantStatus, body["status"])
		})
	}

	UpdateComponent(ComponentStore, true, "")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	UpdateComponent(ComponentEngine, false, "gone")
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	PullsInFlight.Set(2)

	w := httptest.NewRecorder()
	NewMux().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hutch_pulls_in_flight 2")
}

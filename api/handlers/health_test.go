package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func ping(err error) PingFunc {
	return func(context.Context) error { return err }
}

func readyStatus(t *testing.T, h *HealthHandler) (int, HealthStatus) {
	t.Helper()
	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	return w.Code, status
}

func TestHealthHandler_HandleHealth(t *testing.T) {
	h := NewHealthHandler(zaptest.NewLogger(t))
	h.RegisterCheck("database", ping(errors.New("down")))

	w := httptest.NewRecorder()
	h.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, StatusHealthy, status.Status, "liveness ignores dependencies")
	assert.Empty(t, status.Checks)
}

func TestHealthHandler_HandleReady(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*HealthHandler)
		wantCode   int
		wantStatus string
	}{
		{
			name:       "no checks",
			setup:      func(*HealthHandler) {},
			wantCode:   http.StatusOK,
			wantStatus: StatusHealthy,
		},
		{
			name: "all pass",
			setup: func(h *HealthHandler) {
				h.RegisterCheck("database", ping(nil))
				h.RegisterCheck("storage", ping(nil))
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusHealthy,
		},
		{
			name: "required check fails",
			setup: func(h *HealthHandler) {
				h.RegisterCheck("database", ping(errors.New("connection refused")))
				h.RegisterCheck("storage", ping(nil))
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusUnhealthy,
		},
		{
			name: "optional check fails",
			setup: func(h *HealthHandler) {
				h.RegisterCheck("database", ping(nil))
				h.RegisterCheck("redis", ping(errors.New("no route")), Optional())
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
		},
		{
			name: "required failure wins over degraded",
			setup: func(h *HealthHandler) {
				h.RegisterCheck("redis", ping(errors.New("no route")), Optional())
				h.RegisterCheck("database", ping(errors.New("connection refused")))
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusUnhealthy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(zaptest.NewLogger(t))
			tt.setup(h)
			code, status := readyStatus(t, h)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, status.Status)
		})
	}
}

func TestHealthHandler_CheckResults(t *testing.T) {
	h := NewHealthHandler(zaptest.NewLogger(t))
	h.RegisterCheck("database", ping(nil))
	h.RegisterCheck("redis", ping(errors.New("no route")), Optional())

	_, status := readyStatus(t, h)
	require.Len(t, status.Checks, 2)
	assert.Equal(t, "pass", status.Checks["database"].Status)
	assert.False(t, status.Checks["database"].Optional)
	assert.NotEmpty(t, status.Checks["database"].Latency)

	redis := status.Checks["redis"]
	assert.Equal(t, "fail", redis.Status)
	assert.True(t, redis.Optional)
	assert.Equal(t, "no route", redis.Message)
}

func TestHealthHandler_ReadyBudget(t *testing.T) {
	h := NewHealthHandler(zaptest.NewLogger(t))
	h.budget = 50 * time.Millisecond
	h.RegisterCheck("storage", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	status := h.Ready(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["storage"].Message)
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	h := NewHealthHandler(nil)

	w := httptest.NewRecorder()
	h.HandleVersion("1.2.0", "2026-01-01T00:00:00Z", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success bool              `json:"success"`
		Data    map[string]string `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "1.2.0", resp.Data["version"])
	assert.Equal(t, "abc123", resp.Data["git_commit"])
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/activity-migrator/internal/metrics"
	"github.com/activity-migrator/internal/models"
	"github.com/activity-migrator/internal/service"
	"github.com/activity-migrator/internal/storage"
	"github.com/activity-migrator/internal/types"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// brokenMigrations fails every call with a plain error
type brokenMigrations struct{}

func (brokenMigrations) Enqueue(ctx context.Context, userID string, in service.EnqueueInput) (*models.UserMigrationProgress, error) {
	return nil, errors.New("connection refused on 10.0.0.5")
}

func (brokenMigrations) Cancel(ctx context.Context, userID string) (int, error) {
	return 0, errors.New("connection refused on 10.0.0.5")
}

func (brokenMigrations) GetStatus(ctx context.Context, userID string) (*service.MigrationStatus, error) {
	return nil, errors.New("connection refused on 10.0.0.5")
}

func testConfig() *ServerConfig {
	return &ServerConfig{Host: "127.0.0.1", Port: "0", RequestsPerSecond: 100, Burst: 100}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := storage.NewMemoryStore()
	svc := service.NewMigrationService(store, store, 0).WithClock(func() time.Time {
		return time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC)
	})
	return NewServer(testConfig(), svc, nil, nil)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestMigrationLifecycle(t *testing.T) {
	s := newTestServer(t)
	path := "/api/users/u1/migration"

	rec := do(t, s, "GET", path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status service.MigrationStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, types.ClientNotStarted, status.Progress.Status)

	rec = do(t, s, "POST", path, `{"period":"recent_90","includePhotos":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var progress models.UserMigrationProgress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &progress))
	assert.Equal(t, types.ClientQueued, progress.Status)
	require.NotNil(t, progress.Scope)
	assert.True(t, progress.Scope.IncludePhotos)

	rec = do(t, s, "POST", path, `{"period":"all"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_ACTIVE", decodeError(t, rec).Error.Code)

	rec = do(t, s, "GET", path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, types.ClientQueued, status.Progress.Status)

	rec = do(t, s, "DELETE", path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelled))
	assert.Equal(t, true, cancelled["cancelled"])
	assert.Equal(t, 1.0, cancelled["removed"])

	rec = do(t, s, "POST", path, `{"period":"all"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed json", `{"period":`, ErrCodeInvalidInput},
		{"unknown field", `{"period":"all","tier":"gold"}`, ErrCodeInvalidInput},
		{"unknown period", `{"period":"forever"}`, "INVALID_PARAMETER"},
		{"missing body", "", "INVALID_PARAMETER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, "POST", "/api/users/u1/migration", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Error.Code)
		})
	}
}

func TestInternalErrorsAreMasked(t *testing.T) {
	s := NewServer(testConfig(), brokenMigrations{}, nil, nil)

	rec := do(t, s, "GET", "/api/users/u1/migration", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ErrCodeInternalError, decodeError(t, rec).Error.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestRecoveryMiddlewareMasksPanics(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("dial tcp 10.0.0.5:5432: refused")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/users/u1/migration", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ErrCodeInternalError, decodeError(t, rec).Error.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestHealth(t *testing.T) {
	healthy := NewServer(testConfig(), brokenMigrations{}, pingFunc(func(ctx context.Context) error { return nil }), nil)
	rec := do(t, healthy, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	down := NewServer(testConfig(), brokenMigrations{}, pingFunc(func(ctx context.Context) error { return errors.New("db down") }), nil)
	rec = do(t, down, "GET", "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SetBudget(42)

	s := NewServer(testConfig(), brokenMigrations{}, nil, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	rec := do(t, s, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "migrator_tick_budget 42")
}

func TestRateLimitPerUser(t *testing.T) {
	store := storage.NewMemoryStore()
	cfg := testConfig()
	cfg.RequestsPerSecond = 0.001
	cfg.Burst = 2
	s := NewServer(cfg, service.NewMigrationService(store, store, 0), nil, nil)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, s, "GET", "/api/users/u1/migration", "").Code)
	}
	rec := do(t, s, "GET", "/api/users/u1/migration", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, ErrCodeRateLimited, decodeError(t, rec).Error.Code)

	assert.Equal(t, http.StatusOK, do(t, s, "GET", "/api/users/u2/migration", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, "GET", "/health", "").Code, "health is not throttled")
}

func TestCompressionAndCORS(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/users/u1/migration", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("OPTIONS", "/api/users/u1/migration", strings.NewReader(""))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Contains(t, []int{http.StatusNoContent, http.StatusMethodNotAllowed}, rec.Code)
}

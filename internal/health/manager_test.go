package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func staticChecker(name string, critical bool, status CheckStatus) Checker {
	return NewCustomHealthChecker(name, critical, time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Status: status, Message: name}
	})
}

func TestManagerOverallHealthy(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(staticChecker("redis", true, StatusHealthy)))
	require.NoError(t, m.RegisterChecker(staticChecker("database", true, StatusHealthy)))

	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusHealthy, overall.Status)
	assert.True(t, overall.Ready)
	assert.True(t, overall.Live)
}

func TestManagerCriticalFailureBlocksReadiness(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(staticChecker("database", true, StatusUnhealthy)))
	require.NoError(t, m.RegisterChecker(staticChecker("redis", true, StatusHealthy)))

	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusUnhealthy, overall.Status)
	assert.False(t, overall.Ready)
	assert.True(t, overall.Live, "critical failure keeps the process live but not ready")
}

func TestManagerNonCriticalFailureDegrades(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(staticChecker("generation_service", false, StatusUnhealthy)))
	require.NoError(t, m.RegisterChecker(staticChecker("redis", true, StatusHealthy)))

	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusDegraded, overall.Status)
	assert.True(t, overall.Ready)
}

func TestManagerDuplicateRegistration(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(staticChecker("redis", true, StatusHealthy)))
	assert.Error(t, m.RegisterChecker(staticChecker("redis", true, StatusHealthy)))
}

func TestConfigurationOverridesChecker(t *testing.T) {
	cfg := &Configuration{
		CheckInterval: time.Minute,
		Checks: map[string]CheckConfig{
			"generation_service": {Enabled: false},
		},
	}
	m := NewManagerWithConfig(cfg, zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(staticChecker("generation_service", false, StatusUnhealthy)))
	require.NoError(t, m.RegisterChecker(staticChecker("redis", true, StatusHealthy)))

	detailed := m.GetDetailedHealth(context.Background())
	assert.NotContains(t, detailed.Components, "generation_service")
	assert.Equal(t, StatusHealthy, detailed.Overall.Status)
}

func TestHTTPEndpoints(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(staticChecker("redis", true, StatusHealthy)))

	mux := http.NewServeMux()
	NewHTTPHandler(m, zaptest.NewLogger(t)).RegisterRoutes(mux)

	for _, path := range []string{"/health", "/health/ready", "/health/live", "/health/detailed"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), path)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHTTPUnhealthyStatusCode(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(staticChecker("database", true, StatusUnhealthy)))

	mux := http.NewServeMux()
	NewHTTPHandler(m, zaptest.NewLogger(t)).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

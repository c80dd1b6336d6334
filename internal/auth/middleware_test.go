package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureHandler records the user context seen by the downstream handler.
func captureHandler(seen **UserContext) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userCtx, err := GetUserContext(r.Context()); err == nil {
			*seen = userCtx
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestSkipAuthInjectsDevContext(t *testing.T) {
	mw := NewMiddleware(nil, nil, true)

	var seen *UserContext
	handler := mw.HTTPMiddleware(captureHandler(&seen))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/workflows/run", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, uuid.MustParse("00000000-0000-0000-0000-000000000002"), seen.UserID)
	assert.Equal(t, uuid.MustParse("00000000-0000-0000-0000-000000000001"), seen.TenantID)
	assert.Equal(t, RoleOwner, seen.Role)
	assert.Contains(t, seen.Scopes, ScopeTenantManage)
}

func TestBearerTokenAuthenticates(t *testing.T) {
	mgr := NewJWTManager("test-secret", time.Minute, time.Hour)
	mw := NewMiddleware(nil, mgr, false)

	user := testUser()
	pair, _, err := mgr.GenerateTokenPair(user)
	require.NoError(t, err)

	var seen *UserContext
	handler := mw.HTTPMiddleware(captureHandler(&seen))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/guardrails/rules", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, user.ID, seen.UserID)
	assert.Equal(t, user.TenantID, seen.TenantID)
}

func TestMissingCredentialsRejected(t *testing.T) {
	mgr := NewJWTManager("test-secret", time.Minute, time.Hour)
	mw := NewMiddleware(nil, mgr, false)

	handler := mw.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/guardrails/rules", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMalformedBearerRejected(t *testing.T) {
	mgr := NewJWTManager("test-secret", time.Minute, time.Hour)
	mw := NewMiddleware(nil, mgr, false)

	handler := mw.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	for _, header := range []string{"Bearer not-a-jwt", "Basic abc123"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/guardrails/rules", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
}

func TestRequireScopes(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserContextKey, &UserContext{
		Scopes: []string{ScopeGuardrailsRead, ScopeWorkflowsRun},
	})

	assert.NoError(t, RequireScopes(ctx, ScopeGuardrailsRead))
	assert.NoError(t, RequireScopes(ctx, ScopeGuardrailsRead, ScopeWorkflowsRun))

	err := RequireScopes(ctx, ScopeTenantManage)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ScopeTenantManage)

	err = RequireScopes(context.Background(), ScopeGuardrailsRead)
	assert.ErrorIs(t, err, ErrMissingUserContext)
}

func TestGetUserContextMissing(t *testing.T) {
	_, err := GetUserContext(context.Background())
	assert.ErrorIs(t, err, ErrMissingUserContext)
}

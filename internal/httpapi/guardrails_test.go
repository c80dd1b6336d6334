package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/candorlabs-ai/candor/go/conductor/internal/auth"
	"github.com/candorlabs-ai/candor/go/conductor/internal/config"
	"github.com/candorlabs-ai/candor/go/conductor/internal/guardrail"
)

// devMux wraps a mux with the skip-auth middleware so handlers see the
// fixed dev identity and its full scope set.
func devMux(mux *http.ServeMux) http.Handler {
	return auth.NewMiddleware(nil, nil, true).HTTPMiddleware(mux)
}

func newGuardrailServer(t *testing.T) (*guardrail.Pipeline, http.Handler) {
	t.Helper()
	pipeline := guardrail.NewPipeline(&config.GuardrailSettings{}, zaptest.NewLogger(t))
	mux := http.NewServeMux()
	NewGuardrailHandler(pipeline, zaptest.NewLogger(t)).RegisterRoutes(mux)
	return pipeline, devMux(mux)
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func getPath(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestCheckInputEndpointBlocksSpam(t *testing.T) {
	_, h := newGuardrailServer(t)

	rec := postJSON(t, h, "/api/v1/guardrails/check/input",
		`{"text":"aaaaaaaaaaaaa hello hello hello hello hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result guardrail.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Allowed)
	assert.GreaterOrEqual(t, result.Severity, guardrail.SeverityHigh)

	found := false
	for _, v := range result.Violations {
		if v.RuleName == "spam" && v.Severity >= guardrail.SeverityMedium {
			found = true
		}
	}
	assert.True(t, found, "expected a spam violation of at least medium severity")
}

func TestCheckOutputEndpointAllowsCleanText(t *testing.T) {
	_, h := newGuardrailServer(t)

	rec := postJSON(t, h, "/api/v1/guardrails/check/output",
		`{"text":"Here is a thorough, friendly answer to your question."}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result guardrail.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Allowed)
	assert.Empty(t, result.Violations)
}

func TestListRulesEndpoint(t *testing.T) {
	_, h := newGuardrailServer(t)

	rec := getPath(t, h, "/api/v1/guardrails/rules")
	require.Equal(t, http.StatusOK, rec.Code)

	var names guardrail.RuleNames
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &names))
	assert.Contains(t, names.Input, "injection")
	assert.Contains(t, names.Output, "toxicity")
	assert.NotContains(t, names.Output, "injection")
}

func TestRuleToggleEndpoints(t *testing.T) {
	pipeline, h := newGuardrailServer(t)

	rec := postJSON(t, h, "/api/v1/guardrails/rules/spam/disable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, pipeline.IsEnabled("spam"))

	rec = postJSON(t, h, "/api/v1/guardrails/rules/spam/enable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, pipeline.IsEnabled("spam"))

	rec = postJSON(t, h, "/api/v1/guardrails/rules/no_such_rule/disable", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsEndpointAndReset(t *testing.T) {
	_, h := newGuardrailServer(t)

	postJSON(t, h, "/api/v1/guardrails/check/input", `{"text":"you are an idiot"}`)

	rec := getPath(t, h, "/api/v1/guardrails/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats guardrail.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.TotalChecks)

	rec = postJSON(t, h, "/api/v1/guardrails/stats/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = getPath(t, h, "/api/v1/guardrails/stats")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(0), stats.TotalChecks)
}

func TestGuardrailEndpointsRequireAuth(t *testing.T) {
	pipeline := guardrail.NewPipeline(&config.GuardrailSettings{}, zaptest.NewLogger(t))
	mux := http.NewServeMux()
	NewGuardrailHandler(pipeline, zaptest.NewLogger(t)).RegisterRoutes(mux)

	// No middleware: the request context carries no user.
	rec := postJSON(t, mux, "/api/v1/guardrails/check/input", `{"text":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

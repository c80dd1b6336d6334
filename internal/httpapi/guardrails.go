package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/auth"
	"github.com/candorlabs-ai/candor/go/conductor/internal/guardrail"
)

// GuardrailHandler exposes the guardrail pipeline over HTTP.
// Endpoints:
//
//	POST /api/v1/guardrails/check/input
//	POST /api/v1/guardrails/check/output
//	GET  /api/v1/guardrails/rules
//	POST /api/v1/guardrails/rules/{name}/enable
//	POST /api/v1/guardrails/rules/{name}/disable
//	GET  /api/v1/guardrails/stats
//	POST /api/v1/guardrails/stats/reset
type GuardrailHandler struct {
	pipeline *guardrail.Pipeline
	logger   *zap.Logger
}

func NewGuardrailHandler(pipeline *guardrail.Pipeline, logger *zap.Logger) *GuardrailHandler {
	return &GuardrailHandler{pipeline: pipeline, logger: logger}
}

// RegisterRoutes registers guardrail endpoints on the given mux.
func (h *GuardrailHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/guardrails/check/input", h.handleCheck(guardrail.DirectionInput))
	mux.HandleFunc("/api/v1/guardrails/check/output", h.handleCheck(guardrail.DirectionOutput))
	mux.HandleFunc("/api/v1/guardrails/rules", h.handleListRules)
	mux.HandleFunc("/api/v1/guardrails/rules/", h.handleRuleToggle)
	mux.HandleFunc("/api/v1/guardrails/stats", h.handleStats)
	mux.HandleFunc("/api/v1/guardrails/stats/reset", h.handleStatsReset)
}

type checkRequest struct {
	Text string `json:"text"`
}

func (h *GuardrailHandler) handleCheck(direction guardrail.Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if !requireScopes(w, r, auth.ScopeGuardrailsRead) {
			return
		}

		var req checkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}

		result := h.pipeline.Check(req.Text, direction)
		writeJSON(w, http.StatusOK, result)
	}
}

func (h *GuardrailHandler) handleListRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !requireScopes(w, r, auth.ScopeGuardrailsRead) {
		return
	}
	writeJSON(w, http.StatusOK, h.pipeline.ListRules())
}

// handleRuleToggle routes /api/v1/guardrails/rules/{name}/{enable|disable}.
func (h *GuardrailHandler) handleRuleToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !requireScopes(w, r, auth.ScopeGuardrailsManage) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/guardrails/rules/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	name, action := parts[0], parts[1]

	var ok bool
	switch action {
	case "enable":
		ok = h.pipeline.EnableRule(name)
	case "disable":
		ok = h.pipeline.DisableRule(name)
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown rule: "+sanitizeErr(name))
		return
	}

	h.logger.Info("guardrail rule toggled",
		zap.String("rule", name),
		zap.String("action", action))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rule":    name,
		"enabled": h.pipeline.IsEnabled(name),
	})
}

func (h *GuardrailHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !requireScopes(w, r, auth.ScopeGuardrailsRead) {
		return
	}
	writeJSON(w, http.StatusOK, h.pipeline.Stats())
}

func (h *GuardrailHandler) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !requireScopes(w, r, auth.ScopeGuardrailsManage) {
		return
	}
	h.pipeline.ResetStats()
	h.logger.Info("guardrail stats reset")
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "reset"})
}

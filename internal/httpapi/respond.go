package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/candorlabs-ai/candor/go/conductor/internal/auth"
	"github.com/candorlabs-ai/candor/go/conductor/internal/guardrail"
	"github.com/candorlabs-ai/candor/go/conductor/internal/llm"
	"github.com/candorlabs-ai/candor/go/conductor/internal/profiling"
	"github.com/candorlabs-ai/candor/go/conductor/internal/workflow"
)

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error envelope.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": message})
}

// writeTaxonomyError maps a core error onto the HTTP surface:
// InvalidContext and unknown variants are caller mistakes (400),
// guardrail blocks carry their violation list (403), a generation
// outage is a bad gateway (502), and profiling state-machine misuse
// maps to 404/409. Anything else is a 500 with a trimmed message.
func writeTaxonomyError(w http.ResponseWriter, err error) {
	var blocked *guardrail.BlockedError
	switch {
	case errors.Is(err, workflow.ErrInvalidContext),
		errors.Is(err, workflow.ErrUnknownWorkflow):
		writeError(w, http.StatusBadRequest, sanitizeErr(err.Error()))
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":      "content blocked by guardrails",
			"direction":  blocked.Direction,
			"severity":   blocked.Severity,
			"violations": blocked.Violations,
		})
	case errors.Is(err, llm.ErrGenerationUnavailable):
		writeError(w, http.StatusBadGateway, "generation service unavailable")
	case errors.Is(err, profiling.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "profiling session not found")
	case errors.Is(err, profiling.ErrSessionCompleted):
		writeError(w, http.StatusConflict, "profiling session already completed")
	case errors.Is(err, auth.ErrMissingUserContext):
		writeError(w, http.StatusUnauthorized, "authentication is required")
	default:
		writeError(w, http.StatusInternalServerError, sanitizeErr(err.Error()))
	}
}

// requireScopes enforces scope checks and writes the 403 itself.
func requireScopes(w http.ResponseWriter, r *http.Request, scopes ...string) bool {
	if err := auth.RequireScopes(r.Context(), scopes...); err != nil {
		if errors.Is(err, auth.ErrMissingUserContext) {
			writeError(w, http.StatusUnauthorized, "authentication is required")
		} else {
			writeError(w, http.StatusForbidden, "insufficient permissions")
		}
		return false
	}
	return true
}

// sanitizeErr trims error messages for safe client output (UTF-8 safe).
func sanitizeErr(s string) string {
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}

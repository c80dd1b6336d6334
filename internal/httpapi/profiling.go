package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/auth"
	"github.com/candorlabs-ai/candor/go/conductor/internal/profiling"
)

// ProfilingHandler exposes the iterative profiling loop over HTTP.
// Endpoints:
//
//	POST /api/v1/profiling/sessions
//	GET  /api/v1/profiling/sessions/{id}
//	POST /api/v1/profiling/sessions/{id}/advance
type ProfilingHandler struct {
	manager *profiling.Manager
	logger  *zap.Logger
}

func NewProfilingHandler(manager *profiling.Manager, logger *zap.Logger) *ProfilingHandler {
	return &ProfilingHandler{manager: manager, logger: logger}
}

// RegisterRoutes registers profiling endpoints on the given mux.
func (h *ProfilingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/profiling/sessions", h.handleStart)
	mux.HandleFunc("/api/v1/profiling/sessions/", h.handleSession)
}

type startSessionRequest struct {
	ConversationID string `json:"conversation_id"`
}

type advanceRequest struct {
	Answers []profiling.Answer `json:"answers"`
}

func (h *ProfilingHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !requireScopes(w, r, auth.ScopeProfilingRun) {
		return
	}
	user, err := auth.GetUserContext(r.Context())
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	sess, err := h.manager.StartSession(r.Context(), req.ConversationID, user.UserID.String())
	if err != nil {
		h.logger.Error("failed to start profiling session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// handleSession routes /api/v1/profiling/sessions/{id}[/advance].
func (h *ProfilingHandler) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/profiling/sessions/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		h.handleGet(w, r, parts[0])
	case len(parts) == 2 && parts[0] != "" && parts[1] == "advance":
		h.handleAdvance(w, r, parts[0])
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *ProfilingHandler) handleGet(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !requireScopes(w, r, auth.ScopeProfilingRun) {
		return
	}
	sess, err := h.manager.GetSession(r.Context(), sessionID)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *ProfilingHandler) handleAdvance(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !requireScopes(w, r, auth.ScopeProfilingRun) {
		return
	}

	var req advanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Answers) == 0 {
		writeError(w, http.StatusBadRequest, "answers are required")
		return
	}

	sess, err := h.manager.AdvanceSession(r.Context(), sessionID, req.Answers)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

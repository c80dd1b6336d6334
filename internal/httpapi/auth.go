package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/auth"
)

// AuthHTTPHandler provides minimal HTTP endpoints for authentication.
// Endpoints:
//
//	POST /api/auth/register
//	POST /api/auth/login
//	POST /api/v1/auth/keys   (authenticated; mint an API key)
type AuthHTTPHandler struct {
	svc    *auth.Service
	logger *zap.Logger
}

// NewAuthHTTPHandler constructs a new handler.
func NewAuthHTTPHandler(svc *auth.Service, logger *zap.Logger) *AuthHTTPHandler {
	return &AuthHTTPHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers the public auth endpoints on the given mux.
// These run outside the auth middleware.
func (h *AuthHTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/register", h.handleRegister)
	mux.HandleFunc("/api/auth/login", h.handleLogin)
}

// RegisterProtectedRoutes registers the endpoints that require an
// authenticated caller; the mux they land on sits behind the middleware.
func (h *AuthHTTPHandler) RegisterProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/auth/keys", h.handleCreateAPIKey)
}

func (h *AuthHTTPHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Email == "" || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	user, err := h.svc.Register(r.Context(), &req)
	if err != nil {
		h.logger.Warn("Register failed", zap.Error(err))
		writeError(w, http.StatusBadRequest, sanitizeErr(err.Error()))
		return
	}

	// Respond with a safe user view
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user": map[string]interface{}{
			"id":        user.ID,
			"email":     user.Email,
			"username":  user.Username,
			"tenant_id": user.TenantID,
			"role":      user.Role,
		},
	})
}

func (h *AuthHTTPHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing email or password")
		return
	}

	tokens, err := h.svc.Login(r.Context(), &req)
	if err != nil {
		h.logger.Warn("Login failed", zap.Error(err))
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *AuthHTTPHandler) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !requireScopes(w, r, auth.ScopeAPIKeysManage) {
		return
	}
	user, err := auth.GetUserContext(r.Context())
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	var req auth.CreateAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	key, record, err := h.svc.CreateAPIKey(r.Context(), user.UserID, &req)
	if err != nil {
		h.logger.Warn("API key creation failed", zap.Error(err))
		writeError(w, http.StatusBadRequest, sanitizeErr(err.Error()))
		return
	}

	// The raw key is shown exactly once; only its hash is stored.
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"api_key": key,
		"key": map[string]interface{}{
			"id":         record.ID,
			"name":       record.Name,
			"key_prefix": record.KeyPrefix,
			"scopes":     record.Scopes,
		},
	})
}

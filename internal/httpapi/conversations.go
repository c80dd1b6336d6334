package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/auth"
	"github.com/candorlabs-ai/candor/go/conductor/internal/conversation"
)

// ConversationHandler exposes conversation records over HTTP.
// Endpoints:
//
//	POST   /api/v1/conversations
//	GET    /api/v1/conversations          (caller's own)
//	GET    /api/v1/conversations/{id}
//	DELETE /api/v1/conversations/{id}
type ConversationHandler struct {
	store  *conversation.Store
	logger *zap.Logger
}

func NewConversationHandler(store *conversation.Store, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{store: store, logger: logger}
}

// RegisterRoutes registers conversation endpoints on the given mux.
func (h *ConversationHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/conversations", h.handleCollection)
	mux.HandleFunc("/api/v1/conversations/", h.handleItem)
}

type createConversationRequest struct {
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

func (h *ConversationHandler) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if !requireScopes(w, r, auth.ScopeConversationsWrite) {
			return
		}
		user, err := auth.GetUserContext(r.Context())
		if err != nil {
			writeTaxonomyError(w, err)
			return
		}
		var req createConversationRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		conv, err := h.store.Create(r.Context(), user.UserID.String(), user.TenantID.String(), req.Metadata)
		if err != nil {
			h.logger.Error("failed to create conversation", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "conversation store unavailable")
			return
		}
		writeJSON(w, http.StatusCreated, conv)

	case http.MethodGet:
		if !requireScopes(w, r, auth.ScopeConversationsRead) {
			return
		}
		user, err := auth.GetUserContext(r.Context())
		if err != nil {
			writeTaxonomyError(w, err)
			return
		}
		convs, err := h.store.ListUserConversations(r.Context(), user.UserID.String())
		if err != nil {
			h.logger.Error("failed to list conversations", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "conversation store unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": convs})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *ConversationHandler) handleItem(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/conversations/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if !requireScopes(w, r, auth.ScopeConversationsRead) {
			return
		}
		conv, err := h.store.Get(r.Context(), id)
		if err != nil || conv == nil {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeJSON(w, http.StatusOK, conv)

	case http.MethodDelete:
		if !requireScopes(w, r, auth.ScopeConversationsWrite) {
			return
		}
		// Ownership check rides on Get's tenant isolation.
		conv, err := h.store.Get(r.Context(), id)
		if err != nil || conv == nil {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		if err := h.store.Delete(r.Context(), id); err != nil {
			h.logger.Error("failed to delete conversation", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "conversation store unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "deleted"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

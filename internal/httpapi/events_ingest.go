package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/streaming"
)

// IngestHandler lets sibling services (the generation and embedding
// services are not Go processes) push chunks into a conversation's
// observer stream, protected by a shared bearer token.
type IngestHandler struct {
	broadcaster *streaming.Broadcaster
	logger      *zap.Logger
	authToken   string
}

func NewIngestHandler(broadcaster *streaming.Broadcaster, logger *zap.Logger, authToken string) *IngestHandler {
	return &IngestHandler{broadcaster: broadcaster, logger: logger, authToken: authToken}
}

func (h *IngestHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/events", h.handleIngest)
}

type ingestEvent struct {
	ConversationID string                 `json:"conversation_id"`
	Type           string                 `json:"type"`
	Content        string                 `json:"content,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Timestamp      string                 `json:"timestamp,omitempty"`
}

func (h *IngestHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.authToken != "" {
		authz := r.Header.Get("Authorization")
		if !strings.HasPrefix(authz, "Bearer ") || strings.TrimPrefix(authz, "Bearer ") != h.authToken {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}
	// Limit request body to 10MB
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	// Accept single object or array
	var single ingestEvent
	var arr []ingestEvent
	if err := json.Unmarshal(body, &single); err == nil && single.ConversationID != "" {
		arr = []ingestEvent{single}
	} else {
		if err := json.Unmarshal(body, &arr); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	for _, e := range arr {
		if e.ConversationID == "" || e.Type == "" {
			continue
		}
		ts := time.Now()
		if e.Timestamp != "" {
			if t, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil {
				ts = t
			}
		}
		h.broadcaster.Broadcast(r.Context(), e.ConversationID, streaming.Chunk{
			Type:      streaming.ChunkType(e.Type),
			Content:   e.Content,
			Metadata:  e.Metadata,
			Error:     e.Error,
			Timestamp: ts,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

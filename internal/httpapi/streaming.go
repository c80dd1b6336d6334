package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/streaming"
)

// StreamingHandler serves the observer side of a conversation's chunk
// stream: anyone watching a conversation (dashboards, a second tab)
// subscribes here while the turn's caller holds the workflow SSE
// response. Replay is served from the in-memory ring first and from the
// Redis journal when the requested offset has already rotated out.
type StreamingHandler struct {
	broadcaster *streaming.Broadcaster
	logger      *zap.Logger
}

func NewStreamingHandler(broadcaster *streaming.Broadcaster, logger *zap.Logger) *StreamingHandler {
	return &StreamingHandler{broadcaster: broadcaster, logger: logger}
}

// RegisterRoutes registers SSE and WebSocket routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream/sse", h.handleSSE)
	h.RegisterWebSocket(mux)
}

// handleSSE streams chunks for a conversation via Server-Sent Events.
// GET /stream/sse?conversation_id=<id>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, `{"error":"conversation_id required"}`, http.StatusBadRequest)
		return
	}
	typeFilter := parseTypeFilter(r.URL.Query().Get("types"))
	lastID := parseLastEventID(r)

	// CORS (dev-friendly)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	mgr := h.broadcaster.Manager()
	ch := mgr.Subscribe(conversationID, 256)
	defer mgr.Unsubscribe(conversationID, ch)

	// Send an initial comment to establish the stream
	fmt.Fprintf(w, ": connected to conversation %s\n\n", conversationID)
	flusher.Flush()

	// Replay backlog since lastID (best-effort)
	if lastID > 0 {
		for _, chunk := range h.replaySince(r, conversationID, lastID) {
			if !typeFilter.admit(chunk) {
				continue
			}
			writeSSEChunk(w, chunk)
		}
		flusher.Flush()
	}

	// Heartbeat ticker keeps connections alive through proxies
	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE observer disconnected", zap.String("conversation_id", conversationID))
			return
		case chunk := <-ch:
			if !typeFilter.admit(chunk) {
				continue
			}
			writeSSEChunk(w, chunk)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// replaySince recovers missed chunks, preferring the ring and falling
// back to the journal when the ring no longer covers the offset.
func (h *StreamingHandler) replaySince(r *http.Request, conversationID string, since uint64) []streaming.Chunk {
	chunks := h.broadcaster.Manager().ReplaySince(conversationID, since)
	if len(chunks) > 0 && chunks[0].Seq <= since+1 {
		return chunks
	}
	journal := h.broadcaster.Journal()
	if journal == nil {
		return chunks
	}
	entries, err := journal.Replay(r.Context(), conversationID, "")
	if err != nil {
		h.logger.Warn("journal replay failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		return chunks
	}
	out := make([]streaming.Chunk, 0, len(entries))
	for _, e := range entries {
		if e.Chunk.Seq > since {
			out = append(out, e.Chunk)
		}
	}
	return out
}

func writeSSEChunk(w http.ResponseWriter, chunk streaming.Chunk) {
	if chunk.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", chunk.Seq)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", chunk.Type, chunk.Marshal())
}

type typeFilter map[streaming.ChunkType]struct{}

func parseTypeFilter(s string) typeFilter {
	if s == "" {
		return nil
	}
	f := typeFilter{}
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			f[streaming.ChunkType(t)] = struct{}{}
		}
	}
	return f
}

func (f typeFilter) admit(chunk streaming.Chunk) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[chunk.Type]
	return ok
}

// parseLastEventID honours the Last-Event-ID header the EventSource API
// sends on reconnect, with a query-param fallback for manual clients.
func parseLastEventID(r *http.Request) uint64 {
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			return n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

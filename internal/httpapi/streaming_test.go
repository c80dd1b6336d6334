package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/candorlabs-ai/candor/go/conductor/internal/streaming"
)

func newStreamingServer(t *testing.T, journal *streaming.Journal) (*streaming.Broadcaster, http.Handler) {
	t.Helper()
	broadcaster := streaming.NewBroadcaster(streaming.NewManager(64), journal, zaptest.NewLogger(t))
	mux := http.NewServeMux()
	NewStreamingHandler(broadcaster, zaptest.NewLogger(t)).RegisterRoutes(mux)
	return broadcaster, mux
}

// serveSSE runs the handler with a context that is cancelled shortly
// after the request starts, so the endless SSE loop terminates.
func serveSSE(t *testing.T, h http.Handler, target string, lastEventID string) *httptest.ResponseRecorder {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestObserverSSERequiresConversationID(t *testing.T) {
	_, h := newStreamingServer(t, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/sse", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestObserverSSEReplaysRingBacklog(t *testing.T) {
	broadcaster, h := newStreamingServer(t, nil)
	ctx := context.Background()

	// Sequences are assigned 1, 2, 3 in publish order.
	broadcaster.Broadcast(ctx, "conv-1", streaming.ContentChunk("first"))
	broadcaster.Broadcast(ctx, "conv-1", streaming.ContentChunk("second"))
	broadcaster.Broadcast(ctx, "conv-1", streaming.ContentChunk("third"))

	rec := serveSSE(t, h, "/stream/sse?conversation_id=conv-1", "2")
	body := rec.Body.String()

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.NotContains(t, body, "first", "chunks at or before Last-Event-ID are not replayed")
	assert.NotContains(t, body, "second")
	assert.Contains(t, body, "third")
	assert.Contains(t, body, "id: 3")
}

func TestObserverSSETypeFilter(t *testing.T) {
	broadcaster, h := newStreamingServer(t, nil)
	ctx := context.Background()

	broadcaster.Broadcast(ctx, "conv-2", streaming.ContentChunk("visible text"))
	broadcaster.Broadcast(ctx, "conv-2", streaming.ContentChunk("more text"))
	broadcaster.Broadcast(ctx, "conv-2", streaming.MetadataChunk(map[string]interface{}{"k": "v"}))

	rec := serveSSE(t, h, "/stream/sse?conversation_id=conv-2&types=metadata&last_event_id=1", "")
	body := rec.Body.String()
	assert.Contains(t, body, "event: metadata")
	assert.NotContains(t, body, "event: content")
}

func TestObserverSSEJournalFallback(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	journal := streaming.NewJournal(client, 128, zaptest.NewLogger(t))

	broadcaster, h := newStreamingServer(t, journal)
	ctx := context.Background()
	broadcaster.Broadcast(ctx, "conv-3", streaming.ContentChunk("alpha"))
	broadcaster.Broadcast(ctx, "conv-3", streaming.ContentChunk("beta"))
	broadcaster.Broadcast(ctx, "conv-3", streaming.ContentChunk("gamma"))

	// Wipe the live ring so only the journal can serve the backlog.
	broadcaster.Manager().Forget("conv-3")

	rec := serveSSE(t, h, "/stream/sse?conversation_id=conv-3", "2")
	body := rec.Body.String()
	assert.NotContains(t, body, "alpha")
	assert.NotContains(t, body, "beta")
	assert.Contains(t, body, "gamma")
}

func TestObserverSSEFirstChunkCarriesEventID(t *testing.T) {
	broadcaster, h := newStreamingServer(t, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/stream/sse?conversation_id=conv-5")
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, ": connected"))

	first := broadcaster.Broadcast(context.Background(), "conv-5", streaming.ContentChunk("opening"))
	require.Equal(t, uint64(1), first.Seq)

	// The very first chunk of a stream must carry an id line so a
	// reconnect can anchor Last-Event-ID on it.
	deadline := time.After(2 * time.Second)
	got := make(chan string, 1)
	go func() {
		for {
			l, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(l, "id: ") {
				got <- strings.TrimSpace(l)
				return
			}
		}
	}()
	select {
	case id := <-got:
		assert.Equal(t, "id: 1", id)
	case <-deadline:
		t.Fatal("first chunk arrived without an event ID")
	}
}

func TestObserverSSEStreamsLiveChunks(t *testing.T) {
	broadcaster, h := newStreamingServer(t, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/stream/sse?conversation_id=conv-4")
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	reader := bufio.NewReader(resp.Body)

	// The initial comment confirms the subscription is in place.
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, ": connected"))

	broadcaster.Broadcast(context.Background(), "conv-4", streaming.ContentChunk("live update"))

	deadline := time.After(2 * time.Second)
	got := make(chan string, 1)
	go func() {
		for {
			l, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.Contains(l, "live update") {
				got <- l
				return
			}
		}
	}()
	select {
	case <-got:
	case <-deadline:
		t.Fatal("live chunk never reached the SSE observer")
	}
}

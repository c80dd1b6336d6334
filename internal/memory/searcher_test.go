package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/candorlabs-ai/candor/go/conductor/internal/embeddings"
)

type fakeEmbedder struct {
	vec        []float32
	embedCalls int
	batchTexts [][]string
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string, _ string) ([]float32, error) {
	f.embedCalls++
	return f.vec, nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string, _ string) ([][]float32, error) {
	f.batchTexts = append(f.batchTexts, texts)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

// storeFor builds a Store pointed at the test server.
func storeFor(t *testing.T, srv *httptest.Server, cfg Config) *Store {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	cfg.Host = host
	cfg.Port = port
	return NewStore(cfg, zaptest.NewLogger(t))
}

func writePoints(w http.ResponseWriter, nested bool, pts []map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if nested {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{"points": pts},
			"status": "ok",
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"result": pts, "status": "ok"})
}

func TestSearchMapsHitsAndAppliesScope(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/conversation_turns/points/query", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writePoints(w, true, []map[string]interface{}{
			{"id": "p1", "score": 0.9, "payload": map[string]interface{}{
				"content": "earlier answer", "role": "assistant",
			}},
		})
	}))
	defer srv.Close()

	cfg := Config{Enabled: true, TopK: 3, Threshold: 0.5}
	store := storeFor(t, srv, cfg)
	emb := &fakeEmbedder{vec: []float32{0.1, 0.2}}
	svc := NewService(store.Config(), store, emb, nil, zaptest.NewLogger(t))

	hits, err := svc.Search(context.Background(), "what did we decide",
		Scope{ConversationID: "conv-1", TenantID: "t-1"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "p1", hits[0].ID)
	assert.Equal(t, "earlier answer", hits[0].Content)
	assert.InDelta(t, 0.9, hits[0].Score, 0.0001)
	assert.Equal(t, "assistant", hits[0].Metadata["role"])
	assert.NotContains(t, hits[0].Metadata, "content")

	assert.Equal(t, 1, emb.embedCalls)
	assert.Equal(t, float64(3), gotBody["limit"])
	filter := gotBody["filter"].(map[string]interface{})
	must := filter["must"].([]interface{})
	require.Len(t, must, 2)
	first := must[0].(map[string]interface{})
	assert.Equal(t, "conversation_id", first["key"])
	assert.Equal(t, "conv-1", first["match"].(map[string]interface{})["value"])
}

func TestSearchFallsBackToLegacyEndpoint(t *testing.T) {
	var queryCalled, searchCalled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/points/query"):
			queryCalled = true
			http.Error(w, "unknown endpoint", http.StatusNotFound)
		case strings.HasSuffix(r.URL.Path, "/points/search"):
			searchCalled = true
			writePoints(w, false, []map[string]interface{}{
				{"id": "legacy", "score": 0.7, "payload": map[string]interface{}{"content": "old server"}},
			})
		default:
			http.Error(w, "unexpected path "+r.URL.Path, http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	store := storeFor(t, srv, Config{Enabled: true})
	emb := &fakeEmbedder{vec: []float32{1}}
	svc := NewService(store.Config(), store, emb, nil, zaptest.NewLogger(t))

	hits, err := svc.Search(context.Background(), "anything", Scope{ConversationID: "c"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "old server", hits[0].Content)
	assert.True(t, queryCalled)
	assert.True(t, searchCalled)
}

func TestSearchNoResultsIsNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writePoints(w, true, nil)
	}))
	defer srv.Close()

	store := storeFor(t, srv, Config{Enabled: true})
	svc := NewService(store.Config(), store, &fakeEmbedder{vec: []float32{1}}, nil, zaptest.NewLogger(t))

	hits, err := svc.Search(context.Background(), "nothing matches", Scope{ConversationID: "c"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchDisabledOrEmptyQueryYieldsNothing(t *testing.T) {
	svc := NewService(Config{Enabled: false}, nil, nil, nil, zaptest.NewLogger(t))
	hits, err := svc.Search(context.Background(), "query", Scope{ConversationID: "c"})
	require.NoError(t, err)
	assert.Nil(t, hits)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("store must not be called for an empty query")
	}))
	defer srv.Close()
	store := storeFor(t, srv, Config{Enabled: true})
	svc = NewService(store.Config(), store, &fakeEmbedder{vec: []float32{1}}, nil, zaptest.NewLogger(t))
	hits, err = svc.Search(context.Background(), "", Scope{ConversationID: "c"})
	require.NoError(t, err)
	assert.Nil(t, hits)
}

func TestSearchMMRPrefersDiverseResults(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writePoints(w, true, []map[string]interface{}{
			{"id": "a", "score": 0.99, "payload": map[string]interface{}{"content": "A"}, "vector": []float64{1, 0}},
			{"id": "b", "score": 0.98, "payload": map[string]interface{}{"content": "B"}, "vector": []float64{0.99, 0.14}},
			{"id": "c", "score": 0.40, "payload": map[string]interface{}{"content": "C"}, "vector": []float64{0.1, 0.995}},
			{"id": "d", "score": 0.95, "payload": map[string]interface{}{"content": "D"}, "vector": []float64{0.9, 0.44}},
		})
	}))
	defer srv.Close()

	cfg := Config{
		Enabled:           true,
		TopK:              2,
		MMREnabled:        true,
		MMRLambda:         0.3,
		MMRPoolMultiplier: 2,
	}
	store := storeFor(t, srv, cfg)
	svc := NewService(store.Config(), store, &fakeEmbedder{vec: []float32{1, 0}}, nil, zaptest.NewLogger(t))

	hits, err := svc.Search(context.Background(), "query", Scope{ConversationID: "c"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID, "most relevant result first")
	assert.Equal(t, "c", hits[1].ID, "diversity must beat near-duplicates of the first pick")

	assert.Equal(t, float64(4), gotBody["limit"], "pool is topK times the multiplier")
	assert.Equal(t, true, gotBody["with_vector"])
}

func TestSearchKnowledgeIsTenantScopedOnly(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/knowledge_chunks/points/query", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writePoints(w, true, nil)
	}))
	defer srv.Close()

	store := storeFor(t, srv, Config{Enabled: true})
	svc := NewService(store.Config(), store, &fakeEmbedder{vec: []float32{1}}, nil, zaptest.NewLogger(t))

	_, err := svc.SearchKnowledge(context.Background(), "docs about widgets",
		Scope{ConversationID: "conv-1", TenantID: "t-9"})
	require.NoError(t, err)

	filter := gotBody["filter"].(map[string]interface{})
	must := filter["must"].([]interface{})
	require.Len(t, must, 1, "knowledge search must not filter by conversation")
	assert.Equal(t, "tenant_id", must[0].(map[string]interface{})["key"])
}

func TestRecentTurnsUsesScroll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/conversation_turns/points/scroll", r.URL.Path)
		writePoints(w, true, []map[string]interface{}{
			{"id": "turn-1", "payload": map[string]interface{}{"content": "hi", "role": "user"}},
			{"id": "turn-2", "payload": map[string]interface{}{"content": "hello", "role": "assistant"}},
		})
	}))
	defer srv.Close()

	store := storeFor(t, srv, Config{Enabled: true})
	svc := NewService(store.Config(), store, &fakeEmbedder{vec: []float32{1}}, nil, zaptest.NewLogger(t))

	hits, err := svc.RecentTurns(context.Background(), Scope{ConversationID: "c"}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "hi", hits[0].Content)
	assert.Equal(t, "hello", hits[1].Content)
}

func TestIndexTurnUpsertsPayload(t *testing.T) {
	var gotItems []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/collections/conversation_turns/points", r.URL.Path)
		var body struct {
			Points []map[string]interface{} `json:"points"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotItems = body.Points
		fmt.Fprint(w, `{"status":"ok","time":0.001}`)
	}))
	defer srv.Close()

	store := storeFor(t, srv, Config{Enabled: true})
	emb := &fakeEmbedder{vec: []float32{0.5, 0.5}}
	svc := NewService(store.Config(), store, emb, nil, zaptest.NewLogger(t))

	err := svc.IndexTurn(context.Background(),
		Scope{ConversationID: "conv-7", TenantID: "t-1"},
		"assistant", "the plan is approved",
		map[string]interface{}{"workflow_type": "chat"})
	require.NoError(t, err)

	require.Len(t, gotItems, 1)
	item := gotItems[0]
	_, err = uuid.Parse(item["id"].(string))
	require.NoError(t, err, "point id must be a uuid")

	payload := item["payload"].(map[string]interface{})
	assert.Equal(t, "the plan is approved", payload["content"])
	assert.Equal(t, "assistant", payload["role"])
	assert.Equal(t, "conv-7", payload["conversation_id"])
	assert.Equal(t, "t-1", payload["tenant_id"])
	assert.Equal(t, "chat", payload["workflow_type"])
	assert.NotNil(t, payload["timestamp"])
}

func TestIndexTurnChunksLongContent(t *testing.T) {
	var gotItems []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Points []map[string]interface{} `json:"points"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotItems = body.Points
		fmt.Fprint(w, `{"status":"ok"}`)
	}))
	defer srv.Close()

	store := storeFor(t, srv, Config{Enabled: true})
	emb := &fakeEmbedder{vec: []float32{1}}
	chunker := embeddings.NewChunker(embeddings.ChunkingConfig{Enabled: true, MaxTokens: 10, OverlapTokens: 3})
	svc := NewService(store.Config(), store, emb, chunker, zaptest.NewLogger(t))

	words := make([]string, 25)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	err := svc.IndexTurn(context.Background(), Scope{ConversationID: "c"},
		"assistant", strings.Join(words, " "), nil)
	require.NoError(t, err)

	require.Len(t, gotItems, 4)
	require.Len(t, emb.batchTexts, 1)
	assert.Len(t, emb.batchTexts[0], 4)

	first := gotItems[0]["payload"].(map[string]interface{})
	assert.Equal(t, float64(0), first["chunk_index"])
	assert.Equal(t, float64(4), first["chunk_total"])
	assert.NotEmpty(t, first["group_id"])
}

func TestIndexTurnDisabledOrEmptyIsNoop(t *testing.T) {
	svc := NewService(Config{Enabled: false}, nil, nil, nil, zaptest.NewLogger(t))
	require.NoError(t, svc.IndexTurn(context.Background(), Scope{}, "user", "hello", nil))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("store must not be called for empty content")
	}))
	defer srv.Close()
	store := storeFor(t, srv, Config{Enabled: true})
	svc = NewService(store.Config(), store, &fakeEmbedder{vec: []float32{1}}, nil, zaptest.NewLogger(t))
	require.NoError(t, svc.IndexTurn(context.Background(), Scope{ConversationID: "c"}, "user", "", nil))
}

func TestValidateDimensions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":{"points_count":10,"config":{"params":{"vectors":{"size":3,"distance":"Cosine"}}}}}`)
	}))
	defer srv.Close()

	store := storeFor(t, srv, Config{Enabled: true, ExpectedDim: 3})
	require.NoError(t, store.ValidateDimensions(context.Background()))

	mismatched := storeFor(t, srv, Config{Enabled: true, ExpectedDim: 1536})
	err := mismatched.ValidateDimensions(context.Background())
	require.Error(t, err)
	var dim DimensionMismatchError
	require.ErrorAs(t, err, &dim)
	assert.Equal(t, 1536, dim.Expected)
	assert.Equal(t, 3, dim.Got)
}

func TestCosineSim(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSim([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSim([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, 0.0, cosineSim(nil, []float32{1}), 1e-9)
}

func TestMMRReorderSingleAndEmpty(t *testing.T) {
	pts := []point{{ID: "only"}}
	assert.Equal(t, pts, mmrReorder([]float32{1}, pts, 0.5))
	assert.Empty(t, mmrReorder([]float32{1}, nil, 0.5))
}

package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/candorlabs-ai/candor/go/conductor/internal/circuitbreaker"
	"github.com/candorlabs-ai/candor/go/conductor/internal/config"
	"github.com/candorlabs-ai/candor/go/conductor/internal/profiling"
)

func newProfilingServer(t *testing.T, cfg config.ProfilingConfig) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	wrapper := circuitbreaker.NewRedisWrapper(client, zaptest.NewLogger(t))
	t.Cleanup(func() { wrapper.Close() })

	store := profiling.NewStore(wrapper, time.Hour, zaptest.NewLogger(t))
	analyzer := profiling.NewDefaultAnalyzer(nil, cfg.CompletenessThreshold, nil, zaptest.NewLogger(t))
	mgr := profiling.NewManager(store, analyzer, nil, cfg, nil, zaptest.NewLogger(t))

	mux := http.NewServeMux()
	NewProfilingHandler(mgr, zaptest.NewLogger(t)).RegisterRoutes(mux)
	return devMux(mux)
}

func decodeSession(t *testing.T, body []byte) *profiling.Session {
	t.Helper()
	var sess profiling.Session
	require.NoError(t, json.Unmarshal(body, &sess))
	return &sess
}

func TestProfilingSessionLifecycleOverHTTP(t *testing.T) {
	h := newProfilingServer(t, config.ProfilingConfig{MaxIterations: 3, CompletenessThreshold: 0.99})

	rec := postJSON(t, h, "/api/v1/profiling/sessions", `{"conversation_id":"conv-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sess := decodeSession(t, rec.Body.Bytes())
	require.NotEmpty(t, sess.ID)
	require.NotEmpty(t, sess.PendingQuestions)
	assert.Equal(t, profiling.StatusActive, sess.Status)
	assert.Zero(t, sess.Iteration)

	// Advance with unhelpful answers until the iteration cap forces a stop.
	for i := 1; i <= 3; i++ {
		answers := make([]map[string]string, 0, len(sess.PendingQuestions))
		for _, q := range sess.PendingQuestions {
			answers = append(answers, map[string]string{"question_id": q.ID, "text": "hmm"})
		}
		body, err := json.Marshal(map[string]interface{}{"answers": answers})
		require.NoError(t, err)

		rec = postJSON(t, h, "/api/v1/profiling/sessions/"+sess.ID+"/advance", string(body))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		sess = decodeSession(t, rec.Body.Bytes())
		assert.Equal(t, i, sess.Iteration)
		assert.Len(t, sess.History, i)
	}

	assert.Equal(t, profiling.StatusCompleted, sess.Status)
	assert.False(t, sess.ShouldContinue)
	assert.Equal(t, profiling.ReasonMaxIterations, sess.CompletionReason)

	// A completed session rejects further advances.
	rec = postJSON(t, h, "/api/v1/profiling/sessions/"+sess.ID+"/advance",
		`{"answers":[{"question_id":"q","text":"more"}]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestProfilingGetSession(t *testing.T) {
	h := newProfilingServer(t, config.ProfilingConfig{})

	rec := postJSON(t, h, "/api/v1/profiling/sessions", `{"conversation_id":"conv-2"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeSession(t, rec.Body.Bytes())

	rec = getPath(t, h, "/api/v1/profiling/sessions/"+created.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	fetched := decodeSession(t, rec.Body.Bytes())
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, created.ConversationID, fetched.ConversationID)
}

func TestProfilingUnknownSession(t *testing.T) {
	h := newProfilingServer(t, config.ProfilingConfig{})

	rec := getPath(t, h, "/api/v1/profiling/sessions/no-such-session")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = postJSON(t, h, "/api/v1/profiling/sessions/no-such-session/advance",
		`{"answers":[{"question_id":"q","text":"answer"}]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProfilingBadRequests(t *testing.T) {
	h := newProfilingServer(t, config.ProfilingConfig{})

	rec := postJSON(t, h, "/api/v1/profiling/sessions", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, h, "/api/v1/profiling/sessions", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, h, fmt.Sprintf("/api/v1/profiling/sessions/%s/advance", "id"), `{"answers":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

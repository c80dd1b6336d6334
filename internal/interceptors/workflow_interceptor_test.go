package interceptors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripperInjectsWorkflowHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewWorkflowHTTPRoundTripper(nil)}

	ctx := WithWorkflowMeta(context.Background(), WorkflowMeta{
		WorkflowID:     "wf-123",
		RunID:          "run-456",
		ConversationID: "conv-789",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "wf-123", got.Get("X-Workflow-ID"))
	assert.Equal(t, "run-456", got.Get("X-Run-ID"))
	assert.Equal(t, "conv-789", got.Get("X-Conversation-ID"))
}

func TestRoundTripperWithoutMetaLeavesHeadersUnset(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewWorkflowHTTPRoundTripper(nil)}

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, got.Get("X-Workflow-ID"))
	assert.Empty(t, got.Get("X-Run-ID"))
	assert.Empty(t, got.Get("X-Conversation-ID"))
}

func TestWorkflowMetaFromContextMissing(t *testing.T) {
	_, ok := WorkflowMetaFromContext(context.Background())
	assert.False(t, ok)
}

func TestPartialMetaOnlySetsPresentFields(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewWorkflowHTTPRoundTripper(nil)}

	ctx := WithWorkflowMeta(context.Background(), WorkflowMeta{ConversationID: "conv-1"})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, got.Get("X-Workflow-ID"))
	assert.Equal(t, "conv-1", got.Get("X-Conversation-ID"))
}

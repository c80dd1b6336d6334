package interceptors

import (
	"context"
	"net/http"
)

// ContextKey is the key type for context values
type ContextKey string

const (
	// WorkflowMetaKey is the context key for workflow identifiers
	WorkflowMetaKey ContextKey = "workflow-meta"
)

// WorkflowMeta identifies the workflow run and conversation that originated
// an outbound service call. Downstream services use the headers for log
// correlation.
type WorkflowMeta struct {
	WorkflowID     string
	RunID          string
	ConversationID string
}

// WithWorkflowMeta returns a context carrying workflow identifiers for
// outbound HTTP calls.
func WithWorkflowMeta(ctx context.Context, meta WorkflowMeta) context.Context {
	return context.WithValue(ctx, WorkflowMetaKey, meta)
}

// WorkflowMetaFromContext extracts identifiers attached with WithWorkflowMeta.
func WorkflowMetaFromContext(ctx context.Context) (WorkflowMeta, bool) {
	meta, ok := ctx.Value(WorkflowMetaKey).(WorkflowMeta)
	return meta, ok
}

// WorkflowHTTPRoundTripper adds workflow metadata to outgoing HTTP requests
type WorkflowHTTPRoundTripper struct {
	base http.RoundTripper
}

// NewWorkflowHTTPRoundTripper creates a new HTTP interceptor that adds workflow metadata
func NewWorkflowHTTPRoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &WorkflowHTTPRoundTripper{base: base}
}

// RoundTrip implements http.RoundTripper and injects workflow headers
func (w *WorkflowHTTPRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if meta, ok := WorkflowMetaFromContext(req.Context()); ok {
		if meta.WorkflowID != "" {
			req.Header.Set("X-Workflow-ID", meta.WorkflowID)
		}
		if meta.RunID != "" {
			req.Header.Set("X-Run-ID", meta.RunID)
		}
		if meta.ConversationID != "" {
			req.Header.Set("X-Conversation-ID", meta.ConversationID)
		}
	}
	return w.base.RoundTrip(req)
}

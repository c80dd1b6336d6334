package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/auth"
	"github.com/candorlabs-ai/candor/go/conductor/internal/conversation"
	"github.com/candorlabs-ai/candor/go/conductor/internal/db"
	"github.com/candorlabs-ai/candor/go/conductor/internal/guardrail"
	"github.com/candorlabs-ai/candor/go/conductor/internal/policy"
	"github.com/candorlabs-ai/candor/go/conductor/internal/streaming"
	"github.com/candorlabs-ai/candor/go/conductor/internal/workflow"
)

// WorkflowHandler drives one conversation turn end to end: policy gate,
// input guardrails, workflow dispatch, output guardrails, conversation
// bookkeeping, and the async run record. The streaming endpoint serves
// the caller over SSE and mirrors every chunk to the broadcaster so
// observers on /stream/sse and /stream/ws see the same sequence.
//
// Endpoints:
//
//	POST /api/v1/workflows/run
//	POST /api/v1/workflows/stream
//	GET  /api/v1/workflows/capabilities
type WorkflowHandler struct {
	registry    *workflow.Registry
	pipeline    *guardrail.Pipeline
	convs       *conversation.Store
	policy      policy.Engine
	dbClient    *db.Client
	broadcaster *streaming.Broadcaster
	environment string
	logger      *zap.Logger
}

type WorkflowHandlerDeps struct {
	Registry      *workflow.Registry
	Pipeline      *guardrail.Pipeline
	Conversations *conversation.Store
	Policy        policy.Engine
	DB            *db.Client
	Broadcaster   *streaming.Broadcaster
	Environment   string
	Logger        *zap.Logger
}

func NewWorkflowHandler(deps WorkflowHandlerDeps) *WorkflowHandler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &WorkflowHandler{
		registry:    deps.Registry,
		pipeline:    deps.Pipeline,
		convs:       deps.Conversations,
		policy:      deps.Policy,
		dbClient:    deps.DB,
		broadcaster: deps.Broadcaster,
		environment: deps.Environment,
		logger:      deps.Logger,
	}
}

// RegisterRoutes registers workflow endpoints on the given mux.
func (h *WorkflowHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/workflows/run", h.handleRun)
	mux.HandleFunc("/api/v1/workflows/stream", h.handleStream)
	mux.HandleFunc("/api/v1/workflows/capabilities", h.handleCapabilities)
}

type runRequest struct {
	WorkflowType   string                 `json:"workflow_type"`
	Message        string                 `json:"message"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Vars           map[string]interface{} `json:"vars,omitempty"`
}

// turnSetup is everything resolved before dispatching a workflow.
type turnSetup struct {
	typ     workflow.Type
	workCtx workflow.Context
	runID   string
	user    *auth.UserContext
	message string // post-guardrail message (rewrites applied)
}

func (h *WorkflowHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	setup, ok := h.prepareTurn(w, r, false)
	if !ok {
		return
	}
	ctx := r.Context()

	h.queueRunRecord(setup, "running", nil, nil, 0)
	start := time.Now()

	result, err := h.registry.Run(ctx, setup.typ, setup.workCtx, credentialFrom(r))
	if err != nil {
		h.queueRunRecord(setup, runStatusForError(err), nil, err, time.Since(start))
		writeTaxonomyError(w, err)
		return
	}

	// Output-side screening runs on the completed text, never mid-unit.
	outCheck := h.pipeline.CheckOutput(result.Text)
	if !outCheck.Allowed {
		h.auditBlock(guardrail.DirectionOutput, outCheck, len(result.Text))
		h.queueRunRecord(setup, "blocked", nil, nil, time.Since(start))
		writeTaxonomyError(w, guardrail.Blocked(guardrail.DirectionOutput, outCheck))
		return
	}
	if outCheck.ModifiedContent != "" {
		result.Text = outCheck.ModifiedContent
	}

	h.recordTurn(ctx, setup, result.Text, result.Metadata)
	h.queueRunRecord(setup, "completed", &result, nil, time.Since(start))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":          setup.runID,
		"conversation_id": setup.workCtx.ConversationID,
		"text":            result.Text,
		"metadata":        result.Metadata,
	})
}

func (h *WorkflowHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	setup, ok := h.prepareTurn(w, r, true)
	if !ok {
		return
	}

	flusher, flushable := w.(http.Flusher)
	if !flushable {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": run %s\n\n", setup.runID)
	flusher.Flush()

	ctx := r.Context()
	h.queueRunRecord(setup, "running", nil, nil, 0)
	start := time.Now()

	chunks := h.registry.RunStreaming(ctx, setup.typ, setup.workCtx, credentialFrom(r))

	var text strings.Builder
	sawError := false
	for chunk := range chunks {
		if chunk.Type == streaming.ChunkContent {
			text.WriteString(chunk.Content)
		}
		if chunk.Type == streaming.ChunkError {
			sawError = true
		}
		h.emitChunk(ctx, w, flusher, setup.workCtx.ConversationID, chunk)
	}

	if ctx.Err() != nil {
		// Caller went away; the registry already propagated cancellation
		// into the generation stream. Nothing more to deliver.
		h.queueRunRecord(setup, "cancelled", nil, nil, time.Since(start))
		return
	}
	if sawError {
		h.queueRunRecord(setup, "error", nil, nil, time.Since(start))
		return
	}

	// The full response is the completed unit the output chain screens.
	// Fragments already delivered are never retracted; a block surfaces
	// as the stream's terminal error chunk instead.
	full := text.String()
	outCheck := h.pipeline.CheckOutput(full)
	if !outCheck.Allowed {
		h.auditBlock(guardrail.DirectionOutput, outCheck, len(full))
		h.queueRunRecord(setup, "blocked", nil, nil, time.Since(start))
		h.emitChunk(ctx, w, flusher, setup.workCtx.ConversationID,
			streaming.ErrorChunk("response blocked by output guardrails"))
		return
	}

	h.recordTurn(ctx, setup, full, map[string]interface{}{
		"workflow_type": string(setup.typ),
		"streaming":     true,
	})
	h.queueRunRecord(setup, "completed", &workflow.Result{Text: full}, nil, time.Since(start))
}

func (h *WorkflowHandler) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	caps := make(map[string]workflow.Capabilities, 4)
	for _, t := range h.registry.Types() {
		handler, ok := h.registry.Handler(t)
		if !ok {
			continue
		}
		caps[string(t)] = handler.Capabilities()
	}
	writeJSON(w, http.StatusOK, caps)
}

// prepareTurn runs everything that precedes workflow dispatch: auth,
// request decoding, the policy gate, the input guardrail chain, and
// conversation resolution. On failure it writes the response itself.
func (h *WorkflowHandler) prepareTurn(w http.ResponseWriter, r *http.Request, stream bool) (turnSetup, bool) {
	if !requireScopes(w, r, auth.ScopeWorkflowsRun) {
		return turnSetup{}, false
	}
	user, err := auth.GetUserContext(r.Context())
	if err != nil {
		writeTaxonomyError(w, err)
		return turnSetup{}, false
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return turnSetup{}, false
	}
	typ, err := workflow.ParseType(req.WorkflowType)
	if err != nil {
		writeTaxonomyError(w, err)
		return turnSetup{}, false
	}

	if deny := h.evaluatePolicy(r, user, req, stream); deny != "" {
		writeError(w, http.StatusForbidden, deny)
		return turnSetup{}, false
	}

	inCheck := h.pipeline.CheckInput(req.Message)
	if !inCheck.Allowed {
		h.auditBlock(guardrail.DirectionInput, inCheck, len(req.Message))
		writeTaxonomyError(w, guardrail.Blocked(guardrail.DirectionInput, inCheck))
		return turnSetup{}, false
	}
	message := req.Message
	if inCheck.ModifiedContent != "" {
		message = inCheck.ModifiedContent
	}

	conv, err := h.resolveConversation(r.Context(), req.ConversationID, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "conversation store unavailable")
		return turnSetup{}, false
	}

	workCtx := workflow.Context{
		UserMessage:    message,
		ConversationID: conv.ID,
		TenantID:       user.TenantID.String(),
		History:        historyTurns(conv),
		Vars:           req.Vars,
	}
	return turnSetup{
		typ:     typ,
		workCtx: workCtx,
		runID:   uuid.New().String(),
		user:    user,
		message: message,
	}, true
}

// evaluatePolicy consults the OPA gate. An empty return means allowed;
// otherwise it is the denial message. Engine failures follow the
// engine's own fail-open/fail-closed configuration.
func (h *WorkflowHandler) evaluatePolicy(r *http.Request, user *auth.UserContext, req runRequest, stream bool) string {
	if h.policy == nil || !h.policy.IsEnabled() {
		return ""
	}
	decision, err := h.policy.Evaluate(r.Context(), &policy.PolicyInput{
		ConversationID: req.ConversationID,
		UserID:         user.UserID.String(),
		TenantID:       user.TenantID.String(),
		Scopes:         user.Scopes,
		WorkflowType:   req.WorkflowType,
		Query:          req.Message,
		Stream:         stream,
		Context:        req.Vars,
		Environment:    h.environment,
		IPAddress:      clientIP(r),
		Timestamp:      time.Now(),
	})
	if err != nil {
		h.logger.Error("policy evaluation failed", zap.Error(err))
		return "policy evaluation failed"
	}
	if !decision.Allow {
		h.logger.Warn("workflow denied by policy",
			zap.String("user_id", user.UserID.String()),
			zap.String("workflow_type", req.WorkflowType),
			zap.String("reason", decision.Reason))
		if decision.Reason != "" {
			return "denied by policy: " + decision.Reason
		}
		return "denied by policy"
	}
	return ""
}

// resolveConversation loads the turn's conversation, creating it when the
// caller did not supply an id or supplied a fresh one. Without a
// conversation store the turn runs stateless under a generated id.
func (h *WorkflowHandler) resolveConversation(ctx context.Context, id string, user *auth.UserContext) (*conversation.Conversation, error) {
	if h.convs == nil {
		if id == "" {
			id = uuid.New().String()
		}
		return &conversation.Conversation{ID: id, UserID: user.UserID.String()}, nil
	}
	if id == "" {
		return h.convs.Create(ctx, user.UserID.String(), user.TenantID.String(), nil)
	}
	conv, err := h.convs.Get(ctx, id)
	if err == nil && conv != nil {
		return conv, nil
	}
	return h.convs.CreateWithID(ctx, id, user.UserID.String(), user.TenantID.String(), nil)
}

// recordTurn appends the user and assistant messages to the conversation.
func (h *WorkflowHandler) recordTurn(ctx context.Context, setup turnSetup, responseText string, metadata map[string]interface{}) {
	if h.convs == nil {
		return
	}
	tokens, cost := usageFromMetadata(metadata)
	now := time.Now()
	if err := h.convs.AppendMessage(ctx, setup.workCtx.ConversationID, conversation.Message{
		ID:        uuid.New().String(),
		Role:      "user",
		Content:   setup.message,
		Timestamp: now,
	}); err != nil {
		h.logger.Warn("failed to append user message", zap.Error(err))
		return
	}
	if err := h.convs.AppendMessage(ctx, setup.workCtx.ConversationID, conversation.Message{
		ID:         uuid.New().String(),
		Role:       "assistant",
		Content:    responseText,
		Timestamp:  now,
		Metadata:   metadata,
		TokensUsed: tokens,
		CostUSD:    cost,
	}); err != nil {
		h.logger.Warn("failed to append assistant message", zap.Error(err))
	}
}

// emitChunk writes one SSE frame and mirrors the chunk to observers.
func (h *WorkflowHandler) emitChunk(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, conversationID string, chunk streaming.Chunk) {
	if h.broadcaster != nil {
		chunk = h.broadcaster.Broadcast(ctx, conversationID, chunk)
	}
	if chunk.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", chunk.Seq)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", chunk.Type, chunk.Marshal())
	flusher.Flush()
}

// queueRunRecord writes the run row asynchronously; the run_id upsert
// makes the running/terminal pair idempotent.
func (h *WorkflowHandler) queueRunRecord(setup turnSetup, status string, result *workflow.Result, runErr error, duration time.Duration) {
	if h.dbClient == nil {
		return
	}
	run := &db.WorkflowRun{
		RunID:          setup.runID,
		ConversationID: setup.workCtx.ConversationID,
		WorkflowType:   string(setup.typ),
		Prompt:         setup.message,
		Status:         status,
		StartedAt:      time.Now().Add(-duration),
	}
	if setup.user != nil {
		uid := setup.user.UserID
		run.UserID = &uid
	}
	if result != nil {
		text := result.Text
		run.Result = &text
		tokens, cost := usageFromMetadata(result.Metadata)
		run.TotalTokens = tokens
		run.CostUSD = cost
	}
	if runErr != nil {
		msg := sanitizeErr(runErr.Error())
		run.ErrorMessage = &msg
	}
	if status != "running" {
		now := time.Now()
		run.CompletedAt = &now
		ms := int(duration.Milliseconds())
		run.DurationMs = &ms
	}
	if err := h.dbClient.QueueWrite(db.WriteTypeWorkflowRun, run, nil); err != nil {
		h.logger.Warn("failed to queue workflow run record", zap.Error(err))
	}
}

// auditBlock queues a guardrail_events row so blocks are never silently
// dropped, even when the pipeline's own block hook is not wired.
func (h *WorkflowHandler) auditBlock(direction guardrail.Direction, result guardrail.Result, contentLength int) {
	if h.dbClient == nil {
		return
	}
	rules := make([]string, 0, len(result.Violations))
	details := make(map[string]interface{}, len(result.Violations))
	for _, v := range result.Violations {
		rules = append(rules, v.RuleName)
		details[v.RuleName] = v.Reason
	}
	event := &db.GuardrailEvent{
		Direction:     string(direction),
		Severity:      result.Severity.String(),
		Rules:         rules,
		Details:       db.JSONB(details),
		ContentLength: contentLength,
		CheckedAt:     time.Now(),
	}
	if err := h.dbClient.QueueWriteWithRetry(db.WriteTypeGuardrailEvent, event, nil); err != nil {
		h.logger.Warn("failed to queue guardrail event", zap.Error(err))
	}
}

func runStatusForError(err error) string {
	if err == nil {
		return "completed"
	}
	return "error"
}

func historyTurns(conv *conversation.Conversation) []workflow.Turn {
	if conv == nil || len(conv.History) == 0 {
		return nil
	}
	turns := make([]workflow.Turn, 0, len(conv.History))
	for _, msg := range conv.History {
		turns = append(turns, workflow.Turn{
			Role:      msg.Role,
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
		})
	}
	return turns
}

func usageFromMetadata(metadata map[string]interface{}) (tokens int, cost float64) {
	usage, ok := metadata["token_usage"].(map[string]interface{})
	if !ok {
		return 0, 0
	}
	switch n := usage["total_tokens"].(type) {
	case int:
		tokens = n
	case float64:
		tokens = int(n)
	}
	switch c := usage["cost_usd"].(type) {
	case float64:
		cost = c
	}
	return tokens, cost
}

// credentialFrom extracts the caller's provider credential, passed through
// opaquely to the generation service.
func credentialFrom(r *http.Request) string {
	return r.Header.Get("X-Provider-Key")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i > 0 {
		host = host[:i]
	}
	return host
}

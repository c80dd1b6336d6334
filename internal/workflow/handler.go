package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/config"
	"github.com/candorlabs-ai/candor/go/conductor/internal/llm"
	"github.com/candorlabs-ai/candor/go/conductor/internal/metrics"
	"github.com/candorlabs-ai/candor/go/conductor/internal/streaming"
)

// Handler is the shared contract every workflow variant implements.
//
// ValidateContext and PrepareContext are exposed separately so callers can
// pre-flight a context, but Execute and ExecuteStreaming always re-run them:
// a handler invocation is self-contained.
type Handler interface {
	Type() Type
	ValidateContext(workCtx Context) error
	PrepareContext(ctx context.Context, workCtx Context) Context
	Execute(ctx context.Context, workCtx Context, credential string) (Result, error)
	ExecuteStreaming(ctx context.Context, workCtx Context, credential string) <-chan streaming.Chunk
	Capabilities() Capabilities
}

// core implements the generation plumbing shared by all variants. Each
// variant embeds it and plugs in its own validate and prepare hooks.
type core struct {
	typ      Type
	approach string

	gen    Generator
	cfg    config.WorkflowConfig
	logger *zap.Logger

	steps       []streaming.Step
	style       string
	formats     []string
	features    []string
	tools       []string
	maxTokens   int
	annotations map[string]interface{}

	validate func(workCtx Context) error
	prepare  func(ctx context.Context, workCtx Context) Context
}

func (c *core) Type() Type { return c.typ }

func (c *core) ValidateContext(workCtx Context) error { return c.validate(workCtx) }

func (c *core) PrepareContext(ctx context.Context, workCtx Context) Context {
	return c.prepare(ctx, workCtx)
}

func (c *core) Capabilities() Capabilities {
	return Capabilities{
		Streaming:        true,
		Tools:            append([]string(nil), c.tools...),
		Features:         append([]string(nil), c.features...),
		MaxContextTokens: c.maxTokens,
		ResponseStyle:    c.style,
		OutputFormats:    append([]string(nil), c.formats...),
	}
}

// Execute validates, enriches, and runs one generation call, wrapping the
// outcome with variant metadata.
func (c *core) Execute(ctx context.Context, workCtx Context, credential string) (Result, error) {
	if err := c.validate(workCtx); err != nil {
		return Result{}, err
	}
	metrics.WorkflowsStarted.WithLabelValues(string(c.typ), "false").Inc()
	start := time.Now()

	enriched := c.prepare(ctx, workCtx)
	res, err := c.gen.Generate(ctx, c.buildRequest(enriched), credential)
	if err != nil {
		metrics.RecordWorkflowMetrics(string(c.typ), "error", time.Since(start).Seconds(), 0)
		c.logger.Warn("workflow generation failed",
			zap.String("workflow_type", string(c.typ)),
			zap.String("conversation_id", workCtx.ConversationID),
			zap.Error(err))
		return Result{}, err
	}

	metrics.RecordWorkflowMetrics(string(c.typ), "completed", time.Since(start).Seconds(), res.Usage.TotalTokens)
	c.logger.Info("workflow completed",
		zap.String("workflow_type", string(c.typ)),
		zap.String("conversation_id", workCtx.ConversationID),
		zap.Int("tokens_used", res.Usage.TotalTokens),
		zap.Duration("duration", time.Since(start)))
	return Result{Text: res.Text, Metadata: c.resultMetadata(res.Usage)}, nil
}

// ExecuteStreaming validates, enriches, and republishes the generation
// stream as annotated chunks. A validation failure yields exactly one error
// chunk and no content; the returned channel is always closed when the
// sequence ends. Cancelling ctx stops the pump and propagates to the
// generation stream.
func (c *core) ExecuteStreaming(ctx context.Context, workCtx Context, credential string) <-chan streaming.Chunk {
	out := make(chan streaming.Chunk, 8)

	if err := c.validate(workCtx); err != nil {
		out <- c.annotate(streaming.ErrorChunk(err.Error()))
		close(out)
		return out
	}
	metrics.WorkflowsStarted.WithLabelValues(string(c.typ), "true").Inc()
	start := time.Now()

	enriched := c.prepare(ctx, workCtx)
	frags, err := c.gen.GenerateStream(ctx, c.buildRequest(enriched), credential)
	if err != nil {
		metrics.RecordWorkflowMetrics(string(c.typ), "error", time.Since(start).Seconds(), 0)
		c.logger.Warn("workflow stream failed to open",
			zap.String("workflow_type", string(c.typ)),
			zap.String("conversation_id", workCtx.ConversationID),
			zap.Error(err))
		out <- c.annotate(streaming.ErrorChunk(err.Error()))
		close(out)
		return out
	}

	go c.pump(ctx, workCtx.ConversationID, frags, out, start)
	return out
}

// pump republishes generation fragments as chunks through the assembler.
func (c *core) pump(ctx context.Context, conversationID string, frags <-chan llm.Fragment, out chan<- streaming.Chunk, start time.Time) {
	defer close(out)

	asm := streaming.NewAssembler(c.steps, c.annotations)
	status := "completed"
	tokens := 0

	emit := func(chunk streaming.Chunk) bool {
		for _, ch := range asm.Process(chunk) {
			select {
			case out <- c.annotate(ch):
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	if !emit(streaming.MetadataChunk(map[string]interface{}{
		"workflow_type": string(c.typ),
		"approach":      c.approach,
	})) {
		metrics.RecordWorkflowMetrics(string(c.typ), "cancelled", time.Since(start).Seconds(), 0)
		return
	}

	for frag := range frags {
		switch {
		case frag.Err != nil:
			status = "error"
			emit(streaming.ErrorChunk(frag.Err.Error()))
			c.logger.Warn("workflow stream ended with error",
				zap.String("workflow_type", string(c.typ)),
				zap.String("conversation_id", conversationID),
				zap.Error(frag.Err))

		case frag.Done:
			md := map[string]interface{}{"done": true}
			if frag.Usage != nil {
				tokens = frag.Usage.TotalTokens
				md["token_usage"] = usageMap(*frag.Usage)
			}
			emit(streaming.MetadataChunk(md))

		case frag.Delta != "":
			if !emit(streaming.ContentChunk(frag.Delta)) {
				status = "cancelled"
				metrics.RecordWorkflowMetrics(string(c.typ), status, time.Since(start).Seconds(), tokens)
				return
			}
		}
	}

	metrics.RecordWorkflowMetrics(string(c.typ), status, time.Since(start).Seconds(), tokens)
	c.logger.Info("workflow stream finished",
		zap.String("workflow_type", string(c.typ)),
		zap.String("conversation_id", conversationID),
		zap.String("status", status),
		zap.Int("tokens_used", tokens),
		zap.Duration("duration", time.Since(start)))
}

// buildRequest flattens an enriched context into a generation request.
// History is truncated to the most recent MaxContextMessages turns.
func (c *core) buildRequest(workCtx Context) llm.Request {
	history := workCtx.History
	if max := c.cfg.MaxContextMessages; max > 0 && len(history) > max {
		history = history[len(history)-max:]
	}

	msgs := make([]llm.Message, 0, len(history)+2)
	if workCtx.Instructions != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: workCtx.Instructions})
	}
	for _, turn := range history {
		msgs = append(msgs, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: workCtx.UserMessage})

	reqCtx := map[string]interface{}{
		"workflow_type":   string(c.typ),
		"conversation_id": workCtx.ConversationID,
	}
	if workCtx.ResponseStyle != "" {
		reqCtx["response_style"] = workCtx.ResponseStyle
	}
	if workCtx.OutputFormat != "" {
		reqCtx["output_format"] = workCtx.OutputFormat
	}

	req := llm.Request{Messages: msgs, Context: reqCtx}
	if v, ok := asString(workCtx.Vars["provider"]); ok {
		req.Provider = v
	}
	if v, ok := asString(workCtx.Vars["tier"]); ok {
		req.Tier = v
	}
	if n, ok := asInt(workCtx.Vars["max_tokens"]); ok && n > 0 {
		req.MaxTokens = n
	}
	if f, ok := asFloat(workCtx.Vars["temperature"]); ok && f > 0 {
		req.Temperature = f
	}
	return req
}

func (c *core) resultMetadata(usage llm.Usage) map[string]interface{} {
	md := map[string]interface{}{
		"workflow_type": string(c.typ),
		"approach":      c.approach,
		"steps":         stepNames(c.steps),
		"token_usage":   usageMap(usage),
	}
	for k, v := range c.annotations {
		md[k] = v
	}
	return md
}

// annotate stamps the variant annotations onto a chunk without touching
// keys already present and without mutating a shared metadata map.
func (c *core) annotate(ch streaming.Chunk) streaming.Chunk {
	if len(c.annotations) == 0 {
		return ch
	}
	md := make(map[string]interface{}, len(ch.Metadata)+len(c.annotations))
	for k, v := range ch.Metadata {
		md[k] = v
	}
	for k, v := range c.annotations {
		if _, exists := md[k]; !exists {
			md[k] = v
		}
	}
	ch.Metadata = md
	return ch
}

func usageMap(u llm.Usage) map[string]interface{} {
	m := map[string]interface{}{
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"total_tokens":      u.TotalTokens,
	}
	if u.Model != "" {
		m["model"] = u.Model
	}
	if u.CostUSD > 0 {
		m["cost_usd"] = u.CostUSD
	}
	return m
}

func stepNames(steps []streaming.Step) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	return names
}

// requireBase checks the fields every variant needs.
func requireBase(workCtx Context) error {
	if strings.TrimSpace(workCtx.UserMessage) == "" {
		return fmt.Errorf("%w: user_message is required", ErrInvalidContext)
	}
	if workCtx.ConversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", ErrInvalidContext)
	}
	return nil
}

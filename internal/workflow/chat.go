package workflow

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/config"
	"github.com/candorlabs-ai/candor/go/conductor/internal/memory"
)

const chatInstructions = "You are a helpful assistant in an ongoing conversation. " +
	"Answer directly and conversationally, staying consistent with what has " +
	"already been said in this conversation."

// ChatHandler drives plain conversational turns. When a memory recaller is
// configured, relevant earlier turns are recalled and prepended to the
// instructions; recall failure degrades to an unenriched chat, it never
// fails the turn.
type ChatHandler struct {
	core
	memory Recaller
}

func NewChatHandler(gen Generator, mem Recaller, cfg config.WorkflowConfig, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &ChatHandler{
		core: core{
			typ:       TypeChat,
			approach:  "conversational",
			gen:       gen,
			cfg:       cfg,
			logger:    logger,
			style:     "conversational",
			formats:   []string{"text", "markdown"},
			features:  []string{"multi_turn", "memory_recall"},
			maxTokens: 8192,
		},
		memory: mem,
	}
	h.core.validate = h.validateContext
	h.core.prepare = h.prepareContext
	return h
}

func (h *ChatHandler) validateContext(workCtx Context) error {
	return requireBase(workCtx)
}

func (h *ChatHandler) prepareContext(ctx context.Context, workCtx Context) Context {
	enriched := workCtx.Clone()
	enriched.Instructions = chatInstructions
	enriched.ResponseStyle = h.style
	enriched.OutputFormat = "text"

	if h.memory != nil && h.memory.Enabled() {
		hits, err := h.memory.Search(ctx, workCtx.UserMessage, memory.Scope{
			ConversationID: workCtx.ConversationID,
			TenantID:       workCtx.TenantID,
		})
		switch {
		case err != nil:
			h.logger.Warn("memory recall failed, continuing without it",
				zap.String("conversation_id", workCtx.ConversationID),
				zap.Error(err))
		case len(hits) > 0:
			enriched.Instructions += "\n\n" + recalledBlock(hits)
		}
	}
	return enriched
}

func recalledBlock(hits []memory.Hit) string {
	var b strings.Builder
	b.WriteString("Context recalled from earlier in this conversation:")
	for _, hit := range hits {
		b.WriteString("\n- ")
		b.WriteString(hit.Content)
	}
	return b.String()
}

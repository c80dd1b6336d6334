package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/config"
)

// CustomHandler runs caller-defined workflows: the instructions var carries
// the system prompt verbatim, with optional response_style and output_format
// overrides. Everything else follows the shared contract.
type CustomHandler struct {
	core
}

func NewCustomHandler(gen Generator, cfg config.WorkflowConfig, logger *zap.Logger) *CustomHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &CustomHandler{
		core: core{
			typ:       TypeCustom,
			approach:  "caller_defined",
			gen:       gen,
			cfg:       cfg,
			logger:    logger,
			style:     "neutral",
			formats:   []string{"text", "markdown", "json"},
			features:  []string{"custom_instructions"},
			maxTokens: 8192,
		},
	}
	h.core.validate = h.validateContext
	h.core.prepare = h.prepareContext
	return h
}

func (h *CustomHandler) validateContext(workCtx Context) error {
	if err := requireBase(workCtx); err != nil {
		return err
	}
	if s, ok := asString(workCtx.Vars["instructions"]); !ok || strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: custom workflow requires a non-empty instructions var", ErrInvalidContext)
	}
	return nil
}

func (h *CustomHandler) prepareContext(_ context.Context, workCtx Context) Context {
	enriched := workCtx.Clone()
	enriched.Instructions, _ = asString(workCtx.Vars["instructions"])
	enriched.ResponseStyle = h.style
	enriched.OutputFormat = "text"
	if s, ok := asString(workCtx.Vars["response_style"]); ok && s != "" {
		enriched.ResponseStyle = s
	}
	if s, ok := asString(workCtx.Vars["output_format"]); ok && s != "" {
		enriched.OutputFormat = s
	}
	return enriched
}

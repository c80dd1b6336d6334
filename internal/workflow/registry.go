package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/config"
	"github.com/candorlabs-ai/candor/go/conductor/internal/streaming"
)

// Deps bundles the collaborators shared by all workflow variants.
type Deps struct {
	Generator Generator
	Memory    Recaller
	Config    config.WorkflowConfig
	Logger    *zap.Logger
}

// Registry holds the closed set of workflow handlers and dispatches
// invocations by type. It is safe for concurrent use: the handler map is
// never mutated after construction.
type Registry struct {
	handlers map[Type]Handler
	logger   *zap.Logger
}

// NewRegistry constructs all four variants.
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	r := &Registry{
		handlers: make(map[Type]Handler, 4),
		logger:   deps.Logger,
	}
	for _, h := range []Handler{
		NewChatHandler(deps.Generator, deps.Memory, deps.Config, deps.Logger),
		NewAnalysisHandler(deps.Generator, deps.Config, deps.Logger),
		NewTaskHandler(deps.Generator, deps.Config, deps.Logger),
		NewCustomHandler(deps.Generator, deps.Config, deps.Logger),
	} {
		r.handlers[h.Type()] = h
	}
	return r
}

// Handler returns the handler for a type, if it exists.
func (r *Registry) Handler(t Type) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// Types lists the registered variants in a stable order.
func (r *Registry) Types() []Type {
	return []Type{TypeChat, TypeAnalysis, TypeTask, TypeCustom}
}

// Run executes a non-streaming workflow.
func (r *Registry) Run(ctx context.Context, t Type, workCtx Context, credential string) (Result, error) {
	h, ok := r.handlers[t]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownWorkflow, t)
	}
	return h.Execute(ctx, workCtx, credential)
}

// RunStreaming executes a streaming workflow. An unknown type degrades the
// same way a validation failure does: a single error chunk, then close.
func (r *Registry) RunStreaming(ctx context.Context, t Type, workCtx Context, credential string) <-chan streaming.Chunk {
	h, ok := r.handlers[t]
	if !ok {
		out := make(chan streaming.Chunk, 1)
		out <- streaming.ErrorChunk(fmt.Sprintf("unknown workflow type %q", t))
		close(out)
		return out
	}
	return h.ExecuteStreaming(ctx, workCtx, credential)
}

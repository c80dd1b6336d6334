package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/config"
	"github.com/candorlabs-ai/candor/go/conductor/internal/streaming"
)

const taskInstructions = "You are completing a concrete task. State a short " +
	"plan first, carry it out step by step, and verify the outcome before " +
	"giving the final answer. Be explicit about anything you could not do."

var taskSteps = []streaming.Step{
	{Name: "plan", Markers: []string{"plan"}},
	{Name: "execute", Markers: []string{"executing", "carrying out", "step 1"}},
	{Name: "verify", Markers: []string{"verif", "checking the result"}},
}

// TaskHandler runs goal-directed executions. The tool names it exposes in
// its capabilities describe what the generation backend may invoke; the
// handler itself never calls tools.
type TaskHandler struct {
	core
}

func NewTaskHandler(gen Generator, cfg config.WorkflowConfig, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &TaskHandler{
		core: core{
			typ:       TypeTask,
			approach:  "goal_directed",
			gen:       gen,
			cfg:       cfg,
			logger:    logger,
			steps:     taskSteps,
			style:     "direct",
			formats:   []string{"text", "markdown"},
			features:  []string{"planning", "step_tracking"},
			tools:     []string{"web_search", "web_fetch", "calculator"},
			maxTokens: 12288,
		},
	}
	h.core.validate = h.validateContext
	h.core.prepare = h.prepareContext
	return h
}

func (h *TaskHandler) validateContext(workCtx Context) error {
	return requireBase(workCtx)
}

func (h *TaskHandler) prepareContext(_ context.Context, workCtx Context) Context {
	enriched := workCtx.Clone()
	enriched.Instructions = taskInstructions
	enriched.ResponseStyle = h.style
	enriched.OutputFormat = "text"
	return enriched
}

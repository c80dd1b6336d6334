package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/config"
	"github.com/candorlabs-ai/candor/go/conductor/internal/streaming"
)

// analyticalKeywords gate the analysis variant: the user message must show
// analytical intent, or the caller must set the force_analysis var.
var analyticalKeywords = []string{
	"analyze", "analyse", "analysis",
	"assess", "assessment",
	"evaluate", "evaluation",
	"compare", "comparison",
	"examine", "investigate",
	"insight", "insights",
	"pattern", "patterns",
	"trend", "trends",
	"breakdown", "break down",
	"root cause", "diagnose",
}

const analysisInstructions = "Perform a structured analysis of the request. " +
	"Work through four steps in order and label each section:\n" +
	"1. Overview: restate the subject and the information available.\n" +
	"2. Findings: list the key findings with supporting evidence.\n" +
	"3. Interpretation: explain what the findings mean and why they matter.\n" +
	"4. Recommendations: give concrete, prioritized recommendations."

// analysisSteps are the named processing stages whose markers the streaming
// assembler watches for in content fragments.
var analysisSteps = []streaming.Step{
	{Name: "overview", Markers: []string{"overview"}},
	{Name: "findings", Markers: []string{"finding"}},
	{Name: "interpretation", Markers: []string{"interpretation", "this suggests", "this indicates"}},
	{Name: "recommendations", Markers: []string{"recommend", "next steps"}},
}

// AnalysisHandler runs the structured four-step analysis variant. Every
// chunk and result it emits carries analysis_approach=structured_insights.
type AnalysisHandler struct {
	core
}

func NewAnalysisHandler(gen Generator, cfg config.WorkflowConfig, logger *zap.Logger) *AnalysisHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &AnalysisHandler{
		core: core{
			typ:         TypeAnalysis,
			approach:    "structured_insights",
			gen:         gen,
			cfg:         cfg,
			logger:      logger,
			steps:       analysisSteps,
			style:       "analytical",
			formats:     []string{"text", "markdown", "json"},
			features:    []string{"structured_analysis", "step_tracking"},
			maxTokens:   16384,
			annotations: map[string]interface{}{"analysis_approach": "structured_insights"},
		},
	}
	h.core.validate = h.validateContext
	h.core.prepare = h.prepareContext
	return h
}

// validateContext additionally requires analytical intent: either a keyword
// match in the user message or an explicit force_analysis override.
func (h *AnalysisHandler) validateContext(workCtx Context) error {
	if err := requireBase(workCtx); err != nil {
		return err
	}
	if asBool(workCtx.Vars["force_analysis"]) {
		return nil
	}
	lower := strings.ToLower(workCtx.UserMessage)
	for _, kw := range analyticalKeywords {
		if strings.Contains(lower, kw) {
			return nil
		}
	}
	return fmt.Errorf("%w: analysis requires an analytical request or the force_analysis flag", ErrInvalidContext)
}

func (h *AnalysisHandler) prepareContext(_ context.Context, workCtx Context) Context {
	enriched := workCtx.Clone()
	enriched.Instructions = analysisInstructions
	enriched.ResponseStyle = h.style
	enriched.OutputFormat = "markdown"
	return enriched
}

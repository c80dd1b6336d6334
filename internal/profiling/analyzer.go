package profiling

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Analyzer recomputes completeness, open areas, and the continue decision
// after each answer batch. Implementations must treat the session as
// read-only; the manager applies the returned analysis.
type Analyzer interface {
	Analyze(ctx context.Context, sess *Session, answers []Answer) (Analysis, error)
}

// AreaSchema names one profile area, the keywords whose presence in
// collected answers counts as coverage, and the question pool for the area.
type AreaSchema struct {
	Name      string   `json:"name" yaml:"name"`
	Keywords  []string `json:"keywords" yaml:"keywords"`
	Questions []string `json:"questions" yaml:"questions"`
}

// DefaultAreas returns the built-in profile area schema.
func DefaultAreas() []AreaSchema {
	return []AreaSchema{
		{
			Name:     "goals",
			Keywords: []string{"goal", "want", "achieve", "objective", "accomplish"},
			Questions: []string{
				"What are you hoping to accomplish?",
				"What would a successful outcome look like for you?",
			},
		},
		{
			Name:     "background",
			Keywords: []string{"background", "experience", "currently", "situation", "tried"},
			Questions: []string{
				"Can you describe your current situation?",
				"What have you already tried?",
			},
		},
		{
			Name:     "preferences",
			Keywords: []string{"prefer", "like", "style", "tone", "format"},
			Questions: []string{
				"Do you have preferences for how the result should look?",
				"What style or tone works best for you?",
			},
		},
		{
			Name:     "constraints",
			Keywords: []string{"budget", "deadline", "timeline", "constraint", "avoid"},
			Questions: []string{
				"Are there constraints we should work within, such as budget or timeline?",
				"Is there anything we should avoid?",
			},
		},
	}
}

// areaCoveredRatio is the keyword-hit fraction at which an area stops being
// reported as missing.
const areaCoveredRatio = 0.5

// maxFocusAreas bounds how many low-coverage areas the next batch targets.
const maxFocusAreas = 2

// GenerateFunc produces analysis text for a prompt through the generation
// capability. Used to refine the deterministic scoring; a nil func keeps the
// analyzer fully deterministic.
type GenerateFunc func(ctx context.Context, conversationID, prompt string) (string, error)

// DefaultAnalyzer scores topic coverage by lexicon match over all collected
// answers, optionally merged with a structured-analysis generation call.
type DefaultAnalyzer struct {
	areas     []AreaSchema
	threshold float64
	generate  GenerateFunc
	logger    *zap.Logger
}

// NewDefaultAnalyzer creates the default analyzer. areas falls back to
// DefaultAreas when nil; generate may be nil.
func NewDefaultAnalyzer(areas []AreaSchema, threshold float64, generate GenerateFunc, logger *zap.Logger) *DefaultAnalyzer {
	if len(areas) == 0 {
		areas = DefaultAreas()
	}
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultAnalyzer{
		areas:     areas,
		threshold: threshold,
		generate:  generate,
		logger:    logger,
	}
}

// Areas returns the schema the analyzer scores against.
func (a *DefaultAnalyzer) Areas() []AreaSchema {
	return a.areas
}

// Analyze scores coverage over every answer collected so far (history plus
// the current batch).
func (a *DefaultAnalyzer) Analyze(ctx context.Context, sess *Session, answers []Answer) (Analysis, error) {
	corpus := a.answerCorpus(sess, answers)
	result := a.scoreCoverage(corpus)

	if a.generate != nil {
		if refined, ok := a.refineWithGeneration(ctx, sess, corpus); ok {
			result = mergeAnalyses(result, refined, a.threshold)
		}
	}

	return result, nil
}

// answerCorpus flattens all collected answer text into one lowercase blob.
func (a *DefaultAnalyzer) answerCorpus(sess *Session, answers []Answer) string {
	var sb strings.Builder
	for _, pass := range sess.History {
		for _, ans := range pass.Answers {
			sb.WriteString(ans.Text)
			sb.WriteByte('\n')
		}
	}
	for _, ans := range answers {
		sb.WriteString(ans.Text)
		sb.WriteByte('\n')
	}
	return strings.ToLower(sb.String())
}

func (a *DefaultAnalyzer) scoreCoverage(corpus string) Analysis {
	type areaScore struct {
		name     string
		coverage float64
	}

	scores := make([]areaScore, 0, len(a.areas))
	total := 0.0
	for _, area := range a.areas {
		hits := 0
		for _, kw := range area.Keywords {
			if strings.Contains(corpus, strings.ToLower(kw)) {
				hits++
			}
		}
		coverage := 0.0
		if len(area.Keywords) > 0 {
			coverage = float64(hits) / float64(len(area.Keywords))
		}
		scores = append(scores, areaScore{name: area.Name, coverage: coverage})
		total += coverage
	}

	score := 0.0
	if len(scores) > 0 {
		score = total / float64(len(scores))
	}

	var missing []string
	for _, s := range scores {
		if s.coverage < areaCoveredRatio {
			missing = append(missing, s.name)
		}
	}

	// Focus on the least covered areas; stable order for determinism
	ranked := make([]areaScore, len(scores))
	copy(ranked, scores)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].coverage < ranked[j].coverage })

	var focus []string
	for _, s := range ranked {
		if s.coverage >= 1.0 {
			continue
		}
		focus = append(focus, s.name)
		if len(focus) == maxFocusAreas {
			break
		}
	}

	return Analysis{
		CompletenessScore: clamp01(score),
		MissingAreas:      missing,
		FocusAreas:        focus,
		ShouldContinue:    score < a.threshold,
	}
}

// refineWithGeneration asks the generation capability for a structured
// assessment and parses it. Failures degrade to the deterministic result.
func (a *DefaultAnalyzer) refineWithGeneration(ctx context.Context, sess *Session, corpus string) (Analysis, bool) {
	prompt := a.buildPrompt(corpus)
	text, err := a.generate(ctx, sess.ConversationID, prompt)
	if err != nil {
		a.logger.Warn("Analysis generation unavailable, using deterministic scoring",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return Analysis{}, false
	}

	refined, err := parseAnalysisJSON(text)
	if err != nil {
		a.logger.Warn("Analysis response unparseable, using deterministic scoring",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return Analysis{}, false
	}
	return refined, true
}

func (a *DefaultAnalyzer) buildPrompt(corpus string) string {
	names := make([]string, 0, len(a.areas))
	for _, area := range a.areas {
		names = append(names, area.Name)
	}
	return fmt.Sprintf(`Analyze how completely the following user answers cover these profile areas: %s.

Answers:
%s

Respond with JSON only: {"completeness_score": <0..1>, "missing_areas": [...], "focus_areas": [...]}`,
		strings.Join(names, ", "), corpus)
}

// parseAnalysisJSON extracts the first JSON object from generated text.
func parseAnalysisJSON(text string) (Analysis, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Analysis{}, fmt.Errorf("no JSON object in analysis response")
	}

	var parsed struct {
		CompletenessScore float64  `json:"completeness_score"`
		MissingAreas      []string `json:"missing_areas"`
		FocusAreas        []string `json:"focus_areas"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return Analysis{}, fmt.Errorf("failed to parse analysis response: %w", err)
	}

	return Analysis{
		CompletenessScore: clamp01(parsed.CompletenessScore),
		MissingAreas:      parsed.MissingAreas,
		FocusAreas:        parsed.FocusAreas,
	}, nil
}

// mergeAnalyses averages the deterministic and generated scores and unions
// the missing areas. The generated focus list wins when present.
func mergeAnalyses(lexicon, refined Analysis, threshold float64) Analysis {
	merged := Analysis{
		CompletenessScore: clamp01((lexicon.CompletenessScore + refined.CompletenessScore) / 2),
		MissingAreas:      unionStrings(lexicon.MissingAreas, refined.MissingAreas),
		FocusAreas:        refined.FocusAreas,
	}
	if len(merged.FocusAreas) == 0 {
		merged.FocusAreas = lexicon.FocusAreas
	}
	merged.ShouldContinue = merged.CompletenessScore < threshold
	return merged
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

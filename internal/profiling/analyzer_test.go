package profiling

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// allKeywords joins every keyword of every area into one answer blob.
func allKeywords(areas []AreaSchema) string {
	var words []string
	for _, area := range areas {
		words = append(words, area.Keywords...)
	}
	return strings.Join(words, " ")
}

func TestAnalyzeEmptyCorpusFindsEverythingMissing(t *testing.T) {
	a := NewDefaultAnalyzer(nil, 0.8, nil, zaptest.NewLogger(t))
	sess := &Session{ID: "s1", ConversationID: "c1"}

	got, err := a.Analyze(context.Background(), sess, nil)
	require.NoError(t, err)

	assert.Equal(t, 0.0, got.CompletenessScore)
	assert.True(t, got.ShouldContinue)
	assert.Len(t, got.MissingAreas, len(DefaultAreas()))
	assert.Len(t, got.FocusAreas, maxFocusAreas)
}

func TestAnalyzeFullCoverageStopsTheLoop(t *testing.T) {
	a := NewDefaultAnalyzer(nil, 0.8, nil, zaptest.NewLogger(t))
	sess := &Session{ID: "s1", ConversationID: "c1"}

	got, err := a.Analyze(context.Background(), sess, []Answer{{Text: allKeywords(DefaultAreas())}})
	require.NoError(t, err)

	assert.Equal(t, 1.0, got.CompletenessScore)
	assert.False(t, got.ShouldContinue)
	assert.Empty(t, got.MissingAreas)
	assert.Empty(t, got.FocusAreas)
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	a := NewDefaultAnalyzer(nil, 0.8, nil, zaptest.NewLogger(t))
	sess := &Session{ID: "s1", ConversationID: "c1"}
	answers := []Answer{{Text: "my goal is to achieve a faster deploy, the budget is small"}}

	first, err := a.Analyze(context.Background(), sess, answers)
	require.NoError(t, err)
	second, err := a.Analyze(context.Background(), sess, answers)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestAnalyzeCountsHistoryAnswers(t *testing.T) {
	a := NewDefaultAnalyzer(nil, 0.8, nil, zaptest.NewLogger(t))

	sess := &Session{
		ID: "s1",
		History: []Pass{{
			Iteration: 1,
			Answers:   []Answer{{Text: allKeywords(DefaultAreas())}},
		}},
	}

	got, err := a.Analyze(context.Background(), sess, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.CompletenessScore)
}

func TestRefinementMergesGeneratedAnalysis(t *testing.T) {
	gen := func(ctx context.Context, conversationID, prompt string) (string, error) {
		assert.Equal(t, "c1", conversationID)
		assert.Contains(t, prompt, "goals")
		return `Assessment follows. {"completeness_score": 1.0, "missing_areas": ["constraints"], "focus_areas": ["constraints"]} Done.`, nil
	}
	a := NewDefaultAnalyzer(nil, 0.8, gen, zaptest.NewLogger(t))
	sess := &Session{ID: "s1", ConversationID: "c1"}

	got, err := a.Analyze(context.Background(), sess, nil)
	require.NoError(t, err)

	// Lexicon scored 0.0, generation 1.0, merged by average
	assert.InDelta(t, 0.5, got.CompletenessScore, 1e-9)
	assert.True(t, got.ShouldContinue)
	assert.Equal(t, []string{"constraints"}, got.FocusAreas)
	assert.Contains(t, got.MissingAreas, "constraints")
	assert.Contains(t, got.MissingAreas, "goals")
}

func TestRefinementFailureDegradesToDeterministic(t *testing.T) {
	gen := func(ctx context.Context, conversationID, prompt string) (string, error) {
		return "", errors.New("generation unavailable")
	}
	a := NewDefaultAnalyzer(nil, 0.8, gen, zaptest.NewLogger(t))
	plain := NewDefaultAnalyzer(nil, 0.8, nil, zaptest.NewLogger(t))
	sess := &Session{ID: "s1", ConversationID: "c1"}
	answers := []Answer{{Text: "i want to achieve my objective"}}

	got, err := a.Analyze(context.Background(), sess, answers)
	require.NoError(t, err)
	want, err := plain.Analyze(context.Background(), sess, answers)
	require.NoError(t, err)

	assert.Equal(t, want, got)
}

func TestRefinementIgnoresUnparseableResponse(t *testing.T) {
	gen := func(ctx context.Context, conversationID, prompt string) (string, error) {
		return "I could not produce structured output, sorry.", nil
	}
	a := NewDefaultAnalyzer(nil, 0.8, gen, zaptest.NewLogger(t))
	sess := &Session{ID: "s1", ConversationID: "c1"}

	got, err := a.Analyze(context.Background(), sess, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.CompletenessScore)
	assert.True(t, got.ShouldContinue)
}

func TestParseAnalysisJSON(t *testing.T) {
	got, err := parseAnalysisJSON(`prose {"completeness_score": 2.5, "missing_areas": ["a"], "focus_areas": []} trailing`)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.CompletenessScore) // clamped
	assert.Equal(t, []string{"a"}, got.MissingAreas)

	_, err = parseAnalysisJSON("no json here")
	assert.Error(t, err)
}

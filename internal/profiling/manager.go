package profiling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/config"
	"github.com/candorlabs-ai/candor/go/conductor/internal/metrics"
)

// ArchiveFunc receives a completed session for durable archival. Called
// with a snapshot; implementations must not block the advancing request.
type ArchiveFunc func(sess *Session)

// Manager drives profiling sessions through their question/answer/analysis
// loop. Each conversation turn advances at most one session, so sessions
// are never mutated concurrently.
type Manager struct {
	store    *Store
	analyzer Analyzer
	areas    []AreaSchema
	cfg      config.ProfilingConfig
	archive  ArchiveFunc
	logger   *zap.Logger
}

// NewManager creates a profiling session manager. areas falls back to
// DefaultAreas; archive may be nil.
func NewManager(store *Store, analyzer Analyzer, areas []AreaSchema, cfg config.ProfilingConfig, archive ArchiveFunc, logger *zap.Logger) *Manager {
	if len(areas) == 0 {
		areas = DefaultAreas()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 5
	}
	if cfg.CompletenessThreshold <= 0 || cfg.CompletenessThreshold > 1 {
		cfg.CompletenessThreshold = 0.8
	}
	if cfg.QuestionsPerIteration <= 0 {
		cfg.QuestionsPerIteration = 3
	}
	return &Manager{
		store:    store,
		analyzer: analyzer,
		areas:    areas,
		cfg:      cfg,
		archive:  archive,
		logger:   logger,
	}
}

// StartSession creates a session for a conversation and issues the first
// question batch.
func (m *Manager) StartSession(ctx context.Context, conversationID, userID string) (*Session, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}

	now := time.Now()
	missing := make([]string, 0, len(m.areas))
	for _, area := range m.areas {
		missing = append(missing, area.Name)
	}

	sess := &Session{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		UserID:         userID,
		MaxIterations:  m.cfg.MaxIterations,
		MissingAreas:   missing,
		ShouldContinue: true,
		History:        make([]Pass, 0),
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	sess.PendingQuestions = m.nextQuestions(sess)

	if err := m.store.Save(ctx, sess); err != nil {
		return nil, err
	}

	m.logger.Info("Started profiling session",
		zap.String("session_id", sess.ID),
		zap.String("conversation_id", conversationID),
		zap.Int("max_iterations", sess.MaxIterations),
		zap.Int("first_batch", len(sess.PendingQuestions)),
	)
	metrics.ProfilingSessionsStarted.Inc()

	return sess.Clone(), nil
}

// GetSession returns a snapshot of a session.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// AdvanceSession runs one pass: record answers, re-analyze, increment the
// iteration exactly once, append one immutable history entry, then either
// issue the next batch or complete the session.
func (m *Manager) AdvanceSession(ctx context.Context, sessionID string, answers []Answer) (*Session, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusActive {
		return nil, ErrSessionCompleted
	}

	now := time.Now()
	answers = resolveAnswerAreas(sess.PendingQuestions, answers)

	analysis, err := m.analyzer.Analyze(ctx, sess, answers)
	if err != nil {
		// Unrecoverable analysis failure is terminal for the session
		sess.Status = StatusError
		sess.UpdatedAt = now
		if saveErr := m.store.Save(ctx, sess); saveErr != nil {
			m.logger.Error("Failed to persist errored profiling session",
				zap.String("session_id", sess.ID),
				zap.Error(saveErr))
		}
		metrics.ProfilingSessionsCompleted.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("profile analysis failed: %w", err)
	}

	sess.Iteration++
	metrics.ProfilingIterations.Inc()

	analysis.CompletenessScore = clamp01(analysis.CompletenessScore)
	sess.CompletenessScore = analysis.CompletenessScore
	sess.MissingAreas = analysis.MissingAreas
	sess.FocusAreas = analysis.FocusAreas
	sess.ShouldContinue = analysis.ShouldContinue
	if sess.CompletenessScore >= m.cfg.CompletenessThreshold {
		sess.ShouldContinue = false
	}

	var reason string
	if !sess.ShouldContinue {
		reason = ReasonSufficientCompleteness
	} else if sess.Iteration >= sess.MaxIterations {
		// The analysis wanted another pass but the cap is reached
		sess.ShouldContinue = false
		reason = ReasonMaxIterations
	}

	sess.History = append(sess.History, Pass{
		Iteration: sess.Iteration,
		Questions: append([]Question(nil), sess.PendingQuestions...),
		Answers:   append([]Answer(nil), answers...),
		Analysis:  analysis,
		Timestamp: now,
	})
	metrics.ProfilingCompleteness.Observe(sess.CompletenessScore)

	if sess.ShouldContinue {
		sess.PendingQuestions = m.nextQuestions(sess)
	} else {
		sess.Status = StatusCompleted
		sess.CompletionReason = reason
		sess.PendingQuestions = nil
		completedAt := now
		sess.CompletedAt = &completedAt
		metrics.ProfilingSessionsCompleted.WithLabelValues(reason).Inc()
	}
	sess.UpdatedAt = now

	if err := m.store.Save(ctx, sess); err != nil {
		return nil, err
	}

	if sess.Status == StatusCompleted && m.archive != nil {
		m.archive(sess.Clone())
	}

	m.logger.Info("Advanced profiling session",
		zap.String("session_id", sess.ID),
		zap.Int("iteration", sess.Iteration),
		zap.Float64("completeness", sess.CompletenessScore),
		zap.Bool("should_continue", sess.ShouldContinue),
		zap.String("status", string(sess.Status)),
	)

	return sess.Clone(), nil
}

// nextQuestions picks the next batch from the focus and missing areas,
// falling back to the whole schema when neither names a topic.
func (m *Manager) nextQuestions(sess *Session) []Question {
	topics := unionStrings(sess.FocusAreas, sess.MissingAreas)
	if len(topics) == 0 {
		for _, area := range m.areas {
			topics = append(topics, area.Name)
		}
	}

	questions := make([]Question, 0, m.cfg.QuestionsPerIteration)
	for _, topic := range topics {
		schema, ok := m.areaByName(topic)
		if !ok || len(schema.Questions) == 0 {
			continue
		}
		// Rotate through the area's question pool across passes
		text := schema.Questions[sess.Iteration%len(schema.Questions)]
		questions = append(questions, Question{
			ID:   uuid.New().String(),
			Area: topic,
			Text: text,
		})
		if len(questions) == m.cfg.QuestionsPerIteration {
			break
		}
	}
	return questions
}

func (m *Manager) areaByName(name string) (AreaSchema, bool) {
	for _, area := range m.areas {
		if area.Name == name {
			return area, true
		}
	}
	return AreaSchema{}, false
}

// resolveAnswerAreas fills in the area of each answer from the question it
// responds to, so history passes carry the attribution.
func resolveAnswerAreas(questions []Question, answers []Answer) []Answer {
	byID := make(map[string]string, len(questions))
	for _, q := range questions {
		byID[q.ID] = q.Area
	}

	resolved := make([]Answer, len(answers))
	for i, ans := range answers {
		if ans.Area == "" {
			ans.Area = byID[ans.QuestionID]
		}
		resolved[i] = ans
	}
	return resolved
}

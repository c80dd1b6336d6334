package profiling

import (
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when a profiling session doesn't exist
	ErrSessionNotFound = errors.New("profiling session not found")

	// ErrSessionCompleted is returned when advancing a session that is no
	// longer active
	ErrSessionCompleted = errors.New("profiling session already completed")
)

// Status is the lifecycle state of a profiling session
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Completion reasons. A session that stops because analysis judged the
// profile complete is distinguishable from one that hit the iteration cap.
const (
	ReasonSufficientCompleteness = "sufficient_completeness"
	ReasonMaxIterations          = "max_iterations_reached"
)

// Question is a single question issued to the user
type Question struct {
	ID   string `json:"id"`
	Area string `json:"area"`
	Text string `json:"text"`
}

// Answer is the user's answer to an issued question
type Answer struct {
	QuestionID string `json:"question_id"`
	Area       string `json:"area,omitempty"`
	Text       string `json:"text"`
}

// Analysis is the outcome of one analysis step
type Analysis struct {
	CompletenessScore float64  `json:"completeness_score"`
	MissingAreas      []string `json:"missing_areas"`
	FocusAreas        []string `json:"focus_areas"`
	ShouldContinue    bool     `json:"should_continue"`
}

// Pass records one completed question/answer/analysis iteration.
// History entries are append-only and never rewritten.
type Pass struct {
	Iteration int        `json:"iteration"`
	Questions []Question `json:"questions"`
	Answers   []Answer   `json:"answers"`
	Analysis  Analysis   `json:"analysis"`
	Timestamp time.Time  `json:"timestamp"`
}

// Session is an iterative profiling session for a conversation
type Session struct {
	ID                string     `json:"id"`
	ConversationID    string     `json:"conversation_id"`
	UserID            string     `json:"user_id"`
	Iteration         int        `json:"iteration"`
	MaxIterations     int        `json:"max_iterations"`
	CompletenessScore float64    `json:"completeness_score"`
	MissingAreas      []string   `json:"missing_areas"`
	FocusAreas        []string   `json:"focus_areas"`
	ShouldContinue    bool       `json:"should_continue"`
	PendingQuestions  []Question `json:"pending_questions,omitempty"`
	History           []Pass     `json:"history"`
	Status            Status     `json:"status"`
	CompletionReason  string     `json:"completion_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the session so callers can hold a snapshot
// without aliasing the stored state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.MissingAreas = append([]string(nil), s.MissingAreas...)
	cp.FocusAreas = append([]string(nil), s.FocusAreas...)
	cp.PendingQuestions = append([]Question(nil), s.PendingQuestions...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	if s.History != nil {
		cp.History = make([]Pass, len(s.History))
		for i, p := range s.History {
			cp.History[i] = p.clone()
		}
	}
	return &cp
}

func (p Pass) clone() Pass {
	cp := p
	cp.Questions = append([]Question(nil), p.Questions...)
	cp.Answers = append([]Answer(nil), p.Answers...)
	cp.Analysis.MissingAreas = append([]string(nil), p.Analysis.MissingAreas...)
	cp.Analysis.FocusAreas = append([]string(nil), p.Analysis.FocusAreas...)
	return cp
}

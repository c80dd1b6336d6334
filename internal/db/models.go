package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// JSONB represents a PostgreSQL jsonb column
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// Workflow run statuses as persisted in workflow_runs.status
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusBlocked   = "blocked"
)

// WorkflowRun represents one workflow execution record
type WorkflowRun struct {
	ID             uuid.UUID  `db:"id"`
	RunID          string     `db:"run_id"`
	ConversationID string     `db:"conversation_id"`
	UserID         *uuid.UUID `db:"user_id"`
	WorkflowType   string     `db:"workflow_type"`
	Prompt         string     `db:"prompt"`
	Status         string     `db:"status"`
	Streaming      bool       `db:"streaming"`
	StartedAt      time.Time  `db:"started_at"`
	CompletedAt    *time.Time `db:"completed_at"`

	// Results
	Result       *string `db:"result"`
	ErrorMessage *string `db:"error"`

	// Token metrics
	PromptTokens     int     `db:"prompt_tokens"`
	CompletionTokens int     `db:"completion_tokens"`
	TotalTokens      int     `db:"total_tokens"`
	CostUSD          float64 `db:"cost_usd"`

	// Performance metrics
	DurationMs *int   `db:"duration_ms"`
	Model      string `db:"model"`

	// Metadata
	Metadata  JSONB     `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

// GuardrailEvent records one blocked guardrail check for the audit trail
type GuardrailEvent struct {
	ID            uuid.UUID      `db:"id"`
	Direction     string         `db:"direction"`
	Severity      string         `db:"severity"`
	Rules         pq.StringArray `db:"rules"`
	Details       JSONB          `db:"details"`
	ContentLength int            `db:"content_length"`
	CheckedAt     time.Time      `db:"checked_at"`
	CreatedAt     time.Time      `db:"created_at"`
}

// ConversationArchive represents a snapshot of a Redis conversation
// taken before the record expires out of the hot store
type ConversationArchive struct {
	ID             uuid.UUID  `db:"id"`
	ConversationID string     `db:"conversation_id"`
	UserID         *uuid.UUID `db:"user_id"`

	// Snapshot data
	Snapshot     JSONB   `db:"snapshot"`
	MessageCount int     `db:"message_count"`
	TotalTokens  int     `db:"total_tokens"`
	TotalCostUSD float64 `db:"total_cost_usd"`

	// Timing
	StartedAt  time.Time  `db:"started_at"`
	ArchivedAt time.Time  `db:"archived_at"`
	ExpiredAt  *time.Time `db:"expired_at"`
}

// ProfileArchive is the durable record of a finished profiling session
type ProfileArchive struct {
	ID                uuid.UUID  `db:"id"`
	SessionID         string     `db:"session_id"`
	ConversationID    string     `db:"conversation_id"`
	UserID            *uuid.UUID `db:"user_id"`
	Iterations        int        `db:"iterations"`
	CompletenessScore float64    `db:"completeness_score"`
	CompletionReason  string     `db:"completion_reason"`
	Profile           JSONB      `db:"profile"`
	CompletedAt       *time.Time `db:"completed_at"`
	CreatedAt         time.Time  `db:"created_at"`
}

package conversation

import (
	"errors"
	"time"
)

var (
	// ErrConversationNotFound is returned when a conversation doesn't exist
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrConversationExpired is returned when a conversation has expired
	ErrConversationExpired = errors.New("conversation expired")

	// ErrInvalidConversation is returned when conversation data is invalid
	ErrInvalidConversation = errors.New("invalid conversation")
)

// Conversation represents a user conversation with context continuity
type Conversation struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	TenantID  string                 `json:"tenant_id"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	ExpiresAt time.Time              `json:"expires_at"`
	Metadata  map[string]interface{} `json:"metadata"`
	Context   map[string]interface{} `json:"context"`
	History   []Message              `json:"history"`

	// Token tracking
	TotalTokensUsed int     `json:"total_tokens_used"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
}

// Message represents a message in the conversation history
type Message struct {
	ID        string                 `json:"id"`
	Role      string                 `json:"role"` // "user", "assistant", "system"
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`

	// Token tracking for this message
	TokensUsed int     `json:"tokens_used,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
}

// IsExpired checks if the conversation has expired
func (c *Conversation) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// GetContextValue retrieves a value from the conversation context
func (c *Conversation) GetContextValue(key string) (interface{}, bool) {
	if c.Context == nil {
		return nil, false
	}
	val, ok := c.Context[key]
	return val, ok
}

// SetContextValue sets a value in the conversation context
func (c *Conversation) SetContextValue(key string, value interface{}) {
	if c.Context == nil {
		c.Context = make(map[string]interface{})
	}
	c.Context[key] = value
	c.UpdatedAt = time.Now()
}

// RecentHistory returns the most recent messages from history
func (c *Conversation) RecentHistory(count int) []Message {
	if len(c.History) <= count {
		return c.History
	}
	return c.History[len(c.History)-count:]
}

// UpdateTokenUsage updates the token usage for the conversation
func (c *Conversation) UpdateTokenUsage(tokens int, cost float64) {
	c.TotalTokensUsed += tokens
	c.TotalCostUSD += cost
	c.UpdatedAt = time.Now()
}

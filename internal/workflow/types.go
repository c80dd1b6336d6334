package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/candorlabs-ai/candor/go/conductor/internal/llm"
	"github.com/candorlabs-ai/candor/go/conductor/internal/memory"
)

// Type identifies one workflow variant. The set is closed: the registry
// only ever constructs the four variants below.
type Type string

const (
	TypeChat     Type = "chat"
	TypeAnalysis Type = "analysis"
	TypeTask     Type = "task"
	TypeCustom   Type = "custom"
)

// ErrInvalidContext is returned (wrapped with a reason) when a workflow
// context fails validation. Callers map it to a 4xx rejection.
var ErrInvalidContext = errors.New("invalid workflow context")

// ErrUnknownWorkflow is returned for workflow types outside the closed set.
var ErrUnknownWorkflow = errors.New("unknown workflow type")

// ParseType validates a wire-level workflow type string.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeChat, TypeAnalysis, TypeTask, TypeCustom:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownWorkflow, s)
	}
}

// Turn is one prior exchange in the conversation history.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Context carries the inputs of one workflow invocation. It is owned by
// exactly that invocation and never shared across concurrent ones. The
// enrichment fields are populated by PrepareContext on a copy; the
// caller's original is never mutated.
type Context struct {
	UserMessage    string                 `json:"user_message"`
	ConversationID string                 `json:"conversation_id"`
	TenantID       string                 `json:"tenant_id,omitempty"`
	History        []Turn                 `json:"history,omitempty"`
	Vars           map[string]interface{} `json:"vars,omitempty"`

	// Enrichment, set by PrepareContext.
	Instructions  string `json:"instructions,omitempty"`
	ResponseStyle string `json:"response_style,omitempty"`
	OutputFormat  string `json:"output_format,omitempty"`
}

// Clone returns a copy whose History and Vars are independent of the
// original, so enrichment cannot leak back to the caller.
func (c Context) Clone() Context {
	out := c
	if len(c.History) > 0 {
		out.History = append([]Turn(nil), c.History...)
	}
	if c.Vars != nil {
		vars := make(map[string]interface{}, len(c.Vars))
		for k, v := range c.Vars {
			vars[k] = v
		}
		out.Vars = vars
	}
	return out
}

// Result is the outcome of a completed non-streaming workflow.
type Result struct {
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata"`
}

// Capabilities describes what a variant supports. It is advisory: callers
// use it to decide eligibility before invocation, nothing enforces it.
type Capabilities struct {
	Streaming        bool     `json:"streaming"`
	Tools            []string `json:"tools,omitempty"`
	Features         []string `json:"features,omitempty"`
	MaxContextTokens int      `json:"max_context_tokens"`
	ResponseStyle    string   `json:"response_style"`
	OutputFormats    []string `json:"output_formats"`
}

// Generator is the slice of the generation client the workflows need.
type Generator interface {
	Generate(ctx context.Context, req llm.Request, credential string) (*llm.Result, error)
	GenerateStream(ctx context.Context, req llm.Request, credential string) (<-chan llm.Fragment, error)
}

// Recaller is the slice of the memory service the chat variant uses to
// recall earlier turns. A nil Recaller disables recall.
type Recaller interface {
	Enabled() bool
	Search(ctx context.Context, query string, scope memory.Scope) ([]memory.Hit, error)
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}

// asInt accepts both native ints and the float64 that JSON decoding yields.
func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

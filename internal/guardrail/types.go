package guardrail

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity ranks how serious a violation is. Ordering matters: the
// pipeline blocks once the highest observed severity reaches the
// blocking threshold.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// BlockingThreshold is the fixed severity at or above which a check
// is rejected rather than flagged.
const BlockingThreshold = SeverityHigh

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity converts a config string into a Severity.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return SeverityNone, true
	case "low":
		return SeverityLow, true
	case "medium":
		return SeverityMedium, true
	case "high":
		return SeverityHigh, true
	case "critical":
		return SeverityCritical, true
	default:
		return SeverityNone, false
	}
}

// MarshalJSON renders severities as their lowercase names so API
// consumers never see raw enum ordinals.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, ok := ParseSeverity(name)
	if !ok {
		return fmt.Errorf("unknown severity %q", name)
	}
	*s = parsed
	return nil
}

// Direction selects which chain a rule participates in.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
	DirectionBoth   Direction = "both"
)

// Violation is one rule's finding against a piece of text.
type Violation struct {
	RuleName    string   `json:"rule_name"`
	Severity    Severity `json:"severity"`
	Reason      string   `json:"reason"`
	MatchedSpan *[2]int  `json:"matched_span,omitempty"`
}

// Result is the merged outcome of running one direction's chain.
// Allowed is false iff the highest severity reached the blocking
// threshold. ModifiedContent carries the first rewrite proposed by a
// rule, and is only populated when the check is allowed: a block
// always wins over a rewrite.
type Result struct {
	Allowed         bool        `json:"is_allowed"`
	ModifiedContent string      `json:"modified_content,omitempty"`
	Violations      []Violation `json:"violations"`
	Severity        Severity    `json:"severity"`
}

// Rule is a single policy check. Implementations must be pure and
// deterministic: same text, same outcome, no retained state. A rule
// may propose a rewrite by returning a non-nil replacement; whether
// it is applied is the pipeline's decision.
type Rule interface {
	// Name uniquely identifies the rule within a pipeline.
	Name() string
	// Direction reports which chain(s) the rule runs in.
	Direction() Direction
	// Check inspects text and reports violations plus an optional rewrite.
	Check(text string) ([]Violation, *string)
}

// BlockedError is returned by callers that convert a blocking Result
// into an error, carrying the full violation list so rejections are
// never silently dropped.
type BlockedError struct {
	Direction  Direction   `json:"direction"`
	Severity   Severity    `json:"severity"`
	Violations []Violation `json:"violations"`
}

func (e *BlockedError) Error() string {
	names := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		names = append(names, v.RuleName)
	}
	return fmt.Sprintf("content blocked by %s guardrails (severity %s, rules: %s)",
		e.Direction, e.Severity, strings.Join(names, ", "))
}

// Blocked converts a Result into a BlockedError when the check was
// rejected, or nil when it passed.
func Blocked(direction Direction, result Result) error {
	if result.Allowed {
		return nil
	}
	return &BlockedError{
		Direction:  direction,
		Severity:   result.Severity,
		Violations: result.Violations,
	}
}

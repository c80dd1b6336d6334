package guardrail

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/config"
	"github.com/candorlabs-ai/candor/go/conductor/internal/metrics"
)

// ruleState holds one registered rule plus its runtime knobs. The
// enabled flag and violation counter are touched without the pipeline
// lock so concurrent checks never serialize on unrelated rules.
type ruleState struct {
	rule       Rule
	enabled    int32 // atomic, 1 = enabled
	violations int64 // atomic, reset only by ResetStats
	override   *Severity
}

// BlockEvent describes one rejected check for audit sinks.
type BlockEvent struct {
	Direction     Direction   `json:"direction"`
	Severity      Severity    `json:"severity"`
	Violations    []Violation `json:"violations"`
	ContentLength int         `json:"content_length"`
	CheckedAt     time.Time   `json:"checked_at"`
}

// RuleNames lists registered rule names per chain, in registration order.
type RuleNames struct {
	Input  []string `json:"input"`
	Output []string `json:"output"`
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	TotalChecks     int64            `json:"total_checks"`
	TotalViolations int64            `json:"total_violations"`
	TotalBlocked    int64            `json:"total_blocked"`
	PerRule         map[string]int64 `json:"per_rule"`
}

// Pipeline runs ordered rule chains over inbound and outbound text.
// Rules registered with DirectionBoth participate in both chains.
// Checks are synchronous and never fail as a whole: a panicking rule
// is downgraded to a medium violation attributed to that rule.
type Pipeline struct {
	mu        sync.RWMutex
	rules     []*ruleState
	byName    map[string]*ruleState
	input     []*ruleState
	output    []*ruleState
	overrides map[string]config.RuleOverride
	blockHook func(BlockEvent)

	totalChecks     int64 // atomic
	totalViolations int64 // atomic
	totalBlocked    int64 // atomic

	logger *zap.Logger
}

// NewPipeline builds a pipeline with the full builtin rule set tuned
// by settings. A nil settings uses every rule's built-in defaults.
func NewPipeline(settings *config.GuardrailSettings, logger *zap.Logger) *Pipeline {
	if settings == nil {
		settings = &config.GuardrailSettings{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pipeline{
		byName:    make(map[string]*ruleState),
		overrides: settings.Overrides,
		logger:    logger,
	}

	for _, rule := range defaultRules(settings) {
		if err := p.Register(rule); err != nil {
			// Builtin names are unique; only custom registration can collide.
			logger.Error("Failed to register builtin rule", zap.Error(err))
		}
	}

	return p
}

// Register appends a rule to the end of its chain(s). Registration
// order determines evaluation order and rewrite precedence.
func (p *Pipeline) Register(rule Rule) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := rule.Name()
	if _, exists := p.byName[name]; exists {
		return fmt.Errorf("guardrail rule %q already registered", name)
	}

	st := &ruleState{rule: rule, enabled: 1}
	p.applyOverrideLocked(st)

	p.rules = append(p.rules, st)
	p.byName[name] = st
	p.rebuildChainsLocked()

	return nil
}

// applyOverrideLocked applies config overrides to a rule's initial
// state. Caller must hold the lock.
func (p *Pipeline) applyOverrideLocked(st *ruleState) {
	ov, ok := p.overrides[st.rule.Name()]
	if !ok {
		return
	}
	if ov.Enabled != nil && !*ov.Enabled {
		st.enabled = 0
	}
	if ov.Severity != "" {
		if sev, ok := ParseSeverity(ov.Severity); ok {
			st.override = &sev
		} else {
			p.logger.Warn("Ignoring unknown severity override",
				zap.String("rule", st.rule.Name()),
				zap.String("severity", ov.Severity),
			)
		}
	}
}

// rebuildChainsLocked recomputes the per-direction chains from the
// registration list. Caller must hold the lock.
func (p *Pipeline) rebuildChainsLocked() {
	input := make([]*ruleState, 0, len(p.rules))
	output := make([]*ruleState, 0, len(p.rules))
	for _, st := range p.rules {
		switch st.rule.Direction() {
		case DirectionInput:
			input = append(input, st)
		case DirectionOutput:
			output = append(output, st)
		case DirectionBoth:
			input = append(input, st)
			output = append(output, st)
		}
	}
	p.input = input
	p.output = output
}

// CheckInput runs the inbound chain over text.
func (p *Pipeline) CheckInput(text string) Result {
	return p.Check(text, DirectionInput)
}

// CheckOutput runs the outbound chain over text.
func (p *Pipeline) CheckOutput(text string) Result {
	return p.Check(text, DirectionOutput)
}

// Check runs every enabled rule for the direction in registration
// order and merges their findings. The check blocks iff the highest
// observed severity reaches the blocking threshold; otherwise the
// first rewrite proposed by any rule is applied.
func (p *Pipeline) Check(text string, direction Direction) Result {
	start := time.Now()
	atomic.AddInt64(&p.totalChecks, 1)

	p.mu.RLock()
	chain := p.output
	if direction != DirectionOutput {
		direction = DirectionInput
		chain = p.input
	}
	hook := p.blockHook
	p.mu.RUnlock()

	violations := make([]Violation, 0)
	var rewrite *string
	maxSeverity := SeverityNone

	for _, st := range chain {
		if atomic.LoadInt32(&st.enabled) == 0 {
			continue
		}

		ruleViolations, proposed := p.runRule(st, text)

		if rewrite == nil && proposed != nil {
			rewrite = proposed
		}
		if len(ruleViolations) == 0 {
			continue
		}

		atomic.AddInt64(&st.violations, int64(len(ruleViolations)))
		atomic.AddInt64(&p.totalViolations, int64(len(ruleViolations)))

		for _, v := range ruleViolations {
			metrics.GuardrailViolations.WithLabelValues(v.RuleName, v.Severity.String()).Inc()
			if v.Severity > maxSeverity {
				maxSeverity = v.Severity
			}
		}
		violations = append(violations, ruleViolations...)
	}

	result := Result{
		Allowed:    maxSeverity < BlockingThreshold,
		Violations: violations,
		Severity:   maxSeverity,
	}
	if result.Allowed && rewrite != nil {
		result.ModifiedContent = *rewrite
	}

	if !result.Allowed {
		atomic.AddInt64(&p.totalBlocked, 1)
		p.logger.Warn("Guardrail check blocked content",
			zap.String("direction", string(direction)),
			zap.String("severity", maxSeverity.String()),
			zap.Int("violations", len(violations)),
			zap.Int("content_length", len(text)),
		)
		if hook != nil {
			hook(BlockEvent{
				Direction:     direction,
				Severity:      maxSeverity,
				Violations:    violations,
				ContentLength: len(text),
				CheckedAt:     time.Now(),
			})
		}
	}

	metrics.RecordGuardrailCheck(string(direction), !result.Allowed, time.Since(start).Seconds())

	return result
}

// runRule evaluates one rule, converting a panic into a synthetic
// medium violation named after the rule so a single broken rule never
// takes down the whole check.
func (p *Pipeline) runRule(st *ruleState, text string) (violations []Violation, rewrite *string) {
	defer func() {
		if r := recover(); r != nil {
			violations = []Violation{{
				RuleName: st.rule.Name(),
				Severity: SeverityMedium,
				Reason:   fmt.Sprintf("rule evaluation failed: %v", r),
			}}
			rewrite = nil
			p.logger.Error("Guardrail rule panicked",
				zap.String("rule", st.rule.Name()),
				zap.Any("panic", r),
			)
		}
	}()

	violations, rewrite = st.rule.Check(text)

	if st.override != nil {
		for i := range violations {
			violations[i].Severity = *st.override
		}
	}

	return violations, rewrite
}

// EnableRule enables the named rule for all checks issued after the
// call returns. Returns false when the name is unknown.
func (p *Pipeline) EnableRule(name string) bool {
	return p.setEnabled(name, true)
}

// DisableRule disables the named rule for all checks issued after the
// call returns. Returns false when the name is unknown.
func (p *Pipeline) DisableRule(name string) bool {
	return p.setEnabled(name, false)
}

func (p *Pipeline) setEnabled(name string, enabled bool) bool {
	p.mu.RLock()
	st, ok := p.byName[name]
	p.mu.RUnlock()
	if !ok {
		return false
	}

	var v int32
	if enabled {
		v = 1
	}
	atomic.StoreInt32(&st.enabled, v)

	p.logger.Info("Guardrail rule toggled",
		zap.String("rule", name),
		zap.Bool("enabled", enabled),
	)
	return true
}

// IsEnabled reports whether the named rule is currently enabled.
func (p *Pipeline) IsEnabled(name string) bool {
	p.mu.RLock()
	st, ok := p.byName[name]
	p.mu.RUnlock()
	return ok && atomic.LoadInt32(&st.enabled) == 1
}

// ListRules returns registered rule names per direction. Rules that
// run in both chains appear in both lists.
func (p *Pipeline) ListRules() RuleNames {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := RuleNames{
		Input:  make([]string, 0, len(p.input)),
		Output: make([]string, 0, len(p.output)),
	}
	for _, st := range p.input {
		names.Input = append(names.Input, st.rule.Name())
	}
	for _, st := range p.output {
		names.Output = append(names.Output, st.rule.Name())
	}
	return names
}

// Stats snapshots the pipeline counters. It only takes the read lock
// so concurrent checks proceed unimpeded.
func (p *Pipeline) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := Stats{
		TotalChecks:     atomic.LoadInt64(&p.totalChecks),
		TotalViolations: atomic.LoadInt64(&p.totalViolations),
		TotalBlocked:    atomic.LoadInt64(&p.totalBlocked),
		PerRule:         make(map[string]int64, len(p.rules)),
	}
	for _, st := range p.rules {
		stats.PerRule[st.rule.Name()] = atomic.LoadInt64(&st.violations)
	}
	return stats
}

// ResetStats zeroes all counters. Admin operation; violation counts
// are otherwise monotonic.
func (p *Pipeline) ResetStats() {
	p.mu.RLock()
	defer p.mu.RUnlock()

	atomic.StoreInt64(&p.totalChecks, 0)
	atomic.StoreInt64(&p.totalViolations, 0)
	atomic.StoreInt64(&p.totalBlocked, 0)
	for _, st := range p.rules {
		atomic.StoreInt64(&st.violations, 0)
	}

	p.logger.Info("Guardrail statistics reset")
}

// SetBlockHook installs a sink invoked on every blocked check, used
// to queue audit records. The sink must not block.
func (p *Pipeline) SetBlockHook(hook func(BlockEvent)) {
	p.mu.Lock()
	p.blockHook = hook
	p.mu.Unlock()
}

// Reload rebuilds the builtin rules from new settings while keeping
// violation counters and runtime enable/disable decisions for rules
// that survive the reload. Wired to the config manager's hot-reload
// of guardrails.yaml.
func (p *Pipeline) Reload(settings *config.GuardrailSettings) {
	if settings == nil {
		settings = &config.GuardrailSettings{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.overrides = settings.Overrides

	previous := p.byName
	p.rules = p.rules[:0]
	p.byName = make(map[string]*ruleState)

	for _, rule := range defaultRules(settings) {
		st := &ruleState{rule: rule, enabled: 1}

		if old, ok := previous[rule.Name()]; ok {
			atomic.StoreInt64(&st.violations, atomic.LoadInt64(&old.violations))
			st.enabled = atomic.LoadInt32(&old.enabled)
			st.override = nil
		}
		// Config overrides win over carried-over runtime state.
		p.applyOverrideLocked(st)
		if ov, ok := p.overrides[rule.Name()]; ok && ov.Enabled != nil && *ov.Enabled {
			st.enabled = 1
		}

		p.rules = append(p.rules, st)
		p.byName[rule.Name()] = st
	}

	p.rebuildChainsLocked()

	p.logger.Info("Guardrail pipeline reloaded",
		zap.Int("rules", len(p.rules)),
	)
}

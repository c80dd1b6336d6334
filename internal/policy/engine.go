package policy

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// decisionQuery is the rego document every loaded policy contributes to.
const decisionQuery = "data.candor.conversation.decision"

// Engine defines the policy evaluation interface
type Engine interface {
	Evaluate(ctx context.Context, input *PolicyInput) (*Decision, error)
	LoadPolicies() error
	IsEnabled() bool
	// Environment returns the configured environment (e.g., dev|staging|prod)
	Environment() string
	// Mode returns the current enforcement mode (off|dry-run|enforce)
	Mode() Mode
}

// PolicyInput represents the request context a policy rules over. It is
// built by the HTTP layer from the authenticated user and the workflow
// request before execution is dispatched.
type PolicyInput struct {
	// Core identifiers
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`

	// Caller grants
	Scopes []string `json:"scopes,omitempty"`

	// Request details
	WorkflowType string                 `json:"workflow_type"` // chat, analysis, task, custom
	Query        string                 `json:"query"`
	Stream       bool                   `json:"stream,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`

	// Security context
	Environment string `json:"environment"` // dev, staging, prod
	IPAddress   string `json:"ip_address,omitempty"`

	// Timestamp
	Timestamp time.Time `json:"timestamp"`
}

// Decision represents the policy evaluation result
type Decision struct {
	// Core decision
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`

	// Audit
	PolicyVersion string            `json:"policy_version,omitempty"`
	AuditTags     map[string]string `json:"audit_tags,omitempty"`
}

// OPAEngine implements the Engine interface using OPA rego
type OPAEngine struct {
	config  *Config
	logger  *zap.Logger
	enabled bool

	// compiled and version swap together on reload
	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	version  string

	// simple in-memory LRU cache for decisions
	cache *decisionCache
}

// NewOPAEngine creates a new OPA-based policy engine
func NewOPAEngine(config *Config, logger *zap.Logger) (*OPAEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &OPAEngine{
		config:  config,
		logger:  logger,
		enabled: config.Enabled && config.Mode != ModeOff,
		cache:   newDecisionCache(1000, 5*time.Minute), // 1K entries, 5min TTL
	}

	if engine.enabled {
		if err := engine.LoadPolicies(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
			engine.enabled = false
		}
	}

	return engine, nil
}

// LoadPolicies loads and compiles all policy files from the configured
// directory. Safe to call concurrently with Evaluate; the prepared query
// is swapped atomically so in-flight evaluations finish on the old set.
func (e *OPAEngine) LoadPolicies() error {
	if !e.config.Enabled {
		return nil
	}

	policies := make(map[string]string)

	err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() && strings.HasSuffix(info.Name(), ".rego") {
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", path, err)
			}

			// Use relative path as module name
			relPath, _ := filepath.Rel(e.config.Path, path)
			moduleName := strings.TrimSuffix(relPath, ".rego")
			policies[moduleName] = string(content)

			e.logger.Debug("Loaded policy file",
				zap.String("path", path),
				zap.String("module", moduleName),
			)
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("failed to walk policy directory: %w", err)
	}

	if len(policies) == 0 {
		e.logger.Warn("No policy files found", zap.String("path", e.config.Path))
		if e.config.FailClosed {
			return fmt.Errorf("no policies found in fail-closed mode")
		}
		return nil
	}

	regoOptions := []func(*rego.Rego){
		rego.Query(decisionQuery),
	}
	for moduleName, content := range policies {
		regoOptions = append(regoOptions, rego.Module(moduleName, content))
	}

	compiled, err := rego.New(regoOptions...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	version := calculatePolicyVersion(policies)

	e.mu.Lock()
	e.compiled = &compiled
	e.version = version
	e.mu.Unlock()

	// A reload may change decisions for inputs already cached
	e.cache.Purge()

	e.logger.Info("Policies loaded and compiled successfully",
		zap.Int("policy_count", len(policies)),
		zap.String("decision_query", decisionQuery),
		zap.String("version", version),
	)

	RecordPolicyLoad(e.config.Path, len(policies), float64(time.Now().Unix()))
	RecordPolicyVersion(e.config.Path, version, fmt.Sprintf("%d", time.Now().Unix()))

	return nil
}

// Evaluate evaluates the policy against the given input
func (e *OPAEngine) Evaluate(ctx context.Context, input *PolicyInput) (*Decision, error) {
	startTime := time.Now()

	// Default decision based on configuration
	defaultDecision := &Decision{
		Allow:  !e.config.FailClosed, // fail-open allows by default, fail-closed denies
		Reason: "policy engine disabled or no policies loaded",
		AuditTags: map[string]string{
			"policy_enabled": fmt.Sprintf("%t", e.enabled),
			"mode":           string(e.config.Mode),
		},
	}

	e.mu.RLock()
	compiled := e.compiled
	version := e.version
	e.mu.RUnlock()

	if !e.enabled || compiled == nil {
		e.logger.Debug("Policy evaluation skipped",
			zap.Bool("enabled", e.enabled),
			zap.Bool("compiled", compiled != nil),
		)
		return defaultDecision, nil
	}

	if d, ok := e.cache.Get(input); ok {
		RecordCacheHit(string(e.config.Mode))
		return d, nil
	}
	RecordCacheMiss(string(e.config.Mode))

	inputMap, err := inputToMap(input)
	if err != nil {
		e.logger.Error("Failed to convert policy input", zap.Error(err))
		RecordError("input_conversion", string(e.config.Mode))

		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "input conversion failed"}, err
		}
		return defaultDecision, nil
	}

	results, err := compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		RecordError("policy_evaluation", string(e.config.Mode))

		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation error"}, err
		}
		return defaultDecision, nil
	}

	decision := e.parseResults(results, input)
	decision.PolicyVersion = version
	decision = e.applyMode(decision, input)

	duration := time.Since(startTime)
	e.recordDecisionMetrics(decision, duration)

	e.logger.Debug("Policy evaluated",
		zap.Bool("allow", decision.Allow),
		zap.String("reason", decision.Reason),
		zap.Duration("duration", duration),
		zap.String("conversation_id", input.ConversationID),
		zap.String("workflow_type", input.WorkflowType),
		zap.String("mode", string(e.config.Mode)),
	)

	e.cache.Set(input, decision)
	return decision, nil
}

// IsEnabled returns whether the policy engine is enabled and ready
func (e *OPAEngine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled && e.compiled != nil
}

// Environment returns the configured environment for the engine
func (e *OPAEngine) Environment() string { return e.config.Environment }

// Mode returns the configured enforcement mode for the engine
func (e *OPAEngine) Mode() Mode { return e.config.Mode }

// CacheStats returns cumulative decision cache hit/miss counts
func (e *OPAEngine) CacheStats() (hits, misses int64) {
	return e.cache.Stats()
}

// inputToMap converts PolicyInput to a map for OPA evaluation
func inputToMap(input *PolicyInput) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	return result, nil
}

// parseResults parses OPA evaluation results into a Decision
func (e *OPAEngine) parseResults(results rego.ResultSet, input *PolicyInput) *Decision {
	decision := &Decision{
		Allow:  false, // Default deny
		Reason: "no matching policy rules",
		AuditTags: map[string]string{
			"conversation_id": input.ConversationID,
			"workflow_type":   input.WorkflowType,
		},
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		e.logger.Debug("No policy results returned")
		return decision
	}

	value := results[0].Expressions[0].Value
	if valueMap, ok := value.(map[string]interface{}); ok {
		if allow, ok := valueMap["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := valueMap["reason"].(string); ok {
			decision.Reason = reason
		}
	} else if allow, ok := value.(bool); ok {
		// Simple boolean result
		decision.Allow = allow
		if allow {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
		}
	}

	return decision
}

// applyMode applies the configured enforcement mode to the policy decision
func (e *OPAEngine) applyMode(decision *Decision, input *PolicyInput) *Decision {
	if decision.AuditTags == nil {
		decision.AuditTags = make(map[string]string)
	}
	decision.AuditTags["mode"] = string(e.config.Mode)

	switch e.config.Mode {
	case ModeEnforce:
		return decision

	case ModeDryRun:
		// Always allow, but log and count what enforcement would have done
		wouldAllow := decision.Allow
		originalReason := decision.Reason

		decision.Allow = true
		if wouldAllow {
			decision.Reason = fmt.Sprintf("DRY-RUN: would have been allowed - %s", originalReason)
		} else {
			decision.Reason = fmt.Sprintf("DRY-RUN: would have been denied - %s", originalReason)
			RecordDryRunDivergence("would_deny")
		}

		e.logger.Info("Dry-run policy evaluation",
			zap.Bool("would_allow", wouldAllow),
			zap.String("original_reason", originalReason),
			zap.String("conversation_id", input.ConversationID),
			zap.String("user_id", input.UserID),
			zap.String("workflow_type", input.WorkflowType),
		)
		return decision

	case ModeOff:
		decision.Allow = !e.config.FailClosed
		decision.Reason = "policy engine disabled"
		return decision

	default:
		e.logger.Warn("Unknown policy mode, defaulting to allow",
			zap.String("mode", string(e.config.Mode)),
		)
		decision.Allow = true
		decision.Reason = fmt.Sprintf("unknown mode %s, defaulting to allow", e.config.Mode)
		return decision
	}
}

// recordDecisionMetrics records evaluation outcome metrics
func (e *OPAEngine) recordDecisionMetrics(decision *Decision, duration time.Duration) {
	decisionLabel := "allow"
	if !decision.Allow {
		decisionLabel = "deny"
	}

	RecordEvaluation(decisionLabel, string(e.config.Mode))
	RecordEvaluationDuration(string(e.config.Mode), duration.Seconds())

	if !decision.Allow {
		RecordDenyReason(decision.Reason, string(e.config.Mode))
	}

	RecordCacheSize("policy_decisions", e.cache.Len())
}

// calculatePolicyVersion creates a version hash from policy content for tracking
func calculatePolicyVersion(policies map[string]string) string {
	policyNames := make([]string, 0, len(policies))
	for name := range policies {
		policyNames = append(policyNames, name)
	}
	sort.Strings(policyNames)

	h := md5.New()
	for _, name := range policyNames {
		h.Write([]byte(name))
		h.Write([]byte(policies[name]))
	}

	// First 8 hex chars are enough to tell deployments apart
	return fmt.Sprintf("%x", h.Sum(nil)[:4])
}

// --- internal decision cache (simple LRU with TTL) ---

// The cache key includes environment, mode, user, tenant, workflow type,
// a hash of the sorted scopes and a hash of the query so distinct callers
// never share decisions.

type decisionCache struct {
	cap    int
	ttl    time.Duration
	mu     sync.Mutex
	list   *list.List               // MRU at front
	m      map[string]*list.Element // key -> element
	hits   int64
	misses int64
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

func (c *decisionCache) makeKey(input *PolicyInput) string {
	qh := fnv.New64a()
	_, _ = qh.Write([]byte(strings.ToLower(input.Query)))

	sh := fnv.New64a()
	scopes := append([]string(nil), input.Scopes...)
	sort.Strings(scopes)
	_, _ = sh.Write([]byte(strings.Join(scopes, ",")))

	return fmt.Sprintf("%s|%s|%s|%s|%x|%x",
		input.Environment, input.UserID, input.TenantID, input.WorkflowType, sh.Sum64(), qh.Sum64(),
	)
}

func (c *decisionCache) Get(input *PolicyInput) (*Decision, bool) {
	key := c.makeKey(input)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		ce := el.Value.(cacheEntry)
		if ce.expiresAt.After(now) {
			c.list.MoveToFront(el)
			atomic.AddInt64(&c.hits, 1)
			return ce.decision, true
		}
		// expired
		c.list.Remove(el)
		delete(c.m, key)
	}
	atomic.AddInt64(&c.misses, 1)
	return nil, false
}

func (c *decisionCache) Set(input *PolicyInput, d *Decision) {
	key := c.makeKey(input)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
		c.list.MoveToFront(el)
		return
	}
	el := c.list.PushFront(cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d})
	c.m[key] = el
	if c.list.Len() > c.cap {
		// evict LRU
		lru := c.list.Back()
		if lru != nil {
			ce := lru.Value.(cacheEntry)
			delete(c.m, ce.key)
			c.list.Remove(lru)
		}
	}
}

// Purge drops every cached decision
func (c *decisionCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
}

// Len returns the current number of cached decisions
func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Stats returns cumulative cache hit/miss counts
func (c *decisionCache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}

package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/config"
)

// CheckerState represents the runtime state of a health checker
type CheckerState struct {
	checker   Checker
	enabled   bool
	interval  time.Duration
	timeout   time.Duration
	critical  bool
	lastCheck time.Time
}

// Manager runs registered checkers on demand and in the background,
// caching the most recent results.
type Manager struct {
	checkers      map[string]*CheckerState
	lastResults   map[string]CheckResult
	configuration *Configuration
	started       bool
	checkInterval time.Duration
	stopCh        chan struct{}
	logger        *zap.Logger
	mu            sync.RWMutex
}

// Configuration contains health check configuration
type Configuration struct {
	Enabled       bool
	CheckInterval time.Duration
	GlobalTimeout time.Duration
	Checks        map[string]CheckConfig
}

// CheckConfig represents individual check configuration
type CheckConfig struct {
	Enabled  bool
	Critical bool
	Timeout  time.Duration
	Interval time.Duration
}

// ConfigurationFrom converts the service-level health settings into the
// manager's configuration, applying defaults for unset durations.
func ConfigurationFrom(cfg config.HealthConfig) *Configuration {
	out := &Configuration{
		Enabled:       cfg.Enabled,
		CheckInterval: cfg.CheckInterval,
		GlobalTimeout: cfg.Timeout,
		Checks:        make(map[string]CheckConfig, len(cfg.Checks)),
	}
	if out.CheckInterval <= 0 {
		out.CheckInterval = 30 * time.Second
	}
	if out.GlobalTimeout <= 0 {
		out.GlobalTimeout = 5 * time.Second
	}
	for name, c := range cfg.Checks {
		out.Checks[name] = CheckConfig{
			Enabled:  c.Enabled,
			Critical: c.Critical,
			Timeout:  c.Timeout,
			Interval: c.Interval,
		}
	}
	return out
}

// NewManager creates a health manager with default configuration
func NewManager(logger *zap.Logger) *Manager {
	return NewManagerWithConfig(nil, logger)
}

// NewManagerWithConfig creates a health manager with specific configuration
func NewManagerWithConfig(configuration *Configuration, logger *zap.Logger) *Manager {
	if configuration == nil {
		configuration = &Configuration{
			Enabled:       true,
			CheckInterval: 30 * time.Second,
			GlobalTimeout: 5 * time.Second,
			Checks:        make(map[string]CheckConfig),
		}
	}

	return &Manager{
		checkers:      make(map[string]*CheckerState),
		lastResults:   make(map[string]CheckResult),
		configuration: configuration,
		checkInterval: configuration.CheckInterval,
		stopCh:        make(chan struct{}),
		logger:        logger,
	}
}

// RegisterChecker registers a health check
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}

	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}

	state := &CheckerState{
		checker:  checker,
		enabled:  true,
		interval: m.configuration.CheckInterval,
		timeout:  checker.Timeout(),
		critical: checker.IsCritical(),
	}

	if checkConfig, ok := m.configuration.Checks[name]; ok {
		state.enabled = checkConfig.Enabled
		if checkConfig.Interval > 0 {
			state.interval = checkConfig.Interval
		}
		if checkConfig.Timeout > 0 {
			state.timeout = checkConfig.Timeout
		}
		state.critical = checkConfig.Critical
	}

	m.checkers[name] = state
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("enabled", state.enabled),
		zap.Bool("critical", state.critical),
		zap.Duration("timeout", state.timeout),
		zap.Duration("interval", state.interval),
	)

	return nil
}

// UnregisterChecker removes a health check
func (m *Manager) UnregisterChecker(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.checkers[name]; !exists {
		return fmt.Errorf("checker %s not found", name)
	}

	delete(m.checkers, name)
	delete(m.lastResults, name)

	m.logger.Info("Health checker unregistered", zap.String("checker", name))
	return nil
}

// GetCheckers returns all registered checkers
func (m *Manager) GetCheckers() map[string]Checker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]Checker, len(m.checkers))
	for name, state := range m.checkers {
		result[name] = state.checker
	}
	return result
}

// GetOverallHealth returns the overall health status
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	startTime := time.Now()
	detailed := m.GetDetailedHealth(ctx)

	return OverallHealth{
		Status:    detailed.Overall.Status,
		Message:   detailed.Overall.Message,
		Timestamp: detailed.Timestamp,
		Duration:  time.Since(startTime),
		Degraded:  detailed.Overall.Degraded,
		Ready:     detailed.Overall.Ready,
		Live:      detailed.Overall.Live,
	}
}

// GetDetailedHealth runs all enabled checkers and returns per-component results
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	m.mu.RLock()
	checkerStates := make(map[string]*CheckerState, len(m.checkers))
	for name, state := range m.checkers {
		checkerStates[name] = state
	}
	m.mu.RUnlock()

	timestamp := time.Now()
	components := make(map[string]CheckResult)
	summary := HealthSummary{}

	for name, state := range checkerStates {
		if !state.enabled {
			continue
		}
		summary.Total++

		result := m.runCheck(ctx, state)
		components[name] = result

		switch result.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
		}

		if result.Critical {
			summary.Critical++
		} else {
			summary.NonCritical++
		}
	}

	m.mu.Lock()
	for name, result := range components {
		m.lastResults[name] = result
	}
	m.mu.Unlock()

	return DetailedHealth{
		Overall:    calculateOverallStatus(components, summary),
		Components: components,
		Summary:    summary,
		Timestamp:  timestamp,
	}
}

// runCheck executes a single health check with its configured timeout
func (m *Manager) runCheck(ctx context.Context, state *CheckerState) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, state.timeout)
	defer cancel()

	startTime := time.Now()
	result := state.checker.Check(checkCtx)

	result.Component = state.checker.Name()
	result.Critical = state.critical
	result.Duration = time.Since(startTime)
	result.Timestamp = startTime

	state.lastCheck = startTime

	return result
}

// calculateOverallStatus determines overall health from component results.
// Critical failures make the service unhealthy and not ready; degraded and
// non-critical failures leave it ready.
func calculateOverallStatus(components map[string]CheckResult, summary HealthSummary) OverallHealth {
	if summary.Total == 0 {
		return OverallHealth{
			Status:  StatusUnknown,
			Message: "No health checks registered",
			Ready:   false,
			Live:    false,
		}
	}

	criticalFailures := 0
	nonCriticalFailures := 0
	degradedComponents := 0

	for _, result := range components {
		if result.Status == StatusDegraded {
			degradedComponents++
		}
		if result.Status == StatusUnhealthy {
			if result.Critical {
				criticalFailures++
			} else {
				nonCriticalFailures++
			}
		}
	}

	var status CheckStatus
	var message string
	var ready bool

	switch {
	case criticalFailures > 0:
		status = StatusUnhealthy
		message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
		ready = false
	case degradedComponents > 0:
		status = StatusDegraded
		message = fmt.Sprintf("%d component(s) degraded", degradedComponents)
		ready = true
	case nonCriticalFailures > 0:
		status = StatusDegraded
		message = fmt.Sprintf("%d non-critical component(s) failing", nonCriticalFailures)
		ready = true
	default:
		status = StatusHealthy
		message = fmt.Sprintf("All %d components healthy", summary.Total)
		ready = true
	}

	return OverallHealth{
		Status:   status,
		Message:  message,
		Degraded: status == StatusDegraded,
		Ready:    ready,
		Live:     true,
	}
}

// IsReady returns true if the service is ready to serve requests
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// IsLive returns true if the service is alive (for liveness probes)
func (m *Manager) IsLive(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Live
}

// Start begins background health checking
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}

	m.started = true
	go m.backgroundChecker()

	m.logger.Info("Health manager started",
		zap.Duration("check_interval", m.checkInterval),
		zap.Int("registered_checkers", len(m.checkers)),
	)

	return nil
}

// Stop stops background health checking
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}

	close(m.stopCh)
	m.started = false

	m.logger.Info("Health manager stopped")
	return nil
}

// backgroundChecker runs periodic health checks
func (m *Manager) backgroundChecker() {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runBackgroundChecks()
		}
	}
}

// runBackgroundChecks executes due health checks, honoring per-check intervals
func (m *Manager) runBackgroundChecks() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m.mu.RLock()
	checkerStates := make(map[string]*CheckerState, len(m.checkers))
	for name, state := range m.checkers {
		checkerStates[name] = state
	}
	m.mu.RUnlock()

	now := time.Now()
	checkResults := make(map[string]CheckResult)

	for name, state := range checkerStates {
		if !state.enabled {
			continue
		}
		if now.Sub(state.lastCheck) >= state.interval {
			checkResults[name] = m.runCheck(ctx, state)
		}
	}

	if len(checkResults) > 0 {
		m.mu.Lock()
		for name, result := range checkResults {
			m.lastResults[name] = result
		}
		m.mu.Unlock()

		m.logger.Debug("Background health checks completed",
			zap.Int("checks_run", len(checkResults)),
		)
	}
}

// GetLastResults returns the most recent results without running new checks
func (m *Manager) GetLastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make(map[string]CheckResult, len(m.lastResults))
	for name, result := range m.lastResults {
		results[name] = result
	}
	return results
}

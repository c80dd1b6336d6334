package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ConfigFormat represents supported configuration file formats
type ConfigFormat string

const (
	FormatJSON ConfigFormat = "json"
	FormatYAML ConfigFormat = "yaml"
)

// ChangeEvent represents a configuration change event
type ChangeEvent struct {
	File      string                 `json:"file"`
	Action    string                 `json:"action"` // create, modify, delete
	Config    map[string]interface{} `json:"config"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChangeHandler is called when configuration changes
type ChangeHandler func(event ChangeEvent) error

// ConfigManager watches a directory of yaml/json config files and .rego
// policies, keeps the parsed maps in memory, and fans change events out to
// registered handlers. Handlers run on their own goroutines; a handler
// that calls back into the manager cannot deadlock it.
type ConfigManager struct {
	configDir      string
	configs        map[string]map[string]interface{}
	handlers       map[string][]ChangeHandler
	policyHandlers []func() error
	watcher        *fsnotify.Watcher
	started        bool
	stopCh         chan struct{}
	logger         *zap.Logger
	mu             sync.RWMutex
	watcherMu      sync.Mutex

	validators map[string]func(map[string]interface{}) error

	// Polling fallback for filesystems where fsnotify is unreliable
	pollInterval  time.Duration
	enablePolling bool
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(configDir string, logger *zap.Logger) (*ConfigManager, error) {
	if configDir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &ConfigManager{
		configDir:     configDir,
		configs:       make(map[string]map[string]interface{}),
		handlers:      make(map[string][]ChangeHandler),
		validators:    make(map[string]func(map[string]interface{}) error),
		watcher:       watcher,
		stopCh:        make(chan struct{}),
		logger:        logger,
		pollInterval:  10 * time.Second,
		enablePolling: false,
	}, nil
}

// Start loads all config files and begins watching for changes. The
// initial load and the watcher registration happen outside cm.mu so a
// slow filesystem cannot wedge concurrent readers.
func (cm *ConfigManager) Start(ctx context.Context) error {
	cm.mu.Lock()
	if cm.started {
		cm.mu.Unlock()
		return nil
	}
	cm.mu.Unlock()

	if err := cm.watcher.Add(cm.configDir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	if err := cm.loadAllConfigs(); err != nil {
		return fmt.Errorf("failed to load initial configs: %w", err)
	}

	cm.mu.Lock()
	cm.started = true
	loaded := len(cm.configs)
	polling := cm.enablePolling
	cm.mu.Unlock()

	go cm.watchLoop()
	if polling {
		go cm.pollLoop()
	}

	cm.logger.Info("Configuration manager started",
		zap.String("config_dir", cm.configDir),
		zap.Int("loaded_configs", loaded),
		zap.Bool("polling_enabled", polling),
	)

	return nil
}

// Stop stops watching for configuration changes
func (cm *ConfigManager) Stop() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.started {
		return nil
	}

	close(cm.stopCh)
	if err := cm.watcher.Close(); err != nil {
		cm.logger.Error("Error closing file watcher", zap.Error(err))
	}

	cm.started = false
	cm.logger.Info("Configuration manager stopped")

	return nil
}

// RegisterHandler registers a change handler for a specific config file
func (cm *ConfigManager) RegisterHandler(filename string, handler ChangeHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.handlers[filename] = append(cm.handlers[filename], handler)

	cm.logger.Info("Configuration handler registered",
		zap.String("filename", filename),
		zap.Int("total_handlers", len(cm.handlers[filename])),
	)
}

// RegisterValidator registers a configuration validator for a specific file
func (cm *ConfigManager) RegisterValidator(filename string, validator func(map[string]interface{}) error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.validators[filename] = validator
	cm.logger.Info("Configuration validator registered", zap.String("filename", filename))
}

// RegisterPolicyHandler registers a handler invoked when .rego files change
func (cm *ConfigManager) RegisterPolicyHandler(handler func() error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.policyHandlers = append(cm.policyHandlers, handler)
	cm.logger.Info("Policy reload handler registered")
}

// GetConfig returns a copy of the current configuration for a file
func (cm *ConfigManager) GetConfig(filename string) (map[string]interface{}, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	config, exists := cm.configs[filename]
	if !exists {
		return nil, false
	}
	return copyMap(config), true
}

// GetAllConfigs returns copies of all loaded configurations
func (cm *ConfigManager) GetAllConfigs() map[string]map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	result := make(map[string]map[string]interface{}, len(cm.configs))
	for filename, config := range cm.configs {
		result[filename] = copyMap(config)
	}
	return result
}

// ReloadConfig manually reloads a specific configuration file
func (cm *ConfigManager) ReloadConfig(filename string) error {
	return cm.loadConfigFile(filepath.Join(cm.configDir, filename), "manual_reload")
}

// ReloadAllConfigs manually reloads all configuration files
func (cm *ConfigManager) ReloadAllConfigs() error {
	return cm.loadAllConfigs()
}

// SetConfig installs a configuration programmatically, bypassing the
// filesystem. Validation and handler notification behave exactly as for
// an on-disk change.
func (cm *ConfigManager) SetConfig(filename string, config map[string]interface{}) error {
	cm.mu.RLock()
	validator := cm.validators[filename]
	cm.mu.RUnlock()

	if validator != nil {
		if err := validator(config); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", filename, err)
		}
	}

	cm.storeAndNotify(filename, config, "programmatic_set")

	cm.logger.Info("Configuration set programmatically",
		zap.String("filename", filename),
		zap.Int("keys", len(config)),
	)
	return nil
}

// EnablePolling enables polling fallback for unreliable filesystems
func (cm *ConfigManager) EnablePolling(interval time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.enablePolling = true
	cm.pollInterval = interval

	cm.logger.Info("Configuration polling enabled", zap.Duration("interval", interval))
}

func (cm *ConfigManager) watchLoop() {
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-cm.stopCh:
			return
		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}
			cm.handleWatchEvent(event)
		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			cm.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (cm *ConfigManager) pollLoop() {
	ticker := time.NewTicker(cm.pollInterval)
	defer ticker.Stop()

	lastModTimes := make(map[string]time.Time)

	for {
		select {
		case <-cm.stopCh:
			return
		case <-ticker.C:
			cm.checkForChanges(lastModTimes)
		}
	}
}

// checkForChanges detects modified files by mtime when polling is on
func (cm *ConfigManager) checkForChanges(lastModTimes map[string]time.Time) {
	err := filepath.WalkDir(cm.configDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !cm.isConfigFile(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		filename := filepath.Base(path)
		if info.ModTime().After(lastModTimes[filename]) {
			lastModTimes[filename] = info.ModTime()
			cm.logger.Debug("Detected file change via polling", zap.String("file", filename))
			return cm.loadConfigFile(path, "polling_detected")
		}
		return nil
	})

	if err != nil {
		cm.logger.Error("Error during polling check", zap.Error(err))
	}
}

func (cm *ConfigManager) handleWatchEvent(event fsnotify.Event) {
	cm.watcherMu.Lock()
	defer cm.watcherMu.Unlock()

	filename := filepath.Base(event.Name)
	isConfig := cm.isConfigFile(event.Name)
	isPolicy := cm.isPolicyFile(event.Name)
	if !isConfig && !isPolicy {
		return
	}

	cm.logger.Debug("File system event",
		zap.String("file", filename),
		zap.String("op", event.Op.String()),
	)

	var action string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		action = "create"
	case event.Op&fsnotify.Write == fsnotify.Write:
		action = "modify"
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		action = "delete"
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		action = "rename"
	case event.Op&fsnotify.Chmod == fsnotify.Chmod:
		return
	default:
		action = event.Op.String()
	}

	if action == "delete" || action == "rename" {
		if isConfig {
			cm.handleFileRemoval(filename)
		}
		// A removed policy file still requires a reload: remaining
		// policies may have referenced it.
		if isPolicy {
			cm.handlePolicyReload(filename, action)
		}
		return
	}

	// Absorb rapid successive writes from editors that save in stages
	time.Sleep(50 * time.Millisecond)

	if isConfig {
		if err := cm.loadConfigFile(event.Name, action); err != nil {
			cm.logger.Error("Failed to load config file",
				zap.String("file", filename),
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}
	if isPolicy {
		cm.handlePolicyReload(filename, action)
	}
}

func (cm *ConfigManager) loadAllConfigs() error {
	return filepath.WalkDir(cm.configDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !cm.isConfigFile(path) {
			return nil
		}
		return cm.loadConfigFile(path, "initial_load")
	})
}

// loadConfigFile reads, parses, and validates one file, then stores it and
// notifies handlers. All I/O and parsing happen before any lock is taken.
func (cm *ConfigManager) loadConfigFile(filePath, action string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	filename := filepath.Base(filePath)
	config := make(map[string]interface{})

	format := cm.detectFormat(filename)
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse JSON config %s: %w", filename, err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse YAML config %s: %w", filename, err)
		}
	default:
		return fmt.Errorf("unsupported config format for %s", filename)
	}

	cm.mu.RLock()
	validator := cm.validators[filename]
	cm.mu.RUnlock()

	if validator != nil {
		if err := validator(config); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", filename, err)
		}
	}

	cm.storeAndNotify(filename, config, action)

	cm.logger.Info("Configuration loaded",
		zap.String("filename", filename),
		zap.String("action", action),
		zap.String("format", string(format)),
		zap.Int("keys", len(config)),
	)

	return nil
}

// storeAndNotify installs the parsed config and dispatches the change
// event to this file's handlers on separate goroutines. Handlers receive
// a copy of the map so concurrent mutation cannot corrupt stored state.
func (cm *ConfigManager) storeAndNotify(filename string, config map[string]interface{}, action string) {
	configCopy := copyMap(config)

	cm.mu.Lock()
	cm.configs[filename] = config
	handlers := make([]ChangeHandler, len(cm.handlers[filename]))
	copy(handlers, cm.handlers[filename])
	cm.mu.Unlock()

	cm.dispatch(handlers, ChangeEvent{
		File:      filename,
		Action:    action,
		Config:    configCopy,
		Timestamp: time.Now(),
	})
}

func (cm *ConfigManager) dispatch(handlers []ChangeHandler, event ChangeEvent) {
	for _, handler := range handlers {
		h := handler
		go func() {
			if err := h(event); err != nil {
				cm.logger.Error("Configuration handler error",
					zap.String("filename", event.File),
					zap.String("action", event.Action),
					zap.Error(err),
				)
			}
		}()
	}
}

// handleFileRemoval drops a removed file's config and tells its handlers,
// passing the last known contents
func (cm *ConfigManager) handleFileRemoval(filename string) {
	cm.mu.Lock()
	config := cm.configs[filename]
	delete(cm.configs, filename)
	handlers := make([]ChangeHandler, len(cm.handlers[filename]))
	copy(handlers, cm.handlers[filename])
	cm.mu.Unlock()

	var configCopy map[string]interface{}
	if config != nil {
		configCopy = copyMap(config)
	}

	cm.dispatch(handlers, ChangeEvent{
		File:      filename,
		Action:    "delete",
		Config:    configCopy,
		Timestamp: time.Now(),
	})

	cm.logger.Info("Configuration file removed", zap.String("filename", filename))
}

// handlePolicyReload triggers policy engine reloads when .rego files change
func (cm *ConfigManager) handlePolicyReload(filename, action string) {
	cm.mu.RLock()
	handlers := make([]func() error, len(cm.policyHandlers))
	copy(handlers, cm.policyHandlers)
	cm.mu.RUnlock()

	cm.logger.Info("Policy file changed, triggering reload",
		zap.String("file", filename),
		zap.String("action", action),
		zap.Int("handlers", len(handlers)),
	)

	for _, handler := range handlers {
		if err := handler(); err != nil {
			cm.logger.Error("Policy reload handler failed",
				zap.String("file", filename),
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}
}

func (cm *ConfigManager) isConfigFile(filename string) bool {
	ext := filepath.Ext(filename)
	return ext == ".json" || ext == ".yaml" || ext == ".yml"
}

func (cm *ConfigManager) isPolicyFile(filename string) bool {
	return filepath.Ext(filename) == ".rego"
}

func (cm *ConfigManager) detectFormat(filename string) ConfigFormat {
	switch filepath.Ext(filename) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

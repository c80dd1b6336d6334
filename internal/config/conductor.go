package config

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ConductorConfig represents the main conductor service configuration
type ConductorConfig struct {
	// Service configuration
	Service ServiceConfig `json:"service" yaml:"service"`

	// Authentication configuration
	Auth AuthConfig `json:"auth" yaml:"auth"`

	// Circuit breaker configurations
	CircuitBreakers CircuitBreakersConfig `json:"circuit_breakers" yaml:"circuit_breakers"`

	// Health check configuration
	Health HealthConfig `json:"health" yaml:"health"`

	// External service endpoints (generation, retrieval)
	Services ServicesConfig `json:"services" yaml:"services"`

	// Guardrail pipeline configuration
	Guardrails GuardrailsConfig `json:"guardrails" yaml:"guardrails"`

	// Profiling session configuration
	Profiling ProfilingConfig `json:"profiling" yaml:"profiling"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Policy engine configuration
	Policy PolicyConfig `json:"policy" yaml:"policy"`

	// Memory/vector search configuration
	Memory MemoryConfig `json:"memory" yaml:"memory"`

	// Embeddings service configuration
	Embeddings EmbeddingsConfig `json:"embeddings" yaml:"embeddings"`

	// Tracing configuration
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`

	// Streaming configuration
	Streaming StreamingConfig `json:"streaming" yaml:"streaming"`

	// Workflow execution behavior
	Workflow WorkflowConfig `json:"workflow" yaml:"workflow"`

	// Conversation store configuration
	Conversation ConversationConfig `json:"conversation" yaml:"conversation"`
}

// AuthConfig contains authentication configuration
type AuthConfig struct {
	Enabled            bool          `json:"enabled" yaml:"enabled"`
	SkipAuth           bool          `json:"skip_auth" yaml:"skip_auth"` // Development mode
	JWTSecret          string        `json:"jwt_secret" yaml:"jwt_secret"`
	AccessTokenExpiry  time.Duration `json:"access_token_expiry" yaml:"access_token_expiry"`
	RefreshTokenExpiry time.Duration `json:"refresh_token_expiry" yaml:"refresh_token_expiry"`
	APIKeyRateLimit    int           `json:"api_key_rate_limit" yaml:"api_key_rate_limit"`
	DefaultTenantLimit int           `json:"default_tenant_limit" yaml:"default_tenant_limit"`
	EnableRegistration bool          `json:"enable_registration" yaml:"enable_registration"`
}

// ServiceConfig contains basic service configuration
type ServiceConfig struct {
	Port            int           `json:"port" yaml:"port"`
	HealthPort      int           `json:"health_port" yaml:"health_port"`
	GracefulTimeout time.Duration `json:"graceful_timeout" yaml:"graceful_timeout"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	MaxHeaderBytes  int           `json:"max_header_bytes" yaml:"max_header_bytes"`
}

// CircuitBreakersConfig contains all circuit breaker configurations
type CircuitBreakersConfig struct {
	Redis    CircuitBreakerSettings `json:"redis" yaml:"redis"`
	Database CircuitBreakerSettings `json:"database" yaml:"database"`
	HTTP     CircuitBreakerSettings `json:"http" yaml:"http"`
}

// CircuitBreakerSettings represents circuit breaker settings
type CircuitBreakerSettings struct {
	MaxRequests   uint32        `json:"max_requests" yaml:"max_requests"`
	Interval      time.Duration `json:"interval" yaml:"interval"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	MaxFailures   uint32        `json:"max_failures" yaml:"max_failures"`
	OnStateChange bool          `json:"on_state_change" yaml:"on_state_change"`
	Enabled       bool          `json:"enabled" yaml:"enabled"`
}

// HealthConfig contains health check settings
type HealthConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	Port          int           `json:"port" yaml:"port"`

	// Individual check configurations
	Checks map[string]HealthCheckConfig `json:"checks" yaml:"checks"`
}

// HealthCheckConfig represents individual health check settings
type HealthCheckConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Critical bool          `json:"critical" yaml:"critical"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// ServicesConfig contains external service endpoints and retry behavior
type ServicesConfig struct {
	GenerationEndpoint string        `json:"generation_endpoint" yaml:"generation_endpoint"`
	RetrievalEndpoint  string        `json:"retrieval_endpoint" yaml:"retrieval_endpoint"`
	DefaultTimeout     time.Duration `json:"default_timeout" yaml:"default_timeout"`
	StreamTimeout      time.Duration `json:"stream_timeout" yaml:"stream_timeout"`
	RetryCount         int           `json:"retry_count" yaml:"retry_count"`
	RetryBackoff       time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
	DefaultProvider    string        `json:"default_provider" yaml:"default_provider"`
	DefaultTier        string        `json:"default_tier" yaml:"default_tier"`
}

// GuardrailsConfig contains guardrail pipeline settings. Per-rule tuning lives
// in config/guardrails.yaml; this section wires the pipeline itself.
type GuardrailsConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	ConfigPath string `json:"config_path" yaml:"config_path"`
}

// ProfilingConfig contains profiling session defaults
type ProfilingConfig struct {
	MaxIterations          int           `json:"max_iterations" yaml:"max_iterations"`
	CompletenessThreshold  float64       `json:"completeness_threshold" yaml:"completeness_threshold"`
	QuestionsPerIteration  int           `json:"questions_per_iteration" yaml:"questions_per_iteration"`
	SessionTTL             time.Duration `json:"session_ttl" yaml:"session_ttl"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`
	Development bool   `json:"development" yaml:"development"`
	Encoding    string `json:"encoding" yaml:"encoding"` // "json" or "console"

	// Log output configuration
	OutputPaths      []string `json:"output_paths" yaml:"output_paths"`
	ErrorOutputPaths []string `json:"error_output_paths" yaml:"error_output_paths"`
}

// MemoryConfig contains vector store and semantic search settings
type MemoryConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Qdrant
	Host              string        `json:"host" yaml:"host"`
	Port              int           `json:"port" yaml:"port"`
	ConversationTurns string        `json:"conversation_turns" yaml:"conversation_turns"`
	KnowledgeChunks   string        `json:"knowledge_chunks" yaml:"knowledge_chunks"`
	TopK              int           `json:"top_k" yaml:"top_k"`
	Threshold         float64       `json:"threshold" yaml:"threshold"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`

	// MMR re-ranking (diversity)
	MmrEnabled        bool    `json:"mmr_enabled" yaml:"mmr_enabled"`
	MmrLambda         float64 `json:"mmr_lambda" yaml:"mmr_lambda"`
	MmrPoolMultiplier int     `json:"mmr_pool_multiplier" yaml:"mmr_pool_multiplier"`
}

// EmbeddingsConfig contains embeddings service settings
type EmbeddingsConfig struct {
	BaseURL      string        `json:"base_url" yaml:"base_url"`
	DefaultModel string        `json:"default_model" yaml:"default_model"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	CacheTTL     time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	MaxLRU       int           `json:"max_lru" yaml:"max_lru"`
}

// TracingConfig contains OpenTelemetry tracing settings
type TracingConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	ServiceName  string `json:"service_name" yaml:"service_name"`
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
}

// StreamingConfig contains streaming settings (ring buffer)
type StreamingConfig struct {
	RingCapacity int `json:"ring_capacity" yaml:"ring_capacity"`
}

// WorkflowConfig controls workflow execution behavior
type WorkflowConfig struct {
	// DefaultTimeout bounds a single workflow execution
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`
	// MaxContextMessages limits history injected into prepared requests
	MaxContextMessages int `json:"max_context_messages" yaml:"max_context_messages"`
}

// ConversationConfig contains conversation store settings
type ConversationConfig struct {
	MaxHistory int           `json:"max_history" yaml:"max_history"` // Maximum messages to keep in Redis per conversation
	TTL        time.Duration `json:"ttl" yaml:"ttl"`                 // Conversation expiry time
	CacheSize  int           `json:"cache_size" yaml:"cache_size"`   // Max conversations to keep in local cache
}

// PolicyConfig contains policy engine settings
type PolicyConfig struct {
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Mode        string            `json:"mode" yaml:"mode"` // "off", "dry-run", "enforce"
	Path        string            `json:"path" yaml:"path"`
	FailClosed  bool              `json:"fail_closed" yaml:"fail_closed"`
	Environment string            `json:"environment" yaml:"environment"`
	Audit       PolicyAuditConfig `json:"audit" yaml:"audit"`
}

// PolicyAuditConfig contains policy audit settings
type PolicyAuditConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	LogLevel        string `json:"log_level" yaml:"log_level"`
	IncludeInput    bool   `json:"include_input" yaml:"include_input"`
	IncludeDecision bool   `json:"include_decision" yaml:"include_decision"`
}

// DefaultConductorConfig returns the default configuration
func DefaultConductorConfig() *ConductorConfig {
	return &ConductorConfig{
		Service: ServiceConfig{
			Port:            8080,
			HealthPort:      8081,
			GracefulTimeout: 30 * time.Second,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
		},
		Auth: AuthConfig{
			Enabled:            false,
			SkipAuth:           true,
			JWTSecret:          "change-this-to-a-secure-32-char-minimum-secret",
			AccessTokenExpiry:  30 * time.Minute,
			RefreshTokenExpiry: 7 * 24 * time.Hour,
			APIKeyRateLimit:    1000,
			DefaultTenantLimit: 10000,
			EnableRegistration: true,
		},
		CircuitBreakers: CircuitBreakersConfig{
			Redis: CircuitBreakerSettings{
				MaxRequests:   5,
				Interval:      30 * time.Second,
				Timeout:       60 * time.Second,
				MaxFailures:   5,
				OnStateChange: true,
				Enabled:       true,
			},
			Database: CircuitBreakerSettings{
				MaxRequests:   3,
				Interval:      30 * time.Second,
				Timeout:       60 * time.Second,
				MaxFailures:   3,
				OnStateChange: true,
				Enabled:       true,
			},
			HTTP: CircuitBreakerSettings{
				MaxRequests:   5,
				Interval:      30 * time.Second,
				Timeout:       60 * time.Second,
				MaxFailures:   3,
				OnStateChange: true,
				Enabled:       true,
			},
		},
		Health: HealthConfig{
			Enabled:       true,
			CheckInterval: 30 * time.Second,
			Timeout:       5 * time.Second,
			Port:          8081,
			Checks: map[string]HealthCheckConfig{
				"redis": {
					Enabled:  true,
					Critical: true,
					Timeout:  5 * time.Second,
					Interval: 30 * time.Second,
				},
				"database": {
					Enabled:  true,
					Critical: true,
					Timeout:  5 * time.Second,
					Interval: 30 * time.Second,
				},
				"generation_service": {
					Enabled:  true,
					Critical: true,
					Timeout:  5 * time.Second,
					Interval: 30 * time.Second,
				},
				"retrieval_service": {
					Enabled:  true,
					Critical: false,
					Timeout:  5 * time.Second,
					Interval: 60 * time.Second,
				},
			},
		},
		Services: ServicesConfig{
			GenerationEndpoint: "http://localhost:8000",
			RetrievalEndpoint:  "http://localhost:8090",
			DefaultTimeout:     30 * time.Second,
			StreamTimeout:      5 * time.Minute,
			RetryCount:         3,
			RetryBackoff:       2 * time.Second,
			DefaultProvider:    "openai",
			DefaultTier:        "medium",
		},
		Guardrails: GuardrailsConfig{
			Enabled:    true,
			ConfigPath: "",
		},
		Profiling: ProfilingConfig{
			MaxIterations:         5,
			CompletenessThreshold: 0.8,
			QuestionsPerIteration: 3,
			SessionTTL:            24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:            "info",
			Development:      false,
			Encoding:         "json",
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		},
		Policy: PolicyConfig{
			Enabled:     false,
			Mode:        "off",
			Path:        "/app/config/policies",
			FailClosed:  false,
			Environment: "dev",
			Audit: PolicyAuditConfig{
				Enabled:         true,
				LogLevel:        "info",
				IncludeInput:    true,
				IncludeDecision: true,
			},
		},
		Memory: MemoryConfig{
			Enabled:           false,
			Host:              "qdrant",
			Port:              6333,
			ConversationTurns: "conversation_turns",
			KnowledgeChunks:   "knowledge_chunks",
			TopK:              5,
			Threshold:         0.75,
			Timeout:           3 * time.Second,
			MmrEnabled:        false,
			MmrLambda:         0.7,
			MmrPoolMultiplier: 3,
		},
		Embeddings: EmbeddingsConfig{
			BaseURL:      "",
			DefaultModel: "text-embedding-3-small",
			Timeout:      5 * time.Second,
			CacheTTL:     time.Hour,
			MaxLRU:       2048,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			ServiceName:  "candor-conductor",
			OTLPEndpoint: "localhost:4317",
		},
		Streaming: StreamingConfig{
			RingCapacity: 256,
		},
		Workflow: WorkflowConfig{
			DefaultTimeout:     2 * time.Minute,
			MaxContextMessages: 50,
		},
		Conversation: ConversationConfig{
			MaxHistory: 500,
			TTL:        30 * 24 * time.Hour,
			CacheSize:  1024,
		},
	}
}

// ValidateConductorConfig validates the conductor configuration
func ValidateConductorConfig(config map[string]interface{}) error {
	if service, ok := config["service"].(map[string]interface{}); ok {
		if port, ok := service["port"].(float64); ok && (port < 1 || port > 65535) {
			return fmt.Errorf("service port must be between 1 and 65535, got %v", port)
		}
		if healthPort, ok := service["health_port"].(float64); ok && (healthPort < 1 || healthPort > 65535) {
			return fmt.Errorf("health port must be between 1 and 65535, got %v", healthPort)
		}
	}

	if profiling, ok := config["profiling"].(map[string]interface{}); ok {
		if v, ok := profiling["max_iterations"].(float64); ok && v < 1 {
			return fmt.Errorf("profiling max_iterations must be at least 1, got %v", v)
		}
		if v, ok := profiling["completeness_threshold"].(float64); ok && (v <= 0 || v > 1) {
			return fmt.Errorf("profiling completeness_threshold must be in (0, 1], got %v", v)
		}
		if v, ok := profiling["questions_per_iteration"].(float64); ok && v < 1 {
			return fmt.Errorf("profiling questions_per_iteration must be at least 1, got %v", v)
		}
	}

	if services, ok := config["services"].(map[string]interface{}); ok {
		if v, ok := services["retry_count"].(float64); ok && v < 0 {
			return fmt.Errorf("services retry_count cannot be negative, got %v", v)
		}
	}

	if streaming, ok := config["streaming"].(map[string]interface{}); ok {
		if v, ok := streaming["ring_capacity"].(float64); ok && v < 1 {
			return fmt.Errorf("streaming ring_capacity must be at least 1, got %v", v)
		}
	}

	if conversation, ok := config["conversation"].(map[string]interface{}); ok {
		if v, ok := conversation["max_history"].(float64); ok && (v < 1 || v > 10000) {
			return fmt.Errorf("conversation max_history must be between 1 and 10000, got %v", v)
		}
		if v, ok := conversation["cache_size"].(float64); ok && v < 1 {
			return fmt.Errorf("conversation cache_size must be at least 1, got %v", v)
		}
	}

	if memory, ok := config["memory"].(map[string]interface{}); ok {
		if v, ok := memory["threshold"].(float64); ok && (v < 0 || v > 1) {
			return fmt.Errorf("memory threshold must be between 0 and 1, got %v", v)
		}
		if v, ok := memory["top_k"].(float64); ok && v < 1 {
			return fmt.Errorf("memory top_k must be at least 1, got %v", v)
		}
	}

	return nil
}

// ConfigurationCallback is called when significant configuration changes occur
type ConfigurationCallback func(oldConfig, newConfig *ConductorConfig) error

// ConductorConfigManager provides typed access to conductor configuration
type ConductorConfigManager struct {
	configManager *ConfigManager
	currentConfig *ConductorConfig
	logger        *zap.Logger
	callbacks     []ConfigurationCallback
}

// NewConductorConfigManager creates a new conductor-specific configuration manager
func NewConductorConfigManager(configManager *ConfigManager, logger *zap.Logger) *ConductorConfigManager {
	return &ConductorConfigManager{
		configManager: configManager,
		currentConfig: DefaultConductorConfig(),
		logger:        logger,
		callbacks:     make([]ConfigurationCallback, 0),
	}
}

// GetConfig returns the current conductor configuration
func (ccm *ConductorConfigManager) GetConfig() *ConductorConfig {
	// Return a copy to prevent external modification
	config := *ccm.currentConfig
	return &config
}

// Initialize sets up configuration management for the conductor
func (ccm *ConductorConfigManager) Initialize() error {
	ccm.configManager.RegisterValidator("conductor.yaml", ValidateConductorConfig)
	ccm.configManager.RegisterValidator("conductor.json", ValidateConductorConfig)

	ccm.configManager.RegisterHandler("conductor.yaml", ccm.handleConfigChange)
	ccm.configManager.RegisterHandler("conductor.json", ccm.handleConfigChange)

	if config, exists := ccm.configManager.GetConfig("conductor.yaml"); exists {
		if err := ccm.updateConfigFromMap(config); err != nil {
			ccm.logger.Error("Failed to load conductor.yaml", zap.Error(err))
		}
	} else if config, exists := ccm.configManager.GetConfig("conductor.json"); exists {
		if err := ccm.updateConfigFromMap(config); err != nil {
			ccm.logger.Error("Failed to load conductor.json", zap.Error(err))
		}
	}

	return nil
}

// handleConfigChange processes conductor configuration changes
func (ccm *ConductorConfigManager) handleConfigChange(event ChangeEvent) error {
	ccm.logger.Info("Conductor configuration changed",
		zap.String("file", event.File),
		zap.String("action", event.Action),
	)

	if event.Action == "delete" {
		ccm.currentConfig = DefaultConductorConfig()
		ccm.logger.Info("Reverted to default conductor configuration")
		return nil
	}

	return ccm.updateConfigFromMap(event.Config)
}

// RegisterCallback registers a callback to be called when configuration changes
func (ccm *ConductorConfigManager) RegisterCallback(callback ConfigurationCallback) {
	ccm.callbacks = append(ccm.callbacks, callback)
	ccm.logger.Info("Configuration callback registered")
}

// updateConfigFromMap updates the current config from a map
func (ccm *ConductorConfigManager) updateConfigFromMap(configMap map[string]interface{}) error {
	newConfig := DefaultConductorConfig()

	if service, ok := configMap["service"].(map[string]interface{}); ok {
		if port, ok := service["port"].(float64); ok {
			newConfig.Service.Port = int(port)
		}
		if healthPort, ok := service["health_port"].(float64); ok {
			newConfig.Service.HealthPort = int(healthPort)
		}
		if timeout, ok := service["graceful_timeout"].(string); ok {
			if d, err := time.ParseDuration(timeout); err == nil {
				newConfig.Service.GracefulTimeout = d
			}
		}
		if timeout, ok := service["read_timeout"].(string); ok {
			if d, err := time.ParseDuration(timeout); err == nil {
				newConfig.Service.ReadTimeout = d
			}
		}
		if timeout, ok := service["write_timeout"].(string); ok {
			if d, err := time.ParseDuration(timeout); err == nil {
				newConfig.Service.WriteTimeout = d
			}
		}
	}

	if auth, ok := configMap["auth"].(map[string]interface{}); ok {
		ccm.updateAuthConfig(auth, &newConfig.Auth)
	}

	if cb, ok := configMap["circuit_breakers"].(map[string]interface{}); ok {
		ccm.updateCircuitBreakerConfig(cb, &newConfig.CircuitBreakers)
	}

	if health, ok := configMap["health"].(map[string]interface{}); ok {
		ccm.updateHealthConfig(health, &newConfig.Health)
	}

	if services, ok := configMap["services"].(map[string]interface{}); ok {
		ccm.updateServicesConfig(services, &newConfig.Services)
	}

	if guardrails, ok := configMap["guardrails"].(map[string]interface{}); ok {
		if enabled, ok := guardrails["enabled"].(bool); ok {
			newConfig.Guardrails.Enabled = enabled
		}
		if path, ok := guardrails["config_path"].(string); ok {
			newConfig.Guardrails.ConfigPath = path
		}
	}

	if profiling, ok := configMap["profiling"].(map[string]interface{}); ok {
		if v, ok := profiling["max_iterations"].(float64); ok {
			newConfig.Profiling.MaxIterations = int(v)
		}
		if v, ok := profiling["completeness_threshold"].(float64); ok {
			newConfig.Profiling.CompletenessThreshold = v
		}
		if v, ok := profiling["questions_per_iteration"].(float64); ok {
			newConfig.Profiling.QuestionsPerIteration = int(v)
		}
		if v, ok := profiling["session_ttl"].(string); ok {
			if d, err := time.ParseDuration(v); err == nil {
				newConfig.Profiling.SessionTTL = d
			}
		}
	}

	if logging, ok := configMap["logging"].(map[string]interface{}); ok {
		ccm.updateLoggingConfig(logging, &newConfig.Logging)
	}

	if policy, ok := configMap["policy"].(map[string]interface{}); ok {
		ccm.updatePolicyConfig(policy, &newConfig.Policy)
	}

	if memory, ok := configMap["memory"].(map[string]interface{}); ok {
		ccm.updateMemoryConfig(memory, &newConfig.Memory)
	}

	if embeddings, ok := configMap["embeddings"].(map[string]interface{}); ok {
		ccm.updateEmbeddingsConfig(embeddings, &newConfig.Embeddings)
	}

	if tracing, ok := configMap["tracing"].(map[string]interface{}); ok {
		if enabled, ok := tracing["enabled"].(bool); ok {
			newConfig.Tracing.Enabled = enabled
		}
		if name, ok := tracing["service_name"].(string); ok {
			newConfig.Tracing.ServiceName = name
		}
		if ep, ok := tracing["otlp_endpoint"].(string); ok {
			newConfig.Tracing.OTLPEndpoint = ep
		}
	}

	if streaming, ok := configMap["streaming"].(map[string]interface{}); ok {
		if capv, ok := streaming["ring_capacity"].(float64); ok {
			if capv > 0 {
				newConfig.Streaming.RingCapacity = int(capv)
			}
		}
	}

	if wf, ok := configMap["workflow"].(map[string]interface{}); ok {
		if v, ok := wf["default_timeout"].(string); ok {
			if d, err := time.ParseDuration(v); err == nil {
				newConfig.Workflow.DefaultTimeout = d
			}
		}
		if v, ok := wf["max_context_messages"].(float64); ok {
			newConfig.Workflow.MaxContextMessages = int(v)
		}
	}

	if conversation, ok := configMap["conversation"].(map[string]interface{}); ok {
		if v, ok := conversation["max_history"].(float64); ok {
			newConfig.Conversation.MaxHistory = int(v)
		}
		if v, ok := conversation["ttl"].(string); ok {
			if d, err := time.ParseDuration(v); err == nil {
				newConfig.Conversation.TTL = d
			}
		}
		if v, ok := conversation["cache_size"].(float64); ok {
			newConfig.Conversation.CacheSize = int(v)
		}
	}

	oldConfig := ccm.currentConfig
	ccm.currentConfig = newConfig

	ccm.notifyConfigChanges(oldConfig, newConfig)
	ccm.triggerCallbacks(oldConfig, newConfig)

	return nil
}

// updateAuthConfig updates auth configuration
func (ccm *ConductorConfigManager) updateAuthConfig(authMap map[string]interface{}, config *AuthConfig) {
	if enabled, ok := authMap["enabled"].(bool); ok {
		config.Enabled = enabled
	}
	if skip, ok := authMap["skip_auth"].(bool); ok {
		config.SkipAuth = skip
	}
	if secret, ok := authMap["jwt_secret"].(string); ok && secret != "" {
		config.JWTSecret = secret
	}
	if v, ok := authMap["access_token_expiry"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil {
			config.AccessTokenExpiry = d
		} else {
			ccm.logger.Warn("Invalid access_token_expiry, using default", zap.String("value", v), zap.Error(err))
		}
	}
	if v, ok := authMap["refresh_token_expiry"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil {
			config.RefreshTokenExpiry = d
		} else {
			ccm.logger.Warn("Invalid refresh_token_expiry, using default", zap.String("value", v), zap.Error(err))
		}
	}
	if rl, ok := authMap["api_key_rate_limit"].(float64); ok {
		config.APIKeyRateLimit = int(rl)
	}
	if tl, ok := authMap["default_tenant_limit"].(float64); ok {
		config.DefaultTenantLimit = int(tl)
	}
	if reg, ok := authMap["enable_registration"].(bool); ok {
		config.EnableRegistration = reg
	}
}

// updateCircuitBreakerConfig updates circuit breaker configurations
func (ccm *ConductorConfigManager) updateCircuitBreakerConfig(cbMap map[string]interface{}, config *CircuitBreakersConfig) {
	update := func(m map[string]interface{}, settings *CircuitBreakerSettings) {
		if v, ok := m["max_requests"].(float64); ok {
			settings.MaxRequests = uint32(v)
		}
		if v, ok := m["interval"].(string); ok {
			if d, err := time.ParseDuration(v); err == nil {
				settings.Interval = d
			}
		}
		if v, ok := m["timeout"].(string); ok {
			if d, err := time.ParseDuration(v); err == nil {
				settings.Timeout = d
			}
		}
		if v, ok := m["max_failures"].(float64); ok {
			settings.MaxFailures = uint32(v)
		}
		if v, ok := m["enabled"].(bool); ok {
			settings.Enabled = v
		}
	}

	if redis, ok := cbMap["redis"].(map[string]interface{}); ok {
		update(redis, &config.Redis)
	}
	if database, ok := cbMap["database"].(map[string]interface{}); ok {
		update(database, &config.Database)
	}
	if httpCB, ok := cbMap["http"].(map[string]interface{}); ok {
		update(httpCB, &config.HTTP)
	}
}

// updateHealthConfig updates health configuration
func (ccm *ConductorConfigManager) updateHealthConfig(healthMap map[string]interface{}, config *HealthConfig) {
	if enabled, ok := healthMap["enabled"].(bool); ok {
		config.Enabled = enabled
	}
	if v, ok := healthMap["check_interval"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil {
			config.CheckInterval = d
		}
	}
	if v, ok := healthMap["timeout"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil {
			config.Timeout = d
		}
	}
	if port, ok := healthMap["port"].(float64); ok {
		config.Port = int(port)
	}

	if checks, ok := healthMap["checks"].(map[string]interface{}); ok {
		for name, raw := range checks {
			checkMap, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			check := config.Checks[name]
			if v, ok := checkMap["enabled"].(bool); ok {
				check.Enabled = v
			}
			if v, ok := checkMap["critical"].(bool); ok {
				check.Critical = v
			}
			if v, ok := checkMap["timeout"].(string); ok {
				if d, err := time.ParseDuration(v); err == nil {
					check.Timeout = d
				}
			}
			if v, ok := checkMap["interval"].(string); ok {
				if d, err := time.ParseDuration(v); err == nil {
					check.Interval = d
				}
			}
			config.Checks[name] = check
		}
	}
}

// updateServicesConfig updates external service configuration
func (ccm *ConductorConfigManager) updateServicesConfig(servicesMap map[string]interface{}, config *ServicesConfig) {
	if ep, ok := servicesMap["generation_endpoint"].(string); ok {
		config.GenerationEndpoint = ep
	}
	if ep, ok := servicesMap["retrieval_endpoint"].(string); ok {
		config.RetrievalEndpoint = ep
	}
	if v, ok := servicesMap["default_timeout"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil {
			config.DefaultTimeout = d
		}
	}
	if v, ok := servicesMap["stream_timeout"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil {
			config.StreamTimeout = d
		}
	}
	if v, ok := servicesMap["retry_count"].(float64); ok {
		config.RetryCount = int(v)
	}
	if v, ok := servicesMap["retry_backoff"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil {
			config.RetryBackoff = d
		}
	}
	if v, ok := servicesMap["default_provider"].(string); ok {
		config.DefaultProvider = v
	}
	if v, ok := servicesMap["default_tier"].(string); ok {
		config.DefaultTier = v
	}
}

// updateLoggingConfig updates logging configuration
func (ccm *ConductorConfigManager) updateLoggingConfig(loggingMap map[string]interface{}, config *LoggingConfig) {
	if level, ok := loggingMap["level"].(string); ok {
		config.Level = level
	}
	if dev, ok := loggingMap["development"].(bool); ok {
		config.Development = dev
	}
	if encoding, ok := loggingMap["encoding"].(string); ok {
		config.Encoding = encoding
	}
	if paths, ok := loggingMap["output_paths"].([]interface{}); ok {
		config.OutputPaths = make([]string, 0, len(paths))
		for _, p := range paths {
			if s, ok := p.(string); ok {
				config.OutputPaths = append(config.OutputPaths, s)
			}
		}
	}
	if paths, ok := loggingMap["error_output_paths"].([]interface{}); ok {
		config.ErrorOutputPaths = make([]string, 0, len(paths))
		for _, p := range paths {
			if s, ok := p.(string); ok {
				config.ErrorOutputPaths = append(config.ErrorOutputPaths, s)
			}
		}
	}
}

// updatePolicyConfig updates policy configuration
func (ccm *ConductorConfigManager) updatePolicyConfig(policyMap map[string]interface{}, config *PolicyConfig) {
	if enabled, ok := policyMap["enabled"].(bool); ok {
		config.Enabled = enabled
	}
	if mode, ok := policyMap["mode"].(string); ok {
		config.Mode = mode
	}
	if path, ok := policyMap["path"].(string); ok {
		config.Path = path
	}
	if failClosed, ok := policyMap["fail_closed"].(bool); ok {
		config.FailClosed = failClosed
	}
	if environment, ok := policyMap["environment"].(string); ok {
		config.Environment = environment
	}

	if audit, ok := policyMap["audit"].(map[string]interface{}); ok {
		if enabled, ok := audit["enabled"].(bool); ok {
			config.Audit.Enabled = enabled
		}
		if logLevel, ok := audit["log_level"].(string); ok {
			config.Audit.LogLevel = logLevel
		}
		if includeInput, ok := audit["include_input"].(bool); ok {
			config.Audit.IncludeInput = includeInput
		}
		if includeDecision, ok := audit["include_decision"].(bool); ok {
			config.Audit.IncludeDecision = includeDecision
		}
	}
}

// updateMemoryConfig updates memory configuration
func (ccm *ConductorConfigManager) updateMemoryConfig(memoryMap map[string]interface{}, config *MemoryConfig) {
	if enabled, ok := memoryMap["enabled"].(bool); ok {
		config.Enabled = enabled
	}
	if host, ok := memoryMap["host"].(string); ok {
		config.Host = host
	}
	if port, ok := memoryMap["port"].(float64); ok {
		config.Port = int(port)
	}
	if v, ok := memoryMap["conversation_turns"].(string); ok {
		config.ConversationTurns = v
	}
	if v, ok := memoryMap["knowledge_chunks"].(string); ok {
		config.KnowledgeChunks = v
	}
	if topK, ok := memoryMap["top_k"].(float64); ok {
		config.TopK = int(topK)
	}
	if threshold, ok := memoryMap["threshold"].(float64); ok {
		config.Threshold = threshold
	}
	if timeout, ok := memoryMap["timeout"].(string); ok {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Timeout = d
		}
	}
	if v, ok := memoryMap["mmr_enabled"].(bool); ok {
		config.MmrEnabled = v
	}
	if v, ok := memoryMap["mmr_lambda"].(float64); ok {
		config.MmrLambda = v
	}
	if v, ok := memoryMap["mmr_pool_multiplier"].(float64); ok {
		config.MmrPoolMultiplier = int(v)
	}
}

// updateEmbeddingsConfig updates embeddings configuration
func (ccm *ConductorConfigManager) updateEmbeddingsConfig(embeddingsMap map[string]interface{}, config *EmbeddingsConfig) {
	if baseURL, ok := embeddingsMap["base_url"].(string); ok {
		config.BaseURL = baseURL
	}
	if defaultModel, ok := embeddingsMap["default_model"].(string); ok {
		config.DefaultModel = defaultModel
	}
	if timeout, ok := embeddingsMap["timeout"].(string); ok {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Timeout = d
		}
	}
	if cacheTTL, ok := embeddingsMap["cache_ttl"].(string); ok {
		if d, err := time.ParseDuration(cacheTTL); err == nil {
			config.CacheTTL = d
		}
	}
	if maxLRU, ok := embeddingsMap["max_lru"].(float64); ok {
		config.MaxLRU = int(maxLRU)
	}
}

// notifyConfigChanges logs notable configuration changes
func (ccm *ConductorConfigManager) notifyConfigChanges(oldConfig, newConfig *ConductorConfig) {
	if oldConfig.Services.GenerationEndpoint != newConfig.Services.GenerationEndpoint {
		ccm.logger.Info("Generation service endpoint changed",
			zap.String("old", oldConfig.Services.GenerationEndpoint),
			zap.String("new", newConfig.Services.GenerationEndpoint),
		)
	}

	if oldConfig.Services.RetrievalEndpoint != newConfig.Services.RetrievalEndpoint {
		ccm.logger.Info("Retrieval service endpoint changed",
			zap.String("old", oldConfig.Services.RetrievalEndpoint),
			zap.String("new", newConfig.Services.RetrievalEndpoint),
		)
	}

	if oldConfig.Health.Port != newConfig.Health.Port {
		ccm.logger.Info("Health server port changed",
			zap.Int("old", oldConfig.Health.Port),
			zap.Int("new", newConfig.Health.Port),
		)
	}

	if oldConfig.Profiling != newConfig.Profiling {
		ccm.logger.Info("Profiling defaults changed",
			zap.Int("max_iterations", newConfig.Profiling.MaxIterations),
			zap.Float64("completeness_threshold", newConfig.Profiling.CompletenessThreshold),
		)
	}

	if oldConfig.Guardrails != newConfig.Guardrails {
		ccm.logger.Info("Guardrail settings changed",
			zap.Bool("enabled", newConfig.Guardrails.Enabled),
		)
	}
}

// triggerCallbacks calls all registered callbacks with configuration changes
func (ccm *ConductorConfigManager) triggerCallbacks(oldConfig, newConfig *ConductorConfig) {
	for i, callback := range ccm.callbacks {
		if err := callback(oldConfig, newConfig); err != nil {
			ccm.logger.Error("Configuration callback failed",
				zap.Int("callback_index", i),
				zap.Error(err),
			)
		}
	}
}

package policy

import (
	"os"
	"strconv"
	"strings"
)

// Mode defines the policy engine operating mode
type Mode string

const (
	// ModeOff disables policy evaluation entirely
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies but doesn't enforce them (log only)
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies
	ModeEnforce Mode = "enforce"
)

// Config holds policy engine configuration
type Config struct {
	// Enabled controls whether the policy engine is active
	Enabled bool

	// Mode controls policy enforcement behavior
	Mode Mode

	// Path to the directory containing .rego policy files
	Path string

	// FailClosed determines behavior when policies can't be loaded
	// true: deny all requests if policies fail to load
	// false: allow all requests if policies fail to load (fail-open)
	FailClosed bool

	// Environment context for policy evaluation
	Environment string
}

// LoadConfig loads policy configuration from environment variables
func LoadConfig() *Config {
	config := &Config{
		Enabled:     getEnvBool("CANDOR_POLICY_ENABLED", false),
		Mode:        Mode(getEnvString("CANDOR_POLICY_MODE", "off")),
		Path:        getEnvString("CANDOR_POLICY_PATH", "./config/policies"),
		FailClosed:  getEnvBool("CANDOR_POLICY_FAIL_CLOSED", false),
		Environment: getEnvString("ENVIRONMENT", "dev"),
	}

	return normalize(config)
}

// LoadConfigFromConductor merges conductor policy settings over the
// environment defaults. The map shape matches the policy section of
// conductor.yaml.
func LoadConfigFromConductor(conductorPolicy interface{}) *Config {
	config := LoadConfig()

	if policyMap, ok := conductorPolicy.(map[string]interface{}); ok {
		if enabled, ok := policyMap["enabled"].(bool); ok {
			config.Enabled = enabled
		}
		if mode, ok := policyMap["mode"].(string); ok {
			config.Mode = Mode(mode)
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
	}

	return normalize(config)
}

// normalize validates the mode and disables the engine when the mode is off
func normalize(config *Config) *Config {
	switch config.Mode {
	case ModeOff, ModeDryRun, ModeEnforce:
	case "":
		config.Mode = ModeOff
	default:
		config.Mode = ModeOff
	}

	if config.Mode == ModeOff {
		config.Enabled = false
	}

	return config
}

// getEnvString returns environment variable value or default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns environment variable as boolean or default
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "1", "yes", "on", "enable", "enabled":
		return true
	case "false", "0", "no", "off", "disable", "disabled":
		return false
	default:
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
		return defaultValue
	}
}

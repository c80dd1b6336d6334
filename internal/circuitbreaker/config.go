package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// CircuitBreakerConfig holds the tunable knobs for one breaker, loadable
// from CB_<PREFIX>_* environment variables.
type CircuitBreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// Per-dependency defaults. The database breaker trips later and stays open
// longer than the others: a postgres blip usually means a failover in
// progress, not a dead dependency.
var presets = map[string]CircuitBreakerConfig{
	"REDIS": {MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2},
	"DB":    {MaxRequests: 3, Interval: 60 * time.Second, Timeout: 30 * time.Second, FailureThreshold: 5, SuccessThreshold: 2},
	"HTTP":  {MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2},
}

// GetRedisConfig returns the redis breaker configuration with env overrides
func GetRedisConfig() CircuitBreakerConfig { return loadPreset("REDIS") }

// GetDatabaseConfig returns the postgres breaker configuration with env overrides
func GetDatabaseConfig() CircuitBreakerConfig { return loadPreset("DB") }

// GetHTTPConfig returns the outbound-HTTP breaker configuration with env overrides
func GetHTTPConfig() CircuitBreakerConfig { return loadPreset("HTTP") }

func loadPreset(prefix string) CircuitBreakerConfig {
	def := presets[prefix]
	return CircuitBreakerConfig{
		MaxRequests:      envUint32("CB_"+prefix+"_MAX_REQUESTS", def.MaxRequests),
		Interval:         envDuration("CB_"+prefix+"_INTERVAL", def.Interval),
		Timeout:          envDuration("CB_"+prefix+"_TIMEOUT", def.Timeout),
		FailureThreshold: envUint32("CB_"+prefix+"_FAILURE_THRESHOLD", def.FailureThreshold),
		SuccessThreshold: envUint32("CB_"+prefix+"_SUCCESS_THRESHOLD", def.SuccessThreshold),
	}
}

// ToConfig converts the env-level configuration into a breaker Config.
// OnStateChange is left nil for the wrapper to install.
func (cbc CircuitBreakerConfig) ToConfig() Config {
	return Config{
		MaxRequests:      cbc.MaxRequests,
		Interval:         cbc.Interval,
		Timeout:          cbc.Timeout,
		FailureThreshold: cbc.FailureThreshold,
		SuccessThreshold: cbc.SuccessThreshold,
	}
}

func envUint32(key string, def uint32) uint32 {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return def
	}
	return uint32(parsed)
}

func envDuration(key string, def time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return parsed
}

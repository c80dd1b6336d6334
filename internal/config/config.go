package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

type ObservabilityConfig struct {
	Metrics struct {
		Enabled  bool   `mapstructure:"enabled"`
		Provider string `mapstructure:"provider"`
		Port     int    `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

type Features struct {
	Observability ObservabilityConfig `mapstructure:"observability"`
	WriteQueue    WriteQueueConfig    `mapstructure:"write_queue"`
}

// Load loads features.yaml from CONFIG_PATH or /app/config/features.yaml
func Load() (*Features, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "/app/config/features.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f Features
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &f, nil
}

// MetricsPort returns port from config or an env override METRICS_PORT, falling back to defaultPort
func MetricsPort(defaultPort int) int {
	if p := os.Getenv("METRICS_PORT"); p != "" {
		var v int
		_, _ = fmt.Sscanf(p, "%d", &v)
		if v > 0 {
			return v
		}
	}
	if f, err := Load(); err == nil {
		if f.Observability.Metrics.Port > 0 {
			return f.Observability.Metrics.Port
		}
	}
	return defaultPort
}

// WriteQueueConfig captures async persistence knobs loaded from config or env
type WriteQueueConfig struct {
	Workers       int `mapstructure:"workers"`
	BufferSize    int `mapstructure:"buffer_size"`
	BatchSize     int `mapstructure:"batch_size"`
	FlushInterval int `mapstructure:"flush_interval_ms"`
}

// WriteQueueFromEnvOrDefaults returns merged write queue config using env overrides first, then config file, with sensible defaults.
func WriteQueueFromEnvOrDefaults(f *Features) WriteQueueConfig {
	// defaults
	wq := WriteQueueConfig{
		Workers:       10,
		BufferSize:    1000,
		BatchSize:     100,
		FlushInterval: 1000,
	}

	// merge from config file if provided
	if f != nil {
		if f.WriteQueue.Workers > 0 {
			wq.Workers = f.WriteQueue.Workers
		}
		if f.WriteQueue.BufferSize > 0 {
			wq.BufferSize = f.WriteQueue.BufferSize
		}
		if f.WriteQueue.BatchSize > 0 {
			wq.BatchSize = f.WriteQueue.BatchSize
		}
		if f.WriteQueue.FlushInterval > 0 {
			wq.FlushInterval = f.WriteQueue.FlushInterval
		}
	}

	// env overrides
	if v := os.Getenv("WRITE_QUEUE_WORKERS"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			wq.Workers = x
		}
	}
	if v := os.Getenv("WRITE_QUEUE_BUFFER_SIZE"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			wq.BufferSize = x
		}
	}
	if v := os.Getenv("WRITE_QUEUE_BATCH_SIZE"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			wq.BatchSize = x
		}
	}
	if v := os.Getenv("WRITE_QUEUE_FLUSH_INTERVAL_MS"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			wq.FlushInterval = x
		}
	}

	return wq
}

package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable name.
const Prefix = "KCORE"

// Config holds all kernel configuration.
type Config struct {
	Kernel  KernelConfig
	Logging LogConfig
	Metrics MetricsConfig
}

// KernelConfig sizes the kernel tables.
type KernelConfig struct {
	MaxProc         int `envconfig:"MAX_PROC" default:"1024"`
	MaxFileID       int `envconfig:"MAX_FILEID" default:"16"`
	MaxFiles        int `envconfig:"MAX_FILES" default:"4096"`
	MaxPort         int `envconfig:"MAX_PORT" default:"1023"`
	PipeBufferSize  int `envconfig:"PIPE_BUFFER_SIZE" default:"8192"`
	ProcInfoMaxArgs int `envconfig:"PROCINFO_MAX_ARGS" default:"128"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	// Each section is read under the bare prefix so variables stay flat,
	// e.g. KCORE_MAX_PROC rather than KCORE_KERNEL_MAX_PROC.
	sections := []any{&cfg.Kernel, &cfg.Logging, &cfg.Metrics}
	for _, section := range sections {
		if err := envconfig.Process(Prefix, section); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Kernel: KernelConfig{
			MaxProc:         1024,
			MaxFileID:       16,
			MaxFiles:        4096,
			MaxPort:         1023,
			PipeBufferSize:  8192,
			ProcInfoMaxArgs: 128,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

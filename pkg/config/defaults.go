package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Backend-specific defaults are handled by backend implementations
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyRemoteDefaults(&cfg.Remote)
	applyStateDefaults(&cfg.State)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	// Metrics.Enabled defaults to false

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

// applyRemoteDefaults sets drive backend defaults.
func applyRemoteDefaults(cfg *RemoteConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}

	// Initialize maps if nil
	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}
}

// applyStateDefaults sets state store defaults.
func applyStateDefaults(cfg *StateConfig) {
	if cfg.Type == "" {
		cfg.Type = "remotefile"
	}

	// Initialize maps if nil
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if cfg.RemoteFile == nil {
		cfg.RemoteFile = make(map[string]any)
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Logging: LoggingConfig{},
		Server:  ServerConfig{},
		Remote: RemoteConfig{
			Memory: make(map[string]any),
			S3:     make(map[string]any),
		},
		State: StateConfig{
			Badger:     make(map[string]any),
			RemoteFile: make(map[string]any),
		},
	}

	ApplyDefaults(cfg)
	return cfg
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete DriveGate configuration.
//
// This structure captures all configurable aspects of the gateway including:
//   - Logging configuration
//   - Server-wide settings (shutdown, metrics endpoint)
//   - Bootstrap credentials for the admin account
//   - Remote drive backend selection and configuration (backend-specific)
//   - State store selection and configuration (backend-specific)
//   - Protocol front-end settings shared by all servers (FTP passive mode,
//     SFTP host key)
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DRIVEGATE_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
//
// Backend Configuration Pattern:
// Each backend implementation defines its own configuration type and factory
// function. The Config struct contains type-specific sections (e.g. remote.s3,
// state.badger) and only the section matching the selected type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server"`

	// Bootstrap identifies the admin account the gateway signs in as on
	// startup
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`

	// Remote specifies the drive backend type and type-specific configuration
	Remote RemoteConfig `mapstructure:"remote"`

	// State specifies the state store type and type-specific configuration
	State StateConfig `mapstructure:"state"`

	// FTP contains passive-mode settings shared by every FTP server
	FTP FTPConfig `mapstructure:"ftp"`

	// SFTP contains settings shared by every SFTP server
	SFTP SFTPConfig `mapstructure:"sftp"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// Metrics configures the Prometheus metrics endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled turns metrics collection and the /metrics HTTP server on
	Enabled bool `mapstructure:"enabled"`

	// Port is the TCP port the metrics server listens on
	Port int `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// BootstrapConfig identifies the admin account.
//
// The gateway signs in as the admin on startup: the resulting session owns
// the state file when the remotefile state store is selected, and backs any
// server whose owner matches the admin email. Either AdminPassword or
// AdminAuthConfig must be provided.
type BootstrapConfig struct {
	// AdminEmail is the account the gateway signs in as
	AdminEmail string `mapstructure:"admin_email" validate:"required,email"`

	// AdminPassword authenticates the admin account
	AdminPassword string `mapstructure:"admin_password"`

	// AdminTwoFactorCode accompanies AdminPassword for accounts with
	// two-factor authentication enabled
	AdminTwoFactorCode string `mapstructure:"admin_two_factor_code"`

	// AdminAuthConfig is an exported credential blob, tried before the
	// password when present
	AdminAuthConfig string `mapstructure:"admin_auth_config"`
}

// RemoteConfig specifies drive backend configuration.
//
// The Type field determines which backend implementation is used.
// Only the corresponding type-specific configuration section is used.
type RemoteConfig struct {
	// Type specifies which drive backend implementation to use
	// Valid values: memory, s3
	Type string `mapstructure:"type" validate:"required,oneof=memory s3"`

	// Memory contains memory-specific configuration
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3"`
}

// StateConfig specifies state store configuration.
//
// The Type field determines which store implementation is used.
// Only the corresponding type-specific configuration section is used.
type StateConfig struct {
	// Type specifies which state store implementation to use
	// Valid values: memory, badger, remotefile
	Type string `mapstructure:"type" validate:"required,oneof=memory badger remotefile"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`

	// RemoteFile contains remote-file-specific configuration
	// Only used when Type = "remotefile"
	RemoteFile map[string]any `mapstructure:"remotefile"`
}

// FTPConfig contains passive-mode settings shared by every FTP server.
type FTPConfig struct {
	// PublicHost is the IPv4 address advertised in PASV replies
	// Empty uses the address of the control connection
	PublicHost string `mapstructure:"public_host"`

	// PasvMinPort and PasvMaxPort bound the passive listener port range
	// Both zero lets the OS pick ephemeral ports
	PasvMinPort int `mapstructure:"pasv_min_port" validate:"gte=0,lte=65535"`
	PasvMaxPort int `mapstructure:"pasv_max_port" validate:"gte=0,lte=65535"`
}

// SFTPConfig contains settings shared by every SFTP server.
type SFTPConfig struct {
	// HostKeyPath is a PEM-encoded private key file used to sign SSH
	// handshakes. Empty generates an ephemeral key per server, which makes
	// clients warn about a changed host key on every restart.
	HostKeyPath string `mapstructure:"host_key_path"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DRIVEGATE_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Configure viper
	setupViper(v, configPath)

	// Read configuration file if it exists
	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	// Unmarshal into config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for any missing values
	ApplyDefaults(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Set up environment variable support
	// Environment variables use DRIVEGATE_ prefix and underscores
	// Example: DRIVEGATE_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DRIVEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file search
	if configPath != "" {
		// Use explicitly specified config file
		v.SetConfigFile(configPath)
	} else {
		// Use default location: $XDG_CONFIG_HOME/drivegate/config.{yaml,toml}
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml") // Primary format
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		// Check if error is "config file not found"
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return nil
		}
		// Other errors are problems
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	// Check XDG_CONFIG_HOME
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "drivegate")
	}

	// Fall back to ~/.config
	home, err := os.UserHomeDir()
	if err != nil {
		// If we can't get home dir, use current directory as last resort
		return "."
	}

	return filepath.Join(home, ".config", "drivegate")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

package config

import "context"

// Package config provides configuration management for lxsgate.
//
// Responsibilities:
//   - Load configuration from a YAML file and environment variables
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support configuration reload on file change
//   - Establish reasonable defaults
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (LXSGATE_* prefix)
//   2. YAML config file (default: config.yaml)
//   3. Built-in defaults (lowest priority)
//
// Upstream platform credentials, the model catalog, routing configurations
// and user keys live in the database, not here; this file covers only the
// process-level settings.

// Config contains all process-level configuration fields.
type Config struct {
	// Server configuration
	Server struct {
		Host string
		Port int
	}

	// Database configuration
	Database struct {
		Path string // SQLite file path
	}

	// Logging configuration
	Logging struct {
		Level      string // debug | info | warn | error
		FilePath   string // empty disables file output
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
		Console    bool
	}

	// Gateway configuration
	Gateway struct {
		// LegacyTargetURL is the claude_code passthrough endpoint used when
		// the database holds no override.
		LegacyTargetURL string
		// LegacyTimeoutSec is the passthrough round-trip timeout. Legacy
		// Claude-Code servers stream long responses, hence the large default.
		LegacyTimeoutSec int
		// DefaultTimeoutSec is the upstream timeout applied to platform rows
		// that do not set one.
		DefaultTimeoutSec int
	}

	// Control API configuration
	ControlAPI struct {
		// RateLimitPerMin caps control-API requests per client per minute.
		// Zero disables rate limiting.
		RateLimitPerMin int
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager reading configPath.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

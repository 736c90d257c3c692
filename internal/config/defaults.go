package config

// DefaultLegacyTargetURL is the built-in claude_code passthrough endpoint.
const DefaultLegacyTargetURL = "https://dashscope.aliyuncs.com/api/v2/apps/claude-code-proxy"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8000

	// Database defaults
	cfg.Database.Path = "lxsgate.db"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.FilePath = "logs/lxsgate.log"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true
	cfg.Logging.Console = true

	// Gateway defaults
	cfg.Gateway.LegacyTargetURL = DefaultLegacyTargetURL
	cfg.Gateway.LegacyTimeoutSec = 600
	cfg.Gateway.DefaultTimeoutSec = 30

	// Control API defaults
	cfg.ControlAPI.RateLimitPerMin = 120

	return cfg
}

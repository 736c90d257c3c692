package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	// Validate database configuration
	if c.Database.Path == "" {
		errs = append(errs, &ValidationError{
			Field:   "database.path",
			Message: "database path is required",
		})
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	if c.Logging.MaxSizeMB < 1 {
		errs = append(errs, &ValidationError{
			Field:   "logging.max_size_mb",
			Message: fmt.Sprintf("max_size_mb must be at least 1, got %d", c.Logging.MaxSizeMB),
		})
	}

	// Validate gateway configuration
	if c.Gateway.LegacyTargetURL == "" {
		errs = append(errs, &ValidationError{
			Field:   "gateway.legacy_target_url",
			Message: "legacy_target_url is required",
		})
	} else if u, err := url.Parse(c.Gateway.LegacyTargetURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, &ValidationError{
			Field:   "gateway.legacy_target_url",
			Message: fmt.Sprintf("invalid URL '%s'", c.Gateway.LegacyTargetURL),
		})
	}

	if c.Gateway.LegacyTimeoutSec < 1 {
		errs = append(errs, &ValidationError{
			Field:   "gateway.legacy_timeout_sec",
			Message: fmt.Sprintf("legacy_timeout_sec must be at least 1, got %d", c.Gateway.LegacyTimeoutSec),
		})
	}

	if c.Gateway.DefaultTimeoutSec < 1 {
		errs = append(errs, &ValidationError{
			Field:   "gateway.default_timeout_sec",
			Message: fmt.Sprintf("default_timeout_sec must be at least 1, got %d", c.Gateway.DefaultTimeoutSec),
		})
	}

	// Validate control API configuration
	if c.ControlAPI.RateLimitPerMin < 0 {
		errs = append(errs, &ValidationError{
			Field:   "control_api.rate_limit_per_min",
			Message: fmt.Sprintf("rate_limit_per_min cannot be negative, got %d", c.ControlAPI.RateLimitPerMin),
		})
	}

	return errs
}

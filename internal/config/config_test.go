package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Test server defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8000, cfg.Server.Port)

	// Test database defaults
	assert.Equal(t, "lxsgate.db", cfg.Database.Path)

	// Test logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 100, cfg.Logging.MaxSizeMB)
	assert.True(t, cfg.Logging.Console)

	// Test gateway defaults
	assert.Equal(t, DefaultLegacyTargetURL, cfg.Gateway.LegacyTargetURL)
	assert.Equal(t, 600, cfg.Gateway.LegacyTimeoutSec)
	assert.Equal(t, 30, cfg.Gateway.DefaultTimeoutSec)

	// Test control API defaults
	assert.Equal(t, 120, cfg.ControlAPI.RateLimitPerMin)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		modifyFn  func(*Config)
		wantError bool
		errorMsg  string
	}{
		{
			name:      "valid default config",
			modifyFn:  func(cfg *Config) {},
			wantError: false,
		},
		{
			name: "invalid port - too low",
			modifyFn: func(cfg *Config) {
				cfg.Server.Port = 0
			},
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name: "invalid port - too high",
			modifyFn: func(cfg *Config) {
				cfg.Server.Port = 70000
			},
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name: "missing database path",
			modifyFn: func(cfg *Config) {
				cfg.Database.Path = ""
			},
			wantError: true,
			errorMsg:  "database path is required",
		},
		{
			name: "invalid log level",
			modifyFn: func(cfg *Config) {
				cfg.Logging.Level = "verbose"
			},
			wantError: true,
			errorMsg:  "invalid log level",
		},
		{
			name: "invalid legacy target URL",
			modifyFn: func(cfg *Config) {
				cfg.Gateway.LegacyTargetURL = "not a url"
			},
			wantError: true,
			errorMsg:  "invalid URL",
		},
		{
			name: "zero legacy timeout",
			modifyFn: func(cfg *Config) {
				cfg.Gateway.LegacyTimeoutSec = 0
			},
			wantError: true,
			errorMsg:  "legacy_timeout_sec must be at least 1",
		},
		{
			name: "negative rate limit",
			modifyFn: func(cfg *Config) {
				cfg.ControlAPI.RateLimitPerMin = -1
			},
			wantError: true,
			errorMsg:  "rate_limit_per_min cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)

			errs := cfg.Validate()
			if tt.wantError {
				require.NotEmpty(t, errs)
				found := false
				for _, err := range errs {
					if strings.Contains(err.Error(), tt.errorMsg) {
						found = true
						break
					}
				}
				assert.True(t, found, "expected an error containing %q, got %v", tt.errorMsg, errs)
			} else {
				assert.Empty(t, errs)
			}
		})
	}
}

func TestManagerLoadDefaults(t *testing.T) {
	mgr, err := NewConfigManager(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	require.NoError(t, mgr.Validate(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "lxsgate.db", cfg.Database.Path)
}

func TestManagerLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  host: 127.0.0.1
  port: 9100
database:
  path: /tmp/test-gateway.db
logging:
  level: debug
gateway:
  legacy_timeout_sec: 120
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	mgr, err := NewConfigManager(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	require.NoError(t, mgr.Validate(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "/tmp/test-gateway.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Values absent from the file keep their defaults.
	assert.Equal(t, 120, cfg.Gateway.LegacyTimeoutSec)
	assert.Equal(t, DefaultLegacyTargetURL, cfg.Gateway.LegacyTargetURL)
}

func TestManagerReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o600))

	mgr, err := NewConfigManager(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	assert.Equal(t, 9000, mgr.Get(ctx).Server.Port)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9001\n"), 0o600))
	require.NoError(t, mgr.Reload(ctx))
	assert.Equal(t, 9001, mgr.Get(ctx).Server.Port)
}

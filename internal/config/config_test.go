// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-dev/parley/internal/store"
	parleyerr "github.com/parley-dev/parley/pkg/errors"
)

// validConfig returns a configuration that passes validation, for tests to
// break one field at a time.
func validConfig() Config {
	return Config{
		Server: ServerConfig{Listen: "127.0.0.1:18790"},
		Webhooks: WebhooksConfig{
			Public: WebhookConfig{Endpoint: "https://example.com/webhook"},
		},
		Delivery: DeliveryConfig{Timeout: 30 * time.Second, RetryDelay: time.Second, MaxAttempts: 3},
		Typing:   TypingConfig{PerRune: 30 * time.Millisecond, Min: 500 * time.Millisecond, Max: 3 * time.Second},
		Sessions: SessionsConfig{IdleTTL: 30 * time.Minute, ReapInterval: 5 * time.Minute},
		Offline:  OfflineConfig{AutoSync: true, ProbeInterval: 30 * time.Second},
		Storage:  StorageConfig{Backend: "sqlite"},
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:18790", cfg.Server.Listen)
	assert.Equal(t, 30*time.Second, cfg.Delivery.Timeout)
	assert.Equal(t, time.Second, cfg.Delivery.RetryDelay)
	assert.Equal(t, 3, cfg.Delivery.MaxAttempts)
	assert.Equal(t, 30*time.Millisecond, cfg.Typing.PerRune)
	assert.Equal(t, 500*time.Millisecond, cfg.Typing.Min)
	assert.Equal(t, 3*time.Second, cfg.Typing.Max)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.IdleTTL)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.ReapInterval)
	assert.True(t, cfg.Offline.AutoSync)
	assert.Equal(t, 30*time.Second, cfg.Offline.ProbeInterval)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Empty(t, cfg.Endpoints())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.yaml")
	content := `
server:
  listen: ":9090"
webhooks:
  public:
    endpoint: "https://chat.example.com/hook"
  admin:
    endpoint: "https://chat.example.com/admin-hook"
  headers:
    Authorization: "Bearer abc"
delivery:
  timeout: 10s
  max_attempts: 5
offline:
  auto_sync: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "https://chat.example.com/hook", cfg.Webhooks.Public.Endpoint)
	assert.Equal(t, "Bearer abc", cfg.Webhooks.Headers["Authorization"])
	assert.Equal(t, 10*time.Second, cfg.Delivery.Timeout)
	assert.Equal(t, 5, cfg.Delivery.MaxAttempts)
	assert.False(t, cfg.Offline.AutoSync)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Minute, cfg.Sessions.IdleTTL)

	endpoints := cfg.Endpoints()
	assert.Equal(t, "https://chat.example.com/hook", endpoints[store.SessionKindPublic])
	assert.Equal(t, "https://chat.example.com/admin-hook", endpoints[store.SessionKindAdmin])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, parleyerr.HasCode(err, parleyerr.CodeConfigLoadReadFailure))
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PARLEY_SERVER_LISTEN", ":7070")
	t.Setenv("PARLEY_DELIVERY_MAX_ATTEMPTS", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Listen)
	assert.Equal(t, 7, cfg.Delivery.MaxAttempts)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{
			"empty listen",
			func(c *Config) { c.Server.Listen = "" },
			"server.listen must not be empty",
		},
		{
			"listen without port",
			func(c *Config) { c.Server.Listen = "localhost" },
			"valid host:port",
		},
		{
			"listen port out of range",
			func(c *Config) { c.Server.Listen = "localhost:70000" },
			"between 1 and 65535",
		},
		{
			"bad webhook scheme",
			func(c *Config) { c.Webhooks.Public.Endpoint = "ftp://example.com" },
			"webhooks.public.endpoint must be an http(s) URL",
		},
		{
			"webhook missing host",
			func(c *Config) { c.Webhooks.Admin.Endpoint = "https://" },
			"webhooks.admin.endpoint must be an http(s) URL",
		},
		{
			"zero timeout",
			func(c *Config) { c.Delivery.Timeout = 0 },
			"delivery.timeout must be greater than 0",
		},
		{
			"negative retry delay",
			func(c *Config) { c.Delivery.RetryDelay = -time.Second },
			"delivery.retry_delay must not be negative",
		},
		{
			"zero attempts",
			func(c *Config) { c.Delivery.MaxAttempts = 0 },
			"delivery.max_attempts must be at least 1",
		},
		{
			"typing max below min",
			func(c *Config) { c.Typing.Max = 100 * time.Millisecond },
			"typing.max must not be less than typing.min",
		},
		{
			"zero idle ttl",
			func(c *Config) { c.Sessions.IdleTTL = 0 },
			"sessions.idle_ttl must be greater than 0",
		},
		{
			"zero probe interval",
			func(c *Config) { c.Offline.ProbeInterval = 0 },
			"offline.probe_interval must be greater than 0",
		},
		{
			"empty backend",
			func(c *Config) { c.Storage.Backend = "" },
			"storage.backend must not be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			errs := cfg.Validate()
			if tt.wantErr == "" {
				assert.Empty(t, errs)
				return
			}
			require.NotEmpty(t, errs)
			assert.Contains(t, errors.Join(errs...).Error(), tt.wantErr)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Listen = ""
	cfg.Delivery.MaxAttempts = 0
	cfg.Storage.Backend = ""

	errs := cfg.Validate()
	assert.Len(t, errs, 3, "validation reports every issue, not just the first")
}

func TestBootstrapDefaultConfigParses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.yaml")
	require.NoError(t, os.WriteFile(path, DefaultConfigYAML, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:18790", cfg.Server.Listen)
}

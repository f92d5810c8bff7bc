package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "")
	setEnv(t, "DATABASE_URL", "")
	setEnv(t, "SQLITE_PATH", "")
	setEnv(t, "VAULT_URL", "")
	setEnv(t, "LOG_FORMAT", "")
	setEnv(t, "DOWNLOAD_DECISION_TIMEOUT", "")
	setEnv(t, "ALLOWED_ORIGINS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "memory", cfg.StorageKind())
	assert.Equal(t, DefaultDownloadDecisionTimeout, cfg.DownloadDecisionTimeout)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "SQLITE_PATH", "/tmp/vigilant.db")
	setEnv(t, "DATABASE_URL", "")
	setEnv(t, "VAULT_URL", "https://vault.example/")
	setEnv(t, "VAULT_SYNC_INTERVAL", "5m")
	setEnv(t, "VAULT_SERVE", "true")
	setEnv(t, "DOWNLOAD_DECISION_TIMEOUT", "0s")
	setEnv(t, "ALLOWED_ORIGINS", "chrome-extension://abc, http://localhost:3000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "sqlite", cfg.StorageKind())
	assert.Equal(t, "https://vault.example", cfg.VaultURL)
	assert.Equal(t, 5*time.Minute, cfg.VaultSyncInterval)
	assert.True(t, cfg.VaultServe)
	assert.Zero(t, cfg.DownloadDecisionTimeout)
	assert.Equal(t, []string{"chrome-extension://abc", "http://localhost:3000"}, cfg.AllowedOrigins)
}

func TestLoad_PostgresWinsOverSQLite(t *testing.T) {
	setEnv(t, "DATABASE_URL", "postgres://localhost/vigilant")
	setEnv(t, "SQLITE_PATH", "/tmp/vigilant.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.StorageKind())
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		return Config{Port: "8787", LogFormat: "text", VaultSyncInterval: time.Hour}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"empty port", func(c *Config) { c.Port = "" }, "PORT is required"},
		{"non-numeric port", func(c *Config) { c.Port = "abc" }, "PORT must be numeric"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"bad vault scheme", func(c *Config) { c.VaultURL = "ftp://vault" }, "VAULT_URL"},
		{"sync too fast", func(c *Config) {
			c.VaultURL = "https://vault"
			c.VaultSyncInterval = time.Second
		}, "VAULT_SYNC_INTERVAL"},
		{"negative timeout", func(c *Config) { c.DownloadDecisionTimeout = -time.Second }, "DOWNLOAD_DECISION_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

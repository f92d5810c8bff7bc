// Package config handles agent configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all process configuration. User-facing protection settings
// are not here: they live in the state store and sync across installs.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage. DatabaseURL wins over SQLitePath; neither means in-memory.
	DatabaseURL string
	SQLitePath  string

	// Remote threat vault
	VaultURL          string
	VaultSyncInterval time.Duration
	VaultServe        bool

	// Download round trip wall-clock limit. Zero waits for the decider.
	DownloadDecisionTimeout time.Duration

	// Remote page classifier (optional)
	ClassifierURL string

	AllowedOrigins []string
	OTLPEndpoint   string
}

const (
	DefaultPort                    = "8787"
	DefaultEnv                     = "development"
	DefaultLogLevel                = "info"
	DefaultLogFormat               = "text"
	DefaultVaultSyncInterval       = 15 * time.Minute
	DefaultDownloadDecisionTimeout = 10 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		SQLitePath:              os.Getenv("SQLITE_PATH"),
		VaultURL:                strings.TrimRight(os.Getenv("VAULT_URL"), "/"),
		VaultSyncInterval:       getEnvDuration("VAULT_SYNC_INTERVAL", DefaultVaultSyncInterval),
		VaultServe:              getEnvBool("VAULT_SERVE", false),
		DownloadDecisionTimeout: getEnvDuration("DOWNLOAD_DECISION_TIMEOUT", DefaultDownloadDecisionTimeout),
		ClassifierURL:           os.Getenv("CLASSIFIER_URL"),
		AllowedOrigins:          splitList(getEnv("ALLOWED_ORIGINS", "*")),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.VaultURL != "" && !strings.HasPrefix(c.VaultURL, "http://") && !strings.HasPrefix(c.VaultURL, "https://") {
		return fmt.Errorf("VAULT_URL must be an http(s) URL")
	}
	if c.VaultURL != "" && c.VaultSyncInterval < time.Minute {
		return fmt.Errorf("VAULT_SYNC_INTERVAL must be at least 1m")
	}
	if c.DownloadDecisionTimeout < 0 {
		return fmt.Errorf("DOWNLOAD_DECISION_TIMEOUT must not be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// StorageKind names the backend selected by the configuration.
func (c *Config) StorageKind() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

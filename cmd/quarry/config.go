package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds configuration loaded from environment variables, with a few
// --flag=value overrides layered on top.
type Config struct {
	GoogleAPIKey   string `env:"GOOGLE_CUSTOM_SEARCH_API_KEY"`
	GoogleEngineID string `env:"GOOGLE_CUSTOM_SEARCH_ID"`

	OAuthIssuerURL string `env:"OAUTH_ISSUER_URL"`
	OAuthAudience  string `env:"OAUTH_AUDIENCE"`
	EnforceHTTPS   bool   `env:"ENFORCE_HTTPS"`

	Port           int      `env:"PORT" envDefault:"3000"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS"`

	CacheStoragePath string `env:"CACHE_STORAGE_PATH"`
	EventStoragePath string `env:"EVENT_STORE_STORAGE_PATH"`
	CacheDefaultTTL  int64  `env:"CACHE_DEFAULT_TTL" envDefault:"1800000"` // ms
	CacheMaxSize     int    `env:"CACHE_MAX_SIZE" envDefault:"5000"`
	CacheAdminKey    string `env:"CACHE_ADMIN_KEY"`

	CachePassphrase string `env:"CACHE_ENCRYPTION_PASSPHRASE"`
	EventStoreKey   string `env:"EVENT_STORE_ENCRYPTION_KEY"`

	AllowPrivateIPs bool   `env:"ALLOW_PRIVATE_IPS"`
	TestMode        string `env:"MCP_TEST_MODE"`
	PolicyFile      string `env:"QUARRY_POLICY_FILE"`
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
}

// configError marks failures the operator must fix before the server can run.
type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }

func configErrorf(format string, args ...any) error {
	return &configError{msg: fmt.Sprintf(format, args...)}
}

func loadConfig(args []string) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, configErrorf("parse environment: %v", err)
	}
	applyFlags(cfg, args)

	if (cfg.GoogleAPIKey == "") != (cfg.GoogleEngineID == "") {
		return nil, configErrorf("GOOGLE_CUSTOM_SEARCH_API_KEY and GOOGLE_CUSTOM_SEARCH_ID must be set together")
	}
	if cfg.OAuthIssuerURL != "" && cfg.OAuthAudience == "" {
		return nil, configErrorf("OAUTH_AUDIENCE is required when OAUTH_ISSUER_URL is set")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, configErrorf("PORT %d out of range", cfg.Port)
	}
	if cfg.CacheDefaultTTL <= 0 {
		return nil, configErrorf("CACHE_DEFAULT_TTL must be positive milliseconds")
	}

	// Persistence defaults to the OS temp dir; "none" disables it.
	if cfg.CacheStoragePath == "" {
		cfg.CacheStoragePath = filepath.Join(os.TempDir(), "quarry-cache")
	}
	if cfg.EventStoragePath == "" {
		cfg.EventStoragePath = filepath.Join(os.TempDir(), "quarry-events")
	}
	if cfg.CacheStoragePath == "none" {
		cfg.CacheStoragePath = ""
	}
	if cfg.EventStoragePath == "none" {
		cfg.EventStoragePath = ""
	}
	return cfg, nil
}

// applyFlags parses --key=value overrides, the only flag syntax accepted.
func applyFlags(cfg *Config, args []string) {
	for _, arg := range args {
		key, val, ok := strings.Cut(arg, "=")
		if !ok {
			continue
		}
		switch key {
		case "--port":
			fmt.Sscanf(val, "%d", &cfg.Port) //nolint:errcheck
		case "--mode":
			cfg.TestMode = val
		case "--policy":
			cfg.PolicyFile = val
		case "--log-level":
			cfg.LogLevel = val
		}
	}
}

// stdioMode reports whether the server should speak stdio instead of HTTP:
// either forced by env, or stdout is not a terminal (the launcher piped us).
func (c *Config) stdioMode() bool {
	switch c.TestMode {
	case "stdio":
		return true
	case "http":
		return false
	}
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice == 0
}

func (c *Config) cacheTTL() time.Duration {
	return time.Duration(c.CacheDefaultTTL) * time.Millisecond
}

func (c *Config) slogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

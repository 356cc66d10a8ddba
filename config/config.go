/*
Package config loads server settings.

SOURCES (later wins):
  1. Built-in defaults
  2. Optional YAML config file (keys are the lower-case variable names)
  3. Environment variables, including a .env file in the working directory

VARIABLES:
  PORT                 HTTP port (8080)
  DATABASE_PATH        SQLite file, or :memory: (rewards.db)
  DB_MAX_OPEN_CONNS    Connection pool size (8)
  DB_BUSY_TIMEOUT      SQLite busy timeout per statement (5s)
  ISSUE_MAX_RETRIES    Retries after the first issuance attempt (5)
  ISSUE_RETRY_BACKOFF  Base backoff between attempts (10ms)
  ISSUE_TIMEOUT        Per-attempt deadline (5s)
  SUPPRESS_NOOP        Skip writing entries for zero bundles (false)
  GRANT_CONCURRENCY    Parallelism of batch grants (8)
  LOG_LEVEL            debug, info, warn, error (info)
  LOG_FORMAT           json or console (json)
  SEED_FILE            YAML seed applied at startup ("")
  SEED_REPLACE_RULES   Overwrite already-configured rule tables (false)
  CORS_ORIGINS         Comma-separated allowed origins (*)
  SHUTDOWN_TIMEOUT     Graceful shutdown window (30s)
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Issuer   IssuerConfig
	Log      LogConfig
	Seed     SeedConfig
}

type ServerConfig struct {
	Port            int
	CORSOrigins     []string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Path         string
	MaxOpenConns int
	BusyTimeout  time.Duration
}

type IssuerConfig struct {
	MaxRetries       int
	RetryBackoff     time.Duration
	Timeout          time.Duration
	SuppressNoop     bool
	GrantConcurrency int
}

type LogConfig struct {
	Level  string
	Format string
}

type SeedConfig struct {
	File         string
	ReplaceRules bool
}

var defaults = map[string]any{
	"port":                8080,
	"database_path":       "rewards.db",
	"db_max_open_conns":   8,
	"db_busy_timeout":     "5s",
	"issue_max_retries":   5,
	"issue_retry_backoff": "10ms",
	"issue_timeout":       "5s",
	"suppress_noop":       false,
	"grant_concurrency":   8,
	"log_level":           "info",
	"log_format":          "json",
	"seed_file":           "",
	"seed_replace_rules":  false,
	"cors_origins":        "*",
	"shutdown_timeout":    "30s",
}

// Load reads configuration. configFile may be empty; a missing .env is
// not an error.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        v.GetInt("port"),
			CORSOrigins: splitList(v.GetString("cors_origins")),
		},
		Database: DatabaseConfig{
			Path:         v.GetString("database_path"),
			MaxOpenConns: v.GetInt("db_max_open_conns"),
		},
		Issuer: IssuerConfig{
			MaxRetries:       v.GetInt("issue_max_retries"),
			SuppressNoop:     v.GetBool("suppress_noop"),
			GrantConcurrency: v.GetInt("grant_concurrency"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log_level")),
			Format: strings.ToLower(v.GetString("log_format")),
		},
		Seed: SeedConfig{
			File:         v.GetString("seed_file"),
			ReplaceRules: v.GetBool("seed_replace_rules"),
		},
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"db_busy_timeout", &cfg.Database.BusyTimeout},
		{"issue_retry_backoff", &cfg.Issuer.RetryBackoff},
		{"issue_timeout", &cfg.Issuer.Timeout},
		{"shutdown_timeout", &cfg.Server.ShutdownTimeout},
	}
	for _, d := range durations {
		value, err := getDuration(v, d.key)
		if err != nil {
			return nil, err
		}
		*d.dst = value
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("invalid DB_MAX_OPEN_CONNS: %d", c.Database.MaxOpenConns)
	}
	if c.Issuer.MaxRetries < 0 {
		return fmt.Errorf("invalid ISSUE_MAX_RETRIES: %d", c.Issuer.MaxRetries)
	}
	if c.Issuer.GrantConcurrency <= 0 {
		return fmt.Errorf("invalid GRANT_CONCURRENCY: %d", c.Issuer.GrantConcurrency)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("invalid LOG_FORMAT: %q", c.Log.Format)
	}
	return nil
}

// getDuration parses a duration setting. Zero and negative values are
// rejected because every duration here is a timeout or a backoff.
func getDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %q (%w)", strings.ToUpper(key), raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid duration for %s: %q must be positive", strings.ToUpper(key), raw)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

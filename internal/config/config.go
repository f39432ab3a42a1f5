// Package config provides configuration structures and loading for the Greenchoice importer.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andygrunwald/greenchoice-importer/internal/importer"
)

// Config holds all configuration for the Greenchoice importer.
type Config struct {
	// Portal login
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// PostgreSQL connection string
	PostgresDSN string `yaml:"postgres_dsn"`
	// Log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`
	// Log format (json, console)
	LogFormat string `yaml:"log_format"`
	// HTTP server address
	HTTPAddr string `yaml:"http_addr"`
	// Time between scheduled imports
	ImportInterval time.Duration `yaml:"import_interval"`
	// Days fetched when history does not bound the window
	BackfillDays int `yaml:"backfill_days"`
	// Window policy (bounded, extended)
	WindowPolicy string `yaml:"window_policy"`
	// Time zone of the portal's calendar days
	Timezone string `yaml:"timezone"`
	// Timeout of a single portal request
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// Portal endpoints
	SSOURL    string `yaml:"sso_url"`
	PortalURL string `yaml:"portal_url"`
	// Redis address for the shared run lock; empty uses a process-local lock
	RedisAddr    string        `yaml:"redis_addr"`
	RedisLockTTL time.Duration `yaml:"redis_lock_ttl"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:       "info",
		LogFormat:      "json",
		HTTPAddr:       ":8080",
		ImportInterval: 12 * time.Hour,
		BackfillDays:   importer.DefaultBackfillDays,
		WindowPolicy:   string(importer.WindowBounded),
		Timezone:       "Europe/Amsterdam",
		RequestTimeout: 30 * time.Second,
		SSOURL:         "https://sso.greenchoice.nl",
		PortalURL:      "https://mijn.greenchoice.nl",
		RedisLockTTL:   30 * time.Minute,
	}
}

// LoadFromFile loads configuration from a YAML file. Keys missing from the
// file keep their current value.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("decoding config file: %w", err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("GREENCHOICE_USERNAME"); v != "" {
		c.Username = v
	}
	if v := os.Getenv("GREENCHOICE_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		c.PostgresDSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("IMPORT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ImportInterval = d
		}
	}
	if v := os.Getenv("BACKFILL_DAYS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.BackfillDays = i
		}
	}
	if v := os.Getenv("WINDOW_POLICY"); v != "" {
		c.WindowPolicy = v
	}
	if v := os.Getenv("TIMEZONE"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RequestTimeout = d
		}
	}
	if v := os.Getenv("SSO_URL"); v != "" {
		c.SSOURL = v
	}
	if v := os.Getenv("PORTAL_URL"); v != "" {
		c.PortalURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RedisLockTTL = d
		}
	}
}

// Validate checks the settings shared by all commands.
func (c *Config) Validate() error {
	var errs []error
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("invalid log format %q", c.LogFormat))
	}
	if c.BackfillDays < 1 {
		errs = append(errs, fmt.Errorf("backfill days must be positive, got %d", c.BackfillDays))
	}
	if c.ImportInterval <= 0 {
		errs = append(errs, fmt.Errorf("import interval must be positive, got %s", c.ImportInterval))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout))
	}
	if _, err := importer.ParseWindowPolicy(c.WindowPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateCredentials checks that portal credentials are set.
func (c *Config) ValidateCredentials() error {
	if c.Username == "" || c.Password == "" {
		return errors.New("GREENCHOICE_USERNAME and GREENCHOICE_PASSWORD are required")
	}
	return nil
}

// ValidateDatabase checks that a database is configured.
func (c *Config) ValidateDatabase() error {
	if c.PostgresDSN == "" {
		return errors.New("POSTGRES_DSN is required")
	}
	return nil
}

// Location returns the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading time zone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pario-ai/insight/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all insight client configuration.
type Config struct {
	UserID    string               `yaml:"user_id"`
	LogLevel  string               `yaml:"log_level"`
	LogFormat string               `yaml:"log_format"`
	Endpoints []EndpointConfig     `yaml:"endpoints"`
	Routes    []RouteConfig        `yaml:"routes"`
	RateLimit RateLimitConfig      `yaml:"rate_limit"`
	Cache     CacheConfig          `yaml:"cache"`
	Journal   models.JournalConfig `yaml:"journal"`
}

// EndpointConfig defines an inference endpoint and the bearer credential
// attached to every request sent to it.
type EndpointConfig struct {
	Name       string `yaml:"name"`
	URL        string `yaml:"url"`
	Credential string `yaml:"credential"`
}

// RouteConfig maps an operation name to a named endpoint.
type RouteConfig struct {
	Operation string `yaml:"operation"`
	Endpoint  string `yaml:"endpoint"`
}

// RateLimitConfig throttles outbound requests. Zero RequestsPerSecond disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// CacheConfig controls the in-process result cache.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	TTL           time.Duration `yaml:"ttl"`
	MaxEntries    int           `yaml:"max_entries"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "console",
		Cache: CacheConfig{
			Enabled:       true,
			TTL:           5 * time.Minute,
			MaxEntries:    100,
			SweepInterval: time.Minute,
		},
		Journal: models.JournalConfig{
			Enabled:       false,
			DBPath:        "insight.db",
			RetentionDays: 30,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("no endpoints configured")
	}
	names := make(map[string]bool, len(c.Endpoints))
	for _, e := range c.Endpoints {
		if e.URL == "" {
			return fmt.Errorf("endpoint %q: url is required", e.Name)
		}
		names[e.Name] = true
	}
	for _, r := range c.Routes {
		if !names[r.Endpoint] {
			return fmt.Errorf("route %q: unknown endpoint %q", r.Operation, r.Endpoint)
		}
	}
	if c.Cache.Enabled && c.Cache.MaxEntries <= 0 {
		return errors.New("cache.max_entries must be positive")
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return errors.New("rate_limit.requests_per_second must not be negative")
	}
	return nil
}

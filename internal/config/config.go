// Package config provides configuration management for codex-mux.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root YAML configuration.
type Config struct {
	// Port is the listen port for the client-facing HTTP server.
	Port int `yaml:"port" json:"port"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug,omitempty" json:"debug,omitempty"`

	// LogFile mirrors logs into a rotated file when set.
	LogFile string `yaml:"log-file,omitempty" json:"log-file,omitempty"`

	// APIKeys lists client API keys accepted on the /v1 surface.
	// Empty means the surface is open (trusted network deployments).
	APIKeys []string `yaml:"api-keys,omitempty" json:"api-keys,omitempty"`

	// AccountsFile is the HuJSON roster of upstream accounts.
	AccountsFile string `yaml:"accounts-file" json:"accounts-file"`

	// MaxRequestSize caps request body size in bytes (0 = default).
	MaxRequestSize int64 `yaml:"max-request-size,omitempty" json:"max-request-size,omitempty"`

	Upstream  UpstreamConfig  `yaml:"upstream" json:"upstream"`
	Routing   RoutingConfig   `yaml:"routing" json:"routing"`
	Sticky    StickyConfig    `yaml:"sticky" json:"sticky"`
	Quota     QuotaConfig     `yaml:"quota" json:"quota"`
	Usage     UsageConfig     `yaml:"usage" json:"usage"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty" json:"telemetry,omitempty"`
}

// UpstreamConfig describes the responses upstream.
type UpstreamConfig struct {
	// BaseURL is the upstream endpoint, e.g. https://chatgpt.com/backend-api/codex.
	BaseURL string `yaml:"base-url" json:"base-url"`

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration `yaml:"connect-timeout,omitempty" json:"connect-timeout,omitempty"`

	// IdleTimeout aborts a stream when no event arrives for this long.
	IdleTimeout time.Duration `yaml:"idle-timeout,omitempty" json:"idle-timeout,omitempty"`
}

// RoutingConfig controls account selection and retry.
type RoutingConfig struct {
	// MaxRetries is the number of additional attempts after the first,
	// each on a not-yet-tried account.
	MaxRetries int `yaml:"max-retries" json:"max-retries"`

	// BackoffBase and BackoffMax shape the delay between attempts.
	BackoffBase time.Duration `yaml:"backoff-base,omitempty" json:"backoff-base,omitempty"`
	BackoffMax  time.Duration `yaml:"backoff-max,omitempty" json:"backoff-max,omitempty"`
}

// StickyConfig controls session-to-account affinity.
type StickyConfig struct {
	// TTL is how long a binding stays valid after its last touch.
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// RedisURL switches bindings to a Redis store when set.
	RedisURL string `yaml:"redis-url,omitempty" json:"redis-url,omitempty"`
}

// QuotaConfig controls the ledger's rate-limit hold and pricing.
type QuotaConfig struct {
	// WindowMinutes anchors the computed reset boundary when the upstream
	// supplies none on a rate limit.
	WindowMinutes int `yaml:"window-minutes" json:"window-minutes"`

	// PromptPricePerM and CompletionPricePerM are USD per million tokens.
	PromptPricePerM     float64 `yaml:"prompt-price-per-m,omitempty" json:"prompt-price-per-m,omitempty"`
	CompletionPricePerM float64 `yaml:"completion-price-per-m,omitempty" json:"completion-price-per-m,omitempty"`
}

// UsageConfig controls usage persistence.
type UsageConfig struct {
	// DSN selects the backend: sqlite:///path or postgres://... Empty disables
	// persistence (in-memory aggregates only).
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`

	BatchSize     int           `yaml:"batch-size,omitempty" json:"batch-size,omitempty"`
	FlushInterval time.Duration `yaml:"flush-interval,omitempty" json:"flush-interval,omitempty"`
	RetentionDays int           `yaml:"retention-days,omitempty" json:"retention-days,omitempty"`
}

// TelemetryConfig controls trace export.
type TelemetryConfig struct {
	// OTLPEndpoint enables OTLP/HTTP trace export when set (host:port).
	OTLPEndpoint string `yaml:"otlp-endpoint,omitempty" json:"otlp-endpoint,omitempty"`

	// Insecure disables TLS on the exporter connection.
	Insecure bool `yaml:"insecure,omitempty" json:"insecure,omitempty"`
}

// Defaults used when the corresponding field is zero.
const (
	DefaultPort           = 8317
	DefaultMaxRetries     = 2
	DefaultWindowMinutes  = 300
	DefaultStickyTTL      = time.Hour
	DefaultConnectTimeout = 30 * time.Second
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultBackoffBase    = 200 * time.Millisecond
	DefaultBackoffMax     = 2 * time.Second
)

// Load reads, parses and normalizes the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.Routing.MaxRetries < 0 {
		c.Routing.MaxRetries = 0
	}
	if c.Routing.MaxRetries == 0 {
		c.Routing.MaxRetries = DefaultMaxRetries
	}
	if c.Routing.BackoffBase <= 0 {
		c.Routing.BackoffBase = DefaultBackoffBase
	}
	if c.Routing.BackoffMax <= 0 {
		c.Routing.BackoffMax = DefaultBackoffMax
	}
	if c.Sticky.TTL <= 0 {
		c.Sticky.TTL = DefaultStickyTTL
	}
	if c.Quota.WindowMinutes <= 0 {
		c.Quota.WindowMinutes = DefaultWindowMinutes
	}
	if c.Upstream.ConnectTimeout <= 0 {
		c.Upstream.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Upstream.IdleTimeout <= 0 {
		c.Upstream.IdleTimeout = DefaultIdleTimeout
	}
	c.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(c.Upstream.BaseURL), "/")

	keys := make([]string, 0, len(c.APIKeys))
	for _, k := range c.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	c.APIKeys = keys
}

func (c *Config) validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("config: upstream.base-url is required")
	}
	if c.AccountsFile == "" {
		return fmt.Errorf("config: accounts-file is required")
	}
	return nil
}

// QuotaWindow returns the configured reset window as a duration.
func (c *Config) QuotaWindow() time.Duration {
	return time.Duration(c.Quota.WindowMinutes) * time.Minute
}

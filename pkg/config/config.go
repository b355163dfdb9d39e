package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment names. Validation tightens in staging and production.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config is the full AsyncGate configuration. Values come from an
// optional YAML file with ASYNCGATE_* environment overrides applied on
// top.
type Config struct {
	Env         string `yaml:"env"`
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	DatabaseURL string `yaml:"database_url"`

	// APIKey authenticates internal callers (system principals). Empty
	// is allowed only in development.
	APIKey string `yaml:"api_key"`

	// InstanceID overrides environment probing when set.
	InstanceID string `yaml:"instance_id"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	Lease LeaseConfig `yaml:"lease"`
	Retry RetryConfig `yaml:"retry"`
	Sweep SweepConfig `yaml:"sweep"`
	Page  PageConfig  `yaml:"page"`

	Limits LimitsConfig `yaml:"limits"`

	// EscalationTargets maps an escalation class to the principal id
	// that task.escalated receipts for that class are addressed to.
	EscalationTargets map[string]string `yaml:"escalation_targets"`
}

// LeaseConfig bounds lease durations and renewals.
type LeaseConfig struct {
	DefaultTTLSeconds  int `yaml:"default_ttl_seconds"`
	MaxTTLSeconds      int `yaml:"max_ttl_seconds"`
	MaxRenewals        int `yaml:"max_renewals"`
	MaxLifetimeSeconds int `yaml:"max_lifetime_seconds"`
}

func (c LeaseConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

func (c LeaseConfig) MaxTTL() time.Duration {
	return time.Duration(c.MaxTTLSeconds) * time.Second
}

func (c LeaseConfig) MaxLifetime() time.Duration {
	return time.Duration(c.MaxLifetimeSeconds) * time.Second
}

// RetryConfig controls the fail-retry backoff schedule.
type RetryConfig struct {
	DefaultMaxAttempts int `yaml:"default_max_attempts"`
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	BackoffCapSeconds  int `yaml:"backoff_cap_seconds"`
}

// Backoff returns min(base * 2^(attempt-1), cap) for attempt >= 1.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	secs := c.BackoffBaseSeconds
	for i := 1; i < attempt; i++ {
		secs *= 2
		if secs >= c.BackoffCapSeconds {
			secs = c.BackoffCapSeconds
			break
		}
	}
	if secs > c.BackoffCapSeconds {
		secs = c.BackoffCapSeconds
	}
	return time.Duration(secs) * time.Second
}

// SweepConfig controls the lease-expiry sweep loop.
type SweepConfig struct {
	IntervalSeconds   int     `yaml:"interval_seconds"`
	IntervalJitter    float64 `yaml:"interval_jitter"`
	BatchSize         int     `yaml:"batch_size"`
	FetchLimit        int     `yaml:"fetch_limit"`
	RequeueJitterSecs int     `yaml:"requeue_jitter_seconds"`
	MicroSleepMinMS   int     `yaml:"micro_sleep_min_ms"`
	MicroSleepMaxMS   int     `yaml:"micro_sleep_max_ms"`
}

func (c SweepConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// PageConfig bounds list pagination.
type PageConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

// Clamp applies default and maximum page limits to a caller value.
func (c PageConfig) Clamp(limit int) int {
	if limit <= 0 {
		return c.DefaultLimit
	}
	if limit > c.MaxLimit {
		return c.MaxLimit
	}
	return limit
}

// LimitsConfig holds hard caps on receipt content and claim size.
type LimitsConfig struct {
	BodyMaxBytes int `yaml:"body_max_bytes"`
	ParentsMax   int `yaml:"parents_max"`
	ArtifactsMax int `yaml:"artifacts_max"`
	ClaimMax     int `yaml:"claim_max"`
}

// Default returns the configuration defaults.
func Default() *Config {
	cfg := &Config{
		Env:         EnvDevelopment,
		ListenAddr:  ":8080",
		MetricsAddr: ":9090",
		Lease: LeaseConfig{
			DefaultTTLSeconds:  120,
			MaxTTLSeconds:      1800,
			MaxRenewals:        10,
			MaxLifetimeSeconds: 7200,
		},
		Retry: RetryConfig{
			DefaultMaxAttempts: 2,
			BackoffBaseSeconds: 15,
			BackoffCapSeconds:  900,
		},
		Sweep: SweepConfig{
			IntervalSeconds:   5,
			IntervalJitter:    0.2,
			BatchSize:         20,
			FetchLimit:        100,
			RequeueJitterSecs: 5,
			MicroSleepMinMS:   10,
			MicroSleepMaxMS:   50,
		},
		Page: PageConfig{
			DefaultLimit: 50,
			MaxLimit:     200,
		},
		Limits: LimitsConfig{
			BodyMaxBytes: 64 * 1024,
			ParentsMax:   10,
			ArtifactsMax: 100,
			ClaimMax:     10,
		},
	}
	cfg.Log.Level = "info"
	cfg.Log.JSON = true
	return cfg
}

// Load reads the YAML file at path (if non-empty) over the defaults,
// then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ASYNCGATE_ENV"); v != "" {
		c.Env = v
	}
	if v := os.Getenv("ASYNCGATE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("ASYNCGATE_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("ASYNCGATE_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("ASYNCGATE_INSTANCE_ID"); v != "" {
		c.InstanceID = v
	}
	if v := os.Getenv("ASYNCGATE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks configuration consistency. Environment-sensitive
// checks (API key presence) tighten outside development; instance id
// strength is checked separately at startup once probing has run.
func (c *Config) Validate() error {
	switch c.Env {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("unknown env %q", c.Env)
	}
	if c.Env != EnvDevelopment && c.APIKey == "" {
		return fmt.Errorf("api_key is required in %s", c.Env)
	}
	if c.Lease.DefaultTTLSeconds <= 0 || c.Lease.MaxTTLSeconds < c.Lease.DefaultTTLSeconds {
		return fmt.Errorf("invalid lease ttl bounds: default=%d max=%d",
			c.Lease.DefaultTTLSeconds, c.Lease.MaxTTLSeconds)
	}
	if c.Retry.DefaultMaxAttempts < 1 {
		return fmt.Errorf("default_max_attempts must be >= 1, got %d", c.Retry.DefaultMaxAttempts)
	}
	if c.Sweep.BatchSize <= 0 || c.Sweep.FetchLimit < c.Sweep.BatchSize {
		return fmt.Errorf("invalid sweep batch: batch_size=%d fetch_limit=%d",
			c.Sweep.BatchSize, c.Sweep.FetchLimit)
	}
	if c.Page.MaxLimit < c.Page.DefaultLimit {
		return fmt.Errorf("page max_limit %d below default_limit %d", c.Page.MaxLimit, c.Page.DefaultLimit)
	}
	return nil
}

// Snapshot returns the non-secret configuration as a map, for the
// get_config system operation.
func (c *Config) Snapshot() map[string]any {
	return map[string]any{
		"env":         c.Env,
		"listen_addr": c.ListenAddr,
		"lease": map[string]any{
			"default_ttl_seconds":  c.Lease.DefaultTTLSeconds,
			"max_ttl_seconds":      c.Lease.MaxTTLSeconds,
			"max_renewals":         c.Lease.MaxRenewals,
			"max_lifetime_seconds": c.Lease.MaxLifetimeSeconds,
		},
		"retry": map[string]any{
			"default_max_attempts": c.Retry.DefaultMaxAttempts,
			"backoff_base_seconds": c.Retry.BackoffBaseSeconds,
			"backoff_cap_seconds":  c.Retry.BackoffCapSeconds,
		},
		"sweep": map[string]any{
			"interval_seconds": c.Sweep.IntervalSeconds,
			"batch_size":       c.Sweep.BatchSize,
		},
		"page": map[string]any{
			"default_limit": c.Page.DefaultLimit,
			"max_limit":     c.Page.MaxLimit,
		},
		"limits": map[string]any{
			"body_max_bytes": c.Limits.BodyMaxBytes,
			"parents_max":    c.Limits.ParentsMax,
			"artifacts_max":  c.Limits.ArtifactsMax,
			"claim_max":      c.Limits.ClaimMax,
		},
	}
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, 120, cfg.Lease.DefaultTTLSeconds)
	assert.Equal(t, 1800, cfg.Lease.MaxTTLSeconds)
	assert.Equal(t, 10, cfg.Lease.MaxRenewals)
	assert.Equal(t, 7200, cfg.Lease.MaxLifetimeSeconds)
	assert.Equal(t, 2, cfg.Retry.DefaultMaxAttempts)
	assert.Equal(t, 64*1024, cfg.Limits.BodyMaxBytes)
	require.NoError(t, cfg.Validate())
}

func TestValidateRequiresAPIKeyOutsideDev(t *testing.T) {
	cfg := Default()
	cfg.Env = EnvProduction
	assert.Error(t, cfg.Validate())

	cfg.APIKey = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownEnv(t *testing.T) {
	cfg := Default()
	cfg.Env = "qa"
	assert.Error(t, cfg.Validate())
}

func TestRetryBackoff(t *testing.T) {
	r := RetryConfig{DefaultMaxAttempts: 5, BackoffBaseSeconds: 15, BackoffCapSeconds: 900}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 15 * time.Second},
		{2, 30 * time.Second},
		{3, 60 * time.Second},
		{7, 900 * time.Second}, // capped
		{0, 15 * time.Second},  // clamped to first attempt
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPageClamp(t *testing.T) {
	p := PageConfig{DefaultLimit: 50, MaxLimit: 200}
	assert.Equal(t, 50, p.Clamp(0))
	assert.Equal(t, 50, p.Clamp(-1))
	assert.Equal(t, 7, p.Clamp(7))
	assert.Equal(t, 200, p.Clamp(500))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ASYNCGATE_ENV", EnvStaging)
	t.Setenv("ASYNCGATE_API_KEY", "k")
	t.Setenv("ASYNCGATE_DATABASE_URL", "postgres://localhost/asyncgate")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, EnvStaging, cfg.Env)
	assert.Equal(t, "k", cfg.APIKey)
	assert.Equal(t, "postgres://localhost/asyncgate", cfg.DatabaseURL)
}

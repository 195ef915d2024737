package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Delivery.MaxAttempts)
	assert.True(t, cfg.Delivery.PermanentFailsFast)
	assert.Equal(t, 60, cfg.Rates.DomainMax)
	assert.Equal(t, 600, cfg.Rates.GlobalMax)
	assert.False(t, cfg.SES.Enabled)
}

func TestLoadYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
delivery:
  max_attempts: 5
  worker_concurrency: 12
rates:
  domain_max: 30
tracking:
  public_base_url: https://track.example.com
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Delivery.MaxAttempts)
	assert.Equal(t, 12, cfg.Delivery.WorkerConcurrency)
	assert.Equal(t, "https://track.example.com", cfg.Tracking.PublicBaseURL)
	assert.Equal(t, 30, cfg.Rates.DomainMax)

	// Unset keys keep their defaults.
	assert.Equal(t, 600, cfg.Rates.GlobalMax)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "3001")
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("MAX_ATTEMPTS", "7")
	t.Setenv("PERMANENT_FAILS_FAST", "false")
	t.Setenv("EMAIL_RATE_MAX", "15")
	t.Setenv("EMAIL_WARMUP_FACTOR", "0.5")
	t.Setenv("PUBLIC_BASE_URL", "https://env.example.com")
	t.Setenv("WEBHOOK_SECRET", "s3cret")
	t.Setenv("SES_REGION", "us-west-2")

	cfg, err := LoadFromEnv("")
	require.NoError(t, err)

	assert.Equal(t, 3001, cfg.Server.Port)
	assert.Equal(t, "postgres://env/db", cfg.Postgres.URL)
	assert.Equal(t, 7, cfg.Delivery.MaxAttempts)
	assert.False(t, cfg.Delivery.PermanentFailsFast)
	assert.Equal(t, 15, cfg.Rates.DomainMax)
	assert.Equal(t, 0.5, cfg.Rates.WarmupFactor)
	assert.Equal(t, "https://env.example.com", cfg.Tracking.PublicBaseURL)
	assert.Equal(t, "s3cret", cfg.Webhook.Secret)
	assert.True(t, cfg.SES.Enabled)
	assert.Equal(t, "us-west-2", cfg.SES.Region)
}

func TestEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-number")
	t.Setenv("EMAIL_WARMUP_FACTOR", "fast")

	cfg, err := LoadFromEnv("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 1.0, cfg.Rates.WarmupFactor)
}

func TestInvalidMaxAttemptsRejected(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS", "0")

	_, err := LoadFromEnv("")
	assert.Error(t, err)
}

func TestDurationHelpers(t *testing.T) {
	r := RatesConfig{DomainWindowSec: 60, GlobalWindowSec: 30, DomainBlockTTLSec: 300, GlobalBlockTTLSec: 120}
	assert.Equal(t, 60.0, r.DomainWindow().Seconds())
	assert.Equal(t, 120.0, r.GlobalBlockTTL().Seconds())

	rc := ReconcilerConfig{IntervalMs: 1500}
	assert.Equal(t, int64(1500), rc.ReconcileInterval().Milliseconds())
}

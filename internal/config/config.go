package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the delivery engine.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Rates      RatesConfig      `yaml:"rates"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Tracking   TrackingConfig   `yaml:"tracking"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	SES        SESConfig        `yaml:"ses"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// PostgresConfig holds database connection settings.
type PostgresConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// DeliveryConfig holds worker behavior knobs.
type DeliveryConfig struct {
	MaxAttempts       int  `yaml:"max_attempts"`
	WorkerConcurrency int  `yaml:"worker_concurrency"`
	JitterMinMs       int  `yaml:"jitter_min_ms"`
	JitterMaxMs       int  `yaml:"jitter_max_ms"`
	// PermanentFailsFast marks 5xx recipient rejections failed immediately
	// instead of consuming the remaining retry budget.
	PermanentFailsFast bool `yaml:"permanent_fails_fast"`
}

// RatesConfig holds the rate governor settings.
type RatesConfig struct {
	DomainMax         int     `yaml:"domain_max"`
	DomainWindowSec   int     `yaml:"domain_window_sec"`
	GlobalMax         int     `yaml:"global_max"`
	GlobalWindowSec   int     `yaml:"global_window_sec"`
	WarmupFactor      float64 `yaml:"warmup_factor"`
	FailureWarnRate   float64 `yaml:"failure_warn_rate"`
	FailureStrictRate float64 `yaml:"failure_strict_rate"`
	DomainBlockTTLSec int     `yaml:"domain_block_ttl_sec"`
	GlobalBlockTTLSec int     `yaml:"global_block_ttl_sec"`
}

// ReconcilerConfig holds the drift-repair sweep settings.
type ReconcilerConfig struct {
	IntervalMs int `yaml:"interval_ms"`
	BatchSize  int `yaml:"batch_size"`
}

// TrackingConfig holds the public tracking endpoint settings.
type TrackingConfig struct {
	PublicBaseURL string `yaml:"public_base_url"`
}

// WebhookConfig holds inbound-webhook authentication.
type WebhookConfig struct {
	Secret string `yaml:"secret"`
}

// SESConfig holds AWS SES sender settings.
type SESConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	FromName  string `yaml:"from_name"`
	FromEmail string `yaml:"from_email"`
	ReplyTo   string `yaml:"reply_to"`
}

// Default returns a config with the documented defaults applied.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080},
		Postgres: PostgresConfig{MaxOpenConns: 50, MaxIdleConns: 10, ConnMaxLifetime: 5},
		Delivery: DeliveryConfig{
			MaxAttempts:        3,
			WorkerConcurrency:  5,
			JitterMinMs:        250,
			JitterMaxMs:        1250,
			PermanentFailsFast: true,
		},
		Rates: RatesConfig{
			DomainMax:         60,
			DomainWindowSec:   60,
			GlobalMax:         600,
			GlobalWindowSec:   60,
			WarmupFactor:      1.0,
			FailureWarnRate:   0.05,
			FailureStrictRate: 0.15,
			DomainBlockTTLSec: 300,
			GlobalBlockTTLSec: 120,
		},
		Reconciler: ReconcilerConfig{IntervalMs: 60000, BatchSize: 200},
	}
}

// Load reads the YAML config at path, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv loads the YAML config (if path is non-empty and exists) and
// then applies environment-variable overrides. A .env file in the working
// directory is honored for local development.
func LoadFromEnv(path string) (*Config, error) {
	// Best-effort: absence of .env is normal in production
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			loaded, err := Load(path)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		}
	}

	applyEnv(cfg)

	if cfg.Delivery.MaxAttempts < 1 {
		return nil, fmt.Errorf("MAX_ATTEMPTS must be >= 1, got %d", cfg.Delivery.MaxAttempts)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	setInt(&cfg.Server.Port, "SERVER_PORT")

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}

	setInt(&cfg.Delivery.MaxAttempts, "MAX_ATTEMPTS")
	setInt(&cfg.Delivery.WorkerConcurrency, "WORKER_CONCURRENCY")
	setBool(&cfg.Delivery.PermanentFailsFast, "PERMANENT_FAILS_FAST")

	setInt(&cfg.Rates.DomainMax, "EMAIL_RATE_MAX")
	setInt(&cfg.Rates.DomainWindowSec, "EMAIL_RATE_DURATION")
	setInt(&cfg.Rates.GlobalMax, "EMAIL_GLOBAL_RATE_MAX")
	setInt(&cfg.Rates.GlobalWindowSec, "EMAIL_GLOBAL_RATE_DURATION")
	setFloat(&cfg.Rates.WarmupFactor, "EMAIL_WARMUP_FACTOR")
	setFloat(&cfg.Rates.FailureWarnRate, "EMAIL_FAILURE_WARN_RATE")
	setFloat(&cfg.Rates.FailureStrictRate, "EMAIL_FAILURE_STRICT_RATE")
	setInt(&cfg.Rates.DomainBlockTTLSec, "EMAIL_DOMAIN_BLOCK_TTL")
	setInt(&cfg.Rates.GlobalBlockTTLSec, "EMAIL_GLOBAL_BLOCK_TTL")

	setInt(&cfg.Reconciler.IntervalMs, "RECONCILER_INTERVAL_MS")

	if v := os.Getenv("PUBLIC_BASE_URL"); v != "" {
		cfg.Tracking.PublicBaseURL = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		cfg.SES.Region = v
		cfg.SES.Enabled = true
	}
	if v := os.Getenv("SES_FROM_EMAIL"); v != "" {
		cfg.SES.FromEmail = v
	}
	if v := os.Getenv("SES_FROM_NAME"); v != "" {
		cfg.SES.FromName = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// DomainWindow returns the per-domain sliding window duration.
func (r RatesConfig) DomainWindow() time.Duration {
	return time.Duration(r.DomainWindowSec) * time.Second
}

// GlobalWindow returns the global sliding window duration.
func (r RatesConfig) GlobalWindow() time.Duration {
	return time.Duration(r.GlobalWindowSec) * time.Second
}

// DomainBlockTTL returns the base TTL for domain throttle blocks.
func (r RatesConfig) DomainBlockTTL() time.Duration {
	return time.Duration(r.DomainBlockTTLSec) * time.Second
}

// GlobalBlockTTL returns the base TTL for global throttle blocks.
func (r RatesConfig) GlobalBlockTTL() time.Duration {
	return time.Duration(r.GlobalBlockTTLSec) * time.Second
}

// ReconcileInterval returns the reconciler sweep interval.
func (r ReconcilerConfig) ReconcileInterval() time.Duration {
	return time.Duration(r.IntervalMs) * time.Millisecond
}

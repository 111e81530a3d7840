// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Store         StoreConfig         `yaml:"store"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Notify        NotifyConfig        `yaml:"notify"`
	Schedule      ScheduleConfig      `yaml:"schedule"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT verification settings. Tokens are verified
// against the JWKS endpoint when JWKSURL is set, otherwise against the HMAC
// secret named by SigningKeyEnv.
type IdentityConfig struct {
	Issuer        string            `yaml:"issuer"`
	Audience      string            `yaml:"audience"`
	JWKSURL       string            `yaml:"jwks_url"`
	JWKSCacheTTL  time.Duration     `yaml:"jwks_cache_ttl"`
	SigningKeyEnv string            `yaml:"signing_key_env"`
	Algorithms    []string          `yaml:"algorithms"`
	ClaimPaths    map[string]string `yaml:"claim_paths"`
}

// StoreConfig describes document store settings.
type StoreConfig struct {
	Driver          string             `yaml:"driver"`
	DSNEnv          string             `yaml:"dsn_env"`
	MaxOpenConns    int                `yaml:"max_open_conns"`
	MaxIdleConns    int                `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration      `yaml:"conn_max_lifetime"`
	AutoMigrate     bool               `yaml:"auto_migrate"`
	CounterRetry    CounterRetryConfig `yaml:"counter_retry"`
}

// CounterRetryConfig bounds retries of counter transactions.
type CounterRetryConfig struct {
	MaxRetries      uint64        `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// IdempotencyConfig describes replay protection for approval submissions.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// NotifyConfig describes how state-change notifications are delivered.
type NotifyConfig struct {
	Driver       string        `yaml:"driver"`
	RedisAddrEnv string        `yaml:"redis_addr_env"`
	RedisDB      int           `yaml:"redis_db"`
	Queue        string        `yaml:"queue"`
	MaxRetry     int           `yaml:"max_retry"`
	Timeout      time.Duration `yaml:"timeout"`
	Worker       WorkerConfig  `yaml:"worker"`
	SMTP         SMTPConfig    `yaml:"smtp"`
}

// WorkerConfig describes the in-process notification worker.
type WorkerConfig struct {
	Enabled     bool `yaml:"enabled"`
	Concurrency int  `yaml:"concurrency"`
}

// SMTPConfig describes the outgoing mail server.
type SMTPConfig struct {
	Host        string `yaml:"host"`
	Port        string `yaml:"port"`
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
	From        string `yaml:"from"`
	FromName    string `yaml:"from_name"`
}

// ScheduleConfig describes how calendar days and ISO weeks are cut.
type ScheduleConfig struct {
	Timezone string `yaml:"timezone"`
}

// Location returns the configured time zone.
func (c ScheduleConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id":  "sub",
				"email":       "email",
				"name":        "name",
				"role":        "role",
				"engineering": "engineering",
			},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "SOLICITUDES_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
			CounterRetry: CounterRetryConfig{
				MaxRetries:      5,
				InitialInterval: 20 * time.Millisecond,
				MaxInterval:     500 * time.Millisecond,
			},
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "SOLICITUDES_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Notify: NotifyConfig{
			Driver:       "log",
			RedisAddrEnv: "SOLICITUDES_REDIS_ADDR",
			Queue:        "notifications",
			MaxRetry:     5,
			Timeout:      30 * time.Second,
			Worker: WorkerConfig{
				Enabled:     true,
				Concurrency: 4,
			},
			SMTP: SMTPConfig{
				Port:        "587",
				PasswordEnv: "SOLICITUDES_SMTP_PASSWORD",
				FromName:    "Solicitudes",
			},
		},
		Schedule: ScheduleConfig{
			Timezone: "UTC",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields. A .env file in the working directory is
// loaded first when present; variables already set in the environment win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}

	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if c.Identity.JWKSURL == "" && c.Identity.SigningKeyEnv == "" {
		errs = append(errs, "identity.jwks_url or identity.signing_key_env is required")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be memory or postgres", c.Store.Driver))
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Store.Driver {
		case "memory", "redis":
		default:
			errs = append(errs, fmt.Sprintf("idempotency.store.driver %q must be memory or redis", c.Idempotency.Store.Driver))
		}
	}

	switch c.Notify.Driver {
	case "log":
	case "queue":
		if c.Notify.RedisAddrEnv == "" {
			errs = append(errs, "notify.redis_addr_env is required for the queue driver")
		}
		if c.Notify.Worker.Enabled && c.Notify.SMTP.Host == "" {
			errs = append(errs, "notify.smtp.host is required when the worker is enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("notify.driver %q must be log or queue", c.Notify.Driver))
	}

	switch c.Observability.LogFormat {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format %q must be json or console", c.Observability.LogFormat))
	}

	if _, err := c.Schedule.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("schedule.timezone %q: %v", c.Schedule.Timezone, err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads SOLICITUDES_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SOLICITUDES_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SOLICITUDES_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("SOLICITUDES_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("SOLICITUDES_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("SOLICITUDES_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("SOLICITUDES_NOTIFY_DRIVER"); v != "" {
		cfg.Notify.Driver = v
	}
	if v := os.Getenv("SOLICITUDES_SMTP_HOST"); v != "" {
		cfg.Notify.SMTP.Host = v
	}
	if v := os.Getenv("SOLICITUDES_SCHEDULE_TIMEZONE"); v != "" {
		cfg.Schedule.Timezone = v
	}
	if v := os.Getenv("SOLICITUDES_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("SOLICITUDES_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}

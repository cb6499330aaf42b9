// Package config defines the top-level configuration for the auto-stop
// supervisor and provides validation helpers.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYGUARD_* environment variables.
type Config struct {
	Supervisor SupervisorConfig      `toml:"supervisor"`
	Criteria   domain.CriteriaConfig `toml:"criteria"`
	Supabase   SupabaseConfig        `toml:"supabase"`
	Redis      RedisConfig           `toml:"redis"`
	S3         S3Config              `toml:"s3"`
	Dispatcher DispatcherConfig      `toml:"dispatcher"`
	Archive    ArchiveConfig         `toml:"archive"`
	Server     ServerConfig          `toml:"server"`
	Notify     NotifyConfig          `toml:"notify"`
	Mode       string                `toml:"mode"`
	LogLevel   string                `toml:"log_level"`
}

// SupervisorConfig tunes the supervision loop and close executor.
type SupervisorConfig struct {
	Interval        duration `toml:"interval"`
	StalenessBound  duration `toml:"staleness_bound"`
	Workers         int      `toml:"workers"`
	CooldownTicks   int      `toml:"cooldown_ticks"`
	LedgerTimeout   duration `toml:"ledger_timeout"`
	SnapshotTimeout duration `toml:"snapshot_timeout"`
	DispatchTimeout duration `toml:"dispatch_timeout"`
	FillTimeout     duration `toml:"fill_timeout"`
	PollInterval    duration `toml:"poll_interval"`
	MaxAttempts     int      `toml:"max_attempts"`
	RetryInitial    duration `toml:"retry_initial"`
	RetryMax        duration `toml:"retry_max"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`

	LedgerFailureThreshold int      `toml:"ledger_failure_threshold"`
	LedgerBackoffInitial   duration `toml:"ledger_backoff_initial"`
	LedgerBackoffMax       duration `toml:"ledger_backoff_max"`

	// CriteriaFile, when set, is a TOML file holding only criteria
	// thresholds. It is watched and reloaded between ticks.
	CriteriaFile string `toml:"criteria_file"`
}

// Staleness returns the market-data staleness bound. An unset bound
// defaults to twice the loop interval.
func (s SupervisorConfig) Staleness() time.Duration {
	if s.StalenessBound.Duration > 0 {
		return s.StalenessBound.Duration
	}
	return 2 * s.Interval.Duration
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters for the
// trade ledger and audit log.
type SupabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis carries market
// snapshots, the audit stream and API rate limits.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`

	// ConnectTimeout is how long startup keeps retrying an unreachable
	// server.
	ConnectTimeout duration `toml:"connect_timeout"`
	// AuditStreamLen caps the replayable audit stream. Zero keeps the
	// bus default.
	AuditStreamLen int64    `toml:"audit_stream_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// DispatcherConfig holds the execution dispatcher endpoint and credentials.
type DispatcherConfig struct {
	BaseURL    string   `toml:"base_url"`
	APIKey     string   `toml:"api_key"`
	APISecret  string   `toml:"api_secret"`
	Timeout    duration `toml:"timeout"`
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`

	// APISecretFile is a sealed secret used when api_secret is empty. The
	// passphrase normally comes from POLYGUARD_DISPATCHER_API_SECRET_PASSPHRASE.
	APISecretFile       string `toml:"api_secret_file"`
	APISecretPassphrase string `toml:"api_secret_passphrase"`
}

// ArchiveConfig controls moving the audit log to S3.
type ArchiveConfig struct {
	Enabled           bool   `toml:"enabled"`
	RetentionDays     int    `toml:"retention_days"`
	Cron              string `toml:"cron"`
	DeleteAfterUpload bool   `toml:"delete_after_upload"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards mutating endpoints. Empty disables auth.
	APIKey     string   `toml:"api_key"`
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	QuietPeriod       duration `toml:"quiet_period"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Supervisor: SupervisorConfig{
			Interval:               duration{time.Second},
			Workers:                8,
			CooldownTicks:          1,
			LedgerTimeout:          duration{2 * time.Second},
			SnapshotTimeout:        duration{500 * time.Millisecond},
			DispatchTimeout:        duration{3 * time.Second},
			FillTimeout:            duration{30 * time.Second},
			PollInterval:           duration{500 * time.Millisecond},
			MaxAttempts:            3,
			RetryInitial:           duration{500 * time.Millisecond},
			RetryMax:               duration{5 * time.Second},
			ShutdownTimeout:        duration{10 * time.Second},
			LedgerFailureThreshold: 5,
			LedgerBackoffInitial:   duration{time.Second},
			LedgerBackoffMax:       duration{30 * time.Second},
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,

			ConnectTimeout: duration{10 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polyguard-audit",
			ForcePathStyle: true,
		},
		Dispatcher: DispatcherConfig{
			BaseURL:    "http://localhost:8081",
			Timeout:    duration{5 * time.Second},
			RateLimit:  20,
			RateWindow: duration{time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Cron:          "0 3 1 * *",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:      []string{"position_closed", "dispatch_failure", "ledger_escalated", "ledger_recovered"},
			QuietPeriod: duration{5 * time.Minute},
		},
		Mode:     "supervise",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"supervise": true,
	"monitor":   true,
	"archive":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: supervise, monitor, archive)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Supervisor
	s := c.Supervisor
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"interval", s.Interval.Duration},
		{"ledger_timeout", s.LedgerTimeout.Duration},
		{"snapshot_timeout", s.SnapshotTimeout.Duration},
		{"dispatch_timeout", s.DispatchTimeout.Duration},
		{"fill_timeout", s.FillTimeout.Duration},
		{"poll_interval", s.PollInterval.Duration},
		{"retry_initial", s.RetryInitial.Duration},
		{"ledger_backoff_initial", s.LedgerBackoffInitial.Duration},
	} {
		if d.val <= 0 {
			add("supervisor: %s must be > 0", d.name)
		}
	}
	if s.StalenessBound.Duration < 0 {
		add("supervisor: staleness_bound must be >= 0")
	}
	if s.Workers < 1 {
		add("supervisor: workers must be >= 1")
	}
	if s.CooldownTicks < 0 {
		add("supervisor: cooldown_ticks must be >= 0")
	}
	if s.MaxAttempts < 1 {
		add("supervisor: max_attempts must be >= 1")
	}
	if s.RetryMax.Duration < s.RetryInitial.Duration {
		add("supervisor: retry_max must not be below retry_initial")
	}
	if s.LedgerFailureThreshold < 1 {
		add("supervisor: ledger_failure_threshold must be >= 1")
	}
	if s.LedgerBackoffMax.Duration < s.LedgerBackoffInitial.Duration {
		add("supervisor: ledger_backoff_max must not be below ledger_backoff_initial")
	}
	if s.Interval.Duration > 0 && s.SnapshotTimeout.Duration >= s.Interval.Duration {
		add("supervisor: snapshot_timeout must be shorter than interval")
	}

	if err := ValidateCriteria(c.Criteria); err != nil {
		errs = append(errs, err)
	}

	// Supabase
	if strings.TrimSpace(c.Supabase.DSN) == "" {
		if c.Supabase.Host == "" {
			add("supabase: host must not be empty (or set supabase.dsn)")
		}
		if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
			add("supabase: port must be 1-65535, got %d", c.Supabase.Port)
		}
		if c.Supabase.Database == "" {
			add("supabase: database must not be empty")
		}
	}
	if c.Supabase.PoolMaxConns < 1 {
		add("supabase: pool_max_conns must be >= 1")
	}
	if c.Supabase.PoolMinConns < 0 {
		add("supabase: pool_min_conns must be >= 0")
	}
	if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
		add("supabase: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}
	if c.Redis.AuditStreamLen < 0 {
		add("redis: audit_stream_len must not be negative")
	}
	if c.Redis.PoolSize < 1 {
		add("redis: pool_size must be >= 1")
	}

	// Dispatcher is only needed where closes are issued.
	if strings.EqualFold(c.Mode, "supervise") {
		if c.Dispatcher.BaseURL == "" {
			add("dispatcher: base_url must not be empty")
		}
		hasSecret := c.Dispatcher.APISecret != "" || c.Dispatcher.APISecretFile != ""
		if (c.Dispatcher.APIKey == "") == hasSecret {
			add("dispatcher: api_key and api_secret must be set together")
		}
		if c.Dispatcher.APISecret == "" && c.Dispatcher.APISecretFile != "" && c.Dispatcher.APISecretPassphrase == "" {
			add("dispatcher: api_secret_file needs api_secret_passphrase")
		}
	}

	// S3 and archive
	if c.Archive.Enabled || strings.EqualFold(c.Mode, "archive") {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty")
		}
		if c.Archive.RetentionDays < 1 {
			add("archive: retention_days must be >= 1")
		}
		if c.Archive.Enabled && strings.TrimSpace(c.Archive.Cron) == "" {
			add("archive: cron must not be empty when enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit < 0 {
			add("server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateCriteria rejects negative or non-finite thresholds. Nil thresholds
// are disabled criteria and always valid.
func ValidateCriteria(c domain.CriteriaConfig) error {
	var errs []error
	for _, kind := range domain.CriteriaPriority {
		v := c.Threshold(kind)
		if v == nil {
			continue
		}
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			errs = append(errs, fmt.Errorf("criteria: %s must be finite", kind))
			continue
		}
		if *v < 0 {
			errs = append(errs, fmt.Errorf("criteria: %s must be >= 0, got %g", kind, *v))
		}
	}
	return errors.Join(errs...)
}

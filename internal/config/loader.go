package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYGUARD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if cfg.Supervisor.CriteriaFile != "" {
		crit, err := LoadCriteria(cfg.Supervisor.CriteriaFile)
		if err != nil {
			return nil, err
		}
		cfg.Criteria = crit
	}

	return &cfg, nil
}

// criteriaFile is the layout of a standalone criteria file:
//
//	[criteria]
//	max_loss_percent = 30
type criteriaFile struct {
	Criteria domain.CriteriaConfig `toml:"criteria"`
}

// LoadCriteria reads and validates a criteria file.
func LoadCriteria(path string) (domain.CriteriaConfig, error) {
	var f criteriaFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return domain.CriteriaConfig{}, fmt.Errorf("config: decode criteria %s: %w", path, err)
	}
	if err := ValidateCriteria(f.Criteria); err != nil {
		return domain.CriteriaConfig{}, fmt.Errorf("config: criteria %s: %w", path, err)
	}
	return f.Criteria, nil
}

// applyEnvOverrides reads well-known POLYGUARD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Supervisor ──
	setDuration(&cfg.Supervisor.Interval, "POLYGUARD_SUPERVISOR_INTERVAL")
	setDuration(&cfg.Supervisor.StalenessBound, "POLYGUARD_SUPERVISOR_STALENESS_BOUND")
	setInt(&cfg.Supervisor.Workers, "POLYGUARD_SUPERVISOR_WORKERS")
	setInt(&cfg.Supervisor.CooldownTicks, "POLYGUARD_SUPERVISOR_COOLDOWN_TICKS")
	setDuration(&cfg.Supervisor.LedgerTimeout, "POLYGUARD_SUPERVISOR_LEDGER_TIMEOUT")
	setDuration(&cfg.Supervisor.SnapshotTimeout, "POLYGUARD_SUPERVISOR_SNAPSHOT_TIMEOUT")
	setDuration(&cfg.Supervisor.DispatchTimeout, "POLYGUARD_SUPERVISOR_DISPATCH_TIMEOUT")
	setDuration(&cfg.Supervisor.FillTimeout, "POLYGUARD_SUPERVISOR_FILL_TIMEOUT")
	setInt(&cfg.Supervisor.MaxAttempts, "POLYGUARD_SUPERVISOR_MAX_ATTEMPTS")
	setInt(&cfg.Supervisor.LedgerFailureThreshold, "POLYGUARD_SUPERVISOR_LEDGER_FAILURE_THRESHOLD")
	setStr(&cfg.Supervisor.CriteriaFile, "POLYGUARD_SUPERVISOR_CRITERIA_FILE")

	// ── Criteria ──
	setOptFloat(&cfg.Criteria.MaxLossPercent, "POLYGUARD_CRITERIA_MAX_LOSS_PERCENT")
	setOptFloat(&cfg.Criteria.ProfitTarget, "POLYGUARD_CRITERIA_PROFIT_TARGET")
	setOptFloat(&cfg.Criteria.MaxHoldingTimeMinutes, "POLYGUARD_CRITERIA_MAX_HOLDING_TIME_MINUTES")
	setOptFloat(&cfg.Criteria.DrawdownProtection, "POLYGUARD_CRITERIA_DRAWDOWN_PROTECTION")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "POLYGUARD_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "POLYGUARD_SUPABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "POLYGUARD_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "POLYGUARD_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "POLYGUARD_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "POLYGUARD_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "POLYGUARD_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "POLYGUARD_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "POLYGUARD_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "POLYGUARD_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "POLYGUARD_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "POLYGUARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYGUARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYGUARD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYGUARD_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "POLYGUARD_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.ConnectTimeout, "POLYGUARD_REDIS_CONNECT_TIMEOUT")
	setInt64(&cfg.Redis.AuditStreamLen, "POLYGUARD_REDIS_AUDIT_STREAM_LEN")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "POLYGUARD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYGUARD_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYGUARD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYGUARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYGUARD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYGUARD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYGUARD_S3_FORCE_PATH_STYLE")

	// ── Dispatcher ──
	setStr(&cfg.Dispatcher.BaseURL, "POLYGUARD_DISPATCHER_BASE_URL")
	setStr(&cfg.Dispatcher.APIKey, "POLYGUARD_DISPATCHER_API_KEY")
	setStr(&cfg.Dispatcher.APISecret, "POLYGUARD_DISPATCHER_API_SECRET")
	setStr(&cfg.Dispatcher.APISecretFile, "POLYGUARD_DISPATCHER_API_SECRET_FILE")
	setStr(&cfg.Dispatcher.APISecretPassphrase, "POLYGUARD_DISPATCHER_API_SECRET_PASSPHRASE")
	setDuration(&cfg.Dispatcher.Timeout, "POLYGUARD_DISPATCHER_TIMEOUT")
	setInt(&cfg.Dispatcher.RateLimit, "POLYGUARD_DISPATCHER_RATE_LIMIT")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "POLYGUARD_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "POLYGUARD_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "POLYGUARD_ARCHIVE_CRON")
	setBool(&cfg.Archive.DeleteAfterUpload, "POLYGUARD_ARCHIVE_DELETE_AFTER_UPLOAD")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POLYGUARD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POLYGUARD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYGUARD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "POLYGUARD_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "POLYGUARD_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYGUARD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYGUARD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYGUARD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYGUARD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYGUARD_MODE")
	setStr(&cfg.LogLevel, "POLYGUARD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
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

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

// setOptFloat sets an optional threshold. "off" disables it.
func setOptFloat(dst **float64, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if strings.EqualFold(v, "off") {
		*dst = nil
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = &f
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

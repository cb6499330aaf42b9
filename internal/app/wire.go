package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/polyguard/internal/audit"
	s3blob "github.com/alanyoungcy/polyguard/internal/blob/s3"
	"github.com/alanyoungcy/polyguard/internal/cache/redis"
	"github.com/alanyoungcy/polyguard/internal/config"
	"github.com/alanyoungcy/polyguard/internal/crypto"
	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/notify"
	"github.com/alanyoungcy/polyguard/internal/platform/dispatcher"
	"github.com/alanyoungcy/polyguard/internal/store/postgres"
)

// Dependencies bundles the concrete collaborators the modes run on. Fields
// not needed by the configured mode are nil.
type Dependencies struct {
	Ledger     *postgres.Ledger
	AuditStore *postgres.AuditStore

	Snapshots   *redis.SnapshotCache
	Events      *redis.EventBus
	RateLimiter *redis.RateLimiter

	Dispatcher *dispatcher.Client
	Archiver   *s3blob.AuditArchiver

	// Audit fans every event out to the audit table, the bus and the log.
	Audit    domain.AuditSink
	Notifier *notify.Notifier
	Criteria *config.CriteriaWatcher
}

func needsRedis(mode string) bool {
	return mode == "supervise" || mode == "monitor"
}

func needsDispatcher(mode string) bool {
	return mode == "supervise"
}

func needsS3(cfg *config.Config) bool {
	mode := strings.ToLower(cfg.Mode)
	return mode == "archive" || (mode == "supervise" && cfg.Archive.Enabled)
}

// Wire constructs every dependency the configured mode needs and returns a
// cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{}

	// --- PostgreSQL: ledger and audit log, used by every mode ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Supabase.DSN,
		Host:     cfg.Supabase.Host,
		Port:     cfg.Supabase.Port,
		Database: cfg.Supabase.Database,
		User:     cfg.Supabase.User,
		Password: cfg.Supabase.Password,
		SSLMode:  cfg.Supabase.SSLMode,
		MaxConns: cfg.Supabase.PoolMaxConns,
		MinConns: cfg.Supabase.PoolMinConns,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Supabase.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}
	pool := pgClient.Pool()
	deps.Ledger = postgres.NewLedger(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	sinks := []domain.AuditSink{deps.AuditStore}

	// --- Redis: snapshots, audit stream, API rate limits ---
	if needsRedis(mode) {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,

			ConnectTimeout: cfg.Redis.ConnectTimeout.Duration,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Snapshots = redis.NewSnapshotCache(redisClient, cfg.Supervisor.Staleness())
		deps.Events = redis.NewEventBus(redisClient, cfg.Redis.AuditStreamLen)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		sinks = append(sinks, audit.NewBusSink(deps.Events, logger))
	}
	sinks = append(sinks, audit.NewLogSink(logger))
	deps.Audit = audit.NewMultiSink(sinks...)

	// --- Execution dispatcher ---
	if needsDispatcher(mode) {
		var auth *crypto.HMACAuth
		if cfg.Dispatcher.APIKey != "" {
			secret, err := crypto.LoadSecret(crypto.SecretSource{
				Raw:        cfg.Dispatcher.APISecret,
				Path:       cfg.Dispatcher.APISecretFile,
				Passphrase: cfg.Dispatcher.APISecretPassphrase,
			})
			if err != nil {
				return fail("dispatcher credentials", err)
			}
			auth = &crypto.HMACAuth{Key: cfg.Dispatcher.APIKey, Secret: secret}
		}
		var pacer dispatcher.Pacer
		if deps.RateLimiter != nil {
			pacer = deps.RateLimiter
		}
		deps.Dispatcher = dispatcher.New(dispatcher.Config{
			BaseURL:    cfg.Dispatcher.BaseURL,
			Timeout:    cfg.Dispatcher.Timeout.Duration,
			RateLimit:  cfg.Dispatcher.RateLimit,
			RateWindow: cfg.Dispatcher.RateWindow.Duration,
		}, auth, pacer)
	}

	// --- S3 audit archive ---
	if needsS3(cfg) {
		objects, err := s3blob.New(ctx, s3blob.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		if err := objects.Health(ctx); err != nil {
			logger.WarnContext(ctx, "s3 bucket not reachable yet", slog.String("error", err.Error()))
		}
		deps.Archiver = s3blob.NewArchiver(
			objects,
			deps.AuditStore,
			s3blob.ArchiverConfig{DeleteAfterUpload: cfg.Archive.DeleteAfterUpload},
			logger,
		)
	}

	deps.Notifier = newNotifier(cfg.Notify, logger)
	deps.Criteria = config.NewCriteriaWatcher(cfg.Supervisor.CriteriaFile, cfg.Criteria, logger)

	return deps, cleanup, nil
}

// newNotifier builds the notifier from whichever senders are configured.
func newNotifier(cfg config.NotifyConfig, logger *slog.Logger) *notify.Notifier {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	events := cfg.Events
	if len(events) == 0 {
		events = notify.DefaultEvents
	}
	return notify.NewNotifier(senders, events, logger).WithQuietPeriod(cfg.QuietPeriod.Duration)
}

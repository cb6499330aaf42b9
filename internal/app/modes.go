package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyguard/internal/archive"
	"github.com/alanyoungcy/polyguard/internal/audit"
	"github.com/alanyoungcy/polyguard/internal/autostop"
	"github.com/alanyoungcy/polyguard/internal/executor"
	"github.com/alanyoungcy/polyguard/internal/server"
	"github.com/alanyoungcy/polyguard/internal/server/handler"
	"github.com/alanyoungcy/polyguard/internal/server/ws"
	"github.com/alanyoungcy/polyguard/internal/supervisor"
)

// httpShutdownTimeout bounds draining of in-flight API requests.
const httpShutdownTimeout = 5 * time.Second

// buildLoop assembles the supervision loop from deps.
func (a *App) buildLoop(deps *Dependencies) *supervisor.Loop {
	s := a.cfg.Supervisor

	closer := executor.NewCloseExecutor(deps.Ledger, deps.Dispatcher, deps.Audit, deps.Notifier, executor.Config{
		MaxAttempts:     s.MaxAttempts,
		InitialBackoff:  s.RetryInitial.Duration,
		MaxBackoff:      s.RetryMax.Duration,
		DispatchTimeout: s.DispatchTimeout.Duration,
		LedgerTimeout:   s.LedgerTimeout.Duration,
		FillTimeout:     s.FillTimeout.Duration,
		PollInterval:    s.PollInterval.Duration,
	}, a.logger)

	registry := supervisor.NewRegistry()
	status := supervisor.NewStatus()
	syncer := supervisor.NewSynchronizer(
		deps.Ledger,
		deps.Snapshots,
		autostop.New(s.Staleness()),
		registry,
		closer,
		deps.Audit,
		status,
		supervisor.SyncConfig{
			Workers:         s.Workers,
			CooldownTicks:   s.CooldownTicks,
			LedgerTimeout:   s.LedgerTimeout.Duration,
			SnapshotTimeout: s.SnapshotTimeout.Duration,
		},
		a.logger,
	)

	return supervisor.NewLoop(syncer, registry, closer, status, deps.Criteria, deps.Notifier, supervisor.LoopConfig{
		Interval:               s.Interval.Duration,
		ShutdownTimeout:        s.ShutdownTimeout.Duration,
		LedgerFailureThreshold: s.LedgerFailureThreshold,
		LedgerBackoffInitial:   s.LedgerBackoffInitial.Duration,
		LedgerBackoffMax:       s.LedgerBackoffMax.Duration,
	}, a.logger)
}

// SuperviseMode runs the supervision loop together with the criteria
// watcher, the API server and, when enabled, the periodic audit archive.
func (a *App) SuperviseMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting supervise mode")

	loop := a.buildLoop(deps)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loop.Run(ctx)
	})

	g.Go(func() error {
		return deps.Criteria.Watch(ctx)
	})

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		job := archive.NewJob(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
		g.Go(func() error {
			return job.RunCron(ctx, a.cfg.Archive.Cron)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, loop)
	}

	return g.Wait()
}

// MonitorMode serves the read-only API over the ledger and audit log. No
// positions are closed.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, nil)
	return g.Wait()
}

// ArchiveMode runs one archive pass and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: s3 archiver not configured")
	}
	n, err := archive.NewJob(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger).Run(ctx)
	if err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	a.logger.InfoContext(ctx, "archive mode finished", slog.Int64("rows", n))
	return nil
}

// startHTTPServer mounts the API and WebSocket hub on g. loop is nil when
// no supervision loop runs in this process.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, loop *supervisor.Loop) {
	var (
		monitor  handler.Monitor
		checker  handler.HealthChecker
		criteria *handler.CriteriaHandler
		status   func() any
	)
	if loop != nil {
		monitor, checker = loop, loop
		criteria = handler.NewCriteriaHandler(deps.Criteria, a.logger)
		status = func() any { return loop.Report() }
	}

	var hub *ws.Hub
	if deps.Events != nil {
		hub = ws.NewHub(deps.Events, ws.Config{
			Channels:     []string{audit.Channel},
			Status:       status,
			ReplayStream: audit.Stream,
			ReplayLimit:  100,
		}, a.logger)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:     handler.NewHealthHandler(a.cfg.Mode, checker),
		Supervisor: handler.NewSupervisorHandler(monitor, deps.Ledger, a.logger),
		Audit:      handler.NewAuditHandler(deps.AuditStore, a.logger),
		Criteria:   criteria,
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

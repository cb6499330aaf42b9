// Package app wires the supervisor's dependencies and runs the configured
// operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/polyguard/internal/config"
)

// App runs one operating mode over a wired set of dependencies.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	modes  map[string]func(context.Context, *Dependencies) error
}

// New creates an App for cfg.
func New(cfg *config.Config, logger *slog.Logger) *App {
	a := &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
	a.modes = map[string]func(context.Context, *Dependencies) error{
		"supervise": a.SuperviseMode,
		"monitor":   a.MonitorMode,
		"archive":   a.ArchiveMode,
	}
	return a
}

// Run wires dependencies, runs the configured mode until it returns or ctx
// is cancelled, then releases everything it opened.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	run, ok := a.modes[mode]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
	a.logger.DebugContext(ctx, "effective configuration", slog.Any("config", config.RedactedConfig(a.cfg)))

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	defer func() {
		start := time.Now()
		cleanup()
		a.logger.Info("dependencies released", slog.Duration("took", time.Since(start)))
	}()

	a.logger.InfoContext(ctx, "mode starting", slog.String("mode", mode))
	return run(ctx, deps)
}

// Command polyguard supervises open binary-outcome positions and closes them
// when an auto-stop criterion fires. It loads configuration, validates it,
// wires dependencies and runs the configured mode until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/polyguard/internal/app"
	"github.com/alanyoungcy/polyguard/internal/config"
	"github.com/alanyoungcy/polyguard/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	modeFlag := flag.String("mode", "", "override the configured mode (supervise, monitor, archive)")
	sealPath := flag.String("seal", "", "seal $POLYGUARD_SEAL_SECRET into this file and exit")
	flag.Parse()

	logger := newLogger(slog.LevelInfo)
	slog.SetDefault(logger)

	if *sealPath != "" {
		if err := seal(*sealPath); err != nil {
			logger.Error("seal failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("secret sealed", slog.String("path", *sealPath))
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if *modeFlag != "" {
		cfg.Mode = *modeFlag
	}

	logger = newLogger(parseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("polyguard starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)

	application := app.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = application.Run(ctx)
	stop()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	logger.Info("polyguard stopped")
}

// seal writes a sealed dispatcher secret using the passphrase the
// supervisor will later open it with.
func seal(path string) error {
	blob, err := crypto.Seal(os.Getenv("POLYGUARD_SEAL_SECRET"), os.Getenv("POLYGUARD_DISPATCHER_API_SECRET_PASSPHRASE"))
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o600)
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

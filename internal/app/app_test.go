package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/polyguard/internal/config"
)

func TestModeRequirements(t *testing.T) {
	cfg := config.Defaults()

	assert.True(t, needsRedis("supervise"))
	assert.True(t, needsRedis("monitor"))
	assert.False(t, needsRedis("archive"))
	assert.True(t, needsDispatcher("supervise"))
	assert.False(t, needsDispatcher("monitor"))

	assert.False(t, needsS3(&cfg), "archive job disabled by default")
	cfg.Archive.Enabled = true
	assert.True(t, needsS3(&cfg))
	cfg.Mode = "monitor"
	assert.False(t, needsS3(&cfg))
	cfg.Mode = "ARCHIVE"
	assert.True(t, needsS3(&cfg))
}

func TestNewNotifier_NoSendersIsSilent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := newNotifier(config.NotifyConfig{}, logger)
	assert.NoError(t, n.Notify(context.Background(), "position_closed", "closed", "t-1"))
}

func TestArchiveModeRequiresArchiver(t *testing.T) {
	cfg := config.Defaults()
	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, a.ArchiveMode(context.Background(), &Dependencies{}))
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "trade"
	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorContains(t, a.Run(context.Background()), `unsupported mode "trade"`)
}

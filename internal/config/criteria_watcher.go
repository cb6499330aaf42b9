package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// reloadDebounce coalesces the burst of events editors emit for one save.
const reloadDebounce = 100 * time.Millisecond

// CriteriaSnapshot is the criteria in force and where they came from.
type CriteriaSnapshot struct {
	Criteria domain.CriteriaConfig `json:"criteria"`
	Version  int64                 `json:"version"`
	Source   string                `json:"source"`
	LoadedAt time.Time             `json:"loaded_at"`
}

// CriteriaWatcher holds the live criteria. It is updated by reloading a
// watched file or by Set, and read once per tick through Current.
type CriteriaWatcher struct {
	path   string
	logger *slog.Logger

	current atomic.Pointer[CriteriaSnapshot]
	mu      sync.Mutex // serializes writers
}

// NewCriteriaWatcher creates a watcher seeded with initial. path may be empty,
// in which case only Set changes the criteria.
func NewCriteriaWatcher(path string, initial domain.CriteriaConfig, logger *slog.Logger) *CriteriaWatcher {
	w := &CriteriaWatcher{
		path:   path,
		logger: logger.With(slog.String("component", "criteria_watcher")),
	}
	w.current.Store(&CriteriaSnapshot{
		Criteria: initial.Clone(),
		Version:  1,
		Source:   "config",
		LoadedAt: time.Now().UTC(),
	})
	return w
}

// Current returns a copy of the criteria in force.
func (w *CriteriaWatcher) Current() domain.CriteriaConfig {
	return w.current.Load().Criteria.Clone()
}

// Snapshot returns the criteria with version metadata.
func (w *CriteriaWatcher) Snapshot() CriteriaSnapshot {
	s := *w.current.Load()
	s.Criteria = s.Criteria.Clone()
	return s
}

// Set validates and installs c. The next tick picks it up.
func (w *CriteriaWatcher) Set(c domain.CriteriaConfig, source string) (CriteriaSnapshot, error) {
	if err := ValidateCriteria(c); err != nil {
		return CriteriaSnapshot{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	next := &CriteriaSnapshot{
		Criteria: c.Clone(),
		Version:  w.current.Load().Version + 1,
		Source:   source,
		LoadedAt: time.Now().UTC(),
	}
	w.current.Store(next)
	w.logger.Info("criteria updated",
		slog.String("source", source),
		slog.Int64("version", next.Version),
		slog.Int("enabled", len(c.Enabled())),
	)
	return *next, nil
}

// Reload reads the watched file and installs it. A file that fails to parse
// or validate leaves the current criteria untouched.
func (w *CriteriaWatcher) Reload() error {
	if w.path == "" {
		return nil
	}
	c, err := LoadCriteria(w.path)
	if err != nil {
		return err
	}
	_, err = w.Set(c, "file")
	return err
}

// Watch reloads the criteria file whenever it changes until ctx is cancelled.
// The parent directory is watched so editors that replace the file by rename
// are picked up.
func (w *CriteriaWatcher) Watch(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: criteria watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)
	w.logger.Info("watching criteria file", slog.String("path", target))

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != target {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(reloadDebounce)
		case <-debounce:
			debounce = nil
			if err := w.Reload(); err != nil {
				w.logger.Error("criteria reload failed, keeping previous criteria",
					slog.String("error", err.Error()),
				)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("criteria watcher error", slog.String("error", err.Error()))
		}
	}
}

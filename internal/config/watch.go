package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"weighsplit/internal/domain"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 200 * time.Millisecond

// WatchInstances calls apply with the reloaded instance list every time the
// file at path changes. Invalid files are logged and skipped. It blocks until
// ctx is done.
func WatchInstances(ctx context.Context, path string, logger *slog.Logger, apply func([]domain.Instance)) error {
	if logger == nil {
		logger = slog.Default()
	}
	path = filepath.Clean(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: editors often replace the file instead of writing it.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	logger.Info("watching instance file", "path", path)

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case evt, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != path || !evt.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(reloadDelay)
			reload = timer.C
		case <-reload:
			reload = nil
			instances, err := LoadInstances(path)
			if err != nil {
				logger.Warn("ignoring invalid instance file", "path", path, "error", err)
				continue
			}
			logger.Info("instance file changed", "path", path, "instances", len(instances))
			apply(instances)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("instance file watcher error", "error", err)
		}
	}
}

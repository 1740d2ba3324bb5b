package scheduler

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	appLog "icalsynchub/internal/log"
)

const watchDebounce = 750 * time.Millisecond

// WatchSources signals wake whenever the file at path is written, created,
// renamed or removed, coalescing bursts of events. The parent directory is
// watched so editors that replace the file are noticed. It blocks until ctx
// is canceled.
func WatchSources(ctx context.Context, path string, wake chan<- struct{}, logger *appLog.Logger) error {
	return watchFile(ctx, path, wake, watchDebounce, logger)
}

func watchFile(ctx context.Context, path string, wake chan<- struct{}, debounce time.Duration, logger *appLog.Logger) error {
	if logger == nil {
		logger = appLog.Nop()
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	path = filepath.Clean(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	logger.Info("watching source list", "path", path)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			logger.Debug("source list changed", "path", path)
			select {
			case wake <- struct{}{}:
			default:
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("source list watcher error", "err", err)
		}
	}
}

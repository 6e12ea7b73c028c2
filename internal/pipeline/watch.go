package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch re-runs fn whenever a watched path changes, debouncing bursts of
// filesystem events into one run. It blocks until ctx is cancelled. Only
// localfile and git working-tree sources have paths to watch; remote sources
// re-ingest on the normal schedule.
func Watch(ctx context.Context, paths []string, debounce time.Duration, logger *slog.Logger, fn func(context.Context) error) error {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, p := range paths {
		if err := watcher.Add(p); err != nil {
			return err
		}
		logger.Info("watching path", slog.String("path", p))
	}

	// The timer is armed on the first event and reset on each further one;
	// fn runs only after the burst settles.
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debug("filesystem event",
				slog.String("path", ev.Name),
				slog.String("op", ev.Op.String()))
			if pending && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(debounce)
			pending = true

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			pending = false
			if err := fn(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Error("watch run failed", slog.String("error", err.Error()))
			}
		}
	}
}

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchTemplates calls fn after path changes, once per burst of writes. It
// watches the parent directory so editors that replace the file by rename
// are still seen. It returns when ctx is done.
func watchTemplates(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger, fn func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "resolve templates path", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return WrapExitError(ExitCommandError, "start file watcher", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("watch %s", filepath.Dir(abs)), err)
	}
	logger.Info("watching templates", "path", abs)

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
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Stop()
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("file watcher error", "error", err)
		case <-fire:
			fire = nil
			logger.Info("templates changed; running again", "path", abs)
			fn()
		}
	}
}

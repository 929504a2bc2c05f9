package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchLogPrefix = "config:watch"

// DefaultWatchDebounce collapses the burst of events an editor save produces.
const DefaultWatchDebounce = 500 * time.Millisecond

// Watch reloads the configuration each time the file at path changes and
// hands the result to onChange. A file that fails to load is logged and
// skipped. Watch blocks until ctx ends.
func Watch(ctx context.Context, path string, debounce time.Duration, onChange func(*Config)) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%s - failed to resolve %s: %w", watchLogPrefix, path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%s - failed to create watcher: %w", watchLogPrefix, err)
	}
	defer watcher.Close()

	// Watch the directory; editors often replace the file by rename.
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("%s - failed to watch %s: %w", watchLogPrefix, filepath.Dir(target), err)
	}
	slog.Info(fmt.Sprintf("%s - Watching %s", watchLogPrefix, target))

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn(fmt.Sprintf("%s - watcher error: %v", watchLogPrefix, err))
		case <-timer.C:
			cfg, err := Load(target)
			if err != nil {
				slog.Warn(fmt.Sprintf("%s - ignoring change to %s: %v", watchLogPrefix, target, err))
				continue
			}
			slog.Info(fmt.Sprintf("%s - Reloaded %s", watchLogPrefix, target))
			onChange(cfg)
		}
	}
}

package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchLogLevel watches the YAML config file and calls apply with the new
// log level whenever the file is written. It returns when ctx is done.
// Only the log level is hot-reloaded; other settings need a restart.
func WatchLogLevel(ctx context.Context, path string, apply func(level string), onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg := Default()
				if err := cfg.loadFile(path); err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				apply(cfg.Observability.LogLevel)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()

	return nil
}

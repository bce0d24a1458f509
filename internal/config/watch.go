package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads cfg in place whenever the file at path changes, then calls
// onReload with the fresh snapshot. Editors replace files rather than write
// them, so the parent directory is watched and events are debounced.
// The returned stop function releases the watcher.
func Watch(path string, cfg *Config, onReload func(Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		var pending <-chan time.Time
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(200 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			case <-pending:
				pending = nil
				fresh, err := Load(path)
				if err != nil {
					slog.Error("config reload failed, keeping previous", "path", path, "error", err)
					continue
				}
				cfg.ReplaceFrom(fresh)
				slog.Info("config reloaded", "path", path)
				if onReload != nil {
					onReload(cfg.Snapshot())
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

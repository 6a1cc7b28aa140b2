package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads an engine when one of its source files changes.
type Watcher struct {
	engine   Engine
	files    map[string]bool
	debounce time.Duration
	logger   *slog.Logger

	// OnReload, when set, is called after every reload attempt.
	OnReload func(error)
}

// NewWatcher creates a watcher for the given files.
func NewWatcher(engine Engine, files []string, logger *slog.Logger) *Watcher {
	w := &Watcher{
		engine:   engine,
		files:    make(map[string]bool, len(files)),
		debounce: 200 * time.Millisecond,
		logger:   logger,
	}
	for _, f := range files {
		if abs, err := filepath.Abs(f); err == nil {
			w.files[abs] = true
		}
	}
	return w
}

// Run watches until ctx ends. Directories are watched rather than the files
// themselves so editors that replace files by rename are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	dirs := map[string]bool{}
	for f := range w.files {
		dirs[filepath.Dir(f)] = true
	}
	for d := range dirs {
		if err := fw.Add(d); err != nil {
			return fmt.Errorf("watching %s: %w", d, err)
		}
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.files[filepath.Clean(ev.Name)] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("policy file changed", "file", ev.Name, "op", ev.Op.String())
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("policy watcher error", "error", err)

		case <-timer.C:
			err := w.engine.Reload(ctx)
			if err != nil {
				w.logger.Error("reloading policies", "error", err)
			} else {
				w.logger.Info("policies reloaded")
			}
			if w.OnReload != nil {
				w.OnReload(err)
			}
		}
	}
}

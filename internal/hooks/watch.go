// ABOUTME: Filesystem watcher that triggers registry reloads when script files change.
// ABOUTME: Bursts of events are coalesced with a debounce timer before one Reload runs.

package hooks

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last change before a reload.
const DefaultDebounce = 250 * time.Millisecond

// Watch reloads the registry whenever a script in a discovery directory is
// created, written, renamed or removed. It blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	for _, dir := range r.directories {
		r.watchTree(watcher, dir)
	}

	timer := time.NewTimer(debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					r.watchTree(watcher, ev.Name)
				}
			}
			if !strings.HasSuffix(ev.Name, ScriptExtension) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) {
				continue
			}
			timer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("watcher error", "error", err)

		case <-timer.C:
			if _, err := r.Reload(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("reload failed", "error", err)
			}
		}
	}
}

func (r *Registry) watchTree(watcher *fsnotify.Watcher, root string) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := watcher.Add(path); err != nil {
				r.logger.Warn("cannot watch directory", "path", path, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Debug("discovery directory not watched", "path", root, "error", err)
	}
}

// Package watch turns fsnotify events under the corpus root into coalesced
// per-path change notifications for the reconciler. Bursts on the same path
// within the coalescing window collapse into one notification; new
// subdirectories are picked up as they appear (fsnotify itself is not
// recursive).
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/fsnotify/fsnotify"

	"github.com/orgmap/orgmap/pkg/log"
	"github.com/orgmap/orgmap/pkg/reconcile"
)

// CoalesceWindow is how long a path must stay quiet before its change is
// reported.
const CoalesceWindow = 150 * time.Millisecond

const tickInterval = 50 * time.Millisecond

// Watcher watches one corpus root.
type Watcher struct {
	root   string
	notify func(path string)
	logger *slog.Logger
}

// New builds a watcher that calls notify for every settled change.
func New(root string, notify func(path string), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Watcher{root: root, notify: notify, logger: logger}
}

// Run watches until ctx is cancelled. The watcher never stops on event
// errors; they are logged and watching continues.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close() //nolint:errcheck

	if err := w.addRecursive(fsw, w.root); err != nil {
		return err
	}

	pending := map[string]time.Time{}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			now := time.Now()
			for path, since := range pending {
				if now.Sub(since) >= CoalesceWindow {
					delete(pending, path)
					w.notify(path)
				}
			}

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if err := w.addRecursive(fsw, event.Name); err != nil {
						w.logger.Warn("watch new directory failed", "path", event.Name, "err", err)
					}
					continue
				}
			}
			if !reconcile.IsOutlineFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				pending[event.Name] = time.Now()
			}

		case watchErr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "err", watchErr)
		}
	}
}

func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}


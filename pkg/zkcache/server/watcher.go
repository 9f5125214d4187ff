package server

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jamesainslie/zkcache/pkg/zkcache/logging"
)

// rebuildDebounce coalesces bursts of filesystem events (an artifact being
// copied in arrives as many writes) into a single manifest rebuild.
const rebuildDebounce = 500 * time.Millisecond

// Watcher watches the artifact directory and triggers manifest rebuilds when
// its contents change.
type Watcher struct {
	server  *Server
	watcher *fsnotify.Watcher
	log     *logging.Logger
}

// NewWatcher creates a Watcher for the server's artifact directory.
func NewWatcher(s *Server) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		server:  s,
		watcher: fsw,
		log:     logging.Get("server"),
	}

	if err := w.addRecursive(s.Dir()); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// addRecursive adds watches for root and every subdirectory. Symlinks are not
// followed.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // Skip entries with errors
		}
		if !d.IsDir() {
			return nil
		}
		if info, err := os.Lstat(path); err != nil || info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			w.log.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// Run processes filesystem events until ctx is cancelled, rebuilding the
// manifest after changes settle.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var timer *time.Timer
	var rebuild <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Create) {
				// New subdirectories need their own watches.
				if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						w.log.Warn("failed to watch new directory", "path", event.Name, "error", err)
					}
				}
			}
			w.log.Debug("artifact change", "op", event.Op.String(), "path", event.Name)

			if timer == nil {
				timer = time.NewTimer(rebuildDebounce)
				rebuild = timer.C
			} else {
				timer.Reset(rebuildDebounce)
			}

		case <-rebuild:
			timer = nil
			rebuild = nil
			if err := w.server.Rebuild(); err != nil {
				// Mid-copy reads fail; the next event retries.
				w.log.Warn("manifest rebuild failed", "error", err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}

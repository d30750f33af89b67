package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"offload/internal/logging"
)

const watchDebounce = 100 * time.Millisecond

// MountWatcher wakes the monitor when entries appear or vanish under the
// mount roots. Direct children of each root are watched too, which covers
// per-user layouts such as /media/<user>/<label>.
type MountWatcher struct {
	roots  []string
	logger *slog.Logger
}

// NewMountWatcher returns a wake source over roots.
func NewMountWatcher(roots []string, logger *slog.Logger) *MountWatcher {
	return &MountWatcher{roots: roots, logger: logging.NewComponentLogger(logger, "mount-watch")}
}

// Name identifies the source in logs.
func (w *MountWatcher) Name() string { return "fsnotify" }

// Run watches until ctx is done.
func (w *MountWatcher) Run(ctx context.Context, wake func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	watched := 0
	for _, root := range w.roots {
		if !isDir(root) {
			continue
		}
		if err := watcher.Add(root); err != nil {
			w.logger.Debug("cannot watch mount root", logging.String("path", root), logging.Error(err))
			continue
		}
		watched++
		entries, _ := os.ReadDir(root)
		for _, entry := range entries {
			if entry.IsDir() {
				if err := watcher.Add(filepath.Join(root, entry.Name())); err == nil {
					watched++
				}
			}
		}
	}
	if watched == 0 {
		return errors.New("no mount roots could be watched")
	}
	w.logger.Debug("watching mount roots", logging.Int("paths", watched))

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) && isDir(event.Name) && w.underRoot(event.Name) {
				_ = watcher.Add(event.Name)
			}
			debounce.Reset(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Debug("fsnotify error", logging.Error(err))
		case <-debounce.C:
			wake()
		}
	}
}

// underRoot reports whether path is a direct child of a root.
func (w *MountWatcher) underRoot(path string) bool {
	parent := filepath.Dir(filepath.Clean(path))
	for _, root := range w.roots {
		if filepath.Clean(root) == parent {
			return true
		}
	}
	return false
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lsm/target-api/internal/auth"
)

// Watcher reports credentials written into the config file by other
// processes sharing it.
type Watcher struct {
	path     string
	logger   *slog.Logger
	clock    func() time.Time
	onChange func(auth.Credential)
}

// NewWatcher creates a watcher for path; onChange receives every credential
// read after a change.
func NewWatcher(path string, onChange func(auth.Credential), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, logger: logger, clock: time.Now, onChange: onChange}
}

// Watch blocks until ctx is done. The directory is watched so that files
// replaced by rename are still seen.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)
	w.logger.Debug("watching config file", "path", target)

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
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cred, found, err := ReadCredential(w.path, w.clock())
			if err != nil {
				w.logger.Warn("failed to read credential after config change", "error", err)
				continue
			}
			if found {
				w.onChange(cred)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

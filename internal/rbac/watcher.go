package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDelay = 250 * time.Millisecond

// Reloader is satisfied by *Registry.
type Reloader interface {
	Reload(ctx context.Context) (Snapshot, error)
}

// Watcher reloads the registry when the policy file changes on disk. Bursts
// of events within Delay collapse into one reload.
type Watcher struct {
	Path     string
	Registry Reloader
	Logger   *slog.Logger
	Delay    time.Duration
}

// Run watches the policy file's directory until ctx is cancelled. Watching
// the directory rather than the file survives editors and config managers
// that replace the file by rename.
func (w *Watcher) Run(ctx context.Context) error {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := w.Delay
	if delay <= 0 {
		delay = defaultWatchDelay
	}
	target, err := filepath.Abs(w.Path)
	if err != nil {
		return fmt.Errorf("rbac: watch path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rbac: new watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("rbac: watch %s: %w", filepath.Dir(target), err)
	}
	logger.Info("watching rbac policy", slog.String("path", target))

	timer := time.NewTimer(delay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(delay)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("rbac policy watcher", slog.Any("error", err))
		case <-timer.C:
			if _, err := w.Registry.Reload(ctx); err != nil {
				logger.Warn("rbac policy change rejected", slog.Any("error", err))
			}
		}
	}
}

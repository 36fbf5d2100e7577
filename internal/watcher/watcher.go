// Package watcher triggers configuration reloads when the defaults file
// changes on disk.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadHandler is called when the watched file changes.
type ReloadHandler func() error

// Watcher watches a single configuration file and invokes the reload
// handler on change, debounced to absorb editor write bursts.
//
// The parent directory is watched rather than the file itself, so renames
// and atomic replace-on-save still produce events.
type Watcher struct {
	path     string
	handler  ReloadHandler
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu         sync.Mutex
	lastReload time.Time
}

// Config holds watcher configuration.
type Config struct {
	Path     string
	Handler  ReloadHandler
	Logger   *slog.Logger
	Debounce time.Duration
}

// New creates a file watcher for the defaults file.
func New(cfg Config) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("watch path is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("reload handler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = time.Second
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to resolve watch path: %w", err)
	}

	return &Watcher{
		path:     absPath,
		handler:  cfg.Handler,
		logger:   cfg.Logger.With("component", "watcher"),
		watcher:  fsWatcher,
		debounce: cfg.Debounce,
	}, nil
}

// Start begins watching. The watch covers the parent directory so the file
// may not exist yet when Start is called.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.logger.Info("Watching configuration file",
		"path", w.path,
		"debounce", w.debounce,
	)

	go w.watchLoop(ctx)
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Configuration watcher stopped")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.handleChange(event)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Configuration watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleChange(event fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if time.Since(w.lastReload) < w.debounce {
		w.logger.Debug("Change debounced", "event", event.Op.String())
		return
	}

	w.logger.Info("Configuration file changed, reloading",
		"path", event.Name,
		"event", event.Op.String(),
	)

	if err := w.handler(); err != nil {
		// lastReload stays put so the next event can retry.
		w.logger.Error("Configuration reload failed", "error", err)
		return
	}

	w.lastReload = time.Now()
	w.logger.Info("Configuration reloaded")
}

// Stop closes the underlying watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

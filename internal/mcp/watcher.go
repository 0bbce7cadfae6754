package mcp

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the tool-server pool when the config file changes on
// disk. Editors write through renames, so the parent directory is watched
// and events are filtered by name; rapid bursts are debounced.
type Watcher struct {
	path     string
	logger   *slog.Logger
	reload   func(ctx context.Context) error
	debounce time.Duration

	fs   *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher builds a watcher over the config file at path. reload is
// called after each settled change.
func NewWatcher(path string, logger *slog.Logger, reload func(ctx context.Context) error) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(filepath.Dir(path)); err != nil {
		fs.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		logger:   logger.With("component", "tool_config_watcher"),
		reload:   reload,
		debounce: 500 * time.Millisecond,
		fs:       fs,
		done:     make(chan struct{}),
	}, nil
}

// Start runs the watch loop until ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Close stops the watch loop.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fs.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	var timer *time.Timer
	var pending <-chan time.Time

	base := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			w.logger.Info("tool server config changed, reloading")
			if err := w.reload(ctx); err != nil {
				w.logger.Error("tool server reload failed", "error", err)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

// Package watch provides debounced single-file watchers used to pick
// up edits to config, identity, skills, and schedule files while the
// assistant is running.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher watches one file for changes and invokes a callback after a
// debounce window. The parent directory is watched so editors that
// rename-over the file still trigger.
type Watcher struct {
	path     string
	onChange func()
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	fw      *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides the 500 ms default.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l.With("component", "watch") }
}

// File builds a watcher for path. Nothing happens until Start.
func File(path string, onChange func(), opts ...Option) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		logger:   slog.Default().With("component", "watch"),
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. A failure to establish the watch is logged
// and the watcher degrades to a no-op: a missing inotify backend never
// takes the assistant down.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("file watching unavailable", "path", w.path, "error", err)
		return
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("file watching unavailable", "path", w.path, "error", err)
		fw.Close()
		return
	}
	w.fw = fw

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(watchCtx, fw)
	w.logger.Debug("watching file", "path", w.path)
}

// Close stops the watcher. Safe on a degraded or never-started
// watcher.
func (w *Watcher) Close() {
	w.mu.Lock()
	fw := w.fw
	cancel := w.cancel
	w.fw = nil
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if fw != nil {
		fw.Close()
	}
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer w.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	fire := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			if ctx.Err() != nil {
				return
			}
			w.logger.Debug("file changed", "path", w.path)
			w.onChange()
		})
	}

	base := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				fire()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watch error", "path", w.path, "error", err)
		}
	}
}

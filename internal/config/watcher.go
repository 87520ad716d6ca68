package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounce = 500 * time.Millisecond

// Watcher reloads the configuration whenever the file changes on disk.
type Watcher struct {
	path     string
	lookup   func(string) (string, bool)
	onReload func(*Config, error)
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
	done     chan struct{}

	mu      sync.RWMutex
	current *Config
	timer   *time.Timer
	closed  bool

	reloads atomic.Uint32
}

// NewWatcher loads the initial configuration and starts watching path.
// onReload receives every reload result, including failures; on failure the
// previous snapshot stays current.
func NewWatcher(path string, lookup func(string) (string, bool), logger *slog.Logger, onReload func(*Config, error)) (*Watcher, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if onReload == nil {
		onReload = func(*Config, error) {}
	}

	cfg, err := Load(path, lookup)
	if err != nil {
		return nil, fmt.Errorf("config: failed to load initial config: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: failed to create file watcher: %w", err)
	}

	// Editors often replace the file instead of writing it, so watch the
	// directory and filter on the name.
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config: failed to watch %s: %w", path, err)
	}

	w := &Watcher{
		path:     abs,
		lookup:   lookup,
		onReload: onReload,
		logger:   logger.With("component", "config"),
		fsw:      fsw,
		done:     make(chan struct{}),
		current:  cfg,
	}
	go w.watch()

	return w, nil
}

func (w *Watcher) watch() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.schedule()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounce, w.reload)
}

func (w *Watcher) reload() {
	w.mu.RLock()
	closed := w.closed
	w.mu.RUnlock()
	if closed {
		return
	}

	count := w.reloads.Add(1)
	w.logger.Info("Reloading config file", "path", w.path, "count", count)

	cfg, err := Load(w.path, w.lookup)
	if err != nil {
		w.logger.Error("Failed to reload config", "error", err)
		w.onReload(nil, err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info("Config reloaded successfully", "count", count)
	w.onReload(cfg, nil)
}

// Snapshot returns the last successfully loaded configuration.
func (w *Watcher) Snapshot() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.current
}

// ReloadCount returns the number of reload attempts so far.
func (w *Watcher) ReloadCount() uint32 {
	return w.reloads.Load()
}

// Close stops watching. A reload already in progress may still complete.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	err := w.fsw.Close()
	<-w.done

	return err
}

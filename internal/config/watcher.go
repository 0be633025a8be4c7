package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// debounceInterval coalesces the burst of write events most
	// editors emit into a single reload.
	debounceInterval = 500 * time.Millisecond

	// rewatchDelay is how long to wait after a remove or rename
	// before trying to watch the path again.
	rewatchDelay = time.Second
)

// ChangeCallback observes a configuration swap. Callbacks run on their
// own goroutines; a slow or panicking callback never blocks the watch
// loop.
type ChangeCallback func(old, next *Config)

// Watcher reloads the config file when it changes on disk. The only
// setting it applies to a running server is the log level, through the
// slog.LevelVar bound with BindLogLevel; every other changed field is
// logged as requiring a restart. Registered callbacks see every swap
// regardless.
type Watcher struct {
	path  string
	level *slog.LevelVar

	config   *Config
	configMu sync.RWMutex

	callbacks   []ChangeCallback
	callbacksMu sync.RWMutex

	fsWatcher *fsnotify.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher loads the file at path and prepares a watcher for it. The
// initial load must succeed; a server should not start on a config it
// cannot read.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:      path,
		config:    cfg,
		fsWatcher: fsWatcher,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// BindLogLevel attaches the level the watcher adjusts when log_level
// changes on disk. Call before Start.
func (w *Watcher) BindLogLevel(level *slog.LevelVar) {
	w.level = level
}

// Config returns the current snapshot. The returned value is replaced,
// never mutated, on reload.
func (w *Watcher) Config() *Config {
	w.configMu.RLock()
	defer w.configMu.RUnlock()
	return w.config
}

// OnChange registers a callback for configuration swaps.
func (w *Watcher) OnChange(callback ChangeCallback) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching the file.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(w.path); err != nil {
		return fmt.Errorf("watch config file: %w", err)
	}

	w.wg.Add(1)
	go w.watchLoop()
	return nil
}

// Stop halts the watch loop and releases the file watcher.
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

// Reload forces a synchronous reload outside the watch loop.
func (w *Watcher) Reload() error {
	return w.reload()
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	var debounce *time.Timer
	for {
		select {
		case <-w.ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			switch {
			case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceInterval, func() {
					if err := w.reload(); err != nil {
						slog.Error("config reload failed",
							"path", w.path,
							"error", err,
						)
					}
				})

			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				slog.Warn("config file removed or renamed", "path", w.path)
				// Editors often replace the file by rename; the
				// recreated file needs a fresh watch.
				time.AfterFunc(rewatchDelay, w.rewatch)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) rewatch() {
	if w.ctx.Err() != nil {
		return
	}
	if err := w.fsWatcher.Add(w.path); err != nil {
		slog.Warn("could not re-watch config file",
			"path", w.path,
			"error", err,
		)
		return
	}
	if err := w.reload(); err != nil {
		slog.Error("config reload failed", "path", w.path, "error", err)
	}
}

func (w *Watcher) reload() error {
	next, err := Load(w.path)
	if err != nil {
		return err
	}

	w.configMu.Lock()
	old := w.config
	if *old == *next {
		w.configMu.Unlock()
		return nil
	}
	w.config = next
	w.configMu.Unlock()

	w.applyHot(old, next)
	w.notify(old, next)
	slog.Info("configuration reloaded", "path", w.path)
	return nil
}

// applyHot adjusts what a running server can absorb and names the rest.
func (w *Watcher) applyHot(old, next *Config) {
	if old.LogLevel != next.LogLevel && w.level != nil {
		// Load already validated the level.
		if level, err := ParseLevel(next.LogLevel); err == nil {
			w.level.Set(level)
			slog.Info("log level changed", "level", next.LogLevel)
		}
	}
	if fields := restartFields(old, next); len(fields) > 0 {
		slog.Warn("configuration changes need a restart to take effect",
			"fields", fields,
		)
	}
}

func (w *Watcher) notify(old, next *Config) {
	w.callbacksMu.RLock()
	callbacks := make([]ChangeCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.callbacksMu.RUnlock()

	for _, callback := range callbacks {
		go func(cb ChangeCallback) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("config change callback panicked", "panic", r)
				}
			}()
			cb(old, next)
		}(callback)
	}
}

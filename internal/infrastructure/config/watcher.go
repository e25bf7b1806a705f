package config

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the config file. It listens for fsnotify events and
// keeps a slow mtime poll as a fallback for filesystems that do not deliver
// events (network mounts, some containers). Only routing tables and
// compatibility profiles are expected to consume reloaded snapshots; the
// listener address is fixed for the process lifetime.
type Watcher struct {
	path     string
	mu       sync.RWMutex
	config   *Config
	lastMod  time.Time
	interval time.Duration
	stopCh   chan struct{}
	onChange func(*Config)
	logger   *zap.Logger
}

// NewWatcher creates a watcher seeded with the given config.
func NewWatcher(path string, initial *Config, onChange func(*Config), logger *zap.Logger) *Watcher {
	w := &Watcher{
		path:     path,
		config:   initial,
		interval: 10 * time.Second,
		stopCh:   make(chan struct{}),
		onChange: onChange,
		logger:   logger.With(zap.String("component", "config-watcher")),
	}
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
	}
	return w
}

// Config returns the current snapshot (thread-safe).
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Start blocks until Stop is called.
func (w *Watcher) Start() {
	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		defer fsw.Close()
		if err := fsw.Add(w.path); err != nil {
			w.logger.Warn("fsnotify add failed, falling back to polling",
				zap.String("path", w.path), zap.Error(err))
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	if fsw != nil {
		events = fsw.Events
	}

	w.logger.Info("Config watcher started", zap.String("path", w.path))

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("Config watcher stopped")
			return
		case ev := <-events:
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.maybeReload()
			}
		case <-ticker.C:
			w.maybeReload()
		}
	}
}

// Stop terminates the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
}

func (w *Watcher) maybeReload() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	w.mu.RLock()
	unchanged := !info.ModTime().After(w.lastMod)
	w.mu.RUnlock()
	if unchanged {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("Config reload failed, keeping previous snapshot",
			zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	w.config = cfg
	w.lastMod = info.ModTime()
	w.mu.Unlock()

	w.logger.Info("Config reloaded", zap.String("path", w.path))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

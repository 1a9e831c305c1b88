package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/moikas-code/kuuzuki/internal/bus"
)

// EventUpdated is published after the watcher reloads the config file.
type EventUpdated struct {
	Path string `json:"path"`
}

// EventType implements bus.Event.
func (EventUpdated) EventType() string { return "config.updated" }

const watchDebounce = 250 * time.Millisecond

// Watcher reloads the config file on change and swaps the live snapshot.
// Editors write config files with temp-and-rename, so the watcher tracks
// the parent directory and debounces bursts.
type Watcher struct {
	path   string
	bus    *bus.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	current *Config

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// Watch starts watching path. The initial config must already be loaded;
// it becomes the first snapshot.
func Watch(path string, initial *Config, b *bus.Bus, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:    path,
		bus:     b,
		logger:  logger.With("component", "config"),
		current: initial,
		fsw:     fsw,
		done:    make(chan struct{}),
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	go w.loop()
	return w, nil
}

// Current returns the live config snapshot.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path, w.logger)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous", "path", w.path, "error", err)
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	w.logger.Info("config reloaded", "path", w.path)
	if w.bus != nil {
		w.bus.Publish(context.Background(), EventUpdated{Path: w.path})
	}
}

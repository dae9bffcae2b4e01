package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces the event bursts editors produce when saving.
const debounceDelay = 250 * time.Millisecond

// Watcher re-reads the config file when it changes on disk and overlays the
// runtime-safe fields onto the live config. Everything else still needs a
// restart. The parent directory is watched, not the file, because most
// editors save by rename.
type Watcher struct {
	path string
	cfg  *Config
	fw   *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher builds a watcher for path, applying changes onto cfg.
func NewWatcher(path string, cfg *Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path: path,
		cfg:  cfg,
		fw:   fw,
		done: make(chan struct{}),
	}, nil
}

// Start launches the watch goroutine. Pair with Close.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
	slog.Debug("config watcher started", "path", w.path)
}

// Close stops watching and waits for the goroutine to exit.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fw.Close()
	w.wg.Wait()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()
	base := filepath.Base(w.path)

	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil {
		w.timer = time.AfterFunc(debounceDelay, w.reload)
		return
	}
	w.timer.Reset(debounceDelay)
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		slog.Warn("config reload failed, keeping previous", "path", w.path, "error", err)
		return
	}
	w.cfg.ApplyRuntime(next)
	slog.Info("config reloaded",
		"path", w.path,
		"forwarding", w.cfg.ForwardingEnabled(),
		"owners", len(next.Discord.OwnerIDs),
		"reports", len(next.Reports),
	)
}

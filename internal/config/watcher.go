package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/transit/internal/logging"
)

// Watcher hot-reloads the YAML config file. Callbacks receive the freshly
// parsed Config; only the tunable sections (simulation pace, intel knobs,
// planner limits) take effect without a restart, the structural sections
// (store driver, listen addrs) are read once at boot.
//
// Editors tend to write a file several times per save, so reloads are
// coalesced behind a short quiet window.
type Watcher struct {
	path   string
	loader *Loader
	fsw    *fsnotify.Watcher
	quiet  time.Duration

	mu      sync.RWMutex
	current *Config
	onHot   []func(*Config)
}

// NewWatcher loads the file once and prepares the fs watch. Start arms it.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:   path,
		loader: NewLoader(),
		fsw:    fsw,
		quiet:  500 * time.Millisecond,
	}
	cfg, err := w.loader.Load(path)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	w.current = cfg
	return w, nil
}

// OnChange registers a hot-reload callback. Register before Start.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	w.onHot = append(w.onHot, fn)
	w.mu.Unlock()
}

// Start watches the file's directory; watching the file itself breaks on
// editors that replace it via rename.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	reload := time.NewTimer(w.quiet)
	if !reload.Stop() {
		<-reload.C
	}

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			// Each event pushes the reload out to the end of the quiet
			// window; only the last write in a burst triggers a parse.
			if !reload.Stop() {
				select {
				case <-reload.C:
				default:
				}
			}
			reload.Reset(w.quiet)

		case <-reload.C:
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Error("config watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		// Keep serving the last good config; a half-written or invalid
		// file must never take the tunables down with it.
		logging.Error("config reload rejected", zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	w.current = cfg
	fns := append([]func(*Config){}, w.onHot...)
	w.mu.Unlock()

	logging.Info("config reloaded", zap.String("path", w.path))
	for _, fn := range fns {
		go fn(cfg)
	}
}

// Current returns the last successfully loaded config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Stop ends the watch. Pending callbacks may still run.
func (w *Watcher) Stop() error {
	return w.fsw.Close()
}

// SetQuietWindow overrides the reload coalescing window; tests shrink it.
func (w *Watcher) SetQuietWindow(d time.Duration) {
	w.quiet = d
}

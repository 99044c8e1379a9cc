package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/shmros/shmros/logging"
)

// Watcher reloads a YAML Config file when it changes on disk and calls back
// with the freshly validated result. It mirrors the reload-on-write pattern
// the framework's configwatcher module exists to provide, scoped here to the
// node's own capacity/naming file instead of a generic module section.
type Watcher struct {
	path   string
	onLoad func(*Config)
	logger logging.Logger

	fsw    *fsnotify.Watcher
	mu     sync.Mutex
	closed bool
}

// NewWatcher starts watching path's containing directory (editors typically
// replace files via rename-into-place, which a direct file watch would miss)
// and invokes onLoad with the current reload whenever path itself changes.
func NewWatcher(path string, logger logging.Logger, onLoad func(*Config)) (*Watcher, error) {
	if logger == nil {
		logger = logging.NewNoop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, onLoad: onLoad, logger: logger, fsw: fsw}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	target := filepath.Clean(w.path)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadYAML(w.path)
			if err != nil {
				w.logger.Warn("config reload failed", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("config reloaded", "path", w.path)
			w.onLoad(cfg)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.fsw.Close()
}

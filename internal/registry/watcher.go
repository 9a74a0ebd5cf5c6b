package registry

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadEvent reports the outcome of one config reload.
type ReloadEvent struct {
	Timestamp time.Time
	Path      string
	Error     error
}

// Watcher hot-reloads custom_agents.json when the file changes. Events
// are debounced so editors that write-then-rename trigger one reload.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	loader   *Loader
	logger   *zap.Logger
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	events   chan ReloadEvent
	stop     chan struct{}
	watching bool
}

// NewWatcher creates a watcher for one config file path.
func NewWatcher(path string, loader *Loader, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fw,
		path:     path,
		loader:   loader,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		events:   make(chan ReloadEvent, 10),
		stop:     make(chan struct{}),
	}, nil
}

// SetDebounce adjusts the reload debounce window.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Watch starts observing the config file's directory. Watching the
// directory rather than the file survives rename-based saves.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
		return err
	}
	w.logger.Info("watching custom agents file", zap.String("path", w.path))
	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	err := w.loader.LoadFile(w.path)
	if err != nil {
		w.logger.Error("custom agents reload failed",
			zap.String("path", w.path),
			zap.Error(err),
		)
	} else {
		w.logger.Info("custom agents reloaded", zap.String("path", w.path))
	}
	select {
	case w.events <- ReloadEvent{Timestamp: time.Now(), Path: w.path, Error: err}:
	default:
	}
}

// Events returns the reload outcome channel.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Stop halts the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.watching {
		return nil
	}
	close(w.stop)
	if w.timer != nil {
		w.timer.Stop()
	}
	return w.watcher.Close()
}

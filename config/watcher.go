package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for debouncing file system events.
const DebounceDelay = 100 * time.Millisecond

// ChangeFunc receives the reloaded workspace, or the error that prevented
// reloading it. It is called from a timer goroutine and must not call Close.
type ChangeFunc func(ws *Workspace, err error)

// Watcher reloads the workspace file whenever it changes on disk.
//
// The directory is watched rather than the file, so editors and atomic
// saves that replace the file are seen too.
type Watcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	onChange ChangeFunc
	logger   *slog.Logger

	debounceMu    sync.Mutex
	debounceDelay time.Duration
	debounceTimer *time.Timer
	closed        bool

	// reloadMu is held while a change is being reported.
	reloadMu sync.Mutex

	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewWatcher creates a watcher for the workspace file in dir.
// Call Start to begin watching and Close when done. logger may be nil.
func NewWatcher(dir string, onChange ChangeFunc, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace directory %s: %w", dir, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(abs); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", abs, err)
	}
	return &Watcher{
		dir:           abs,
		watcher:       fw,
		onChange:      onChange,
		logger:        logger,
		debounceDelay: DebounceDelay,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// SetDebounceDelay sets the delay used to batch rapid changes.
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	w.debounceDelay = d
}

// Start begins the event processing loop.
func (w *Watcher) Start() {
	go w.eventLoop()
}

// Close stops the watcher. It waits for a change being reported, and no
// change is reported after Close returns.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		w.debounceMu.Lock()
		w.closed = true
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
		}
		w.debounceMu.Unlock()

		w.reloadMu.Lock()
		//nolint:staticcheck // empty critical section waits for an in-flight reload
		w.reloadMu.Unlock()

		close(w.done)
		err = w.watcher.Close()
		<-w.stopped
	})
	return err
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("Workspace watcher error", "error", err)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != WorkspaceFileName {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return
	}
	if w.logger != nil {
		w.logger.Debug("Workspace file changed", "path", event.Name, "op", event.Op.String())
	}

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.closed {
		return
	}
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	w.debounceMu.Lock()
	closed := w.closed
	w.debounceTimer = nil
	w.debounceMu.Unlock()
	if closed {
		return
	}

	ws, err := Load(w.dir)
	if err != nil && w.logger != nil {
		w.logger.Warn("Failed to reload workspace", "error", err)
	}
	w.onChange(ws, err)
}

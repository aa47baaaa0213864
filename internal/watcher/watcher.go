// internal/watcher/watcher.go
package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a directory tree and reports activity through a single
// debounced callback. Used by the session manager to keep a session's
// last-activity timestamp fresh while tools write into the worktree.
type Watcher struct {
	root     string
	debounce time.Duration
	callback func()

	watcher *fsnotify.Watcher
	done    chan struct{}

	mu      sync.Mutex
	timer   *time.Timer
	started bool
	closed  bool
}

// New creates a Watcher rooted at root. Subdirectories are watched too;
// fsnotify itself is not recursive, so directories are added as they appear.
func New(root string, debounce time.Duration, callback func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:     root,
		debounce: debounce,
		callback: callback,
		watcher:  fsw,
		done:     make(chan struct{}),
	}

	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Start starts delivering activity callbacks.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("watcher is closed")
	}
	if w.started {
		return fmt.Errorf("watcher already started")
	}
	w.started = true

	go w.loop()
	return nil
}

// Close stops watching and cancels any pending callback.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.started {
		close(w.done)
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	return w.watcher.Close()
}

// addTree registers root and every subdirectory, skipping .git internals.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Errors are not fatal to activity tracking; keep watching.

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if strings.Contains(event.Name, string(filepath.Separator)+".git") {
		return
	}

	// New directories get watched so activity deep in the tree still counts.
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addTree(event.Name)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.callback)
}

// Package watcher hot-reloads the demo responder's rules file, grounded on
// the teacher tqserver's pkg/watcher/filewatcher.go: the same
// fsnotify-plus-debounce shape, narrowed from a whole workers tree to one
// directory since there is no worker binary to rebuild here - just a rules
// file to re-read.
package watcher

import (
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeHandler is invoked, debounced, after a watched file settles.
type ChangeHandler func(path string)

// RulesWatcher watches a directory for changes to its files and calls a
// handler once writes to a given path have settled for debounce.
type RulesWatcher struct {
	watcher  *fsnotify.Watcher
	handler  ChangeHandler
	debounce time.Duration
	stopChan chan struct{}

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a RulesWatcher over dir. Start must be called to begin
// watching.
func New(dir string, debounce time.Duration, handler ChangeHandler) (*RulesWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	return &RulesWatcher{
		watcher:  w,
		handler:  handler,
		debounce: debounce,
		stopChan: make(chan struct{}),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Start launches the watch loop in its own goroutine.
func (w *RulesWatcher) Start() {
	go w.loop()
	log.Println("fcgid: rules watcher started")
}

// Stop terminates the watch loop and releases the underlying fsnotify
// watcher.
func (w *RulesWatcher) Stop() {
	close(w.stopChan)
	w.watcher.Close()
}

func (w *RulesWatcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("fcgid: rules watcher error: %v", err)
		case <-w.stopChan:
			return
		}
	}
}

func (w *RulesWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Write == 0 && event.Op&fsnotify.Create == 0 {
		return
	}
	if strings.Contains(filepath.Base(event.Name), ".") && strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if t, exists := w.timers[event.Name]; exists {
		t.Stop()
	}
	w.timers[event.Name] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, event.Name)
		w.mu.Unlock()
		if w.handler != nil {
			w.handler(event.Name)
		}
	})
}

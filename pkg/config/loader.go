package config

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Loader watches a config file and exposes the latest validated Document as
// an atomically-swapped snapshot. Reload never cancels in-flight
// orchestrations — callers that already read a *Document keep using it;
// only calls to Current() made after a reload observe the new one.
type Loader struct {
	path    string
	current atomic.Pointer[Document]
	watcher *fsnotify.Watcher
	onErr   func(error)
}

// NewLoader performs the initial load and returns a Loader ready to Watch.
func NewLoader(path string) (*Loader, error) {
	doc, err := Load(path)
	if err != nil {
		return nil, err
	}
	l := &Loader{path: path, onErr: func(err error) { slog.Error("config reload failed", "error", err) }}
	l.current.Store(doc)
	return l, nil
}

// Current returns the active config snapshot. The returned *Document is
// never mutated after being published — callers may hold onto it for the
// duration of one orchestration call without risk of seeing a torn read.
func (l *Loader) Current() *Document {
	return l.current.Load()
}

// Watch starts an fsnotify watch on the config file itself and
// reloads on write events. It returns a stop function the caller must
// invoke on shutdown.
func (l *Loader) Watch() (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(l.path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %q: %w", l.path, err)
	}
	l.watcher = watcher

	done := make(chan struct{})
	go l.watchLoop(watcher, done)

	return func() {
		watcher.Close()
		<-done
	}, nil
}

func (l *Loader) watchLoop(watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	var debounce *time.Timer
	reload := func() {
		doc, err := Load(l.path)
		if err != nil {
			l.onErr(err)
			return
		}
		l.current.Store(doc)
		slog.Info("config reloaded", "path", l.path, "experts", len(doc.Experts))
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Debounce rapid successive writes (editors often emit several).
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, reload)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.onErr(watchErr)
		}
	}
}

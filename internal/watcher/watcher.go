// Package watcher reloads the account pool when the accounts file changes on
// disk, so accounts added from the CLI reach a running server.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"igcrawler/pkg/logger"
)

// Reloader re-reads its backing file
type Reloader interface {
	Reload() error
}

// Watcher watches one file. The parent directory is watched because the
// file is replaced by rename on every save.
type Watcher struct {
	path     string
	target   Reloader
	debounce time.Duration
	logger   logger.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	reloads int
}

// New creates a watcher for path. Bursts of events within debounce collapse
// into one reload.
func New(path string, target Reloader, debounce time.Duration, log logger.Logger) *Watcher {
	if log == nil {
		log = logger.GetLogger()
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &Watcher{
		path:     abs,
		target:   target,
		debounce: debounce,
		logger:   log.WithField("component", "account_watcher"),
	}
}

// Start begins watching. It returns once the watch is registered.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.watcher = fw
	w.done = make(chan struct{})
	go w.run(ctx, fw, w.done)

	w.logger.WithField("file", w.path).Info("Watching accounts file")
	return nil
}

// Stop ends the watch and waits for the event loop to exit
func (w *Watcher) Stop() {
	w.mu.Lock()
	fw, done := w.watcher, w.done
	w.watcher = nil
	w.mu.Unlock()

	if fw == nil {
		return
	}
	fw.Close()
	<-done
}

// Reloads returns how many reloads ran
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("File watcher error")

		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	if err := w.target.Reload(); err != nil {
		w.logger.WithError(err).Warn("Failed to reload accounts")
		return
	}
	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	w.logger.Debug("Accounts reloaded")
}

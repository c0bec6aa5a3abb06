package autostart

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/mobu/internal/logging"
)

// debounce collapses the burst of events editors produce for one save.
const debounce = 100 * time.Millisecond

// Watcher re-applies the autostart file whenever it changes.
type Watcher struct {
	path    string
	applier *Applier
	logger  *logging.Logger
	watcher *fsnotify.Watcher

	// OnApply, if set, is called after every reload with its result.
	OnApply func(error)

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewWatcher watches path. The containing directory is watched rather than
// the file itself so that the watch survives editors and ConfigMap updates
// that replace the file.
func NewWatcher(path string, applier *Applier, logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &Watcher{
		path:    abs,
		applier: applier,
		logger:  logger,
		watcher: w,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start processes file events in the background until ctx ends or Stop is
// called.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Stop stops watching and waits for an in-flight reload to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
	})
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	timer := time.NewTimer(0)
	<-timer.C
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)
		case <-timer.C:
			w.reload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("autostart watch error", "error", err.Error())
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	configs, err := Load(w.path)
	if err != nil {
		// Keep the running flocks until the file is fixed.
		w.logger.Error("failed to reload autostart file", "path", w.path, "error", err.Error())
	} else {
		w.logger.Info("Reloading autostart file", "path", w.path, "flocks", len(configs))
		err = w.applier.Apply(ctx, configs)
	}
	if w.OnApply != nil {
		w.OnApply(err)
	}
}

package jobdata

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
)

// DefaultDebounce collapses the burst of events an editor produces on save
const DefaultDebounce = 500 * time.Millisecond

// ReloadCallback receives the freshly loaded file
type ReloadCallback func(*File) error

// Watcher reloads a scheduling-data file when it changes.
// The directory is watched rather than the file so that editors which save
// by renaming a temp file over the original are noticed.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	log      *zap.SugaredLogger

	mu            sync.Mutex
	callbacks     []ReloadCallback
	debounceTimer *time.Timer
	started       bool
	stopped       bool
	done          chan struct{}
}

// NewWatcher watches path; debounce <= 0 uses DefaultDebounce
func NewWatcher(path string, debounce time.Duration, log *zap.SugaredLogger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve %s", path)
	}
	if _, err := FormatOf(abs); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "failed to watch scheduling data %s", abs)
	}

	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		path:     abs,
		watcher:  fw,
		debounce: debounce,
		log:      logger.OrNop(log).Named("jobdata.watcher"),
		done:     make(chan struct{}),
	}, nil
}

// OnReload registers a callback run after every successful reload
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true
	go w.watchLoop()
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.log.Debugw("Scheduling data changed", logger.FieldFile, event.Name, "op", event.Op.String())
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warnw("Scheduling data watcher error", logger.FieldError, err)
		}
	}
}

// scheduleReload restarts the debounce timer
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounce, func() {
		if err := w.reload(); err != nil {
			w.log.Errorw("Scheduling data reload failed", logger.FieldFile, w.path, logger.FieldError, err)
		}
	})
}

// reload loads the file and runs every callback, even after one fails
func (w *Watcher) reload() error {
	f, err := Load(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.log.Infow("Scheduling data reloaded", logger.FieldFile, w.path)
	for _, cb := range callbacks {
		if err := cb(f); err != nil {
			w.log.Warnw("Scheduling data reload callback failed", logger.FieldError, err)
		}
	}
	return nil
}

// Stop ends watching; pending reloads are dropped
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	started := w.started
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.mu.Unlock()

	err := w.watcher.Close()
	if started {
		<-w.done
	}
	return err
}

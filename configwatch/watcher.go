// Package configwatch reloads a configuration file when it changes on disk
// and announces the reload as a runtime event.
package configwatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/GoCodeAlone/modhub"
	"github.com/fsnotify/fsnotify"
)

// EventConfigChanged is triggered after a successful reload. Its payload is
// the watched path.
const EventConfigChanged = "config.changed"

// Source is the event source recorded on change events.
const Source = "configwatch"

const defaultDebounce = 250 * time.Millisecond

var (
	ErrEmptyPath       = errors.New("watch path is empty")
	ErrNilReload       = errors.New("reload function is nil")
	ErrAlreadyWatching = errors.New("watcher already started")
)

// ReloadFunc re-reads the configuration at path.
type ReloadFunc func(path string) error

// Trigger is the part of the module context the watcher needs.
type Trigger interface {
	TriggerEvent(ctx context.Context, event *modhub.Event) bool
}

// Watcher watches one file. Editors often replace files instead of writing
// them, so the parent directory is watched and events are filtered by name.
type Watcher struct {
	path     string
	reload   ReloadFunc
	target   Trigger
	logger   modhub.Logger
	debounce time.Duration

	mu      sync.Mutex
	fs      *fsnotify.Watcher
	done    chan struct{}
	reloads uint64
	failed  uint64
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(logger modhub.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDebounce sets how long the file must be quiet before a reload.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// New creates a watcher for path. Nothing is watched until Start.
func New(path string, reload ReloadFunc, target Trigger, opts ...Option) (*Watcher, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	if reload == nil {
		return nil, ErrNilReload
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	w := &Watcher{
		path:     filepath.Clean(abs),
		reload:   reload,
		target:   target,
		logger:   nopLogger{},
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string {
	return w.path
}

// Start begins watching. The watch ends when ctx is cancelled or Stop is
// called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fs != nil {
		return ErrAlreadyWatching
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(w.path)); err != nil {
		_ = fs.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.fs = fs
	w.done = make(chan struct{})
	go w.loop(ctx, fs, w.done)

	w.logger.Info("Watching configuration", "path", w.path, "debounce", w.debounce)
	return nil
}

// Stop ends the watch and waits for the loop to exit. It is safe to call more
// than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	fs, done := w.fs, w.done
	w.fs, w.done = nil, nil
	w.mu.Unlock()

	if fs == nil {
		return nil
	}
	err := fs.Close()
	<-done
	return err
}

// Stats returns how many reloads succeeded and failed.
func (w *Watcher) Stats() (reloads, failed uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads, w.failed
}

func (w *Watcher) loop(ctx context.Context, fs *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = fs.Close()
			return
		case ev, ok := <-fs.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Configuration watch error", "path", w.path, "error", err)
		case <-timer.C:
			w.apply(ctx)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

func (w *Watcher) apply(ctx context.Context) {
	if err := w.reload(w.path); err != nil {
		w.mu.Lock()
		w.failed++
		w.mu.Unlock()
		w.logger.Error("Configuration reload failed", "path", w.path, "error", err)
		return
	}
	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded", "path", w.path)
	if w.target == nil {
		return
	}
	event := modhub.NewEvent(EventConfigChanged, modhub.TransferParams(w.path), modhub.WithEventSource(Source))
	w.target.TriggerEvent(ctx, event)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}

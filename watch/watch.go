// Package watch reports edits to a file so a long-running loop can reload it
// at a point of its choosing. Events are debounced: an editor that writes a
// temp file, renames it and touches it again yields one change.
//
// Typical usage:
//
//	w, _ := watch.New("teamstatus.yaml", watch.Options{Debounce: 500 * time.Millisecond})
//	go w.Run(ctx)
//	...
//	if w.Pending() {
//		reload()
//	}
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Options tunes the watcher behaviour.
type Options struct {
	// Debounce is the quiet period after an event before the change is
	// reported. If more events arrive during the window the timer resets.
	// Default: 250ms.
	Debounce time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Debounce <= 0 {
		o.Debounce = 250 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher watches one file. It is safe for concurrent use.
type Watcher struct {
	path string
	fsw  *fsnotify.Watcher
	opts Options

	pending atomic.Bool
	version atomic.Int64

	events atomic.Int64
	errors atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Events  int64 `json:"events"`
	Changes int64 `json:"changes"`
	Errors  int64 `json:"errors"`
}

// New watches path. The parent directory is watched so that files replaced
// by rename are still seen.
func New(path string, opts Options) (*Watcher, error) {
	opts.defaults()
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch: add %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{path: abs, fsw: fsw, opts: opts}, nil
}

// Close stops the underlying watcher. Run returns afterwards.
func (w *Watcher) Close() error { return w.fsw.Close() }

// Pending reports whether the file changed since the last call, and clears
// the flag.
func (w *Watcher) Pending() bool { return w.pending.Swap(false) }

// Version counts reported changes.
func (w *Watcher) Version() int64 { return w.version.Load() }

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Events:  w.events.Load(),
		Changes: w.version.Load(),
		Errors:  w.errors.Load(),
	}
}

// Run blocks until ctx is cancelled or the watcher is closed, turning file
// events into debounced changes.
func (w *Watcher) Run(ctx context.Context) {
	log := w.opts.Logger.With("path", w.path)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	log.Info("watch: started", "debounce", w.opts.Debounce)
	for {
		select {
		case <-ctx.Done():
			log.Info("watch: stopped")
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op == fsnotify.Chmod {
				continue
			}
			w.events.Add(1)
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.opts.Debounce)
			debounceCh = debounceTimer.C
			log.Debug("watch: event, debouncing", "op", ev.Op.String())

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.errors.Add(1)
			log.Warn("watch: watcher error", "error", err)

		case <-debounceCh:
			debounceCh = nil
			w.version.Add(1)
			w.pending.Store(true)
			log.Info("watch: change detected", "version", w.version.Load())
		}
	}
}

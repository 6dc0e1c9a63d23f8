package watcher

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"hlspoll/work/logger"
)

// Event is the deduplicated outcome of one wait on a file watch.
type Event int

const (
	Change  Event = iota // File content was written in place
	Rename               // File was created, renamed into place, or removed
	Timeout              // The wait deadline elapsed before any event
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case Change:
		return "change"
	case Rename:
		return "rename"
	default:
		return "timeout"
	}
}

// ErrClosed is returned by Next after Close has been called.
var ErrClosed = errors.New("watcher closed")

// Watcher observes one file for modification through its parent directory,
// so that atomic rename-replace (write temp file, rename over target) is
// seen as an event on the target name. Events arriving while no Next call
// is pending are latched and collapsed into one: the next call observes the
// most recent one, except that a latched Rename is kept over a later Change.
type Watcher struct {
	fw     *fsnotify.Watcher
	target string // base name of the watched file

	mu      sync.Mutex
	latched Event
	pending bool
	err     error
	notify  chan struct{} // capacity 1, signalled on latch or failure
	done    chan struct{}
	closed  bool
}

// Create opens a watcher for a file: URL. Non-file schemes return (nil, nil)
// so callers can unconditionally attempt creation.
func Create(u *url.URL) (*Watcher, error) {
	if u == nil || u.Scheme != "file" {
		return nil, nil
	}
	return New(u.Path)
}

// New opens a watcher on the parent directory of path and filters events
// down to the named file.
func New(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		fw:     fw,
		target: filepath.Base(path),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go w.run()

	logger.Debug("{watcher - New} Watching %s in %s", w.target, dir)
	return w, nil
}

// run drains the fsnotify channels, latching relevant events. Multiple events
// between two Next calls collapse into one, with Rename taking precedence
// over Change.
func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				w.fail(ErrClosed)
				return
			}
			if filepath.Base(ev.Name) != w.target {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) || ev.Op.Has(fsnotify.Remove):
				w.latch(Rename)
			case ev.Op.Has(fsnotify.Write):
				w.latch(Change)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				w.fail(ErrClosed)
				return
			}
			logger.Warn("{watcher - run} Watch error for %s: %v", w.target, err)
			w.fail(err)
			return
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) latch(ev Event) {
	w.mu.Lock()
	// Rename outranks Change within one collapse window: an atomic replace
	// usually arrives as Rename+Create+Write on the same name.
	if !w.pending || ev == Rename {
		w.latched = ev
	}
	w.pending = true
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Watcher) fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// take returns the latched event if any, clearing it.
func (w *Watcher) take() (Event, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, false, w.err
	}
	if w.pending {
		w.pending = false
		return w.latched, true, nil
	}
	return 0, false, nil
}

// Next waits for the next file event, the timeout, or context cancellation.
// A timeout of zero waits indefinitely. Events accumulated since the last
// call resolve immediately. After Close, or after the underlying watch has
// failed, every call fails with the same error.
func (w *Watcher) Next(ctx context.Context, timeout time.Duration) (Event, error) {
	if ev, ok, err := w.take(); err != nil {
		return 0, err
	} else if ok {
		return ev, nil
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return 0, context.Cause(ctx)
		case <-deadline:
			return Timeout, nil
		case <-w.done:
			w.mu.Lock()
			err := w.err
			w.mu.Unlock()
			if err == nil {
				err = ErrClosed
			}
			return 0, err
		case <-w.notify:
			if ev, ok, err := w.take(); err != nil {
				return 0, err
			} else if ok {
				return ev, nil
			}
			// Spurious wakeup after a take from the fast path; keep waiting.
		}
	}
}

// Close releases the underlying watch. Pending and subsequent Next calls
// fail with ErrClosed. Close is idempotent.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.err == nil {
		w.err = ErrClosed
	}
	w.mu.Unlock()

	close(w.done)
	w.fw.Close()
	logger.Debug("{watcher - Close} Released watch on %s", w.target)
}

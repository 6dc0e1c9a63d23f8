package client

import (
	"io"
	"sync/atomic"

	"hlspoll/work/logger"
	"hlspoll/work/types"
)

// safeTracker shields the fetch path from a misbehaving DownloadTracker: a
// hook that panics disables the tracker for the remainder of that request,
// and a nil tracker degenerates to no-ops.
type safeTracker struct {
	inner    types.DownloadTracker
	disabled atomic.Bool
}

func wrapTracker(t types.DownloadTracker) *safeTracker {
	return &safeTracker{inner: t}
}

func (s *safeTracker) guard(hook string) func() {
	return func() {
		if r := recover(); r != nil {
			s.disabled.Store(true)
			logger.Warn("{client - tracker} Download tracker panicked in %s, disabling: %v", hook, r)
		}
	}
}

func (s *safeTracker) active() bool {
	return s.inner != nil && !s.disabled.Load()
}

func (s *safeTracker) Start(rawURL string, br *types.ByteRange, blocking bool) any {
	if !s.active() {
		return nil
	}
	defer s.guard("Start")()
	return s.inner.Start(rawURL, br, blocking)
}

func (s *safeTracker) Advance(token any, bytes int64) {
	if !s.active() {
		return
	}
	defer s.guard("Advance")()
	s.inner.Advance(token, bytes)
}

func (s *safeTracker) Finish(token any, err error) {
	if !s.active() {
		return
	}
	defer s.guard("Finish")()
	s.inner.Finish(token, err)
}

// trackedBody forwards reads while reporting delivered byte counts to the
// tracker.
type trackedBody struct {
	rc      io.ReadCloser
	tracker *safeTracker
	token   any
}

func (t *trackedBody) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 {
		t.tracker.Advance(t.token, int64(n))
	}
	return n, err
}

func (t *trackedBody) Close() error {
	return t.rc.Close()
}

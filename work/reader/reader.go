package reader

import (
	"context"
	"io"
	"sync"
	"time"

	"hlspoll/work/fetcher"
	"hlspoll/work/logger"
	"hlspoll/work/metrics"
	"hlspoll/work/playlist"
	"hlspoll/work/types"
)

// Options configures a Reader and the Fetcher it drives.
type Options struct {
	// LowLatency, Head, Extensions, OnProblem and RejectThreshold are passed
	// through to the fetcher unchanged.
	LowLatency      bool
	Head            *types.Head
	Extensions      map[string]bool
	OnProblem       func(error)
	RejectThreshold int

	// MaxStallTime bounds how long one pull may wait for the head to move.
	// When it elapses the whole fetcher is cancelled with a stall timeout.
	// Zero means no bound.
	MaxStallTime time.Duration
}

// Reader exposes a fetcher as a lazy single-consumer stream of snapshots.
// It holds no buffer: nothing is fetched until the consumer calls Next, so
// a consumer that stops pulling stops the engine. The stream ends with
// io.EOF once the playlist is no longer live, or with the fatal error that
// stopped the fetcher.
type Reader struct {
	f        *fetcher.Fetcher
	maxStall time.Duration

	mu      sync.Mutex
	started bool
	ended   bool
	err     error
}

// CreateReader builds a fetcher for rawURL and wraps it in a Reader.
//
// Parameters:
//   - rawURL: absolute playlist URL
//   - cf: content fetcher used for every request
//   - opts: reader and fetcher configuration
//
// Returns:
//   - *Reader: ready for Next
//   - error: when the URL is rejected by the fetcher
func CreateReader(rawURL string, cf types.ContentFetcher, opts Options) (*Reader, error) {
	f, err := fetcher.New(rawURL, cf, fetcher.Options{
		LowLatency:      opts.LowLatency,
		Head:            opts.Head,
		Extensions:      opts.Extensions,
		OnProblem:       opts.OnProblem,
		RejectThreshold: opts.RejectThreshold,
	})
	if err != nil {
		return nil, err
	}
	return New(f, opts.MaxStallTime), nil
}

// New wraps an existing fetcher. maxStall is applied to every update pull.
func New(f *fetcher.Fetcher, maxStall time.Duration) *Reader {
	return &Reader{f: f, maxStall: maxStall}
}

// Fetcher returns the underlying fetcher.
func (r *Reader) Fetcher() *fetcher.Fetcher {
	return r.f
}

// Next pulls the next snapshot: the initial index on the first call, then
// one update per call. It returns io.EOF once the stream has ended cleanly
// and repeats the terminal error on every call after a failure.
func (r *Reader) Next(ctx context.Context) (*playlist.Snapshot, error) {
	r.mu.Lock()
	if r.ended {
		err := r.err
		r.mu.Unlock()
		if err == nil {
			return nil, io.EOF
		}
		return nil, err
	}
	first := !r.started
	r.started = true
	r.mu.Unlock()

	var snap *playlist.Snapshot
	var err error
	if first {
		snap, err = r.f.Index(ctx)
	} else {
		snap, err = r.f.Update(ctx, r.maxStall)
	}
	if err != nil {
		r.finish(err)
		return nil, err
	}

	metrics.SnapshotsDelivered.WithLabelValues(snap.Index.Kind.String()).Inc()
	if !r.f.CanUpdate() {
		logger.Debug("{reader - Next} Stream complete after %s snapshot", snap.Index.Kind)
		r.finish(nil)
	}
	return snap, nil
}

// Close cancels the underlying fetcher and ends the stream. A nil reason
// ends it cleanly with io.EOF; otherwise subsequent pulls repeat reason.
func (r *Reader) Close(reason error) {
	r.finish(reason)
	if reason == nil {
		reason = types.Abortf("reader closed")
	}
	r.f.Cancel(reason)
}

// finish latches the stream's terminal state. The first outcome wins.
func (r *Reader) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}
	r.ended = true
	r.err = err
}

package types

import (
	"context"
	"io"
	"net/url"
	"sync"
	"time"
	"unicode/utf8"

	"hlspoll/work/buffer"
)

// PlaylistKind classifies a parsed manifest as either a master (multivariant)
// playlist referencing variant streams, or a media playlist listing segments.
// The kind of a fetcher's playlist is fixed after the first successful fetch
// and never changes for the lifetime of that fetcher.
type PlaylistKind int

const (
	KindMaster PlaylistKind = iota // Multivariant playlist referencing variant media playlists
	KindMedia                      // Leaf playlist listing media segments
)

// String returns the human-readable name of the playlist kind.
func (k PlaylistKind) String() string {
	if k == KindMaster {
		return "master"
	}
	return "media"
}

// Head identifies the latest (media sequence number, part) position
// represented by a media playlist. It is the unit of progress the update
// loop compares between refreshes and the value advertised to the server
// through _HLS_msn/_HLS_part blocking reload parameters.
type Head struct {
	MSN     uint64 // Media sequence number of the head segment
	Part    int    // Part index within the head segment, valid only when HasPart is set
	HasPart bool   // Whether the Part field carries a meaningful value
}

// ByteRange describes an inclusive HTTP byte window. A nil Length means
// "from Offset to the end of the resource".
type ByteRange struct {
	Offset uint64  // First byte of the window
	Length *uint64 // Number of bytes, or nil for open-ended
}

// FetchMeta carries the response metadata of one completed fetch.
type FetchMeta struct {
	URL      *url.URL  // Final resolved URL after redirects
	Mime     string    // Lowercased MIME type without parameters, empty if unknown
	Size     int64     // Byte count of the body, -1 if unknown
	Modified time.Time // Last-Modified instant, zero if not provided
	ETag     string    // Entity tag, empty if not provided
}

// DownloadTracker receives progress callbacks for a single request. All hooks
// are optional in spirit: a hook that panics disables the tracker for the
// remainder of that request, and an Advance with zero bytes signals that the
// response headers have been received.
type DownloadTracker interface {
	Start(rawURL string, br *ByteRange, blocking bool) any
	Advance(token any, bytes int64)
	Finish(token any, err error)
}

// FetchOptions configures one ContentFetcher.Perform call.
type FetchOptions struct {
	ByteRange   *ByteRange      // Inclusive Range window, nil for the whole resource
	Probe       bool            // Metadata-only request, no body stream
	Timeout     time.Duration   // Per-request deadline, 0 means the fetcher default
	Retries     int             // Automatic retry budget for soft HTTP failures
	BlockingKey string          // Connection-affinity key; requests sharing a key serialize through one socket
	Fresh       bool            // Bypass intermediate caches
	Tracker     DownloadTracker // Optional progress hooks
}

// ContentFetcher fetches bytes plus metadata for an absolute URL. Supported
// schemes are http, https, file and data. Cancellation arrives through the
// context; the returned result owns the body stream.
type ContentFetcher interface {
	Perform(ctx context.Context, rawURL string, opts FetchOptions) (*FetchResult, error)
}

// FetchResult bundles the metadata and body of one successful fetch. The
// body is wrapped in a progress-observing reader so the Completed channel
// resolves once the stream has been fully delivered or errored, without
// duplicating the buffer.
type FetchResult struct {
	Meta FetchMeta

	body      io.ReadCloser
	completed chan error

	mu   sync.Mutex
	done bool
}

// NewFetchResult wraps a body stream and its metadata into a FetchResult.
// A nil body produces an already-completed result (probe responses).
func NewFetchResult(meta FetchMeta, body io.ReadCloser) *FetchResult {
	fr := &FetchResult{
		Meta:      meta,
		completed: make(chan error, 1),
	}
	if body == nil {
		fr.finish(nil)
	} else {
		fr.body = &observedBody{rc: body, fr: fr}
	}
	return fr
}

// observedBody resolves the owning result's Completed channel at EOS or on
// a read error, so callers that drain the body directly still complete it.
type observedBody struct {
	rc io.ReadCloser
	fr *FetchResult
}

func (o *observedBody) Read(p []byte) (int, error) {
	n, err := o.rc.Read(p)
	if err == io.EOF {
		o.fr.finish(nil)
	} else if err != nil {
		o.fr.finish(err)
	}
	return n, err
}

func (o *observedBody) Close() error {
	return o.rc.Close()
}

func (fr *FetchResult) finish(err error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.done {
		return
	}
	fr.done = true
	fr.completed <- err
	close(fr.completed)
}

// Body returns the raw byte stream, or nil for probe responses.
func (fr *FetchResult) Body() io.ReadCloser {
	return fr.body
}

// Completed yields the body delivery outcome: nil once the stream has been
// drained to EOF, or the error that interrupted it. When the body is drained
// through ConsumeUTF8, a body that is not valid UTF-8 resolves it with that
// parse error. Cancel resolves it with nil, since dropping the stream is not
// a failure.
func (fr *FetchResult) Completed() <-chan error {
	return fr.completed
}

// Cancel drops the body stream without recording an error.
func (fr *FetchResult) Cancel() {
	if fr.body != nil {
		fr.body.Close()
	}
	fr.finish(nil)
}

// ConsumeUTF8 drains the body and returns it as UTF-8 text, honoring context
// cancellation between reads. The body is closed in all cases and the
// Completed channel is resolved with the drain outcome.
func (fr *FetchResult) ConsumeUTF8(ctx context.Context) (string, error) {
	if fr.body == nil {
		return "", nil
	}
	defer fr.body.Close()

	// Read beneath the completion observer so that the outcome recorded
	// below, including a UTF-8 failure, is what Completed reports.
	src := fr.body
	if ob, ok := src.(*observedBody); ok {
		src = ob.rc
	}
	buf, err := buffer.ReadAll(src, func() error {
		if err := ctx.Err(); err != nil {
			return Abortf("fetch aborted").WithCause(context.Cause(ctx))
		}
		return nil
	})
	if err != nil {
		if _, ok := AsEngineError(err); !ok {
			err = Transportf("reading response body: %v", err).WithCause(err)
		}
		fr.finish(err)
		return "", err
	}
	defer buffer.Put(buf)

	text := string(buf.B)
	if !utf8.ValidString(text) {
		perr := Parserf("response body is not valid UTF-8")
		fr.finish(perr)
		return "", perr
	}
	fr.finish(nil)
	return text, nil
}

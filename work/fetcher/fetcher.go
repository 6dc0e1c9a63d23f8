package fetcher

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grafana/regexp"

	"hlspoll/work/logger"
	"hlspoll/work/metrics"
	"hlspoll/work/parser"
	"hlspoll/work/playlist"
	"hlspoll/work/types"
	"hlspoll/work/watcher"
)

// DefaultRejectThreshold is how many consecutive backward updates are refused
// before the fetcher gives up and accepts the server's rewound state.
const DefaultRejectThreshold = 2

// retryFloor is the minimum pause before retrying an iteration that errored
// or saw an unchanged head.
const retryFloor = 100 * time.Millisecond

// Options configures a Fetcher.
type Options struct {
	// LowLatency keeps LL-HLS features (parts, preload hints, rendition
	// reports) in the exposed snapshots. When false they are stripped.
	LowLatency bool

	// Head seeds the initial request with _HLS_msn/_HLS_part parameters and
	// blocking semantics, resuming from a known position.
	Head *types.Head

	// Extensions maps custom tag names to whether they are segment-local.
	Extensions map[string]bool

	// OnProblem receives non-fatal errors swallowed by the update loop's
	// recovery path. A panic inside the callback escapes the update call.
	OnProblem func(error)

	// RejectThreshold overrides DefaultRejectThreshold when positive.
	RejectThreshold int
}

// Fetcher owns the polling state machine for one playlist URL: the initial
// fetch, the update loop with its scheduler and blocking-reload URL
// construction, monotonicity enforcement, recovery policy, the stall timer
// and cancellation. All state mutations happen inside the single in-flight
// Index or Update call; accessors only read under the state lock.
type Fetcher struct {
	rawURL string
	url    *url.URL
	cf     types.ContentFetcher
	opts   Options
	reject int // threshold, fixed at construction

	life     context.Context
	cancelFn context.CancelCauseFunc

	cancelled atomic.Bool
	updating  atomic.Bool
	indexed   atomic.Bool

	indexOnce sync.Once
	indexSnap *playlist.Snapshot
	indexErr  error

	mu        sync.Mutex
	watch     *watcher.Watcher
	kind      types.PlaylistKind
	hasKind   bool
	rawIndex  *parser.MediaIndex // last accepted index before LL stripping
	current   *playlist.Playlist
	snapshot  *playlist.Snapshot
	updatedAt time.Time
	rejected  int // consecutive rejected-from-the-past count
}

// New builds a Fetcher for rawURL using cf for transport.
//
// Parameters:
//   - rawURL: absolute http, https, file or data URL of the playlist
//   - cf: content fetcher used for every request
//   - opts: fetcher configuration
//
// Returns:
//   - *Fetcher: ready for Index
//   - error: when rawURL is not an absolute URL of a supported scheme
func New(rawURL string, cf types.ContentFetcher, opts Options) (*Fetcher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, types.Transportf("invalid url %q: %v", rawURL, err).WithCause(err)
	}
	switch u.Scheme {
	case "http", "https", "file", "data":
	default:
		return nil, types.Transportf("unsupported url scheme %q", u.Scheme)
	}

	threshold := opts.RejectThreshold
	if threshold <= 0 {
		threshold = DefaultRejectThreshold
	}

	life, cancel := context.WithCancelCause(context.Background())
	return &Fetcher{
		rawURL:   rawURL,
		url:      u,
		cf:       cf,
		opts:     opts,
		reject:   threshold,
		life:     life,
		cancelFn: cancel,
	}, nil
}

// Index performs the initial fetch on its first call and memoizes the
// outcome: every subsequent call returns the same snapshot or error without
// touching the network.
func (f *Fetcher) Index(ctx context.Context) (*playlist.Snapshot, error) {
	f.indexOnce.Do(func() {
		f.indexSnap, f.indexErr = f.fetchInitial(ctx)
		if f.indexErr == nil {
			f.indexed.Store(true)
		}
	})
	return f.indexSnap, f.indexErr
}

// CanUpdate reports whether another update may be attempted: the fetcher is
// not cancelled and the last known playlist is still live.
func (f *Fetcher) CanUpdate() bool {
	if f.cancelled.Load() {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rawIndex != nil && f.rawIndex.IsLive()
}

// Playlist returns the last known playlist view, or nil before the first
// media snapshot.
func (f *Fetcher) Playlist() *playlist.Playlist {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// CurrentPlayoutDelay returns the distance between the last refresh instant
// and the playlist's end date, when both are known.
func (f *Fetcher) CurrentPlayoutDelay() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil || f.snapshot == nil {
		return 0, false
	}
	end := f.current.EndDate()
	if end == nil {
		return 0, false
	}
	return f.snapshot.Meta.Updated.Sub(*end), true
}

// Cancel tears the fetcher down: the in-flight fetch aborts, the current
// delay wakes, the change watcher closes and every pending or future call
// fails with reason. The first call wins; later calls are no-ops.
func (f *Fetcher) Cancel(reason error) {
	if !f.cancelled.CompareAndSwap(false, true) {
		return
	}
	if reason == nil {
		reason = types.Abortf("fetcher cancelled")
	}
	logger.Debug("{fetcher - Cancel} Cancelling fetcher for %s: %v", f.rawURL, reason)
	f.cancelFn(reason)
	f.releaseWatcher()
}

// Update polls until the playlist head moves, then returns the new snapshot.
// It fails synchronously when Index has not completed, when another update is
// in flight, or when the playlist can no longer be updated. A positive
// timeout arms a stall timer that cancels the whole fetcher when it fires.
func (f *Fetcher) Update(ctx context.Context, timeout time.Duration) (*playlist.Snapshot, error) {
	if !f.indexed.Load() {
		return nil, errors.New("An initial index() must have been successfully fetched")
	}
	if !f.updating.CompareAndSwap(false, true) {
		return nil, errors.New("An update is already being fetched")
	}
	defer f.updating.Store(false)

	if !f.CanUpdate() {
		if f.cancelled.Load() {
			return nil, context.Cause(f.life)
		}
		return nil, errors.New("playlist can no longer be updated")
	}
	if f.url.Scheme == "data" {
		return nil, errors.New("data: uri cannot be updated")
	}

	if timeout > 0 {
		stall := time.AfterFunc(timeout, func() {
			f.Cancel(types.Timeoutf("Index update stalled"))
		})
		defer stall.Stop()
	}

	return f.performUpdate(ctx)
}

// fetchInitial runs the one-time first fetch: open the change watcher for
// file URLs, optionally seed the request with the caller's head hint, then
// fetch, validate, parse and store.
func (f *Fetcher) fetchInitial(ctx context.Context) (*playlist.Snapshot, error) {
	opCtx, done := f.opContext(ctx)
	defer done()

	if f.url.Scheme == "file" {
		w, err := watcher.Create(f.url)
		if err != nil {
			return nil, types.Transportf("watching %s: %v", f.url.Path, err).WithCause(err)
		}
		f.mu.Lock()
		f.watch = w
		f.mu.Unlock()
		if f.cancelled.Load() {
			f.releaseWatcher()
			return nil, context.Cause(f.life)
		}
	}

	reqURL := f.rawURL
	fopts := types.FetchOptions{}
	if f.opts.Head != nil {
		reqURL = blockingURL(f.url, *f.opts.Head)
		fopts.BlockingKey = f.rawURL
	}

	snap, err := f.fetchOne(opCtx, reqURL, fopts)
	if err != nil {
		return nil, err
	}
	if !snap.IsLive() {
		f.releaseWatcher()
	}
	logger.Info("{fetcher - fetchInitial} Loaded %s playlist from %s", snap.Index.Kind, f.rawURL)
	return snap, nil
}

// performUpdate is one call to Update: it loops until the head moves, a
// non-recoverable error escapes, or the fetcher is torn down.
func (f *Fetcher) performUpdate(ctx context.Context) (*playlist.Snapshot, error) {
	opCtx, done := f.opContext(ctx)
	defer done()

	updated := true // the stored snapshot advanced the head
	errored := false

	for {
		f.mu.Lock()
		current := f.current
		updatedAt := f.updatedAt
		f.mu.Unlock()

		delay := updateInterval(current, updated && !errored)
		if updated && !errored {
			delay -= time.Since(updatedAt)
		}
		if (!updated || errored) && delay < retryFloor {
			delay = retryFloor
		}
		if delay < 0 {
			delay = 0
		}

		reqURL := f.rawURL
		fopts := types.FetchOptions{Fresh: true}
		blocking := current.CanBlockReload() && updated
		if blocking {
			delay = 0
			fopts.BlockingKey = f.rawURL
			fopts.Fresh = false
			reqURL = blockingURL(f.url, current.NextHead())
			metrics.BlockingReloads.WithLabelValues(f.rawURL).Inc()
		}

		if delay > 0 {
			if err := f.wait(opCtx, delay); err != nil {
				return nil, err
			}
		}

		snap, err := f.fetchOne(opCtx, reqURL, fopts)
		if err != nil {
			if !isRecoverableUpdateError(err) {
				return nil, err
			}
			if kind, ok := types.KindOf(err); ok {
				metrics.UpdateErrors.WithLabelValues(f.rawURL, kind.String()).Inc()
			}
			logger.Warn("{fetcher - performUpdate} Recovering update of %s: %v", f.rawURL, err)
			if f.opts.OnProblem != nil {
				f.opts.OnProblem(err)
			}
			updated, errored = false, true
			continue
		}

		if !f.CanUpdate() || !snap.Playlist.IsSameHead(current) {
			return snap, nil
		}

		// The server handed back the head it was told to advance past.
		if updated && blocking {
			return nil, types.Inconsistencyf("Blocking request did not advance head")
		}
		updated, errored = false, false
	}
}

// wait pauses for delay, waking early on a change-watcher event for file
// URLs. A broken watch degrades to plain timer polling.
func (f *Fetcher) wait(ctx context.Context, delay time.Duration) error {
	f.mu.Lock()
	w := f.watch
	f.mu.Unlock()

	if w != nil {
		ev, err := w.Next(ctx, delay)
		if err == nil {
			logger.Debug("{fetcher - wait} Woke on %s event for %s", ev, f.rawURL)
			return nil
		}
		if ctx.Err() != nil {
			return f.abortError(ctx)
		}
		if errors.Is(err, watcher.ErrClosed) {
			return f.abortError(ctx)
		}
		logger.Warn("{fetcher - wait} Watch failed for %s, falling back to timers: %v", f.rawURL, err)
		f.releaseWatcher()
	}

	select {
	case <-ctx.Done():
		return f.abortError(ctx)
	case <-time.After(delay):
		return nil
	}
}

// fetchOne performs one fetch-validate-parse-store round for reqURL and
// returns the stored snapshot.
func (f *Fetcher) fetchOne(ctx context.Context, reqURL string, fopts types.FetchOptions) (*playlist.Snapshot, error) {
	blocking := fopts.BlockingKey != ""

	res, err := f.cf.Perform(ctx, reqURL, fopts)
	if err != nil {
		return nil, err
	}
	if err := validateMime(res.Meta); err != nil {
		res.Cancel()
		return nil, err
	}

	text, err := res.ConsumeUTF8(ctx)
	if err != nil {
		if blocking {
			err = types.MarkBlocking(err)
		}
		return nil, err
	}
	updated := time.Now()

	man, err := parser.Parse(text, parser.Options{Extensions: f.opts.Extensions})
	if err != nil {
		if blocking {
			err = types.MarkBlocking(err)
		}
		return nil, err
	}

	return f.store(man, res.Meta, updated, blocking)
}

// store applies the kind and monotonicity checks, builds the exposed view
// and publishes the snapshot as the fetcher's current state.
func (f *Fetcher) store(man *parser.Manifest, meta types.FetchMeta, updated time.Time, blocking bool) (*playlist.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.hasKind && man.Kind != f.kind {
		return nil, types.Parserf("playlist kind changed from %s to %s", f.kind, man.Kind)
	}

	snap := &playlist.Snapshot{
		Index: man,
		Meta: playlist.SnapshotMeta{
			URL:      stripHLSQuery(meta.URL),
			Updated:  updated,
			Modified: meta.Modified,
		},
	}

	result := "updated"
	if man.Kind == types.KindMedia {
		if err := f.preprocessIndex(man.Media, blocking); err != nil {
			return nil, err
		}
		snap.Playlist = playlist.New(man.Media, !f.opts.LowLatency)
		if f.current != nil && snap.Playlist.IsSameHead(f.current) {
			result = "unchanged"
		}
		f.rawIndex = man.Media
		f.current = snap.Playlist
		if delay := snapshotPlayoutDelay(snap); delay >= 0 {
			metrics.PlayoutDelay.WithLabelValues(f.rawURL).Set(delay.Seconds())
		}
	}

	f.hasKind = true
	f.kind = man.Kind
	f.snapshot = snap
	f.updatedAt = updated
	metrics.PlaylistRefreshes.WithLabelValues(f.rawURL, result).Inc()
	return snap, nil
}

// preprocessIndex rejects updates whose head regressed behind the stored
// one. After reject consecutive refusals the regression is accepted, which
// unwedges a server that has genuinely rewound. The rejection error carries
// a synthetic 500 status so the recovery classifier retries it.
func (f *Fetcher) preprocessIndex(med *parser.MediaIndex, blocking bool) error {
	if f.rawIndex != nil && med.LastMSN(true) < f.rawIndex.LastMSN(true) {
		if f.rejected < f.reject {
			f.rejected++
			metrics.RejectedUpdates.WithLabelValues(f.rawURL).Inc()
			err := types.Rewindf("Rejected update from the past").WithStatus(500)
			if blocking {
				err.Blocking = true
			}
			return err
		}
		logger.Warn("{fetcher - preprocessIndex} Accepting rewound playlist for %s after %d rejections", f.rawURL, f.rejected)
	}
	f.rejected = 0
	return nil
}

// releaseWatcher closes and forgets the change watcher, if any.
func (f *Fetcher) releaseWatcher() {
	f.mu.Lock()
	w := f.watch
	f.watch = nil
	f.mu.Unlock()
	if w != nil {
		w.Close()
	}
}

// opContext derives a context for one operation that is cancelled by either
// the caller's context or the fetcher's own teardown, preserving the
// teardown cause.
func (f *Fetcher) opContext(ctx context.Context) (context.Context, func()) {
	opCtx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(f.life, func() {
		cancel(context.Cause(f.life))
	})
	return opCtx, func() {
		stop()
		cancel(nil)
	}
}

// abortError maps a done operation context to the engine taxonomy,
// preserving the cancel reason.
func (f *Fetcher) abortError(ctx context.Context) error {
	cause := context.Cause(ctx)
	var engErr *types.Error
	if errors.As(cause, &engErr) {
		return engErr
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return types.Timeoutf("update deadline exceeded").WithCause(cause)
	}
	return types.Abortf("update aborted").WithCause(cause)
}

// updateInterval computes the poll cadence from the last playlist: the part
// target when parts are in play, else the target duration, halved when the
// previous poll did not advance the head or the playlist has no segments.
func updateInterval(pl *playlist.Playlist, updated bool) time.Duration {
	idx := pl.Index()
	base := idx.TargetDuration
	if idx.PartTarget > 0 && !idx.IFramesOnly {
		base = idx.PartTarget
	}
	if !updated || len(idx.Segments) == 0 {
		base /= 2
	}
	return time.Duration(base * float64(time.Second))
}

// isRecoverableUpdateError decides whether an update iteration may retry
// after err. Blocking-tagged errors always retry: a failed long-poll simply
// degrades to a plain poll. Status-carrying errors retry on transient codes
// and every 5xx; parse and transport failures retry; everything else,
// including aborts, timeouts and MIME rejections, is fatal.
func isRecoverableUpdateError(err error) bool {
	if types.IsBlocking(err) {
		return true
	}
	if e, ok := types.AsEngineError(err); ok {
		if e.Status > 0 {
			switch e.Status {
			case 404, 408, 425, 429:
				return true
			}
			return e.Status >= 500
		}
		return e.Kind == types.KindParser || e.Kind == types.KindTransport
	}
	return false
}

// acceptedMimes are the MIME types a playlist response may carry.
var acceptedMimes = map[string]bool{
	"application/vnd.apple.mpegurl": true,
	"application/x-mpegurl":         true,
	"audio/mpegurl":                 true,
}

// m3uSuffixRe accepts resolved URLs whose path names an M3U document even
// when the server reports a generic MIME type.
var m3uSuffixRe = regexp.MustCompile(`\.m3u8?$`)

// validateMime accepts a response when its MIME type is a known playlist
// type, or when the resolved URL path falls back to an .m3u8/.m3u suffix.
func validateMime(meta types.FetchMeta) error {
	if acceptedMimes[meta.Mime] {
		return nil
	}
	if meta.URL != nil && m3uSuffixRe.MatchString(meta.URL.Path) {
		return nil
	}
	return types.InvalidMimef("Invalid MIME type: %s", meta.Mime)
}

// hlsQueryRe matches the blocking-reload parameters a server reflects back
// in its resolved URL.
var hlsQueryRe = regexp.MustCompile(`&?_HLS_(?:msn|part|skip)=[^&]*`)

// stripHLSQuery removes _HLS_* parameters from u's query so relative-URL
// resolution against the stored base stays stable across blocking reloads.
func stripHLSQuery(u *url.URL) *url.URL {
	if u == nil || u.RawQuery == "" {
		return u
	}
	clean := *u
	clean.RawQuery = strings.TrimPrefix(hlsQueryRe.ReplaceAllString(u.RawQuery, ""), "&")
	return &clean
}

// blockingURL appends the _HLS_msn and _HLS_part parameters for head to u's
// existing query, in that order.
func blockingURL(u *url.URL, head types.Head) string {
	q := "_HLS_msn=" + strconv.FormatUint(head.MSN, 10)
	if head.HasPart {
		q += "&_HLS_part=" + strconv.Itoa(head.Part)
	}
	blocking := *u
	if blocking.RawQuery == "" {
		blocking.RawQuery = q
	} else {
		blocking.RawQuery += "&" + q
	}
	return blocking.String()
}

// snapshotPlayoutDelay returns the updated-to-end-date distance for gauge
// export, or -1 when unknown.
func snapshotPlayoutDelay(snap *playlist.Snapshot) time.Duration {
	if snap.Playlist == nil {
		return -1
	}
	end := snap.Playlist.EndDate()
	if end == nil {
		return -1
	}
	return snap.Meta.Updated.Sub(*end)
}

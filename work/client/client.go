package client

import (
	"context"
	"encoding/base64"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/ratelimit"

	"hlspoll/work/logger"
	"hlspoll/work/types"
)

// DefaultTimeout bounds one request from dispatch to full body delivery when
// the caller does not override it. Blocking reloads are exempt: the server
// intentionally holds those open.
const DefaultTimeout = 30 * time.Second

// retryBackoff is the pause between automatic retries of a soft HTTP failure.
const retryBackoff = 250 * time.Millisecond

// Options configures a Fetcher.
type Options struct {
	UserAgent string            // User-Agent header, empty for the Go default
	Origin    string            // Origin header, empty to omit
	Referrer  string            // Referer header, empty to omit
	Timeout   time.Duration     // Default per-request deadline, 0 for DefaultTimeout
	RateLimit int               // Requests per second across the fetcher, 0 for unlimited
	Client    *http.Client      // Base client for non-blocking requests, nil for a fresh one
}

// Fetcher performs fetches for the http, https, file and data schemes. It is
// the concrete types.ContentFetcher used by the polling engine: gzip-aware,
// retry-aware, and able to serialize requests that share a blocking key onto
// one connection.
type Fetcher struct {
	opts    Options
	base    *http.Client
	limiter ratelimit.Limiter
	pool    *blockingPool
}

// New builds a Fetcher.
//
// Parameters:
//   - opts: fetcher-wide configuration
//
// Returns:
//   - *Fetcher: ready to Perform
func New(opts Options) *Fetcher {
	base := opts.Client
	if base == nil {
		base = &http.Client{Transport: newTransport(0)}
	}

	f := &Fetcher{
		opts: opts,
		base: base,
		pool: newBlockingPool(),
	}
	if opts.RateLimit > 0 {
		f.limiter = ratelimit.New(opts.RateLimit)
	}
	return f
}

// newTransport returns the shared transport shape. maxPerHost of 1 pins every
// request through the transport onto a single connection, which is what a
// blocking agent needs; 0 keeps the default pooling for ordinary requests.
func newTransport(maxPerHost int) *http.Transport {
	return &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       maxPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 0,
		DisableCompression:    true, // gzip negotiated and decoded manually
	}
}

// Perform fetches rawURL according to opts. The scheme selects the backend;
// unsupported schemes fail with a transport error. The returned result owns
// the body stream and resolves its Completed channel once the stream has
// been fully delivered, cancelled, or errored.
func (f *Fetcher) Perform(ctx context.Context, rawURL string, opts types.FetchOptions) (*types.FetchResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, types.Transportf("invalid url %q: %v", rawURL, err).WithCause(err)
	}

	switch u.Scheme {
	case "http", "https":
		return f.performHTTP(ctx, u, opts)
	case "file":
		return performFile(ctx, u, opts)
	case "data":
		return performData(u, opts)
	default:
		return nil, types.Transportf("unsupported url scheme %q", u.Scheme)
	}
}

// performHTTP runs the request loop: at most 1+opts.Retries attempts, retrying
// only soft failures (transport errors and retryable statuses). Each attempt
// carries its own deadline unless the request is blocking.
func (f *Fetcher) performHTTP(ctx context.Context, u *url.URL, opts types.FetchOptions) (*types.FetchResult, error) {
	blocking := opts.BlockingKey != ""
	tracker := wrapTracker(opts.Tracker)
	token := tracker.Start(u.String(), opts.ByteRange, blocking)

	httpClient := f.base
	var agent *blockingAgent
	if blocking {
		agent = f.pool.acquire(opts.BlockingKey)
		httpClient = agent.client
		defer f.pool.release(opts.BlockingKey, agent)
	}

	attempts := 1 + opts.Retries
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			logger.Debug("{client - performHTTP} Retry %d/%d for %s after %v", attempt, opts.Retries, u, lastErr)
			select {
			case <-ctx.Done():
				err := abortOrTimeout(ctx, blocking)
				tracker.Finish(token, err)
				return nil, err
			case <-time.After(retryBackoff):
			}
		}

		result, retryable, err := f.attempt(ctx, httpClient, u, opts, blocking, tracker, token)
		if err == nil {
			return result, nil
		}
		if !retryable {
			tracker.Finish(token, err)
			return nil, err
		}
		lastErr = err
	}

	tracker.Finish(token, lastErr)
	return nil, lastErr
}

// attempt performs one HTTP round trip. The returned bool reports whether the
// failure is worth retrying.
func (f *Fetcher) attempt(ctx context.Context, httpClient *http.Client, u *url.URL, opts types.FetchOptions, blocking bool, tracker *safeTracker, token any) (*types.FetchResult, bool, error) {
	if f.limiter != nil {
		f.limiter.Take()
	}

	// Blocking reloads are held open by the server on purpose; only
	// non-blocking requests get a deadline, and the deadline must cover
	// body delivery, so it is released when the result completes.
	reqCtx := ctx
	var cancel context.CancelFunc
	if !blocking {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = f.opts.Timeout
		}
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	release := func() {
		if cancel != nil {
			cancel()
		}
	}

	method := http.MethodGet
	if opts.Probe {
		method = http.MethodHead
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), nil)
	if err != nil {
		release()
		return nil, false, types.Transportf("building request: %v", err).WithCause(err)
	}
	f.setHeaders(req, opts)

	resp, err := httpClient.Do(req)
	if err != nil {
		release()
		if ctxErr := reqCtx.Err(); ctxErr != nil {
			return nil, false, requestContextError(ctx, reqCtx, blocking)
		}
		terr := types.Transportf("request failed: %v", err).WithCause(err)
		if blocking {
			types.MarkBlocking(terr)
		}
		return nil, true, terr
	}

	if !successStatus(resp.StatusCode) {
		resp.Body.Close()
		release()
		herr := types.HTTPStatusf(resp.StatusCode, "%s", http.StatusText(resp.StatusCode))
		if blocking {
			types.MarkBlocking(herr)
		}
		return nil, retryableStatus(resp.StatusCode), herr
	}

	meta := metaFromResponse(resp)
	tracker.Advance(token, 0)

	if opts.Probe {
		resp.Body.Close()
		release()
		result := types.NewFetchResult(meta, nil)
		tracker.Finish(token, nil)
		return result, false, nil
	}

	body, err := decodeBody(resp)
	if err != nil {
		release()
		return nil, true, err
	}

	result := types.NewFetchResult(meta, &trackedBody{rc: body, tracker: tracker, token: token})
	go func() {
		err := <-result.Completed()
		tracker.Finish(token, err)
		release()
	}()
	return result, false, nil
}

// setHeaders applies the fetcher-wide and per-request headers.
func (f *Fetcher) setHeaders(req *http.Request, opts types.FetchOptions) {
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept-Encoding", "gzip")

	if f.opts.Origin != "" {
		req.Header.Set("Origin", f.opts.Origin)
	}
	if f.opts.Referrer != "" {
		req.Header.Set("Referer", f.opts.Referrer)
	}
	if opts.Fresh {
		req.Header.Set("Cache-Control", "no-store")
		req.Header.Set("Pragma", "no-cache")
	}
	if br := opts.ByteRange; br != nil {
		req.Header.Set("Range", rangeHeader(br))
	}
}

// rangeHeader renders an inclusive byte window as an HTTP Range value.
func rangeHeader(br *types.ByteRange) string {
	if br.Length == nil {
		return "bytes=" + strconv.FormatUint(br.Offset, 10) + "-"
	}
	end := br.Offset + *br.Length - 1
	return "bytes=" + strconv.FormatUint(br.Offset, 10) + "-" + strconv.FormatUint(end, 10)
}

// successStatus accepts 2xx, including 206 for ranged requests.
func successStatus(code int) bool {
	return code >= 200 && code < 300
}

// retryableStatus reports whether a failure status is transient enough to
// retry: request timeouts, too-early, rate limiting, missing-but-maybe-soon
// resources, and server errors. 501 is the one 5xx that never heals on its
// own, so it fails hard.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusNotFound, http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	case http.StatusNotImplemented:
		return false
	}
	return code >= 500
}

// metaFromResponse extracts the response metadata, normalizing the MIME type
// to its lowercased essence without parameters.
func metaFromResponse(resp *http.Response) types.FetchMeta {
	meta := types.FetchMeta{
		URL:  resp.Request.URL,
		Size: resp.ContentLength,
		ETag: resp.Header.Get("Etag"),
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if essence, _, err := mime.ParseMediaType(ct); err == nil {
			meta.Mime = strings.ToLower(essence)
		}
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			meta.Modified = t
		}
	}
	return meta
}

// decodeBody unwraps a gzip content encoding, since the transport's own
// decompression is disabled.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	if !strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		return resp.Body, nil
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, types.Transportf("opening gzip stream: %v", err).WithCause(err)
	}
	return &gzipBody{zr: zr, raw: resp.Body}, nil
}

// gzipBody closes both the gzip reader and the underlying stream.
type gzipBody struct {
	zr  *gzip.Reader
	raw io.ReadCloser
}

func (g *gzipBody) Read(p []byte) (int, error) { return g.zr.Read(p) }

func (g *gzipBody) Close() error {
	g.zr.Close()
	return g.raw.Close()
}

// requestContextError distinguishes caller cancellation from a per-request
// deadline. The parent context losing first means the caller aborted.
func requestContextError(parent, reqCtx context.Context, blocking bool) error {
	if parent.Err() != nil {
		return abortOrTimeout(parent, blocking)
	}
	terr := types.Timeoutf("request deadline exceeded").WithCause(context.Cause(reqCtx))
	if blocking {
		types.MarkBlocking(terr)
	}
	return terr
}

// abortOrTimeout maps a done context to the engine error taxonomy. A cancel
// cause that already carries an engine error surfaces as-is, so a stall
// cancellation keeps its identity through the fetch layer.
func abortOrTimeout(ctx context.Context, blocking bool) error {
	cause := context.Cause(ctx)
	if e, ok := types.AsEngineError(cause); ok {
		return e
	}
	var err *types.Error
	if ctx.Err() == context.DeadlineExceeded {
		err = types.Timeoutf("request deadline exceeded").WithCause(cause)
	} else {
		err = types.Abortf("request aborted").WithCause(cause)
	}
	if blocking {
		types.MarkBlocking(err)
	}
	return err
}

// performFile serves a file: URL, honoring probes and byte ranges. The MIME
// type comes from the file extension.
func performFile(ctx context.Context, u *url.URL, opts types.FetchOptions) (*types.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.Abortf("fetch aborted").WithCause(context.Cause(ctx))
	}

	path := u.Path
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.HTTPStatusf(http.StatusNotFound, "file not found: %s", path).WithCause(err)
		}
		return nil, types.Transportf("stat %s: %v", path, err).WithCause(err)
	}
	if info.IsDir() {
		return nil, types.Transportf("%s is a directory", path)
	}

	meta := types.FetchMeta{
		URL:      u,
		Size:     info.Size(),
		Modified: info.ModTime(),
	}
	if mt := mime.TypeByExtension(filepath.Ext(path)); mt != "" {
		if essence, _, err := mime.ParseMediaType(mt); err == nil {
			meta.Mime = strings.ToLower(essence)
		}
	}

	if opts.Probe {
		return types.NewFetchResult(meta, nil), nil
	}

	fh, err := os.Open(path)
	if err != nil {
		return nil, types.Transportf("opening %s: %v", path, err).WithCause(err)
	}

	var body io.ReadCloser = fh
	if br := opts.ByteRange; br != nil {
		if _, err := fh.Seek(int64(br.Offset), io.SeekStart); err != nil {
			fh.Close()
			return nil, types.Transportf("seeking %s: %v", path, err).WithCause(err)
		}
		meta.Size = info.Size() - int64(br.Offset)
		if br.Length != nil {
			meta.Size = min(meta.Size, int64(*br.Length))
			body = &limitedFile{r: io.LimitReader(fh, int64(*br.Length)), fh: fh}
		}
		if meta.Size < 0 {
			meta.Size = 0
		}
	}
	return types.NewFetchResult(meta, body), nil
}

// limitedFile bounds reads to the requested window while keeping the file
// closable.
type limitedFile struct {
	r  io.Reader
	fh *os.File
}

func (l *limitedFile) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedFile) Close() error               { return l.fh.Close() }

// performData decodes an RFC 2397 data: URL. The opaque part is
// "[mediatype][;base64],payload" with a percent-encoded payload when base64
// is not flagged.
func performData(u *url.URL, opts types.FetchOptions) (*types.FetchResult, error) {
	header, payload, ok := strings.Cut(u.Opaque, ",")
	if !ok {
		return nil, types.Transportf("malformed data url: missing comma")
	}

	var data []byte
	if strings.HasSuffix(header, ";base64") {
		header = strings.TrimSuffix(header, ";base64")
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, types.Transportf("decoding data url: %v", err).WithCause(err)
		}
		data = decoded
	} else {
		decoded, err := url.PathUnescape(payload)
		if err != nil {
			return nil, types.Transportf("decoding data url: %v", err).WithCause(err)
		}
		data = []byte(decoded)
	}

	meta := types.FetchMeta{URL: u, Size: int64(len(data))}
	if header != "" {
		if essence, _, err := mime.ParseMediaType(header); err == nil {
			meta.Mime = strings.ToLower(essence)
		}
	}

	if opts.Probe {
		return types.NewFetchResult(meta, nil), nil
	}
	if br := opts.ByteRange; br != nil {
		if br.Offset > uint64(len(data)) {
			data = nil
		} else {
			data = data[br.Offset:]
			if br.Length != nil && uint64(len(data)) > *br.Length {
				data = data[:*br.Length]
			}
		}
		meta.Size = int64(len(data))
	}
	return types.NewFetchResult(meta, io.NopCloser(strings.NewReader(string(data)))), nil
}

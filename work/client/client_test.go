package client

import (
	"compress/gzip"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlspoll/work/types"
)

const samplePlaylist = "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXTINF:10.0,\nseg0.ts\n#EXT-X-ENDLIST\n"

func TestPerformRejectsBadURLs(t *testing.T) {
	f := New(Options{})

	_, err := f.Perform(context.Background(), "ftp://example.com/index.m3u8", types.FetchOptions{})
	require.Error(t, err)
	e, ok := types.AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, types.KindTransport, e.Kind)
}

func TestPerformHTTP(t *testing.T) {
	var gotHeaders atomic.Pointer[http.Header]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Clone()
		gotHeaders.Store(&h)
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Etag", `"v1"`)
		w.Header().Set("Last-Modified", "Wed, 21 Oct 2015 07:28:00 GMT")
		w.Write([]byte(samplePlaylist))
	}))
	defer srv.Close()

	f := New(Options{UserAgent: "hlspoll-test/1.0"})
	res, err := f.Perform(context.Background(), srv.URL+"/live/index.m3u8", types.FetchOptions{Fresh: true})
	require.NoError(t, err)

	assert.Equal(t, "application/vnd.apple.mpegurl", res.Meta.Mime)
	assert.Equal(t, `"v1"`, res.Meta.ETag)
	assert.False(t, res.Meta.Modified.IsZero())

	text, err := res.ConsumeUTF8(context.Background())
	require.NoError(t, err)
	assert.Equal(t, samplePlaylist, text)

	h := *gotHeaders.Load()
	assert.Equal(t, "hlspoll-test/1.0", h.Get("User-Agent"))
	assert.Equal(t, "gzip", h.Get("Accept-Encoding"))
	assert.Equal(t, "no-store", h.Get("Cache-Control"))
	assert.Equal(t, "no-cache", h.Get("Pragma"))
}

func TestPerformDecodesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(samplePlaylist))
		gz.Close()
	}))
	defer srv.Close()

	f := New(Options{})
	res, err := f.Perform(context.Background(), srv.URL, types.FetchOptions{})
	require.NoError(t, err)

	text, err := res.ConsumeUTF8(context.Background())
	require.NoError(t, err)
	assert.Equal(t, samplePlaylist, text)
}

func TestPerformRangeHeader(t *testing.T) {
	var gotRange atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange.Store(r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("chunk"))
	}))
	defer srv.Close()

	f := New(Options{})
	length := uint64(256)
	res, err := f.Perform(context.Background(), srv.URL, types.FetchOptions{
		ByteRange: &types.ByteRange{Offset: 512, Length: &length},
	})
	require.NoError(t, err)
	res.Cancel()

	assert.Equal(t, "bytes=512-767", gotRange.Load())
}

func TestPerformOpenEndedRange(t *testing.T) {
	assert.Equal(t, "bytes=100-", rangeHeader(&types.ByteRange{Offset: 100}))
}

func TestPerformRetriesSoftFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte(samplePlaylist))
	}))
	defer srv.Close()

	f := New(Options{})
	res, err := f.Perform(context.Background(), srv.URL, types.FetchOptions{Retries: 2})
	require.NoError(t, err)
	res.Cancel()
	assert.Equal(t, int32(2), calls.Load())
}

func TestPerformDoesNotRetryHardFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := New(Options{})
	_, err := f.Perform(context.Background(), srv.URL, types.FetchOptions{Retries: 3})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	e, ok := types.AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, types.KindHTTPStatus, e.Kind)
	assert.Equal(t, http.StatusForbidden, e.Status)
}

func TestPerformExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(Options{})
	_, err := f.Perform(context.Background(), srv.URL, types.FetchOptions{Retries: 1})
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, http.StatusNotFound, types.StatusOf(err))
}

func TestPerformProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Content-Length", "123")
	}))
	defer srv.Close()

	f := New(Options{})
	res, err := f.Perform(context.Background(), srv.URL, types.FetchOptions{Probe: true})
	require.NoError(t, err)
	assert.Nil(t, res.Body())
	assert.Equal(t, "application/vnd.apple.mpegurl", res.Meta.Mime)
	assert.NoError(t, <-res.Completed())
}

func TestPerformAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	f := New(Options{})
	_, err := f.Perform(ctx, srv.URL, types.FetchOptions{})
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, types.KindAbort, kind)
}

func TestPerformTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	f := New(Options{})
	_, err := f.Perform(context.Background(), srv.URL, types.FetchOptions{Timeout: 150 * time.Millisecond})
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, types.KindTimeout, kind)
}

func TestPerformFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.m3u8")
	require.NoError(t, os.WriteFile(path, []byte(samplePlaylist), 0644))
	fileURL := "file://" + path

	f := New(Options{})

	t.Run("full read", func(t *testing.T) {
		res, err := f.Perform(context.Background(), fileURL, types.FetchOptions{})
		require.NoError(t, err)
		assert.Equal(t, int64(len(samplePlaylist)), res.Meta.Size)
		assert.False(t, res.Meta.Modified.IsZero())

		text, err := res.ConsumeUTF8(context.Background())
		require.NoError(t, err)
		assert.Equal(t, samplePlaylist, text)
	})

	t.Run("probe", func(t *testing.T) {
		res, err := f.Perform(context.Background(), fileURL, types.FetchOptions{Probe: true})
		require.NoError(t, err)
		assert.Nil(t, res.Body())
		assert.Equal(t, int64(len(samplePlaylist)), res.Meta.Size)
	})

	t.Run("byte range", func(t *testing.T) {
		length := uint64(7)
		res, err := f.Perform(context.Background(), fileURL, types.FetchOptions{
			ByteRange: &types.ByteRange{Offset: 1, Length: &length},
		})
		require.NoError(t, err)

		text, err := res.ConsumeUTF8(context.Background())
		require.NoError(t, err)
		assert.Equal(t, samplePlaylist[1:8], text)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := f.Perform(context.Background(), "file://"+filepath.Join(dir, "gone.m3u8"), types.FetchOptions{})
		require.Error(t, err)
		assert.Equal(t, http.StatusNotFound, types.StatusOf(err))
	})
}

func TestPerformData(t *testing.T) {
	f := New(Options{})

	t.Run("base64", func(t *testing.T) {
		raw := "data:application/vnd.apple.mpegurl;base64," + base64.StdEncoding.EncodeToString([]byte(samplePlaylist))
		res, err := f.Perform(context.Background(), raw, types.FetchOptions{})
		require.NoError(t, err)
		assert.Equal(t, "application/vnd.apple.mpegurl", res.Meta.Mime)

		text, err := res.ConsumeUTF8(context.Background())
		require.NoError(t, err)
		assert.Equal(t, samplePlaylist, text)
	})

	t.Run("percent encoded", func(t *testing.T) {
		res, err := f.Perform(context.Background(), "data:,%23EXTM3U%0A", types.FetchOptions{})
		require.NoError(t, err)

		text, err := res.ConsumeUTF8(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "#EXTM3U\n", text)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := f.Perform(context.Background(), "data:application/vnd.apple.mpegurl", types.FetchOptions{})
		require.Error(t, err)
	})
}

type recordingTracker struct {
	started  atomic.Int32
	advanced atomic.Int64
	finished atomic.Int32
	panicIn  string
}

func (r *recordingTracker) Start(rawURL string, br *types.ByteRange, blocking bool) any {
	if r.panicIn == "Start" {
		panic("tracker boom")
	}
	r.started.Add(1)
	return "token"
}

func (r *recordingTracker) Advance(token any, bytes int64) {
	if r.panicIn == "Advance" {
		panic("tracker boom")
	}
	r.advanced.Add(bytes)
}

func (r *recordingTracker) Finish(token any, err error) {
	r.finished.Add(1)
}

func TestTrackerObservesDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte(samplePlaylist))
	}))
	defer srv.Close()

	tracker := &recordingTracker{}
	f := New(Options{})
	res, err := f.Perform(context.Background(), srv.URL, types.FetchOptions{Tracker: tracker})
	require.NoError(t, err)

	_, err = res.ConsumeUTF8(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), tracker.started.Load())
	assert.Eventually(t, func() bool {
		return tracker.finished.Load() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(len(samplePlaylist)), tracker.advanced.Load())
}

func TestPanickingTrackerDoesNotBreakFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte(samplePlaylist))
	}))
	defer srv.Close()

	f := New(Options{})
	res, err := f.Perform(context.Background(), srv.URL, types.FetchOptions{
		Tracker: &recordingTracker{panicIn: "Start"},
	})
	require.NoError(t, err)

	text, err := res.ConsumeUTF8(context.Background())
	require.NoError(t, err)
	assert.Equal(t, samplePlaylist, text)
}

func TestBlockingPoolReusesAgents(t *testing.T) {
	pool := newBlockingPool()

	a := pool.acquire("key")
	b := pool.acquire("key")
	assert.Same(t, a, b)

	other := pool.acquire("other")
	assert.NotSame(t, a, other)

	pool.release("key", a)
	pool.release("key", b)
	pool.release("other", other)

	// Released agents stay cached for reuse until the idle reaper fires.
	assert.Same(t, a, pool.acquire("key"))
	pool.release("key", a)
}

func TestBlockingRequestsShareConnection(t *testing.T) {
	remotes := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remotes <- r.RemoteAddr
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte(samplePlaylist))
	}))
	defer srv.Close()

	f := New(Options{})
	for i := 0; i < 2; i++ {
		res, err := f.Perform(context.Background(), srv.URL, types.FetchOptions{BlockingKey: srv.URL})
		require.NoError(t, err)
		_, err = res.ConsumeUTF8(context.Background())
		require.NoError(t, err)
	}

	first := <-remotes
	assert.Equal(t, first, <-remotes)
}

func TestMetaFromResponseNormalizesMime(t *testing.T) {
	u, _ := url.Parse("http://example.com/index.m3u8")
	resp := &http.Response{
		Request:       &http.Request{URL: u},
		ContentLength: 42,
		Header: http.Header{
			"Content-Type": []string{"Application/VND.Apple.MPEGURL; charset=utf-8"},
		},
	}
	meta := metaFromResponse(resp)
	assert.Equal(t, "application/vnd.apple.mpegurl", meta.Mime)
	assert.Equal(t, int64(42), meta.Size)
}

func TestRetryableStatus(t *testing.T) {
	assert.True(t, retryableStatus(http.StatusNotFound))
	assert.True(t, retryableStatus(http.StatusRequestTimeout))
	assert.True(t, retryableStatus(http.StatusTooEarly))
	assert.True(t, retryableStatus(http.StatusTooManyRequests))
	assert.True(t, retryableStatus(http.StatusInternalServerError))
	assert.True(t, retryableStatus(http.StatusBadGateway))
	assert.False(t, retryableStatus(http.StatusForbidden))
	assert.False(t, retryableStatus(http.StatusGone))
	assert.False(t, retryableStatus(http.StatusNotImplemented))
}

package middleware

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"hlspoll/work/logger"
)

// Responses that declare a Content-Length smaller than this are sent
// uncompressed; a gzip frame around a couple of hundred bytes of JSON costs
// more than it saves. Responses without a declared length are not checked.
const minCompressSize = 256

// pool reuses gzip writers across responses. BestSpeed favors latency over
// ratio, which is the right trade for the daemon's small status and metrics
// payloads.
var pool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// compressible reports whether a payload of this content type is worth
// compressing. The daemon serves JSON poller status and Prometheus text
// exposition; both shrink well. Anything else passes through untouched.
func compressible(contentType string) bool {
	return strings.HasPrefix(contentType, "application/json") ||
		strings.HasPrefix(contentType, "application/openmetrics-text") ||
		strings.HasPrefix(contentType, "text/")
}

// deferredWriter delays the compress-or-not decision until the wrapped
// handler commits its headers, when the content type, status, and declared
// length are all known.
type deferredWriter struct {
	http.ResponseWriter
	gz        *gzip.Writer
	committed bool
}

func (d *deferredWriter) WriteHeader(status int) {
	if d.committed {
		return
	}
	d.committed = true

	h := d.Header()
	bodiless := status == http.StatusNoContent || status == http.StatusNotModified || status < 200
	declared, _ := strconv.Atoi(h.Get("Content-Length"))
	tiny := h.Get("Content-Length") != "" && declared < minCompressSize

	if !bodiless && !tiny && h.Get("Content-Encoding") == "" && compressible(h.Get("Content-Type")) {
		h.Set("Content-Encoding", "gzip")
		h.Del("Content-Length")
		d.gz = pool.Get().(*gzip.Writer)
		d.gz.Reset(d.ResponseWriter)
	}
	d.ResponseWriter.WriteHeader(status)
}

func (d *deferredWriter) Write(b []byte) (int, error) {
	if !d.committed {
		d.WriteHeader(http.StatusOK)
	}
	if d.gz != nil {
		return d.gz.Write(b)
	}
	return d.ResponseWriter.Write(b)
}

func (d *deferredWriter) Flush() {
	if d.gz != nil {
		d.gz.Flush()
	}
	if flusher, ok := d.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// release closes the compressor, if one was engaged, and returns it to the
// pool.
func (d *deferredWriter) release(r *http.Request) {
	if d.gz == nil {
		return
	}
	if err := d.gz.Close(); err != nil {
		logger.Error("{middleware - Gzip} Failed to finish gzip body for %s %s: %v", r.Method, r.URL.Path, err)
	}
	pool.Put(d.gz)
	d.gz = nil
}

// Gzip compresses responses for clients that accept it. The decision is made
// per response once headers are committed, so uncompressible, bodiless, and
// sub-threshold payloads pass through unchanged.
func Gzip(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Accept-Encoding")
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		dw := &deferredWriter{ResponseWriter: w}
		defer dw.release(r)
		next.ServeHTTP(dw, r)
	})
}

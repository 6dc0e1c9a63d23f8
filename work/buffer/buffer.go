package buffer

import (
	"io"

	"github.com/valyala/bytebufferpool"
)

// pool is the process-wide byte buffer pool. Playlist bodies are small and
// fetched at a steady cadence, so reusing their accumulation buffers keeps
// the update loops allocation-free in steady state.
var pool bytebufferpool.Pool

// Get returns a reset buffer from the pool.
func Get() *bytebufferpool.ByteBuffer {
	return pool.Get()
}

// Put returns a buffer to the pool. Safe to call with nil.
func Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		pool.Put(buf)
	}
}

// ReadAll drains r into a pooled buffer, calling step between chunks when it
// is non-nil so the caller can bail out early (cancellation checks). The
// returned buffer must be handed back with Put.
func ReadAll(r io.Reader, step func() error) (*bytebufferpool.ByteBuffer, error) {
	buf := Get()
	chunk := make([]byte, 32*1024)
	for {
		if step != nil {
			if err := step(); err != nil {
				Put(buf)
				return nil, err
			}
		}
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			Put(buf)
			return nil, err
		}
	}
}

package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindString(t *testing.T) {
	cases := map[ErrorKind]string{
		KindAbort:               "abort",
		KindTimeout:             "timeout",
		KindParser:              "parser",
		KindInvalidMime:         "invalid-mime",
		KindHTTPStatus:          "http-status",
		KindTransport:           "transport",
		KindRewind:              "rewind",
		KindStreamInconsistency: "stream-inconsistency",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
	assert.Equal(t, "unknown", ErrorKind(99).String())
}

func TestErrorMessage(t *testing.T) {
	err := HTTPStatusf(503, "%s", "Service Unavailable")
	assert.Equal(t, "Service Unavailable (status 503)", err.Error())

	terr := Transportf("connection reset")
	assert.Equal(t, "connection reset", terr.Error())

	// A synthetic status on a non-HTTP kind stays out of the message.
	rerr := Rewindf("Rejected update from the past").WithStatus(500)
	assert.Equal(t, "Rejected update from the past", rerr.Error())
	assert.Equal(t, 500, rerr.Status)
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := Transportf("request failed: %v", cause).WithCause(cause)

	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("outer: %w", err)
	e, ok := AsEngineError(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindTransport, e.Kind)
}

func TestKindOf(t *testing.T) {
	kind, ok := KindOf(Timeoutf("stalled"))
	assert.True(t, ok)
	assert.Equal(t, KindTimeout, kind)

	kind, ok = KindOf(context.Canceled)
	assert.True(t, ok)
	assert.Equal(t, KindAbort, kind)

	kind, ok = KindOf(context.DeadlineExceeded)
	assert.True(t, ok)
	assert.Equal(t, KindTimeout, kind)

	kind, ok = KindOf(errors.New("mystery"))
	assert.False(t, ok)
	assert.Equal(t, KindTransport, kind)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, 404, StatusOf(HTTPStatusf(404, "Not Found")))
	assert.Equal(t, 0, StatusOf(Transportf("no status")))
	assert.Equal(t, 0, StatusOf(errors.New("plain")))
}

func TestMarkBlocking(t *testing.T) {
	assert.Nil(t, MarkBlocking(nil))

	// Engine errors are tagged in place.
	err := HTTPStatusf(503, "Service Unavailable")
	tagged := MarkBlocking(err)
	assert.Same(t, err, tagged)
	assert.True(t, IsBlocking(tagged))

	// Foreign errors are wrapped into a blocking transport error.
	plain := errors.New("connection refused")
	wrapped := MarkBlocking(plain)
	assert.True(t, IsBlocking(wrapped))
	e, ok := AsEngineError(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindTransport, e.Kind)
	assert.ErrorIs(t, wrapped, plain)

	assert.False(t, IsBlocking(plain))
}

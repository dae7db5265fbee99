package transport

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerRecoversAndLogsPanics(t *testing.T) {
	var buf bytes.Buffer
	var forwarded []error
	h := Handler{
		OnMessage: func(Event) { panic("bad message callback") },
		OnForwardError: func(err error) {
			forwarded = append(forwarded, err)
		},
		Log: slog.New(slog.NewTextHandler(&buf, nil)),
	}

	require.NotPanics(t, func() { h.deliver([]byte{0x90, 60, 100}, time.Now()) })
	require.Len(t, forwarded, 1)
	var fe *ForwardError
	require.ErrorAs(t, forwarded[0], &fe)
	assert.Equal(t, "deliver", fe.Op)
	assert.Contains(t, buf.String(), "message handler panicked")
	assert.Contains(t, buf.String(), "bad message callback")

	buf.Reset()
	h.OnForwardError = func(error) { panic("bad error callback") }
	require.NotPanics(t, func() { h.fail(errors.New("write failed")) })
	assert.Contains(t, buf.String(), "forward error handler panicked")
	assert.Contains(t, buf.String(), "bad error callback")
	assert.Contains(t, buf.String(), "write failed")
}

func TestHandlerWithoutLoggerStillRecovers(t *testing.T) {
	h := Handler{
		OnMessage:      func(Event) { panic("boom") },
		OnForwardError: func(error) { panic("boom again") },
	}
	assert.NotPanics(t, func() { h.deliver([]byte{0xF8}, time.Now()) })
	assert.NotPanics(t, func() { h.fail(errors.New("x")) })
}

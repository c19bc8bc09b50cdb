package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: level}))
}

func TestHandler_LogsEvents(t *testing.T) {
	var buf bytes.Buffer
	ec := gionet.NewEmbeddedChannel(New(newLogger(&buf, slog.LevelDebug)))

	require.NoError(t, ec.WriteInbound(buffer.Copy([]byte{0xde, 0xad, 0xbe, 0xef})))
	assert.NotNil(t, ec.ReadInbound(), "messages are forwarded")
	require.NoError(t, ec.WriteOutbound("out"))
	ec.Pipeline().FireExceptionCaught(errors.New("boom"))
	_ = ec.CheckException()
	ec.Close()

	out := buf.String()
	for _, event := range []string{"REGISTERED", "ACTIVE", "READ", "READ_COMPLETE", "WRITE", "FLUSH", "EXCEPTION", "CLOSE", "INACTIVE", "UNREGISTERED"} {
		assert.Contains(t, out, "event="+event)
	}
	assert.Contains(t, out, "hex=deadbeef")
	assert.Contains(t, out, "err=boom")
	assert.Contains(t, out, "channel="+ec.ID().Short())
}

func TestHandler_Preview(t *testing.T) {
	var buf bytes.Buffer
	ec := gionet.NewEmbeddedChannel(New(newLogger(&buf, slog.LevelDebug), WithPreview(2)))
	require.NoError(t, ec.WriteInbound(buffer.Copy([]byte{1, 2, 3, 4})))
	assert.Contains(t, buf.String(), "bytes=4 hex=0102\n")

	buf.Reset()
	ec = gionet.NewEmbeddedChannel(New(newLogger(&buf, slog.LevelDebug), WithPreview(0)))
	require.NoError(t, ec.WriteInbound([]byte{1, 2, 3}))
	assert.Contains(t, buf.String(), "bytes=3")
	assert.NotContains(t, buf.String(), "hex=")
}

func TestHandler_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	ec := gionet.NewEmbeddedChannel(New(newLogger(&buf, slog.LevelInfo)))
	require.NoError(t, ec.WriteInbound([]byte("x")))
	assert.Empty(t, buf.String())

	ec = gionet.NewEmbeddedChannel(New(newLogger(&buf, slog.LevelInfo), WithLevel(slog.LevelWarn)))
	require.NoError(t, ec.WriteInbound(struct{}{}))
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), `type="struct {}"`)
}

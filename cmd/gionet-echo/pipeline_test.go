package main

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/buffer"
	"github.com/legamerdc/gionet/codec"
	"github.com/legamerdc/gionet/handler/metrics"
	"github.com/legamerdc/gionet/handler/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pump 把 from 写出的字节作为入站数据交给 to。
func pump(t *testing.T, from, to *gionet.EmbeddedChannel) {
	t.Helper()
	for b := from.ReadOutbound(); b != nil; b = from.ReadOutbound() {
		require.NoError(t, to.WriteInbound(buffer.Copy(b)))
	}
}

func TestStack_EchoesFramesThroughCipher(t *testing.T) {
	cfg := defaultFileConfig()
	cfg.Frame.BatchWindow = 0
	cfg.Frame.CompressThreshold = 16
	cfg.Cipher = &CipherConfig{Key: "000102030405060708090a0b0c0d0e0f", IV: "0f0e0d0c0b0a09080706050403020100"}
	cfg.LogEvents = true

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	st := &stack{
		cfg:       cfg,
		logger:    logger,
		level:     slog.LevelDebug,
		collector: metrics.New(metrics.WithRegistry(prometheus.NewRegistry())),
		tracer:    tracing.New(),
	}

	server := gionet.NewEmbeddedChannel()
	require.NoError(t, st.install(server.Channel, &echoHandler{logger: logger}))

	var got []codec.Frame
	client := gionet.NewEmbeddedChannel()
	require.NoError(t, st.install(client.Channel, gionet.ReadFunc(func(_ *gionet.HandlerContext, msg any) error {
		got = append(got, msg.(codec.Frame))
		return nil
	})))
	assert.Equal(t, []string{"cipher", "metrics", "tracing", "logging", "frame-decoder", "frame-encoder", "app"},
		client.Pipeline().Names())

	big := bytes.Repeat([]byte("payload "), 64)
	client.Write(codec.Frame{API: 1, Payload: []byte("small")})
	client.Write(codec.Frame{API: 2, Payload: big})
	client.Flush()
	client.RunPendingTasks()

	pump(t, client, server)
	pump(t, server, client)

	require.Len(t, got, 2)
	assert.Equal(t, uint16(1), got[0].API)
	assert.Equal(t, "small", string(got[0].Payload))
	assert.Equal(t, big, got[1].Payload)
	assert.Contains(t, logs.String(), "event=READ")
}

func TestEchoHandler_ClosesOnException(t *testing.T) {
	var logs bytes.Buffer
	ec := gionet.NewEmbeddedChannel(&echoHandler{logger: slog.New(slog.NewTextHandler(&logs, nil))})
	ec.Pipeline().FireExceptionCaught(assert.AnError)
	ec.RunPendingTasks()
	assert.False(t, ec.IsOpen())
	assert.Contains(t, logs.String(), "echo: closing channel")
}

func TestEchoHandler_PausesReadWhenUnwritable(t *testing.T) {
	ec := gionet.NewEmbeddedChannel(&echoHandler{logger: slog.Default()})
	ec.SetUserDefinedWritability(5, false)
	ec.RunPendingTasks()
	assert.False(t, ec.IsAutoRead())

	ec.SetUserDefinedWritability(5, true)
	ec.RunPendingTasks()
	assert.True(t, ec.IsAutoRead())
}

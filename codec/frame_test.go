package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLenFlags_RoundTrip(t *testing.T) {
	cases := []lenFlags{
		{length: 0},
		{length: shortHeadMaxLen, compressed: true},
		{length: shortHeadMaxLen + 1},
		{length: longHeadMaxLen, batched: true},
	}
	for _, h := range cases {
		b, err := appendLenFlags(nil, h)
		require.NoError(t, err)
		assert.Len(t, b, headerSize(h.length))

		got, n, err := parseLenFlags(b)
		require.NoError(t, err)
		assert.Equal(t, len(b), n)
		assert.Equal(t, h.length, got.length)
		assert.Equal(t, h.compressed || h.batched, got.compressed)
		assert.Equal(t, h.batched, got.batched)
	}

	_, err := appendLenFlags(nil, lenFlags{length: longHeadMaxLen + 1})
	assert.ErrorIs(t, err, errLengthOutOfRange)

	_, _, err = parseLenFlags([]byte{0x20})
	assert.ErrorIs(t, err, errHeaderTooShort)
	_, _, err = parseLenFlags([]byte{0x20, 0, 0})
	assert.ErrorIs(t, err, errHeaderTooShort, "long header needs four bytes")
}

// frameWire 用编码器写出 msgs 并返回拼接后的字节。
func frameWire(t *testing.T, enc *FrameEncoder, msgs ...any) []byte {
	t.Helper()
	ec := gionet.NewEmbeddedChannel(enc)
	require.NoError(t, ec.WriteOutbound(msgs...))
	var wire []byte
	for b := ec.ReadOutbound(); b != nil; b = ec.ReadOutbound() {
		wire = append(wire, b...)
	}
	return wire
}

func readFrame(t *testing.T, ec *gionet.EmbeddedChannel) Frame {
	t.Helper()
	msg := ec.ReadInbound()
	require.NotNil(t, msg)
	f, ok := msg.(Frame)
	require.True(t, ok, "expected Frame, got %T", msg)
	return f
}

func TestFrameCodec_Single(t *testing.T) {
	big := bytes.Repeat([]byte("compressible "), 1000)
	wire := frameWire(t, &FrameEncoder{CompressThreshold: 1024},
		Frame{API: 1, Payload: []byte("hi")},
		&Frame{API: 2, Payload: big},
		Frame{API: 3},
	)
	assert.Less(t, len(wire), len(big), "large payload should be compressed")

	ec := gionet.NewEmbeddedChannel(NewFrameDecoder(1 << 20))
	// 逐字节送入，验证半包处理
	for i := range wire {
		require.NoError(t, ec.WriteInbound(buffer.Copy(wire[i:i+1])))
	}
	f := readFrame(t, ec)
	assert.Equal(t, uint16(1), f.API)
	assert.Equal(t, "hi", string(f.Payload))
	f = readFrame(t, ec)
	assert.Equal(t, uint16(2), f.API)
	assert.Equal(t, big, f.Payload)
	f = readFrame(t, ec)
	assert.Equal(t, uint16(3), f.API)
	assert.Empty(t, f.Payload)
	assert.Nil(t, ec.ReadInbound())
}

func TestFrameCodec_Batch(t *testing.T) {
	frames := []Frame{{API: 7, Payload: []byte("a")}, {API: 8, Payload: nil}, {API: 9, Payload: []byte("ccc")}}
	wire := frameWire(t, &FrameEncoder{}, frames)

	h, _, err := parseLenFlags(wire)
	require.NoError(t, err)
	assert.True(t, h.batched)

	ec := gionet.NewEmbeddedChannel(NewFrameDecoder(1 << 10))
	require.NoError(t, ec.WriteInbound(buffer.Copy(wire)))
	for _, want := range frames {
		got := readFrame(t, ec)
		assert.Equal(t, want.API, got.API)
		assert.Equal(t, len(want.Payload), len(got.Payload))
	}
}

func TestFrameDecoder_TooLong(t *testing.T) {
	wire := frameWire(t, &FrameEncoder{}, Frame{API: 1, Payload: make([]byte, 100)})
	ec := gionet.NewEmbeddedChannel(NewFrameDecoder(64))
	err := ec.WriteInbound(buffer.Copy(wire))
	var tl *TooLongFrameError
	require.ErrorAs(t, err, &tl)
	assert.Equal(t, int64(100), tl.Length)
	assert.Nil(t, ec.ReadInbound())
}

func TestFrameDecoder_DecompressedSizeLimit(t *testing.T) {
	payload := bytes.Repeat([]byte{0}, 4096)
	wire := frameWire(t, &FrameEncoder{CompressThreshold: 1}, Frame{API: 1, Payload: payload})
	ec := gionet.NewEmbeddedChannel(NewFrameDecoder(1024))
	err := ec.WriteInbound(buffer.Copy(wire))
	var tl *TooLongFrameError
	require.ErrorAs(t, err, &tl)
	assert.Equal(t, int64(4096), tl.Length)
}

func TestUnpackBatch_Corrupted(t *testing.T) {
	err := unpackBatch([]byte{2, 0, 1, 5, 'x'}, func(Frame) {})
	assert.ErrorIs(t, err, ErrCorruptedFrame)
	err = unpackBatch(nil, func(Frame) {})
	assert.ErrorIs(t, err, ErrCorruptedFrame)
}

func TestFrameBatcher_WindowFlush(t *testing.T) {
	ec := gionet.NewEmbeddedChannel(&FrameEncoder{}, NewFrameBatcher(10*time.Millisecond, 1<<20))
	var promises []*gionet.Promise
	for i := 0; i < 3; i++ {
		promises = append(promises, ec.Write(Frame{API: uint16(i), Payload: []byte{byte(i)}}))
	}
	ec.RunPendingTasks()
	assert.Zero(t, ec.OutboundLen())

	ec.AdvanceTime(9 * time.Millisecond)
	assert.Zero(t, ec.OutboundLen())
	ec.AdvanceTime(time.Millisecond)
	require.Equal(t, 1, ec.OutboundLen(), "three frames leave as one batch")
	for _, p := range promises {
		assert.True(t, p.IsSuccess())
	}

	dec := gionet.NewEmbeddedChannel(NewFrameDecoder(1 << 10))
	require.NoError(t, dec.WriteInbound(buffer.Copy(ec.ReadOutbound())))
	for i := 0; i < 3; i++ {
		assert.Equal(t, uint16(i), readFrame(t, dec).API)
	}
}

func TestFrameBatcher_ExplicitFlushAndLimits(t *testing.T) {
	b := NewFrameBatcher(time.Hour, 8)
	ec := gionet.NewEmbeddedChannel(&FrameEncoder{}, b)

	// 单帧直接按单帧格式写出
	require.NoError(t, ec.WriteOutbound(Frame{API: 1, Payload: []byte("x")}))
	wire := ec.ReadOutbound()
	h, _, err := parseLenFlags(wire)
	require.NoError(t, err)
	assert.False(t, h.batched)

	// 达到字节上限时立即成批写出（flush 前不发送）
	ec.Write(Frame{API: 1, Payload: []byte("1234")})
	ec.Write(Frame{API: 2, Payload: []byte("5678")})
	ec.RunPendingTasks()
	assert.Zero(t, ec.OutboundLen())
	assert.Equal(t, 1, ec.OutboundBuffer().Size())
	ec.Flush()
	ec.RunPendingTasks()
	assert.Equal(t, 1, ec.OutboundLen())
}

func TestFrameBatcher_RemovalFailsQueued(t *testing.T) {
	ec := gionet.NewEmbeddedChannel()
	require.NoError(t, ec.Pipeline().AddLast("batch", NewFrameBatcher(time.Hour, 1<<20)))
	p := ec.Write(Frame{API: 1})
	_, err := ec.Pipeline().Remove("batch")
	require.NoError(t, err)
	assert.ErrorIs(t, p.Cause(), gionet.ErrChannelClosed)
}

func TestParseFrames(t *testing.T) {
	wire, err := AppendFrame(nil, Frame{API: 1, Payload: []byte("one")}, 0)
	require.NoError(t, err)
	wire, err = AppendBatch(wire, []Frame{{API: 2}, {API: 3, Payload: []byte("three")}})
	require.NoError(t, err)
	whole := len(wire)
	wire, err = AppendFrame(wire, Frame{API: 4, Payload: []byte("partial")}, 0)
	require.NoError(t, err)
	wire = wire[:len(wire)-2]

	var apis []uint16
	n, err := ParseFrames(wire, 1<<10, func(f Frame) { apis = append(apis, f.API) })
	require.NoError(t, err)
	assert.Equal(t, whole, n, "the truncated frame stays unconsumed")
	assert.Equal(t, []uint16{1, 2, 3}, apis)

	n, err = ParseFrames(wire, 2, func(Frame) {})
	var tl *TooLongFrameError
	assert.ErrorAs(t, err, &tl)
	assert.Zero(t, n)
}

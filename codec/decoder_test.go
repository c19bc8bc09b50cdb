package codec

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readString(t *testing.T, ec *gionet.EmbeddedChannel) string {
	t.Helper()
	msg := ec.ReadInbound()
	require.NotNil(t, msg, "expected an inbound message")
	b, ok := msg.(*buffer.Buffer)
	require.True(t, ok, "expected *buffer.Buffer, got %T", msg)
	defer b.Release()
	return string(b.Bytes())
}

func TestByteToMessageDecoder_CumulatesAcrossReads(t *testing.T) {
	dec := NewFixedLengthDecoder(3)
	ec := gionet.NewEmbeddedChannel(dec)

	require.NoError(t, ec.WriteInbound(buffer.Copy([]byte("ab"))))
	assert.Zero(t, ec.InboundLen())
	assert.Equal(t, 2, dec.Cumulation())

	require.NoError(t, ec.WriteInbound(buffer.Copy([]byte("cdefg"))))
	assert.Equal(t, "abc", readString(t, ec))
	assert.Equal(t, "def", readString(t, ec))
	assert.Nil(t, ec.ReadInbound())
	assert.Equal(t, 1, dec.Cumulation())
}

func TestByteToMessageDecoder_PassesThroughOtherMessages(t *testing.T) {
	ec := gionet.NewEmbeddedChannel(NewFixedLengthDecoder(4))
	require.NoError(t, ec.WriteInbound("not bytes"))
	assert.Equal(t, "not bytes", ec.ReadInbound())
}

func TestByteToMessageDecoder_WrapsDecodeErrors(t *testing.T) {
	cause := errors.New("bad input")
	ec := gionet.NewEmbeddedChannel(NewByteToMessageDecoder(DecoderFunc(
		func(_ *gionet.HandlerContext, in *buffer.Buffer, _ func(any)) error {
			in.Discard(in.Len())
			return cause
		})))
	err := ec.WriteInbound(buffer.Copy([]byte("x")))
	var de *DecoderError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, cause)
}

func TestByteToMessageDecoder_DetectsNoProgress(t *testing.T) {
	ec := gionet.NewEmbeddedChannel(NewByteToMessageDecoder(DecoderFunc(
		func(_ *gionet.HandlerContext, _ *buffer.Buffer, emit func(any)) error {
			emit("phantom")
			return nil
		})))
	err := ec.WriteInbound(buffer.Copy([]byte("x")))
	assert.ErrorIs(t, err, ErrNoProgress)
	assert.Equal(t, "phantom", ec.ReadInbound())
}

type lastDecoder struct {
	FixedLengthFrameDecoder
}

func (d *lastDecoder) DecodeLast(_ *gionet.HandlerContext, in *buffer.Buffer, emit func(any)) error {
	emit(buffer.Copy(in.Next(in.Len())))
	return nil
}

func TestByteToMessageDecoder_DecodeLastOnInactive(t *testing.T) {
	ec := gionet.NewEmbeddedChannel(NewByteToMessageDecoder(&lastDecoder{FixedLengthFrameDecoder{Length: 4}}))
	require.NoError(t, ec.WriteInbound(buffer.Copy([]byte("abcdef"))))
	assert.Equal(t, "abcd", readString(t, ec))

	ec.Close()
	assert.Equal(t, "ef", readString(t, ec))
}

func TestByteToMessageDecoder_RemovalForwardsLeftover(t *testing.T) {
	ec := gionet.NewEmbeddedChannel()
	require.NoError(t, ec.Pipeline().AddLast("frames", NewFixedLengthDecoder(4)))
	require.NoError(t, ec.WriteInbound(buffer.Copy([]byte("abcdef"))))
	assert.Equal(t, "abcd", readString(t, ec))

	_, err := ec.Pipeline().Remove("frames")
	require.NoError(t, err)
	assert.Equal(t, "ef", readString(t, ec))
}

func TestLineDecoder(t *testing.T) {
	ec := gionet.NewEmbeddedChannel(NewLineDecoder(16))
	require.NoError(t, ec.WriteInbound(buffer.Copy([]byte("abc\r\ndef\nxy"))))
	assert.Equal(t, "abc", readString(t, ec))
	assert.Equal(t, "def", readString(t, ec))
	assert.Nil(t, ec.ReadInbound())

	require.NoError(t, ec.WriteInbound(buffer.Copy([]byte("z\n"))))
	assert.Equal(t, "xyz", readString(t, ec))
}

func TestLineDecoder_KeepsDelimiter(t *testing.T) {
	ec := gionet.NewEmbeddedChannel(NewByteToMessageDecoder(&LineBasedFrameDecoder{MaxLength: 16}))
	require.NoError(t, ec.WriteInbound(buffer.Copy([]byte("a\r\nb\n"))))
	assert.Equal(t, "a\r\n", readString(t, ec))
	assert.Equal(t, "b\n", readString(t, ec))
}

func TestLineDecoder_TooLong(t *testing.T) {
	ec := gionet.NewEmbeddedChannel(NewLineDecoder(4))

	// 整行已到达：直接报告超长并跳过该行
	err := ec.WriteInbound(buffer.Copy([]byte("toolong\nok\n")))
	var tl *TooLongFrameError
	require.ErrorAs(t, err, &tl)
	assert.Equal(t, int64(7), tl.Length)
	require.NoError(t, ec.WriteInbound(buffer.Copy(nil)))
	assert.Equal(t, "ok", readString(t, ec))

	// 超长行分段到达：读到行尾时报告，之后恢复正常
	require.NoError(t, ec.WriteInbound(buffer.Copy([]byte("abcdefgh"))))
	err = ec.WriteInbound(buffer.Copy([]byte("ij\nnext\n")))
	require.ErrorAs(t, err, &tl)
	assert.Equal(t, int64(10), tl.Length)
	require.NoError(t, ec.WriteInbound(buffer.Copy(nil)))
	assert.Equal(t, "next", readString(t, ec))
}

func TestLineDecoder_FailFast(t *testing.T) {
	ec := gionet.NewEmbeddedChannel(NewByteToMessageDecoder(&LineBasedFrameDecoder{MaxLength: 4, StripDelimiter: true, FailFast: true}))
	err := ec.WriteInbound(buffer.Copy([]byte("abcdefgh")))
	var tl *TooLongFrameError
	require.ErrorAs(t, err, &tl)

	require.NoError(t, ec.WriteInbound(buffer.Copy([]byte("ij\nok\n"))))
	assert.Equal(t, "ok", readString(t, ec))
}

func lengthPrefixed(payload string) []byte {
	b := binary.BigEndian.AppendUint16(nil, uint16(len(payload)))
	return append(b, payload...)
}

func TestLengthFieldDecoder(t *testing.T) {
	dec, err := NewLengthFieldDecoder(LengthFieldConfig{
		MaxFrameLength:      1024,
		LengthFieldLength:   2,
		InitialBytesToStrip: 2,
	})
	require.NoError(t, err)
	ec := gionet.NewEmbeddedChannel(dec)

	wire := append(lengthPrefixed("hello"), lengthPrefixed("world")...)
	require.NoError(t, ec.WriteInbound(buffer.Copy(wire[:4])))
	assert.Zero(t, ec.InboundLen())
	require.NoError(t, ec.WriteInbound(buffer.Copy(wire[4:])))
	assert.Equal(t, "hello", readString(t, ec))
	assert.Equal(t, "world", readString(t, ec))
}

func TestLengthFieldDecoder_AdjustmentAndOffset(t *testing.T) {
	// 1 字节类型 + 2 字节长度（含头部 3 字节）+ 负载
	dec, err := NewLengthFieldDecoder(LengthFieldConfig{
		MaxFrameLength:    64,
		LengthFieldOffset: 1,
		LengthFieldLength: 2,
		LengthAdjustment:  -3,
	})
	require.NoError(t, err)
	ec := gionet.NewEmbeddedChannel(dec)
	require.NoError(t, ec.WriteInbound(buffer.Copy([]byte{0x7, 0x0, 0x5, 'h', 'i'})))
	assert.Equal(t, "\x07\x00\x05hi", readString(t, ec))
}

func TestLengthFieldDecoder_DiscardsTooLongFrame(t *testing.T) {
	dec, err := NewLengthFieldDecoder(LengthFieldConfig{
		MaxFrameLength:      8,
		LengthFieldLength:   2,
		InitialBytesToStrip: 2,
	})
	require.NoError(t, err)
	ec := gionet.NewEmbeddedChannel(dec)

	big := lengthPrefixed("0123456789abcdefghij") // 22 字节
	require.NoError(t, ec.WriteInbound(buffer.Copy(big[:5])), "error is deferred until the frame is skipped")

	err = ec.WriteInbound(buffer.Copy(append(big[5:], lengthPrefixed("ok")...)))
	var tl *TooLongFrameError
	require.ErrorAs(t, err, &tl)
	assert.Equal(t, int64(22), tl.Length)
	assert.Equal(t, 8, tl.Max)

	require.NoError(t, ec.WriteInbound(buffer.Copy(nil)))
	assert.Equal(t, "ok", readString(t, ec))
}

func TestLengthFieldDecoder_FailFast(t *testing.T) {
	dec, err := NewLengthFieldDecoder(LengthFieldConfig{
		MaxFrameLength:    8,
		LengthFieldLength: 2,
		FailFast:          true,
	})
	require.NoError(t, err)
	ec := gionet.NewEmbeddedChannel(dec)

	big := lengthPrefixed("0123456789abcdefghij")
	var tl *TooLongFrameError
	require.ErrorAs(t, ec.WriteInbound(buffer.Copy(big[:5])), &tl)
	assert.NoError(t, ec.WriteInbound(buffer.Copy(big[5:])))
}

func TestLengthFieldDecoder_CorruptedLength(t *testing.T) {
	dec, err := NewLengthFieldDecoder(LengthFieldConfig{
		MaxFrameLength:    64,
		LengthFieldLength: 1,
		LengthAdjustment:  -5,
	})
	require.NoError(t, err)
	ec := gionet.NewEmbeddedChannel(dec)
	err = ec.WriteInbound(buffer.Copy([]byte{2, 'a', 'b'}))
	assert.ErrorIs(t, err, ErrCorruptedFrame)
}

func TestLengthFieldConfig_Validate(t *testing.T) {
	_, err := NewLengthFieldBasedFrameDecoder(LengthFieldConfig{MaxFrameLength: 10, LengthFieldLength: 5})
	assert.ErrorIs(t, err, gionet.ErrInvalidArgument)
	_, err = NewLengthFieldBasedFrameDecoder(LengthFieldConfig{MaxFrameLength: 0, LengthFieldLength: 2})
	assert.ErrorIs(t, err, gionet.ErrInvalidArgument)
	_, err = NewLengthFieldBasedFrameDecoder(LengthFieldConfig{MaxFrameLength: 4, LengthFieldOffset: 3, LengthFieldLength: 2})
	assert.ErrorIs(t, err, gionet.ErrInvalidArgument)
}

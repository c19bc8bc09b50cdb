// Package codec 提供字节流与消息之间的转换 handler：累积解码框架、
// 常用分帧解码器，以及 LenFlags 帧格式（支持 zstd 压缩与批量帧）。
package codec

import (
	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/buffer"
)

// Decoder 从累积缓冲 in 中解码消息，每得到一条调用一次 emit。
// 数据不足时不消费任何字节直接返回 nil，等待更多数据。
type Decoder interface {
	Decode(ctx *gionet.HandlerContext, in *buffer.Buffer, emit func(msg any)) error
}

// LastDecoder 在连接关闭时对剩余数据做最后一次解码。
type LastDecoder interface {
	DecodeLast(ctx *gionet.HandlerContext, in *buffer.Buffer, emit func(msg any)) error
}

// DecoderFunc 把函数适配为 Decoder。
type DecoderFunc func(ctx *gionet.HandlerContext, in *buffer.Buffer, emit func(msg any)) error

func (f DecoderFunc) Decode(ctx *gionet.HandlerContext, in *buffer.Buffer, emit func(msg any)) error {
	return f(ctx, in, emit)
}

// DefaultDiscardThreshold 是累积缓冲前导已读空间的默认压缩阈值。
const DefaultDiscardThreshold = 16 << 10

// ByteToMessageDecoder 把入站的 *buffer.Buffer 累积起来交给 Decoder，
// 解出的消息按顺序传给下一个 handler。每个通道需要独立的实例。
type ByteToMessageDecoder struct {
	decoder Decoder
	// DiscardThreshold 为前导已读空间超过多少字节时压缩累积缓冲
	DiscardThreshold int

	cum      *buffer.Buffer
	out      []any
	produced bool
	emitFn   func(any)
}

func NewByteToMessageDecoder(d Decoder) *ByteToMessageDecoder {
	b := &ByteToMessageDecoder{decoder: d, DiscardThreshold: DefaultDiscardThreshold}
	b.emitFn = func(msg any) { b.out = append(b.out, msg) }
	return b
}

// Cumulation 返回当前累积的未解码字节数。
func (b *ByteToMessageDecoder) Cumulation() int {
	if b.cum == nil {
		return 0
	}
	return b.cum.Len()
}

func (b *ByteToMessageDecoder) ChannelRead(ctx *gionet.HandlerContext, msg any) error {
	in, ok := msg.(*buffer.Buffer)
	if !ok {
		ctx.FireChannelRead(msg)
		return nil
	}
	if b.cum == nil {
		b.cum = in
	} else {
		_, _ = b.cum.Write(in.Bytes())
		in.Release()
	}
	err := b.callDecode(ctx, b.cum, b.decoder.Decode)
	b.trim()
	return err
}

// trim 释放已读空的累积缓冲，或在浪费空间过多时压缩。
func (b *ByteToMessageDecoder) trim() {
	if b.cum == nil {
		return
	}
	if b.cum.Len() == 0 {
		b.cum.Release()
		b.cum = nil
		return
	}
	b.cum.Compact(b.DiscardThreshold)
}

func (b *ByteToMessageDecoder) callDecode(ctx *gionet.HandlerContext, in *buffer.Buffer,
	decode func(*gionet.HandlerContext, *buffer.Buffer, func(any)) error) error {
	for in.Len() > 0 && !ctx.IsRemoved() {
		before := in.Len()
		err := decode(ctx, in, b.emitFn)
		n := len(b.out)
		b.fireOut(ctx)
		if err != nil {
			return decoderError(err)
		}
		if ctx.IsRemoved() {
			return nil
		}
		if n == 0 {
			if in.Len() == before {
				return nil
			}
			continue
		}
		if in.Len() == before {
			return &DecoderError{Err: ErrNoProgress}
		}
	}
	return nil
}

func (b *ByteToMessageDecoder) fireOut(ctx *gionet.HandlerContext) {
	for i, m := range b.out {
		b.out[i] = nil
		b.produced = true
		ctx.FireChannelRead(m)
	}
	b.out = b.out[:0]
}

func (b *ByteToMessageDecoder) ChannelReadComplete(ctx *gionet.HandlerContext) error {
	// 本轮没有产出消息且关闭了自动读时主动再读一次，否则会停在半帧上
	if !b.produced && !ctx.Channel().IsAutoRead() {
		ctx.Read()
	}
	b.produced = false
	ctx.FireChannelReadComplete()
	return nil
}

// ChannelInactive 对剩余数据做最后一次解码，然后丢弃剩余部分。
func (b *ByteToMessageDecoder) ChannelInactive(ctx *gionet.HandlerContext) error {
	if err := b.decodeLast(ctx); err != nil {
		ctx.FireExceptionCaught(err)
	}
	ctx.FireChannelInactive()
	return nil
}

func (b *ByteToMessageDecoder) decodeLast(ctx *gionet.HandlerContext) error {
	if b.cum == nil {
		return nil
	}
	defer func() {
		if b.cum != nil {
			b.cum.Release()
			b.cum = nil
		}
	}()
	if err := b.callDecode(ctx, b.cum, b.decoder.Decode); err != nil {
		return err
	}
	if ld, ok := b.decoder.(LastDecoder); ok && b.cum.Len() > 0 && !ctx.IsRemoved() {
		return b.callDecode(ctx, b.cum, ld.DecodeLast)
	}
	return nil
}

// HandlerRemoved 把未解码的字节原样交给下一个 handler。
func (b *ByteToMessageDecoder) HandlerRemoved(ctx *gionet.HandlerContext) {
	cum := b.cum
	b.cum = nil
	if cum == nil {
		return
	}
	if cum.Len() == 0 {
		cum.Release()
		return
	}
	ctx.FireChannelRead(cum)
	ctx.FireChannelReadComplete()
}

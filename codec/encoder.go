package codec

import (
	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/buffer"
)

// EncodeFunc 把 msg 编码写入 out。
type EncodeFunc[T any] func(ctx *gionet.HandlerContext, msg T, out *buffer.Buffer) error

// MessageToByteEncoder 把类型为 T 的出站消息编码为 *buffer.Buffer，其他消息原样透传。
type MessageToByteEncoder[T any] struct {
	encode   EncodeFunc[T]
	SizeHint int
}

func NewMessageToByteEncoder[T any](fn EncodeFunc[T]) *MessageToByteEncoder[T] {
	return &MessageToByteEncoder[T]{encode: fn, SizeHint: 256}
}

func (e *MessageToByteEncoder[T]) Write(ctx *gionet.HandlerContext, msg any, p *gionet.Promise) {
	m, ok := msg.(T)
	if !ok {
		ctx.WriteWith(msg, p)
		return
	}
	out := buffer.Get(e.SizeHint)
	if err := e.encode(ctx, m, out); err != nil {
		out.Release()
		p.TryFailure(&EncoderError{Err: err})
		return
	}
	// 空输出同样写下去，保证 Promise 按写入顺序完成
	ctx.WriteWith(out, p)
}

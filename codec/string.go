package codec

import (
	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/buffer"
	"golang.org/x/text/encoding"
)

// StringDecoder 把入站 *buffer.Buffer 转成 string。Encoding 为 nil 时按 UTF-8 原样转换。
type StringDecoder struct {
	Encoding encoding.Encoding
}

func (d StringDecoder) ChannelRead(ctx *gionet.HandlerContext, msg any) error {
	in, ok := msg.(*buffer.Buffer)
	if !ok {
		ctx.FireChannelRead(msg)
		return nil
	}
	defer in.Release()
	if d.Encoding == nil {
		ctx.FireChannelRead(string(in.Bytes()))
		return nil
	}
	s, err := d.Encoding.NewDecoder().Bytes(in.Bytes())
	if err != nil {
		return &DecoderError{Err: err}
	}
	ctx.FireChannelRead(string(s))
	return nil
}

// StringEncoder 把出站 string 编码为 *buffer.Buffer。
type StringEncoder struct {
	Encoding encoding.Encoding
}

func (e StringEncoder) Write(ctx *gionet.HandlerContext, msg any, p *gionet.Promise) {
	s, ok := msg.(string)
	if !ok {
		ctx.WriteWith(msg, p)
		return
	}
	if e.Encoding == nil {
		out := buffer.Get(len(s))
		_, _ = out.WriteString(s)
		ctx.WriteWith(out, p)
		return
	}
	b, err := e.Encoding.NewEncoder().String(s)
	if err != nil {
		p.TryFailure(&EncoderError{Err: err})
		return
	}
	ctx.WriteWith(buffer.Wrap([]byte(b)), p)
}

package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/buffer"
)

// LengthFieldConfig 描述长度字段的位置与含义。
type LengthFieldConfig struct {
	MaxFrameLength      int
	LengthFieldOffset   int
	LengthFieldLength   int // 1、2、3、4 或 8
	LengthAdjustment    int // 加到长度字段值上得到长度字段之后的字节数
	InitialBytesToStrip int
	FailFast            bool // 读到长度字段即报错，不等超长帧丢弃完
	ByteOrder           binary.ByteOrder
}

func (c *LengthFieldConfig) validate() error {
	switch {
	case c.MaxFrameLength <= 0:
		return fmt.Errorf("%w: max frame length %d", gionet.ErrInvalidArgument, c.MaxFrameLength)
	case c.LengthFieldOffset < 0:
		return fmt.Errorf("%w: length field offset %d", gionet.ErrInvalidArgument, c.LengthFieldOffset)
	case c.InitialBytesToStrip < 0:
		return fmt.Errorf("%w: initial bytes to strip %d", gionet.ErrInvalidArgument, c.InitialBytesToStrip)
	case c.LengthFieldOffset > c.MaxFrameLength-c.LengthFieldLength:
		return fmt.Errorf("%w: length field exceeds max frame length", gionet.ErrInvalidArgument)
	}
	switch c.LengthFieldLength {
	case 1, 2, 3, 4, 8:
	default:
		return fmt.Errorf("%w: length field length %d", gionet.ErrInvalidArgument, c.LengthFieldLength)
	}
	if c.ByteOrder == nil {
		c.ByteOrder = binary.BigEndian
	}
	return nil
}

func readLength(order binary.ByteOrder, b []byte) int64 {
	switch len(b) {
	case 1:
		return int64(b[0])
	case 2:
		return int64(order.Uint16(b))
	case 3:
		if order == binary.LittleEndian {
			return int64(b[0]) | int64(b[1])<<8 | int64(b[2])<<16
		}
		return int64(b[0])<<16 | int64(b[1])<<8 | int64(b[2])
	case 4:
		return int64(order.Uint32(b))
	default:
		return int64(order.Uint64(b))
	}
}

// LengthFieldBasedFrameDecoder 按消息中的长度字段切分帧，输出 *buffer.Buffer。
type LengthFieldBasedFrameDecoder struct {
	cfg        LengthFieldConfig
	endOffset  int
	discarding bool
	tooLongLen int64
	toDiscard  int64
}

func NewLengthFieldBasedFrameDecoder(cfg LengthFieldConfig) (*LengthFieldBasedFrameDecoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &LengthFieldBasedFrameDecoder{cfg: cfg, endOffset: cfg.LengthFieldOffset + cfg.LengthFieldLength}, nil
}

// NewLengthFieldDecoder 返回包装好的 ByteToMessageDecoder，可直接加入 pipeline。
func NewLengthFieldDecoder(cfg LengthFieldConfig) (*ByteToMessageDecoder, error) {
	d, err := NewLengthFieldBasedFrameDecoder(cfg)
	if err != nil {
		return nil, err
	}
	return NewByteToMessageDecoder(d), nil
}

func (d *LengthFieldBasedFrameDecoder) Decode(_ *gionet.HandlerContext, in *buffer.Buffer, emit func(any)) error {
	if d.discarding {
		n := d.toDiscard
		if int64(in.Len()) < n {
			n = int64(in.Len())
		}
		in.Discard(int(n))
		d.toDiscard -= n
		return d.failIfNecessary(false)
	}
	if in.Len() < d.endOffset {
		return nil
	}
	hdr := in.Peek(d.endOffset)
	length := readLength(d.cfg.ByteOrder, hdr[d.cfg.LengthFieldOffset:])
	if length < 0 {
		in.Discard(d.endOffset)
		return fmt.Errorf("%w: negative length field %d", ErrCorruptedFrame, length)
	}
	frameLen := length + int64(d.cfg.LengthAdjustment) + int64(d.endOffset)
	if frameLen < int64(d.endOffset) {
		in.Discard(d.endOffset)
		return fmt.Errorf("%w: adjusted frame length %d is less than length field end offset %d",
			ErrCorruptedFrame, frameLen, d.endOffset)
	}
	if frameLen > int64(d.cfg.MaxFrameLength) {
		return d.exceeded(in, frameLen)
	}
	if int64(in.Len()) < frameLen {
		return nil
	}
	if int64(d.cfg.InitialBytesToStrip) > frameLen {
		in.Discard(int(frameLen))
		return fmt.Errorf("%w: adjusted frame length %d is less than initial bytes to strip %d",
			ErrCorruptedFrame, frameLen, d.cfg.InitialBytesToStrip)
	}
	in.Discard(d.cfg.InitialBytesToStrip)
	emit(buffer.Copy(in.Next(int(frameLen) - d.cfg.InitialBytesToStrip)))
	return nil
}

func (d *LengthFieldBasedFrameDecoder) exceeded(in *buffer.Buffer, frameLen int64) error {
	remain := frameLen - int64(in.Len())
	d.tooLongLen = frameLen
	if remain <= 0 {
		in.Discard(int(frameLen))
	} else {
		d.discarding = true
		d.toDiscard = remain
		in.Discard(in.Len())
	}
	return d.failIfNecessary(true)
}

func (d *LengthFieldBasedFrameDecoder) failIfNecessary(first bool) error {
	if d.toDiscard == 0 {
		n := d.tooLongLen
		d.tooLongLen = 0
		d.discarding = false
		if !d.cfg.FailFast || first {
			return &TooLongFrameError{Length: n, Max: d.cfg.MaxFrameLength}
		}
		return nil
	}
	if d.cfg.FailFast && first {
		return &TooLongFrameError{Length: d.tooLongLen, Max: d.cfg.MaxFrameLength}
	}
	return nil
}

// LengthFieldPrepender 在出站的 *buffer.Buffer 前加上长度字段。
type LengthFieldPrepender struct {
	lengthFieldLength int
	adjustment        int
	includeSelf       bool
	order             binary.ByteOrder
}

// NewLengthFieldPrepender 创建长度前缀编码器。includeSelf 为 true 时长度包含长度字段本身。
func NewLengthFieldPrepender(lengthFieldLength, adjustment int, includeSelf bool) (*LengthFieldPrepender, error) {
	switch lengthFieldLength {
	case 1, 2, 3, 4, 8:
	default:
		return nil, fmt.Errorf("%w: length field length %d", gionet.ErrInvalidArgument, lengthFieldLength)
	}
	return &LengthFieldPrepender{
		lengthFieldLength: lengthFieldLength,
		adjustment:        adjustment,
		includeSelf:       includeSelf,
		order:             binary.BigEndian,
	}, nil
}

func (e *LengthFieldPrepender) Write(ctx *gionet.HandlerContext, msg any, p *gionet.Promise) {
	in, ok := msg.(*buffer.Buffer)
	if !ok {
		ctx.WriteWith(msg, p)
		return
	}
	length := int64(in.Len() + e.adjustment)
	if e.includeSelf {
		length += int64(e.lengthFieldLength)
	}
	if length < 0 {
		in.Release()
		p.TryFailure(&EncoderError{Err: fmt.Errorf("%w: adjusted frame length %d", gionet.ErrInvalidArgument, length)})
		return
	}
	var hdr [8]byte
	switch e.lengthFieldLength {
	case 1:
		if length >= 1<<8 {
			in.Release()
			p.TryFailure(&EncoderError{Err: fmt.Errorf("length %d does not fit into a byte", length)})
			return
		}
		hdr[0] = byte(length)
	case 2:
		if length >= 1<<16 {
			in.Release()
			p.TryFailure(&EncoderError{Err: fmt.Errorf("length %d does not fit into a short", length)})
			return
		}
		e.order.PutUint16(hdr[:], uint16(length))
	case 3:
		if length >= 1<<24 {
			in.Release()
			p.TryFailure(&EncoderError{Err: fmt.Errorf("length %d does not fit into a medium", length)})
			return
		}
		hdr[0], hdr[1], hdr[2] = byte(length>>16), byte(length>>8), byte(length)
	case 4:
		if length >= 1<<32 {
			in.Release()
			p.TryFailure(&EncoderError{Err: fmt.Errorf("length %d does not fit into an int", length)})
			return
		}
		e.order.PutUint32(hdr[:], uint32(length))
	case 8:
		e.order.PutUint64(hdr[:], uint64(length))
	}
	out := buffer.Get(e.lengthFieldLength + in.Len())
	_, _ = out.Write(hdr[:e.lengthFieldLength])
	_, _ = out.Write(in.Bytes())
	in.Release()
	ctx.WriteWith(out, p)
}

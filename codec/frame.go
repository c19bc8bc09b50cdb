package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/buffer"
)

// Frame 是 LenFlags 帧格式中的一条消息。
type Frame struct {
	API     uint16
	Payload []byte
}

// FrameDecoder 解析 LenFlags 帧：单帧为 头部 + API(2B) + 负载，
// 批量帧为 头部 + zstd(条数 uvarint，{API, 长度 uvarint, 负载}...)。
// 每条消息以 Frame 值输出，批量帧在这里展开。
type FrameDecoder struct {
	// MaxFrameLength 限制单帧线上长度与解压后的长度，0 表示不限制
	MaxFrameLength int
}

// NewFrameDecoder 返回可直接加入 pipeline 的 LenFlags 解码器。
func NewFrameDecoder(maxFrameLength int) *ByteToMessageDecoder {
	return NewByteToMessageDecoder(&FrameDecoder{MaxFrameLength: maxFrameLength})
}

func (d *FrameDecoder) Decode(_ *gionet.HandlerContext, in *buffer.Buffer, emit func(any)) error {
	n, err := decodeFrame(in.Bytes(), d.MaxFrameLength, func(f Frame) { emit(f) })
	var tl *TooLongFrameError
	if n == 0 && errors.As(err, &tl) {
		// 长度字段不可信，后续字节无法重新同步
		in.Discard(in.Len())
		return err
	}
	in.Discard(n)
	return err
}

// ParseFrames 从 b 中解析尽可能多的完整帧并依次回调 emit，返回消费的字节数。
// 剩余的不完整帧留给调用方在收到更多数据后重试。
func ParseFrames(b []byte, maxFrameLength int, emit func(Frame)) (int, error) {
	consumed := 0
	for {
		n, err := decodeFrame(b[consumed:], maxFrameLength, emit)
		consumed += n
		if err != nil || n == 0 {
			return consumed, err
		}
	}
}

// decodeFrame 解析 b 开头的一帧。数据不足时返回 0, nil。
func decodeFrame(b []byte, maxFrameLength int, emit func(Frame)) (int, error) {
	h, hn, err := parseLenFlags(b)
	if err == errHeaderTooShort {
		return 0, nil
	}
	if maxFrameLength > 0 && h.length > maxFrameLength {
		return 0, &TooLongFrameError{Length: int64(h.length), Max: maxFrameLength}
	}
	if h.batched {
		n := hn + h.length
		if len(b) < n {
			return 0, nil
		}
		body, err := decompress(b[hn:n], maxFrameLength)
		if err != nil {
			return n, err
		}
		return n, unpackBatch(body, emit)
	}
	n := hn + 2 + h.length
	if len(b) < n {
		return 0, nil
	}
	api := binary.BigEndian.Uint16(b[hn:])
	payload := b[hn+2 : n]
	if h.compressed {
		if payload, err = decompress(payload, maxFrameLength); err != nil {
			return n, err
		}
	} else {
		payload = append([]byte(nil), payload...)
	}
	emit(Frame{API: api, Payload: payload})
	return n, nil
}

func unpackBatch(body []byte, emit func(Frame)) error {
	r := bytes.NewReader(body)
	num, err := binary.ReadUvarint(r)
	if err != nil {
		return fmt.Errorf("%w: batch count: %v", ErrCorruptedFrame, err)
	}
	for i := uint64(0); i < num; i++ {
		var ab [2]byte
		if _, err := io.ReadFull(r, ab[:]); err != nil {
			return fmt.Errorf("%w: batch item %d api: %v", ErrCorruptedFrame, i, err)
		}
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return fmt.Errorf("%w: batch item %d length: %v", ErrCorruptedFrame, i, err)
		}
		if n > uint64(r.Len()) {
			return fmt.Errorf("%w: batch item %d length %d exceeds body", ErrCorruptedFrame, i, n)
		}
		var payload []byte
		if n > 0 {
			payload = make([]byte, n)
			_, _ = io.ReadFull(r, payload)
		}
		emit(Frame{API: binary.BigEndian.Uint16(ab[:]), Payload: payload})
	}
	return nil
}

// FrameEncoder 把出站的 Frame、*Frame 或 []Frame 编码为 LenFlags 帧。
// []Frame 编码为一个批量帧（总是压缩）。
type FrameEncoder struct {
	// CompressThreshold 为单帧负载达到多少字节时压缩，0 表示不压缩
	CompressThreshold int
}

func (e *FrameEncoder) Write(ctx *gionet.HandlerContext, msg any, p *gionet.Promise) {
	var (
		b   []byte
		err error
	)
	switch m := msg.(type) {
	case Frame:
		b, err = AppendFrame(nil, m, e.CompressThreshold)
	case *Frame:
		b, err = AppendFrame(nil, *m, e.CompressThreshold)
	case []Frame:
		b, err = AppendBatch(nil, m)
	default:
		ctx.WriteWith(msg, p)
		return
	}
	if err != nil {
		p.TryFailure(&EncoderError{Err: err})
		return
	}
	ctx.WriteWith(buffer.Wrap(b), p)
}

// AppendFrame 把 f 编码为单帧追加到 dst。compressThreshold 大于 0 且负载不小于它时压缩。
func AppendFrame(dst []byte, f Frame, compressThreshold int) ([]byte, error) {
	body := f.Payload
	compressed := compressThreshold > 0 && len(body) >= compressThreshold
	if compressed {
		body = compress(nil, body)
	}
	dst = slices.Grow(dst, headerSize(len(body))+2+len(body))
	dst, err := appendLenFlags(dst, lenFlags{length: len(body), compressed: compressed})
	if err != nil {
		return dst, err
	}
	dst = binary.BigEndian.AppendUint16(dst, f.API)
	return append(dst, body...), nil
}

// AppendBatch 把 frames 编码为一个批量帧追加到 dst，批量帧总是压缩。
func AppendBatch(dst []byte, frames []Frame) ([]byte, error) {
	size := binary.MaxVarintLen64
	for _, f := range frames {
		size += 2 + binary.MaxVarintLen64 + len(f.Payload)
	}
	pre := make([]byte, 0, size)
	pre = binary.AppendUvarint(pre, uint64(len(frames)))
	for _, f := range frames {
		pre = binary.BigEndian.AppendUint16(pre, f.API)
		pre = binary.AppendUvarint(pre, uint64(len(f.Payload)))
		pre = append(pre, f.Payload...)
	}
	body := compress(nil, pre)
	dst = slices.Grow(dst, headerSize(len(body))+len(body))
	dst, err := appendLenFlags(dst, lenFlags{length: len(body), batched: true})
	if err != nil {
		return dst, err
	}
	return append(dst, body...), nil
}

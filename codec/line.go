package codec

import (
	"bytes"

	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/buffer"
)

// LineBasedFrameDecoder 按 "\n" 或 "\r\n" 切分行。
type LineBasedFrameDecoder struct {
	MaxLength      int
	StripDelimiter bool
	FailFast       bool

	discarding bool
	discarded  int
}

// NewLineDecoder 返回按行切分的 ByteToMessageDecoder，输出去掉分隔符的 *buffer.Buffer。
func NewLineDecoder(maxLength int) *ByteToMessageDecoder {
	return NewByteToMessageDecoder(&LineBasedFrameDecoder{MaxLength: maxLength, StripDelimiter: true})
}

// findEndOfLine 返回分隔符起始位置与长度；未找到时返回 -1。
func findEndOfLine(b []byte) (int, int) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return -1, 0
	}
	if i > 0 && b[i-1] == '\r' {
		return i - 1, 2
	}
	return i, 1
}

func (d *LineBasedFrameDecoder) Decode(_ *gionet.HandlerContext, in *buffer.Buffer, emit func(any)) error {
	eol, delim := findEndOfLine(in.Bytes())
	if d.discarding {
		if eol < 0 {
			d.discarded += in.Discard(in.Len())
			return nil
		}
		n := d.discarded + eol
		in.Discard(eol + delim)
		d.discarding = false
		d.discarded = 0
		if !d.FailFast {
			return &TooLongFrameError{Length: int64(n), Max: d.MaxLength}
		}
		return nil
	}
	if eol < 0 {
		if n := in.Len(); n > d.MaxLength {
			d.discarding = true
			d.discarded = in.Discard(n)
			if d.FailFast {
				return &TooLongFrameError{Length: int64(n), Max: d.MaxLength}
			}
		}
		return nil
	}
	if eol > d.MaxLength {
		in.Discard(eol + delim)
		return &TooLongFrameError{Length: int64(eol), Max: d.MaxLength}
	}
	if d.StripDelimiter {
		frame := buffer.Copy(in.Next(eol))
		in.Discard(delim)
		emit(frame)
		return nil
	}
	emit(buffer.Copy(in.Next(eol + delim)))
	return nil
}

// FixedLengthFrameDecoder 把字节流切成固定长度的帧。
type FixedLengthFrameDecoder struct {
	Length int
}

// NewFixedLengthDecoder 返回按固定长度切分的 ByteToMessageDecoder。
func NewFixedLengthDecoder(length int) *ByteToMessageDecoder {
	return NewByteToMessageDecoder(&FixedLengthFrameDecoder{Length: length})
}

func (d *FixedLengthFrameDecoder) Decode(_ *gionet.HandlerContext, in *buffer.Buffer, emit func(any)) error {
	if d.Length <= 0 || in.Len() < d.Length {
		return nil
	}
	emit(buffer.Copy(in.Next(d.Length)))
	return nil
}

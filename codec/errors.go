package codec

import (
	"errors"
	"fmt"
)

var (
	ErrCorruptedFrame = errors.New("codec: corrupted frame")
	ErrNoProgress     = errors.New("codec: decoder produced a message without consuming input")
)

// DecoderError 包装解码过程中的错误。
type DecoderError struct {
	Err error
}

func (e *DecoderError) Error() string { return "codec: decode: " + e.Err.Error() }
func (e *DecoderError) Unwrap() error { return e.Err }

// EncoderError 包装编码过程中的错误，写入的 Promise 以它失败。
type EncoderError struct {
	Err error
}

func (e *EncoderError) Error() string { return "codec: encode: " + e.Err.Error() }
func (e *EncoderError) Unwrap() error { return e.Err }

// TooLongFrameError 表示帧长度超过上限，超长部分已被丢弃。
type TooLongFrameError struct {
	Length int64 // 已知的帧长度；未知时为已丢弃的字节数
	Max    int
}

func (e *TooLongFrameError) Error() string {
	return fmt.Sprintf("codec: frame length %d exceeds %d", e.Length, e.Max)
}

func decoderError(err error) error {
	var de *DecoderError
	var tl *TooLongFrameError
	if errors.As(err, &de) || errors.As(err, &tl) {
		return err
	}
	return &DecoderError{Err: err}
}

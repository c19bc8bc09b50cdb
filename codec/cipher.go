package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/buffer"
)

// Cipher 原地加解密字节流。实现必须保持长度不变，并按流顺序处理。
type Cipher interface {
	EncryptInPlace(p []byte)
	DecryptInPlace(p []byte)
}

// CipherHandler 解密入站 *buffer.Buffer、加密出站 *buffer.Buffer，其他消息原样透传。
// 应放在 pipeline 最靠近 head 的位置，每个通道一个实例。
type CipherHandler[C Cipher] struct {
	c C
}

func NewCipherHandler[C Cipher](c C) *CipherHandler[C] { return &CipherHandler[C]{c: c} }

func (h *CipherHandler[C]) ChannelRead(ctx *gionet.HandlerContext, msg any) error {
	if b, ok := msg.(*buffer.Buffer); ok {
		h.c.DecryptInPlace(b.Bytes())
	}
	ctx.FireChannelRead(msg)
	return nil
}

func (h *CipherHandler[C]) Write(ctx *gionet.HandlerContext, msg any, p *gionet.Promise) {
	switch m := msg.(type) {
	case *buffer.Buffer:
		h.c.EncryptInPlace(m.Bytes())
	case []byte:
		b := buffer.Copy(m)
		h.c.EncryptInPlace(b.Bytes())
		msg = b
	}
	ctx.WriteWith(msg, p)
}

// StreamCipher 用两条独立的 cipher.Stream 实现 Cipher，分别用于收发方向。
type StreamCipher struct {
	enc, dec cipher.Stream
}

func (s *StreamCipher) EncryptInPlace(p []byte) { s.enc.XORKeyStream(p, p) }

func (s *StreamCipher) DecryptInPlace(p []byte) { s.dec.XORKeyStream(p, p) }

// NewAESCTR 以 key 与 iv 构造 AES-CTR 流加密。两端使用相同参数即可互通。
func NewAESCTR(key, iv []byte) (*StreamCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("codec: aes cipher: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("codec: iv length %d, want %d", len(iv), block.BlockSize())
	}
	return &StreamCipher{
		enc: cipher.NewCTR(block, iv),
		dec: cipher.NewCTR(block, iv),
	}, nil
}

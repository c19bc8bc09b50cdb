package codec

import (
	"encoding/binary"
	"errors"
)

// LenFlags 头部：
// 短头（2B，BE）：bit15 Compressed，bit14 Batched，bit13 Ext=0，bit12..0 长度（0..8191）
// 长头（4B，BE）：bit31 Compressed，bit30 Batched，bit29 Ext=1，bit28..0 长度
// Batched 隐含 Compressed。

const (
	shortHeadMaxLen = 1<<13 - 1
	longHeadMaxLen  = 1<<29 - 1

	flagCompressed16 = 1 << 15
	flagBatched16    = 1 << 14
	flagExt16        = 1 << 13
)

var (
	errHeaderTooShort   = errors.New("codec: lenflags header too short")
	errLengthOutOfRange = errors.New("codec: lenflags length out of range")
)

type lenFlags struct {
	length     int
	compressed bool
	batched    bool
}

// headerSize 返回编码 length 所需的头部字节数。
func headerSize(length int) int {
	if length <= shortHeadMaxLen {
		return 2
	}
	return 4
}

// appendLenFlags 把头部追加到 dst。
func appendLenFlags(dst []byte, h lenFlags) ([]byte, error) {
	if h.length < 0 || h.length > longHeadMaxLen {
		return dst, errLengthOutOfRange
	}
	if h.batched {
		h.compressed = true
	}
	if h.length <= shortHeadMaxLen {
		v := uint16(h.length)
		if h.compressed {
			v |= flagCompressed16
		}
		if h.batched {
			v |= flagBatched16
		}
		return binary.BigEndian.AppendUint16(dst, v), nil
	}
	v := uint32(1<<29) | uint32(h.length)
	if h.compressed {
		v |= 1 << 31
	}
	if h.batched {
		v |= 1 << 30
	}
	return binary.BigEndian.AppendUint32(dst, v), nil
}

// parseLenFlags 解析头部，返回消费的字节数。数据不足时返回 errHeaderTooShort。
func parseLenFlags(b []byte) (lenFlags, int, error) {
	if len(b) < 2 {
		return lenFlags{}, 0, errHeaderTooShort
	}
	v16 := binary.BigEndian.Uint16(b)
	if v16&flagExt16 == 0 {
		return lenFlags{
			length:     int(v16 & 0x1FFF),
			compressed: v16&flagCompressed16 != 0,
			batched:    v16&flagBatched16 != 0,
		}, 2, nil
	}
	if len(b) < 4 {
		return lenFlags{}, 0, errHeaderTooShort
	}
	v32 := binary.BigEndian.Uint32(b)
	return lenFlags{
		length:     int(v32 & 0x1FFFFFFF),
		compressed: v32&(1<<31) != 0,
		batched:    v32&(1<<30) != 0,
	}, 4, nil
}

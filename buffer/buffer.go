// Package buffer 提供带读写指针的字节缓冲及其复用池。
//
// Buffer 同一时刻只归一个持有者所有；向下游传递即转移所有权，
// 最终持有者调用 Release 归还到池中。
package buffer

import (
	"errors"
	"io"
	"sync"
)

// DefaultSize 是 Get 在未指定容量时分配的大小。
const DefaultSize = 4 << 10

// 超过该容量的缓冲不回收，避免池中囤积大块内存。
const maxPooledSize = 1 << 20

var ErrReleased = errors.New("buffer: use after release")

// Buffer 是线性字节缓冲：[0, r) 已读，[r, w) 可读，[w, cap) 可写。
type Buffer struct {
	buf      []byte
	r, w     int
	pooled   bool
	released bool
}

var pool = sync.Pool{New: func() any { return &Buffer{buf: make([]byte, DefaultSize)} }}

// New 分配一个不进入池的缓冲。
func New(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, capacity)}
}

// Wrap 以 p 为底层存储，p 的全部内容视为可读。调用方交出 p 的所有权。
func Wrap(p []byte) *Buffer {
	return &Buffer{buf: p, w: len(p)}
}

// Get 从池中取出一个容量不小于 capacity 的空缓冲。
func Get(capacity int) *Buffer {
	b := pool.Get().(*Buffer)
	if cap(b.buf) < capacity {
		b.buf = make([]byte, capacity)
	}
	b.buf = b.buf[:cap(b.buf)]
	b.r, b.w = 0, 0
	b.pooled = true
	b.released = false
	return b
}

// Copy 返回 p 的池化副本。
func Copy(p []byte) *Buffer {
	b := Get(len(p))
	b.w = copy(b.buf, p)
	return b
}

// Release 归还缓冲；重复调用无副作用。
func (b *Buffer) Release() {
	if b == nil || b.released {
		return
	}
	b.released = true
	if b.pooled && cap(b.buf) <= maxPooledSize {
		b.r, b.w = 0, 0
		pool.Put(b)
		return
	}
	b.buf = nil
}

// Released 报告缓冲是否已归还。
func (b *Buffer) Released() bool { return b.released }

func (b *Buffer) Cap() int { return len(b.buf) }

// Len 返回可读字节数。
func (b *Buffer) Len() int { return b.w - b.r }

// Free 返回无需扩容即可写入的字节数。
func (b *Buffer) Free() int { return len(b.buf) - b.w }

// ReaderIndex 返回已读字节数，即可被压缩回收的前导空间。
func (b *Buffer) ReaderIndex() int { return b.r }

// Bytes 返回可读部分的视图，在下一次写入或压缩前有效。
func (b *Buffer) Bytes() []byte { return b.buf[b.r:b.w] }

func (b *Buffer) grow(n int) {
	if b.Free() >= n {
		return
	}
	// 先尝试就地压缩
	if b.r > 0 && len(b.buf)-b.Len() >= n {
		b.DiscardReadBytes()
		return
	}
	newCap := 2 * len(b.buf)
	if newCap < b.Len()+n {
		newCap = b.Len() + n
	}
	nb := make([]byte, newCap)
	b.w = copy(nb, b.buf[b.r:b.w])
	b.r = 0
	b.buf = nb
}

// Write 追加 p，必要时扩容。
func (b *Buffer) Write(p []byte) (int, error) {
	if b.released {
		return 0, ErrReleased
	}
	b.grow(len(p))
	n := copy(b.buf[b.w:], p)
	b.w += n
	return n, nil
}

func (b *Buffer) WriteString(s string) (int, error) {
	if b.released {
		return 0, ErrReleased
	}
	b.grow(len(s))
	n := copy(b.buf[b.w:], s)
	b.w += n
	return n, nil
}

func (b *Buffer) WriteByte(c byte) error {
	if b.released {
		return ErrReleased
	}
	b.grow(1)
	b.buf[b.w] = c
	b.w++
	return nil
}

// WritableSlice 返回至少 min 字节的可写区域，写入后用 Commit 提交。
func (b *Buffer) WritableSlice(min int) []byte {
	b.grow(min)
	return b.buf[b.w:]
}

// Commit 提交 WritableSlice 中写入的 n 字节。
func (b *Buffer) Commit(n int) {
	if n < 0 || n > b.Free() {
		panic("buffer: commit out of range")
	}
	b.w += n
}

// Peek 读取最多 n 字节但不前进读指针。
func (b *Buffer) Peek(n int) []byte {
	if n <= 0 {
		return nil
	}
	if n > b.Len() {
		n = b.Len()
	}
	return b.buf[b.r : b.r+n]
}

// Discard 前进读指针。
func (b *Buffer) Discard(n int) int {
	if n > b.Len() {
		n = b.Len()
	}
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
	return n
}

// Next 返回接下来 n 字节的视图并前进读指针。
func (b *Buffer) Next(n int) []byte {
	p := b.Peek(n)
	b.r += len(p)
	return p
}

// Read 实现 io.Reader。
func (b *Buffer) Read(p []byte) (int, error) {
	if b.Len() == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.buf[b.r:b.w])
	b.Discard(n)
	return n, nil
}

// DiscardReadBytes 把可读部分搬到起始位置，回收前导空间。
func (b *Buffer) DiscardReadBytes() {
	if b.r == 0 {
		return
	}
	b.w = copy(b.buf, b.buf[b.r:b.w])
	b.r = 0
}

// Compact 在前导已读空间超过 threshold 时执行 DiscardReadBytes，返回是否搬移。
func (b *Buffer) Compact(threshold int) bool {
	if b.r == 0 || b.r <= threshold {
		return false
	}
	b.DiscardReadBytes()
	return true
}

// Reset 清空内容但保留底层存储。
func (b *Buffer) Reset() { b.r, b.w = 0, 0 }

package gionet

import (
	"fmt"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/legamerdc/gionet/buffer"
)

// 单次 writev 最多携带的片段数（IOV_MAX）。
const maxIOV = 1024

type outboundEntry struct {
	msg      *buffer.Buffer
	promise  *Promise
	size     int64
	progress int64 // 已写入内核的字节数
	flushed  bool
}

// OutboundBuffer 是通道的待发送队列：队首的 flushed 个条目可被写出，其余等待下一次 flush。
//
// 除 TotalPendingBytes/IsWritable 外的方法只能在事件循环中调用。
// 待发送字节数达到高水位时变为不可写，回落到低水位以下才恢复，避免标志抖动。
type OutboundBuffer struct {
	entries   *queue.Queue // *outboundEntry
	flushed   int
	unflushed int64
	pending   atomic.Int64
	// bit0 为水位标志，其余位由用户定义
	unwritable atomic.Uint32
	high, low  atomic.Int64
	iov        [][]byte

	onWritabilityChanged func()
}

func newOutboundBuffer(low, high int, onChanged func()) *OutboundBuffer {
	b := &OutboundBuffer{entries: queue.New(), onWritabilityChanged: onChanged}
	b.high.Store(int64(high))
	b.low.Store(int64(low))
	return b
}

// AddMessage 追加一条待写消息，buffer 所有权转入队列。
func (b *OutboundBuffer) AddMessage(msg *buffer.Buffer, p *Promise) {
	e := &outboundEntry{msg: msg, promise: p, size: int64(msg.Len())}
	b.entries.Add(e)
	b.unflushed += e.size
	b.incrementPending(e.size)
}

// AddFlush 把当前全部排队消息标记为可写出。
func (b *OutboundBuffer) AddFlush() {
	for i := b.flushed; i < b.entries.Length(); i++ {
		b.entries.Get(i).(*outboundEntry).flushed = true
	}
	b.flushed = b.entries.Length()
	b.unflushed = 0
}

// Current 返回队首可写出的消息；没有时为 nil。
func (b *OutboundBuffer) Current() *buffer.Buffer {
	if b.flushed == 0 {
		return nil
	}
	return b.entries.Peek().(*outboundEntry).msg
}

// Remove 弹出队首可写出的消息并以成功完成其 Promise。
func (b *OutboundBuffer) Remove() bool {
	if b.flushed == 0 {
		return false
	}
	e := b.entries.Remove().(*outboundEntry)
	b.flushed--
	e.msg.Release()
	b.decrementPending(e.size, true)
	e.promise.TrySuccess()
	return true
}

// RemoveBytes 记录已写出 n 字节：写完的条目被移除，部分写出的条目前进读指针。
func (b *OutboundBuffer) RemoveBytes(n int64) {
	for b.flushed > 0 {
		e := b.entries.Peek().(*outboundEntry)
		readable := int64(e.msg.Len())
		if readable > n {
			if n > 0 {
				e.msg.Discard(int(n))
				e.progress += n
			}
			return
		}
		e.progress += readable
		n -= readable
		b.Remove()
	}
}

// nioBuffers 收集可写出条目的字节视图，供一次 writev 使用。
func (b *OutboundBuffer) nioBuffers() [][]byte {
	b.iov = b.iov[:0]
	for i := 0; i < b.flushed && len(b.iov) < maxIOV; i++ {
		e := b.entries.Get(i).(*outboundEntry)
		if e.msg.Len() > 0 {
			b.iov = append(b.iov, e.msg.Bytes())
		}
	}
	return b.iov
}

// TotalPendingBytes 返回队列中（含未 flush）的字节总数，可在任意 goroutine 调用。
func (b *OutboundBuffer) TotalPendingBytes() int64 { return b.pending.Load() }

// Size 返回排队消息条数。
func (b *OutboundBuffer) Size() int { return b.entries.Length() }

// FlushedSize 返回可写出的消息条数。
func (b *OutboundBuffer) FlushedSize() int { return b.flushed }

// IsWritable 报告水位位与所有用户位是否都处于可写状态。
func (b *OutboundBuffer) IsWritable() bool { return b.unwritable.Load() == 0 }

// BytesBeforeUnwritable 返回距离高水位还能写入的字节数。
func (b *OutboundBuffer) BytesBeforeUnwritable() int64 {
	if !b.IsWritable() {
		return 0
	}
	n := b.high.Load() - b.pending.Load()
	if n < 0 {
		return 0
	}
	return n
}

func (b *OutboundBuffer) setWaterMark(low, high int) {
	b.low.Store(int64(low))
	b.high.Store(int64(high))
}

func (b *OutboundBuffer) incrementPending(size int64) {
	if size == 0 {
		return
	}
	if b.pending.Add(size) >= b.high.Load() {
		b.setUnwritable(1, true)
	}
}

func (b *OutboundBuffer) decrementPending(size int64, notify bool) {
	if size == 0 {
		return
	}
	if b.pending.Add(-size) < b.low.Load() {
		b.setWritable(1, notify)
	}
}

// SetUserDefinedWritability 设置第 index 个（1..31）用户可写位。
func (b *OutboundBuffer) SetUserDefinedWritability(index int, writable bool) {
	if index < 1 || index > 31 {
		panic(fmt.Sprintf("gionet: user defined writability index %d out of range [1,31]", index))
	}
	mask := uint32(1) << uint(index)
	if writable {
		b.setWritable(mask, true)
	} else {
		b.setUnwritable(mask, true)
	}
}

// UserDefinedWritability 报告第 index 个用户位是否可写。
func (b *OutboundBuffer) UserDefinedWritability(index int) bool {
	return b.unwritable.Load()&(uint32(1)<<uint(index)) == 0
}

func (b *OutboundBuffer) setUnwritable(mask uint32, notify bool) {
	for {
		old := b.unwritable.Load()
		if b.unwritable.CompareAndSwap(old, old|mask) {
			if old == 0 && notify {
				b.fireWritabilityChanged()
			}
			return
		}
	}
}

func (b *OutboundBuffer) setWritable(mask uint32, notify bool) {
	for {
		old := b.unwritable.Load()
		nv := old &^ mask
		if b.unwritable.CompareAndSwap(old, nv) {
			if old != 0 && nv == 0 && notify {
				b.fireWritabilityChanged()
			}
			return
		}
	}
}

func (b *OutboundBuffer) fireWritabilityChanged() {
	if b.onWritabilityChanged != nil {
		b.onWritabilityChanged()
	}
}

// failFlushed 以 cause 失败所有已 flush 的条目（写出过程中出错）。
func (b *OutboundBuffer) failFlushed(cause error) {
	for b.flushed > 0 {
		e := b.entries.Remove().(*outboundEntry)
		b.flushed--
		b.fail(e, cause)
	}
}

// close 在通道关闭时失败所有剩余条目。未 flush 的条目报告为从未尝试。
func (b *OutboundBuffer) close(cause error) {
	for b.entries.Length() > 0 {
		e := b.entries.Remove().(*outboundEntry)
		if e.flushed {
			b.flushed--
		}
		b.fail(e, cause)
	}
	b.flushed = 0
	b.unflushed = 0
}

func (b *OutboundBuffer) fail(e *outboundEntry, cause error) {
	e.msg.Release()
	b.decrementPending(e.size, false)
	e.promise.TryFailure(&WriteError{Attempted: e.flushed, Written: e.progress, Err: cause})
}

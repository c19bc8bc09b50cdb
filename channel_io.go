package gionet

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/legamerdc/gionet/buffer"
)

// 本文件中的方法只在通道的事件循环中调用。

func (ch *Channel) register0(p *Promise) {
	if ch.closing {
		p.TryFailure(ErrChannelClosed)
		return
	}
	if ch.loop != nil {
		if err := ch.loop.attach(ch); err != nil {
			p.TryFailure(err)
			ch.close0(nil)
			return
		}
	}
	ch.registered = true
	ch.state.Store(int32(StateRegistered))
	ch.pipeline.onRegistered()
	p.TrySuccess()
	ch.pipeline.FireChannelRegistered()
	if ch.t != nil && ch.kind != kindServer && ch.IsOpen() {
		ch.activate(nil)
	}
}

func (ch *Channel) deregister0(p *Promise) {
	if !ch.registered {
		p.TryFailure(ErrNotRegistered)
		return
	}
	if ch.loop != nil {
		ch.loop.detach(ch)
	}
	ch.registered = false
	if ch.IsOpen() {
		ch.state.Store(int32(StateUnregistered))
	}
	p.TrySuccess()
	ch.pipeline.FireChannelUnregistered()
}

// activate 把通道切到 Active，触发事件并开始读写。
func (ch *Channel) activate(p *Promise) {
	ch.state.Store(int32(StateActive))
	ch.publishAddrs()
	if p != nil {
		p.TrySuccess()
	}
	ch.pipeline.FireChannelActive()
	if !ch.IsActive() {
		return
	}
	if ch.autoRead.Load() {
		ch.beginRead()
	}
	ch.flushNow(false)
}

func (ch *Channel) connect0(addr *net.TCPAddr, p *Promise) {
	switch {
	case !ch.IsOpen():
		p.TryFailure(ErrChannelClosed)
		return
	case ch.connectPromise != nil:
		p.TryFailure(ErrConnectPending)
		return
	case ch.t != nil || ch.kind != kindStream:
		p.TryFailure(fmt.Errorf("%w: channel already connected", ErrInvalidArgument))
		return
	}
	t, connected, err := dialTransport(addr, ch.cfg)
	if err != nil {
		p.TryFailure(fmt.Errorf("gionet: connect %s: %w", addr, err))
		ch.close0(nil)
		return
	}
	ch.t = t
	ch.publishAddrs()
	if ch.loop != nil {
		if err := ch.loop.attach(ch); err != nil {
			p.TryFailure(err)
			ch.close0(nil)
			return
		}
	}
	if connected {
		ch.activate(p)
		return
	}
	ch.connectPromise = p
	ch.connectAddr = addr.String()
	ch.setWriteInterest(true)
	if d := ch.cfg.ConnectTimeout; d > 0 {
		t, err := ch.executor().Schedule(d, ch.connectTimedOut)
		if err == nil {
			ch.connectTimer = t
		}
	}
}

func (ch *Channel) connectTimedOut() {
	p := ch.connectPromise
	if p == nil {
		return
	}
	ch.connectPromise = nil
	ch.connectTimer = nil
	p.TryFailure(&ConnectTimeoutError{Addr: ch.connectAddr})
	ch.close0(nil)
}

func (ch *Channel) finishConnect() {
	p := ch.connectPromise
	ch.connectPromise = nil
	// 连接已建立，必须取消超时任务，否则会误关已建立的连接
	if ch.connectTimer != nil {
		ch.connectTimer.Cancel()
		ch.connectTimer = nil
	}
	c, ok := ch.t.(connector)
	if !ok {
		p.TryFailure(fmt.Errorf("%w: transport cannot connect", ErrInvalidArgument))
		ch.close0(nil)
		return
	}
	if err := c.finishConnect(); err != nil {
		p.TryFailure(fmt.Errorf("gionet: connect %s: %w", ch.connectAddr, err))
		ch.close0(nil)
		return
	}
	ch.setWriteInterest(false)
	ch.activate(p)
}

func (ch *Channel) bind0(addr *net.TCPAddr, p *Promise) {
	switch {
	case !ch.IsOpen():
		p.TryFailure(ErrChannelClosed)
		return
	case ch.kind != kindServer || ch.t != nil:
		p.TryFailure(fmt.Errorf("%w: not an unbound server channel", ErrInvalidArgument))
		return
	}
	t, err := listenTransport(addr, ch.cfg)
	if err != nil {
		p.TryFailure(fmt.Errorf("gionet: bind %s: %w", addr, err))
		return
	}
	ch.t = t
	if ch.loop != nil {
		if err := ch.loop.attach(ch); err != nil {
			p.TryFailure(err)
			ch.close0(nil)
			return
		}
	}
	ch.activate(p)
}

// ---- 读 ----

// beginRead 安排一次读。边缘触发下数据可能已在内核缓冲中，因此总是主动尝试一次。
func (ch *Channel) beginRead() {
	if !ch.IsActive() || ch.kind == kindEmbedded {
		return
	}
	ch.readPending = true
	ch.scheduleRead()
}

func (ch *Channel) scheduleRead() {
	if ch.readScheduled {
		return
	}
	ch.readScheduled = true
	if err := ch.executor().Execute(ch.readTask); err != nil {
		ch.readScheduled = false
	}
}

func (ch *Channel) readTask() {
	ch.readScheduled = false
	ch.readNow()
}

// readReady 由 poller 在可读时回调。
func (ch *Channel) readReady() {
	if ch.autoRead.Load() || ch.readPending {
		ch.readNow()
		return
	}
	ch.readableHint = true
}

func (ch *Channel) readNow() {
	if !ch.IsActive() {
		return
	}
	ch.readPending = false
	ch.readableHint = false
	if ch.kind == kindServer {
		ch.acceptNow()
		return
	}
	var (
		exhausted bool
		eof       bool
		readErr   error
		size      = ch.cfg.ReadBufferSize
	)
loop:
	for i := 0; i < ch.cfg.MaxMessagesPerRead; i++ {
		buf := buffer.Get(size)
		n, err := ch.t.read(buf.WritableSlice(size))
		if n > 0 {
			buf.Commit(n)
			ch.pipeline.FireChannelRead(buf)
		} else {
			buf.Release()
		}
		switch {
		case err == nil:
		case errors.Is(err, errWouldBlock):
			exhausted = true
			break loop
		case err == io.EOF:
			eof = true
			break loop
		default:
			readErr = err
			break loop
		}
		if !ch.IsActive() {
			exhausted = true
			break
		}
		if !ch.autoRead.Load() {
			break
		}
	}
	ch.pipeline.FireChannelReadComplete()
	switch {
	case readErr != nil:
		ch.pipeline.FireExceptionCaught(readErr)
		ch.close0(nil)
	case eof:
		ch.close0(nil)
	case !exhausted:
		// 可能还有数据：自动读模式下让出一轮后继续
		ch.readableHint = true
		if ch.autoRead.Load() {
			ch.scheduleRead()
		}
	}
}

func (ch *Channel) acceptNow() {
	a, ok := ch.t.(acceptor)
	if !ok {
		return
	}
	exhausted := false
	for i := 0; i < ch.cfg.MaxMessagesPerRead; i++ {
		t, err := a.accept()
		if err != nil {
			if errors.Is(err, errWouldBlock) {
				exhausted = true
			} else {
				// EMFILE 等错误不关闭监听通道
				ch.pipeline.FireExceptionCaught(fmt.Errorf("gionet: accept: %w", err))
			}
			break
		}
		ch.pipeline.FireChannelRead(newChildChannel(ch, t))
		if !ch.IsActive() {
			exhausted = true
			break
		}
	}
	ch.pipeline.FireChannelReadComplete()
	if !exhausted && ch.IsActive() && ch.autoRead.Load() {
		ch.scheduleRead()
	}
}

// ---- 写 ----

func toBuffer(msg any) (*buffer.Buffer, bool) {
	switch m := msg.(type) {
	case *buffer.Buffer:
		return m, true
	case []byte:
		return buffer.Wrap(m), true
	case string:
		return buffer.Wrap([]byte(m)), true
	}
	return nil, false
}

func (ch *Channel) write0(msg any, p *Promise) {
	if !ch.IsOpen() {
		releaseMessage(msg)
		p.TryFailure(&WriteError{Err: ErrChannelClosed})
		return
	}
	buf, ok := toBuffer(msg)
	if !ok {
		releaseMessage(msg)
		p.TryFailure(fmt.Errorf("%w: %T", ErrUnsupportedMessage, msg))
		return
	}
	ch.outbound.AddMessage(buf, p)
}

func (ch *Channel) flush0() {
	ch.outbound.AddFlush()
	ch.flushNow(false)
}

// flushNow 写出已 flush 的数据。force 为 true 表示来自可写事件。
func (ch *Channel) flushNow(force bool) {
	if ch.inFlush || ch.outbound.FlushedSize() == 0 {
		return
	}
	if ch.writeInterest && !force {
		// 等待可写事件
		return
	}
	if !ch.IsActive() {
		// 连接建立前的写入保留到 Active 后发送
		return
	}
	ch.inFlush = true
	defer func() { ch.inFlush = false }()
	ch.doWrite()
}

func (ch *Channel) doWrite() {
	for spin := ch.cfg.WriteSpinCount; spin > 0; spin-- {
		bufs := ch.outbound.nioBuffers()
		if len(bufs) == 0 {
			ch.outbound.RemoveBytes(0)
			ch.setWriteInterest(false)
			return
		}
		n, err := ch.t.writev(bufs)
		if n > 0 {
			ch.outbound.RemoveBytes(int64(n))
		}
		if err != nil {
			if errors.Is(err, errWouldBlock) {
				ch.setWriteInterest(true)
				return
			}
			ch.outbound.failFlushed(err)
			ch.pipeline.FireExceptionCaught(fmt.Errorf("gionet: write: %w", err))
			ch.close0(nil)
			return
		}
	}
	if ch.outbound.FlushedSize() == 0 {
		ch.setWriteInterest(false)
		return
	}
	// 连续写满 WriteSpinCount 次仍有数据，让出给同一循环上的其他通道
	if !ch.flushScheduled {
		ch.flushScheduled = true
		if err := ch.executor().Execute(ch.flushTask); err != nil {
			ch.flushScheduled = false
			ch.setWriteInterest(true)
		}
	}
}

func (ch *Channel) flushTask() {
	ch.flushScheduled = false
	ch.flushNow(false)
}

func (ch *Channel) setWriteInterest(on bool) {
	if ch.writeInterest == on {
		return
	}
	ch.writeInterest = on
	if ch.loop != nil && ch.t != nil {
		ch.loop.modify(ch)
	}
}

// writeReady 由 poller 在可写时回调。
func (ch *Channel) writeReady() {
	if ch.connectPromise != nil {
		ch.finishConnect()
		return
	}
	ch.flushNow(true)
}

// errorReady 由 poller 在 ERR/HUP 时回调。
func (ch *Channel) errorReady(err error) {
	if ch.connectPromise != nil {
		ch.finishConnect()
		return
	}
	if !ch.IsActive() {
		return
	}
	// 读路径会读出剩余数据并发现 EOF 或具体错误
	ch.readNow()
	if ch.IsOpen() && ch.kind == kindStream {
		ch.pipeline.FireExceptionCaught(err)
		ch.close0(nil)
	}
}

// ---- 关闭 ----

func (ch *Channel) close0(p *Promise) {
	if p == nil {
		p = NewPromise(ch)
	}
	if ch.closing {
		ch.closeFuture.cascade(p)
		return
	}
	ch.closing = true
	wasActive := ch.IsActive()
	wasRegistered := ch.registered
	ch.state.Store(int32(StateInactive))

	if ch.connectTimer != nil {
		ch.connectTimer.Cancel()
		ch.connectTimer = nil
	}
	if cp := ch.connectPromise; cp != nil {
		ch.connectPromise = nil
		cp.TryFailure(ErrChannelClosed)
	}
	ch.outbound.close(ErrChannelClosed)
	ch.closeTransport()
	if ch.loop != nil {
		ch.loop.forget(ch)
	}
	ch.closeFuture.TrySuccess()
	p.TrySuccess()

	// 事件延后一轮触发，避免在调用 Close 的 handler 内部重入
	fire := func() {
		if wasActive {
			ch.pipeline.FireChannelInactive()
		}
		if wasRegistered {
			ch.registered = false
			ch.pipeline.FireChannelUnregistered()
		}
		ch.state.Store(int32(StateClosed))
		ch.pipeline.destroy()
	}
	if exec := ch.executor(); exec == nil || exec.Execute(fire) != nil {
		fire()
	}
}

func (ch *Channel) closeTransport() {
	if ch.t == nil || ch.transportClosed {
		return
	}
	ch.transportClosed = true
	if ch.loop != nil {
		ch.loop.detach(ch)
	}
	if err := ch.t.close(); err != nil {
		ch.logger.Debug("channel: close transport", "channel", ch.id.Short(), "err", err)
	}
}

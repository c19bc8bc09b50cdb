package gionet

import (
	"github.com/legamerdc/gionet/buffer"
)

type ctxState uint8

const (
	ctxInit ctxState = iota
	ctxAdded
	ctxRemoved
)

// HandlerContext 是 handler 在 pipeline 中的节点，负责把事件传给相邻节点。
//
// Fire* 把入站事件交给下一个实现了对应接口的节点；Write/Flush/Read/Close
// 把出站事件交给上一个节点。在事件循环之外调用时，操作被投递到事件循环执行。
type HandlerContext struct {
	name       string
	handler    Handler
	mask       uint32
	pipeline   *Pipeline
	prev, next *HandlerContext
	state      ctxState
}

func newContext(p *Pipeline, name string, h Handler, mask uint32) *HandlerContext {
	return &HandlerContext{name: name, handler: h, mask: mask, pipeline: p}
}

func (c *HandlerContext) Name() string        { return c.name }
func (c *HandlerContext) Handler() Handler    { return c.handler }
func (c *HandlerContext) Pipeline() *Pipeline { return c.pipeline }
func (c *HandlerContext) Channel() *Channel   { return c.pipeline.ch }

// Executor 返回通道绑定的执行器；注册前为 nil。
func (c *HandlerContext) Executor() EventExecutor { return c.pipeline.ch.executor() }

// IsRemoved 报告 handler 是否已从 pipeline 移除。
func (c *HandlerContext) IsRemoved() bool { return c.state == ctxRemoved }

// NewPromise 创建归属当前通道的 Promise。
func (c *HandlerContext) NewPromise() *Promise { return NewPromise(c.pipeline.ch) }

// dispatch 在事件循环中（或通道尚未注册）时返回 true，调用方直接执行；
// 否则 fn 被投递到事件循环。
func (c *HandlerContext) dispatch(fn func()) (bool, error) {
	exec := c.Executor()
	if exec == nil || exec.InEventLoop() {
		return true, nil
	}
	return false, exec.Execute(fn)
}

func (c *HandlerContext) nextInbound(mask uint32) *HandlerContext {
	n := c.next
	for n.mask&mask == 0 {
		n = n.next
	}
	return n
}

func (c *HandlerContext) prevOutbound(mask uint32) *HandlerContext {
	n := c.prev
	for n.mask&mask == 0 {
		n = n.prev
	}
	return n
}

// call 执行入站回调，把 panic 转成 error。
func call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return fn()
}

func (c *HandlerContext) dropped(op string, err error) {
	ch := c.pipeline.ch
	ch.logger.Warn("pipeline: event dropped", "channel", ch.ID().Short(), "event", op, "err", err)
}

// ---- 入站 ----

func (c *HandlerContext) FireChannelRegistered() {
	if ok, err := c.dispatch(c.FireChannelRegistered); !ok {
		if err != nil {
			c.dropped("registered", err)
		}
		return
	}
	n := c.nextInbound(maskRegistered)
	if err := call(func() error { return n.handler.(RegisteredHandler).ChannelRegistered(n) }); err != nil {
		n.FireExceptionCaught(err)
	}
}

func (c *HandlerContext) FireChannelUnregistered() {
	if ok, err := c.dispatch(c.FireChannelUnregistered); !ok {
		if err != nil {
			c.dropped("unregistered", err)
		}
		return
	}
	n := c.nextInbound(maskUnregistered)
	if err := call(func() error { return n.handler.(UnregisteredHandler).ChannelUnregistered(n) }); err != nil {
		n.FireExceptionCaught(err)
	}
}

func (c *HandlerContext) FireChannelActive() {
	if ok, err := c.dispatch(c.FireChannelActive); !ok {
		if err != nil {
			c.dropped("active", err)
		}
		return
	}
	n := c.nextInbound(maskActive)
	if err := call(func() error { return n.handler.(ActiveHandler).ChannelActive(n) }); err != nil {
		n.FireExceptionCaught(err)
	}
}

func (c *HandlerContext) FireChannelInactive() {
	if ok, err := c.dispatch(c.FireChannelInactive); !ok {
		if err != nil {
			c.dropped("inactive", err)
		}
		return
	}
	n := c.nextInbound(maskInactive)
	if err := call(func() error { return n.handler.(InactiveHandler).ChannelInactive(n) }); err != nil {
		n.FireExceptionCaught(err)
	}
}

// FireChannelRead 把 msg 交给下一个 ReadHandler，所有权随之转移。
func (c *HandlerContext) FireChannelRead(msg any) {
	if ok, err := c.dispatch(func() { c.FireChannelRead(msg) }); !ok {
		if err != nil {
			releaseMessage(msg)
			c.dropped("read", err)
		}
		return
	}
	n := c.nextInbound(maskRead)
	if err := call(func() error { return n.handler.(ReadHandler).ChannelRead(n, msg) }); err != nil {
		n.FireExceptionCaught(err)
	}
}

func (c *HandlerContext) FireChannelReadComplete() {
	if ok, err := c.dispatch(c.FireChannelReadComplete); !ok {
		if err != nil {
			c.dropped("read complete", err)
		}
		return
	}
	n := c.nextInbound(maskReadComplete)
	if err := call(func() error { return n.handler.(ReadCompleteHandler).ChannelReadComplete(n) }); err != nil {
		n.FireExceptionCaught(err)
	}
}

func (c *HandlerContext) FireUserEventTriggered(evt any) {
	if ok, err := c.dispatch(func() { c.FireUserEventTriggered(evt) }); !ok {
		if err != nil {
			c.dropped("user event", err)
		}
		return
	}
	n := c.nextInbound(maskUserEvent)
	if err := call(func() error { return n.handler.(UserEventHandler).UserEventTriggered(n, evt) }); err != nil {
		n.FireExceptionCaught(err)
	}
}

func (c *HandlerContext) FireChannelWritabilityChanged() {
	if ok, err := c.dispatch(c.FireChannelWritabilityChanged); !ok {
		if err != nil {
			c.dropped("writability", err)
		}
		return
	}
	n := c.nextInbound(maskWritability)
	if err := call(func() error { return n.handler.(WritabilityHandler).ChannelWritabilityChanged(n) }); err != nil {
		n.FireExceptionCaught(err)
	}
}

// FireExceptionCaught 把 err 交给下一个 ExceptionHandler。
func (c *HandlerContext) FireExceptionCaught(err error) {
	if ok, derr := c.dispatch(func() { c.FireExceptionCaught(err) }); !ok {
		if derr != nil {
			c.dropped("exception", err)
		}
		return
	}
	n := c.nextInbound(maskException)
	defer func() {
		if r := recover(); r != nil {
			ch := c.pipeline.ch
			ch.logger.Warn("pipeline: exception handler panicked", "channel", ch.ID().Short(), "handler", n.name, "panic", r, "err", err)
		}
	}()
	n.handler.(ExceptionHandler).ExceptionCaught(n, err)
}

// ---- 出站 ----

// Write 把 msg 交给上一个 WriteHandler，返回写入结果。
func (c *HandlerContext) Write(msg any) *Promise {
	p := c.NewPromise()
	c.write(msg, false, p)
	return p
}

// WriteWith 与 Write 相同，但使用调用方给定的 Promise（用于 handler 转发）。
func (c *HandlerContext) WriteWith(msg any, p *Promise) {
	c.write(msg, false, p)
}

func (c *HandlerContext) WriteAndFlush(msg any) *Promise {
	p := c.NewPromise()
	c.write(msg, true, p)
	return p
}

func (c *HandlerContext) write(msg any, flush bool, p *Promise) {
	if ok, err := c.dispatch(func() { c.write(msg, flush, p) }); !ok {
		if err != nil {
			releaseMessage(msg)
			p.TryFailure(err)
		}
		return
	}
	n := c.prevOutbound(maskWrite)
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.TryFailure(panicError(r))
			}
		}()
		n.handler.(WriteHandler).Write(n, msg, p)
	}()
	if flush {
		c.Flush()
	}
}

func (c *HandlerContext) Flush() {
	if ok, err := c.dispatch(c.Flush); !ok {
		if err != nil {
			c.dropped("flush", err)
		}
		return
	}
	n := c.prevOutbound(maskFlush)
	if err := call(func() error { n.handler.(FlushHandler).Flush(n); return nil }); err != nil {
		n.FireExceptionCaught(err)
	}
}

// Read 请求读取更多数据；在 AutoRead 关闭时使用。
func (c *HandlerContext) Read() {
	if ok, err := c.dispatch(c.Read); !ok {
		if err != nil {
			c.dropped("read request", err)
		}
		return
	}
	n := c.prevOutbound(maskReadRequest)
	if err := call(func() error { n.handler.(ReadRequestHandler).Read(n); return nil }); err != nil {
		n.FireExceptionCaught(err)
	}
}

func (c *HandlerContext) Close() *Promise {
	p := c.NewPromise()
	c.CloseWith(p)
	return p
}

func (c *HandlerContext) CloseWith(p *Promise) {
	if ok, err := c.dispatch(func() { c.CloseWith(p) }); !ok {
		if err != nil {
			p.TryFailure(err)
		}
		return
	}
	n := c.prevOutbound(maskClose)
	defer func() {
		if r := recover(); r != nil {
			p.TryFailure(panicError(r))
		}
	}()
	n.handler.(CloseHandler).Close(n, p)
}

// releaseMessage 释放无人接手的消息占用的资源。
func releaseMessage(msg any) {
	switch m := msg.(type) {
	case *buffer.Buffer:
		m.Release()
	case *Channel:
		if !m.IsRegistered() {
			m.closeTransport()
		}
	}
}

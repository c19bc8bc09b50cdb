package gionet

// Handler 是挂在 pipeline 上的协议处理单元。
//
// Handler 只需实现关心的事件接口；未实现的事件在该节点直接透传给下一个节点。
// 入站事件方法返回的 error（或其中发生的 panic）会作为 ExceptionCaught
// 从下一个 handler 开始继续传播。
type Handler any

// AddedHandler 在 handler 被加入且通道已注册时回调。
type AddedHandler interface {
	HandlerAdded(ctx *HandlerContext)
}

// RemovedHandler 在 handler 被移除（含通道销毁）时回调。
type RemovedHandler interface {
	HandlerRemoved(ctx *HandlerContext)
}

// 入站事件

type RegisteredHandler interface {
	ChannelRegistered(ctx *HandlerContext) error
}

type UnregisteredHandler interface {
	ChannelUnregistered(ctx *HandlerContext) error
}

type ActiveHandler interface {
	ChannelActive(ctx *HandlerContext) error
}

type InactiveHandler interface {
	ChannelInactive(ctx *HandlerContext) error
}

// ReadHandler 接收入站消息。消息所有权随调用转移给 handler。
type ReadHandler interface {
	ChannelRead(ctx *HandlerContext, msg any) error
}

type ReadCompleteHandler interface {
	ChannelReadComplete(ctx *HandlerContext) error
}

type UserEventHandler interface {
	UserEventTriggered(ctx *HandlerContext, evt any) error
}

type WritabilityHandler interface {
	ChannelWritabilityChanged(ctx *HandlerContext) error
}

type ExceptionHandler interface {
	ExceptionCaught(ctx *HandlerContext, err error)
}

// 出站事件

// WriteHandler 拦截写请求。实现方要么转发（ctx.WriteWith），要么完成 p。
type WriteHandler interface {
	Write(ctx *HandlerContext, msg any, p *Promise)
}

type FlushHandler interface {
	Flush(ctx *HandlerContext)
}

// ReadRequestHandler 拦截读请求（AutoRead 关闭时由用户显式发起）。
type ReadRequestHandler interface {
	Read(ctx *HandlerContext)
}

type CloseHandler interface {
	Close(ctx *HandlerContext, p *Promise)
}

const (
	maskRegistered uint32 = 1 << iota
	maskUnregistered
	maskActive
	maskInactive
	maskRead
	maskReadComplete
	maskUserEvent
	maskWritability
	maskException
	maskWrite
	maskFlush
	maskReadRequest
	maskClose

	maskInbound  = maskRegistered | maskUnregistered | maskActive | maskInactive | maskRead | maskReadComplete | maskUserEvent | maskWritability | maskException
	maskOutbound = maskWrite | maskFlush | maskReadRequest | maskClose
)

// handlerMask 计算 h 实现了哪些事件接口，加入 pipeline 时缓存在上下文里。
func handlerMask(h Handler) uint32 {
	var m uint32
	if _, ok := h.(RegisteredHandler); ok {
		m |= maskRegistered
	}
	if _, ok := h.(UnregisteredHandler); ok {
		m |= maskUnregistered
	}
	if _, ok := h.(ActiveHandler); ok {
		m |= maskActive
	}
	if _, ok := h.(InactiveHandler); ok {
		m |= maskInactive
	}
	if _, ok := h.(ReadHandler); ok {
		m |= maskRead
	}
	if _, ok := h.(ReadCompleteHandler); ok {
		m |= maskReadComplete
	}
	if _, ok := h.(UserEventHandler); ok {
		m |= maskUserEvent
	}
	if _, ok := h.(WritabilityHandler); ok {
		m |= maskWritability
	}
	if _, ok := h.(ExceptionHandler); ok {
		m |= maskException
	}
	if _, ok := h.(WriteHandler); ok {
		m |= maskWrite
	}
	if _, ok := h.(FlushHandler); ok {
		m |= maskFlush
	}
	if _, ok := h.(ReadRequestHandler); ok {
		m |= maskReadRequest
	}
	if _, ok := h.(CloseHandler); ok {
		m |= maskClose
	}
	return m
}

// ReadFunc 把函数适配为 ReadHandler。
type ReadFunc func(ctx *HandlerContext, msg any) error

func (f ReadFunc) ChannelRead(ctx *HandlerContext, msg any) error { return f(ctx, msg) }

// WriteFunc 把函数适配为 WriteHandler。
type WriteFunc func(ctx *HandlerContext, msg any, p *Promise)

func (f WriteFunc) Write(ctx *HandlerContext, msg any, p *Promise) { f(ctx, msg, p) }

// ExceptionFunc 把函数适配为 ExceptionHandler。
type ExceptionFunc func(ctx *HandlerContext, err error)

func (f ExceptionFunc) ExceptionCaught(ctx *HandlerContext, err error) { f(ctx, err) }

// ChannelInitializer 在通道注册后调用一次用于装配 pipeline，随后把自己移除。
// 返回错误时通道被关闭。
type ChannelInitializer func(ch *Channel) error

func (f ChannelInitializer) HandlerAdded(ctx *HandlerContext) {
	ch := ctx.Channel()
	err := f(ch)
	if !ctx.IsRemoved() {
		_, _ = ctx.Pipeline().Remove(ctx.Name())
	}
	if err != nil {
		ch.logger.Warn("pipeline: channel initializer failed", "channel", ch.ID().Short(), "err", err)
		ch.Pipeline().FireExceptionCaught(err)
		ch.Close()
	}
}

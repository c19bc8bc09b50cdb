package gionet

import (
	"fmt"
	"reflect"
	"sync"
)

// Pipeline 是通道上 handler 的双向链表。入站事件从 head 流向 tail，出站事件反向。
//
// 结构变更只在通道的事件循环中执行；从其他 goroutine 调用时会被投递过去并等待结果。
// 对正在传播中的事件，变更只对之后的事件可见。
type Pipeline struct {
	ch         *Channel
	head, tail *HandlerContext

	mu         sync.RWMutex // 保护 names，供其他 goroutine 查询
	names      map[string]*HandlerContext
	registered bool
	pending    []*HandlerContext
	seq        int
}

func newPipeline(ch *Channel) *Pipeline {
	p := &Pipeline{ch: ch, names: make(map[string]*HandlerContext)}
	p.head = newContext(p, "head", headHandler{ch}, maskOutbound)
	p.tail = newContext(p, "tail", tailHandler{ch}, maskInbound)
	p.head.next, p.tail.prev = p.tail, p.head
	p.head.state, p.tail.state = ctxAdded, ctxAdded
	return p
}

// Channel 返回所属通道。
func (p *Pipeline) Channel() *Channel { return p.ch }

func (p *Pipeline) onLoop(fn func() error) error {
	exec := p.ch.executor()
	if exec == nil || exec.InEventLoop() {
		return fn()
	}
	errc := make(chan error, 1)
	if err := exec.Execute(func() { errc <- fn() }); err != nil {
		return err
	}
	return <-errc
}

// AddFirst 把 h 插到 head 之后。name 为空时自动生成。
func (p *Pipeline) AddFirst(name string, h Handler) error {
	return p.add(name, h, func() (*HandlerContext, error) { return p.head, nil })
}

// AddLast 把 h 插到 tail 之前。
func (p *Pipeline) AddLast(name string, h Handler) error {
	return p.add(name, h, func() (*HandlerContext, error) { return p.tail.prev, nil })
}

// AddBefore 把 h 插到名为 base 的 handler 之前。
func (p *Pipeline) AddBefore(base, name string, h Handler) error {
	return p.add(name, h, func() (*HandlerContext, error) {
		b, err := p.lookup(base)
		if err != nil {
			return nil, err
		}
		return b.prev, nil
	})
}

// AddAfter 把 h 插到名为 base 的 handler 之后。
func (p *Pipeline) AddAfter(base, name string, h Handler) error {
	return p.add(name, h, func() (*HandlerContext, error) { return p.lookup(base) })
}

func (p *Pipeline) lookup(name string) (*HandlerContext, error) {
	ctx, ok := p.names[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrHandlerNotFound, name)
	}
	return ctx, nil
}

func (p *Pipeline) add(name string, h Handler, position func() (*HandlerContext, error)) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler", ErrInvalidArgument)
	}
	return p.onLoop(func() error {
		p.mu.Lock()
		if name == "" {
			name = p.generateName(h)
		}
		if _, dup := p.names[name]; dup {
			p.mu.Unlock()
			return &DuplicateHandlerNameError{Name: name}
		}
		prev, err := position()
		if err != nil {
			p.mu.Unlock()
			return err
		}
		ctx := newContext(p, name, h, handlerMask(h))
		ctx.prev, ctx.next = prev, prev.next
		prev.next.prev = ctx
		prev.next = ctx
		p.names[name] = ctx
		registered := p.registered
		if !registered {
			p.pending = append(p.pending, ctx)
		}
		p.mu.Unlock()

		if registered {
			p.callHandlerAdded(ctx)
		}
		return nil
	})
}

func (p *Pipeline) generateName(h Handler) string {
	t := reflect.TypeOf(h)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	for {
		name := fmt.Sprintf("%s#%d", t.Name(), p.seq)
		p.seq++
		if _, dup := p.names[name]; !dup {
			return name
		}
	}
}

// Remove 按名称移除 handler 并返回它。
func (p *Pipeline) Remove(name string) (Handler, error) {
	var removed Handler
	err := p.onLoop(func() error {
		p.mu.Lock()
		ctx, err := p.lookup(name)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		p.unlink(ctx)
		p.mu.Unlock()
		p.callHandlerRemoved(ctx)
		removed = ctx.handler
		return nil
	})
	return removed, err
}

// unlink 摘除节点；节点自身的 prev/next 保留，正在经过它的事件可以继续传播。
func (p *Pipeline) unlink(ctx *HandlerContext) {
	ctx.prev.next = ctx.next
	ctx.next.prev = ctx.prev
	delete(p.names, ctx.name)
}

// Get 返回名为 name 的 handler，不存在时为 nil。
func (p *Pipeline) Get(name string) Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ctx, ok := p.names[name]; ok {
		return ctx.handler
	}
	return nil
}

// Context 返回名为 name 的上下文，不存在时为 nil。
func (p *Pipeline) Context(name string) *HandlerContext {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.names[name]
}

// Names 按从 head 到 tail 的顺序返回 handler 名称。
func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var names []string
	for c := p.head.next; c != p.tail; c = c.next {
		names = append(names, c.name)
	}
	return names
}

func (p *Pipeline) callHandlerAdded(ctx *HandlerContext) {
	ctx.state = ctxAdded
	h, ok := ctx.handler.(AddedHandler)
	if !ok {
		return
	}
	if err := call(func() error { h.HandlerAdded(ctx); return nil }); err != nil {
		// handlerAdded 失败的 handler 不留在链上
		p.mu.Lock()
		if p.names[ctx.name] == ctx {
			p.unlink(ctx)
		}
		p.mu.Unlock()
		p.callHandlerRemoved(ctx)
		p.FireExceptionCaught(fmt.Errorf("gionet: %s.HandlerAdded: %w", ctx.name, err))
	}
}

func (p *Pipeline) callHandlerRemoved(ctx *HandlerContext) {
	wasAdded := ctx.state == ctxAdded
	ctx.state = ctxRemoved
	if !wasAdded {
		return
	}
	h, ok := ctx.handler.(RemovedHandler)
	if !ok {
		return
	}
	if err := call(func() error { h.HandlerRemoved(ctx); return nil }); err != nil {
		p.ch.logger.Warn("pipeline: handler removal failed", "channel", p.ch.ID().Short(), "handler", ctx.name, "err", err)
	}
}

// onRegistered 在通道注册后回调之前挂起的 HandlerAdded。
func (p *Pipeline) onRegistered() {
	p.mu.Lock()
	p.registered = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, ctx := range pending {
		if ctx.state == ctxInit {
			p.callHandlerAdded(ctx)
		}
	}
}

// destroy 从 tail 向 head 依次移除所有 handler。
func (p *Pipeline) destroy() {
	for {
		p.mu.Lock()
		ctx := p.tail.prev
		if ctx == p.head {
			p.mu.Unlock()
			return
		}
		p.unlink(ctx)
		p.mu.Unlock()
		p.callHandlerRemoved(ctx)
	}
}

// ---- 事件入口 ----

func (p *Pipeline) FireChannelRegistered()         { p.head.FireChannelRegistered() }
func (p *Pipeline) FireChannelUnregistered()       { p.head.FireChannelUnregistered() }
func (p *Pipeline) FireChannelActive()             { p.head.FireChannelActive() }
func (p *Pipeline) FireChannelInactive()           { p.head.FireChannelInactive() }
func (p *Pipeline) FireChannelRead(msg any)        { p.head.FireChannelRead(msg) }
func (p *Pipeline) FireChannelReadComplete()       { p.head.FireChannelReadComplete() }
func (p *Pipeline) FireUserEventTriggered(evt any) { p.head.FireUserEventTriggered(evt) }
func (p *Pipeline) FireChannelWritabilityChanged() { p.head.FireChannelWritabilityChanged() }
func (p *Pipeline) FireExceptionCaught(err error)  { p.head.FireExceptionCaught(err) }

func (p *Pipeline) Write(msg any) *Promise         { return p.tail.Write(msg) }
func (p *Pipeline) WriteAndFlush(msg any) *Promise { return p.tail.WriteAndFlush(msg) }
func (p *Pipeline) Flush()                         { p.tail.Flush() }
func (p *Pipeline) Read()                          { p.tail.Read() }
func (p *Pipeline) Close() *Promise                { return p.tail.Close() }

// headHandler 把出站事件落到通道的底层操作上。
type headHandler struct{ ch *Channel }

func (h headHandler) Write(_ *HandlerContext, msg any, p *Promise) { h.ch.write0(msg, p) }
func (h headHandler) Flush(*HandlerContext)                        { h.ch.flush0() }
func (h headHandler) Read(*HandlerContext)                         { h.ch.beginRead() }
func (h headHandler) Close(_ *HandlerContext, p *Promise)          { h.ch.close0(p) }

// tailHandler 兜底处理没有被消费的入站事件。
type tailHandler struct{ ch *Channel }

func (tailHandler) ChannelRegistered(*HandlerContext) error         { return nil }
func (tailHandler) ChannelUnregistered(*HandlerContext) error       { return nil }
func (tailHandler) ChannelActive(*HandlerContext) error             { return nil }
func (tailHandler) ChannelInactive(*HandlerContext) error           { return nil }
func (tailHandler) ChannelReadComplete(*HandlerContext) error       { return nil }
func (tailHandler) UserEventTriggered(*HandlerContext, any) error   { return nil }
func (tailHandler) ChannelWritabilityChanged(*HandlerContext) error { return nil }

func (t tailHandler) ChannelRead(_ *HandlerContext, msg any) error {
	t.ch.unhandledRead(msg)
	return nil
}

func (t tailHandler) ExceptionCaught(_ *HandlerContext, err error) {
	t.ch.unhandledException(err)
}

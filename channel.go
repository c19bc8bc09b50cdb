package gionet

import (
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
)

// ChannelState 是通道的生命周期状态。
type ChannelState int32

const (
	StateUnregistered ChannelState = iota
	StateRegistered
	StateActive
	StateInactive
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("ChannelState(%d)", int32(s))
}

type channelKind uint8

const (
	kindStream channelKind = iota
	kindServer
	kindEmbedded
)

type execRef struct{ EventExecutor }

// Channel 表示一个连接（或监听套接字）。
//
// 通道在注册时绑定到唯一的事件循环，此后其回调全部在该循环上执行，
// 可变状态也只由该循环访问；其他 goroutine 发起的操作会被投递过去。
type Channel struct {
	id       ChannelID
	parent   *Channel
	kind     channelKind
	cfg      Config
	childCfg Config
	autoRead atomic.Bool
	logger   *slog.Logger
	state    atomic.Int32
	exec     atomic.Pointer[execRef]
	loop     *EventLoop

	t           transport
	addrs       atomic.Pointer[addrPair]
	pipeline    *Pipeline
	outbound    *OutboundBuffer
	closeFuture *Promise

	// 以下字段只在事件循环中访问
	registered      bool
	closing         bool
	transportClosed bool
	writeInterest   bool
	inFlush         bool
	flushScheduled  bool
	readScheduled   bool
	readPending     bool
	readableHint    bool
	connectPromise  *Promise
	connectTimer    *ScheduledTask
	connectAddr     string

	tailRead  func(msg any)
	tailError func(err error)
}

func newChannel(kind channelKind, parent *Channel, cfg Config, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	ch := &Channel{
		id:     newChannelID(),
		parent: parent,
		kind:   kind,
		cfg:    cfg,
		logger: logger,
	}
	ch.autoRead.Store(cfg.AutoRead)
	ch.pipeline = newPipeline(ch)
	ch.outbound = newOutboundBuffer(cfg.WriteBufferLowWaterMark, cfg.WriteBufferHighWaterMark, ch.pipeline.FireChannelWritabilityChanged)
	ch.closeFuture = NewPromise(ch)
	return ch
}

// NewChannel 创建一个尚未连接的客户端通道，注册后调用 Connect。
func NewChannel(cfg Config, logger *slog.Logger) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newChannel(kindStream, nil, cfg, logger), nil
}

// NewServerChannel 创建一个监听通道，注册后调用 Bind。
// 接受的连接以 *Channel 消息的形式在其 pipeline 上传播，使用 childCfg 配置。
func NewServerChannel(cfg, childCfg Config, logger *slog.Logger) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := childCfg.Validate(); err != nil {
		return nil, err
	}
	ch := newChannel(kindServer, nil, cfg, logger)
	ch.childCfg = childCfg
	return ch, nil
}

func newChildChannel(parent *Channel, t transport) *Channel {
	ch := newChannel(kindStream, parent, parent.childCfg, parent.logger)
	ch.t = t
	ch.publishAddrs()
	if c, ok := t.(configurable); ok {
		if err := c.configure(ch.cfg); err != nil {
			ch.logger.Debug("channel: apply socket options failed", "channel", ch.id.Short(), "err", err)
		}
	}
	return ch
}

func (ch *Channel) ID() ChannelID { return ch.id }

// Parent 返回接受该连接的监听通道；客户端通道为 nil。
func (ch *Channel) Parent() *Channel { return ch.parent }

func (ch *Channel) Pipeline() *Pipeline { return ch.pipeline }

// Logger 返回通道使用的日志输出。
func (ch *Channel) Logger() *slog.Logger { return ch.logger }

// OutboundBuffer 返回待发送队列；除只读查询外只能在事件循环中使用。
func (ch *Channel) OutboundBuffer() *OutboundBuffer { return ch.outbound }

func (ch *Channel) executor() EventExecutor {
	if ref := ch.exec.Load(); ref != nil {
		return ref.EventExecutor
	}
	return nil
}

// EventLoop 返回通道绑定的执行器；注册前为 nil。
func (ch *Channel) EventLoop() EventExecutor { return ch.executor() }

func (ch *Channel) bind(exec EventExecutor, loop *EventLoop) error {
	if !ch.exec.CompareAndSwap(nil, &execRef{exec}) {
		return ErrAlreadyRegistered
	}
	ch.loop = loop
	return nil
}

func (ch *Channel) State() ChannelState { return ChannelState(ch.state.Load()) }

// IsOpen 报告通道是否尚未开始关闭。
func (ch *Channel) IsOpen() bool { return ch.State() < StateInactive }

func (ch *Channel) IsRegistered() bool {
	s := ch.State()
	return s == StateRegistered || s == StateActive
}

func (ch *Channel) IsActive() bool { return ch.State() == StateActive }

// IsWritable 报告生产者是否应继续写入。
func (ch *Channel) IsWritable() bool { return ch.outbound.IsWritable() }

// BytesBeforeUnwritable 返回变为不可写前还能排队的字节数。
func (ch *Channel) BytesBeforeUnwritable() int64 { return ch.outbound.BytesBeforeUnwritable() }

type addrPair struct{ local, remote net.Addr }

// publishAddrs 把 transport 的地址快照给其他 goroutine 读取。
func (ch *Channel) publishAddrs() {
	if ch.t != nil {
		ch.addrs.Store(&addrPair{local: ch.t.localAddr(), remote: ch.t.remoteAddr()})
	}
}

func (ch *Channel) LocalAddr() net.Addr {
	if a := ch.addrs.Load(); a != nil {
		return a.local
	}
	return nil
}

func (ch *Channel) RemoteAddr() net.Addr {
	if a := ch.addrs.Load(); a != nil {
		return a.remote
	}
	return nil
}

// CloseFuture 在通道关闭后成功完成。
func (ch *Channel) CloseFuture() *Promise { return ch.closeFuture }

// Config 返回当前配置的拷贝。
func (ch *Channel) Config() Config {
	cfg := ch.cfg
	cfg.AutoRead = ch.autoRead.Load()
	return cfg
}

func (ch *Channel) IsAutoRead() bool { return ch.autoRead.Load() }

// SetAutoRead 开关自动读；重新打开时立即发起一次读。
func (ch *Channel) SetAutoRead(on bool) {
	if old := ch.autoRead.Swap(on); on && !old {
		ch.runOnLoop(ch.beginRead)
	}
}

// SetUserDefinedWritability 设置用户可写位（1..31）。
func (ch *Channel) SetUserDefinedWritability(index int, writable bool) {
	ch.runOnLoop(func() { ch.outbound.SetUserDefinedWritability(index, writable) })
}

// SetWriteBufferWaterMark 调整高低水位，对之后的写入生效。
func (ch *Channel) SetWriteBufferWaterMark(low, high int) error {
	if err := validateWaterMark(low, high); err != nil {
		return err
	}
	ch.outbound.setWaterMark(low, high)
	ch.runOnLoop(func() {
		ch.cfg.WriteBufferLowWaterMark, ch.cfg.WriteBufferHighWaterMark = low, high
	})
	return nil
}

// runOnLoop 在事件循环中执行 fn；未注册时直接执行。
func (ch *Channel) runOnLoop(fn func()) {
	exec := ch.executor()
	if exec == nil || exec.InEventLoop() {
		fn()
		return
	}
	if err := exec.Execute(fn); err != nil {
		ch.logger.Debug("channel: task rejected", "channel", ch.id.Short(), "err", err)
	}
}

// Write 从 pipeline 尾部写入 msg（[]byte、string 或 *buffer.Buffer），需 Flush 后才会发送。
func (ch *Channel) Write(msg any) *Promise { return ch.pipeline.Write(msg) }

func (ch *Channel) WriteAndFlush(msg any) *Promise { return ch.pipeline.WriteAndFlush(msg) }

func (ch *Channel) Flush() { ch.pipeline.Flush() }

// Read 请求一次读取，用于 AutoRead 关闭的场景。
func (ch *Channel) Read() { ch.pipeline.Read() }

// Close 关闭通道。队列中的写入全部失败。
func (ch *Channel) Close() *Promise { return ch.pipeline.Close() }

// Connect 发起连接。通道须已注册；超时由 Config.ConnectTimeout 控制。
func (ch *Channel) Connect(addr *net.TCPAddr) *Promise {
	p := NewPromise(ch)
	exec := ch.executor()
	if exec == nil {
		p.TryFailure(ErrNotRegistered)
		return p
	}
	if exec.InEventLoop() {
		ch.connect0(addr, p)
		return p
	}
	if err := exec.Execute(func() { ch.connect0(addr, p) }); err != nil {
		p.TryFailure(err)
	}
	return p
}

// Bind 在监听通道上绑定地址并开始接受连接。通道须已注册。
func (ch *Channel) Bind(addr *net.TCPAddr) *Promise {
	p := NewPromise(ch)
	exec := ch.executor()
	if exec == nil {
		p.TryFailure(ErrNotRegistered)
		return p
	}
	if exec.InEventLoop() {
		ch.bind0(addr, p)
		return p
	}
	if err := exec.Execute(func() { ch.bind0(addr, p) }); err != nil {
		p.TryFailure(err)
	}
	return p
}

func (ch *Channel) String() string {
	return fmt.Sprintf("[id: %s, L:%v - R:%v, %s]", ch.id.Short(), ch.LocalAddr(), ch.RemoteAddr(), ch.State())
}

func (ch *Channel) unhandledRead(msg any) {
	if ch.tailRead != nil {
		ch.tailRead(msg)
		return
	}
	ch.logger.Debug("pipeline: discarded inbound message", "channel", ch.id.Short(), "type", fmt.Sprintf("%T", msg))
	releaseMessage(msg)
}

func (ch *Channel) unhandledException(err error) {
	if ch.tailError != nil {
		ch.tailError(err)
		return
	}
	ch.logger.Warn("pipeline: unhandled exception, closing channel", "channel", ch.id.Short(), "err", err)
	ch.close0(nil)
}

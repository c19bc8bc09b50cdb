// Package bootstrap 把配置、handler 与 EventLoopGroup 组装起来，提供 Bind 与 Connect。
package bootstrap

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/legamerdc/gionet"
)

// ServerBootstrap 创建监听通道；接受的连接注册到 childGroup 并装配 ChildHandler。
type ServerBootstrap struct {
	group        *gionet.EventLoopGroup
	childGroup   *gionet.EventLoopGroup
	cfg          gionet.Config
	childCfg     gionet.Config
	handler      gionet.Handler
	childHandler gionet.Handler
	logger       *slog.Logger
}

// NewServer 创建服务端引导。childGroup 为 nil 时与 group 相同。
func NewServer(group, childGroup *gionet.EventLoopGroup) *ServerBootstrap {
	if childGroup == nil {
		childGroup = group
	}
	return &ServerBootstrap{
		group:      group,
		childGroup: childGroup,
		cfg:        gionet.DefaultConfig(),
		childCfg:   gionet.DefaultConfig(),
		logger:     slog.Default(),
	}
}

// Config 设置监听通道配置。
func (b *ServerBootstrap) Config(cfg gionet.Config) *ServerBootstrap { b.cfg = cfg; return b }

// ChildConfig 设置接受的连接的配置。
func (b *ServerBootstrap) ChildConfig(cfg gionet.Config) *ServerBootstrap { b.childCfg = cfg; return b }

// Handler 设置监听通道上的 handler。
func (b *ServerBootstrap) Handler(h gionet.Handler) *ServerBootstrap { b.handler = h; return b }

// ChildHandler 设置每个接受的连接上的 handler，通常是 gionet.ChannelInitializer。
func (b *ServerBootstrap) ChildHandler(h gionet.Handler) *ServerBootstrap { b.childHandler = h; return b }

func (b *ServerBootstrap) Logger(l *slog.Logger) *ServerBootstrap { b.logger = l; return b }

// Bind 创建监听通道并绑定 addr，Promise 在开始接受连接后成功。
func (b *ServerBootstrap) Bind(addr string) *gionet.Promise {
	if b.childHandler == nil {
		return gionet.NewFailedPromise(nil, fmt.Errorf("%w: child handler not set", gionet.ErrInvalidArgument))
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return gionet.NewFailedPromise(nil, fmt.Errorf("gionet: resolve %s: %w", addr, err))
	}
	ch, err := gionet.NewServerChannel(b.cfg, b.childCfg, b.logger)
	if err != nil {
		return gionet.NewFailedPromise(nil, err)
	}
	acc := &acceptor{group: b.childGroup, childHandler: b.childHandler, logger: b.logger}
	handler := b.handler
	init := gionet.ChannelInitializer(func(ch *gionet.Channel) error {
		if handler != nil {
			if err := ch.Pipeline().AddLast("", handler); err != nil {
				return err
			}
		}
		return ch.Pipeline().AddLast("acceptor", acc)
	})
	if err := ch.Pipeline().AddLast("", init); err != nil {
		return gionet.NewFailedPromise(ch, err)
	}
	p := gionet.NewPromise(ch)
	b.group.Register(ch).AddListener(func(r *gionet.Promise) {
		if err := r.Cause(); err != nil {
			p.TryFailure(err)
			ch.Close()
			return
		}
		ch.Bind(tcpAddr).AddListener(func(f *gionet.Promise) {
			if err := f.Cause(); err != nil {
				p.TryFailure(err)
				ch.Close()
				return
			}
			b.logger.Info("bootstrap: listening", "addr", ch.LocalAddr())
			p.TrySuccess()
		})
	})
	return p
}

// acceptReopenDelay 是 accept 出错后暂停接受连接的时长。
const acceptReopenDelay = time.Second

// acceptor 把监听通道读到的子通道注册到 child group。
type acceptor struct {
	group        *gionet.EventLoopGroup
	childHandler gionet.Handler
	logger       *slog.Logger
}

func (a *acceptor) ChannelRead(ctx *gionet.HandlerContext, msg any) error {
	child, ok := msg.(*gionet.Channel)
	if !ok {
		ctx.FireChannelRead(msg)
		return nil
	}
	if err := child.Pipeline().AddLast("", a.childHandler); err != nil {
		child.Close()
		return err
	}
	a.group.Register(child).AddListener(func(p *gionet.Promise) {
		if err := p.Cause(); err != nil {
			a.logger.Warn("bootstrap: register accepted channel failed", "channel", child.ID().Short(), "err", err)
			child.Close()
		}
	})
	return nil
}

// ExceptionCaught 在 accept 出错（如 EMFILE）时短暂停止接受，给系统回收资源的时间。
// 错误在这里消化，不再传给 tail：tail 会关闭通道，监听套接字必须保持打开。
func (a *acceptor) ExceptionCaught(ctx *gionet.HandlerContext, err error) {
	ch := ctx.Channel()
	a.logger.Warn("bootstrap: accept failed", "channel", ch.ID().Short(), "err", err)
	if ch.IsAutoRead() {
		ch.SetAutoRead(false)
		if _, serr := ctx.Executor().Schedule(acceptReopenDelay, func() { ch.SetAutoRead(true) }); serr != nil {
			ch.SetAutoRead(true)
		}
	}
}

package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/legamerdc/gionet"
)

// Bootstrap 创建客户端通道并发起连接。
type Bootstrap struct {
	group    *gionet.EventLoopGroup
	cfg      gionet.Config
	handler  gionet.Handler
	logger   *slog.Logger
	resolver *net.Resolver
}

func NewClient(group *gionet.EventLoopGroup) *Bootstrap {
	return &Bootstrap{group: group, cfg: gionet.DefaultConfig(), logger: slog.Default(), resolver: net.DefaultResolver}
}

func (b *Bootstrap) Config(cfg gionet.Config) *Bootstrap { b.cfg = cfg; return b }

// Handler 设置通道的 handler，通常是 gionet.ChannelInitializer。
func (b *Bootstrap) Handler(h gionet.Handler) *Bootstrap { b.handler = h; return b }

func (b *Bootstrap) Logger(l *slog.Logger) *Bootstrap { b.logger = l; return b }

// Resolver 指定域名解析器。
func (b *Bootstrap) Resolver(r *net.Resolver) *Bootstrap { b.resolver = r; return b }

// Connect 连接 addr（host:port）。域名在阻塞任务池中解析，结果回到通道的事件循环后发起连接。
// 连接超时由 Config.ConnectTimeout 控制。
func (b *Bootstrap) Connect(addr string) *gionet.Promise {
	if b.handler == nil {
		return gionet.NewFailedPromise(nil, fmt.Errorf("%w: handler not set", gionet.ErrInvalidArgument))
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return gionet.NewFailedPromise(nil, fmt.Errorf("%w: %v", gionet.ErrInvalidArgument, err))
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		if port, err = b.resolver.LookupPort(context.Background(), "tcp", portStr); err != nil {
			return gionet.NewFailedPromise(nil, fmt.Errorf("%w: port %q", gionet.ErrInvalidArgument, portStr))
		}
	}
	ch, err := gionet.NewChannel(b.cfg, b.logger)
	if err != nil {
		return gionet.NewFailedPromise(nil, err)
	}
	if err := ch.Pipeline().AddLast("", b.handler); err != nil {
		return gionet.NewFailedPromise(ch, err)
	}
	p := gionet.NewPromise(ch)
	// 通道在连接完成前被关闭（例如循环关闭）时，Promise 同样要有结果
	ch.CloseFuture().AddListener(func(*gionet.Promise) { p.TryFailure(gionet.ErrChannelClosed) })
	fail := func(err error) {
		p.TryFailure(err)
		ch.Close()
	}
	connect := func(ip net.IP) {
		ch.Connect(&net.TCPAddr{IP: ip, Port: port}).AddListener(func(f *gionet.Promise) {
			if err := f.Cause(); err != nil {
				fail(err)
				return
			}
			p.TrySuccess()
		})
	}
	b.group.Register(ch).AddListener(func(r *gionet.Promise) {
		if err := r.Cause(); err != nil {
			fail(err)
			return
		}
		if ip := net.ParseIP(host); ip != nil {
			connect(ip)
			return
		}
		err := gionet.Offload(b.group, ch.EventLoop(), func() (net.IP, error) {
			return b.lookup(host)
		}, func(ip net.IP, err error) {
			if err != nil {
				fail(err)
				return
			}
			connect(ip)
		})
		if err != nil {
			fail(fmt.Errorf("gionet: resolve %s: %w", host, err))
		}
	})
	return p
}

func (b *Bootstrap) lookup(host string) (net.IP, error) {
	ctx := context.Background()
	if d := b.cfg.ConnectTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	addrs, err := b.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("gionet: resolve %s: %w", host, err)
	}
	for _, a := range addrs {
		if ip4 := a.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("gionet: resolve %s: no addresses", host)
	}
	return addrs[0].IP, nil
}

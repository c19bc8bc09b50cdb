package gionet

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/legamerdc/gionet/internal/executor"
	"github.com/legamerdc/gionet/poller"
	"github.com/someonegg/gox/syncx"
)

type options struct {
	logger          *slog.Logger
	blockingWorkers int
}

// Option 配置 EventLoopGroup / EventLoop。
type Option func(*options)

// WithLogger 指定日志输出，默认 slog.Default()。
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBlockingWorkers 指定阻塞任务池的 goroutine 数，默认 4。
func WithBlockingWorkers(n int) Option {
	return func(o *options) { o.blockingWorkers = n }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), blockingWorkers: 4}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// EventLoopGroup 持有固定数量的 EventLoop，按轮询分配通道。
type EventLoopGroup struct {
	loops      []*EventLoop
	next       atomic.Uint64
	blocking   *executor.Pool
	logger     *slog.Logger
	terminated syncx.DoneChan
}

// NewEventLoopGroup 创建 n 个事件循环；n <= 0 时取 CPU 数。
func NewEventLoopGroup(n int, opts ...Option) (*EventLoopGroup, error) {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	o := buildOptions(opts)
	g := &EventLoopGroup{logger: o.logger, terminated: syncx.NewDoneChan()}
	for i := 0; i < n; i++ {
		p, err := poller.New()
		if err != nil {
			for _, l := range g.loops {
				_ = l.poller.Close()
			}
			return nil, err
		}
		g.loops = append(g.loops, newEventLoop(p, o.logger))
	}
	g.blocking = executor.New(o.blockingWorkers, o.logger)
	go g.watch()
	return g, nil
}

func (g *EventLoopGroup) watch() {
	for _, l := range g.loops {
		<-l.terminated
	}
	g.blocking.Stop()
	g.terminated.SetDone()
}

// Next 按轮询返回下一个事件循环。
func (g *EventLoopGroup) Next() *EventLoop {
	i := g.next.Add(1) - 1
	return g.loops[i%uint64(len(g.loops))]
}

// Register 把通道注册到 Next() 返回的循环，绑定终身有效。
func (g *EventLoopGroup) Register(ch *Channel) *Promise { return g.Next().Register(ch) }

// Loops 返回组内全部事件循环。
func (g *EventLoopGroup) Loops() []*EventLoop { return append([]*EventLoop(nil), g.loops...) }

func (g *EventLoopGroup) Len() int { return len(g.loops) }

// ShutdownGracefully 通知所有循环关闭，等待它们终止或 ctx 结束。
func (g *EventLoopGroup) ShutdownGracefully(ctx context.Context) error {
	for _, l := range g.loops {
		l.beginShutdown()
	}
	select {
	case <-g.terminated:
		return nil
	case <-ctx.Done():
		g.logger.Warn("eventloop group: shutdown did not complete", "err", ctx.Err())
		return ctx.Err()
	}
}

// Terminated 在全部循环退出后关闭。
func (g *EventLoopGroup) Terminated() syncx.DoneChanR { return g.terminated.R() }

// Offload 在阻塞任务池中执行 fn，再把结果投递回 exec 执行 done。
// exec 已关闭、结果无法投递时，done 在阻塞任务池的 goroutine 上以投递错误调用，
// 保证调用方总能得到结果。提交失败时返回错误，done 不会被调用。
func Offload[T any](g *EventLoopGroup, exec EventExecutor, fn func() (T, error), done func(T, error)) error {
	return g.blocking.Submit(func() {
		v, err := fn()
		if e := exec.Execute(func() { done(v, err) }); e != nil {
			g.logger.Debug("eventloop group: offload result not delivered", "err", e)
			var zero T
			done(zero, fmt.Errorf("gionet: offload result not delivered: %w", e))
		}
	})
}

package traffic

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/legamerdc/gionet"
)

// GlobalShaper 在所有通道间共享一个计数器与速率额度，同一个实例加入多个通道的 pipeline。
//
// 每个通道的排队状态只在其事件循环中修改；跨循环共享的只有计数器与全局排队字节数。
// 全局排队字节超过 MaxGlobalWriteSize 时所有通道的第 3 个用户可写位被清除，
// 回落到一半以下后恢复。
type GlobalShaper struct {
	shaper
	cfg Config
	c   *Counter

	mu       sync.Mutex
	channels map[*gionet.Channel]*channelState

	queuesSize atomic.Int64
	suspended  atomic.Bool
}

// NewGlobalShaper 创建全局整形器，exec 驱动周期统计。
func NewGlobalShaper(exec gionet.EventExecutor, cfg Config) (*GlobalShaper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &GlobalShaper{cfg: cfg, channels: make(map[*gionet.Channel]*channelState)}
	g.configure(cfg)
	g.index = GlobalWritabilityIndex
	g.logger = slog.Default()
	g.c = NewCounter("global", exec, cfg.CheckInterval)
	g.counter = func() *Counter { return g.c }
	g.state = g.lookup
	g.queued = g.addQueued
	g.c.Start()
	return g, nil
}

func (g *GlobalShaper) Counter() *Counter { return g.c }

// QueuesSize 返回所有通道排队字节之和。
func (g *GlobalShaper) QueuesSize() int64 { return g.queuesSize.Load() }

// Release 停止周期统计。
func (g *GlobalShaper) Release() { g.c.Stop() }

func (g *GlobalShaper) lookup(ch *gionet.Channel) *channelState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.channels[ch]
}

func (g *GlobalShaper) HandlerAdded(ctx *gionet.HandlerContext) {
	ch := ctx.Channel()
	g.mu.Lock()
	if _, ok := g.channels[ch]; !ok {
		g.channels[ch] = newChannelState(ch, ctx.Executor().Now())
	}
	g.mu.Unlock()
	if g.suspended.Load() {
		ch.OutboundBuffer().SetUserDefinedWritability(CeilingWritabilityIndex, false)
	}
}

func (g *GlobalShaper) HandlerRemoved(ctx *gionet.HandlerContext) {
	ch := ctx.Channel()
	g.mu.Lock()
	st := g.channels[ch]
	delete(g.channels, ch)
	g.mu.Unlock()
	if st != nil {
		g.drain(ctx, st)
	}
	ch.OutboundBuffer().SetUserDefinedWritability(CeilingWritabilityIndex, true)
}

// addQueued 维护全局排队字节，并在越过上限或回落时切换所有通道的可写位。
func (g *GlobalShaper) addQueued(delta int64) {
	n := g.queuesSize.Add(delta)
	limit := g.cfg.MaxGlobalWriteSize
	switch {
	case n > limit && g.suspended.CompareAndSwap(false, true):
		g.logger.Debug("traffic: global write queue over ceiling", "queued", n, "max", limit)
		g.applyCeiling()
	case n <= limit/2 && g.suspended.CompareAndSwap(true, false):
		g.logger.Debug("traffic: global write queue drained", "queued", n)
		g.applyCeiling()
	}
}

// applyCeiling 把当前的全局状态同步到每个通道。任务在各自的循环上执行，
// 执行时读取最新状态，因此乱序到达也会收敛到正确结果。
func (g *GlobalShaper) applyCeiling() {
	g.mu.Lock()
	chans := make([]*gionet.Channel, 0, len(g.channels))
	for ch := range g.channels {
		chans = append(chans, ch)
	}
	g.mu.Unlock()
	for _, ch := range chans {
		ch := ch
		task := func() {
			ch.OutboundBuffer().SetUserDefinedWritability(CeilingWritabilityIndex, !g.suspended.Load())
		}
		exec := ch.EventLoop()
		if exec == nil || exec.InEventLoop() {
			task()
			continue
		}
		if err := exec.Execute(task); err != nil {
			g.logger.Debug("traffic: writability update dropped", "channel", ch.ID().Short(), "err", err)
		}
	}
}

package traffic

import (
	"log/slog"

	"github.com/legamerdc/gionet"
)

// ChannelShaper 限制单个通道的读写速率。每个通道需要独立的实例。
//
// 写入按速率推迟到期后再发送，顺序不变；读超过速率时暂时关闭 AutoRead。
// 排队字节超过 MaxWriteSize 或延迟超过 MaxWriteDelay 时，通道的第 1 个用户可写位被清除，
// 队列清空后恢复。
type ChannelShaper struct {
	shaper
	cfg Config
	c   *Counter
	st  *channelState
}

func NewChannelShaper(cfg Config) (*ChannelShaper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &ChannelShaper{cfg: cfg}
	s.configure(cfg)
	s.index = ChannelWritabilityIndex
	s.logger = slog.Default()
	s.counter = func() *Counter { return s.c }
	s.state = func(*gionet.Channel) *channelState { return s.st }
	return s, nil
}

// Counter 返回该通道的流量计数器；handler 加入 pipeline 前为 nil。
func (s *ChannelShaper) Counter() *Counter { return s.c }

// QueueSize 返回排队中的字节数。
func (s *ChannelShaper) QueueSize() int64 {
	if s.st == nil {
		return 0
	}
	return s.st.queueSize
}

func (s *ChannelShaper) HandlerAdded(ctx *gionet.HandlerContext) {
	ch := ctx.Channel()
	s.logger = ch.Logger()
	s.c = NewCounter(ch.ID().Short(), ctx.Executor(), s.cfg.CheckInterval)
	s.c.OnAccounting(func(c *Counter) {
		s.logger.Debug("traffic: accounting", "channel", ch.ID().Short(), "counter", c.String())
	})
	s.st = newChannelState(ch, ctx.Executor().Now())
	s.c.Start()
}

func (s *ChannelShaper) HandlerRemoved(ctx *gionet.HandlerContext) {
	if s.st != nil {
		s.drain(ctx, s.st)
	}
	if s.c != nil {
		s.c.Stop()
	}
}

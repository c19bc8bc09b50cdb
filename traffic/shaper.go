package traffic

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/buffer"
)

// toSend 是一条被推迟的写入。
type toSend struct {
	at      time.Time
	msg     any
	size    int64
	promise *gionet.Promise
}

// channelState 是单个通道的整形状态，只在该通道的事件循环中修改。
type channelState struct {
	ch            *gionet.Channel
	queue         *queue.Queue // *toSend
	queueSize     int64
	lastWrite     time.Time
	lastRead      time.Time
	readSuspended bool
}

func newChannelState(ch *gionet.Channel, now time.Time) *channelState {
	return &channelState{ch: ch, queue: queue.New(), lastWrite: now, lastRead: now}
}

// shaper 是 ChannelShaper 与 GlobalShaper 共用的整形逻辑。
type shaper struct {
	writeLimit    atomic.Int64
	readLimit     atomic.Int64
	maxTime       atomic.Int64 // ns
	maxWriteDelay atomic.Int64 // ns
	maxWriteSize  atomic.Int64

	index  int
	logger *slog.Logger

	counter func() *Counter
	state   func(ch *gionet.Channel) *channelState
	// queued 在排队字节变化后回调，delta 可正可负
	queued func(delta int64)
}

func (s *shaper) configure(cfg Config) {
	s.writeLimit.Store(cfg.WriteLimit)
	s.readLimit.Store(cfg.ReadLimit)
	s.maxTime.Store(int64(cfg.MaxTime))
	s.maxWriteDelay.Store(int64(cfg.MaxWriteDelay))
	s.maxWriteSize.Store(cfg.MaxWriteSize)
}

// SetLimits 在运行中调整读写速率。
func (s *shaper) SetLimits(writeLimit, readLimit int64) {
	s.writeLimit.Store(writeLimit)
	s.readLimit.Store(readLimit)
}

func (s *shaper) WriteLimit() int64 { return s.writeLimit.Load() }
func (s *shaper) ReadLimit() int64  { return s.readLimit.Load() }

func calculateSize(msg any) int64 {
	switch m := msg.(type) {
	case *buffer.Buffer:
		return int64(m.Len())
	case []byte:
		return int64(len(m))
	case string:
		return int64(len(m))
	}
	return -1
}

func (s *shaper) ChannelRead(ctx *gionet.HandlerContext, msg any) error {
	size := calculateSize(msg)
	st := s.state(ctx.Channel())
	c := s.counter()
	if size > 0 && c != nil && st != nil {
		now := ctx.Executor().Now()
		maxTime := time.Duration(s.maxTime.Load())
		wait := c.ReadTimeToWait(size, s.readLimit.Load(), maxTime, now)
		if wait > maxTime && now.Add(wait).Sub(st.lastRead) > maxTime {
			wait = maxTime
		}
		if wait >= minimalWait {
			ch := ctx.Channel()
			if ch.IsAutoRead() && !st.readSuspended {
				ch.SetAutoRead(false)
				st.readSuspended = true
				s.logger.Debug("traffic: read suspended", "channel", ch.ID().Short(), "wait", wait)
				if _, err := ctx.Executor().Schedule(wait, func() { s.reopenRead(st) }); err != nil {
					s.reopenRead(st)
				}
			}
		}
		st.lastRead = now
	}
	ctx.FireChannelRead(msg)
	return nil
}

func (s *shaper) reopenRead(st *channelState) {
	if !st.readSuspended {
		return
	}
	st.readSuspended = false
	st.ch.SetAutoRead(true)
	s.logger.Debug("traffic: read resumed", "channel", st.ch.ID().Short())
}

// Read 在读被整形暂停期间忽略读请求。
func (s *shaper) Read(ctx *gionet.HandlerContext) {
	if st := s.state(ctx.Channel()); st != nil && st.readSuspended {
		return
	}
	ctx.Read()
}

func (s *shaper) Write(ctx *gionet.HandlerContext, msg any, p *gionet.Promise) {
	size := calculateSize(msg)
	st := s.state(ctx.Channel())
	c := s.counter()
	if size <= 0 || c == nil || st == nil {
		ctx.WriteWith(msg, p)
		return
	}
	now := ctx.Executor().Now()
	wait := c.WriteTimeToWait(size, s.writeLimit.Load(), time.Duration(s.maxTime.Load()), now)
	if wait < minimalWait {
		wait = 0
	}
	s.submitWrite(ctx, st, c, msg, size, wait, now, p)
}

func (s *shaper) submitWrite(ctx *gionet.HandlerContext, st *channelState, c *Counter,
	msg any, size int64, delay time.Duration, now time.Time, p *gionet.Promise) {
	if delay == 0 && st.queue.Length() == 0 {
		c.bytesRealWritten(size)
		ctx.WriteWith(msg, p)
		st.lastWrite = now
		return
	}
	maxTime := time.Duration(s.maxTime.Load())
	if delay > maxTime && now.Add(delay).Sub(st.lastWrite) > maxTime {
		delay = maxTime
	}
	e := &toSend{at: now.Add(delay), msg: msg, size: size, promise: p}
	st.queue.Add(e)
	st.queueSize += size
	if s.queued != nil {
		s.queued(size)
	}
	s.checkWriteSuspend(ctx, delay, st.queueSize)
	at := e.at
	if _, err := ctx.Executor().Schedule(delay, func() { s.sendAllValid(ctx, st, c, at) }); err != nil {
		s.sendAllValid(ctx, st, c, at)
	}
}

func (s *shaper) checkWriteSuspend(ctx *gionet.HandlerContext, delay time.Duration, queueSize int64) {
	if queueSize > s.maxWriteSize.Load() || int64(delay) > s.maxWriteDelay.Load() {
		ctx.Channel().OutboundBuffer().SetUserDefinedWritability(s.index, false)
	}
}

func (s *shaper) releaseWriteSuspended(ch *gionet.Channel) {
	ch.OutboundBuffer().SetUserDefinedWritability(s.index, true)
}

// sendAllValid 按顺序写出所有到期的排队消息，然后 flush。
func (s *shaper) sendAllValid(ctx *gionet.HandlerContext, st *channelState, c *Counter, now time.Time) {
	for st.queue.Length() > 0 {
		e := st.queue.Peek().(*toSend)
		if e.at.After(now) {
			break
		}
		st.queue.Remove()
		c.bytesRealWritten(e.size)
		st.queueSize -= e.size
		if s.queued != nil {
			s.queued(-e.size)
		}
		ctx.WriteWith(e.msg, e.promise)
		st.lastWrite = now
	}
	if st.queue.Length() == 0 {
		s.releaseWriteSuspended(st.ch)
	}
	ctx.Flush()
}

// drain 在 handler 移除时处理排队消息：通道仍 Active 时立即写出，否则释放并失败。
func (s *shaper) drain(ctx *gionet.HandlerContext, st *channelState) {
	c := s.counter()
	active := st.ch.IsActive()
	for st.queue.Length() > 0 {
		e := st.queue.Remove().(*toSend)
		st.queueSize -= e.size
		if s.queued != nil {
			s.queued(-e.size)
		}
		if active {
			if c != nil {
				c.bytesRealWritten(e.size)
			}
			ctx.WriteWith(e.msg, e.promise)
			continue
		}
		if b, ok := e.msg.(*buffer.Buffer); ok {
			b.Release()
		}
		e.promise.TryFailure(&gionet.WriteError{Err: gionet.ErrChannelClosed})
	}
	if active {
		ctx.Flush()
	}
	s.releaseWriteSuspended(st.ch)
	if st.readSuspended {
		st.readSuspended = false
		if st.ch.IsOpen() {
			st.ch.SetAutoRead(true)
		}
	}
}

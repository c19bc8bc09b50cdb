package codec

import (
	"time"

	"github.com/legamerdc/gionet"
)

type batchItem struct {
	frame   Frame
	promise *gionet.Promise
}

// FrameBatcher 把连续写入的 Frame 聚合为一个 []Frame，交给 FrameEncoder 编码为批量帧。
// 累计字节数达到 MaxBytes、条数达到 MaxFrames、收到 Flush 或自第一条起经过 Window 时输出一批。
// 需放在 FrameEncoder 之后（更靠近 tail）。
type FrameBatcher struct {
	Window    time.Duration
	MaxBytes  int
	MaxFrames int

	queue []batchItem
	bytes int
	timer *gionet.ScheduledTask
}

func NewFrameBatcher(window time.Duration, maxBytes int) *FrameBatcher {
	return &FrameBatcher{Window: window, MaxBytes: maxBytes, MaxFrames: 16}
}

func (b *FrameBatcher) Write(ctx *gionet.HandlerContext, msg any, p *gionet.Promise) {
	var f Frame
	switch m := msg.(type) {
	case Frame:
		f = m
	case *Frame:
		f = *m
	default:
		b.drain(ctx)
		ctx.WriteWith(msg, p)
		return
	}
	b.queue = append(b.queue, batchItem{frame: f, promise: p})
	b.bytes += len(f.Payload)
	if b.bytes >= b.MaxBytes || len(b.queue) >= b.MaxFrames {
		b.drain(ctx)
		return
	}
	if len(b.queue) == 1 && b.Window > 0 {
		t, err := ctx.Executor().Schedule(b.Window, func() {
			b.timer = nil
			if len(b.queue) > 0 {
				b.drain(ctx)
				ctx.Flush()
			}
		})
		if err == nil {
			b.timer = t
		}
	}
}

func (b *FrameBatcher) Flush(ctx *gionet.HandlerContext) {
	b.drain(ctx)
	ctx.Flush()
}

// drain 把已排队的帧作为一批写下去。
func (b *FrameBatcher) drain(ctx *gionet.HandlerContext) {
	if b.timer != nil {
		b.timer.Cancel()
		b.timer = nil
	}
	if len(b.queue) == 0 {
		return
	}
	items := b.queue
	b.queue = nil
	b.bytes = 0
	if len(items) == 1 {
		ctx.WriteWith(items[0].frame, items[0].promise)
		return
	}
	frames := make([]Frame, len(items))
	for i, it := range items {
		frames[i] = it.frame
	}
	ctx.Write(frames).AddListener(func(f *gionet.Promise) {
		for _, it := range items {
			if err := f.Cause(); err != nil {
				it.promise.TryFailure(err)
			} else {
				it.promise.TrySuccess()
			}
		}
	})
}

func (b *FrameBatcher) Close(ctx *gionet.HandlerContext, p *gionet.Promise) {
	b.drain(ctx)
	ctx.CloseWith(p)
}

func (b *FrameBatcher) HandlerRemoved(ctx *gionet.HandlerContext) {
	if b.timer != nil {
		b.timer.Cancel()
		b.timer = nil
	}
	for _, it := range b.queue {
		it.promise.TryFailure(gionet.ErrChannelClosed)
	}
	b.queue = nil
	b.bytes = 0
}

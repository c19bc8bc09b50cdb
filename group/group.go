// Package group 管理一组通道，支持广播写入与整体关闭。
package group

import (
	"context"
	"errors"
	"sync"

	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/buffer"
	"github.com/someonegg/gox/syncx"
)

// ChannelGroup 是线程安全的通道集合。通道关闭后自动移出。
type ChannelGroup struct {
	name string

	mu       sync.RWMutex
	channels map[gionet.ChannelID]*gionet.Channel
}

func New(name string) *ChannelGroup {
	return &ChannelGroup{name: name, channels: make(map[gionet.ChannelID]*gionet.Channel)}
}

func (g *ChannelGroup) Name() string { return g.name }

// Add 加入通道，返回是否为新加入。已关闭的通道加入后会立即被移出。
func (g *ChannelGroup) Add(ch *gionet.Channel) bool {
	g.mu.Lock()
	_, exists := g.channels[ch.ID()]
	if !exists {
		g.channels[ch.ID()] = ch
	}
	g.mu.Unlock()
	if !exists {
		ch.CloseFuture().AddListener(func(*gionet.Promise) { g.Remove(ch) })
	}
	return !exists
}

func (g *ChannelGroup) Remove(ch *gionet.Channel) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.channels[ch.ID()]; ok && c == ch {
		delete(g.channels, ch.ID())
		return true
	}
	return false
}

func (g *ChannelGroup) Find(id gionet.ChannelID) *gionet.Channel {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.channels[id]
}

func (g *ChannelGroup) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.channels)
}

// Channels 返回当前成员的快照。
func (g *ChannelGroup) Channels() []*gionet.Channel {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*gionet.Channel, 0, len(g.channels))
	for _, ch := range g.channels {
		out = append(out, ch)
	}
	return out
}

// Matcher 选择参与操作的通道；nil 表示全部。
type Matcher func(ch *gionet.Channel) bool

func (g *ChannelGroup) selected(m Matcher) []*gionet.Channel {
	all := g.Channels()
	if m == nil {
		return all
	}
	out := all[:0]
	for _, ch := range all {
		if m(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// WriteAndFlush 向每个通道写入 msg 的一份拷贝（[]byte、string 或 *buffer.Buffer）。
// *buffer.Buffer 的所有权转移给本方法。
func (g *ChannelGroup) WriteAndFlush(msg any, m Matcher) *Future {
	chans := g.selected(m)
	data, isBuf := msg.(*buffer.Buffer)
	f := newFuture(len(chans))
	for _, ch := range chans {
		var out any = msg
		if isBuf {
			out = buffer.Copy(data.Bytes())
		}
		f.track(ch, ch.WriteAndFlush(out))
	}
	if isBuf {
		data.Release()
	}
	return f
}

// Flush 对每个选中的通道 flush。
func (g *ChannelGroup) Flush(m Matcher) {
	for _, ch := range g.selected(m) {
		ch.Flush()
	}
}

// Close 关闭选中的通道。
func (g *ChannelGroup) Close(m Matcher) *Future {
	chans := g.selected(m)
	f := newFuture(len(chans))
	for _, ch := range chans {
		f.track(ch, ch.Close())
	}
	return f
}

// Future 汇总一组通道操作的结果，全部完成后完成。
type Future struct {
	mu       sync.Mutex
	pending  int
	failures map[*gionet.Channel]error
	done     syncx.DoneChan
}

func newFuture(n int) *Future {
	f := &Future{pending: n, failures: make(map[*gionet.Channel]error), done: syncx.NewDoneChan()}
	if n == 0 {
		f.done.SetDone()
	}
	return f
}

func (f *Future) track(ch *gionet.Channel, p *gionet.Promise) {
	p.AddListener(func(p *gionet.Promise) {
		f.mu.Lock()
		if err := p.Cause(); err != nil {
			f.failures[ch] = err
		}
		f.pending--
		last := f.pending == 0
		f.mu.Unlock()
		if last {
			f.done.SetDone()
		}
	})
}

func (f *Future) Done() syncx.DoneChanR { return f.done.R() }

func (f *Future) IsDone() bool { return f.done.R().Done() }

// Failures 返回失败的通道及原因。
func (f *Future) Failures() map[*gionet.Channel]error {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[*gionet.Channel]error, len(f.failures))
	for ch, err := range f.failures {
		out[ch] = err
	}
	return out
}

// Err 返回所有失败原因的组合；全部成功时为 nil。
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	errs := make([]error, 0, len(f.failures))
	for _, err := range f.failures {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Await 等待全部完成。
func (f *Future) Await(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

package gionet

import (
	"context"
	"log/slog"
	"sync"

	"github.com/someonegg/gox/syncx"
)

// Promise 是异步操作（connect/bind/write/close）的结果句柄，
// 成功或失败恰好被设置一次。Promise 显式关联所属通道。
type Promise struct {
	ch        *Channel
	mu        sync.Mutex
	done      syncx.DoneChan
	completed bool
	err       error
	listeners []func(*Promise)
}

// NewPromise 创建一个归属 ch 的未完成 Promise；ch 可以为 nil。
func NewPromise(ch *Channel) *Promise {
	return &Promise{ch: ch, done: syncx.NewDoneChan()}
}

// NewSucceededPromise 返回已成功的 Promise。
func NewSucceededPromise(ch *Channel) *Promise {
	p := NewPromise(ch)
	p.TrySuccess()
	return p
}

// NewFailedPromise 返回以 err 失败的 Promise。
func NewFailedPromise(ch *Channel, err error) *Promise {
	p := NewPromise(ch)
	p.TryFailure(err)
	return p
}

// Channel 返回关联的通道。
func (p *Promise) Channel() *Channel { return p.ch }

// TrySuccess 标记成功；已完成时返回 false。
func (p *Promise) TrySuccess() bool { return p.complete(nil) }

// TryFailure 标记失败；已完成时返回 false。
func (p *Promise) TryFailure(err error) bool {
	if err == nil {
		err = ErrInvalidArgument
	}
	return p.complete(err)
}

func (p *Promise) complete(err error) bool {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return false
	}
	p.completed = true
	p.err = err
	ls := p.listeners
	p.listeners = nil
	p.mu.Unlock()

	p.done.SetDone()
	for _, fn := range ls {
		p.notify(fn)
	}
	return true
}

// AddListener 注册完成回调。已完成时在当前 goroutine 立即回调，
// 否则在完成 Promise 的 goroutine 中回调（对通道操作而言即其事件循环）。
func (p *Promise) AddListener(fn func(*Promise)) *Promise {
	p.mu.Lock()
	if !p.completed {
		p.listeners = append(p.listeners, fn)
		p.mu.Unlock()
		return p
	}
	p.mu.Unlock()
	p.notify(fn)
	return p
}

func (p *Promise) notify(fn func(*Promise)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("promise: listener panicked", "panic", r)
		}
	}()
	fn(p)
}

// Done 返回完成信号。
func (p *Promise) Done() syncx.DoneChanR { return p.done.R() }

// IsDone 报告是否已完成。
func (p *Promise) IsDone() bool { return p.done.R().Done() }

// IsSuccess 报告是否已成功完成。
func (p *Promise) IsSuccess() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed && p.err == nil
}

// Cause 返回失败原因；未完成或成功时为 nil。
func (p *Promise) Cause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Await 等待完成并返回 Cause，或在 ctx 结束时返回 ctx.Err()。
// 在所属事件循环上等待未完成的 Promise 会返回 ErrBlockingOperation。
func (p *Promise) Await(ctx context.Context) error {
	if p.IsDone() {
		return p.Cause()
	}
	if p.ch != nil {
		if exec := p.ch.executor(); exec != nil && exec.InEventLoop() {
			return ErrBlockingOperation
		}
	}
	select {
	case <-p.done:
		return p.Cause()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cascade 在 p 完成时以同样结果完成 target。
func (p *Promise) cascade(target *Promise) {
	p.AddListener(func(f *Promise) {
		if err := f.Cause(); err != nil {
			target.TryFailure(err)
			return
		}
		target.TrySuccess()
	})
}

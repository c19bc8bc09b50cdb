// Package executor 提供一个固定大小的 goroutine 池，用于执行不能放在事件循环上的阻塞调用。
package executor

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

var ErrClosed = errors.New("executor: closed")

// Pool 是有界工作池。任务队列满时 Submit 立即返回错误而不是阻塞调用方。
type Pool struct {
	tasks  chan func()
	logger *slog.Logger

	mu     sync.RWMutex // 保护 closed 与 tasks 的关闭
	closed bool
	wg     sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
}

// New 启动 workers 个 goroutine，队列长度为 workers*64。
func New(workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{tasks: make(chan func(), workers*64), logger: logger}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

var ErrFull = errors.New("executor: queue full")

// Submit 提交任务，不阻塞。
func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrFull
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		p.completed.Add(1)
		if r := recover(); r != nil {
			p.logger.Warn("executor: task panicked", "panic", r)
		}
	}()
	task()
}

// Stop 拒绝新任务，等待已提交的任务执行完毕。可重复调用。
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Pending 返回已提交未完成的任务数。
func (p *Pool) Pending() int64 { return p.submitted.Load() - p.completed.Load() }

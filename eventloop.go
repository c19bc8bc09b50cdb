package gionet

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/legamerdc/gionet/poller"
	"github.com/someonegg/gox/syncx"
)

// EventExecutor 是通道与 handler 看到的执行器：单线程、按提交顺序执行任务。
type EventExecutor interface {
	// InEventLoop 报告调用方是否运行在该执行器的线程上。
	InEventLoop() bool
	// Execute 提交任务，在下一轮循环中执行。
	Execute(task func()) error
	// Schedule 在 delay 之后执行任务。
	Schedule(delay time.Duration, task func()) (*ScheduledTask, error)
	// Now 返回执行器的当前时间。
	Now() time.Time
}

const (
	stateNotStarted int32 = iota
	stateStarted
	stateShuttingDown
	stateShutdown
	stateTerminated
)

var loopSeq atomic.Int32

// EventLoop 是单线程 reactor：一个 goroutine（锁定 OS 线程）执行就绪等待、
// 分发 I/O 事件、运行提交的任务与到期的定时任务。注册在同一循环上的通道的回调
// 串行执行，因此 handler 内部无需加锁。
//
// 循环在首次提交任务或注册通道时惰性启动。
type EventLoop struct {
	id     int
	logger *slog.Logger
	poller poller.Poller

	mu    sync.Mutex
	tasks *queue.Queue // func()
	batch []func()

	// 以下字段只在循环 goroutine 中访问
	timers   timerQueue
	fds      map[int]*Channel
	channels map[*Channel]struct{}

	numChannels atomic.Int32
	state       atomic.Int32
	gid         atomic.Uint64
	wakePending atomic.Bool
	terminated  syncx.DoneChan
}

// NewEventLoop 创建一个独立的事件循环。通常通过 EventLoopGroup 使用。
func NewEventLoop(opts ...Option) (*EventLoop, error) {
	o := buildOptions(opts)
	p, err := poller.New()
	if err != nil {
		return nil, err
	}
	return newEventLoop(p, o.logger), nil
}

func newEventLoop(p poller.Poller, logger *slog.Logger) *EventLoop {
	id := int(loopSeq.Add(1))
	return &EventLoop{
		id:         id,
		logger:     logger.With("loop", id),
		poller:     p,
		tasks:      queue.New(),
		fds:        make(map[int]*Channel),
		channels:   make(map[*Channel]struct{}),
		terminated: syncx.NewDoneChan(),
	}
}

func (l *EventLoop) ID() int { return l.id }

func (l *EventLoop) InEventLoop() bool {
	id := l.gid.Load()
	return id != 0 && id == goroutineID()
}

func (l *EventLoop) Now() time.Time { return time.Now() }

// NumChannels 返回当前注册在该循环上的通道数。
func (l *EventLoop) NumChannels() int { return int(l.numChannels.Load()) }

// Execute 提交任务。循环线程内调用同样只是入队，在下一轮执行。
func (l *EventLoop) Execute(task func()) error {
	if task == nil {
		return ErrInvalidArgument
	}
	l.mu.Lock()
	if l.state.Load() >= stateShutdown {
		l.mu.Unlock()
		return ErrLoopShutdown
	}
	l.tasks.Add(task)
	l.mu.Unlock()

	l.start()
	if l.wakePending.CompareAndSwap(false, true) {
		if err := l.poller.Wake(); err != nil && err != poller.ErrClosed {
			l.logger.Warn("eventloop: wake failed", "err", err)
		}
	}
	return nil
}

// Schedule 在 delay 后执行任务。
func (l *EventLoop) Schedule(delay time.Duration, task func()) (*ScheduledTask, error) {
	if task == nil {
		return nil, ErrInvalidArgument
	}
	t := newScheduledTask(l.Now().Add(delay), task)
	if l.InEventLoop() {
		l.timers.add(t)
		return t, nil
	}
	if err := l.Execute(func() { l.timers.add(t) }); err != nil {
		return nil, err
	}
	return t, nil
}

// Register 把通道绑定到该循环。绑定后通道不会迁移到其他循环。
func (l *EventLoop) Register(ch *Channel) *Promise {
	p := NewPromise(ch)
	if l.state.Load() >= stateShuttingDown {
		p.TryFailure(ErrLoopShutdown)
		return p
	}
	if err := ch.bind(l, l); err != nil {
		p.TryFailure(err)
		return p
	}
	if err := l.Execute(func() { ch.register0(p) }); err != nil {
		p.TryFailure(err)
	}
	return p
}

// Deregister 取消通道的 I/O 注册并触发 ChannelUnregistered。通道不能再注册到其他循环。
func (l *EventLoop) Deregister(ch *Channel) *Promise {
	p := NewPromise(ch)
	if ch.loop != l {
		p.TryFailure(ErrNotRegistered)
		return p
	}
	if err := l.Execute(func() { ch.deregister0(p) }); err != nil {
		p.TryFailure(err)
	}
	return p
}

// attach 记录通道；有描述符时注册到 poller。
func (l *EventLoop) attach(ch *Channel) error {
	if _, ok := l.channels[ch]; !ok {
		l.channels[ch] = struct{}{}
		l.numChannels.Add(1)
	}
	if ch.t == nil || ch.transportClosed {
		return nil
	}
	fd := ch.t.fd()
	if fd < 0 {
		return nil
	}
	if _, ok := l.fds[fd]; ok {
		return nil
	}
	if err := l.poller.Register(fd, true, ch.writeInterest); err != nil {
		return err
	}
	l.fds[fd] = ch
	return nil
}

// detach 从 poller 注销描述符。
func (l *EventLoop) detach(ch *Channel) {
	if ch.t == nil {
		return
	}
	fd := ch.t.fd()
	if c, ok := l.fds[fd]; ok && c == ch {
		delete(l.fds, fd)
		if err := l.poller.Unregister(fd); err != nil {
			l.logger.Debug("eventloop: unregister fd", "fd", fd, "err", err)
		}
	}
}

// forget 在通道关闭后移除记录。
func (l *EventLoop) forget(ch *Channel) {
	l.detach(ch)
	if _, ok := l.channels[ch]; ok {
		delete(l.channels, ch)
		l.numChannels.Add(-1)
	}
}

func (l *EventLoop) modify(ch *Channel) {
	fd := ch.t.fd()
	if c, ok := l.fds[fd]; !ok || c != ch {
		return
	}
	if err := l.poller.Mod(fd, true, ch.writeInterest); err != nil {
		l.logger.Warn("eventloop: modify interest", "fd", fd, "err", err)
	}
}

func (l *EventLoop) start() {
	if l.state.Load() == stateNotStarted && l.state.CompareAndSwap(stateNotStarted, stateStarted) {
		go l.run()
	}
}

func (l *EventLoop) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	l.gid.Store(goroutineID())
	io := (*loopIO)(l)
	for {
		if _, err := l.poller.Poll(l.pollTimeout(), io); err != nil {
			l.logger.Error("eventloop: poll failed", "err", err)
			l.beginShutdown()
		}
		l.wakePending.Store(false)
		l.runTasks()
		l.runTimers()
		if l.state.Load() >= stateShuttingDown && l.confirmShutdown() {
			break
		}
	}
	l.terminate()
}

func (l *EventLoop) pollTimeout() time.Duration {
	if l.state.Load() >= stateShuttingDown || l.hasTasks() {
		return 0
	}
	if t := l.timers.peek(); t != nil {
		d := time.Until(t.deadline)
		if d < 0 {
			d = 0
		}
		return d
	}
	return -1
}

func (l *EventLoop) hasTasks() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tasks.Length() > 0
}

// runTasks 执行当前已入队的任务，返回执行数量。执行期间新提交的任务留到下一轮。
func (l *EventLoop) runTasks() int {
	l.mu.Lock()
	n := l.tasks.Length()
	for i := 0; i < n; i++ {
		l.batch = append(l.batch, l.tasks.Remove().(func()))
	}
	l.mu.Unlock()
	for i, task := range l.batch {
		l.safeExecute(task)
		l.batch[i] = nil
	}
	l.batch = l.batch[:0]
	return n
}

func (l *EventLoop) runTimers() {
	now := l.Now()
	for {
		t := l.timers.popDue(now)
		if t == nil {
			return
		}
		if t.claim() {
			l.safeExecute(t.fn)
		}
	}
}

func (l *EventLoop) safeExecute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("eventloop: task panicked", "panic", r)
		}
	}()
	task()
}

// confirmShutdown 关闭全部通道并清空任务队列，返回是否可以退出。
func (l *EventLoop) confirmShutdown() bool {
	for ch := range l.channels {
		ch.close0(nil)
	}
	for i := 0; i < 8; i++ {
		if l.runTasks() == 0 {
			break
		}
	}
	return len(l.channels) == 0 && !l.hasTasks()
}

func (l *EventLoop) terminate() {
	l.mu.Lock()
	l.state.Store(stateShutdown)
	l.mu.Unlock()
	// 拒绝新任务前已接受的任务仍然执行
	for n := l.runTasks(); n > 0; n = l.runTasks() {
		l.logger.Debug("eventloop: drained tasks on shutdown", "n", n)
	}
	l.timers.cancelAll()
	if err := l.poller.Close(); err != nil {
		l.logger.Debug("eventloop: close poller", "err", err)
	}
	l.state.Store(stateTerminated)
	l.terminated.SetDone()
	l.logger.Debug("eventloop: terminated")
}

func (l *EventLoop) beginShutdown() {
	for {
		s := l.state.Load()
		if s >= stateShuttingDown {
			return
		}
		if l.state.CompareAndSwap(s, stateShuttingDown) {
			if s == stateNotStarted {
				go l.run()
				return
			}
			_ = l.poller.Wake()
			return
		}
	}
}

// ShutdownGracefully 关闭循环上的全部通道，执行完已接受的任务后退出。
// 等待循环终止或 ctx 结束。
func (l *EventLoop) ShutdownGracefully(ctx context.Context) error {
	l.beginShutdown()
	select {
	case <-l.terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsShuttingDown 报告是否已开始关闭。
func (l *EventLoop) IsShuttingDown() bool { return l.state.Load() >= stateShuttingDown }

// Terminated 在循环退出后关闭。
func (l *EventLoop) Terminated() syncx.DoneChanR { return l.terminated.R() }

// loopIO 把 poller 回调分发给对应通道。单个通道回调中的 panic 报告给该通道的
// pipeline，不影响循环和其他通道。
type loopIO EventLoop

func (io *loopIO) dispatch(fd int, fn func(ch *Channel)) {
	ch := io.fds[fd]
	if ch == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			ch.pipeline.FireExceptionCaught(panicError(r))
		}
	}()
	fn(ch)
}

func (io *loopIO) OnReadable(fd int) { io.dispatch(fd, (*Channel).readReady) }
func (io *loopIO) OnWritable(fd int) { io.dispatch(fd, (*Channel).writeReady) }

func (io *loopIO) OnError(fd int, err error) {
	io.dispatch(fd, func(ch *Channel) { ch.errorReady(err) })
}

package gionet

import (
	"log/slog"
	"net"
	"time"
)

// embeddedExecutor 在调用方 goroutine 上执行任务，时间由 AdvanceTime 推进。
type embeddedExecutor struct {
	now    time.Time
	tasks  []func()
	timers timerQueue
	logger *slog.Logger
}

func (e *embeddedExecutor) InEventLoop() bool { return true }
func (e *embeddedExecutor) Now() time.Time    { return e.now }

func (e *embeddedExecutor) Execute(task func()) error {
	if task == nil {
		return ErrInvalidArgument
	}
	e.tasks = append(e.tasks, task)
	return nil
}

func (e *embeddedExecutor) Schedule(delay time.Duration, task func()) (*ScheduledTask, error) {
	if task == nil {
		return nil, ErrInvalidArgument
	}
	t := newScheduledTask(e.now.Add(delay), task)
	e.timers.add(t)
	return t, nil
}

// run 执行所有任务与到期定时任务，直到两者都为空。
func (e *embeddedExecutor) run() {
	for {
		ran := false
		for len(e.tasks) > 0 {
			task := e.tasks[0]
			e.tasks[0] = nil
			e.tasks = e.tasks[1:]
			e.safeRun(task)
			ran = true
		}
		for t := e.timers.popDue(e.now); t != nil; t = e.timers.popDue(e.now) {
			if t.claim() {
				e.safeRun(t.fn)
				ran = true
			}
		}
		if !ran {
			return
		}
	}
}

func (e *embeddedExecutor) safeRun(task func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("eventloop: task panicked", "loop", "embedded", "panic", r)
		}
	}()
	task()
}

type embeddedAddr struct{}

func (embeddedAddr) Network() string { return "embedded" }
func (embeddedAddr) String() string  { return "embedded" }

// embeddedTransport 把写出的字节收集到 EmbeddedChannel 的出站队列。
type embeddedTransport struct {
	out *[][]byte
}

func (t *embeddedTransport) fd() int                  { return -1 }
func (t *embeddedTransport) read([]byte) (int, error) { return 0, errWouldBlock }
func (t *embeddedTransport) close() error             { return nil }
func (t *embeddedTransport) localAddr() net.Addr      { return embeddedAddr{} }
func (t *embeddedTransport) remoteAddr() net.Addr     { return embeddedAddr{} }

func (t *embeddedTransport) writev(bufs [][]byte) (int, error) {
	n := 0
	for _, b := range bufs {
		*t.out = append(*t.out, append([]byte(nil), b...))
		n += len(b)
	}
	return n, nil
}

// EmbeddedChannel 是不依赖网络与事件循环的通道，用于在单个 goroutine 中测试 handler。
// 入站消息从 pipeline 尾部流出后进入 inbound 队列；出站字节进入 outbound 队列。
type EmbeddedChannel struct {
	*Channel
	exec     *embeddedExecutor
	inbound  []any
	outbound [][]byte
	err      error
}

// NewEmbeddedChannel 创建已注册且 Active 的嵌入通道，并按顺序加入 handlers。
func NewEmbeddedChannel(handlers ...Handler) *EmbeddedChannel {
	return NewEmbeddedChannelConfig(DefaultConfig(), handlers...)
}

// NewEmbeddedChannelConfig 与 NewEmbeddedChannel 相同，使用给定配置。
func NewEmbeddedChannelConfig(cfg Config, handlers ...Handler) *EmbeddedChannel {
	logger := slog.Default()
	ch := newChannel(kindEmbedded, nil, cfg, logger)
	ec := &EmbeddedChannel{
		Channel: ch,
		exec:    &embeddedExecutor{now: time.Unix(0, 0), logger: logger},
	}
	ch.t = &embeddedTransport{out: &ec.outbound}
	ch.tailRead = func(msg any) { ec.inbound = append(ec.inbound, msg) }
	ch.tailError = func(err error) {
		if ec.err == nil {
			ec.err = err
			return
		}
		logger.Warn("embedded: more than one exception caught", "err", err)
	}
	_ = ch.bind(ec.exec, nil)
	for _, h := range handlers {
		_ = ch.pipeline.AddLast("", h)
	}
	ch.register0(NewPromise(ch))
	ec.exec.run()
	return ec
}

// Executor 返回嵌入通道的执行器。
func (ec *EmbeddedChannel) Executor() EventExecutor { return ec.exec }

// WriteInbound 把消息依次作为入站消息触发，返回期间捕获到的异常。
func (ec *EmbeddedChannel) WriteInbound(msgs ...any) error {
	for _, m := range msgs {
		ec.pipeline.FireChannelRead(m)
	}
	ec.pipeline.FireChannelReadComplete()
	ec.exec.run()
	return ec.CheckException()
}

// ReadInbound 取出一个到达 pipeline 尾部的入站消息；没有时返回 nil。
func (ec *EmbeddedChannel) ReadInbound() any {
	if len(ec.inbound) == 0 {
		return nil
	}
	m := ec.inbound[0]
	ec.inbound[0] = nil
	ec.inbound = ec.inbound[1:]
	return m
}

// WriteOutbound 从尾部写入并 flush，返回第一个失败的写入原因或捕获到的异常。
func (ec *EmbeddedChannel) WriteOutbound(msgs ...any) error {
	ps := make([]*Promise, 0, len(msgs))
	for _, m := range msgs {
		ps = append(ps, ec.pipeline.Write(m))
	}
	ec.pipeline.Flush()
	ec.exec.run()
	for _, p := range ps {
		if p.IsDone() && p.Cause() != nil {
			return p.Cause()
		}
	}
	return ec.CheckException()
}

// ReadOutbound 取出一段已写出的字节；没有时返回 nil。
func (ec *EmbeddedChannel) ReadOutbound() []byte {
	if len(ec.outbound) == 0 {
		return nil
	}
	b := ec.outbound[0]
	ec.outbound[0] = nil
	ec.outbound = ec.outbound[1:]
	return b
}

// InboundLen 返回待读取的入站消息数。
func (ec *EmbeddedChannel) InboundLen() int { return len(ec.inbound) }

// OutboundLen 返回待读取的出站字节段数。
func (ec *EmbeddedChannel) OutboundLen() int { return len(ec.outbound) }

// RunPendingTasks 执行所有已提交的任务和到期的定时任务。
func (ec *EmbeddedChannel) RunPendingTasks() { ec.exec.run() }

// AdvanceTime 推进虚拟时钟并执行到期任务。
func (ec *EmbeddedChannel) AdvanceTime(d time.Duration) {
	ec.exec.now = ec.exec.now.Add(d)
	ec.exec.run()
}

// Now 返回虚拟时钟。
func (ec *EmbeddedChannel) Now() time.Time { return ec.exec.now }

// CheckException 返回并清除第一个到达 pipeline 尾部的异常。
func (ec *EmbeddedChannel) CheckException() error {
	err := ec.err
	ec.err = nil
	return err
}

// Close 关闭通道并执行由此产生的任务。
func (ec *EmbeddedChannel) Close() *Promise {
	p := ec.Channel.Close()
	ec.exec.run()
	return p
}

// Finish 关闭通道，报告是否还有未读取的入站或出站数据。
func (ec *EmbeddedChannel) Finish() bool {
	ec.Close()
	return len(ec.inbound) > 0 || len(ec.outbound) > 0
}

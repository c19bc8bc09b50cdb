package traffic

import (
	"fmt"
	"sync"
	"time"

	"github.com/legamerdc/gionet"
)

// Counter 统计读写字节数，并按周期计算吞吐。
// 时间以毫秒计，取自传入的 now，因此可以在虚拟时钟下使用。
type Counter struct {
	name string
	exec gionet.EventExecutor

	mu                    sync.Mutex
	checkInterval         int64 // ms
	lastTime              int64
	currentWritten        int64
	currentRead           int64
	cumulativeWritten     int64
	cumulativeRead        int64
	lastWritten           int64
	lastRead              int64
	realWritten           int64
	cumulativeRealWritten int64
	lastWriteThroughput   int64
	lastReadThroughput    int64
	realWriteThroughput   int64
	writingTime           int64
	readingTime           int64
	lastWritingTime       int64
	lastReadingTime       int64

	monitor      *gionet.ScheduledTask
	running      bool
	onAccounting func(*Counter)
}

// NewCounter 创建计数器。exec 用于周期统计与取当前时间，可以为 nil。
func NewCounter(name string, exec gionet.EventExecutor, checkInterval time.Duration) *Counter {
	c := &Counter{name: name, exec: exec, checkInterval: checkInterval.Milliseconds()}
	now := c.now()
	c.lastTime = now
	c.lastWritingTime = now
	c.lastReadingTime = now
	return c
}

func (c *Counter) now() int64 {
	if c.exec != nil {
		return c.exec.Now().UnixMilli()
	}
	return time.Now().UnixMilli()
}

func (c *Counter) Name() string { return c.name }

// Start 开始周期统计；checkInterval 为 0 时不做任何事。
func (c *Counter) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.checkInterval <= 0 || c.exec == nil {
		return
	}
	c.running = true
	c.lastTime = c.now()
	c.scheduleLocked()
}

func (c *Counter) scheduleLocked() {
	t, err := c.exec.Schedule(time.Duration(c.checkInterval)*time.Millisecond, c.tick)
	if err == nil {
		c.monitor = t
	}
}

func (c *Counter) tick() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.resetAccountingLocked(c.now())
	fn := c.onAccounting
	c.scheduleLocked()
	c.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// Stop 停止周期统计并结算当前周期。
func (c *Counter) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	c.resetAccountingLocked(c.now())
	if c.monitor != nil {
		c.monitor.Cancel()
		c.monitor = nil
	}
}

// OnAccounting 设置每个统计周期结束时的回调。
func (c *Counter) OnAccounting(fn func(*Counter)) {
	c.mu.Lock()
	c.onAccounting = fn
	c.mu.Unlock()
}

// Configure 修改统计周期。
func (c *Counter) Configure(checkInterval time.Duration) {
	ms := checkInterval.Milliseconds()
	c.mu.Lock()
	if c.checkInterval == ms {
		c.mu.Unlock()
		return
	}
	c.checkInterval = ms
	running := c.running
	c.mu.Unlock()
	if ms <= 0 {
		c.Stop()
		return
	}
	if running {
		c.Stop()
	}
	c.Start()
}

// ResetAccounting 结算当前周期。
func (c *Counter) ResetAccounting(now time.Time) {
	c.mu.Lock()
	c.resetAccountingLocked(now.UnixMilli())
	c.mu.Unlock()
}

func (c *Counter) resetAccountingLocked(now int64) {
	interval := now - c.lastTime
	if interval <= 0 {
		return
	}
	c.lastTime = now
	c.lastRead, c.currentRead = c.currentRead, 0
	c.lastWritten, c.currentWritten = c.currentWritten, 0
	c.lastReadThroughput = c.lastRead * 1000 / interval
	c.lastWriteThroughput = c.lastWritten * 1000 / interval
	c.realWriteThroughput = c.realWritten * 1000 / interval
	c.realWritten = 0
	c.lastWritingTime = max(c.lastWritingTime, c.writingTime)
	c.lastReadingTime = max(c.lastReadingTime, c.readingTime)
}

// timeToWait 计算在 limit 字节/秒下还需等待多久，并推进 *busyUntil。
func (c *Counter) timeToWait(sum, last, limit, maxTime, now int64, busyUntil *int64, lastBusy int64) int64 {
	pastDelay := max(lastBusy-c.lastTime, 0)
	interval := now - c.lastTime
	var wait int64
	if interval > minimalWait.Milliseconds() {
		wait = sum*1000/limit - interval + pastDelay
	} else {
		// 当前周期太短，带上上一周期的数据
		wait = (sum+last)*1000/limit - (interval + c.checkInterval) + pastDelay
	}
	if wait > minimalWait.Milliseconds() {
		if wait > maxTime && now+wait-*busyUntil > maxTime {
			wait = maxTime
		}
		*busyUntil = max(*busyUntil, now+wait)
		return wait
	}
	*busyUntil = max(*busyUntil, now)
	return 0
}

// WriteTimeToWait 记录 size 字节的写入，返回为满足 limit 需要推迟的时间。
func (c *Counter) WriteTimeToWait(size, limit int64, maxTime time.Duration, now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentWritten += size
	c.cumulativeWritten += size
	if size == 0 || limit == 0 {
		return 0
	}
	ms := c.timeToWait(c.currentWritten, c.lastWritten, limit, maxTime.Milliseconds(), now.UnixMilli(),
		&c.writingTime, c.lastWritingTime)
	return time.Duration(ms) * time.Millisecond
}

// ReadTimeToWait 记录 size 字节的读取，返回为满足 limit 需要暂停读的时间。
func (c *Counter) ReadTimeToWait(size, limit int64, maxTime time.Duration, now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentRead += size
	c.cumulativeRead += size
	if size == 0 || limit == 0 {
		return 0
	}
	ms := c.timeToWait(c.currentRead, c.lastRead, limit, maxTime.Milliseconds(), now.UnixMilli(),
		&c.readingTime, c.lastReadingTime)
	return time.Duration(ms) * time.Millisecond
}

// bytesRealWritten 记录真正交给下游的字节数。
func (c *Counter) bytesRealWritten(size int64) {
	c.mu.Lock()
	c.realWritten += size
	c.cumulativeRealWritten += size
	c.mu.Unlock()
}

// Snapshot 是计数器某一时刻的读数。吞吐单位为字节/秒，取自最近一个完整周期。
type Snapshot struct {
	CumulativeWritten     int64
	CumulativeRead        int64
	CumulativeRealWritten int64
	CurrentWritten        int64
	CurrentRead           int64
	LastWriteThroughput   int64
	LastReadThroughput    int64
	RealWriteThroughput   int64
}

func (c *Counter) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		CumulativeWritten:     c.cumulativeWritten,
		CumulativeRead:        c.cumulativeRead,
		CumulativeRealWritten: c.cumulativeRealWritten,
		CurrentWritten:        c.currentWritten,
		CurrentRead:           c.currentRead,
		LastWriteThroughput:   c.lastWriteThroughput,
		LastReadThroughput:    c.lastReadThroughput,
		RealWriteThroughput:   c.realWriteThroughput,
	}
}

func (c *Counter) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("Monitor %s Current Speed Read: %d KB/s, Asked Write: %d KB/s, Real Write: %d KB/s, "+
		"Current Read: %d KB, Current asked Write: %d KB, Current real Write: %d KB",
		c.name, c.lastReadThroughput>>10, c.lastWriteThroughput>>10, c.realWriteThroughput>>10,
		c.currentRead>>10, c.currentWritten>>10, c.realWritten>>10)
}

package gionet

import (
	"container/heap"
	"sync/atomic"
	"time"
)

const (
	taskPending int32 = iota
	taskRunning
	taskCancelled
)

var taskSeq atomic.Uint64

// ScheduledTask 是一个延时任务，可在执行前取消。
type ScheduledTask struct {
	deadline time.Time
	seq      uint64
	fn       func()
	index    int
	state    atomic.Int32
}

func newScheduledTask(deadline time.Time, fn func()) *ScheduledTask {
	return &ScheduledTask{deadline: deadline, seq: taskSeq.Add(1), fn: fn, index: -1}
}

// Deadline 返回计划执行时间。
func (t *ScheduledTask) Deadline() time.Time { return t.deadline }

// Cancel 取消尚未执行的任务，返回是否取消成功。
func (t *ScheduledTask) Cancel() bool {
	return t.state.CompareAndSwap(taskPending, taskCancelled)
}

func (t *ScheduledTask) IsCancelled() bool { return t.state.Load() == taskCancelled }

// claim 标记任务开始执行；已取消的任务返回 false。
func (t *ScheduledTask) claim() bool {
	return t.state.CompareAndSwap(taskPending, taskRunning)
}

// timerQueue 是按截止时间排列的最小堆，同一时间按提交顺序。只在所属循环中访问。
type timerQueue []*ScheduledTask

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		return q[i].seq < q[j].seq
	}
	return q[i].deadline.Before(q[j].deadline)
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*ScheduledTask)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

func (q *timerQueue) add(t *ScheduledTask) { heap.Push(q, t) }

// peek 返回最早的未取消任务，顺便清理已取消的堆顶。
func (q *timerQueue) peek() *ScheduledTask {
	for q.Len() > 0 {
		t := (*q)[0]
		if !t.IsCancelled() {
			return t
		}
		heap.Pop(q)
	}
	return nil
}

// popDue 弹出一个在 now 之前到期的任务。
func (q *timerQueue) popDue(now time.Time) *ScheduledTask {
	t := q.peek()
	if t == nil || t.deadline.After(now) {
		return nil
	}
	heap.Pop(q)
	return t
}

func (q *timerQueue) cancelAll() {
	for _, t := range *q {
		t.Cancel()
	}
	*q = nil
}

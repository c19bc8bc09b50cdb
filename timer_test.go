package gionet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerQueue_OrdersByDeadlineThenSubmission(t *testing.T) {
	base := time.Unix(100, 0)
	var q timerQueue
	var order []string
	add := func(name string, d time.Duration) *ScheduledTask {
		task := newScheduledTask(base.Add(d), func() { order = append(order, name) })
		q.add(task)
		return task
	}
	add("c", 30*time.Millisecond)
	add("a1", 10*time.Millisecond)
	add("b", 20*time.Millisecond)
	add("a2", 10*time.Millisecond)

	for task := q.popDue(base.Add(time.Second)); task != nil; task = q.popDue(base.Add(time.Second)) {
		require.True(t, task.claim())
		task.fn()
	}
	assert.Equal(t, []string{"a1", "a2", "b", "c"}, order)
}

func TestTimerQueue_PopDueRespectsNow(t *testing.T) {
	base := time.Unix(100, 0)
	var q timerQueue
	q.add(newScheduledTask(base.Add(time.Second), func() {}))

	assert.Nil(t, q.popDue(base.Add(999*time.Millisecond)))
	assert.NotNil(t, q.popDue(base.Add(time.Second)))
	assert.Equal(t, 0, q.Len())
}

func TestScheduledTask_CancelIsLazy(t *testing.T) {
	base := time.Unix(100, 0)
	var q timerQueue
	first := newScheduledTask(base, func() {})
	second := newScheduledTask(base.Add(time.Millisecond), func() {})
	q.add(first)
	q.add(second)

	assert.True(t, first.Cancel())
	assert.False(t, first.Cancel(), "second cancel must report false")
	assert.True(t, first.IsCancelled())
	assert.Equal(t, 2, q.Len(), "cancelled task stays until it reaches the top")

	assert.Same(t, second, q.peek())
	assert.Equal(t, 1, q.Len())
}

func TestScheduledTask_CannotCancelAfterClaim(t *testing.T) {
	task := newScheduledTask(time.Unix(0, 0), func() {})
	require.True(t, task.claim())
	assert.False(t, task.Cancel())
	assert.False(t, task.claim())
}

func TestTimerQueue_CancelAll(t *testing.T) {
	var q timerQueue
	a := newScheduledTask(time.Unix(1, 0), func() {})
	b := newScheduledTask(time.Unix(2, 0), func() {})
	q.add(a)
	q.add(b)
	q.cancelAll()
	assert.True(t, a.IsCancelled())
	assert.True(t, b.IsCancelled())
	assert.Nil(t, q.peek())
}

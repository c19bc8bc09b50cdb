package gionet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromise_CompletesExactlyOnce(t *testing.T) {
	p := NewPromise(nil)
	var calls int
	p.AddListener(func(*Promise) { calls++ })

	cause := errors.New("boom")
	assert.True(t, p.TryFailure(cause))
	assert.False(t, p.TrySuccess())
	assert.False(t, p.TryFailure(errors.New("other")))

	assert.Equal(t, 1, calls)
	assert.True(t, p.IsDone())
	assert.False(t, p.IsSuccess())
	assert.Equal(t, cause, p.Cause())
}

func TestPromise_ConcurrentCompletion(t *testing.T) {
	p := NewPromise(nil)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var ok bool
			if i%2 == 0 {
				ok = p.TrySuccess()
			} else {
				ok = p.TryFailure(errors.New("x"))
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPromise_ListenerAfterCompletionRunsImmediately(t *testing.T) {
	p := NewSucceededPromise(nil)
	ran := false
	p.AddListener(func(f *Promise) { ran = f.IsSuccess() })
	assert.True(t, ran)
}

func TestPromise_ListenerPanicDoesNotBreakOthers(t *testing.T) {
	p := NewPromise(nil)
	second := false
	p.AddListener(func(*Promise) { panic("listener") })
	p.AddListener(func(*Promise) { second = true })
	assert.NotPanics(t, func() { p.TrySuccess() })
	assert.True(t, second)
}

func TestPromise_TryFailureNilCause(t *testing.T) {
	p := NewPromise(nil)
	p.TryFailure(nil)
	assert.ErrorIs(t, p.Cause(), ErrInvalidArgument)
}

func TestPromise_Await(t *testing.T) {
	p := NewPromise(nil)
	go func() {
		time.Sleep(5 * time.Millisecond)
		p.TrySuccess()
	}()
	require.NoError(t, p.Await(context.Background()))

	pending := NewPromise(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pending.Await(ctx), context.DeadlineExceeded)

	failed := NewFailedPromise(nil, ErrChannelClosed)
	assert.ErrorIs(t, failed.Await(context.Background()), ErrChannelClosed)
}

func TestPromise_AwaitOnOwnLoopIsRejected(t *testing.T) {
	ec := NewEmbeddedChannel()
	p := NewPromise(ec.Channel)
	assert.ErrorIs(t, p.Await(context.Background()), ErrBlockingOperation)

	p.TrySuccess()
	assert.NoError(t, p.Await(context.Background()), "completed promises never block")
}

func TestPromise_Cascade(t *testing.T) {
	src, dst := NewPromise(nil), NewPromise(nil)
	src.cascade(dst)
	src.TryFailure(ErrChannelClosed)
	assert.ErrorIs(t, dst.Cause(), ErrChannelClosed)
}

package group

import (
	"context"
	"testing"
	"time"

	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelGroup_AddRemove(t *testing.T) {
	g := New("test")
	a := gionet.NewEmbeddedChannel()
	b := gionet.NewEmbeddedChannel()

	assert.True(t, g.Add(a.Channel))
	assert.False(t, g.Add(a.Channel), "second add is a no-op")
	assert.True(t, g.Add(b.Channel))
	assert.Equal(t, 2, g.Len())
	assert.Same(t, a.Channel, g.Find(a.ID()))

	assert.True(t, g.Remove(b.Channel))
	assert.False(t, g.Remove(b.Channel))
	assert.Nil(t, g.Find(b.ID()))
	assert.Equal(t, "test", g.Name())
}

func TestChannelGroup_RemovesClosedChannels(t *testing.T) {
	g := New("auto")
	a := gionet.NewEmbeddedChannel()
	g.Add(a.Channel)
	a.Close()
	assert.Zero(t, g.Len())
}

func TestChannelGroup_WriteAndFlush(t *testing.T) {
	g := New("broadcast")
	a := gionet.NewEmbeddedChannel()
	b := gionet.NewEmbeddedChannel()
	g.Add(a.Channel)
	g.Add(b.Channel)

	f := g.WriteAndFlush(buffer.Copy([]byte("ping")), nil)
	a.RunPendingTasks()
	b.RunPendingTasks()
	require.True(t, f.IsDone())
	assert.NoError(t, f.Err())
	assert.Equal(t, "ping", string(a.ReadOutbound()))
	assert.Equal(t, "ping", string(b.ReadOutbound()))
}

func TestChannelGroup_Matcher(t *testing.T) {
	g := New("match")
	a := gionet.NewEmbeddedChannel()
	b := gionet.NewEmbeddedChannel()
	g.Add(a.Channel)
	g.Add(b.Channel)

	only := func(ch *gionet.Channel) bool { return ch == b.Channel }
	f := g.WriteAndFlush("only-b", only)
	a.RunPendingTasks()
	b.RunPendingTasks()
	require.True(t, f.IsDone())
	assert.Zero(t, a.OutboundLen())
	assert.Equal(t, "only-b", string(b.ReadOutbound()))

	cf := g.Close(only)
	a.RunPendingTasks()
	b.RunPendingTasks()
	require.True(t, cf.IsDone())
	assert.True(t, a.IsOpen())
	assert.False(t, b.IsOpen())
	assert.Equal(t, 1, g.Len())
}

func TestChannelGroup_FailuresCollected(t *testing.T) {
	g := New("fail")
	a := gionet.NewEmbeddedChannel()
	b := gionet.NewEmbeddedChannel()
	g.Add(a.Channel)
	g.Add(b.Channel)

	// 不支持的消息类型在 head 处失败
	f := g.WriteAndFlush(42, func(ch *gionet.Channel) bool { return ch == a.Channel })
	a.RunPendingTasks()
	require.True(t, f.IsDone())
	assert.ErrorIs(t, f.Err(), gionet.ErrUnsupportedMessage)
	assert.Contains(t, f.Failures(), a.Channel)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, f.Await(ctx), gionet.ErrUnsupportedMessage)
}

func TestChannelGroup_EmptyFutureIsDone(t *testing.T) {
	g := New("empty")
	f := g.Close(nil)
	assert.True(t, f.IsDone())
	assert.NoError(t, f.Await(context.Background()))
	g.Flush(nil)
}

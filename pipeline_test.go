package gionet

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder 记录经过它的入站读与出站写，并原样透传。
type recorder struct {
	name  string
	trace *[]string
}

func (r *recorder) ChannelRead(ctx *HandlerContext, msg any) error {
	*r.trace = append(*r.trace, "read:"+r.name)
	ctx.FireChannelRead(msg)
	return nil
}

func (r *recorder) Write(ctx *HandlerContext, msg any, p *Promise) {
	*r.trace = append(*r.trace, "write:"+r.name)
	ctx.WriteWith(msg, p)
}

type lifecycle struct {
	added, removed int
}

func (l *lifecycle) HandlerAdded(*HandlerContext)   { l.added++ }
func (l *lifecycle) HandlerRemoved(*HandlerContext) { l.removed++ }

func TestPipeline_EventOrder(t *testing.T) {
	var trace []string
	ec := NewEmbeddedChannel()
	p := ec.Pipeline()
	require.NoError(t, p.AddLast("b", &recorder{"b", &trace}))
	require.NoError(t, p.AddFirst("a", &recorder{"a", &trace}))
	require.NoError(t, p.AddLast("c", &recorder{"c", &trace}))
	assert.Equal(t, []string{"a", "b", "c"}, p.Names())

	require.NoError(t, ec.WriteInbound("in"))
	require.NoError(t, ec.WriteOutbound("out"))

	assert.Equal(t, []string{"read:a", "read:b", "read:c", "write:c", "write:b", "write:a"}, trace)
	assert.Equal(t, "in", ec.ReadInbound())
	assert.Equal(t, "out", string(ec.ReadOutbound()))
	assert.False(t, ec.Finish())
}

func TestPipeline_AddBeforeAfterRemove(t *testing.T) {
	var trace []string
	ec := NewEmbeddedChannel()
	p := ec.Pipeline()
	require.NoError(t, p.AddLast("x", &recorder{"x", &trace}))
	require.NoError(t, p.AddBefore("x", "w", &recorder{"w", &trace}))
	require.NoError(t, p.AddAfter("x", "y", &recorder{"y", &trace}))
	assert.Equal(t, []string{"w", "x", "y"}, p.Names())

	h, err := p.Remove("x")
	require.NoError(t, err)
	assert.Equal(t, "x", h.(*recorder).name)
	assert.Equal(t, []string{"w", "y"}, p.Names())
	assert.Nil(t, p.Get("x"))

	_, err = p.Remove("x")
	assert.ErrorIs(t, err, ErrHandlerNotFound)
	assert.ErrorIs(t, p.AddBefore("missing", "z", &recorder{}), ErrHandlerNotFound)
}

func TestPipeline_DuplicateName(t *testing.T) {
	ec := NewEmbeddedChannel()
	p := ec.Pipeline()
	require.NoError(t, p.AddLast("codec", &recorder{}))

	err := p.AddLast("codec", &recorder{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateHandlerName)
	var dup *DuplicateHandlerNameError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "codec", dup.Name)
	assert.Len(t, p.Names(), 1)
}

func TestPipeline_GeneratedNamesAreUnique(t *testing.T) {
	ec := NewEmbeddedChannel(&recorder{}, &recorder{})
	names := ec.Pipeline().Names()
	require.Len(t, names, 2)
	assert.NotEqual(t, names[0], names[1])
	assert.Contains(t, names[0], "recorder#")
}

func TestPipeline_HandlerLifecycleCallbacks(t *testing.T) {
	l := &lifecycle{}
	ec := NewEmbeddedChannel()
	require.NoError(t, ec.Pipeline().AddLast("l", l))
	assert.Equal(t, 1, l.added)

	ec.Close()
	assert.Equal(t, 1, l.removed, "closing the channel tears the pipeline down")
	assert.Empty(t, ec.Pipeline().Names())
}

func TestPipeline_InboundErrorContinuesFromNextHandler(t *testing.T) {
	cause := errors.New("decode failed")
	var seenBy []string

	failing := struct {
		ReadFunc
		ExceptionFunc
	}{
		ReadFunc: func(*HandlerContext, any) error { return cause },
		ExceptionFunc: func(ctx *HandlerContext, err error) {
			seenBy = append(seenBy, "failing")
			ctx.FireExceptionCaught(err)
		},
	}
	next := ExceptionFunc(func(ctx *HandlerContext, err error) {
		seenBy = append(seenBy, "next")
		ctx.FireExceptionCaught(err)
	})

	ec := NewEmbeddedChannel(failing, next)
	err := ec.WriteInbound("x")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, []string{"next"}, seenBy)
	assert.Nil(t, ec.ReadInbound())
}

func TestPipeline_PanicBecomesException(t *testing.T) {
	ec := NewEmbeddedChannel(ReadFunc(func(*HandlerContext, any) error { panic("bad handler") }))
	err := ec.WriteInbound("x")
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "bad handler", pe.Value)
}

func TestPipeline_WritePanicFailsPromise(t *testing.T) {
	ec := NewEmbeddedChannel(WriteFunc(func(*HandlerContext, any, *Promise) { panic("encoder") }))
	err := ec.WriteOutbound("x")
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Zero(t, ec.OutboundLen())
}

func TestPipeline_UnsupportedOutboundMessage(t *testing.T) {
	ec := NewEmbeddedChannel()
	err := ec.WriteOutbound(42)
	assert.ErrorIs(t, err, ErrUnsupportedMessage)
}

func TestChannelInitializer_RemovesItself(t *testing.T) {
	var trace []string
	init := ChannelInitializer(func(ch *Channel) error {
		return ch.Pipeline().AddLast("rec", &recorder{"rec", &trace})
	})
	ec := NewEmbeddedChannel(init)
	assert.Equal(t, []string{"rec"}, ec.Pipeline().Names())

	require.NoError(t, ec.WriteInbound("m"))
	assert.Equal(t, []string{"read:rec"}, trace)
}

func TestChannelInitializer_ErrorClosesChannel(t *testing.T) {
	cause := errors.New("setup failed")
	ec := NewEmbeddedChannel(ChannelInitializer(func(*Channel) error { return cause }))
	ec.RunPendingTasks()
	assert.ErrorIs(t, ec.CheckException(), cause)
	assert.False(t, ec.IsOpen())
}

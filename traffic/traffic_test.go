package traffic

import (
	"testing"
	"time"

	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limitedConfig(writeLimit, readLimit int64) Config {
	cfg := DefaultConfig()
	cfg.WriteLimit = writeLimit
	cfg.ReadLimit = readLimit
	cfg.CheckInterval = 0
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cases := map[string]func(*Config){
		"negative limit":    func(c *Config) { c.WriteLimit = -1 },
		"negative interval": func(c *Config) { c.CheckInterval = -time.Second },
		"zero max time":     func(c *Config) { c.MaxTime = 0 },
		"zero write delay":  func(c *Config) { c.MaxWriteDelay = 0 },
		"zero global size":  func(c *Config) { c.MaxGlobalWriteSize = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), gionet.ErrInvalidArgument)
		})
	}

	_, err := NewChannelShaper(Config{})
	assert.ErrorIs(t, err, gionet.ErrInvalidArgument)
}

type writabilityRecorder struct{ changes []bool }

func (r *writabilityRecorder) ChannelWritabilityChanged(ctx *gionet.HandlerContext) error {
	r.changes = append(r.changes, ctx.Channel().IsWritable())
	ctx.FireChannelWritabilityChanged()
	return nil
}

func TestCounter_TimeToWait(t *testing.T) {
	ec := gionet.NewEmbeddedChannel()
	start := ec.Now()
	c := NewCounter("test", ec.Executor(), 0)

	// 1000 B/s 下 3000 字节需要 3 秒
	wait := c.WriteTimeToWait(3000, 1000, 15*time.Second, start)
	assert.Equal(t, 3*time.Second, wait)

	// 未限速只计数
	assert.Zero(t, c.ReadTimeToWait(500, 0, 15*time.Second, start))

	// 等待被 maxTime 截断
	wait = c.WriteTimeToWait(100000, 1000, 15*time.Second, start)
	assert.Equal(t, 15*time.Second, wait)

	snap := c.Snapshot()
	assert.Equal(t, int64(103000), snap.CumulativeWritten)
	assert.Equal(t, int64(500), snap.CumulativeRead)
}

func TestCounter_Accounting(t *testing.T) {
	ec := gionet.NewEmbeddedChannel()
	start := ec.Now()
	c := NewCounter("acct", ec.Executor(), 0)
	c.WriteTimeToWait(2000, 0, time.Second, start)
	c.ReadTimeToWait(4000, 0, time.Second, start)
	c.bytesRealWritten(1000)

	c.ResetAccounting(start.Add(2 * time.Second))
	snap := c.Snapshot()
	assert.Equal(t, int64(1000), snap.LastWriteThroughput)
	assert.Equal(t, int64(2000), snap.LastReadThroughput)
	assert.Equal(t, int64(500), snap.RealWriteThroughput)
	assert.Zero(t, snap.CurrentWritten)
	assert.Contains(t, c.String(), "Monitor acct")
}

func TestCounter_PeriodicOnVirtualClock(t *testing.T) {
	ec := gionet.NewEmbeddedChannel()
	c := NewCounter("periodic", ec.Executor(), time.Second)
	ticks := 0
	c.OnAccounting(func(*Counter) { ticks++ })
	c.Start()
	c.WriteTimeToWait(5000, 0, time.Second, ec.Now())

	ec.AdvanceTime(time.Second)
	assert.Equal(t, 1, ticks)
	assert.Equal(t, int64(5000), c.Snapshot().LastWriteThroughput)

	ec.AdvanceTime(time.Second)
	assert.Equal(t, 2, ticks)
	assert.Zero(t, c.Snapshot().LastWriteThroughput)

	c.Stop()
	ec.AdvanceTime(5 * time.Second)
	assert.Equal(t, 2, ticks)
}

func TestChannelShaper_DelaysWrites(t *testing.T) {
	s, err := NewChannelShaper(limitedConfig(1000, 0))
	require.NoError(t, err)
	ec := gionet.NewEmbeddedChannel(s)

	require.NoError(t, ec.WriteOutbound(buffer.Copy(make([]byte, 3000))))
	assert.Zero(t, ec.OutboundLen())
	assert.Equal(t, int64(3000), s.QueueSize())
	assert.True(t, ec.IsWritable())

	ec.AdvanceTime(2999 * time.Millisecond)
	assert.Zero(t, ec.OutboundLen(), "nothing may leave before the rate allows")

	ec.AdvanceTime(time.Millisecond)
	require.Equal(t, 1, ec.OutboundLen())
	assert.Len(t, ec.ReadOutbound(), 3000)
	assert.Zero(t, s.QueueSize())
	assert.Equal(t, int64(3000), s.Counter().Snapshot().CumulativeRealWritten)
}

// 默认 1s 统计周期下，首个周期会把上一周期（空）的时长计入，3000 字节在 2s 后放行。
func TestChannelShaper_DefaultCheckIntervalDelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WriteLimit = 1000
	s, err := NewChannelShaper(cfg)
	require.NoError(t, err)
	ec := gionet.NewEmbeddedChannel(s)

	require.NoError(t, ec.WriteOutbound(buffer.Copy(make([]byte, 3000))))
	assert.Equal(t, int64(3000), s.QueueSize())

	ec.AdvanceTime(1999 * time.Millisecond)
	assert.Zero(t, ec.OutboundLen())

	ec.AdvanceTime(time.Millisecond)
	require.Equal(t, 1, ec.OutboundLen())
	assert.Len(t, ec.ReadOutbound(), 3000)
	assert.Zero(t, s.QueueSize())
}

func TestChannelShaper_KeepsOrder(t *testing.T) {
	s, err := NewChannelShaper(limitedConfig(1000, 0))
	require.NoError(t, err)
	ec := gionet.NewEmbeddedChannel(s)

	// 第一条不需要等待直接写出；第二条开始排队，第三条排在它后面
	ec.Write([]byte("first-"))
	ec.Write(make([]byte, 2000))
	ec.Write([]byte("last"))
	ec.Flush()
	ec.RunPendingTasks()

	ec.AdvanceTime(10 * time.Second)
	var got []byte
	for b := ec.ReadOutbound(); b != nil; b = ec.ReadOutbound() {
		got = append(got, b...)
	}
	require.Len(t, got, 2010)
	assert.Equal(t, "first-", string(got[:6]))
	assert.Equal(t, "last", string(got[2006:]))
}

func TestChannelShaper_SuspendsWritability(t *testing.T) {
	cfg := limitedConfig(1000, 0)
	cfg.MaxWriteDelay = time.Second
	s, err := NewChannelShaper(cfg)
	require.NoError(t, err)

	rec := &writabilityRecorder{}
	ec := gionet.NewEmbeddedChannel(s, rec)

	p := ec.WriteAndFlush(make([]byte, 2000))
	ec.RunPendingTasks()
	assert.False(t, ec.IsWritable())
	assert.False(t, ec.OutboundBuffer().UserDefinedWritability(ChannelWritabilityIndex))

	ec.AdvanceTime(2 * time.Second)
	assert.True(t, p.IsSuccess())
	assert.True(t, ec.IsWritable())
	assert.Equal(t, []bool{false, true}, rec.changes)
}

func TestChannelShaper_SuspendsRead(t *testing.T) {
	s, err := NewChannelShaper(limitedConfig(0, 1000))
	require.NoError(t, err)
	ec := gionet.NewEmbeddedChannel(s)

	require.NoError(t, ec.WriteInbound(buffer.Copy(make([]byte, 3000))))
	assert.NotNil(t, ec.ReadInbound(), "reads are delivered, only further reads pause")
	assert.False(t, ec.IsAutoRead())

	ec.AdvanceTime(3 * time.Second)
	assert.True(t, ec.IsAutoRead())
}

func TestChannelShaper_CloseFailsQueued(t *testing.T) {
	s, err := NewChannelShaper(limitedConfig(1000, 0))
	require.NoError(t, err)
	ec := gionet.NewEmbeddedChannel(s)

	p := ec.WriteAndFlush(make([]byte, 5000))
	ec.RunPendingTasks()
	require.False(t, p.IsDone())

	ec.Close()
	require.True(t, p.IsDone())
	assert.ErrorIs(t, p.Cause(), gionet.ErrChannelClosed)
	assert.Zero(t, s.QueueSize())
}

func TestChannelShaper_RemovalWritesQueued(t *testing.T) {
	s, err := NewChannelShaper(limitedConfig(1000, 0))
	require.NoError(t, err)
	ec := gionet.NewEmbeddedChannel()
	require.NoError(t, ec.Pipeline().AddLast("shaper", s))

	p := ec.WriteAndFlush(make([]byte, 5000))
	ec.RunPendingTasks()
	require.Zero(t, ec.OutboundLen())

	_, err = ec.Pipeline().Remove("shaper")
	require.NoError(t, err)
	ec.RunPendingTasks()
	assert.True(t, p.IsSuccess())
	assert.Equal(t, 1, ec.OutboundLen())
}

func TestGlobalShaper_Ceiling(t *testing.T) {
	cfg := limitedConfig(1000, 0)
	cfg.MaxWriteDelay = time.Hour
	cfg.MaxWriteSize = 1 << 30
	cfg.MaxGlobalWriteSize = 1000

	a := gionet.NewEmbeddedChannel()
	b := gionet.NewEmbeddedChannel()
	g, err := NewGlobalShaper(a.Executor(), cfg)
	require.NoError(t, err)
	defer g.Release()
	require.NoError(t, a.Pipeline().AddLast("global", g))
	require.NoError(t, b.Pipeline().AddLast("global", g))

	a.WriteAndFlush(make([]byte, 600))
	a.RunPendingTasks()
	assert.True(t, a.IsWritable())
	assert.True(t, b.IsWritable())

	b.WriteAndFlush(make([]byte, 600))
	b.RunPendingTasks()
	assert.Equal(t, int64(1200), g.QueuesSize())
	assert.False(t, a.IsWritable(), "ceiling applies to every channel")
	assert.False(t, b.IsWritable())
	assert.False(t, a.OutboundBuffer().UserDefinedWritability(CeilingWritabilityIndex))

	// 回落到 600 仍高于上限的一半
	a.AdvanceTime(time.Second)
	assert.Equal(t, 1, a.OutboundLen())
	assert.Equal(t, int64(600), g.QueuesSize())
	assert.False(t, a.IsWritable())

	b.AdvanceTime(2 * time.Second)
	assert.Equal(t, 1, b.OutboundLen())
	assert.Zero(t, g.QueuesSize())
	assert.True(t, a.IsWritable())
	assert.True(t, b.IsWritable())
}

func TestGlobalShaper_NewChannelInheritsCeiling(t *testing.T) {
	cfg := limitedConfig(1000, 0)
	cfg.MaxWriteDelay = time.Hour
	cfg.MaxWriteSize = 1 << 30
	cfg.MaxGlobalWriteSize = 100

	a := gionet.NewEmbeddedChannel()
	g, err := NewGlobalShaper(a.Executor(), cfg)
	require.NoError(t, err)
	defer g.Release()
	require.NoError(t, a.Pipeline().AddLast("global", g))
	a.WriteAndFlush(make([]byte, 500))
	a.RunPendingTasks()
	require.False(t, a.IsWritable())

	b := gionet.NewEmbeddedChannel(g)
	assert.False(t, b.IsWritable())

	_, err = b.Pipeline().Remove("global")
	require.NoError(t, err)
	assert.True(t, b.IsWritable())
}

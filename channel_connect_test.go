//go:build linux

package gionet

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fullBacklogListener 返回一个 accept 队列已满的监听地址，新的 SYN 会被丢弃。
func fullBacklogListener(t *testing.T) *net.TCPAddr {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })
	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(fd, 0))
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1).To4(), Port: sa.(*unix.SockaddrInet4).Port}

	for i := 0; i < 16; i++ {
		c, err := net.DialTimeout("tcp", addr.String(), 200*time.Millisecond)
		if err != nil {
			return addr
		}
		t.Cleanup(func() { c.Close() })
	}
	t.Skipf("listen backlog on %s never filled", addr)
	return nil
}

func TestChannel_ConnectTimeout(t *testing.T) {
	addr := fullBacklogListener(t)
	l := newTestLoop(t)
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 200 * time.Millisecond
	ch, err := NewChannel(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Register(ch).Await(ctx))

	start := time.Now()
	err = ch.Connect(addr).Await(ctx)
	var te *ConnectTimeoutError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.Equal(t, addr.String(), te.Addr)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	require.NoError(t, ch.CloseFuture().Await(ctx))
	assert.False(t, ch.IsOpen())
}

func TestChannel_ConnectTimerCancelledOnSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		if c, err := ln.Accept(); err == nil {
			accepted <- c
		}
	}()

	l := newTestLoop(t)
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 100 * time.Millisecond
	ch, err := NewChannel(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Register(ch).Await(ctx))
	require.NoError(t, ch.Connect(ln.Addr().(*net.TCPAddr)).Await(ctx))

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("not accepted")
	}
	defer conn.Close()

	// 超时时刻过后连接仍然可用
	time.Sleep(3 * cfg.ConnectTimeout)
	assert.True(t, ch.IsActive())
	require.NoError(t, ch.WriteAndFlush("ping").Await(ctx))
	buf := make([]byte, 4)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	require.NoError(t, ch.Close().Await(ctx))
}

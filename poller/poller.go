// Package poller 封装 I/O 就绪多路复用（linux: epoll，darwin: kqueue）。
package poller

import (
	"errors"
	"time"
)

// FD 表示文件描述符。
type FD = int

// ErrClosed 表示 poller 已关闭。
var ErrClosed = errors.New("poller: closed")

// Handler 是 poller 的事件回调接口。
// 在调用 Poll 的 goroutine 中同步调用，要求无阻塞返回。
type Handler interface {
	OnReadable(fd FD)
	OnWritable(fd FD)
	// OnError 在 ERR/HUP 时回调；读写方向的回调仍可能随后发生。
	OnError(fd FD, err error)
}

// Poller 提供注册与单次等待。事件循环由调用方驱动。
type Poller interface {
	Register(fd FD, readable, writable bool) error
	Mod(fd FD, readable, writable bool) error
	Unregister(fd FD) error
	// Poll 最多阻塞 timeout（<0 表示无限等待），返回分发的事件数。
	Poll(timeout time.Duration, h Handler) (int, error)
	// Wake 唤醒阻塞中的 Poll，可从任意 goroutine 调用。
	Wake() error
	Close() error
}

// ErrHangup 在对端挂断或套接字出错时传给 OnError。
var ErrHangup = errors.New("poller: err|hup")

func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++ // 向上取整，避免提前醒来空转
	}
	if ms > 1<<30 {
		ms = 1 << 30
	}
	return int(ms)
}

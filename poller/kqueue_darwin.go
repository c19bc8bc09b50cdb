//go:build darwin

package poller

import (
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

type kqueuePoller struct {
	kq     int
	wfd    int // 写端，用于唤醒
	rfd    int // 读端，注册到 kqueue
	closed atomic.Bool
	events []unix.Kevent_t
}

func New() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	// 使用管道作为唤醒
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		unix.Close(kq)
		return nil, err
	}
	rfd, wfd := p[0], p[1]
	_ = unix.SetNonblock(rfd, true)
	_ = unix.SetNonblock(wfd, true)
	kev := unix.Kevent_t{
		Ident:  uint64(rfd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err = unix.Kevent(kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		unix.Close(rfd)
		unix.Close(wfd)
		unix.Close(kq)
		return nil, err
	}
	return &kqueuePoller{kq: kq, wfd: wfd, rfd: rfd, events: make([]unix.Kevent_t, 1024)}, nil
}

// changes 总是同时带上读写两个过滤器，用 EV_ENABLE/EV_DISABLE 切换，避免删除不存在的过滤器报错。
func changes(fd FD, readable, writable bool) []unix.Kevent_t {
	flag := func(on bool) uint16 {
		if on {
			return unix.EV_ADD | unix.EV_ENABLE | unix.EV_CLEAR
		}
		return unix.EV_ADD | unix.EV_DISABLE | unix.EV_CLEAR
	}
	return []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flag(readable)},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flag(writable)},
	}
}

func (p *kqueuePoller) Register(fd FD, readable, writable bool) error {
	_, err := unix.Kevent(p.kq, changes(fd, readable, writable), nil, nil)
	return err
}

func (p *kqueuePoller) Mod(fd FD, readable, writable bool) error {
	_, err := unix.Kevent(p.kq, changes(fd, readable, writable), nil, nil)
	return err
}

func (p *kqueuePoller) Unregister(fd FD) error {
	chs := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, err := unix.Kevent(p.kq, chs, nil, nil)
	return err
}

func (p *kqueuePoller) Wake() error {
	if p.closed.Load() {
		return ErrClosed
	}
	_, err := unix.Write(p.wfd, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *kqueuePoller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	unix.Close(p.rfd)
	unix.Close(p.wfd)
	return unix.Close(p.kq)
}

func (p *kqueuePoller) Poll(timeout time.Duration, h Handler) (int, error) {
	defer runtime.KeepAlive(p)
	if p.closed.Load() {
		return 0, ErrClosed
	}
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	var buf [16]byte
	dispatched := 0
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Ident)
		if fd == p.rfd {
			for {
				if _, rerr := unix.Read(p.rfd, buf[:]); rerr != nil {
					break
				}
			}
			continue
		}
		dispatched++
		if ev.Flags&unix.EV_ERROR != 0 {
			h.OnError(fd, ErrHangup)
			continue
		}
		// EOF 由读路径读到 0 字节时处理
		switch ev.Filter {
		case unix.EVFILT_READ:
			h.OnReadable(fd)
		case unix.EVFILT_WRITE:
			if ev.Flags&unix.EV_EOF != 0 && ev.Fflags != 0 {
				h.OnError(fd, ErrHangup)
			}
			h.OnWritable(fd)
		}
	}
	return dispatched, nil
}

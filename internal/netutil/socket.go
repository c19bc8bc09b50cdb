//go:build linux || darwin

// Package netutil 提供非阻塞 TCP 套接字的创建、选项与地址转换。
package netutil

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

var errUnsupportedAddr = errors.New("netutil: unsupported address")

// Options 是建立套接字时应用的选项；零值表示沿用系统默认。
type Options struct {
	ReuseAddr bool
	ReusePort bool
	NoDelay   bool
	SendBuf   int
	RecvBuf   int
}

func boolInt(enable bool) int {
	if enable {
		return 1
	}
	return 0
}

func SetNonblock(fd int, nonblock bool) error {
	return unix.SetNonblock(fd, nonblock)
}

func SetReusePort(fd int, enable bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolInt(enable))
}

func SetReuseAddr(fd int, enable bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolInt(enable))
}

func SetNoDelay(fd int, enable bool) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolInt(enable))
}

func SetRecvBuf(fd int, n int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, n)
}

func SetSendBuf(fd int, n int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, n)
}

// ApplyConn 设置已连接套接字的选项。
func ApplyConn(fd int, o Options) error {
	if o.NoDelay {
		if err := SetNoDelay(fd, true); err != nil {
			return err
		}
	}
	if o.SendBuf > 0 {
		if err := SetSendBuf(fd, o.SendBuf); err != nil {
			return err
		}
	}
	if o.RecvBuf > 0 {
		if err := SetRecvBuf(fd, o.RecvBuf); err != nil {
			return err
		}
	}
	return nil
}

// Sockaddr 将 TCP 地址转换为 unix.Sockaddr 及其地址族。
func Sockaddr(addr *net.TCPAddr) (unix.Sockaddr, int, error) {
	if addr == nil {
		return nil, 0, errUnsupportedAddr
	}
	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		var sa4 unix.SockaddrInet4
		if ip4 != nil {
			copy(sa4.Addr[:], ip4)
		}
		sa4.Port = addr.Port
		return &sa4, unix.AF_INET, nil
	}
	ip6 := addr.IP.To16()
	if ip6 == nil {
		return nil, 0, errUnsupportedAddr
	}
	var sa6 unix.SockaddrInet6
	copy(sa6.Addr[:], ip6)
	sa6.Port = addr.Port
	return &sa6, unix.AF_INET6, nil
}

// TCPAddr 是 Sockaddr 的逆操作；无法识别时返回 nil。
func TCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append(net.IP(nil), v.Addr[:]...), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append(net.IP(nil), v.Addr[:]...), Port: v.Port}
	}
	return nil
}

// LocalAddr 返回 fd 绑定的本地地址。
func LocalAddr(fd int) *net.TCPAddr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return TCPAddr(sa)
}

// PeerAddr 返回 fd 的对端地址。
func PeerAddr(fd int) *net.TCPAddr {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil
	}
	return TCPAddr(sa)
}

func newSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Listen 创建非阻塞监听套接字。
func Listen(addr *net.TCPAddr, backlog int, o Options) (int, error) {
	sa, fam, err := Sockaddr(addr)
	if err != nil {
		return -1, err
	}
	fd, err := newSocket(fam)
	if err != nil {
		return -1, err
	}
	if o.ReuseAddr {
		_ = SetReuseAddr(fd, true)
	}
	if o.ReusePort {
		_ = SetReusePort(fd, true)
	}
	if o.RecvBuf > 0 {
		_ = SetRecvBuf(fd, o.RecvBuf)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if backlog <= 0 {
		backlog = 1024
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Connect 发起非阻塞连接。connected 为 false 表示连接进行中，需等待可写后调用 SocketError。
func Connect(addr *net.TCPAddr, o Options) (fd int, connected bool, err error) {
	sa, fam, err := Sockaddr(addr)
	if err != nil {
		return -1, false, err
	}
	fd, err = newSocket(fam)
	if err != nil {
		return -1, false, err
	}
	if err := ApplyConn(fd, o); err != nil {
		unix.Close(fd)
		return -1, false, err
	}
	switch err := unix.Connect(fd, sa); err {
	case nil:
		return fd, true, nil
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
		return fd, false, nil
	default:
		unix.Close(fd)
		return -1, false, err
	}
}

// SocketError 读取并清除 SO_ERROR。
func SocketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

// IsTemporary 判断非阻塞调用是否只是暂时不可用。
func IsTemporary(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}

func Close(fd int) error { return unix.Close(fd) }

// ShutdownWrite 半关闭写方向。
func ShutdownWrite(fd int) error { return unix.Shutdown(fd, unix.SHUT_WR) }

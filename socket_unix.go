//go:build linux || darwin

package gionet

import (
	"io"
	"net"

	"github.com/legamerdc/gionet/internal/netutil"
	"golang.org/x/sys/unix"
)

type socketTransport struct {
	sfd    int
	local  net.Addr
	remote net.Addr
}

func socketOptions(cfg Config) netutil.Options {
	return netutil.Options{
		ReuseAddr: cfg.ReuseAddr,
		ReusePort: cfg.ReusePort,
		NoDelay:   cfg.TCPNoDelay,
		SendBuf:   cfg.SendBuf,
		RecvBuf:   cfg.RecvBuf,
	}
}

func listenTransport(addr *net.TCPAddr, cfg Config) (transport, error) {
	fd, err := netutil.Listen(addr, cfg.Backlog, socketOptions(cfg))
	if err != nil {
		return nil, err
	}
	return &socketTransport{sfd: fd, local: netutil.LocalAddr(fd)}, nil
}

func dialTransport(addr *net.TCPAddr, cfg Config) (transport, bool, error) {
	fd, connected, err := netutil.Connect(addr, socketOptions(cfg))
	if err != nil {
		return nil, false, err
	}
	s := &socketTransport{sfd: fd, remote: addr}
	if connected {
		s.local = netutil.LocalAddr(fd)
	}
	return s, connected, nil
}

func (s *socketTransport) fd() int { return s.sfd }

func (s *socketTransport) read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.sfd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return 0, errWouldBlock
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (s *socketTransport) writev(bufs [][]byte) (int, error) {
	for {
		n, err := netutil.Writev(s.sfd, bufs)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			if n < 0 {
				n = 0
			}
			return n, errWouldBlock
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

func (s *socketTransport) close() error { return netutil.Close(s.sfd) }

func (s *socketTransport) localAddr() net.Addr  { return s.local }
func (s *socketTransport) remoteAddr() net.Addr { return s.remote }

func (s *socketTransport) configure(cfg Config) error {
	return netutil.ApplyConn(s.sfd, socketOptions(cfg))
}

func (s *socketTransport) accept() (transport, error) {
	for {
		fd, sa, err := netutil.Accept(s.sfd)
		switch {
		case err == unix.EINTR || err == unix.ECONNABORTED:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return nil, errWouldBlock
		case err != nil:
			return nil, err
		}
		return &socketTransport{sfd: fd, local: netutil.LocalAddr(fd), remote: netutil.TCPAddr(sa)}, nil
	}
}

func (s *socketTransport) finishConnect() error {
	if err := netutil.SocketError(s.sfd); err != nil {
		return err
	}
	s.local = netutil.LocalAddr(s.sfd)
	if peer := netutil.PeerAddr(s.sfd); peer != nil {
		s.remote = peer
	}
	return nil
}

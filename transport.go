package gionet

import (
	"errors"
	"net"
)

// errWouldBlock 表示非阻塞操作暂时无法继续，需等待下一次就绪。
var errWouldBlock = errors.New("gionet: operation would block")

// transport 是通道底层的 I/O 策略。实现只在事件循环中被调用。
type transport interface {
	// fd 返回注册到 poller 的描述符；不需要 poller 的实现返回 -1。
	fd() int
	// read 返回 io.EOF 表示对端关闭，errWouldBlock 表示暂无数据。
	read(p []byte) (int, error)
	// writev 返回已写入的字节数；内核缓冲满时返回 errWouldBlock。
	writev(bufs [][]byte) (int, error)
	close() error
	localAddr() net.Addr
	remoteAddr() net.Addr
}

// acceptor 由监听套接字实现。
type acceptor interface {
	accept() (transport, error)
}

// connector 由进行中的客户端套接字实现。
type connector interface {
	finishConnect() error
}

// configurable 由支持套接字选项的实现提供。
type configurable interface {
	configure(cfg Config) error
}

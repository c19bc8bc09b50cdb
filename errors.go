package gionet

import (
	"errors"
	"fmt"
)

var (
	// ErrPlatformNotSupported 当前平台没有可用的就绪多路复用实现
	ErrPlatformNotSupported = errors.New("gionet: platform not supported (requires epoll/kqueue)")

	// ErrInvalidArgument 参数非法
	ErrInvalidArgument = errors.New("gionet: invalid argument")

	// ErrChannelClosed 通道已关闭
	ErrChannelClosed = errors.New("gionet: channel closed")

	// ErrWriteNotAttempted 写入在被 flush 前通道就关闭了，数据从未交给内核
	ErrWriteNotAttempted = errors.New("gionet: write never attempted")

	// ErrLoopShutdown 事件循环已关闭或正在关闭，不再接受任务/注册
	ErrLoopShutdown = errors.New("gionet: event loop shut down")

	// ErrAlreadyRegistered 通道已绑定到某个事件循环
	ErrAlreadyRegistered = errors.New("gionet: channel already registered")

	// ErrNotRegistered 通道尚未注册
	ErrNotRegistered = errors.New("gionet: channel not registered")

	// ErrConnectTimeout 连接超时
	ErrConnectTimeout = errors.New("gionet: connect timed out")

	// ErrConnectPending 已有进行中的连接
	ErrConnectPending = errors.New("gionet: connection attempt already pending")

	// ErrDuplicateHandlerName 同一 pipeline 中 handler 名称重复
	ErrDuplicateHandlerName = errors.New("gionet: duplicate handler name")

	// ErrHandlerNotFound 按名称找不到 handler
	ErrHandlerNotFound = errors.New("gionet: handler not found")

	// ErrUnsupportedMessage 到达 head 的出站消息不是字节类型
	ErrUnsupportedMessage = errors.New("gionet: unsupported message type")

	// ErrBlockingOperation 在事件循环线程上等待一个尚未完成的 future 会导致死锁
	ErrBlockingOperation = errors.New("gionet: blocking await on event loop")
)

// DuplicateHandlerNameError 报告重复的 handler 名称。
type DuplicateHandlerNameError struct {
	Name string
}

func (e *DuplicateHandlerNameError) Error() string {
	return fmt.Sprintf("gionet: duplicate handler name: %q", e.Name)
}

func (e *DuplicateHandlerNameError) Is(target error) bool { return target == ErrDuplicateHandlerName }

// WriteError 描述一条排队写入因通道关闭或 I/O 错误而失败。
//
// Attempted 为 false 表示该写入从未被 flush（可以安全重发）；
// 为 true 时 Written 给出该条消息已写入内核的字节数。
type WriteError struct {
	Attempted bool
	Written   int64
	Err       error
}

func (e *WriteError) Error() string {
	if !e.Attempted {
		return fmt.Sprintf("gionet: write never attempted: %v", e.Err)
	}
	return fmt.Sprintf("gionet: write failed after %d bytes: %v", e.Written, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func (e *WriteError) Is(target error) bool {
	return target == ErrWriteNotAttempted && !e.Attempted
}

// ConnectTimeoutError 在连接超时时返回，与 I/O 错误区分。
type ConnectTimeoutError struct {
	Addr string
}

func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("gionet: connect to %s timed out", e.Addr)
}

func (e *ConnectTimeoutError) Unwrap() error { return ErrConnectTimeout }

// PanicError 包装 handler 或任务中恢复的 panic。
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("gionet: panic: %v", e.Value) }

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("gionet: panic: %w", err)
	}
	return &PanicError{Value: r}
}

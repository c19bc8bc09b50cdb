// Package client 是基于 net.Conn 的阻塞式帧客户端，每个连接一个读 goroutine。
// 线上格式与 codec.FrameEncoder / codec.FrameDecoder 相同，适合不需要事件循环的工具与测试。
package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/legamerdc/gionet/codec"
	"github.com/someonegg/gox/syncx"
)

type Handler interface {
	OnOpen(c *Client)
	// OnFrame 在读 goroutine 中回调
	OnFrame(c *Client, f codec.Frame)
	// OnClose 只回调一次；对端正常关闭或本端 Close 时 err 为 nil
	OnClose(c *Client, err error)
}

type Option func(*Client)

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithCompressThreshold 设置单帧负载达到多少字节时压缩，0 表示不压缩。
func WithCompressThreshold(n int) Option { return func(c *Client) { c.compressThreshold = n } }

// WithMaxFrameLength 限制收到的帧长度，默认 1MiB。
func WithMaxFrameLength(n int) Option { return func(c *Client) { c.maxFrameLength = n } }

// WithCipher 对收发的字节流加解密，须与服务端的 codec.CipherHandler 参数一致。
func WithCipher(ci codec.Cipher) Option { return func(c *Client) { c.cipher = ci } }

type Client struct {
	conn   net.Conn
	h      Handler
	logger *slog.Logger

	compressThreshold int
	maxFrameLength    int
	cipher            codec.Cipher

	mu sync.Mutex // 串行化写入，加密流依赖写入顺序

	closeOnce sync.Once
	err       error
	done      syncx.DoneChan
}

// Dial 连接 address 并启动读 goroutine。OnOpen 在 Dial 返回前回调。
func Dial(ctx context.Context, address string, h Handler, opts ...Option) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:           nc,
		h:              h,
		logger:         slog.Default(),
		maxFrameLength: 1 << 20,
		done:           syncx.NewDoneChan(),
	}
	for _, o := range opts {
		o(c)
	}
	h.OnOpen(c)
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	buf := make([]byte, 64<<10)
	var pending []byte
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if c.cipher != nil {
				c.cipher.DecryptInPlace(chunk)
			}
			pending = append(pending, chunk...)
			consumed, perr := codec.ParseFrames(pending, c.maxFrameLength, func(f codec.Frame) {
				c.h.OnFrame(c, f)
			})
			// 保留未消费的半帧
			pending = append(pending[:0], pending[consumed:]...)
			if perr != nil {
				c.logger.Warn("client: bad frame, closing", "remote", c.conn.RemoteAddr(), "err", perr)
				_ = c.conn.Close()
				c.finish(perr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = nil
			}
			c.finish(err)
			return
		}
	}
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		c.h.OnClose(c, err)
		c.done.SetDone()
	})
}

// Write 编码并发送一帧。
func (c *Client) Write(f codec.Frame) error {
	b, err := codec.AppendFrame(nil, f, c.compressThreshold)
	if err != nil {
		return err
	}
	return c.send(b)
}

// WriteBatch 把 frames 作为一个批量帧发送。
func (c *Client) WriteBatch(frames []codec.Frame) error {
	b, err := codec.AppendBatch(nil, frames)
	if err != nil {
		return err
	}
	return c.send(b)
}

func (c *Client) send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cipher != nil {
		c.cipher.EncryptInPlace(b)
	}
	_, err := c.conn.Write(b)
	return err
}

// Close 关闭连接，读 goroutine 退出后回调 OnClose。
func (c *Client) Close() error { return c.conn.Close() }

// Done 在连接关闭且 OnClose 返回后关闭。
func (c *Client) Done() syncx.DoneChanR { return c.done.R() }

// Err 返回导致连接关闭的错误，须在 Done 之后读取。
func (c *Client) Err() error { return c.err }

func (c *Client) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *Client) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

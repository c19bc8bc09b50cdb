// Package logging 提供把 pipeline 事件写入 slog 的 handler。
package logging

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/buffer"
)

// Handler 记录经过它的所有入站与出站事件并原样透传。可在多个 pipeline 间共享。
type Handler struct {
	logger  *slog.Logger
	level   slog.Level
	preview int
}

// Option 配置 Handler。
type Option func(*Handler)

// WithLevel 设置日志级别，默认 Debug。
func WithLevel(l slog.Level) Option { return func(h *Handler) { h.level = l } }

// WithPreview 设置记录消息内容时最多输出的字节数（十六进制），0 表示不输出内容。
func WithPreview(n int) Option { return func(h *Handler) { h.preview = n } }

func New(logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{logger: logger, level: slog.LevelDebug, preview: 32}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) log(ctx *gionet.HandlerContext, event string, args ...any) {
	if !h.logger.Enabled(context.Background(), h.level) {
		return
	}
	ch := ctx.Channel()
	args = append([]any{"channel", ch.ID().Short(), "event", event}, args...)
	h.logger.Log(context.Background(), h.level, "channel event", args...)
}

func (h *Handler) describe(msg any) []any {
	switch m := msg.(type) {
	case *buffer.Buffer:
		return h.bytes(m.Bytes())
	case []byte:
		return h.bytes(m)
	case string:
		return []any{"bytes", len(m)}
	}
	return []any{"type", fmt.Sprintf("%T", msg)}
}

func (h *Handler) bytes(b []byte) []any {
	if h.preview <= 0 {
		return []any{"bytes", len(b)}
	}
	p := b
	if len(p) > h.preview {
		p = p[:h.preview]
	}
	return []any{"bytes", len(b), "hex", hex.EncodeToString(p)}
}

func (h *Handler) ChannelRegistered(ctx *gionet.HandlerContext) error {
	h.log(ctx, "REGISTERED")
	ctx.FireChannelRegistered()
	return nil
}

func (h *Handler) ChannelUnregistered(ctx *gionet.HandlerContext) error {
	h.log(ctx, "UNREGISTERED")
	ctx.FireChannelUnregistered()
	return nil
}

func (h *Handler) ChannelActive(ctx *gionet.HandlerContext) error {
	ch := ctx.Channel()
	h.log(ctx, "ACTIVE", "local", fmt.Sprint(ch.LocalAddr()), "remote", fmt.Sprint(ch.RemoteAddr()))
	ctx.FireChannelActive()
	return nil
}

func (h *Handler) ChannelInactive(ctx *gionet.HandlerContext) error {
	h.log(ctx, "INACTIVE")
	ctx.FireChannelInactive()
	return nil
}

func (h *Handler) ChannelRead(ctx *gionet.HandlerContext, msg any) error {
	h.log(ctx, "READ", h.describe(msg)...)
	ctx.FireChannelRead(msg)
	return nil
}

func (h *Handler) ChannelReadComplete(ctx *gionet.HandlerContext) error {
	h.log(ctx, "READ_COMPLETE")
	ctx.FireChannelReadComplete()
	return nil
}

func (h *Handler) UserEventTriggered(ctx *gionet.HandlerContext, evt any) error {
	h.log(ctx, "USER_EVENT", "type", fmt.Sprintf("%T", evt))
	ctx.FireUserEventTriggered(evt)
	return nil
}

func (h *Handler) ChannelWritabilityChanged(ctx *gionet.HandlerContext) error {
	h.log(ctx, "WRITABILITY", "writable", ctx.Channel().IsWritable())
	ctx.FireChannelWritabilityChanged()
	return nil
}

func (h *Handler) ExceptionCaught(ctx *gionet.HandlerContext, err error) {
	h.log(ctx, "EXCEPTION", "err", err)
	ctx.FireExceptionCaught(err)
}

func (h *Handler) Write(ctx *gionet.HandlerContext, msg any, p *gionet.Promise) {
	h.log(ctx, "WRITE", h.describe(msg)...)
	ctx.WriteWith(msg, p)
}

func (h *Handler) Flush(ctx *gionet.HandlerContext) {
	h.log(ctx, "FLUSH")
	ctx.Flush()
}

func (h *Handler) Read(ctx *gionet.HandlerContext) {
	h.log(ctx, "READ_REQUEST")
	ctx.Read()
}

func (h *Handler) Close(ctx *gionet.HandlerContext, p *gionet.Promise) {
	h.log(ctx, "CLOSE")
	ctx.CloseWith(p)
}

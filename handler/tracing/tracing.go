// Package tracing 为每个连接创建一个 OpenTelemetry span，覆盖从 Active 到 Inactive 的生命周期。
package tracing

import (
	"context"
	"fmt"

	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/buffer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultTracerName = "github.com/legamerdc/gionet"

// Config 配置 tracing handler。
type Config struct {
	TracerName string
	SpanKind   trace.SpanKind
	// AttributeExtractor 为 span 追加自定义属性
	AttributeExtractor func(ch *gionet.Channel) []attribute.KeyValue

	tracer trace.Tracer
}

type Option func(*Config)

func WithTracerName(name string) Option { return func(c *Config) { c.TracerName = name } }

// WithSpanKind 设置 span 类型，服务端连接默认 Server，客户端连接默认 Client。
func WithSpanKind(k trace.SpanKind) Option { return func(c *Config) { c.SpanKind = k } }

func WithAttributeExtractor(fn func(ch *gionet.Channel) []attribute.KeyValue) Option {
	return func(c *Config) { c.AttributeExtractor = fn }
}

// Tracer 按配置创建 per-channel handler。
type Tracer struct {
	cfg Config
}

// New 使用全局 TracerProvider 创建 Tracer。
func New(opts ...Option) *Tracer {
	cfg := Config{TracerName: defaultTracerName}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.tracer = otel.Tracer(cfg.TracerName)
	return &Tracer{cfg: cfg}
}

// Handler 返回一个新的 per-channel handler。
func (t *Tracer) Handler() *Handler { return &Handler{cfg: &t.cfg} }

// Handler 在 ChannelActive 时开始 span，ChannelInactive 时结束。
type Handler struct {
	cfg     *Config
	ctx     context.Context
	span    trace.Span
	read    int64
	written int64
	failed  bool
}

// Span 返回当前连接的 span；连接未激活时返回 nil。
func (h *Handler) Span() trace.Span { return h.span }

// Context 返回携带 span 的 context，用于把连接内发起的调用关联到该 span。
func (h *Handler) Context() context.Context {
	if h.ctx == nil {
		return context.Background()
	}
	return h.ctx
}

func byteSize(msg any) int64 {
	switch m := msg.(type) {
	case *buffer.Buffer:
		return int64(m.Len())
	case []byte:
		return int64(len(m))
	case string:
		return int64(len(m))
	}
	return 0
}

func (h *Handler) ChannelActive(ctx *gionet.HandlerContext) error {
	ch := ctx.Channel()
	kind := h.cfg.SpanKind
	if kind == trace.SpanKindUnspecified {
		kind = trace.SpanKindClient
		if ch.Parent() != nil {
			kind = trace.SpanKindServer
		}
	}
	attrs := []attribute.KeyValue{
		attribute.String("gionet.channel_id", ch.ID().String()),
		attribute.String("net.sock.host.addr", fmt.Sprint(ch.LocalAddr())),
		attribute.String("net.sock.peer.addr", fmt.Sprint(ch.RemoteAddr())),
	}
	if h.cfg.AttributeExtractor != nil {
		attrs = append(attrs, h.cfg.AttributeExtractor(ch)...)
	}
	h.ctx, h.span = h.cfg.tracer.Start(context.Background(), "gionet.connection",
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)
	ctx.FireChannelActive()
	return nil
}

func (h *Handler) ChannelInactive(ctx *gionet.HandlerContext) error {
	h.end()
	ctx.FireChannelInactive()
	return nil
}

func (h *Handler) HandlerRemoved(*gionet.HandlerContext) { h.end() }

func (h *Handler) end() {
	if h.span == nil {
		return
	}
	h.span.SetAttributes(
		attribute.Int64("gionet.read_bytes", h.read),
		attribute.Int64("gionet.written_bytes", h.written),
	)
	if !h.failed {
		h.span.SetStatus(codes.Ok, "")
	}
	h.span.End()
	h.span = nil
}

func (h *Handler) ChannelRead(ctx *gionet.HandlerContext, msg any) error {
	h.read += byteSize(msg)
	ctx.FireChannelRead(msg)
	return nil
}

func (h *Handler) UserEventTriggered(ctx *gionet.HandlerContext, evt any) error {
	if h.span != nil {
		h.span.AddEvent("user_event", trace.WithAttributes(attribute.String("type", fmt.Sprintf("%T", evt))))
	}
	ctx.FireUserEventTriggered(evt)
	return nil
}

func (h *Handler) ExceptionCaught(ctx *gionet.HandlerContext, err error) {
	if h.span != nil {
		h.failed = true
		h.span.RecordError(err)
		h.span.SetStatus(codes.Error, err.Error())
	}
	ctx.FireExceptionCaught(err)
}

func (h *Handler) Write(ctx *gionet.HandlerContext, msg any, p *gionet.Promise) {
	n := byteSize(msg)
	p.AddListener(func(f *gionet.Promise) {
		if f.Cause() == nil {
			h.written += n
		}
	})
	ctx.WriteWith(msg, p)
}

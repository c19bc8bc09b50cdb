// Package metrics 提供记录连接与流量指标的 prometheus handler。
package metrics

import (
	"time"

	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/buffer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config 配置指标名称与注册位置。
type Config struct {
	// Namespace 默认 "gionet"
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
	// Buckets 为连接时长直方图的桶，默认 prometheus.ExponentialBuckets(0.01, 4, 10)
	Buckets []float64
	// Registry 默认 prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

type Option func(*Config)

func WithNamespace(ns string) Option { return func(c *Config) { c.Namespace = ns } }

func WithSubsystem(s string) Option { return func(c *Config) { c.Subsystem = s } }

func WithConstLabels(l prometheus.Labels) Option { return func(c *Config) { c.ConstLabels = l } }

func WithBuckets(b []float64) Option { return func(c *Config) { c.Buckets = b } }

func WithRegistry(r prometheus.Registerer) Option { return func(c *Config) { c.Registry = r } }

func defaultConfig() Config {
	return Config{
		Namespace: "gionet",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Collector 持有所有指标，一个进程通常只创建一个。
type Collector struct {
	activeConnections  prometheus.Gauge
	connectionsTotal   prometheus.Counter
	connectionDuration prometheus.Histogram
	bytesRead          prometheus.Counter
	bytesWritten       prometheus.Counter
	messagesRead       prometheus.Counter
	writesFailed       prometheus.Counter
	exceptions         prometheus.Counter
	unwritable         prometheus.Counter
}

func New(opts ...Option) *Collector {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	factory := promauto.With(cfg.Registry)
	opt := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		}
	}
	return &Collector{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts(opt("active_connections", "Number of active channels"))),
		connectionsTotal:  factory.NewCounter(opt("connections_total", "Total number of channels that became active")),
		connectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "connection_duration_seconds",
			Help:        "Time between channel activation and deactivation",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}),
		bytesRead:    factory.NewCounter(opt("read_bytes_total", "Bytes received")),
		bytesWritten: factory.NewCounter(opt("written_bytes_total", "Bytes handed to the transport successfully")),
		messagesRead: factory.NewCounter(opt("read_messages_total", "Inbound messages seen by the handler")),
		writesFailed: factory.NewCounter(opt("write_failures_total", "Writes whose promise failed")),
		exceptions:   factory.NewCounter(opt("exceptions_total", "Exceptions propagated through the pipeline")),
		unwritable:   factory.NewCounter(opt("unwritable_transitions_total", "Times a channel became unwritable")),
	}
}

// Handler 返回一个新的 per-channel handler。
func (c *Collector) Handler() *Handler { return &Handler{c: c} }

// Handler 更新 Collector 中的指标，并透传所有事件。每个通道需要独立的实例。
type Handler struct {
	c      *Collector
	since  time.Time
	active bool
}

func size(msg any) int {
	switch m := msg.(type) {
	case *buffer.Buffer:
		return m.Len()
	case []byte:
		return len(m)
	case string:
		return len(m)
	}
	return 0
}

func (h *Handler) ChannelActive(ctx *gionet.HandlerContext) error {
	h.active = true
	h.since = time.Now()
	h.c.activeConnections.Inc()
	h.c.connectionsTotal.Inc()
	ctx.FireChannelActive()
	return nil
}

func (h *Handler) ChannelInactive(ctx *gionet.HandlerContext) error {
	if h.active {
		h.active = false
		h.c.activeConnections.Dec()
		h.c.connectionDuration.Observe(time.Since(h.since).Seconds())
	}
	ctx.FireChannelInactive()
	return nil
}

func (h *Handler) ChannelRead(ctx *gionet.HandlerContext, msg any) error {
	h.c.messagesRead.Inc()
	if n := size(msg); n > 0 {
		h.c.bytesRead.Add(float64(n))
	}
	ctx.FireChannelRead(msg)
	return nil
}

func (h *Handler) ChannelWritabilityChanged(ctx *gionet.HandlerContext) error {
	if !ctx.Channel().IsWritable() {
		h.c.unwritable.Inc()
	}
	ctx.FireChannelWritabilityChanged()
	return nil
}

func (h *Handler) ExceptionCaught(ctx *gionet.HandlerContext, err error) {
	h.c.exceptions.Inc()
	ctx.FireExceptionCaught(err)
}

func (h *Handler) Write(ctx *gionet.HandlerContext, msg any, p *gionet.Promise) {
	n := size(msg)
	p.AddListener(func(f *gionet.Promise) {
		if f.Cause() != nil {
			h.c.writesFailed.Inc()
			return
		}
		h.c.bytesWritten.Add(float64(n))
	})
	ctx.WriteWith(msg, p)
}

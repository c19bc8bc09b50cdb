package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/bootstrap"
	"github.com/legamerdc/gionet/codec"
	"github.com/legamerdc/gionet/group"
	"github.com/legamerdc/gionet/handler/metrics"
	"github.com/legamerdc/gionet/handler/tracing"
	"github.com/legamerdc/gionet/traffic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
)

func serveCmd(gf *globalFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the frame echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf.configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			logger, level, err := newLogger(gf)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, level)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides config)")
	return cmd
}

// echoHandler 把收到的每个帧原样写回，读批次结束时 flush。
// 通道不可写时暂停读取，恢复可写后继续。
type echoHandler struct {
	logger *slog.Logger
}

func (h *echoHandler) ChannelRead(ctx *gionet.HandlerContext, msg any) error {
	if f, ok := msg.(codec.Frame); ok {
		ctx.Write(f)
	}
	return nil
}

func (h *echoHandler) ChannelReadComplete(ctx *gionet.HandlerContext) error {
	ctx.Flush()
	return nil
}

func (h *echoHandler) ChannelWritabilityChanged(ctx *gionet.HandlerContext) error {
	ch := ctx.Channel()
	ch.SetAutoRead(ch.IsWritable())
	if ch.IsWritable() {
		ch.Read()
	}
	return nil
}

func (h *echoHandler) ExceptionCaught(ctx *gionet.HandlerContext, err error) {
	h.logger.Warn("echo: closing channel", "channel", ctx.Channel().ID().Short(), "err", err)
	ctx.Close()
}

func serve(ctx context.Context, cfg FileConfig, logger *slog.Logger, level slog.Level) error {
	loops, err := gionet.NewEventLoopGroup(cfg.Loops,
		gionet.WithLogger(logger), gionet.WithBlockingWorkers(cfg.Blocking))
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = loops.ShutdownGracefully(sctx)
	}()

	global, err := traffic.NewGlobalShaper(loops.Next(), cfg.Traffic)
	if err != nil {
		return err
	}
	defer global.Release()

	st := &stack{
		cfg:    cfg,
		logger: logger,
		level:  level,
		tracer: tracing.New(tracing.WithSpanKind(trace.SpanKindServer)),
		global: global,
	}
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		st.collector = metrics.New(metrics.WithRegistry(reg))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics: server stopped", "err", err)
			}
		}()
		defer srv.Close()
	}

	channels := group.New("echo")
	b := bootstrap.NewServer(loops, loops).
		Config(cfg.Channel).
		ChildConfig(cfg.Channel).
		Logger(logger).
		ChildHandler(gionet.ChannelInitializer(func(ch *gionet.Channel) error {
			channels.Add(ch)
			return st.install(ch, &echoHandler{logger: logger})
		}))

	bound := b.Bind(cfg.Listen)
	if err := bound.Await(ctx); err != nil {
		return err
	}
	server := bound.Channel()

	<-ctx.Done()
	logger.Info("echo: shutting down", "channels", channels.Len())

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Close().Await(sctx)
	if err := channels.Close(nil).Await(sctx); err != nil {
		logger.Warn("echo: close channels", "err", err)
	}
	return nil
}

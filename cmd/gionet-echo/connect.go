package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/bootstrap"
	"github.com/legamerdc/gionet/client"
	"github.com/legamerdc/gionet/codec"
	"github.com/legamerdc/gionet/handler/tracing"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
)

const apiEcho uint16 = 1

func connectCmd(gf *globalFlags) *cobra.Command {
	var (
		addr     string
		count    int
		size     int
		blocking bool
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Send frames to an echo server and report round-trip throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf.configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Connect = addr
			}
			if count <= 0 || size < 0 {
				return fmt.Errorf("count must be positive and size non-negative")
			}
			logger, level, err := newLogger(gf)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			run := connect
			if blocking {
				run = connectBlocking
			}
			res, err := run(ctx, cfg, logger, level, count, size)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d frames (%d bytes each) in %s, %.0f frames/s\n",
				res.frames, size, res.elapsed.Round(time.Millisecond),
				float64(res.frames)/res.elapsed.Seconds())
			return nil
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "server address (overrides config)")
	cmd.Flags().IntVarP(&count, "count", "n", 10000, "number of frames to send")
	cmd.Flags().IntVarP(&size, "size", "s", 128, "payload size in bytes")
	cmd.Flags().BoolVar(&blocking, "blocking", false, "use the blocking net.Conn client instead of an event loop")
	return cmd
}

type result struct {
	frames  int
	elapsed time.Duration
}

// loadHandler 在可写时持续发送，直到发出 total 个帧；收齐回显后完成 done。
type loadHandler struct {
	total    int
	payload  []byte
	sent     int
	received int
	start    time.Time
	done     chan result
}

func (h *loadHandler) ChannelActive(ctx *gionet.HandlerContext) error {
	h.start = time.Now()
	h.pump(ctx)
	ctx.FireChannelActive()
	return nil
}

func (h *loadHandler) pump(ctx *gionet.HandlerContext) {
	ch := ctx.Channel()
	for h.sent < h.total && ch.IsWritable() {
		ctx.Write(codec.Frame{API: apiEcho, Payload: h.payload})
		h.sent++
	}
	ctx.Flush()
}

func (h *loadHandler) ChannelWritabilityChanged(ctx *gionet.HandlerContext) error {
	if ctx.Channel().IsWritable() {
		h.pump(ctx)
	}
	return nil
}

func (h *loadHandler) ChannelRead(ctx *gionet.HandlerContext, msg any) error {
	if _, ok := msg.(codec.Frame); !ok {
		return nil
	}
	h.received++
	if h.received == h.total {
		h.done <- result{frames: h.received, elapsed: time.Since(h.start)}
		ctx.Close()
	}
	return nil
}

func (h *loadHandler) ExceptionCaught(ctx *gionet.HandlerContext, err error) {
	ctx.Channel().Logger().Warn("connect: closing channel", "err", err)
	ctx.Close()
}

func connect(ctx context.Context, cfg FileConfig, logger *slog.Logger, level slog.Level, count, size int) (result, error) {
	loops, err := gionet.NewEventLoopGroup(1, gionet.WithLogger(logger), gionet.WithBlockingWorkers(cfg.Blocking))
	if err != nil {
		return result{}, err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = loops.ShutdownGracefully(sctx)
	}()

	st := &stack{
		cfg:    cfg,
		logger: logger,
		level:  level,
		tracer: tracing.New(tracing.WithSpanKind(trace.SpanKindClient)),
	}
	h := &loadHandler{total: count, payload: make([]byte, size), done: make(chan result, 1)}
	b := bootstrap.NewClient(loops).
		Config(cfg.Channel).
		Logger(logger).
		Handler(gionet.ChannelInitializer(func(ch *gionet.Channel) error {
			return st.install(ch, h)
		}))

	connected := b.Connect(cfg.Connect)
	if err := connected.Await(ctx); err != nil {
		return result{}, err
	}
	ch := connected.Channel()
	select {
	case res := <-h.done:
		return res, nil
	case <-ch.CloseFuture().Done():
		return result{}, fmt.Errorf("connection closed after %d of %d echoes", h.receivedSnapshot(ch), count)
	case <-ctx.Done():
		ch.Close()
		return result{}, ctx.Err()
	}
}

// receivedSnapshot 在事件循环上读取已收到的回显数。
func (h *loadHandler) receivedSnapshot(ch *gionet.Channel) int {
	out := make(chan int, 1)
	if err := ch.EventLoop().Execute(func() { out <- h.received }); err != nil {
		return h.received
	}
	return <-out
}

// blockingCounter 统计阻塞客户端收到的回显。
type blockingCounter struct {
	total    int
	received atomic.Int64
	all      chan struct{}
}

func (b *blockingCounter) OnOpen(*client.Client) {}

func (b *blockingCounter) OnFrame(*client.Client, codec.Frame) {
	if b.received.Add(1) == int64(b.total) {
		close(b.all)
	}
}

func (b *blockingCounter) OnClose(*client.Client, error) {}

// connectBlocking 与 connect 相同，但使用阻塞式客户端：先依次写出全部帧，再等待回显。
func connectBlocking(ctx context.Context, cfg FileConfig, logger *slog.Logger, _ slog.Level, count, size int) (result, error) {
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithCompressThreshold(cfg.Frame.CompressThreshold),
		client.WithMaxFrameLength(cfg.Frame.MaxLength),
	}
	sc, err := cfg.newCipher()
	if err != nil {
		return result{}, err
	}
	if sc != nil {
		opts = append(opts, client.WithCipher(sc))
	}
	counter := &blockingCounter{total: count, all: make(chan struct{})}
	c, err := client.Dial(ctx, cfg.Connect, counter, opts...)
	if err != nil {
		return result{}, err
	}
	defer c.Close()

	start := time.Now()
	payload := make([]byte, size)
	for i := 0; i < count; i++ {
		if err := c.Write(codec.Frame{API: apiEcho, Payload: payload}); err != nil {
			return result{}, err
		}
	}
	select {
	case <-counter.all:
		return result{frames: count, elapsed: time.Since(start)}, nil
	case <-c.Done():
		return result{}, fmt.Errorf("connection closed after %d of %d echoes: %v", counter.received.Load(), count, c.Err())
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

package main

import (
	"log/slog"

	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/codec"
	"github.com/legamerdc/gionet/handler/logging"
	"github.com/legamerdc/gionet/handler/metrics"
	"github.com/legamerdc/gionet/handler/tracing"
	"github.com/legamerdc/gionet/traffic"
)

// stack 为每个通道装配公共的 handler：加密、观测、整形与帧编解码。
type stack struct {
	cfg       FileConfig
	logger    *slog.Logger
	level     slog.Level
	collector *metrics.Collector
	tracer    *tracing.Tracer
	global    *traffic.GlobalShaper
}

func (s *stack) install(ch *gionet.Channel, app gionet.Handler) error {
	p := ch.Pipeline()
	c, err := s.cfg.newCipher()
	if err != nil {
		return err
	}
	if c != nil {
		if err := p.AddLast("cipher", codec.NewCipherHandler(c)); err != nil {
			return err
		}
	}
	if s.collector != nil {
		if err := p.AddLast("metrics", s.collector.Handler()); err != nil {
			return err
		}
	}
	if err := p.AddLast("tracing", s.tracer.Handler()); err != nil {
		return err
	}
	if s.global != nil {
		if err := p.AddLast("global-traffic", s.global); err != nil {
			return err
		}
	}
	if t := s.cfg.Traffic; t.WriteLimit > 0 || t.ReadLimit > 0 {
		shaper, err := traffic.NewChannelShaper(t)
		if err != nil {
			return err
		}
		if err := p.AddLast("traffic", shaper); err != nil {
			return err
		}
	}
	if s.cfg.LogEvents {
		if err := p.AddLast("logging", logging.New(s.logger, logging.WithLevel(s.level))); err != nil {
			return err
		}
	}
	fc := s.cfg.Frame
	if err := p.AddLast("frame-decoder", codec.NewFrameDecoder(fc.MaxLength)); err != nil {
		return err
	}
	if err := p.AddLast("frame-encoder", &codec.FrameEncoder{CompressThreshold: fc.CompressThreshold}); err != nil {
		return err
	}
	if fc.BatchWindow > 0 {
		if err := p.AddLast("batcher", codec.NewFrameBatcher(fc.BatchWindow, fc.BatchBytes)); err != nil {
			return err
		}
	}
	return p.AddLast("app", app)
}

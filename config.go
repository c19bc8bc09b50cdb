package gionet

import (
	"fmt"
	"time"
)

// Config 为通道配置。服务端子通道与客户端通道各持一份拷贝。
type Config struct {
	AutoRead                 bool          `yaml:"auto_read"`                   // 每次读完后是否自动继续读
	ConnectTimeout           time.Duration `yaml:"connect_timeout"`             // 0 表示不设超时
	WriteSpinCount           int           `yaml:"write_spin_count"`            // 单次 flush 最多连续写几次后让出
	WriteBufferHighWaterMark int           `yaml:"write_buffer_high_water_mark"` // 待发送字节达到该值后不可写
	WriteBufferLowWaterMark  int           `yaml:"write_buffer_low_water_mark"`  // 回落到该值以下后恢复可写
	MaxMessagesPerRead       int           `yaml:"max_messages_per_read"`       // 单次就绪最多读几次后让出
	ReadBufferSize           int           `yaml:"read_buffer_size"`            // 每次读分配的缓冲大小
	TCPNoDelay               bool          `yaml:"tcp_no_delay"`
	ReuseAddr                bool          `yaml:"reuse_addr"`
	ReusePort                bool          `yaml:"reuse_port"`
	SendBuf                  int           `yaml:"send_buf"` // 0 使用系统默认
	RecvBuf                  int           `yaml:"recv_buf"`
	Backlog                  int           `yaml:"backlog"`
}

// DefaultConfig 提供一组可工作的默认值
func DefaultConfig() Config {
	return Config{
		AutoRead:                 true,
		ConnectTimeout:           30 * time.Second,
		WriteSpinCount:           16,
		WriteBufferHighWaterMark: 64 << 10, // 64 KiB
		WriteBufferLowWaterMark:  32 << 10, // 32 KiB
		MaxMessagesPerRead:       16,
		ReadBufferSize:           64 << 10,
		TCPNoDelay:               true,
		ReuseAddr:                true,
		Backlog:                  1024,
	}
}

// Validate 检查配置是否自洽。
func (c Config) Validate() error {
	switch {
	case c.WriteSpinCount <= 0:
		return fmt.Errorf("%w: write spin count %d", ErrInvalidArgument, c.WriteSpinCount)
	case c.MaxMessagesPerRead <= 0:
		return fmt.Errorf("%w: max messages per read %d", ErrInvalidArgument, c.MaxMessagesPerRead)
	case c.ReadBufferSize <= 0:
		return fmt.Errorf("%w: read buffer size %d", ErrInvalidArgument, c.ReadBufferSize)
	case c.ConnectTimeout < 0:
		return fmt.Errorf("%w: connect timeout %s", ErrInvalidArgument, c.ConnectTimeout)
	}
	return validateWaterMark(c.WriteBufferLowWaterMark, c.WriteBufferHighWaterMark)
}

func validateWaterMark(low, high int) error {
	if low < 0 || high <= 0 || low > high {
		return fmt.Errorf("%w: water mark low=%d high=%d", ErrInvalidArgument, low, high)
	}
	return nil
}

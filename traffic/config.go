// Package traffic 实现带宽整形：TrafficCounter 统计字节与吞吐，
// ChannelShaper 限制单个通道，GlobalShaper 在所有通道间共享额度并限制全局排队字节。
package traffic

import (
	"fmt"
	"time"

	"github.com/legamerdc/gionet"
)

const (
	DefaultCheckInterval = time.Second
	DefaultMaxTime       = 15 * time.Second
	DefaultMaxWriteDelay = 4 * time.Second
	DefaultMaxWriteSize  = 4 << 20
	DefaultMaxGlobalSize = 400 << 20

	// 小于该值的等待视为不需要整形
	minimalWait = 10 * time.Millisecond
)

// 各整形器使用的用户可写位
const (
	ChannelWritabilityIndex = 1
	GlobalWritabilityIndex  = 2
	CeilingWritabilityIndex = 3
)

// Config 为整形参数。速率单位为字节/秒，0 表示不限制。
type Config struct {
	WriteLimit         int64         `yaml:"write_limit"`
	ReadLimit          int64         `yaml:"read_limit"`
	CheckInterval      time.Duration `yaml:"check_interval"`        // 统计周期，0 关闭周期统计
	MaxTime            time.Duration `yaml:"max_time"`              // 单次等待上限
	MaxWriteDelay      time.Duration `yaml:"max_write_delay"`       // 写延迟超过该值时通道置为不可写
	MaxWriteSize       int64         `yaml:"max_write_size"`        // 单通道排队字节超过该值时置为不可写
	MaxGlobalWriteSize int64         `yaml:"max_global_write_size"` // 全局排队字节上限，超过后所有通道不可写
}

// DefaultConfig 返回不限速的默认配置。
func DefaultConfig() Config {
	return Config{
		CheckInterval:      DefaultCheckInterval,
		MaxTime:            DefaultMaxTime,
		MaxWriteDelay:      DefaultMaxWriteDelay,
		MaxWriteSize:       DefaultMaxWriteSize,
		MaxGlobalWriteSize: DefaultMaxGlobalSize,
	}
}

func (c Config) Validate() error {
	switch {
	case c.WriteLimit < 0 || c.ReadLimit < 0:
		return fmt.Errorf("%w: negative limit", gionet.ErrInvalidArgument)
	case c.CheckInterval < 0:
		return fmt.Errorf("%w: check interval %s", gionet.ErrInvalidArgument, c.CheckInterval)
	case c.MaxTime <= 0:
		return fmt.Errorf("%w: max time %s", gionet.ErrInvalidArgument, c.MaxTime)
	case c.MaxWriteDelay <= 0 || c.MaxWriteSize <= 0:
		return fmt.Errorf("%w: write suspension thresholds must be positive", gionet.ErrInvalidArgument)
	case c.MaxGlobalWriteSize <= 0:
		return fmt.Errorf("%w: max global write size %d", gionet.ErrInvalidArgument, c.MaxGlobalWriteSize)
	}
	return nil
}

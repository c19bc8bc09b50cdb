package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/legamerdc/gionet"
	"github.com/legamerdc/gionet/codec"
	"github.com/legamerdc/gionet/traffic"
	"gopkg.in/yaml.v3"
)

// FrameConfig 配置帧编解码与写聚合。
type FrameConfig struct {
	MaxLength         int           `yaml:"max_length"`
	CompressThreshold int           `yaml:"compress_threshold"` // 0 不压缩单帧
	BatchWindow       time.Duration `yaml:"batch_window"`       // 0 不聚合
	BatchBytes        int           `yaml:"batch_bytes"`
}

// CipherConfig 启用 AES-CTR 流加密，Key 与 IV 为十六进制。
type CipherConfig struct {
	Key string `yaml:"key"`
	IV  string `yaml:"iv"`
}

type FileConfig struct {
	Listen      string         `yaml:"listen"`
	Connect     string         `yaml:"connect"`
	Loops       int            `yaml:"loops"` // 0 使用 CPU 数
	Blocking    int            `yaml:"blocking_workers"`
	MetricsAddr string         `yaml:"metrics_addr"` // 为空不暴露 /metrics
	Channel     gionet.Config  `yaml:"channel"`
	Traffic     traffic.Config `yaml:"traffic"`
	Frame       FrameConfig    `yaml:"frame"`
	Cipher      *CipherConfig  `yaml:"cipher"`
	LogEvents   bool           `yaml:"log_events"` // 在 pipeline 中逐事件记录日志
}

func defaultFileConfig() FileConfig {
	return FileConfig{
		Listen:   ":18888",
		Connect:  "127.0.0.1:18888",
		Blocking: 4,
		Channel:  gionet.DefaultConfig(),
		Traffic:  traffic.DefaultConfig(),
		Frame: FrameConfig{
			MaxLength:         1 << 20,
			CompressThreshold: 4 << 10,
			BatchWindow:       2 * time.Millisecond,
			BatchBytes:        32 << 10,
		},
	}
}

// loadConfig 在默认值之上叠加 path 中的配置；path 为空时只返回默认值。
func loadConfig(path string) (FileConfig, error) {
	cfg := defaultFileConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Channel.Validate(); err != nil {
		return cfg, fmt.Errorf("channel config: %w", err)
	}
	if err := cfg.Traffic.Validate(); err != nil {
		return cfg, fmt.Errorf("traffic config: %w", err)
	}
	if cfg.Frame.MaxLength <= 0 {
		return cfg, fmt.Errorf("frame.max_length must be positive")
	}
	return cfg, nil
}

// newCipher 按配置为每个通道构造独立的加密状态，未配置时返回 nil。
func (c FileConfig) newCipher() (*codec.StreamCipher, error) {
	if c.Cipher == nil {
		return nil, nil
	}
	key, err := hex.DecodeString(c.Cipher.Key)
	if err != nil {
		return nil, fmt.Errorf("cipher key: %w", err)
	}
	iv, err := hex.DecodeString(c.Cipher.IV)
	if err != nil {
		return nil, fmt.Errorf("cipher iv: %w", err)
	}
	return codec.NewAESCTR(key, iv)
}

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/legamerdc/gionet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "echo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":18888", cfg.Listen)
	assert.Equal(t, gionet.DefaultConfig(), cfg.Channel)
	assert.Nil(t, cfg.Cipher)
}

func TestLoadConfig_OverlaysFile(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
loops: 2
channel:
  connect_timeout: 5s
  tcp_no_delay: true
traffic:
  write_limit: 1048576
frame:
  batch_window: 5ms
cipher:
  key: "000102030405060708090a0b0c0d0e0f"
  iv: "0f0e0d0c0b0a09080706050403020100"
log_events: true
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 2, cfg.Loops)
	assert.Equal(t, 5*time.Second, cfg.Channel.ConnectTimeout)
	assert.True(t, cfg.Channel.TCPNoDelay)
	assert.Equal(t, gionet.DefaultConfig().WriteBufferHighWaterMark, cfg.Channel.WriteBufferHighWaterMark, "unset fields keep defaults")
	assert.Equal(t, int64(1<<20), cfg.Traffic.WriteLimit)
	assert.Equal(t, 5*time.Millisecond, cfg.Frame.BatchWindow)
	assert.Equal(t, 1<<20, cfg.Frame.MaxLength)
	assert.True(t, cfg.LogEvents)

	c, err := cfg.newCipher()
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	_, err = loadConfig(writeConfig(t, "listen: \":1\"\nunknown_key: 1\n"))
	assert.ErrorContains(t, err, "parse config")

	_, err = loadConfig(writeConfig(t, "traffic:\n  write_limit: -1\n"))
	assert.ErrorIs(t, err, gionet.ErrInvalidArgument)

	_, err = loadConfig(writeConfig(t, "frame:\n  max_length: 0\n"))
	assert.ErrorContains(t, err, "max_length")
}

func TestNewCipher_BadHex(t *testing.T) {
	cfg := defaultFileConfig()
	cfg.Cipher = &CipherConfig{Key: "zz", IV: "00"}
	_, err := cfg.newCipher()
	assert.ErrorContains(t, err, "cipher key")

	cfg.Cipher = &CipherConfig{Key: "000102030405060708090a0b0c0d0e0f", IV: "0011"}
	_, err = cfg.newCipher()
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	_, level, err := newLogger(&globalFlags{logLevel: "warn"})
	require.NoError(t, err)
	assert.Equal(t, "WARN", level.String())

	_, _, err = newLogger(&globalFlags{logLevel: "loud"})
	assert.Error(t, err)
}

package gionet

import "github.com/google/uuid"

// ChannelID 是通道的全局唯一标识。
type ChannelID uuid.UUID

func newChannelID() ChannelID { return ChannelID(uuid.New()) }

// String 返回完整形式。
func (id ChannelID) String() string { return uuid.UUID(id).String() }

// Short 返回 8 位十六进制的短形式，用于日志。
func (id ChannelID) Short() string { return uuid.UUID(id).String()[:8] }

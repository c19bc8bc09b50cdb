//go:build linux

package netutil

import "golang.org/x/sys/unix"

// Writev 聚合写；返回写入字节数。
func Writev(fd int, bufs [][]byte) (int, error) {
	return unix.Writev(fd, bufs)
}

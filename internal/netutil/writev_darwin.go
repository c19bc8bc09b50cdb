//go:build darwin

package netutil

import "golang.org/x/sys/unix"

// Writev 逐段写出，遇到短写或 EAGAIN 即返回已写字节数。
func Writev(fd int, bufs [][]byte) (int, error) {
	total := 0
	for _, b := range bufs {
		n, err := unix.Write(fd, b)
		if n > 0 {
			total += n
		}
		if err != nil {
			if total > 0 && (err == unix.EAGAIN || err == unix.EWOULDBLOCK) {
				return total, nil
			}
			return total, err
		}
		if n < len(b) {
			return total, nil
		}
	}
	return total, nil
}

//go:build !linux && !darwin

package gionet

import "net"

func listenTransport(*net.TCPAddr, Config) (transport, error) {
	return nil, ErrPlatformNotSupported
}

func dialTransport(*net.TCPAddr, Config) (transport, bool, error) {
	return nil, false, ErrPlatformNotSupported
}

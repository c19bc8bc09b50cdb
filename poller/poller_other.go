//go:build !linux && !darwin

package poller

import "errors"

// New 在不支持的平台上返回错误。
func New() (Poller, error) {
	return nil, errors.New("poller: platform not supported (requires epoll/kqueue)")
}

package gionet

import "github.com/petermattis/goid"

// goroutineID 返回当前 goroutine 的 id，用于判断调用方是否处于事件循环线程。
// 每个 handler 回调都会经过这里，不能走 runtime.Stack 解析。
func goroutineID() uint64 { return uint64(goid.Get()) }

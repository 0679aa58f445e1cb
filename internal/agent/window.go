package agent

import (
	"sync"

	"AutoAgent/internal/decider"
)

const (
	defaultWindowSize = 10
	minWindowSize     = 5
	maxWindowSize     = 10
)

// Window 是固定容量的会话窗口。超出容量时淘汰最旧的一轮。
// 只保存在进程内，重启后清空。
type Window struct {
	mu        sync.RWMutex
	exchanges []decider.Exchange
	capacity  int
}

// NewWindow 创建会话窗口。容量被收敛到 [5, 10]，0 取默认值 10。
func NewWindow(capacity int) *Window {
	switch {
	case capacity <= 0:
		capacity = defaultWindowSize
	case capacity < minWindowSize:
		capacity = minWindowSize
	case capacity > maxWindowSize:
		capacity = maxWindowSize
	}
	return &Window{
		exchanges: make([]decider.Exchange, 0, capacity),
		capacity:  capacity,
	}
}

// Append 追加一轮输入输出。
func (w *Window) Append(input, output string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.exchanges) == w.capacity {
		copy(w.exchanges, w.exchanges[1:])
		w.exchanges = w.exchanges[:w.capacity-1]
	}
	w.exchanges = append(w.exchanges, decider.Exchange{Input: input, Output: output})
}

// Snapshot 返回当前窗口内容的副本，旧轮在前。
func (w *Window) Snapshot() []decider.Exchange {
	w.mu.RLock()
	defer w.mu.RUnlock()
	snapshot := make([]decider.Exchange, len(w.exchanges))
	copy(snapshot, w.exchanges)
	return snapshot
}

// Len 返回窗口内的轮数。
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.exchanges)
}

// Capacity 返回窗口容量。
func (w *Window) Capacity() int {
	return w.capacity
}

package syncgroup

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

var syncGroupLog = logrus.WithField("component", "syncgroup")

type syncGroupFunc func()

// SyncGroup 是 sync.WaitGroup 的包装器，简化 goroutine 生命周期管理
// 每个 goroutine 带名字启动；panic 被捕获并记录，不会拖垮整个进程
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	running map[string]int
	panics  int
	onPanic func(name string, r interface{})
}

// NewSyncGroup 创建新的 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{running: make(map[string]int)}
}

// OnPanic 设置 panic 回调（默认只记录日志）
func (w *SyncGroup) OnPanic(fn func(name string, r interface{})) {
	w.mu.Lock()
	w.onPanic = fn
	w.mu.Unlock()
}

// Go 启动一个命名 goroutine
func (w *SyncGroup) Go(name string, fn syncGroupFunc) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.running[name]++
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				syncGroupLog.Errorf("goroutine %s panic: %v\n%s", name, r, debug.Stack())
				w.mu.Lock()
				w.panics++
				cb := w.onPanic
				w.mu.Unlock()
				if cb != nil {
					cb(name, r)
				}
			}
			w.mu.Lock()
			if w.running[name]--; w.running[name] <= 0 {
				delete(w.running, name)
			}
			w.mu.Unlock()
			w.wg.Done()
		}()
		fn()
	}()
}

// Wait 等待所有 goroutine 完成
func (w *SyncGroup) Wait() {
	w.wg.Wait()
}

// Running 返回仍在运行的 goroutine 名称及数量
func (w *SyncGroup) Running() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int, len(w.running))
	for k, v := range w.running {
		out[k] = v
	}
	return out
}

// Panics 返回累计 panic 次数
func (w *SyncGroup) Panics() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.panics
}

// String 便于日志输出
func (w *SyncGroup) String() string {
	return fmt.Sprintf("syncgroup(running=%v panics=%d)", w.Running(), w.Panics())
}

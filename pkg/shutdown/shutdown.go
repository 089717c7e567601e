package shutdown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var shutdownLog = logrus.WithField("component", "shutdown")

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type stage struct {
	name    string
	handler Handler
}

// Manager 优雅关闭管理器
// 回调按注册顺序串行执行：先停止行情接入，再排空工作队列，再停定时器，最后释放订阅槽和落盘。
// 任一阶段失败只记录日志，不影响后续阶段。
type Manager struct {
	stages []stage
	mu     sync.Mutex
	done   bool
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, handler Handler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, stage{name: name, handler: handler})
}

// Shutdown 执行所有关闭回调（阻塞调用，只执行一次）
// ctx 应该带超时，超时后剩余阶段直接跳过
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	stages := append([]stage(nil), m.stages...)
	m.mu.Unlock()

	if len(stages) == 0 {
		shutdownLog.Info("没有注册的关闭回调")
		return
	}
	shutdownLog.Infof("开始优雅关闭，共 %d 个阶段", len(stages))

	for i, st := range stages {
		if err := ctx.Err(); err != nil {
			shutdownLog.Warnf("关闭超时，跳过剩余 %d 个阶段: %v", len(stages)-i, err)
			return
		}
		start := time.Now()
		if err := runStage(ctx, st); err != nil {
			shutdownLog.Errorf("阶段 %s 失败: %v", st.name, err)
			continue
		}
		shutdownLog.Debugf("阶段 %s 完成 (%s)", st.name, time.Since(start))
	}
	shutdownLog.Info("所有关闭阶段已完成")
}

func runStage(ctx context.Context, st stage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return st.handler(ctx)
}

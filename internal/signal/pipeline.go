// Package signal 实现行情信号引擎：成交额排行、瞬时成交额突增买入、短窗口动量和趋势跟踪。
//
// 所有引擎都跑在 Pipeline 上：同一标的的成交按代码哈希固定落到同一个 worker，
// 按到达顺序处理，引擎的滚动状态按分区存放，分区内不需要加锁。
package signal

import (
	"context"
	"expvar"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/betbot/krxtrader/internal/domain"
)

var pipeLog = logrus.WithField("component", "signal_pipeline")

var pipelineStats = expvar.NewMap("signal_pipeline")

// Handler 处理一笔成交；part 为所在分区
type Handler func(part int, t domain.Tick) error

// TickError 单笔成交处理失败（错误或 panic）
type TickError struct {
	Pipeline  string
	Partition int
	Code      string
	Err       error
	Panic     bool
}

func (e *TickError) Error() string {
	kind := "error"
	if e.Panic {
		kind = "panic"
	}
	return fmt.Sprintf("%s[%d] %s %s: %v", e.Pipeline, e.Partition, e.Code, kind, e.Err)
}

func (e *TickError) Unwrap() error { return e.Err }

// PipelineConfig 分区流水线参数
type PipelineConfig struct {
	Name        string
	Parallelism int
	QueueSize   int
	// Debug 打开时处理错误和 panic 额外投递到 Errors()
	Debug bool
}

// Pipeline 按代码哈希分区的 worker 组
type Pipeline struct {
	name    string
	queues  []chan domain.Tick
	handler Handler

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup

	errs chan error

	submitted *expvar.Int
	dropped   *expvar.Int
	failures  *expvar.Int
}

// NewPipeline 创建流水线（尚未启动）
func NewPipeline(cfg PipelineConfig, h Handler) *Pipeline {
	n := cfg.Parallelism
	if n < 1 {
		n = 1
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 4096
	}
	p := &Pipeline{
		name:      cfg.Name,
		queues:    make([]chan domain.Tick, n),
		handler:   h,
		submitted: new(expvar.Int),
		dropped:   new(expvar.Int),
		failures:  new(expvar.Int),
	}
	for i := range p.queues {
		p.queues[i] = make(chan domain.Tick, size)
	}
	if cfg.Debug {
		p.errs = make(chan error, 256)
	}
	pipelineStats.Set(cfg.Name+".submitted", p.submitted)
	pipelineStats.Set(cfg.Name+".dropped", p.dropped)
	pipelineStats.Set(cfg.Name+".failures", p.failures)
	return p
}

// Partitions 分区数
func (p *Pipeline) Partitions() int { return len(p.queues) }

// Partition 代码对应的分区（FNV-1a 32 位）
func Partition(code string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(code))
	return int(h.Sum32() % uint32(n))
}

// Start 启动 worker；ctx 结束时 worker 直接退出（不再处理剩余队列）
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := range p.queues {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	pipeLog.Infof("[%s] 已启动 %d 个 worker", p.name, len(p.queues))
}

// Submit 投递一笔成交（非阻塞）；队列满或已关闭时丢弃并返回 false
func (p *Pipeline) Submit(t domain.Tick) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	q := p.queues[Partition(t.Code, len(p.queues))]
	select {
	case q <- t:
		p.submitted.Add(1)
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Close 停止接收，等待 worker 处理完已排队的成交
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
	if p.errs != nil {
		close(p.errs)
	}
	pipeLog.Infof("[%s] 已停止", p.name)
}

// Errors 调试模式下的错误通道；非调试模式返回 nil
func (p *Pipeline) Errors() <-chan error { return p.errs }

// Dropped 因队列满丢弃的成交数
func (p *Pipeline) Dropped() int64 { return p.dropped.Value() }

func (p *Pipeline) worker(ctx context.Context, idx int) {
	defer p.wg.Done()
	q := p.queues[idx]
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-q:
			if !ok {
				return
			}
			p.process(idx, t)
		}
	}
}

// process 单笔成交的错误和 panic 只影响这一笔
func (p *Pipeline) process(idx int, t domain.Tick) {
	defer func() {
		if r := recover(); r != nil {
			p.fail(&TickError{Pipeline: p.name, Partition: idx, Code: t.Code, Err: fmt.Errorf("%v", r), Panic: true})
			pipeLog.Debugf("[%s] stack:\n%s", p.name, debug.Stack())
		}
	}()
	if err := p.handler(idx, t); err != nil {
		p.fail(&TickError{Pipeline: p.name, Partition: idx, Code: t.Code, Err: err})
	}
}

func (p *Pipeline) fail(err *TickError) {
	p.failures.Add(1)
	pipeLog.Warnf("%v", err)
	if p.errs == nil {
		return
	}
	select {
	case p.errs <- err:
	default:
	}
}

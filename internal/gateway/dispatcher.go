package gateway

import (
	"context"
	"expvar"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var dispatcherLog = logrus.WithField("component", "gateway_dispatcher")

var (
	dispatchCalls  = expvar.NewInt("gateway_calls")
	dispatchErrors = expvar.NewInt("gateway_errors")
	dispatchPanics = expvar.NewInt("gateway_panics")
)

// callOp 调用类型
type callOp string

const (
	opRegister   callOp = "register_feed"
	opUnregister callOp = "unregister_feed"
	opSubmit     callOp = "submit_order"
)

type call struct {
	op    callOp
	run   func(Gateway) (Ack, error)
	reply chan callResult
}

type callResult struct {
	ack Ack
	err error
}

// Dispatcher 网关调度器（Actor 模型）
// 唯一的 Run goroutine 串行执行所有网关调用；其他 goroutine 通过 cmdChan 投递并等待回执。
// 锁不跨网关调用持有：调用方只在自己的状态上加锁，网关调用发生在 Run goroutine。
type Dispatcher struct {
	gw      Gateway
	cmdChan chan call

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewDispatcher 创建调度器
func NewDispatcher(gw Gateway, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		gw:      gw,
		cmdChan: make(chan call, queueSize),
		stopped: make(chan struct{}),
	}
}

// Run 运行调度循环，直到 ctx 结束
func (d *Dispatcher) Run(ctx context.Context) {
	dispatcherLog.Info("网关调度器已启动")
	defer d.stop()
	for {
		select {
		case <-ctx.Done():
			d.drain()
			dispatcherLog.Info("网关调度器已停止")
			return
		case c := <-d.cmdChan:
			d.execute(c)
		}
	}
}

func (d *Dispatcher) stop() {
	d.stopOnce.Do(func() { close(d.stopped) })
}

// drain 拒绝已排队但未执行的调用
func (d *Dispatcher) drain() {
	for {
		select {
		case c := <-d.cmdChan:
			c.reply <- callResult{err: ErrClosed}
		default:
			return
		}
	}
}

func (d *Dispatcher) execute(c call) {
	dispatchCalls.Add(1)
	var res callResult
	func() {
		defer func() {
			// 网关句柄失效等致命错误只影响本次调用
			if r := recover(); r != nil {
				dispatchPanics.Add(1)
				res = callResult{err: fmt.Errorf("gateway %s panic: %v", c.op, r)}
			}
		}()
		ack, err := c.run(d.gw)
		res = callResult{ack: ack, err: err}
	}()
	if res.err != nil {
		dispatchErrors.Add(1)
	}
	c.reply <- res
}

// Pending 当前排队的调用数
func (d *Dispatcher) Pending() int { return len(d.cmdChan) }

func (d *Dispatcher) do(ctx context.Context, op callOp, run func(Gateway) (Ack, error)) (Ack, error) {
	c := call{op: op, run: run, reply: make(chan callResult, 1)}
	select {
	case <-d.stopped:
		return Ack{}, ErrClosed
	default:
	}
	select {
	case d.cmdChan <- c:
	case <-ctx.Done():
		return Ack{}, errors.Wrapf(ctx.Err(), "gateway %s enqueue", op)
	case <-d.stopped:
		return Ack{}, ErrClosed
	}
	select {
	case r := <-c.reply:
		return r.ack, r.err
	case <-ctx.Done():
		// 调用可能已经执行，结果由下一轮扫描对账
		return Ack{}, errors.Wrapf(ctx.Err(), "gateway %s reply", op)
	case <-d.stopped:
		select {
		case r := <-c.reply:
			return r.ack, r.err
		default:
			return Ack{}, ErrClosed
		}
	}
}

// RegisterFeed 注册实时行情
func (d *Dispatcher) RegisterFeed(ctx context.Context, slot int, code, fields string, mode FeedMode) error {
	_, err := d.do(ctx, opRegister, func(g Gateway) (Ack, error) {
		return Ack{}, g.RegisterFeed(slot, code, fields, mode)
	})
	return errors.Wrapf(err, "register %s on slot %d", code, slot)
}

// UnregisterFeed 注销实时行情
func (d *Dispatcher) UnregisterFeed(ctx context.Context, slot int, code string) error {
	_, err := d.do(ctx, opUnregister, func(g Gateway) (Ack, error) {
		return Ack{}, g.UnregisterFeed(slot, code)
	})
	return errors.Wrapf(err, "unregister %s on slot %d", code, slot)
}

// SubmitOrder 下单/撤单
func (d *Dispatcher) SubmitOrder(ctx context.Context, req OrderRequest) (Ack, error) {
	ack, err := d.do(ctx, opSubmit, func(g Gateway) (Ack, error) {
		return g.SubmitOrder(req)
	})
	if err != nil {
		return Ack{}, errors.Wrapf(err, "submit %s", req)
	}
	return ack, nil
}

var _ Port = (*Dispatcher)(nil)

package ratelimit

import (
	"sync"
	"time"
)

// Clock 时间源（测试可注入）
type Clock func() time.Time

// SlidingWindow 滑动窗口计数
// requests 按时间先后排列（FIFO），窗口外的请求在每次调用时从队首剔除。
// 本身不加锁，由 DualWindow 统一持锁。
type SlidingWindow struct {
	limit      int           // 限制数量
	windowSize time.Duration // 窗口大小
	requests   []time.Time   // 请求时间戳（FIFO）
}

func newSlidingWindow(limit int, windowSize time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:      limit,
		windowSize: windowSize,
		requests:   make([]time.Time, 0, limit),
	}
}

// prune 从队首剔除严格早于 now-windowSize 的请求
// 调用方必须持有锁
func (sw *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-sw.windowSize)
	i := 0
	for i < len(sw.requests) && sw.requests[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		sw.requests = append(sw.requests[:0], sw.requests[i:]...)
	}
}

func (sw *SlidingWindow) full() bool {
	return len(sw.requests) >= sw.limit
}

func (sw *SlidingWindow) push(now time.Time) {
	sw.requests = append(sw.requests, now)
}

// DualWindow 双窗口（1秒 / 60秒）下单准入闸门
// 所有提交/撤单调用共用一个全局实例：上游网关按账户统一计费，而不是按标的。
// 两个窗口在同一把锁下判定和入队，保证"要么都记账，要么都不记账"。
type DualWindow struct {
	perSec *SlidingWindow
	perMin *SlidingWindow
	now    Clock
	mu     sync.Mutex
}

// Limits 双窗口配额
type Limits struct {
	PerSecond int
	PerMinute int
}

// DefaultLimits 上游网关默认配额：4次/秒，90次/分钟
var DefaultLimits = Limits{PerSecond: 4, PerMinute: 90}

// NewDualWindow 创建双窗口限流器
func NewDualWindow(limits Limits, clock Clock) *DualWindow {
	if clock == nil {
		clock = time.Now
	}
	if limits.PerSecond <= 0 {
		limits.PerSecond = DefaultLimits.PerSecond
	}
	if limits.PerMinute <= 0 {
		limits.PerMinute = DefaultLimits.PerMinute
	}
	return &DualWindow{
		perSec: newSlidingWindow(limits.PerSecond, time.Second),
		perMin: newSlidingWindow(limits.PerMinute, time.Minute),
		now:    clock,
	}
}

// TryAcquire 尝试获取一次调用配额；被拒绝时不排队，由调用方丢弃
func (d *DualWindow) TryAcquire() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.perSec.prune(now)
	d.perMin.prune(now)
	if d.perSec.full() || d.perMin.full() {
		return false
	}
	d.perSec.push(now)
	d.perMin.push(now)
	return true
}

// Remaining 返回两个窗口各自的剩余配额
func (d *DualWindow) Remaining() (perSec, perMin int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	d.perSec.prune(now)
	d.perMin.prune(now)
	return max(0, d.perSec.limit-len(d.perSec.requests)), max(0, d.perMin.limit-len(d.perMin.requests))
}

// GetResetTime 返回下一次可能放行的时间
func (d *DualWindow) GetResetTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	d.perSec.prune(now)
	d.perMin.prune(now)

	reset := now
	if d.perSec.full() && len(d.perSec.requests) > 0 {
		reset = d.perSec.requests[0].Add(d.perSec.windowSize)
	}
	if d.perMin.full() && len(d.perMin.requests) > 0 {
		if t := d.perMin.requests[0].Add(d.perMin.windowSize); t.After(reset) {
			reset = t
		}
	}
	return reset
}

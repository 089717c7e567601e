// Package risk 交易前的风控闸门：熔断器和当日止损黑名单。
package risk

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/krxtrader/internal/domain"
)

var riskLog = logrus.WithField("component", "risk")

// ErrCircuitBreakerOpen 表示断路器已打开，禁止新开仓。
var ErrCircuitBreakerOpen = fmt.Errorf("circuit breaker open")

// CircuitBreakerConfig 断路器配置。
// 约定：阈值 <= 0 表示关闭对应限制。
type CircuitBreakerConfig struct {
	// MaxConsecutiveFailures 连续网关失败上限（下单/撤单失败）。
	MaxConsecutiveFailures int64 `yaml:"max_consecutive_failures"`

	// DailyLossLimit 当日最大亏损（원）。已实现亏损达到时熔断。
	DailyLossLimit int64 `yaml:"daily_loss_limit"`
}

// CircuitBreaker 快路径只读原子变量。
// 当日亏损按交易所本地日期清零；日期由注入的时钟决定。
type CircuitBreaker struct {
	now func() time.Time

	halted atomic.Bool

	consecutiveFailures atomic.Int64
	dailyPnL            atomic.Int64
	dayKey              atomic.Value // string yyyymmdd

	maxConsecutiveFailures atomic.Int64
	dailyLossLimit         atomic.Int64
}

// NewCircuitBreaker 创建断路器；now 为 nil 时使用 time.Now
func NewCircuitBreaker(cfg CircuitBreakerConfig, now func() time.Time) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	cb := &CircuitBreaker{now: now}
	cb.dayKey.Store(domain.TradingDay(now()))
	cb.SetConfig(cfg)
	return cb
}

// SetConfig 运行期调整阈值
func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cb == nil {
		return
	}
	cb.maxConsecutiveFailures.Store(cfg.MaxConsecutiveFailures)
	cb.dailyLossLimit.Store(cfg.DailyLossLimit)
}

// Halt 手动熔断
func (cb *CircuitBreaker) Halt() {
	if cb == nil {
		return
	}
	if !cb.halted.Swap(true) {
		riskLog.Warn("断路器已打开（手动）")
	}
}

// Resume 手动恢复（同时清空连续失败计数）
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.halted.Store(false)
	cb.consecutiveFailures.Store(0)
	riskLog.Info("断路器已恢复")
}

// Halted 当前是否熔断
func (cb *CircuitBreaker) Halted() bool {
	return cb != nil && cb.halted.Load()
}

// AllowTrading 快路径检查是否允许开仓
func (cb *CircuitBreaker) AllowTrading() error {
	if cb == nil {
		return nil
	}
	if cb.halted.Load() {
		return ErrCircuitBreakerOpen
	}

	maxFail := cb.maxConsecutiveFailures.Load()
	if maxFail > 0 && cb.consecutiveFailures.Load() >= maxFail {
		cb.trip("连续失败 %d 次", cb.consecutiveFailures.Load())
		return ErrCircuitBreakerOpen
	}

	if limit := cb.dailyLossLimit.Load(); limit > 0 {
		cb.rollDayIfNeeded()
		if pnl := cb.dailyPnL.Load(); pnl <= -limit {
			cb.trip("当日亏损 %d 达到上限 %d", pnl, limit)
			return ErrCircuitBreakerOpen
		}
	}
	return nil
}

func (cb *CircuitBreaker) trip(format string, args ...interface{}) {
	if !cb.halted.Swap(true) {
		riskLog.Warnf("断路器已打开: "+format, args...)
	}
}

// OnSuccess 网关调用成功后清空连续失败计数
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.consecutiveFailures.Store(0)
}

// OnError 网关调用失败后累计连续失败计数
func (cb *CircuitBreaker) OnError() {
	if cb == nil {
		return
	}
	cb.consecutiveFailures.Add(1)
}

// AddPnL 增量更新当日已实现盈亏（원，负数为亏损）
func (cb *CircuitBreaker) AddPnL(delta int64) {
	if cb == nil || delta == 0 {
		return
	}
	cb.rollDayIfNeeded()
	cb.dailyPnL.Add(delta)
}

// DailyPnL 当日已实现盈亏
func (cb *CircuitBreaker) DailyPnL() int64 {
	if cb == nil {
		return 0
	}
	cb.rollDayIfNeeded()
	return cb.dailyPnL.Load()
}

func (cb *CircuitBreaker) rollDayIfNeeded() {
	key := domain.TradingDay(cb.now())
	prev, _ := cb.dayKey.Load().(string)
	if prev == key {
		return
	}
	// 切换成功者负责清零当日盈亏
	if cb.dayKey.CompareAndSwap(prev, key) {
		cb.dailyPnL.Store(0)
	}
}

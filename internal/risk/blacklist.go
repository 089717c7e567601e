package risk

import (
	"sort"
	"sync"
	"time"

	"github.com/betbot/krxtrader/internal/domain"
)

// LossBlacklist 止损过的标的当日不再买入；跨交易日自动失效
type LossBlacklist struct {
	mu    sync.RWMutex
	codes map[string]string // code -> 交易日
}

// NewLossBlacklist 创建黑名单
func NewLossBlacklist() *LossBlacklist {
	return &LossBlacklist{codes: make(map[string]string)}
}

// Add 加入黑名单（当日有效）
func (b *LossBlacklist) Add(code string, now time.Time) {
	day := domain.TradingDay(now)
	b.mu.Lock()
	b.codes[code] = day
	b.mu.Unlock()
	riskLog.Infof("%s 加入当日止损黑名单 (%s)", code, day)
}

// Blocked 当日是否在黑名单内
func (b *LossBlacklist) Blocked(code string, now time.Time) bool {
	b.mu.RLock()
	day, ok := b.codes[code]
	b.mu.RUnlock()
	return ok && day == domain.TradingDay(now)
}

// Codes 当日黑名单（排序）
func (b *LossBlacklist) Codes(now time.Time) []string {
	today := domain.TradingDay(now)
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.codes))
	for code, day := range b.codes {
		if day != today {
			delete(b.codes, code)
			continue
		}
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

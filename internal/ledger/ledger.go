// Package ledger 维护每个标的的持仓、均价、最近买入价和已实现盈亏。
//
// 所有成交回报都经由 ApplyFill 进入；数量永远不为负。
package ledger

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/krxtrader/internal/domain"
	"github.com/betbot/krxtrader/pkg/marketmath"
	"github.com/betbot/krxtrader/pkg/persistence"
)

var ledgerLog = logrus.WithField("component", "ledger")

// Totals 汇总
type Totals struct {
	OpenPositions int   `json:"open_positions"`
	Realized      int64 `json:"realized"`
	Unrealized    int64 `json:"unrealized"`
}

// snapshot 持久化格式
type snapshot struct {
	Day       string            `json:"day"`
	Realized  int64             `json:"realized"`
	Positions []domain.Position `json:"positions"`
	SavedAt   time.Time         `json:"saved_at"`
}

// Ledger 持仓账本
type Ledger struct {
	fees marketmath.Fees
	now  func() time.Time

	mu        sync.RWMutex
	positions map[string]*domain.Position
	realized  int64
}

// New 创建账本
func New(fees marketmath.Fees, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{fees: fees, now: now, positions: make(map[string]*domain.Position)}
}

// ApplyFill 记入一笔成交；返回更新后的持仓和本笔已实现盈亏
func (l *Ledger) ApplyFill(f domain.Fill) (domain.Position, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.positions[f.Code]
	if p == nil {
		p = &domain.Position{Code: f.Code}
		l.positions[f.Code] = p
	}
	if f.Canceled || f.FilledQty <= 0 || f.Price <= 0 {
		return *p, 0
	}
	ts := f.Time
	if ts.IsZero() {
		ts = l.now()
	}

	var delta int64
	switch f.Side {
	case domain.SideBuy:
		total := p.Qty + f.FilledQty
		cost := float64(p.AvgPrice)*float64(p.Qty) + float64(f.Price)*float64(f.FilledQty)
		p.AvgPrice = int(math.Round(cost / float64(total)))
		p.Qty = total
		p.LastBuyPrice = f.Price
		p.LastBuyDay = domain.TradingDay(ts)
	case domain.SideSell:
		closeQty := min(f.FilledQty, p.Qty)
		if closeQty < f.FilledQty {
			ledgerLog.Warnf("%s 卖出 %d 超过持仓 %d，按持仓截断", f.Code, f.FilledQty, p.Qty)
		}
		if closeQty > 0 {
			delta = l.fees.RealizedPnL(p.AvgPrice, f.Price, closeQty)
			p.RealizedPnL += delta
			l.realized += delta
		}
		p.Qty -= closeQty
		if p.Qty == 0 {
			p.AvgPrice = 0
		}
	}
	p.MarkPrice = f.Price
	p.UpdatedAt = ts
	return *p, delta
}

// Mark 更新标记价格（不存在的标的忽略）
func (l *Ledger) Mark(code string, price int) {
	if price <= 0 {
		return
	}
	l.mu.Lock()
	if p, ok := l.positions[code]; ok {
		p.MarkPrice = price
	}
	l.mu.Unlock()
}

// PositionQty 持仓数量
func (l *Ledger) PositionQty(code string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.positions[code]; ok {
		return p.Qty
	}
	return 0
}

// Position 持仓副本
func (l *Ledger) Position(code string) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[code]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// Positions 所有记录（含已平仓，按代码排序）
func (l *Ledger) Positions() []domain.Position {
	l.mu.RLock()
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Totals 汇总盈亏
func (l *Ledger) Totals() Totals {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t := Totals{Realized: l.realized}
	for _, p := range l.positions {
		if p.IsOpen() {
			t.OpenPositions++
			t.Unrealized += p.UnrealizedPnL()
		}
	}
	return t
}

// Realized 当日已实现盈亏
func (l *Ledger) Realized() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.realized
}

// Snapshot 保存快照
func (l *Ledger) Snapshot(store persistence.Store) error {
	snap := snapshot{
		Day:       domain.TradingDay(l.now()),
		Realized:  l.Realized(),
		Positions: l.Positions(),
		SavedAt:   l.now(),
	}
	return errors.Wrap(store.Save(snap), "ledger snapshot")
}

// Restore 从快照恢复：持仓和最近买入记录总是恢复，已实现盈亏只在同一交易日恢复
func (l *Ledger) Restore(store persistence.Store) error {
	var snap snapshot
	if err := store.Load(&snap); err != nil {
		if errors.Is(err, persistence.ErrNotExists) {
			return nil
		}
		return errors.Wrap(err, "ledger restore")
	}
	today := domain.TradingDay(l.now())
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions = make(map[string]*domain.Position, len(snap.Positions))
	l.realized = 0
	for i := range snap.Positions {
		p := snap.Positions[i]
		if snap.Day != today {
			p.RealizedPnL = 0
		}
		l.positions[p.Code] = &p
	}
	if snap.Day == today {
		l.realized = snap.Realized
	}
	ledgerLog.Infof("已恢复 %d 条持仓记录（快照日 %s）", len(snap.Positions), snap.Day)
	return nil
}

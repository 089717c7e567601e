package services

import (
	"github.com/betbot/krxtrader/internal/controlplane"
	"github.com/betbot/krxtrader/internal/domain"
	"github.com/betbot/krxtrader/internal/feed"
	"github.com/betbot/krxtrader/internal/signal"
)

var _ controlplane.Backend = (*Trader)(nil)

const hotTopN = 3

// Status 进程状态汇总
func (t *Trader) Status() controlplane.Status {
	now := t.now()
	totals := t.ledger.Totals()
	st := controlplane.Status{
		Day:           domain.TradingDay(now),
		StartedAt:     t.startedAt,
		DryRun:        t.cfg.DryRun,
		DeepCount:     t.tiers.DeepCount(),
		PendingOrders: t.exec.Book().Len(),
		OpenPositions: totals.OpenPositions,
		Realized:      totals.Realized,
		Unrealized:    totals.Unrealized,
		DailyPnL:      t.breaker.DailyPnL(),
		TradingHalted: t.breaker.Halted(),
		Blacklisted:   t.blacklist.Codes(now),
		Ranking:       t.ranker.LastText(),
		Hot:           t.Hot(hotTopN),
		DroppedTicks:  t.pipeline.Dropped(),
		QuotaResetAt:  t.limiter.GetResetTime(),
	}
	st.QuotaPerSec, st.QuotaPerMin = t.limiter.Remaining()
	if t.backlog != nil {
		st.GatewayBacklog = t.backlog()
	}
	return st
}

// Instrument 单个标的视图
func (t *Trader) Instrument(code string) controlplane.Instrument {
	code = domain.NormalizeCode(code)
	in := controlplane.Instrument{
		Code:          code,
		HasOpenOrders: t.exec.HasOpenOrders(code),
		PositionQty:   t.ledger.PositionQty(code),
		IsDeepTier:    t.tiers.IsDeep(code),
		Tier:          t.tiers.Tier(code),
		TrendUp:       t.trend.IsUp(code),
		ViHalted:      t.exec.VI().Halted(code),
		Blacklisted:   t.blacklist.Blocked(code, t.now()),
	}
	if st, ok := t.tiers.State(code); ok {
		in.TierState = &st
	}
	if q, ok := t.quotes.Get(code); ok {
		in.Quote = &q
	}
	return in
}

// RankingTop 成交额排行前 n
func (t *Trader) RankingTop(n int) []signal.Snapshot {
	return t.ranker.Top(n)
}

// Hot 动量窗口内成交笔数最多的 n 个 DEEP 标的
func (t *Trader) Hot(n int) []signal.Hot {
	return t.momentum.Hot(n, t.now())
}

// Positions 当前持仓
func (t *Trader) Positions() []domain.Position {
	return t.ledger.Positions()
}

// Pending 挂单
func (t *Trader) Pending() []domain.PendingOrder {
	return t.exec.Book().Snapshot()
}

// Pools 槽位池统计
func (t *Trader) Pools() []feed.PoolStats {
	return t.alloc.AllStats()
}

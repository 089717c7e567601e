package services

import (
	"github.com/betbot/krxtrader/internal/execution"
	"github.com/betbot/krxtrader/internal/feed"
	"github.com/betbot/krxtrader/internal/risk"
	"github.com/betbot/krxtrader/internal/signal"
	"github.com/betbot/krxtrader/internal/tiering"
	"github.com/betbot/krxtrader/pkg/config"
	"github.com/betbot/krxtrader/pkg/marketmath"
	"github.com/betbot/krxtrader/pkg/ratelimit"
)

// 槽位池名称
const (
	PoolLight     = "light"
	PoolDeep      = "deep"
	PoolOrder     = "order"
	PoolCondition = "condition"
	PoolStartStop = "start_stop"
	PoolMyInfo    = "my_info"
)

func poolsFrom(c config.PoolsConfig) []feed.Pool {
	mk := func(name string, p config.PoolConfig) feed.Pool {
		return feed.Pool{Name: name, Base: p.Base, End: p.End, MaxPerSlot: p.MaxPerSlot}
	}
	return []feed.Pool{
		mk(PoolLight, c.Light),
		mk(PoolDeep, c.Deep),
		mk(PoolOrder, c.Order),
		mk(PoolCondition, c.Condition),
		mk(PoolStartStop, c.StartStop),
		mk(PoolMyInfo, c.MyInfo),
	}
}

func feesFrom(c config.FeesConfig) marketmath.Fees {
	return marketmath.Fees{
		BuyFee:            c.BuyFee,
		SellFee:           c.SellFee,
		SellTax:           c.SellTax,
		TargetNetPerShare: c.TakeProfitNetPerShare,
		TargetNetPct:      c.TakeProfitNetPct,
	}
}

func tieringFrom(cfg *config.Config) tiering.Config {
	t := cfg.Tiering
	return tiering.Config{
		LightPool:            PoolLight,
		DeepPool:             PoolDeep,
		LightFields:          cfg.Feed.LightFields,
		DeepFields:           cfg.Feed.DeepFields,
		IdleDemote:           t.IdleDemote,
		SweepInterval:        t.SweepInterval,
		GraceBeforeDowngrade: t.GraceBeforeDowngrade,
		WatchdogNoTick:       t.WatchdogNoTick,
		ObserveAll:           t.ObserveAll,
		MaxDeep:              t.MaxDeep,
		PromoteWindow:        t.PromoteWindow,
		PromoteMinQty:        t.PromoteMinQty,
		PromoteMinChgPct:     t.PromoteMinChgPct,
		DemoteChgPct:         t.DemoteChgPct,
		MinDeepHold:          t.MinDeepHold,
		PromoteTopK:          t.PromoteTopK,
	}
}

func burstFrom(c config.BurstConfig) signal.BurstConfig {
	return signal.BurstConfig{
		WindowTicks:    c.WindowTicks,
		BaselineTicks:  c.BaselineTicks,
		Multiple:       c.Multiple,
		MinDelta:       c.MinDelta,
		Cooldown:       c.Cooldown,
		MaxSpreadTicks: c.MaxSpreadTicks,
		MinChgPct:      c.MinChgPct,
		MinBidAskRatio: c.MinBidAskRatio,
	}
}

func executionFrom(cfg *config.Config) execution.Config {
	o, v := cfg.Order, cfg.VI
	ec := execution.DefaultConfig()
	ec.Account = o.Account
	ec.BuyTimeout = o.BuyTimeout
	ec.StopLossRetry = o.StopLossRetry
	ec.ReorderDelay = o.ReorderDelay
	ec.MaxSellRetries = o.MaxSellRetries
	ec.ScanInterval = o.ScanInterval
	ec.SellOffsetTicks = o.SellOffsetTicks
	ec.StopLossPct = o.StopLossPct
	ec.RebuyGuardDownTicks = o.RebuyGuardDownTicks
	ec.RequireTrendUp = o.RequireTrendUp
	ec.Sizing = execution.Sizing{
		DefaultQty:   o.DefaultQty,
		CashSizing:   o.CashSizing,
		TargetAmount: o.TargetAmount,
		MinQty:       o.MinQty,
		MaxQty:       o.MaxQty,
		LotSize:      o.LotSize,
	}
	ec.Fees = feesFrom(cfg.Fees)
	ec.VI = execution.VIConfig{
		Enable:          v.Enable,
		UpperTriggerPct: v.UpperTriggerPct,
		ProximityPct:    v.ProximityPct,
		ProximityTicks:  v.ProximityTicks,
		Cooldown:        v.Cooldown,
		SlippageK:       v.SlippageK,
		MaxSlipTicks:    v.MaxSlipTicks,
	}
	return ec
}

func limitsFrom(c config.RateLimitConfig) ratelimit.Limits {
	return ratelimit.Limits{PerSecond: c.PerSec, PerMinute: c.PerMin}
}

func breakerFrom(c config.RiskConfig) risk.CircuitBreakerConfig {
	return risk.CircuitBreakerConfig{
		MaxConsecutiveFailures: int64(c.MaxConsecutiveFailures),
		DailyLossLimit:         c.DailyLossLimit,
	}
}

package execution

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/betbot/krxtrader/internal/domain"
	"github.com/betbot/krxtrader/pkg/cache"
	"github.com/betbot/krxtrader/pkg/marketmath"
)

// Sizing 下单数量参数
type Sizing struct {
	DefaultQty   int  `yaml:"default_qty"`
	CashSizing   bool `yaml:"cash_sizing"`
	TargetAmount int  `yaml:"target_amount"`
	MinQty       int  `yaml:"min_qty"`
	MaxQty       int  `yaml:"max_qty"`
	LotSize      int  `yaml:"lot_size"`
}

// ResolveQty 固定数量，或按金额 clamp(round_to_lot(target/price), min, max)
func ResolveQty(s Sizing, price int) int {
	if !s.CashSizing {
		return max(0, s.DefaultQty)
	}
	if price <= 0 || s.TargetAmount <= 0 {
		return 0
	}
	lot := max(1, s.LotSize)
	q := s.TargetAmount / price
	q = q / lot * lot
	if s.MinQty > 0 && q < s.MinQty {
		q = s.MinQty
	}
	if s.MaxQty > 0 && q > s.MaxQty {
		q = s.MaxQty
	}
	return q
}

// RebuyBlocked 同一交易日内，价格不高于 lastBuy - guardTicks*tick 时禁止再次买入
func RebuyBlocked(pos domain.Position, price int, now time.Time, guardTicks int) bool {
	if guardTicks <= 0 || pos.LastBuyPrice <= 0 || pos.LastBuyDay != domain.TradingDay(now) {
		return false
	}
	limit := pos.LastBuyPrice - guardTicks*marketmath.TickSize(pos.LastBuyPrice)
	return price <= limit
}

// VIConfig 波动性中断保护参数
type VIConfig struct {
	Enable          bool          `yaml:"enable"`
	UpperTriggerPct float64       `yaml:"upper_trigger_pct"`
	ProximityPct    float64       `yaml:"proximity_pct"`
	ProximityTicks  int           `yaml:"proximity_ticks"`
	Cooldown        time.Duration `yaml:"cooldown"`
	SlippageK       float64       `yaml:"slippage_k"`
	MaxSlipTicks    int           `yaml:"max_slip_ticks"`
}

// DefaultVIConfig 默认参数
func DefaultVIConfig() VIConfig {
	return VIConfig{
		Enable:          true,
		UpperTriggerPct: 0.06,
		ProximityPct:    0.015,
		ProximityTicks:  3,
		Cooldown:        10 * time.Second,
		SlippageK:       0.5,
		MaxSlipTicks:    5,
	}
}

// VIBlock 被 VI 保护拦截的原因
type VIBlock struct {
	Code   string
	Reason string
}

func (e *VIBlock) Error() string { return fmt.Sprintf("vi guard %s: %s", e.Code, e.Reason) }

// VIGuard 发动中禁止买入；解除后冷却期内禁止买入；
// 否则估算成交价或目标卖价进入上方触发价的安全边际时拦截。
type VIGuard struct {
	cfg  VIConfig
	fees marketmath.Fees

	mu     sync.RWMutex
	halted map[string]time.Time

	cooldown *cache.InMemoryCache[string, time.Time]
}

// NewVIGuard 创建 VI 保护；now 同时驱动冷却缓存
func NewVIGuard(cfg VIConfig, fees marketmath.Fees, now func() time.Time) *VIGuard {
	var opts []cache.Option
	if now != nil {
		opts = append(opts, cache.WithClock(now))
	}
	return &VIGuard{
		cfg:      cfg,
		fees:     fees,
		halted:   make(map[string]time.Time),
		cooldown: cache.NewInMemoryCache[string, time.Time](cfg.Cooldown, opts...),
	}
}

// OnEvent 记录发动/解除
func (g *VIGuard) OnEvent(ev domain.ViEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ev.Fired {
		g.halted[ev.Code] = ev.Time
		g.cooldown.Delete(ev.Code)
		return
	}
	delete(g.halted, ev.Code)
	if g.cfg.Cooldown > 0 {
		g.cooldown.Set(ev.Code, ev.Time, g.cfg.Cooldown)
	}
}

// Halted 是否处于 VI 发动中
func (g *VIGuard) Halted(code string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.halted[code]
	return ok
}

// UpperTrigger 上方触发价和安全边际
func (g *VIGuard) UpperTrigger(base int) (viUp, margin int) {
	if base <= 0 {
		return 0, 0
	}
	// 去掉浮点误差后再向上取整
	raw := float64(base) * (1 + g.cfg.UpperTriggerPct)
	viUp = marketmath.CeilToTick(int(math.Ceil(raw - 1e-6)))
	margin = max(g.cfg.ProximityTicks*marketmath.TickSize(viUp), int(math.Round(float64(viUp)*g.cfg.ProximityPct)))
	return viUp, margin
}

// Check 买入前检查；base 为基准价（DEEP 基准或最新价），q 为最新报价
func (g *VIGuard) Check(code string, price, qty, base int, q domain.Quote) error {
	if !g.cfg.Enable {
		return nil
	}
	if g.Halted(code) {
		return &VIBlock{Code: code, Reason: "halted"}
	}
	if _, ok := g.cooldown.Get(code); ok {
		return &VIBlock{Code: code, Reason: "cooldown"}
	}
	viUp, margin := g.UpperTrigger(base)
	if viUp <= 0 {
		return nil
	}
	ask, askQty := q.BestAsk, q.AskQty
	if ask <= 0 {
		ask = price
	}
	est := marketmath.EstimateBuyFill(ask, askQty, qty, g.cfg.SlippageK, g.cfg.MaxSlipTicks)
	target := g.fees.NetTargetPrice(est)
	line := viUp - margin
	if est >= line {
		return &VIBlock{Code: code, Reason: fmt.Sprintf("fill %d near vi %d (margin %d)", est, viUp, margin)}
	}
	if target >= line {
		return &VIBlock{Code: code, Reason: fmt.Sprintf("target %d near vi %d (margin %d)", target, viUp, margin)}
	}
	return nil
}

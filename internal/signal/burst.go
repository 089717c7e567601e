package signal

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/betbot/krxtrader/internal/domain"
	"github.com/betbot/krxtrader/pkg/marketmath"
)

// QuoteSource 最新报价
type QuoteSource interface {
	Get(code string) (domain.Quote, bool)
}

// Holdings 挂单 / 持仓查询
type Holdings interface {
	HasOpenOrders(code string) bool
	PositionQty(code string) int
}

// Emitter 意图输出
type Emitter func(domain.Intent)

// BurstConfig 成交额突增参数
type BurstConfig struct {
	WindowTicks    int           `yaml:"window_ticks"`
	BaselineTicks  int           `yaml:"baseline_ticks"`
	Multiple       float64       `yaml:"multiple"`
	MinDelta       int64         `yaml:"min_delta"`
	Cooldown       time.Duration `yaml:"cooldown"`
	MaxSpreadTicks int           `yaml:"max_spread_ticks"`
	MinChgPct      float64       `yaml:"min_chg_pct"`
	MinBidAskRatio float64       `yaml:"min_bid_ask_ratio"`
}

// DefaultBurstConfig 默认参数
func DefaultBurstConfig() BurstConfig {
	return BurstConfig{
		WindowTicks:    50,
		BaselineTicks:  200,
		Multiple:       2.5,
		MinDelta:       700_000_000,
		Cooldown:       20 * time.Second,
		MaxSpreadTicks: 2,
		MinChgPct:      2.0,
		MinBidAskRatio: 1.8,
	}
}

func (c BurstConfig) normalized() BurstConfig {
	c.WindowTicks = max(1, c.WindowTicks)
	c.BaselineTicks = max(1, c.BaselineTicks)
	c.Multiple = math.Max(1.0, c.Multiple)
	c.MinDelta = max(0, c.MinDelta)
	c.MaxSpreadTicks = max(0, c.MaxSpreadTicks)
	c.MinBidAskRatio = math.Max(0, c.MinBidAskRatio)
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	return c
}

type burstState struct {
	ema    float64
	seeded bool

	win  []int64 // 环形缓冲
	head int
	n    int
	sum  int64

	lastSignal time.Time
	signaled   bool
}

func (s *burstState) push(v int64) {
	if s.n == len(s.win) {
		s.sum -= s.win[s.head]
	} else {
		s.n++
	}
	s.win[s.head] = v
	s.sum += v
	s.head = (s.head + 1) % len(s.win)
}

// BurstDetector 成交额突增买入检测
//
// 每个标的维护逐笔成交额的 EMA（α = 2/(baseline+1)）和最近 window 笔的滑动和；
// 本笔成交额先计入滑动和，再与更新前的 EMA 比较：
// pass = sum >= ema*window*multiple 且 sum >= minDelta。
// 首笔成交以自身成交额作为 EMA 初值。
type BurstDetector struct {
	cfg      BurstConfig
	alpha    float64
	parts    []map[string]*burstState
	quotes   QuoteSource
	holdings Holdings
	excluded func(code string) bool
	emit     Emitter
}

// NewBurstDetector 创建检测器；parts 必须与所在流水线的分区数一致
func NewBurstDetector(cfg BurstConfig, parts int, quotes QuoteSource, holdings Holdings, excluded func(string) bool, emit Emitter) *BurstDetector {
	cfg = cfg.normalized()
	parts = max(1, parts)
	d := &BurstDetector{
		cfg:      cfg,
		alpha:    2.0 / (float64(cfg.BaselineTicks) + 1.0),
		parts:    make([]map[string]*burstState, parts),
		quotes:   quotes,
		holdings: holdings,
		excluded: excluded,
		emit:     emit,
	}
	for i := range d.parts {
		d.parts[i] = make(map[string]*burstState)
	}
	if d.emit == nil {
		d.emit = func(domain.Intent) {}
	}
	return d
}

// Config 生效参数
func (d *BurstDetector) Config() BurstConfig { return d.cfg }

func (d *BurstDetector) state(part int, code string) *burstState {
	m := d.parts[part%len(d.parts)]
	s := m[code]
	if s == nil {
		s = &burstState{win: make([]int64, d.cfg.WindowTicks)}
		m[code] = s
	}
	return s
}

// Threshold 滑动和与门槛是否通过（不含质量过滤），并推进状态
func (d *BurstDetector) threshold(s *burstState, v int64) (pass bool, sum int64, required, ema float64) {
	if !s.seeded {
		s.ema = float64(v)
		s.seeded = true
	}
	ema = s.ema
	s.push(v)
	sum = s.sum
	required = ema * float64(d.cfg.WindowTicks) * d.cfg.Multiple
	pass = float64(sum) >= required && sum >= d.cfg.MinDelta
	s.ema = d.alpha*float64(v) + (1-d.alpha)*s.ema
	return pass, sum, required, ema
}

// Handle 流水线处理函数
func (d *BurstDetector) Handle(part int, t domain.Tick) error {
	d.Evaluate(part, t)
	return nil
}

// Evaluate 处理一笔成交；产生买入意图时返回 true
func (d *BurstDetector) Evaluate(part int, t domain.Tick) bool {
	if !t.Valid() {
		return false
	}
	if d.excluded != nil && d.excluded(t.Code) {
		return false
	}
	s := d.state(part, t.Code)
	pass, sum, required, ema := d.threshold(s, t.Notional())
	if !pass {
		return false
	}

	var q domain.Quote
	if d.quotes != nil {
		q, _ = d.quotes.Get(t.Code)
	}
	bid, ask := q.BestBid, q.BestAsk
	if bid <= 0 {
		bid = t.BestBid
	}
	if ask <= 0 {
		ask = t.BestAsk
	}
	spread := marketmath.SpreadTicks(bid, ask, t.Price)
	if spread > d.cfg.MaxSpreadTicks {
		return false
	}
	chg := t.ChangePct
	if chg == 0 {
		chg = q.ChangePct
	}
	if chg < d.cfg.MinChgPct {
		return false
	}
	ratio := math.Inf(1)
	if q.AskQty > 0 {
		ratio = float64(q.BidQty) / float64(q.AskQty)
	}
	if ratio < d.cfg.MinBidAskRatio {
		return false
	}
	if s.signaled && t.Time.Sub(s.lastSignal) < d.cfg.Cooldown {
		return false
	}
	if d.holdings != nil && (d.holdings.HasOpenOrders(t.Code) || d.holdings.PositionQty(t.Code) > 0) {
		return false
	}

	s.lastSignal = t.Time
	s.signaled = true
	d.emit(domain.Intent{
		ID:     uuid.NewString(),
		Source: domain.SourceBurst,
		Code:   t.Code,
		Side:   domain.SideBuy,
		Price:  t.Price,
		Reason: "burst_value",
		Time:   t.Time,
		Diag: map[string]float64{
			"spread_ticks": float64(spread),
			"chg_pct":      chg,
			"ratio":        ratio,
			"sum":          float64(sum),
			"required":     required,
			"ema":          ema,
		},
	})
	return true
}

// EMA 标的当前 EMA 与滑动和（只在分区 worker 内或测试中调用）
func (d *BurstDetector) EMA(part int, code string) (ema float64, sum int64, ok bool) {
	s, ok := d.parts[part%len(d.parts)][code]
	if !ok {
		return 0, 0, false
	}
	return s.ema, s.sum, true
}

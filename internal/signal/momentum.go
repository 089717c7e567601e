package signal

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/betbot/krxtrader/internal/domain"
	"github.com/betbot/krxtrader/pkg/marketmath"
)

// MomentumConfig 短窗口动量参数
type MomentumConfig struct {
	Window       time.Duration `yaml:"window"`
	MinTickRange int           `yaml:"min_tick_range"`
	HotWindow    time.Duration `yaml:"hot_window"`
}

// DefaultMomentumConfig 默认参数
func DefaultMomentumConfig() MomentumConfig {
	return MomentumConfig{Window: 300 * time.Millisecond, MinTickRange: 3, HotWindow: 2 * time.Second}
}

type pricePoint struct {
	ts    time.Time
	price int
}

type priceRing struct {
	pts      []pricePoint
	min, max int
	lastEval time.Time
}

type momentumPart struct {
	mu    sync.Mutex
	rings map[string]*priceRing
}

// Hot 窗口内成交笔数
type Hot struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
}

// MomentumDetector 只对 DEEP 标的生效：窗口内最高最低价相差 >= MinTickRange 档时，
// 同时给出最低价买入和最高价卖出两个意图。
type MomentumDetector struct {
	cfg      MomentumConfig
	parts    []*momentumPart
	eligible func(code string) bool
	emit     Emitter
}

// NewMomentumDetector 创建检测器
func NewMomentumDetector(cfg MomentumConfig, parts int, eligible func(string) bool, emit Emitter) *MomentumDetector {
	if cfg.Window <= 0 {
		cfg.Window = 300 * time.Millisecond
	}
	if cfg.MinTickRange <= 0 {
		cfg.MinTickRange = 3
	}
	if cfg.HotWindow <= 0 {
		cfg.HotWindow = 2 * time.Second
	}
	parts = max(1, parts)
	m := &MomentumDetector{cfg: cfg, parts: make([]*momentumPart, parts), eligible: eligible, emit: emit}
	for i := range m.parts {
		m.parts[i] = &momentumPart{rings: make(map[string]*priceRing)}
	}
	if m.emit == nil {
		m.emit = func(domain.Intent) {}
	}
	return m
}

// Handle 流水线处理函数
func (m *MomentumDetector) Handle(part int, t domain.Tick) error {
	m.Evaluate(part, t)
	return nil
}

// Evaluate 处理一笔成交；触发时返回 true
func (m *MomentumDetector) Evaluate(part int, t domain.Tick) bool {
	if !t.Valid() {
		return false
	}
	if m.eligible != nil && !m.eligible(t.Code) {
		return false
	}
	p := m.parts[part%len(m.parts)]
	p.mu.Lock()
	r := p.rings[t.Code]
	if r == nil {
		r = &priceRing{}
		p.rings[t.Code] = r
	}
	r.pts = append(r.pts, pricePoint{ts: t.Time, price: t.Price})
	cut := t.Time.Add(-m.cfg.Window)
	drop := 0
	for drop < len(r.pts) && r.pts[drop].ts.Before(cut) {
		drop++
	}
	if drop > 0 {
		r.pts = append(r.pts[:0], r.pts[drop:]...)
	}
	r.min, r.max = r.pts[0].price, r.pts[0].price
	for _, pt := range r.pts[1:] {
		r.min = min(r.min, pt.price)
		r.max = max(r.max, pt.price)
	}
	r.lastEval = t.Time
	lo, hi := r.min, r.max
	p.mu.Unlock()

	rangeTicks := (hi - lo) / marketmath.TickSize(t.Price)
	if rangeTicks < m.cfg.MinTickRange {
		return false
	}
	diag := map[string]float64{"min": float64(lo), "max": float64(hi), "range_ticks": float64(rangeTicks)}
	m.emit(domain.Intent{ID: uuid.NewString(), Source: domain.SourceMomentum, Code: t.Code, Side: domain.SideBuy, Price: lo, Reason: "momentum_low", Time: t.Time, Diag: diag})
	m.emit(domain.Intent{ID: uuid.NewString(), Source: domain.SourceMomentum, Code: t.Code, Side: domain.SideSell, Price: hi, Reason: "momentum_high", Time: t.Time, Diag: diag})
	return true
}

// Hot 最近 HotWindow 内有更新的标的中，窗口成交笔数前 n 名
func (m *MomentumDetector) Hot(n int, now time.Time) []Hot {
	var out []Hot
	for _, p := range m.parts {
		p.mu.Lock()
		for code, r := range p.rings {
			if now.Sub(r.lastEval) <= m.cfg.HotWindow && len(r.pts) > 0 {
				out = append(out, Hot{Code: code, Count: len(r.pts)})
			}
		}
		p.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Code < out[j].Code
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Forget 清除标的窗口（降级后调用）
func (m *MomentumDetector) Forget(code string) {
	for _, p := range m.parts {
		p.mu.Lock()
		delete(p.rings, code)
		p.mu.Unlock()
	}
}

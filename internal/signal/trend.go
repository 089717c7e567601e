package signal

import (
	"sync"
	"time"

	"github.com/betbot/krxtrader/internal/domain"
)

// TrendConfig 趋势跟踪参数
type TrendConfig struct {
	Window         time.Duration `yaml:"window"`
	ConsecRequired int           `yaml:"consec_required"`
}

// DefaultTrendConfig 默认参数
func DefaultTrendConfig() TrendConfig {
	return TrendConfig{Window: 300 * time.Millisecond, ConsecRequired: 2}
}

type trendState struct {
	windowStart time.Time
	windowMax   int
	prevMax     int
	consecUp    int
}

type trendPart struct {
	mu sync.RWMutex
	st map[string]*trendState
}

// TrendTracker 连续固定窗口的最高价比较：本窗最高价不低于上一窗时连涨计数加一，
// 否则清零；第一个窗口只作为基准。
type TrendTracker struct {
	cfg   TrendConfig
	parts []*trendPart
}

// NewTrendTracker 创建跟踪器
func NewTrendTracker(cfg TrendConfig, parts int) *TrendTracker {
	if cfg.Window <= 0 {
		cfg.Window = 300 * time.Millisecond
	}
	if cfg.ConsecRequired < 0 {
		cfg.ConsecRequired = 0
	}
	parts = max(1, parts)
	tr := &TrendTracker{cfg: cfg, parts: make([]*trendPart, parts)}
	for i := range tr.parts {
		tr.parts[i] = &trendPart{st: make(map[string]*trendState)}
	}
	return tr
}

func (tr *TrendTracker) part(code string) *trendPart {
	return tr.parts[Partition(code, len(tr.parts))]
}

// Handle 流水线处理函数
func (tr *TrendTracker) Handle(_ int, t domain.Tick) error {
	tr.Update(t)
	return nil
}

// Update 用一笔成交推进窗口
func (tr *TrendTracker) Update(t domain.Tick) {
	if !t.Valid() {
		return
	}
	p := tr.part(t.Code)
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.st[t.Code]
	if s == nil {
		p.st[t.Code] = &trendState{windowStart: t.Time, windowMax: t.Price}
		return
	}
	if t.Time.Sub(s.windowStart) < tr.cfg.Window {
		s.windowMax = max(s.windowMax, t.Price)
		return
	}
	switch {
	case s.prevMax == 0:
		s.consecUp = 0
	case s.windowMax >= s.prevMax:
		s.consecUp++
	default:
		s.consecUp = 0
	}
	s.prevMax = s.windowMax
	s.windowStart = t.Time
	s.windowMax = t.Price
}

// ConsecUp 连涨窗口数
func (tr *TrendTracker) ConsecUp(code string) int {
	p := tr.part(code)
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.st[code]; ok {
		return s.consecUp
	}
	return 0
}

// IsUp 连涨窗口数达到要求
func (tr *TrendTracker) IsUp(code string) bool {
	return tr.ConsecUp(code) >= tr.cfg.ConsecRequired
}

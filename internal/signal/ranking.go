package signal

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/betbot/krxtrader/internal/domain"
)

// Snapshot 单个标的的成交额快照
type Snapshot struct {
	Code      string    `json:"code"`
	LastPrice int       `json:"last_price"`
	ChangePct float64   `json:"change_pct"`
	AmountSum int64     `json:"amount_sum"`
	VolumeSum int64     `json:"volume_sum"`
	BestBid   int       `json:"best_bid"`
	BestAsk   int       `json:"best_ask"`
	TickCount int       `json:"tick_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AmountEok 成交额（억원）
func (s Snapshot) AmountEok() float64 {
	if s.AmountSum <= 0 {
		return 0
	}
	return float64(s.AmountSum) / 100_000_000.0
}

// TurnoverRanker 按累计成交额排序的排行榜
// 快照表由所有分区共享；发布由 0 号分区按刷新间隔节流。
type TurnoverRanker struct {
	topN      int
	refresh   time.Duration
	now       func() time.Time
	onRanking func(text string, top []Snapshot)

	mu    sync.RWMutex
	snaps map[string]*Snapshot

	pubMu       sync.Mutex
	lastPublish time.Time
	lastText    string
}

// NewTurnoverRanker 创建排行榜；刷新间隔下限 250ms
func NewTurnoverRanker(topN int, refresh time.Duration, now func() time.Time, onRanking func(string, []Snapshot)) *TurnoverRanker {
	if topN < 1 {
		topN = 1
	}
	if refresh < 250*time.Millisecond {
		refresh = 250 * time.Millisecond
	}
	if now == nil {
		now = time.Now
	}
	if onRanking == nil {
		onRanking = func(string, []Snapshot) {}
	}
	return &TurnoverRanker{topN: topN, refresh: refresh, now: now, onRanking: onRanking, snaps: make(map[string]*Snapshot)}
}

// ApplyTick 累计值只增不减
func (r *TurnoverRanker) ApplyTick(t domain.Tick) {
	if t.Code == "" || t.Price <= 0 {
		return
	}
	r.mu.Lock()
	s := r.snaps[t.Code]
	if s == nil {
		s = &Snapshot{Code: t.Code}
		r.snaps[t.Code] = s
	}
	s.LastPrice = t.Price
	s.ChangePct = t.ChangePct
	if t.AmountSum > s.AmountSum {
		s.AmountSum = t.AmountSum
	}
	if t.VolumeSum > s.VolumeSum {
		s.VolumeSum = t.VolumeSum
	}
	if t.Qty > 0 {
		s.TickCount++
	}
	s.UpdatedAt = t.Time
	r.mu.Unlock()
}

// ApplyQuote 用报价刷新快照（不影响累计值）
func (r *TurnoverRanker) ApplyQuote(q domain.Quote) {
	if q.Code == "" || q.Last <= 0 {
		return
	}
	r.mu.Lock()
	s := r.snaps[q.Code]
	if s == nil {
		s = &Snapshot{Code: q.Code}
		r.snaps[q.Code] = s
	}
	s.LastPrice = q.Last
	s.BestBid = q.BestBid
	s.BestAsk = q.BestAsk
	s.ChangePct = q.ChangePct
	s.UpdatedAt = q.Time
	r.mu.Unlock()
}

// Handle 流水线处理函数
func (r *TurnoverRanker) Handle(part int, t domain.Tick) error {
	r.ApplyTick(t)
	if part == 0 {
		r.MaybePublish()
	}
	return nil
}

// Get 单个标的快照
func (r *TurnoverRanker) Get(code string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.snaps[code]
	if !ok {
		return Snapshot{}, false
	}
	return *s, true
}

// Top 成交额前 n 名：成交额降序，同额按涨跌幅降序，再按代码升序
func (r *TurnoverRanker) Top(n int) []Snapshot {
	r.mu.RLock()
	all := make([]Snapshot, 0, len(r.snaps))
	for _, s := range r.snaps {
		if s.LastPrice > 0 {
			all = append(all, *s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.AmountSum != b.AmountSum {
			return a.AmountSum > b.AmountSum
		}
		if a.ChangePct != b.ChangePct {
			return a.ChangePct > b.ChangePct
		}
		return a.Code < b.Code
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// FormatRanking Top{N} (By Turnover → Chg%): 1.CODE (+x.xx%) [y.y억]  |  2. ...
func FormatRanking(topN int, top []Snapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Top%d (By Turnover → Chg%%): ", topN)
	for i, s := range top {
		if i > 0 {
			sb.WriteString("  |  ")
		}
		fmt.Fprintf(&sb, "%d.%s (%s%%) [%.1f억]", i+1, s.Code, signedPct(s.ChangePct), s.AmountEok())
	}
	return sb.String()
}

func signedPct(v float64) string {
	switch {
	case v > 0:
		return fmt.Sprintf("+%.2f", v)
	case v < 0:
		return fmt.Sprintf("%.2f", v)
	}
	return "0.00"
}

// Ranking 当前排行文本
func (r *TurnoverRanker) Ranking() string {
	top := r.Top(r.topN)
	if len(top) == 0 {
		return ""
	}
	return FormatRanking(r.topN, top)
}

// MaybePublish 距上次发布超过刷新间隔时重新计算并发布；返回是否发布
func (r *TurnoverRanker) MaybePublish() bool {
	now := r.now()
	r.pubMu.Lock()
	if !r.lastPublish.IsZero() && now.Sub(r.lastPublish) < r.refresh {
		r.pubMu.Unlock()
		return false
	}
	r.lastPublish = now
	r.pubMu.Unlock()

	top := r.Top(r.topN)
	if len(top) == 0 {
		return false
	}
	text := FormatRanking(r.topN, top)
	r.pubMu.Lock()
	r.lastText = text
	r.pubMu.Unlock()
	r.onRanking(text, top)
	return true
}

// LastText 最近一次发布的排行文本
func (r *TurnoverRanker) LastText() string {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	return r.lastText
}

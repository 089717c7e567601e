package marketstate

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/betbot/krxtrader/internal/domain"
)

// QuoteBook 每个标的的最新一档报价快照。
//
// 写入方（行情回调，单一上下文）整体替换快照指针，读取方（信号 worker、生命周期扫描）
// 拿到的永远是完整的一份 Quote，不会读到"新 bid + 旧 ask"的撕裂数据。
// map 本身只在首次出现某个标的时加写锁。
type QuoteBook struct {
	mu      sync.RWMutex
	entries map[string]*quoteEntry
}

type quoteEntry struct {
	q atomic.Pointer[domain.Quote]
}

// NewQuoteBook 创建报价簿
func NewQuoteBook() *QuoteBook {
	return &QuoteBook{entries: make(map[string]*quoteEntry)}
}

func (b *QuoteBook) entry(code string, create bool) *quoteEntry {
	b.mu.RLock()
	e := b.entries[code]
	b.mu.RUnlock()
	if e != nil || !create {
		return e
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if e = b.entries[code]; e == nil {
		e = &quoteEntry{}
		b.entries[code] = e
	}
	return e
}

// UpdateQuote 写入一档报价；零值字段沿用上一份快照
func (b *QuoteBook) UpdateQuote(q domain.Quote) {
	if q.Code == "" {
		return
	}
	e := b.entry(q.Code, true)
	next := q
	if prev := e.q.Load(); prev != nil {
		if next.BestBid <= 0 {
			next.BestBid, next.BidQty = prev.BestBid, prev.BidQty
		}
		if next.BestAsk <= 0 {
			next.BestAsk, next.AskQty = prev.BestAsk, prev.AskQty
		}
		if next.Last <= 0 {
			next.Last = prev.Last
		}
		if next.ChangePct == 0 {
			next.ChangePct = prev.ChangePct
		}
	}
	if next.Time.IsZero() {
		next.Time = time.Now()
	}
	e.q.Store(&next)
}

// ApplyTick 用成交更新最新价/涨跌幅（以及成交自带的一档价）
func (b *QuoteBook) ApplyTick(t domain.Tick) {
	b.UpdateQuote(domain.Quote{
		Code:      t.Code,
		BestBid:   t.BestBid,
		BestAsk:   t.BestAsk,
		Last:      t.Price,
		ChangePct: t.ChangePct,
		Time:      t.Time,
	})
}

// Get 读取快照
func (b *QuoteBook) Get(code string) (domain.Quote, bool) {
	e := b.entry(code, false)
	if e == nil {
		return domain.Quote{}, false
	}
	q := e.q.Load()
	if q == nil {
		return domain.Quote{}, false
	}
	return *q, true
}

// LastPrice 最新成交价（无数据返回 0）
func (b *QuoteBook) LastPrice(code string) int {
	q, _ := b.Get(code)
	return q.Last
}

// Codes 已知标的列表（排序）
func (b *QuoteBook) Codes() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.entries))
	for c := range b.entries {
		out = append(out, c)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

package tiering

import (
	"time"

	"github.com/betbot/krxtrader/internal/domain"
)

// qtyWindow 固定时长内的成交量累计
type qtyWindow struct {
	ts  []time.Time
	qty []int
	sum int
}

func (w *qtyWindow) add(ts time.Time, qty int, span time.Duration) int {
	w.ts = append(w.ts, ts)
	w.qty = append(w.qty, qty)
	w.sum += qty
	cut := ts.Add(-span)
	drop := 0
	for drop < len(w.ts) && w.ts[drop].Before(cut) {
		w.sum -= w.qty[drop]
		drop++
	}
	if drop > 0 {
		w.ts = append(w.ts[:0], w.ts[drop:]...)
		w.qty = append(w.qty[:0], w.qty[drop:]...)
	}
	return w.sum
}

// Decision 单笔成交对应的升降级决定
type Decision int

const (
	Hold Decision = iota
	DoPromote
	DoDemote
)

func (d Decision) String() string {
	switch d {
	case DoPromote:
		return "promote"
	case DoDemote:
		return "demote"
	}
	return "hold"
}

// Evaluate 根据短窗口成交量和涨跌幅给出升降级决定（不执行）
//
// 升级：窗口成交量 >= PromoteMinQty 且涨跌幅 >= PromoteMinChgPct。
// 质量降级：已 DEEP、未被钉住、持有超过 MinDeepHold，且成交量失速或涨跌幅 <= DemoteChgPct。
func (c *Controller) Evaluate(t domain.Tick, now time.Time) Decision {
	if !t.Valid() || c.cfg.PromoteMinQty <= 0 {
		return Hold
	}
	span := c.cfg.PromoteWindow
	if span <= 0 {
		span = 300 * time.Millisecond
	}

	c.mu.Lock()
	w := c.flow[t.Code]
	if w == nil {
		w = &qtyWindow{}
		c.flow[t.Code] = w
	}
	qty := w.add(t.Time, t.Qty, span)
	st, deep := c.states[t.Code]
	var held time.Duration
	if deep {
		held = now.Sub(st.PromotedAt)
	}
	c.mu.Unlock()

	momentumOK := qty >= c.cfg.PromoteMinQty
	if !deep {
		if momentumOK && t.ChangePct >= c.cfg.PromoteMinChgPct {
			return DoPromote
		}
		return Hold
	}
	if held < c.cfg.MinDeepHold {
		return Hold
	}
	if !momentumOK || t.ChangePct <= c.cfg.DemoteChgPct {
		if c.pinned(t.Code) {
			return Hold
		}
		return DoDemote
	}
	return Hold
}

// Observe 评估一笔成交并把升降级请求交给 Run 循环执行
func (c *Controller) Observe(t domain.Tick, now time.Time) Decision {
	d := c.Evaluate(t, now)
	switch d {
	case DoPromote:
		c.enqueue(request{kind: reqPromote, code: t.Code, price: t.Price, bid: t.BestBid, reason: "momentum"})
	case DoDemote:
		reason := "momentum_lost"
		if t.ChangePct <= c.cfg.DemoteChgPct {
			reason = "price_drop"
		}
		c.enqueue(request{kind: reqDemote, code: t.Code, reason: reason})
	}
	return d
}

// Candidate 成交额排行中的候选
type Candidate struct {
	Code      string
	LastPrice int
	BestBid   int
}

// PromoteCandidates 将成交额排行前 K 名中尚未 DEEP 的标的排队升级；返回排队数量
func (c *Controller) PromoteCandidates(cands []Candidate) int {
	k := c.cfg.PromoteTopK
	if k <= 0 {
		return 0
	}
	if len(cands) > k {
		cands = cands[:k]
	}
	n := 0
	for _, cd := range cands {
		if c.IsDeep(cd.Code) {
			continue
		}
		if c.enqueue(request{kind: reqPromote, code: cd.Code, price: cd.LastPrice, bid: cd.BestBid, reason: "turnover_top"}) {
			n++
		}
	}
	return n
}

// Forget 清除标的的窗口状态（停止观测时调用）
func (c *Controller) Forget(code string) {
	c.mu.Lock()
	delete(c.flow, code)
	c.mu.Unlock()
}

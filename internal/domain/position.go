package domain

import "time"

// Position 单个标的持仓
type Position struct {
	Code         string    `json:"code"`
	Qty          int       `json:"qty"`       // >= 0
	AvgPrice     int       `json:"avg_price"` // 加权均价（원，四舍五入）
	LastBuyPrice int       `json:"last_buy_price"`
	LastBuyDay   string    `json:"last_buy_day"` // 交易所本地日期 yyyymmdd
	RealizedPnL  int64     `json:"realized_pnl"`
	MarkPrice    int       `json:"mark_price"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsOpen 是否持仓
func (p *Position) IsOpen() bool {
	return p != nil && p.Qty > 0
}

// UnrealizedPnL 未实现盈亏（按标记价格，不含费用）
func (p *Position) UnrealizedPnL() int64 {
	if p == nil || p.Qty <= 0 || p.MarkPrice <= 0 {
		return 0
	}
	return int64(p.MarkPrice-p.AvgPrice) * int64(p.Qty)
}

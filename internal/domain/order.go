package domain

import (
	"fmt"
	"time"
)

// Side 买卖方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderKind 下单类型
type OrderKind string

const (
	KindLimitBuy   OrderKind = "limit_buy"
	KindLimitSell  OrderKind = "limit_sell"
	KindMarketBuy  OrderKind = "market_buy"
	KindMarketSell OrderKind = "market_sell"
	KindCancel     OrderKind = "cancel"
)

// Side 返回下单类型对应的方向（撤单返回空）
func (k OrderKind) Side() Side {
	switch k {
	case KindLimitBuy, KindMarketBuy:
		return SideBuy
	case KindLimitSell, KindMarketSell:
		return SideSell
	}
	return ""
}

// IsMarket 是否市价单
func (k OrderKind) IsMarket() bool {
	return k == KindMarketBuy || k == KindMarketSell
}

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusSubmitted       OrderStatus = "submitted"        // 已发出，未确认
	OrderStatusPending         OrderStatus = "pending"          // 已受理，未成交
	OrderStatusPartial         OrderStatus = "partial"          // 部分成交
	OrderStatusFilled          OrderStatus = "filled"           // 已成交
	OrderStatusCancelRequested OrderStatus = "cancel_requested" // 已请求撤单
	OrderStatusCanceled        OrderStatus = "canceled"         // 已撤单
)

// PendingOrder 已受理、尚未终结的订单
type PendingOrder struct {
	OrderID         string
	Code            string
	Side            Side
	Kind            OrderKind
	Qty             int
	Price           int // 市价单为 0
	RefPrice        int // 下单时参考价（追单/目标价计算用）
	AcceptedAt      time.Time
	RetryCount      int
	IsStopLoss      bool
	CancelRequested bool
	Unplaced        bool // 网关侧没有对应订单（替换单未受理），扫描时直接重发
	Status          OrderStatus
	FilledQty       int
}

// Age 受理至今的时长
func (p *PendingOrder) Age(now time.Time) time.Duration {
	return now.Sub(p.AcceptedAt)
}

// Remaining 剩余未成交数量
func (p *PendingOrder) Remaining() int {
	return max(0, p.Qty-p.FilledQty)
}

func (p *PendingOrder) String() string {
	tag := ""
	if p.IsStopLoss {
		tag = " STOP"
	}
	return fmt.Sprintf("%s %s %s %d@%d retry=%d%s", p.OrderID, p.Side, p.Code, p.Qty, p.Price, p.RetryCount, tag)
}

// Fill 成交/撤单回报
type Fill struct {
	OrderID   string
	Code      string
	Side      Side
	FilledQty int // 本次成交数量
	Remaining int // 订单剩余未成交数量
	Price     int // 本次成交价格
	Canceled  bool
	Time      time.Time
}

// Terminal 回报后订单是否终结
func (f Fill) Terminal() bool {
	return f.Canceled || f.Remaining <= 0
}

// IntentSource 信号来源
type IntentSource string

const (
	SourceBurst    IntentSource = "burst"
	SourceMomentum IntentSource = "momentum"
	SourceManual   IntentSource = "manual"
)

// Intent 交易意图（信号引擎 -> 订单生命周期）
type Intent struct {
	ID     string
	Source IntentSource
	Code   string
	Side   Side
	Price  int
	Qty    int // 0 表示由生命周期控制器决定数量
	Reason string
	Time   time.Time
	Diag   map[string]float64 // 诊断字段（价差/比率/窗口和...）
}

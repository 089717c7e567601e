package domain

import (
	"strings"
	"time"
)

// Tick 一笔成交（已归一化）
type Tick struct {
	Code      string    // 标的代码（无 A 前缀）
	Price     int       // 成交价（원）
	Qty       int       // 单笔成交量
	ChangePct float64   // 涨跌幅（%）
	VolumeSum int64     // 累计成交量
	AmountSum int64     // 累计成交额（원）
	BestBid   int       // 成交时的买一价（可选）
	BestAsk   int       // 成交时的卖一价（可选）
	Time      time.Time // 成交时间
}

// Valid 价格和数量必须为正
func (t Tick) Valid() bool {
	return t.Code != "" && t.Price > 0 && t.Qty > 0
}

// Notional 单笔成交额
func (t Tick) Notional() int64 {
	return int64(t.Price) * int64(t.Qty)
}

// Quote 最优一档报价
type Quote struct {
	Code      string
	BestBid   int
	BestAsk   int
	BidQty    int
	AskQty    int
	ChangePct float64
	Last      int
	Time      time.Time
}

// ViEvent 波动性中断（VI）事件
type ViEvent struct {
	Code  string
	Fired bool // true=发动，false=解除
	Time  time.Time
}

// NormalizeCode 去掉 A 前缀和空白：A005930 -> 005930
func NormalizeCode(code string) string {
	c := strings.TrimSpace(code)
	if len(c) > 1 && (c[0] == 'A' || c[0] == 'a') {
		c = c[1:]
	}
	return c
}

var exchangeLoc = loadExchangeLocation()

func loadExchangeLocation() *time.Location {
	if loc, err := time.LoadLocation("Asia/Seoul"); err == nil {
		return loc
	}
	return time.FixedZone("KST", 9*3600)
}

// ExchangeLocation 交易所所在时区
func ExchangeLocation() *time.Location { return exchangeLoc }

// TradingDay 交易所本地日期 yyyymmdd
func TradingDay(t time.Time) string {
	return t.In(exchangeLoc).Format("20060102")
}

// Tier 观测层级
type Tier string

const (
	TierAbsent Tier = "ABSENT"
	TierLight  Tier = "LIGHT"
	TierDeep   Tier = "DEEP"
)

package marketmath

import (
	"github.com/shopspring/decimal"
)

// Fees 费率与目标利润参数
type Fees struct {
	BuyFee            float64 // 买入手续费率
	SellFee           float64 // 卖出手续费率
	SellTax           float64 // 卖出交易税率
	TargetNetPerShare int     // 每股目标净利润（원）
	TargetNetPct      float64 // 每股目标净利润（占均价比例）
}

// DefaultFees 默认费率
var DefaultFees = Fees{
	BuyFee:            0.00015,
	SellFee:           0.00015,
	SellTax:           0.0015,
	TargetNetPerShare: 100,
	TargetNetPct:      0.003,
}

var (
	one        = decimal.NewFromInt(1)
	floorDenom = decimal.RequireFromString("0.999")
)

func (f Fees) sellDenom() decimal.Decimal {
	d := one.Sub(decimal.NewFromFloat(f.SellFee)).Sub(decimal.NewFromFloat(f.SellTax))
	if !d.IsPositive() {
		return floorDenom
	}
	return d
}

// TargetProfit 每股目标净利润：max(固定额, ceil(avg*pct))
func (f Fees) TargetProfit(avg int) int {
	pct := decimal.NewFromInt(int64(avg)).Mul(decimal.NewFromFloat(f.TargetNetPct)).Ceil().IntPart()
	return max(f.TargetNetPerShare, int(pct))
}

// NetTargetPrice 满足 sell*(1-rs-rt) - avg*(1+rb) >= p 的最低卖价，向上取整到档位
// avg 或目标利润非正时返回 0
func (f Fees) NetTargetPrice(avg int) int {
	if avg <= 0 {
		return 0
	}
	p := f.TargetProfit(avg)
	if p <= 0 {
		return 0
	}
	return f.requiredSellPrice(avg, p)
}

// BreakEvenPrice 扣除费用和税后不亏损的最低卖价
func (f Fees) BreakEvenPrice(avg int) int {
	if avg <= 0 {
		return 0
	}
	return f.requiredSellPrice(avg, 0)
}

func (f Fees) requiredSellPrice(avg, profit int) int {
	cost := decimal.NewFromInt(int64(avg)).Mul(one.Add(decimal.NewFromFloat(f.BuyFee)))
	raw := cost.Add(decimal.NewFromInt(int64(profit))).Div(f.sellDenom())
	need := int(raw.Ceil().IntPart())
	return CeilToTick(need)
}

// RealizedPnL 平仓盈亏：(price*(1-sf-tax) - avg*(1+bf)) * qty，四舍五入到원
func (f Fees) RealizedPnL(avg, price, qty int) int64 {
	if qty <= 0 {
		return 0
	}
	proceeds := decimal.NewFromInt(int64(price)).Mul(f.sellDenomRaw())
	cost := decimal.NewFromInt(int64(avg)).Mul(one.Add(decimal.NewFromFloat(f.BuyFee)))
	return proceeds.Sub(cost).Mul(decimal.NewFromInt(int64(qty))).Round(0).IntPart()
}

func (f Fees) sellDenomRaw() decimal.Decimal {
	return one.Sub(decimal.NewFromFloat(f.SellFee)).Sub(decimal.NewFromFloat(f.SellTax))
}

package marketmath

import "math"

// TickSize 返回价格档位（원）
// <2,000:1 / <5,000:5 / <10,000:10 / <50,000:50 / <100,000:100 / <500,000:500 / 其余:1,000
func TickSize(price int) int {
	switch {
	case price < 2_000:
		return 1
	case price < 5_000:
		return 5
	case price < 10_000:
		return 10
	case price < 50_000:
		return 50
	case price < 100_000:
		return 100
	case price < 500_000:
		return 500
	default:
		return 1_000
	}
}

// CeilToTick 向上取整到价格档位
func CeilToTick(price int) int {
	if price <= 0 {
		return 0
	}
	tick := TickSize(price)
	rem := price % tick
	if rem == 0 {
		return price
	}
	up := price - rem + tick
	// 跨档时按新档位再对齐一次
	if t2 := TickSize(up); t2 != tick && up%t2 != 0 {
		up = up - up%t2 + t2
	}
	return up
}

// FloorToTick 向下取整到价格档位
func FloorToTick(price int) int {
	if price <= 0 {
		return 0
	}
	return price - price%TickSize(price)
}

// StepDown 下移 n 个档位（按当前价格所在档位计算）
func StepDown(price, n int) int {
	p := price
	for i := 0; i < n && p > 0; i++ {
		p -= TickSize(p - 1)
	}
	return max(p, 0)
}

// StepUp 上移 n 个档位
func StepUp(price, n int) int {
	p := price
	for i := 0; i < n; i++ {
		p += TickSize(p)
	}
	return p
}

// SpreadTicks 以档位数表示买卖价差，档位按最新成交价 ref 取（ref 无效时用买一价）；
// 任一侧报价缺失时返回 math.MaxInt
func SpreadTicks(bid, ask, ref int) int {
	if bid <= 0 || ask <= 0 {
		return math.MaxInt
	}
	if ref <= 0 {
		ref = bid
	}
	return (ask - bid) / TickSize(ref)
}

// SlippageTicks 估算冲击档位：ceil(qty / max(1, depth*max(0.1,k)))，上限 maxSlip
func SlippageTicks(qty, depthQty int, k float64, maxSlip int) int {
	if qty <= 0 {
		return 0
	}
	eff := float64(depthQty) * math.Max(0.1, k)
	if eff < 1 {
		eff = 1
	}
	impact := int(math.Ceil(float64(qty) / eff))
	if maxSlip >= 0 && impact > maxSlip {
		impact = maxSlip
	}
	return impact
}

// EstimateBuyFill 以卖一价为基准加上冲击档位估算买入成交价
func EstimateBuyFill(bestAsk, askQty, qty int, k float64, maxSlip int) int {
	if bestAsk <= 0 {
		return 0
	}
	return StepUp(bestAsk, SlippageTicks(qty, askQty, k, maxSlip))
}

// EstimateSellFill 以买一价为基准减去冲击档位估算卖出成交价
func EstimateSellFill(bestBid, bidQty, qty int, k float64, maxSlip int) int {
	if bestBid <= 0 {
		return 0
	}
	return StepDown(bestBid, SlippageTicks(qty, bidQty, k, maxSlip))
}

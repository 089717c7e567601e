package marketmath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTickSize(t *testing.T) {
	cases := []struct {
		price, want int
	}{
		{999, 1}, {1_999, 1}, {2_000, 5}, {4_995, 5}, {5_000, 10},
		{9_990, 10}, {10_000, 50}, {49_950, 50}, {50_000, 100},
		{99_900, 100}, {100_000, 500}, {499_500, 500}, {500_000, 1_000},
	}
	for _, c := range cases {
		if got := TickSize(c.price); got != c.want {
			t.Fatalf("TickSize(%d) got=%d want=%d", c.price, got, c.want)
		}
	}
}

func TestCeilFloorToTick(t *testing.T) {
	assert.Equal(t, 10_150, CeilToTick(10_119))
	assert.Equal(t, 10_100, FloorToTick(10_119))
	assert.Equal(t, 3_110, CeilToTick(3_106))
	assert.Equal(t, 5_000, CeilToTick(4_998))
	assert.Equal(t, 0, CeilToTick(0))
}

func TestStepUpDown(t *testing.T) {
	assert.Equal(t, 10_150, StepUp(10_000, 3))
	assert.Equal(t, 9_990, StepDown(10_000, 1))
	assert.Equal(t, 10_050, StepDown(10_100, 1))
	assert.Equal(t, 0, StepDown(1, 5))
}

func TestSpreadTicks(t *testing.T) {
	assert.Equal(t, 2, SpreadTicks(10_000, 10_100, 10_000))
	assert.Equal(t, math.MaxInt, SpreadTicks(0, 10_100, 10_000))
	assert.Equal(t, math.MaxInt, SpreadTicks(10_000, 0, 10_000))
	assert.Equal(t, 0, SpreadTicks(10_100, 10_100, 10_100))
	// 档位跨界时按成交价取档
	assert.Equal(t, 1, SpreadTicks(4_995, 5_010, 5_010))
	assert.Equal(t, 3, SpreadTicks(4_995, 5_010, 0))
}

func TestSlippage(t *testing.T) {
	// depth 10 * k 0.8 = 8 -> ceil(20/8)=3, capped 2
	assert.Equal(t, 2, SlippageTicks(20, 10, 0.8, 2))
	assert.Equal(t, 1, SlippageTicks(5, 10, 0.8, 2))
	assert.Equal(t, 10_100, EstimateBuyFill(10_000, 10, 20, 0.8, 2))
	assert.Equal(t, 9_980, EstimateSellFill(10_000, 10, 20, 0.8, 2))
}

func TestNetTargetPrice(t *testing.T) {
	f := DefaultFees
	// (10000*1.00015 + 100) / 0.99835 = 10118.19.. -> 10119 -> 10150
	assert.Equal(t, 10_150, f.NetTargetPrice(10_000))
	assert.Equal(t, 3_110, f.NetTargetPrice(3_000))
	assert.Equal(t, 0, f.NetTargetPrice(0))

	// 百分比目标大于固定目标
	assert.Equal(t, 150, f.TargetProfit(50_000))
}

func TestNetTargetPriceSatisfiesInequality(t *testing.T) {
	f := DefaultFees
	for avg := 1_000; avg < 200_000; avg += 777 {
		sell := f.NetTargetPrice(avg)
		net := float64(sell)*(1-f.SellFee-f.SellTax) - float64(avg)*(1+f.BuyFee)
		if net+1e-6 < float64(f.TargetProfit(avg)) {
			t.Fatalf("avg=%d sell=%d net=%.4f < target=%d", avg, sell, net, f.TargetProfit(avg))
		}
		if sell%TickSize(sell) != 0 {
			t.Fatalf("avg=%d sell=%d not aligned to tick", avg, sell)
		}
	}
}

func TestBreakEvenAndRealized(t *testing.T) {
	f := DefaultFees
	assert.Equal(t, 10_050, f.BreakEvenPrice(10_000))
	// (10150*0.99835 - 10001.5) * 10 = 1317.525 -> 1318
	assert.Equal(t, int64(1318), f.RealizedPnL(10_000, 10_150, 10))
	assert.Equal(t, int64(0), f.RealizedPnL(10_000, 10_150, 0))
	assert.Less(t, f.RealizedPnL(10_000, 10_000, 10), int64(0))
}

func TestSellDenomFloor(t *testing.T) {
	f := Fees{SellFee: 0.6, SellTax: 0.5, TargetNetPerShare: 0}
	// 分母非正时使用 0.999
	assert.Equal(t, CeilToTick(1_002), f.BreakEvenPrice(1_000))
}

package signal

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/krxtrader/internal/domain"
)

type quoteMap map[string]domain.Quote

func (m quoteMap) Get(code string) (domain.Quote, bool) {
	q, ok := m[code]
	return q, ok
}

type holdingsStub struct {
	open map[string]bool
	qty  map[string]int
}

func (h holdingsStub) HasOpenOrders(code string) bool { return h.open[code] }
func (h holdingsStub) PositionQty(code string) int    { return h.qty[code] }

var t0 = time.Date(2026, 3, 2, 9, 30, 0, 0, domain.ExchangeLocation())

// 关闭质量过滤：只看门槛
func openBurstConfig(window, baseline int, multiple float64, minDelta int64) BurstConfig {
	return BurstConfig{
		WindowTicks:    window,
		BaselineTicks:  baseline,
		Multiple:       multiple,
		MinDelta:       minDelta,
		MaxSpreadTicks: math.MaxInt,
		MinChgPct:      -100,
		MinBidAskRatio: 0,
	}
}

func tick(code string, price, qty int, at time.Time) domain.Tick {
	return domain.Tick{Code: code, Price: price, Qty: qty, Time: at, BestBid: price - 1, BestAsk: price}
}

func collect(out *[]domain.Intent) Emitter {
	return func(in domain.Intent) { *out = append(*out, in) }
}

func TestBurst_FiresOnSpike(t *testing.T) {
	var got []domain.Intent
	d := NewBurstDetector(openBurstConfig(5, 4, 2.5, 0), 1, nil, nil, nil, collect(&got))

	for i := 0; i < 20; i++ {
		assert.False(t, d.Evaluate(0, tick("005930", 100, 1, t0.Add(time.Duration(i)*time.Millisecond))))
	}
	ema, _, ok := d.EMA(0, "005930")
	require.True(t, ok)
	assert.InDelta(t, 100, ema, 1)

	assert.True(t, d.Evaluate(0, tick("005930", 10_000, 1, t0.Add(time.Second))))
	require.Len(t, got, 1)
	in := got[0]
	assert.Equal(t, domain.SideBuy, in.Side)
	assert.Equal(t, domain.SourceBurst, in.Source)
	assert.Equal(t, 10_000, in.Price)
	assert.Equal(t, "burst_value", in.Reason)
	assert.NotEmpty(t, in.ID)
	assert.Equal(t, float64(10_400), in.Diag["sum"])
	assert.InDelta(t, 1250, in.Diag["required"], 1e-6)
}

func TestBurst_FirstTickSeedsEMA(t *testing.T) {
	d := NewBurstDetector(openBurstConfig(5, 4, 2.5, 0), 1, nil, nil, nil, nil)
	assert.False(t, d.Evaluate(0, tick("A", 5000, 10, t0)))
	ema, sum, ok := d.EMA(0, "A")
	require.True(t, ok)
	assert.Equal(t, 50_000.0, ema)
	assert.Equal(t, int64(50_000), sum)
}

func TestBurst_MinDelta(t *testing.T) {
	d := NewBurstDetector(openBurstConfig(5, 4, 2.5, 1_000_000), 1, nil, nil, nil, nil)
	for i := 0; i < 10; i++ {
		d.Evaluate(0, tick("A", 100, 1, t0))
	}
	assert.False(t, d.Evaluate(0, tick("A", 10_000, 1, t0)))
}

// 与逐笔闭式计算对照：关闭过滤时，发信号当且仅当 sum >= ema_prev*window*multiple 且 sum >= minDelta
func TestBurst_MatchesReference(t *testing.T) {
	const window, baseline = 7, 12
	const multiple = 2.0
	const minDelta = int64(30_000)
	d := NewBurstDetector(openBurstConfig(window, baseline, multiple, minDelta), 1, nil, nil, nil, nil)

	rng := rand.New(rand.NewSource(11))
	alpha := 2.0 / float64(baseline+1)
	var (
		ema    float64
		seeded bool
		hist   []int64
	)
	fired := 0
	for i := 0; i < 3000; i++ {
		qty := 1 + rng.Intn(5)
		if rng.Intn(40) == 0 {
			qty = 50 + rng.Intn(100)
		}
		price := 1000 + rng.Intn(50)
		v := int64(price * qty)

		if !seeded {
			ema, seeded = float64(v), true
		}
		hist = append(hist, v)
		if len(hist) > window {
			hist = hist[1:]
		}
		var sum int64
		for _, x := range hist {
			sum += x
		}
		want := float64(sum) >= ema*window*multiple && sum >= minDelta
		ema = alpha*float64(v) + (1-alpha)*ema

		got := d.Evaluate(0, tick("A", price, qty, t0.Add(time.Duration(i)*time.Millisecond)))
		require.Equalf(t, want, got, "tick %d sum=%d", i, sum)
		if got {
			fired++
		}
	}
	assert.Positive(t, fired)
}

func TestBurst_Guards(t *testing.T) {
	spike := func(d *BurstDetector, code string, at time.Time, chg float64) bool {
		for i := 0; i < 10; i++ {
			d.Evaluate(0, tick(code, 100, 1, at))
		}
		tk := domain.Tick{Code: code, Price: 10_000, Qty: 1, ChangePct: chg, Time: at}
		return d.Evaluate(0, tk)
	}
	base := BurstConfig{WindowTicks: 5, BaselineTicks: 4, Multiple: 2.5, MaxSpreadTicks: 2, MinChgPct: 2, MinBidAskRatio: 1.8, Cooldown: 20 * time.Second}
	good := domain.Quote{BestBid: 9_990, BestAsk: 10_000, BidQty: 400, AskQty: 100, ChangePct: 3}

	t.Run("pass", func(t *testing.T) {
		d := NewBurstDetector(base, 1, quoteMap{"A": good}, nil, nil, nil)
		assert.True(t, spike(d, "A", t0, 3))
	})
	t.Run("wide spread", func(t *testing.T) {
		q := good
		q.BestAsk = 10_150
		d := NewBurstDetector(base, 1, quoteMap{"A": q}, nil, nil, nil)
		assert.False(t, spike(d, "A", t0, 3))
	})
	t.Run("spread counted in last-price ticks", func(t *testing.T) {
		q := good
		q.BestBid = 9_900
		d := NewBurstDetector(base, 1, quoteMap{"A": q}, nil, nil, nil)
		assert.True(t, spike(d, "A", t0, 3))
	})
	t.Run("missing quote", func(t *testing.T) {
		d := NewBurstDetector(base, 1, quoteMap{}, nil, nil, nil)
		assert.False(t, spike(d, "A", t0, 3))
	})
	t.Run("low change falls back to quote", func(t *testing.T) {
		d := NewBurstDetector(base, 1, quoteMap{"A": good}, nil, nil, nil)
		assert.True(t, spike(d, "A", t0, 0))
		q := good
		q.ChangePct = 1
		d = NewBurstDetector(base, 1, quoteMap{"A": q}, nil, nil, nil)
		assert.False(t, spike(d, "A", t0, 0))
	})
	t.Run("weak bid ratio", func(t *testing.T) {
		q := good
		q.BidQty = 150
		d := NewBurstDetector(base, 1, quoteMap{"A": q}, nil, nil, nil)
		assert.False(t, spike(d, "A", t0, 3))
	})
	t.Run("empty ask side", func(t *testing.T) {
		q := good
		q.AskQty = 0
		d := NewBurstDetector(base, 1, quoteMap{"A": q}, nil, nil, nil)
		assert.True(t, spike(d, "A", t0, 3))
	})
	t.Run("cooldown", func(t *testing.T) {
		d := NewBurstDetector(base, 1, quoteMap{"A": good}, nil, nil, nil)
		assert.True(t, spike(d, "A", t0, 3))
		assert.False(t, spike(d, "A", t0.Add(5*time.Second), 3))
		assert.True(t, spike(d, "A", t0.Add(21*time.Second), 3))
	})
	t.Run("holding", func(t *testing.T) {
		h := holdingsStub{open: map[string]bool{}, qty: map[string]int{"A": 3}}
		d := NewBurstDetector(base, 1, quoteMap{"A": good}, h, nil, nil)
		assert.False(t, spike(d, "A", t0, 3))
		h = holdingsStub{open: map[string]bool{"A": true}, qty: map[string]int{}}
		d = NewBurstDetector(base, 1, quoteMap{"A": good}, h, nil, nil)
		assert.False(t, spike(d, "A", t0, 3))
	})
	t.Run("excluded", func(t *testing.T) {
		d := NewBurstDetector(base, 1, quoteMap{"A": good}, nil, func(string) bool { return true }, nil)
		assert.False(t, spike(d, "A", t0, 3))
	})
}

func TestBurst_ClampsConfig(t *testing.T) {
	d := NewBurstDetector(BurstConfig{WindowTicks: 0, BaselineTicks: -1, Multiple: 0.2, MinDelta: -5}, 0, nil, nil, nil, nil)
	c := d.Config()
	assert.Equal(t, 1, c.WindowTicks)
	assert.Equal(t, 1, c.BaselineTicks)
	assert.Equal(t, 1.0, c.Multiple)
	assert.Equal(t, int64(0), c.MinDelta)
}

func TestBurst_IgnoresInvalidTicks(t *testing.T) {
	d := NewBurstDetector(openBurstConfig(5, 4, 2.5, 0), 1, nil, nil, nil, nil)
	assert.False(t, d.Evaluate(0, domain.Tick{Code: "A", Price: 0, Qty: 1}))
	assert.False(t, d.Evaluate(0, domain.Tick{Code: "A", Price: 100, Qty: 0}))
	_, _, ok := d.EMA(0, "A")
	assert.False(t, ok)
}

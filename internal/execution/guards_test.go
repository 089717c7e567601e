package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/krxtrader/internal/domain"
	"github.com/betbot/krxtrader/pkg/marketmath"
)

func TestResolveQty(t *testing.T) {
	cash := Sizing{CashSizing: true, TargetAmount: 400_000, MinQty: 1, MaxQty: 30, LotSize: 1}
	assert.Equal(t, 5, ResolveQty(cash, 70_000))
	assert.Equal(t, 30, ResolveQty(cash, 10_000))
	assert.Equal(t, 1, ResolveQty(cash, 1_000_000))
	assert.Equal(t, 0, ResolveQty(cash, 0))

	lots := Sizing{CashSizing: true, TargetAmount: 400_000, MinQty: 10, MaxQty: 100, LotSize: 10}
	assert.Equal(t, 50, ResolveQty(lots, 7_000))

	fixed := Sizing{DefaultQty: 7}
	assert.Equal(t, 7, ResolveQty(fixed, 123_456))
}

func TestRebuyBlocked(t *testing.T) {
	pos := domain.Position{LastBuyPrice: 10_000, LastBuyDay: domain.TradingDay(t0)}
	assert.True(t, RebuyBlocked(pos, 9_600, t0, 8))
	assert.True(t, RebuyBlocked(pos, 9_000, t0, 8))
	assert.False(t, RebuyBlocked(pos, 9_650, t0, 8))
	assert.False(t, RebuyBlocked(pos, 9_600, t0.Add(24*time.Hour), 8), "next trading day")
	assert.False(t, RebuyBlocked(pos, 9_600, t0, 0))
	assert.False(t, RebuyBlocked(domain.Position{}, 1, t0, 8))
}

func TestStopLossTrigger(t *testing.T) {
	assert.Equal(t, 9_880, StopLossTrigger(10_000, 0.012))
	assert.Equal(t, 69_160, StopLossTrigger(70_000, 0.012))
	assert.Equal(t, 0, StopLossTrigger(0, 0.012))
}

func TestVIGuard_Margins(t *testing.T) {
	g := NewVIGuard(DefaultVIConfig(), marketmath.DefaultFees, nil)
	up, margin := g.UpperTrigger(10_000)
	assert.Equal(t, 10_600, up)
	assert.Equal(t, 159, margin)

	q := domain.Quote{BestAsk: 10_000, AskQty: 1_000}
	require.NoError(t, g.Check("A", 10_000, 10, 10_000, q))

	q = domain.Quote{BestAsk: 10_400, AskQty: 1_000}
	err := g.Check("A", 10_400, 10, 10_000, q)
	var vb *VIBlock
	require.ErrorAs(t, err, &vb)
	assert.Contains(t, vb.Reason, "fill")

	// 成交价还在边际外，但目标卖价进入边际
	q = domain.Quote{BestAsk: 10_250, AskQty: 1_000}
	err = g.Check("A", 10_250, 10, 10_000, q)
	require.ErrorAs(t, err, &vb)
	assert.Contains(t, vb.Reason, "target")

	disabled := NewVIGuard(VIConfig{}, marketmath.DefaultFees, nil)
	assert.NoError(t, disabled.Check("A", 10_400, 10, 10_000, domain.Quote{BestAsk: 10_400, AskQty: 1_000}))
}

func TestVIGuard_HaltAndCooldown(t *testing.T) {
	now := t0
	g := NewVIGuard(DefaultVIConfig(), marketmath.DefaultFees, func() time.Time { return now })
	q := domain.Quote{BestAsk: 10_000, AskQty: 1_000}

	g.OnEvent(domain.ViEvent{Code: "A", Fired: true, Time: now})
	assert.True(t, g.Halted("A"))
	assert.Error(t, g.Check("A", 10_000, 1, 10_000, q))

	now = now.Add(2 * time.Minute)
	g.OnEvent(domain.ViEvent{Code: "A", Fired: false, Time: now})
	assert.False(t, g.Halted("A"))
	err := g.Check("A", 10_000, 1, 10_000, q)
	var vb *VIBlock
	require.ErrorAs(t, err, &vb)
	assert.Equal(t, "cooldown", vb.Reason)

	now = now.Add(11 * time.Second)
	assert.NoError(t, g.Check("A", 10_000, 1, 10_000, q))
}

func TestPendingBook_CancelOnce(t *testing.T) {
	b := NewPendingBook()
	b.Add(domain.PendingOrder{OrderID: "1", Code: "A", Side: domain.SideBuy, Qty: 3, AcceptedAt: t0})
	b.Add(domain.PendingOrder{OrderID: "2", Code: "A", Side: domain.SideSell, Qty: 3, AcceptedAt: t0.Add(time.Second)})
	assert.True(t, b.MarkCancelRequested("1"))
	assert.False(t, b.MarkCancelRequested("1"))
	assert.False(t, b.MarkCancelRequested("missing"))
	b.ResetCancelRequested("1")
	assert.True(t, b.MarkCancelRequested("1"))

	assert.True(t, b.HasOpen("A"))
	assert.Len(t, b.BySide("A", domain.SideSell), 1)
	assert.Equal(t, 1, b.RemoveSide("A", domain.SideBuy, ""))
	snap := b.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "2", snap[0].OrderID)
}

func TestInFlightDeduper(t *testing.T) {
	now := t0
	d := NewInFlightDeduper(time.Second, 4, func() time.Time { return now })
	require.NoError(t, d.TryAcquire("buy:A"))
	assert.ErrorIs(t, d.TryAcquire("buy:A"), ErrDuplicateInFlight)
	assert.NoError(t, d.TryAcquire("buy:B"))
	assert.Equal(t, 2, d.Len())

	d.Release("buy:A")
	assert.NoError(t, d.TryAcquire("buy:A"))

	now = now.Add(2 * time.Second)
	assert.NoError(t, d.TryAcquire("buy:B"), "expired")
	assert.NoError(t, d.TryAcquire(""))

	var nilD *InFlightDeduper
	assert.NoError(t, nilD.TryAcquire("x"))
}

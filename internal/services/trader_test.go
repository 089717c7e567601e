package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/krxtrader/internal/domain"
	"github.com/betbot/krxtrader/internal/gateway"
	"github.com/betbot/krxtrader/pkg/config"
	"github.com/betbot/krxtrader/pkg/persistence"
)

var t0 = time.Date(2026, 3, 5, 10, 0, 0, 0, domain.ExchangeLocation())

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Order.RequireTrendUp = false
	cfg.VI.Enable = false
	cfg.Signal.Parallelism = 2
	cfg.Signal.QueueSize = 64
	return cfg
}

func newTestTrader(t *testing.T, ps persistence.Service) (*Trader, *gateway.Recorder) {
	t.Helper()
	rec := gateway.NewRecorder()
	rec.Now = func() time.Time { return t0 }
	tr, err := New(Options{
		Config:        testConfig(),
		Port:          gateway.Direct(rec),
		Persistence:   ps,
		PersistenceID: "test",
		Now:           func() time.Time { return t0 },
	})
	require.NoError(t, err)
	return tr, rec
}

func buyFill(id, code string, qty, price int) domain.Fill {
	return domain.Fill{OrderID: id, Code: code, Side: domain.SideBuy, FilledQty: qty, Price: price, Time: t0}
}

func countOps(rec *gateway.Recorder, op string) int {
	n := 0
	for _, c := range rec.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

func TestNew_RequiresPort(t *testing.T) {
	_, err := New(Options{Config: testConfig()})
	assert.Error(t, err)
}

func TestIngestTick_DropsInvalid(t *testing.T) {
	tr, _ := newTestTrader(t, nil)
	assert.False(t, tr.IngestTick(domain.Tick{Code: "", Price: 100, Qty: 1, Time: t0}))
	assert.False(t, tr.IngestTick(domain.Tick{Code: "005930", Price: 0, Qty: 1, Time: t0}))
	assert.False(t, tr.IngestTick(domain.Tick{Code: "005930", Price: 100, Qty: -1, Time: t0}))

	assert.True(t, tr.IngestTick(domain.Tick{Code: "A005930", Price: 70_000, Qty: 10, Time: t0}))
	q, ok := tr.quotes.Get("005930")
	require.True(t, ok)
	assert.Equal(t, 70_000, q.Last)
}

func TestSubscribe_RegistersLight(t *testing.T) {
	tr, rec := newTestTrader(t, nil)
	n, err := tr.Subscribe(context.Background(), []string{"005930", "A000660", " "})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, countOps(rec, "register"))

	var light bool
	for _, st := range tr.Pools() {
		if st.Name == PoolLight {
			light = true
			assert.Equal(t, 2, st.Used)
		}
	}
	assert.True(t, light)
	assert.False(t, tr.IsDeepTier("000660"))
}

func TestIntentToOrderAndFill(t *testing.T) {
	tr, rec := newTestTrader(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)

	tr.emit(domain.Intent{Source: domain.SourceManual, Code: "005930", Side: domain.SideBuy, Price: 10_000, Qty: 3, Time: t0})

	require.Eventually(t, func() bool {
		return len(rec.Orders(domain.KindLimitBuy)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	order := rec.Orders(domain.KindLimitBuy)[0]
	assert.Equal(t, "005930", order.Code)
	assert.Equal(t, 3, order.Qty)
	assert.True(t, tr.HasOpenOrders("005930"))
	assert.Equal(t, 1, tr.Status().PendingOrders)

	pos := tr.OnFill(buyFill("ORD-1", "005930", 3, 10_000))
	assert.Equal(t, 3, pos.Qty)
	assert.False(t, tr.HasOpenOrders("005930"))
	assert.Equal(t, 3, tr.PositionQty("A005930"))

	in := tr.Instrument("005930")
	assert.Equal(t, 3, in.PositionQty)
	assert.False(t, in.HasOpenOrders)
	assert.Equal(t, 1, tr.Status().OpenPositions)

	tr.Shutdown(context.Background())
}

func TestIngestTick_StopLoss(t *testing.T) {
	tr, rec := newTestTrader(t, nil)
	tr.OnFill(buyFill("ORD-9", "005930", 5, 10_000))

	require.True(t, tr.IngestTick(domain.Tick{Code: "005930", Price: 9_950, Qty: 1, Time: t0}))
	assert.Empty(t, rec.Orders(domain.KindMarketSell))

	require.True(t, tr.IngestTick(domain.Tick{Code: "005930", Price: 9_000, Qty: 1, Time: t0}))
	sells := rec.Orders(domain.KindMarketSell)
	require.Len(t, sells, 1)
	assert.Equal(t, 5, sells[0].Qty)
	assert.True(t, tr.Instrument("005930").Blacklisted)

	// 止损单未终结前不重复下单
	tr.IngestTick(domain.Tick{Code: "005930", Price: 8_900, Qty: 1, Time: t0})
	assert.Len(t, rec.Orders(domain.KindMarketSell), 1)
}

func TestShutdown_ClearsPoolsAndPersistsLedger(t *testing.T) {
	ps := persistence.NewJSONFileService(t.TempDir())
	tr, rec := newTestTrader(t, ps)
	ctx := context.Background()
	tr.Start(ctx)

	_, err := tr.Subscribe(ctx, []string{"005930", "000660"})
	require.NoError(t, err)
	tr.OnFill(buyFill("ORD-1", "000660", 4, 200_000))

	tr.Shutdown(ctx)
	assert.GreaterOrEqual(t, countOps(rec, "unregister"), 2)
	for _, st := range tr.Pools() {
		assert.Zero(t, st.InUse, st.Name)
	}
	assert.False(t, tr.IngestTick(domain.Tick{Code: "005930", Price: 70_000, Qty: 1, Time: t0}))

	// 重复关闭无副作用
	tr.Shutdown(ctx)

	restored, _ := newTestTrader(t, ps)
	assert.Equal(t, 4, restored.PositionQty("000660"))
}

func TestStatus_HotListAndDemotionForgetsMomentum(t *testing.T) {
	tr, _ := newTestTrader(t, nil)
	ctx := context.Background()
	require.NoError(t, tr.Tiering().Promote(ctx, "005930", 10_000, 9_990, "test"))

	for i, px := range []int{10_000, 10_010, 10_020} {
		tk := domain.Tick{Code: "005930", Price: px, Qty: 10, Time: t0.Add(time.Duration(i) * 50 * time.Millisecond)}
		require.NoError(t, tr.handleTick(0, tk))
	}
	st := tr.Status()
	require.Len(t, st.Hot, 1)
	assert.Equal(t, "005930", st.Hot[0].Code)
	assert.Equal(t, 3, st.Hot[0].Count)
	assert.Equal(t, t0, st.QuotaResetAt)
	assert.Positive(t, st.QuotaPerSec)
	assert.Positive(t, st.QuotaPerMin)

	require.NoError(t, tr.Tiering().Demote(ctx, "005930", "test"))
	assert.Empty(t, tr.Hot(3))
}

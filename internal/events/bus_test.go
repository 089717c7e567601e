package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/krxtrader/internal/domain"
)

func TestBus_FanOut(t *testing.T) {
	b := NewBus()
	a, cancelA := b.Subscribe("a", 4)
	c, cancelC := b.Subscribe("c", 4)
	defer cancelA()
	defer cancelC()

	ev := StatusLine{Code: "005930", Text: "hello", Time: time.Now()}
	b.Publish(ev)

	require.Equal(t, ev, <-a)
	require.Equal(t, ev, <-c)
}

func TestBus_DropsWhenFull(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe("slow", 1)
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(StatusLine{Text: "x"})
	}
	assert.Len(t, ch, 1)
}

func TestBus_CancelAndClose(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe("x", 1)
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	ch2, _ := b.Subscribe("y", 1)
	b.Close()
	_, ok = <-ch2
	assert.False(t, ok)

	b.Publish(StatusLine{Text: "after close"})
	ch3, _ := b.Subscribe("z", 1)
	_, ok = <-ch3
	assert.False(t, ok)
}

func TestEventLines(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0)
	tc := TierChanged{Code: "005930", From: domain.TierLight, To: domain.TierDeep, Reason: "momentum", Time: ts}
	assert.Equal(t, "005930 LIGHT -> DEEP (momentum)", tc.Line())
	assert.Equal(t, KindTier, tc.EventKind())

	oe := OrderEvent{Action: ActionReprice, OrderID: "ORD-1", Code: "005930", Kind: domain.KindLimitSell, Qty: 3, Price: 70_100, Retry: 1}
	assert.Equal(t, "reprice limit_sell 005930 ORD-1 3@70100 retry=1", oe.Line())

	fe := FillEvent{Fill: domain.Fill{OrderID: "ORD-2", Code: "005930", Side: domain.SideBuy, FilledQty: 3, Price: 70_000}, PositionQty: 3}
	assert.Equal(t, "FILL BUY 005930 3@70000 remain=0 pos=3 pnl=0", fe.Line())
}

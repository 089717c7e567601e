package feed

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/krxtrader/internal/gateway"
)

func newTestAllocator(t *testing.T, pools ...Pool) (*Allocator, *gateway.Recorder) {
	t.Helper()
	rec := gateway.NewRecorder()
	a, err := NewAllocator(gateway.Direct(rec), pools...)
	require.NoError(t, err)
	return a, rec
}

func TestRegister_SharesSlotUntilFull(t *testing.T) {
	a, rec := newTestAllocator(t, Pool{Name: "light", Base: 1, End: 10, MaxPerSlot: 2})
	ctx := context.Background()

	for _, code := range []string{"A", "B", "C"} {
		_, err := a.Register(ctx, "light", code, "10")
		require.NoError(t, err)
	}

	slotA, _ := a.Lookup("light", "A")
	slotB, _ := a.Lookup("light", "B")
	slotC, _ := a.Lookup("light", "C")
	assert.Equal(t, 1, slotA)
	assert.Equal(t, 1, slotB)
	assert.Equal(t, 2, slotC)
	assert.Equal(t, map[int]int{1: 2, 2: 1}, a.SlotCounts("light"))

	calls := rec.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, gateway.ModeReplace, calls[0].Mode)
	assert.Equal(t, gateway.ModeAppend, calls[1].Mode)
	assert.Equal(t, gateway.ModeReplace, calls[2].Mode)
}

func TestRegister_Idempotent(t *testing.T) {
	a, rec := newTestAllocator(t, Pool{Name: "light", Base: 1, End: 2, MaxPerSlot: 2})
	ctx := context.Background()

	s1, err := a.Register(ctx, "light", "A", "10")
	require.NoError(t, err)
	s2, err := a.Register(ctx, "light", "A", "10")
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
	assert.Len(t, rec.Calls(), 1)
}

func TestUnregister_ClearsEmptySlot(t *testing.T) {
	a, rec := newTestAllocator(t, Pool{Name: "deep", Base: 5800, End: 5801, MaxPerSlot: 2})
	ctx := context.Background()

	_, err := a.Register(ctx, "deep", "A", "10;41")
	require.NoError(t, err)
	_, err = a.Register(ctx, "deep", "B", "10;41")
	require.NoError(t, err)
	rec.Reset()

	require.NoError(t, a.Unregister(ctx, "deep", "A"))
	require.Len(t, rec.Calls(), 1, "slot still holds B, no full clear")

	require.NoError(t, a.Unregister(ctx, "deep", "B"))
	calls := rec.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, gateway.Call{Op: "unregister", Slot: 5800, Code: gateway.ClearAll}, calls[2])
	assert.Empty(t, a.SlotCounts("deep"))

	// 归还后的槽位可以重新使用
	slot, err := a.Register(ctx, "deep", "C", "10;41")
	require.NoError(t, err)
	assert.Equal(t, 5800, slot)

	require.NoError(t, a.Unregister(ctx, "deep", "unknown"))
}

func TestRegister_CapacityExhausted(t *testing.T) {
	a, _ := newTestAllocator(t, Pool{Name: "p", Base: 1, End: 2, MaxPerSlot: 1})
	ctx := context.Background()

	_, err := a.Register(ctx, "p", "A", "")
	require.NoError(t, err)
	_, err = a.Register(ctx, "p", "B", "")
	require.NoError(t, err)
	_, err = a.Register(ctx, "p", "C", "")
	require.ErrorIs(t, err, ErrCapacityExhausted)

	// 释放旧槽位后可继续分配
	require.NoError(t, a.Unregister(ctx, "p", "A"))
	slot, err := a.Register(ctx, "p", "C", "")
	require.NoError(t, err)
	assert.Equal(t, 1, slot)
}

func TestRegister_ReusesSpareCapacityBehindCurrent(t *testing.T) {
	a, _ := newTestAllocator(t, Pool{Name: "p", Base: 1, End: 2, MaxPerSlot: 2})
	ctx := context.Background()
	for _, c := range []string{"A", "B", "C", "D"} {
		_, err := a.Register(ctx, "p", c, "")
		require.NoError(t, err)
	}
	require.NoError(t, a.Unregister(ctx, "p", "A"))

	slot, err := a.Register(ctx, "p", "E", "")
	require.NoError(t, err)
	assert.Equal(t, 1, slot)
}

func TestRegister_GatewayFailureRollsBack(t *testing.T) {
	a, rec := newTestAllocator(t, Pool{Name: "p", Base: 1, End: 3, MaxPerSlot: 2})
	rec.Fail = func(c gateway.Call) error {
		if c.Code == "BAD" {
			return gateway.ErrRejected
		}
		return nil
	}
	ctx := context.Background()

	_, err := a.Register(ctx, "p", "BAD", "")
	require.ErrorIs(t, err, gateway.ErrRejected)
	assert.Empty(t, a.SlotCounts("p"))
	_, ok := a.Lookup("p", "BAD")
	assert.False(t, ok)

	st, err := a.Stats("p")
	require.NoError(t, err)
	assert.Equal(t, 6, st.Free)
}

func TestUnknownPool(t *testing.T) {
	a, _ := newTestAllocator(t, Pool{Name: "p", Base: 1, End: 1, MaxPerSlot: 1})
	_, err := a.Register(context.Background(), "nope", "A", "")
	assert.True(t, errors.Is(err, ErrUnknownPool))
}

func TestNewAllocator_Validate(t *testing.T) {
	_, err := NewAllocator(gateway.Direct(gateway.NewRecorder()), Pool{Name: "p", Base: 5, End: 1, MaxPerSlot: 1})
	require.Error(t, err)
	_, err = NewAllocator(gateway.Direct(gateway.NewRecorder()), Pool{Name: "p", Base: 1, End: 1, MaxPerSlot: 0})
	require.Error(t, err)
	_, err = NewAllocator(gateway.Direct(gateway.NewRecorder()),
		Pool{Name: "p", Base: 1, End: 1, MaxPerSlot: 1},
		Pool{Name: "p", Base: 2, End: 2, MaxPerSlot: 1})
	require.Error(t, err)
}

// 随机注册/注销序列下：任何槽位不超过上限，且全部注销后容量复原
func TestAllocator_RandomOperations(t *testing.T) {
	const maxPerSlot = 3
	a, _ := newTestAllocator(t, Pool{Name: "p", Base: 100, End: 119, MaxPerSlot: maxPerSlot})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	before, err := a.Stats("p")
	require.NoError(t, err)

	live := map[string]bool{}
	for i := 0; i < 2000; i++ {
		code := fmt.Sprintf("%06d", rng.Intn(40))
		if live[code] {
			require.NoError(t, a.Unregister(ctx, "p", code))
			delete(live, code)
		} else {
			_, err := a.Register(ctx, "p", code, "10")
			require.NoError(t, err)
			live[code] = true
		}
		for slot, n := range a.SlotCounts("p") {
			require.LessOrEqual(t, n, maxPerSlot, "slot %d", slot)
			require.Positive(t, n, "empty slot %d must be released", slot)
		}
	}
	for code := range live {
		require.NoError(t, a.Unregister(ctx, "p", code))
	}
	after, err := a.Stats("p")
	require.NoError(t, err)
	assert.Equal(t, before.Free, after.Free)
	assert.Zero(t, after.InUse)
}

func TestClearAllPools(t *testing.T) {
	a, rec := newTestAllocator(t,
		Pool{Name: "light", Base: 1, End: 5, MaxPerSlot: 2},
		Pool{Name: "deep", Base: 10, End: 12, MaxPerSlot: 2})
	ctx := context.Background()
	for _, c := range []string{"A", "B", "C"} {
		_, err := a.Register(ctx, "light", c, "")
		require.NoError(t, err)
	}
	_, err := a.Register(ctx, "deep", "A", "")
	require.NoError(t, err)
	rec.Reset()

	require.NoError(t, a.ClearAllPools(ctx))
	assert.Empty(t, a.Codes("light"))
	assert.Empty(t, a.Codes("deep"))

	clears := 0
	for _, c := range rec.Calls() {
		if c.Code == gateway.ClearAll {
			clears++
		}
	}
	assert.Equal(t, 3, clears)

	stats := a.AllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "light", stats[0].Name)
	assert.Equal(t, 10, stats[0].Free)
}

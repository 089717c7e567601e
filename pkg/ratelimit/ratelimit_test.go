package ratelimit

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestDualWindow_FourPerSecond(t *testing.T) {
	clk := &fakeClock{t: time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)}
	rl := NewDualWindow(Limits{PerSecond: 4, PerMinute: 90}, clk.Now)

	for i := 0; i < 4; i++ {
		require.True(t, rl.TryAcquire(), "call %d should pass", i+1)
		clk.Advance(50 * time.Millisecond)
	}
	require.False(t, rl.TryAcquire(), "5th call within the same second must be rejected")

	clk.Advance(time.Second)
	require.True(t, rl.TryAcquire())
}

func TestDualWindow_RejectDoesNotConsume(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := NewDualWindow(Limits{PerSecond: 1, PerMinute: 3}, clk.Now)

	require.True(t, rl.TryAcquire())
	for i := 0; i < 10; i++ {
		require.False(t, rl.TryAcquire())
	}
	s, m := rl.Remaining()
	if s != 0 || m != 2 {
		t.Fatalf("remaining got=(%d,%d) want=(0,2)", s, m)
	}
}

func TestDualWindow_MinuteLimit(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := NewDualWindow(Limits{PerSecond: 4, PerMinute: 6}, clk.Now)

	admitted := 0
	for i := 0; i < 60; i++ {
		if rl.TryAcquire() {
			admitted++
		}
		clk.Advance(500 * time.Millisecond)
	}
	// 30 秒内只允许 6 次
	require.Equal(t, 6, admitted)

	clk.Advance(31 * time.Second)
	require.True(t, rl.TryAcquire())
}

func TestDualWindow_BoundaryIsInclusive(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := NewDualWindow(Limits{PerSecond: 1, PerMinute: 90}, clk.Now)

	require.True(t, rl.TryAcquire())
	clk.Advance(time.Second)
	// 恰好 1 秒前的记录还在窗口内
	require.False(t, rl.TryAcquire())
	clk.Advance(time.Nanosecond)
	require.True(t, rl.TryAcquire())
}

func TestDualWindow_RandomCallTimesNeverExceedLimits(t *testing.T) {
	const perSec, perMin = 4, 90
	rng := rand.New(rand.NewSource(42))

	base := time.Unix(1_700_000_000, 0)
	offsets := make([]time.Duration, 1000)
	for i := range offsets {
		offsets[i] = time.Duration(rng.Int63n(int64(5 * time.Minute)))
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	clk := &fakeClock{t: base}
	rl := NewDualWindow(Limits{PerSecond: perSec, PerMinute: perMin}, clk.Now)

	var admitted []time.Time
	for _, off := range offsets {
		clk.t = base.Add(off)
		if rl.TryAcquire() {
			admitted = append(admitted, clk.t)
		}
	}
	require.NotEmpty(t, admitted)

	countWithin := func(end time.Time, horizon time.Duration) int {
		n := 0
		for _, a := range admitted {
			if !a.After(end) && !a.Before(end.Add(-horizon)) {
				n++
			}
		}
		return n
	}
	for _, a := range admitted {
		if n := countWithin(a, time.Second); n > perSec {
			t.Fatalf("1s window ending %v admitted %d > %d", a, n, perSec)
		}
		if n := countWithin(a, time.Minute); n > perMin {
			t.Fatalf("60s window ending %v admitted %d > %d", a, n, perMin)
		}
	}
}

func TestDualWindow_ResetTime(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := NewDualWindow(Limits{PerSecond: 2, PerMinute: 3}, clk.Now)

	require.Equal(t, clk.t, rl.GetResetTime(), "not full")
	require.True(t, rl.TryAcquire())
	clk.Advance(100 * time.Millisecond)
	require.True(t, rl.TryAcquire())
	require.False(t, rl.TryAcquire())
	require.Equal(t, time.Unix(1_700_000_001, 0), rl.GetResetTime())

	clk.Advance(2 * time.Second)
	require.True(t, rl.TryAcquire())
	require.False(t, rl.TryAcquire())
	// 分钟窗口已满，取较晚的放行时间
	require.Equal(t, time.Unix(1_700_000_060, 0), rl.GetResetTime())
	s, m := rl.Remaining()
	require.Equal(t, 1, s)
	require.Equal(t, 0, m)
}

package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/krxtrader/internal/domain"
)

func TestPartition_Stable(t *testing.T) {
	for _, code := range []string{"005930", "000660", "035420", "A"} {
		p := Partition(code, 8)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 8)
		assert.Equal(t, p, Partition(code, 8))
	}
	assert.Equal(t, 0, Partition("005930", 1))
	assert.Equal(t, 0, Partition("005930", 0))
}

func TestPipeline_PreservesPerCodeOrder(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]int{}
	parts := map[string]int{}
	p := NewPipeline(PipelineConfig{Name: "order_test", Parallelism: 4, QueueSize: 10_000}, func(part int, tk domain.Tick) error {
		mu.Lock()
		defer mu.Unlock()
		seen[tk.Code] = append(seen[tk.Code], tk.Qty)
		if prev, ok := parts[tk.Code]; ok && prev != part {
			return fmt.Errorf("%s moved from %d to %d", tk.Code, prev, part)
		}
		parts[tk.Code] = part
		return nil
	})
	p.Start(context.Background())

	codes := []string{"005930", "000660", "035420", "051910", "068270"}
	for i := 1; i <= 500; i++ {
		for _, c := range codes {
			require.True(t, p.Submit(domain.Tick{Code: c, Price: 100, Qty: i}))
		}
	}
	p.Close()

	for _, c := range codes {
		require.Len(t, seen[c], 500)
		for i, q := range seen[c] {
			require.Equal(t, i+1, q)
		}
		assert.Equal(t, Partition(c, 4), parts[c])
	}
	assert.Zero(t, p.Dropped())
}

func TestPipeline_DropsWhenFull(t *testing.T) {
	p := NewPipeline(PipelineConfig{Name: "drop_test", Parallelism: 1, QueueSize: 2}, func(int, domain.Tick) error { return nil })
	// 未启动：队列不会被消费
	assert.True(t, p.Submit(domain.Tick{Code: "A", Price: 1, Qty: 1}))
	assert.True(t, p.Submit(domain.Tick{Code: "A", Price: 1, Qty: 1}))
	assert.False(t, p.Submit(domain.Tick{Code: "A", Price: 1, Qty: 1}))
	assert.Equal(t, int64(1), p.Dropped())

	p.Start(context.Background())
	p.Close()
	assert.False(t, p.Submit(domain.Tick{Code: "A", Price: 1, Qty: 1}))
}

func TestPipeline_RecoversPanic(t *testing.T) {
	var mu sync.Mutex
	var handled []string
	boom := errors.New("boom")
	p := NewPipeline(PipelineConfig{Name: "panic_test", Parallelism: 1, QueueSize: 16, Debug: true}, func(_ int, tk domain.Tick) error {
		switch tk.Code {
		case "PANIC":
			panic("bad tick")
		case "ERR":
			return boom
		}
		mu.Lock()
		handled = append(handled, tk.Code)
		mu.Unlock()
		return nil
	})
	p.Start(context.Background())
	p.Submit(domain.Tick{Code: "PANIC", Price: 1, Qty: 1})
	p.Submit(domain.Tick{Code: "ERR", Price: 1, Qty: 1})
	p.Submit(domain.Tick{Code: "OK", Price: 1, Qty: 1})
	p.Close()

	assert.Equal(t, []string{"OK"}, handled)

	var errs []error
	for err := range p.Errors() {
		errs = append(errs, err)
	}
	require.Len(t, errs, 2)
	var te *TickError
	require.ErrorAs(t, errs[0], &te)
	assert.True(t, te.Panic)
	assert.Equal(t, "PANIC", te.Code)
	assert.ErrorIs(t, errs[1], boom)
}

func TestPipeline_NoErrorChannelWithoutDebug(t *testing.T) {
	p := NewPipeline(PipelineConfig{Name: "quiet_test"}, func(int, domain.Tick) error { return errors.New("x") })
	assert.Nil(t, p.Errors())
	assert.Equal(t, 1, p.Partitions())
}

func TestPipeline_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPipeline(PipelineConfig{Name: "cancel_test", Parallelism: 2}, func(int, domain.Tick) error { return nil })
	p.Start(ctx)
	cancel()
	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManager_RunsStagesInOrder(t *testing.T) {
	m := NewManager()
	var order []string
	m.OnShutdown("ingest", func(context.Context) error { order = append(order, "ingest"); return nil })
	m.OnShutdown("workers", func(context.Context) error { order = append(order, "workers"); return errors.New("boom") })
	m.OnShutdown("slots", func(context.Context) error { order = append(order, "slots"); return nil })
	m.OnShutdown("panics", func(context.Context) error { panic("x") })
	m.OnShutdown("flush", func(context.Context) error { order = append(order, "flush"); return nil })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Shutdown(ctx)
	m.Shutdown(ctx) // 幂等

	require.Equal(t, []string{"ingest", "workers", "slots", "flush"}, order)
}

func TestManager_SkipsAfterTimeout(t *testing.T) {
	m := NewManager()
	ran := false
	ctx, cancel := context.WithCancel(context.Background())
	m.OnShutdown("first", func(context.Context) error { cancel(); return nil })
	m.OnShutdown("second", func(context.Context) error { ran = true; return nil })
	m.Shutdown(ctx)
	require.False(t, ran)
}

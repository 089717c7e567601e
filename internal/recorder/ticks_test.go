package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/betbot/krxtrader/internal/domain"
)

var t0 = time.Date(2026, 3, 2, 9, 30, 0, 0, domain.ExchangeLocation())

func readAll(t *testing.T, path string) []tickRecord {
	t.Helper()
	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(tickRecord), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	rows := make([]tickRecord, int(pr.GetNumRows()))
	require.NoError(t, pr.Read(&rows))
	return rows
}

func TestNew_DisabledWithoutDir(t *testing.T) {
	r, err := New("", "run", 0)
	require.NoError(t, err)
	assert.Nil(t, r)
	r.Record(domain.Tick{Code: "A"})
	r.Close()
}

func TestRecorder_OneFilePerDay(t *testing.T) {
	r, err := New(t.TempDir(), "r1", 64)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()

	r.Record(domain.Tick{Code: "005930", Price: 70000, Qty: 3, ChangePct: 2.5, AmountSum: 210000, Time: t0})
	r.Record(domain.Tick{Code: "005930", Price: 70100, Qty: 1, Time: t0.Add(time.Second)})
	r.Record(domain.Tick{Code: "000660", Price: 180000, Qty: 2, Time: t0.Add(24 * time.Hour)})
	r.Close()
	<-done

	files := r.Files()
	require.Len(t, files, 2)
	assert.Contains(t, files[0], "ticks_20260302_r1.parquet")
	assert.Contains(t, files[1], "ticks_20260303_r1.parquet")

	day1 := readAll(t, files[0])
	require.Len(t, day1, 2)
	assert.Equal(t, "005930", day1[0].Code)
	assert.Equal(t, int64(70000), day1[0].Price)
	assert.Equal(t, t0.UnixMilli(), day1[0].EventTime)
	assert.InDelta(t, 2.5, day1[0].ChangePct, 1e-9)

	day2 := readAll(t, files[1])
	require.Len(t, day2, 1)
	assert.Equal(t, int64(180000), day2[0].Price)

	// 关闭后忽略
	r.Record(domain.Tick{Code: "005930", Price: 1, Qty: 1, Time: t0})
}

func TestRecorder_CloseWithoutRun(t *testing.T) {
	r, err := New(t.TempDir(), "", 8)
	require.NoError(t, err)
	r.Record(domain.Tick{Code: "005930", Price: 70000, Qty: 1, Time: t0})
	r.Close()
	files := r.Files()
	require.Len(t, files, 1)
	assert.Len(t, readAll(t, files[0]), 1)
}

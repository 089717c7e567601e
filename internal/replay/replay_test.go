package replay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/krxtrader/internal/domain"
)

type captureSink struct {
	ticks  []domain.Tick
	quotes []domain.Quote
	vi     []domain.ViEvent
}

func (s *captureSink) IngestTick(t domain.Tick) bool {
	s.ticks = append(s.ticks, t)
	return t.Valid()
}
func (s *captureSink) IngestQuote(q domain.Quote) { s.quotes = append(s.quotes, q) }
func (s *captureSink) IngestVI(ev domain.ViEvent) { s.vi = append(s.vi, ev) }

const sample = `
# 注释行
{"type":"quote","code":"005930","bid":69900,"ask":70000,"bid_qty":120,"ask_qty":80}
{"type":"tick","code":"A005930","price":70000,"qty":10,"chg":1.2,"ts":"2026-03-05T09:00:01+09:00"}
not json
{"type":"tick","code":"005930","price":0,"qty":1,"ts":"2026-03-05T09:00:02+09:00"}
{"type":"vi","code":"005930","fired":true,"ts":"2026-03-05T09:00:03+09:00"}
{"type":"unknown"}
`

func TestPlay(t *testing.T) {
	sink := &captureSink{}
	var matched []string
	st, err := Play(context.Background(), strings.NewReader(sample), sink, Options{
		OnTick: func(t domain.Tick) { matched = append(matched, t.Code) },
	})
	require.NoError(t, err)
	assert.Equal(t, Stats{Ticks: 2, Accepted: 1, Quotes: 1, VI: 1, Skipped: 2}, st)

	require.Len(t, sink.ticks, 2)
	assert.Equal(t, 70_000, sink.ticks[0].Price)
	assert.Equal(t, 1.2, sink.ticks[0].ChangePct)
	assert.Equal(t, []string{"005930", "005930"}, matched)

	require.Len(t, sink.quotes, 1)
	assert.Equal(t, 80, sink.quotes[0].AskQty)
	require.Len(t, sink.vi, 1)
	assert.True(t, sink.vi[0].Fired)
}

func TestPlay_PacesAndStopsOnCancel(t *testing.T) {
	in := `{"type":"tick","code":"005930","price":1,"qty":1,"ts":"2026-03-05T09:00:00+09:00"}
{"type":"tick","code":"005930","price":1,"qty":1,"ts":"2026-03-05T09:10:00+09:00"}`
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	st, err := Play(ctx, strings.NewReader(in), &captureSink{}, Options{Speed: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, st.Ticks)
}

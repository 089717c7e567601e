package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/krxtrader/internal/domain"
	"github.com/betbot/krxtrader/internal/events"
	"github.com/betbot/krxtrader/internal/feed"
	"github.com/betbot/krxtrader/internal/journal"
	"github.com/betbot/krxtrader/internal/signal"
)

type fakeBackend struct{}

func (fakeBackend) Status() Status {
	return Status{Day: "20260302", DeepCount: 2, PendingOrders: 1, Realized: 545}
}

func (fakeBackend) Instrument(code string) Instrument {
	return Instrument{Code: code, HasOpenOrders: code == "005930", PositionQty: 3, IsDeepTier: true, Tier: domain.TierDeep}
}

func (fakeBackend) RankingTop(n int) []signal.Snapshot {
	out := []signal.Snapshot{
		{Code: "005930", ChangePct: 2.5, AmountSum: 123_456_000_000},
		{Code: "000660", ChangePct: -1.23, AmountSum: 98_700_000_000},
	}
	if n < len(out) {
		out = out[:n]
	}
	return out
}

func (fakeBackend) Hot(n int) []signal.Hot {
	out := []signal.Hot{{Code: "005930", Count: 42}, {Code: "000660", Count: 17}, {Code: "035720", Count: 9}, {Code: "051910", Count: 3}}
	if n < len(out) {
		out = out[:n]
	}
	return out
}

func (fakeBackend) Positions() []domain.Position {
	return []domain.Position{{Code: "005930", Qty: 3, AvgPrice: 70_000}}
}

func (fakeBackend) Pending() []domain.PendingOrder {
	return []domain.PendingOrder{{OrderID: "ORD-1", Code: "005930", Side: domain.SideBuy, Qty: 3, Price: 70_000}}
}

func (fakeBackend) Pools() []feed.PoolStats {
	return []feed.PoolStats{{Name: "light", Slots: 600, Capacity: 48_000}}
}

type fakeJournal struct{ gotCode string }

func (j *fakeJournal) Recent(_ context.Context, code string, limit int) ([]journal.Record, error) {
	j.gotCode = code
	return []journal.Record{{ID: 1, Kind: "status", Code: code, Line: "VI fired"}}, nil
}

func get(t *testing.T, h http.Handler, path string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	}
	return w.Code, body
}

func TestQueryRoutes(t *testing.T) {
	j := &fakeJournal{}
	h := New(fakeBackend{}, j, nil).Router()

	code, body := get(t, h, "/api/status")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "20260302", body["day"])
	assert.EqualValues(t, 545, body["realized"])

	code, body = get(t, h, "/api/instruments/A005930")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "005930", body["code"])
	assert.Equal(t, true, body["has_open_orders"])
	assert.Equal(t, true, body["is_deep_tier"])
	assert.EqualValues(t, 3, body["position_qty"])

	code, body = get(t, h, "/api/ranking?n=1")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 1)
	assert.True(t, strings.HasPrefix(body["text"].(string), "Top1 (By Turnover → Chg%): 1.005930"))

	code, body = get(t, h, "/api/hot")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["items"], 3)
	first := body["items"].([]any)[0].(map[string]any)
	assert.Equal(t, "005930", first["code"])
	assert.EqualValues(t, 42, first["count"])

	code, body = get(t, h, "/api/hot?n=1")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 1)

	code, body = get(t, h, "/api/positions")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["positions"], 1)

	code, body = get(t, h, "/api/pending")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["orders"], 1)

	code, body = get(t, h, "/api/pools")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["pools"], 1)

	code, body = get(t, h, "/api/journal?code=A000660&limit=5")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["events"], 1)
	assert.Equal(t, "000660", j.gotCode)

	code, _ = get(t, h, "/debug/vars")
	assert.Equal(t, http.StatusOK, code)
}

func TestJournalDisabled(t *testing.T) {
	h := New(fakeBackend{}, nil, nil).Router()
	code, _ := get(t, h, "/api/journal")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHub_BroadcastsStatusLines(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(New(fakeBackend{}, nil, hub).Router())
	defer srv.Close()

	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := hub.Attach(ctx, bus)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/status"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

	bus.Publish(events.IntentEmitted{Intent: domain.Intent{Code: "005930"}})
	bus.Publish(events.StatusLine{Code: "005930", Text: "VI fired 005930", Time: time.Now()})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg StatusMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "status", msg.Kind)
	assert.Equal(t, "VI fired 005930", msg.Text)

	cancel()
	<-done
	assert.Equal(t, 0, hub.Clients())
}

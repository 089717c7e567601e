package marketstate

import (
	"sync"
	"testing"
	"time"

	"github.com/betbot/krxtrader/internal/domain"
)

func TestQuoteBook_MergesPartialUpdates(t *testing.T) {
	b := NewQuoteBook()
	now := time.Unix(1_700_000_000, 0)

	b.UpdateQuote(domain.Quote{Code: "005930", BestBid: 70_000, BestAsk: 70_100, BidQty: 500, AskQty: 200, Time: now})
	b.ApplyTick(domain.Tick{Code: "005930", Price: 70_100, Qty: 3, ChangePct: 2.4, Time: now})

	q, ok := b.Get("005930")
	if !ok {
		t.Fatalf("quote missing")
	}
	if q.BestBid != 70_000 || q.AskQty != 200 || q.Last != 70_100 || q.ChangePct != 2.4 {
		t.Fatalf("unexpected merged quote: %+v", q)
	}
	if b.LastPrice("000660") != 0 {
		t.Fatalf("unknown code must return 0")
	}
}

func TestQuoteBook_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	b := NewQuoteBook()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 2000; i++ {
			// bid 和 ask 永远相差 100
			b.UpdateQuote(domain.Quote{Code: "X", BestBid: i * 100, BestAsk: i*100 + 100, Time: time.Unix(int64(i), 0)})
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if q, ok := b.Get("X"); ok && q.BestAsk-q.BestBid != 100 {
					t.Errorf("torn quote: %+v", q)
					return
				}
			}
		}()
	}
	wg.Wait()
}

// Package replay 从 JSONL 文件回放行情（成交/报价/VI），驱动纸交易和离线验证。
//
// 每行一个对象，type 为 tick / quote / vi：
//
//	{"type":"tick","code":"005930","price":70000,"qty":10,"chg":1.2,"bid":69900,"ask":70000,"ts":"2026-03-05T09:00:01+09:00"}
//	{"type":"quote","code":"005930","bid":69900,"ask":70000,"bid_qty":120,"ask_qty":80}
//	{"type":"vi","code":"005930","fired":true,"ts":"2026-03-05T09:03:00+09:00"}
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/krxtrader/internal/domain"
)

var replayLog = logrus.WithField("component", "replay")

// Sink 行情接收方
type Sink interface {
	IngestTick(t domain.Tick) bool
	IngestQuote(q domain.Quote)
	IngestVI(ev domain.ViEvent)
}

// Options 回放参数
type Options struct {
	// Speed 0 表示不等待；1 表示按原始时间间隔；2 表示两倍速
	Speed float64
	// OnTick 成交送入 Sink 之后调用（纸交易撮合）
	OnTick func(t domain.Tick)
	// Now 缺少 ts 的记录使用的时间
	Now func() time.Time
}

// Stats 回放统计
type Stats struct {
	Ticks    int
	Accepted int
	Quotes   int
	VI       int
	Skipped  int
}

type record struct {
	Type   string    `json:"type"`
	Code   string    `json:"code"`
	Price  int       `json:"price"`
	Qty    int       `json:"qty"`
	Chg    float64   `json:"chg"`
	Vol    int64     `json:"vol"`
	Amt    int64     `json:"amt"`
	Bid    int       `json:"bid"`
	Ask    int       `json:"ask"`
	BidQty int       `json:"bid_qty"`
	AskQty int       `json:"ask_qty"`
	Last   int       `json:"last"`
	Fired  bool      `json:"fired"`
	TS     time.Time `json:"ts"`
}

// Play 逐行回放直到 EOF 或 ctx 结束；格式错误的行跳过并计数
func Play(ctx context.Context, r io.Reader, sink Sink, opts Options) (Stats, error) {
	var st Stats
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var prev time.Time
	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return st, err
		}
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			st.Skipped++
			replayLog.Debugf("第 %d 行解析失败: %v", line, err)
			continue
		}
		ts := rec.TS
		if ts.IsZero() {
			ts = now()
		}
		if err := pace(ctx, opts.Speed, prev, ts); err != nil {
			return st, err
		}
		if !rec.TS.IsZero() {
			prev = rec.TS
		}

		switch rec.Type {
		case "tick":
			t := domain.Tick{
				Code:      rec.Code,
				Price:     rec.Price,
				Qty:       rec.Qty,
				ChangePct: rec.Chg,
				VolumeSum: rec.Vol,
				AmountSum: rec.Amt,
				BestBid:   rec.Bid,
				BestAsk:   rec.Ask,
				Time:      ts,
			}
			st.Ticks++
			if sink.IngestTick(t) {
				st.Accepted++
			}
			if opts.OnTick != nil {
				t.Code = domain.NormalizeCode(t.Code)
				opts.OnTick(t)
			}
		case "quote":
			st.Quotes++
			sink.IngestQuote(domain.Quote{
				Code:      rec.Code,
				BestBid:   rec.Bid,
				BestAsk:   rec.Ask,
				BidQty:    rec.BidQty,
				AskQty:    rec.AskQty,
				ChangePct: rec.Chg,
				Last:      rec.Last,
				Time:      ts,
			})
		case "vi":
			st.VI++
			sink.IngestVI(domain.ViEvent{Code: rec.Code, Fired: rec.Fired, Time: ts})
		default:
			st.Skipped++
		}
	}
	if err := sc.Err(); err != nil {
		return st, errors.Wrapf(err, "replay: read line %d", line+1)
	}
	return st, nil
}

func pace(ctx context.Context, speed float64, prev, cur time.Time) error {
	if speed <= 0 || prev.IsZero() || !cur.After(prev) {
		return nil
	}
	wait := time.Duration(float64(cur.Sub(prev)) / speed)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Package notify 把关键状态行推送到外部 webhook（如聊天机器人）。
package notify

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/betbot/krxtrader/internal/events"
)

var notifyLog = logrus.WithField("component", "notify")

// Config webhook 参数
type Config struct {
	URL        string
	RatePerSec float64
	Burst      int
	Timeout    time.Duration
	Buffer     int
}

// Message 推送体
type Message struct {
	Kind string    `json:"kind"`
	Code string    `json:"code,omitempty"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// Webhook 订阅总线，限速后逐条 POST
type Webhook struct {
	cfg     Config
	client  *resty.Client
	limiter *rate.Limiter
}

// NewWebhook 创建推送器；URL 为空时返回 nil
func NewWebhook(cfg Config) *Webhook {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json")
	return &Webhook{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}
}

// Wanted 需要推送的事件：状态行、止损和拒单
func Wanted(ev events.Event) bool {
	switch e := ev.(type) {
	case events.StatusLine:
		return true
	case events.OrderEvent:
		return e.Action == events.ActionStopLoss || e.Action == events.ActionStopDone || e.Action == events.ActionRejected
	}
	return false
}

// Send 推送一条消息（受限速约束，阻塞到拿到令牌）
func (w *Webhook) Send(ctx context.Context, msg Message) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter wait")
	}
	resp, err := w.client.R().SetContext(ctx).SetBody(msg).Post(w.cfg.URL)
	if err != nil {
		return errors.Wrap(err, "post webhook")
	}
	if resp.IsError() {
		return errors.Errorf("webhook status %d", resp.StatusCode())
	}
	return nil
}

// Attach 订阅总线，后台推送直到 ctx 结束或总线关闭
func (w *Webhook) Attach(ctx context.Context, bus *events.Bus) <-chan struct{} {
	done := make(chan struct{})
	if w == nil {
		close(done)
		return done
	}
	ch, unsubscribe := bus.Subscribe("notify", w.cfg.Buffer)
	go func() {
		defer close(done)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if !Wanted(ev) {
					continue
				}
				msg := Message{Kind: string(ev.EventKind()), Code: ev.EventCode(), Text: ev.Line(), Time: ev.EventTime()}
				if err := w.Send(ctx, msg); err != nil && ctx.Err() == nil {
					notifyLog.Warnf("推送失败: %v", err)
				}
			}
		}
	}()
	return done
}

package events

import (
	"fmt"
	"time"

	"github.com/betbot/krxtrader/internal/domain"
)

// Kind 事件类型
type Kind string

const (
	KindStatus Kind = "status"
	KindIntent Kind = "intent"
	KindOrder  Kind = "order"
	KindTier   Kind = "tier"
	KindFill   Kind = "fill"
)

// Event 总线上传递的事件
type Event interface {
	EventKind() Kind
	EventTime() time.Time
	EventCode() string
	// Line 人类可读的一行状态
	Line() string
}

// StatusLine 状态行（显示/持久化用）
type StatusLine struct {
	Code string
	Text string
	Time time.Time
}

func (e StatusLine) EventKind() Kind      { return KindStatus }
func (e StatusLine) EventTime() time.Time { return e.Time }
func (e StatusLine) EventCode() string    { return e.Code }
func (e StatusLine) Line() string         { return e.Text }

// IntentEmitted 信号引擎产生的交易意图
type IntentEmitted struct {
	Intent domain.Intent
}

func (e IntentEmitted) EventKind() Kind      { return KindIntent }
func (e IntentEmitted) EventTime() time.Time { return e.Intent.Time }
func (e IntentEmitted) EventCode() string    { return e.Intent.Code }
func (e IntentEmitted) Line() string {
	return fmt.Sprintf("[%s] %s %s @%d (%s)", e.Intent.Source, e.Intent.Side, e.Intent.Code, e.Intent.Price, e.Intent.Reason)
}

// OrderAction 订单动作
type OrderAction string

const (
	ActionSubmit    OrderAction = "submit"
	ActionCancel    OrderAction = "cancel"
	ActionChase     OrderAction = "chase"
	ActionReprice   OrderAction = "reprice"
	ActionStopLoss  OrderAction = "stop_loss"
	ActionStopDone  OrderAction = "stop_done"
	ActionRejected  OrderAction = "rejected"
	ActionThrottled OrderAction = "throttled"
)

// OrderEvent 订单生命周期事件
type OrderEvent struct {
	Action  OrderAction
	OrderID string
	Code    string
	Side    domain.Side
	Kind    domain.OrderKind
	Qty     int
	Price   int
	Retry   int
	Reason  string
	Time    time.Time
}

func (e OrderEvent) EventKind() Kind      { return KindOrder }
func (e OrderEvent) EventTime() time.Time { return e.Time }
func (e OrderEvent) EventCode() string    { return e.Code }
func (e OrderEvent) Line() string {
	s := fmt.Sprintf("%s %s %s %s %d@%d", e.Action, e.Kind, e.Code, e.OrderID, e.Qty, e.Price)
	if e.Retry > 0 {
		s += fmt.Sprintf(" retry=%d", e.Retry)
	}
	if e.Reason != "" {
		s += " (" + e.Reason + ")"
	}
	return s
}

// TierChanged 层级变化
type TierChanged struct {
	Code   string
	From   domain.Tier
	To     domain.Tier
	Reason string
	Time   time.Time
}

func (e TierChanged) EventKind() Kind      { return KindTier }
func (e TierChanged) EventTime() time.Time { return e.Time }
func (e TierChanged) EventCode() string    { return e.Code }
func (e TierChanged) Line() string {
	return fmt.Sprintf("%s %s -> %s (%s)", e.Code, e.From, e.To, e.Reason)
}

// FillEvent 成交回报
type FillEvent struct {
	Fill        domain.Fill
	PositionQty int
	RealizedPnL int64
}

func (e FillEvent) EventKind() Kind      { return KindFill }
func (e FillEvent) EventTime() time.Time { return e.Fill.Time }
func (e FillEvent) EventCode() string    { return e.Fill.Code }
func (e FillEvent) Line() string {
	f := e.Fill
	if f.Canceled {
		return fmt.Sprintf("CANCELED %s %s remain=%d", f.Code, f.OrderID, f.Remaining)
	}
	return fmt.Sprintf("FILL %s %s %d@%d remain=%d pos=%d pnl=%d", f.Side, f.Code, f.FilledQty, f.Price, f.Remaining, e.PositionQty, e.RealizedPnL)
}

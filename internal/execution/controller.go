// Package execution 订单生命周期：买入准入、挂单扫描（超时追单 / 逐档降价 / 止损重试）、
// 止损触发和成交回报处理。
//
// 所有网关调用都经过全局限速器；被限速的请求直接丢弃并记录，不排队。
// 网关失败时状态保持不变，留给下一轮扫描。
package execution

import (
	"context"
	"expvar"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/krxtrader/internal/domain"
	"github.com/betbot/krxtrader/internal/events"
	"github.com/betbot/krxtrader/internal/gateway"
	"github.com/betbot/krxtrader/internal/tiering"
	"github.com/betbot/krxtrader/pkg/marketmath"
)

var execLog = logrus.WithField("component", "execution")

var execStats = expvar.NewMap("execution")

var (
	ErrAlreadyBought = errors.New("execution: already bought in this deep session")
	ErrHolding       = errors.New("execution: open order or position exists")
	ErrTrendNotUp    = errors.New("execution: trend not up")
	ErrBlacklisted   = errors.New("execution: stop-loss blacklisted today")
	ErrRebuyGuard    = errors.New("execution: re-buy guard")
	ErrThrottled     = errors.New("execution: rate limited")
	ErrZeroQty       = errors.New("execution: resolved quantity is zero")
	ErrNoPrice       = errors.New("execution: no price")
	ErrNoPosition    = errors.New("execution: no position")
)

// Positions 持仓账本
type Positions interface {
	ApplyFill(f domain.Fill) (domain.Position, int64)
	PositionQty(code string) int
	Position(code string) (domain.Position, bool)
}

// Quotes 最新报价
type Quotes interface {
	Get(code string) (domain.Quote, bool)
	LastPrice(code string) int
}

// Tiers 层级状态（买入标记 / DEEP 基准价）
type Tiers interface {
	MarkBought(code string) bool
	Bought(code string) bool
	ClearBought(code string)
	State(code string) (tiering.State, bool)
}

// Trend 趋势判断
type Trend interface {
	IsUp(code string) bool
}

// Limiter 全局限速
type Limiter interface {
	TryAcquire() bool
}

// Breaker 熔断器
type Breaker interface {
	AllowTrading() error
	OnSuccess()
	OnError()
	AddPnL(delta int64)
}

// Blacklist 当日止损黑名单
type Blacklist interface {
	Add(code string, now time.Time)
	Blocked(code string, now time.Time) bool
}

// Config 生命周期参数
type Config struct {
	Account             string          `yaml:"account"`
	BuyTimeout          time.Duration   `yaml:"buy_timeout"`
	StopLossRetry       time.Duration   `yaml:"stop_loss_retry"`
	ReorderDelay        time.Duration   `yaml:"reorder_delay"`
	MaxSellRetries      int             `yaml:"max_sell_retries"`
	ScanInterval        time.Duration   `yaml:"scan_interval"`
	SellOffsetTicks     int             `yaml:"sell_offset_ticks"`
	StopLossPct         float64         `yaml:"stop_loss_pct"`
	RebuyGuardDownTicks int             `yaml:"rebuy_guard_down_ticks"`
	RequireTrendUp      bool            `yaml:"require_trend_up"`
	Sizing              Sizing          `yaml:"sizing"`
	Fees                marketmath.Fees `yaml:"-"`
	VI                  VIConfig        `yaml:"vi"`
	InFlightTTL         time.Duration   `yaml:"inflight_ttl"`
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		BuyTimeout:          3 * time.Second,
		StopLossRetry:       time.Second,
		ReorderDelay:        3 * time.Second,
		MaxSellRetries:      2,
		ScanInterval:        500 * time.Millisecond,
		SellOffsetTicks:     3,
		StopLossPct:         0.012,
		RebuyGuardDownTicks: 8,
		RequireTrendUp:      true,
		Sizing:              Sizing{DefaultQty: 10, CashSizing: true, TargetAmount: 400_000, MinQty: 1, MaxQty: 30, LotSize: 1},
		Fees:                marketmath.DefaultFees,
		VI:                  DefaultVIConfig(),
		InFlightTTL:         2 * time.Second,
	}
}

// Deps 协作组件；Tiers / Trend / Breaker / Blacklist 可为空
type Deps struct {
	Port      gateway.Port
	Limiter   Limiter
	Positions Positions
	Quotes    Quotes
	Tiers     Tiers
	Trend     Trend
	Breaker   Breaker
	Blacklist Blacklist
	Bus       events.Publisher
	Now       func() time.Time
}

// Controller 订单生命周期控制器
type Controller struct {
	cfg  Config
	deps Deps
	now  func() time.Time
	bus  events.Publisher

	book     *PendingBook
	vi       *VIGuard
	inflight *InFlightDeduper
}

// New 创建控制器
func New(cfg Config, deps Deps) *Controller {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	bus := deps.Bus
	if bus == nil {
		bus = events.Nop{}
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 500 * time.Millisecond
	}
	return &Controller{
		cfg:      cfg,
		deps:     deps,
		now:      deps.Now,
		bus:      bus,
		book:     NewPendingBook(),
		vi:       NewVIGuard(cfg.VI, cfg.Fees, deps.Now),
		inflight: NewInFlightDeduper(cfg.InFlightTTL, 16, deps.Now),
	}
}

// Book 挂单簿
func (c *Controller) Book() *PendingBook { return c.book }

// VI 保护
func (c *Controller) VI() *VIGuard { return c.vi }

// Config 生效参数
func (c *Controller) Config() Config { return c.cfg }

// HasOpenOrders 标的是否有挂单
func (c *Controller) HasOpenOrders(code string) bool { return c.book.HasOpen(code) }

// HandleIntent 意图入口：买入走准入链，卖出（动量高点）挂持仓数量的限价卖单
func (c *Controller) HandleIntent(ctx context.Context, in domain.Intent) error {
	switch in.Side {
	case domain.SideBuy:
		_, err := c.TryBuy(ctx, in)
		return err
	case domain.SideSell:
		return c.trySell(ctx, in)
	}
	return fmt.Errorf("execution: unknown side %q", in.Side)
}

func (c *Controller) blocked(reason string, code string, err error) error {
	execStats.Add("blocked."+reason, 1)
	execLog.Debugf("%s 买入被拦截 [%s]: %v", code, reason, err)
	return err
}

// TryBuy 准入顺序：买入标记 → 趋势 → 黑名单 → 熔断 → VI → 再买保护 → 数量 → 限速 → 下单
func (c *Controller) TryBuy(ctx context.Context, in domain.Intent) (domain.PendingOrder, error) {
	code := in.Code
	now := c.now()

	key := "buy:" + code
	if err := c.inflight.TryAcquire(key); err != nil {
		return domain.PendingOrder{}, c.blocked("inflight", code, err)
	}
	defer c.inflight.Release(key)

	if c.deps.Tiers != nil && c.deps.Tiers.Bought(code) {
		return domain.PendingOrder{}, c.blocked("bought", code, ErrAlreadyBought)
	}
	if c.book.HasOpen(code) || c.deps.Positions.PositionQty(code) > 0 {
		return domain.PendingOrder{}, c.blocked("holding", code, ErrHolding)
	}
	if c.cfg.RequireTrendUp && c.deps.Trend != nil && !c.deps.Trend.IsUp(code) {
		return domain.PendingOrder{}, c.blocked("trend", code, ErrTrendNotUp)
	}
	if c.deps.Blacklist != nil && c.deps.Blacklist.Blocked(code, now) {
		return domain.PendingOrder{}, c.blocked("blacklist", code, ErrBlacklisted)
	}
	if c.deps.Breaker != nil {
		if err := c.deps.Breaker.AllowTrading(); err != nil {
			return domain.PendingOrder{}, c.blocked("breaker", code, err)
		}
	}

	q, _ := c.deps.Quotes.Get(code)
	price := in.Price
	if price <= 0 {
		price = q.BestAsk
	}
	if price <= 0 {
		price = c.deps.Quotes.LastPrice(code)
	}
	if price <= 0 {
		return domain.PendingOrder{}, c.blocked("price", code, ErrNoPrice)
	}
	qty := in.Qty
	if qty <= 0 {
		qty = ResolveQty(c.cfg.Sizing, price)
	}

	base := c.deps.Quotes.LastPrice(code)
	if c.deps.Tiers != nil {
		if st, ok := c.deps.Tiers.State(code); ok && st.BaselinePrice > 0 {
			base = st.BaselinePrice
		}
	}
	if base <= 0 {
		base = price
	}
	if err := c.vi.Check(code, price, max(qty, 1), base, q); err != nil {
		return domain.PendingOrder{}, c.blocked("vi", code, err)
	}
	if pos, ok := c.deps.Positions.Position(code); ok && RebuyBlocked(pos, price, now, c.cfg.RebuyGuardDownTicks) {
		return domain.PendingOrder{}, c.blocked("rebuy", code, errors.Wrapf(ErrRebuyGuard, "last buy %d today, price %d", pos.LastBuyPrice, price))
	}
	if qty <= 0 {
		return domain.PendingOrder{}, c.blocked("qty", code, ErrZeroQty)
	}

	ack, err := c.submit(ctx, domain.KindLimitBuy, code, qty, price, string(in.Source))
	if err != nil {
		return domain.PendingOrder{}, err
	}
	po := domain.PendingOrder{
		OrderID:    ack.OrderID,
		Code:       code,
		Side:       domain.SideBuy,
		Kind:       domain.KindLimitBuy,
		Qty:        qty,
		Price:      price,
		RefPrice:   price,
		AcceptedAt: now,
	}
	c.book.Add(po)
	if c.deps.Tiers != nil {
		c.deps.Tiers.MarkBought(code)
	}
	c.publishOrder(events.ActionSubmit, po, in.Reason)
	return po, nil
}

func (c *Controller) trySell(ctx context.Context, in domain.Intent) error {
	code := in.Code
	key := "sell:" + code
	if err := c.inflight.TryAcquire(key); err != nil {
		return err
	}
	defer c.inflight.Release(key)

	pos, ok := c.deps.Positions.Position(code)
	if !ok || pos.Qty <= 0 {
		return ErrNoPosition
	}
	if len(c.book.BySide(code, domain.SideSell)) > 0 {
		return ErrHolding
	}
	price := max(in.Price, c.cfg.Fees.BreakEvenPrice(pos.AvgPrice))
	ack, err := c.submit(ctx, domain.KindLimitSell, code, pos.Qty, price, string(in.Source))
	if err != nil {
		return err
	}
	po := domain.PendingOrder{
		OrderID:    ack.OrderID,
		Code:       code,
		Side:       domain.SideSell,
		Kind:       domain.KindLimitSell,
		Qty:        pos.Qty,
		Price:      price,
		RefPrice:   in.Price,
		AcceptedAt: c.now(),
	}
	c.book.Add(po)
	c.publishOrder(events.ActionSubmit, po, in.Reason)
	return nil
}

// submit 限速 → 网关下单
func (c *Controller) submit(ctx context.Context, kind domain.OrderKind, code string, qty, price int, tag string) (gateway.Ack, error) {
	if c.deps.Limiter != nil && !c.deps.Limiter.TryAcquire() {
		execStats.Add("throttled", 1)
		execLog.Warnf("%s %s %d@%d 被限速丢弃", kind, code, qty, price)
		c.bus.Publish(events.OrderEvent{Action: events.ActionThrottled, Code: code, Side: kind.Side(), Kind: kind, Qty: qty, Price: price, Time: c.now()})
		return gateway.Ack{}, ErrThrottled
	}
	ack, err := c.deps.Port.SubmitOrder(ctx, gateway.OrderRequest{
		Kind:    kind,
		Account: c.cfg.Account,
		Code:    code,
		Qty:     qty,
		Price:   price,
		Tag:     tag,
	})
	if err != nil {
		c.onGatewayError()
		execLog.Errorf("%s %s %d@%d 失败: %v", kind, code, qty, price, err)
		c.bus.Publish(events.OrderEvent{Action: events.ActionRejected, Code: code, Side: kind.Side(), Kind: kind, Qty: qty, Price: price, Reason: err.Error(), Time: c.now()})
		return gateway.Ack{}, errors.Wrapf(err, "%s %s", kind, code)
	}
	c.onGatewaySuccess()
	execStats.Add("submitted", 1)
	return ack, nil
}

// cancel 调用前必须已通过 MarkCancelRequested；失败时复位标记
func (c *Controller) cancel(ctx context.Context, o domain.PendingOrder, reason string) bool {
	if c.deps.Limiter != nil && !c.deps.Limiter.TryAcquire() {
		c.book.ResetCancelRequested(o.OrderID)
		execStats.Add("throttled", 1)
		execLog.Warnf("撤单 %s 被限速，下轮重试", o.OrderID)
		return false
	}
	_, err := c.deps.Port.SubmitOrder(ctx, gateway.OrderRequest{
		Kind:        domain.KindCancel,
		Account:     c.cfg.Account,
		Code:        o.Code,
		Qty:         o.Remaining(),
		OrigOrderID: o.OrderID,
		Tag:         reason,
	})
	if err != nil {
		c.book.ResetCancelRequested(o.OrderID)
		c.onGatewayError()
		execLog.Errorf("撤单 %s 失败: %v", o.OrderID, err)
		return false
	}
	c.onGatewaySuccess()
	execStats.Add("canceled", 1)
	c.publishOrder(events.ActionCancel, o, reason)
	return true
}

func (c *Controller) onGatewayError() {
	execStats.Add("gateway_errors", 1)
	if c.deps.Breaker != nil {
		c.deps.Breaker.OnError()
	}
}

func (c *Controller) onGatewaySuccess() {
	if c.deps.Breaker != nil {
		c.deps.Breaker.OnSuccess()
	}
}

// Scan 检查所有挂单；返回本轮采取动作的订单数
func (c *Controller) Scan(ctx context.Context, now time.Time) int {
	acted := 0
	for _, o := range c.book.Snapshot() {
		if o.CancelRequested {
			continue
		}
		age := o.Age(now)
		switch {
		case o.Unplaced:
			if c.book.MarkCancelRequested(o.OrderID) {
				c.resubmit(ctx, o, now)
				acted++
			}
		case o.Side == domain.SideBuy:
			if age >= c.cfg.BuyTimeout && c.book.MarkCancelRequested(o.OrderID) {
				c.chaseBuy(ctx, o, now)
				acted++
			}
		case o.IsStopLoss:
			if age >= c.cfg.StopLossRetry && c.book.MarkCancelRequested(o.OrderID) {
				c.retryStopLoss(ctx, o, now)
				acted++
			}
		default:
			if age >= c.cfg.ReorderDelay && o.RetryCount < c.cfg.MaxSellRetries && c.book.MarkCancelRequested(o.OrderID) {
				c.stepDown(ctx, o, now)
				acted++
			}
		}
	}
	return acted
}

// chaseBuy 超时买单：撤单一次 → 市价追入 → 目标价上方 N 档挂卖
func (c *Controller) chaseBuy(ctx context.Context, o domain.PendingOrder, now time.Time) {
	if !c.cancel(ctx, o, "buy_timeout") {
		return
	}
	cur, ok := c.book.Take(o.OrderID)
	if !ok {
		return
	}
	qty := cur.Remaining()
	if qty <= 0 {
		return
	}
	ack, err := c.submit(ctx, domain.KindMarketBuy, o.Code, qty, 0, "chase")
	if err != nil {
		return
	}
	c.publishOrder(events.ActionChase, domain.PendingOrder{OrderID: ack.OrderID, Code: o.Code, Side: domain.SideBuy, Kind: domain.KindMarketBuy, Qty: qty}, "")

	last := c.deps.Quotes.LastPrice(o.Code)
	if last <= 0 {
		last = o.Price
	}
	target := c.cfg.Fees.NetTargetPrice(last)
	sellPx := marketmath.StepUp(target, c.cfg.SellOffsetTicks)
	sell := domain.PendingOrder{
		Code:       o.Code,
		Side:       domain.SideSell,
		Kind:       domain.KindLimitSell,
		Qty:        qty,
		Price:      sellPx,
		RefPrice:   target,
		AcceptedAt: now,
	}
	sack, err := c.submit(ctx, domain.KindLimitSell, o.Code, qty, sellPx, "chase_sell")
	if err != nil {
		c.park(sell, now)
		return
	}
	sell.OrderID = sack.OrderID
	c.book.Add(sell)
	c.publishOrder(events.ActionSubmit, sell, "target")
}

// stepDown 普通卖单：撤单后降一档重挂，重试次数加一
func (c *Controller) stepDown(ctx context.Context, o domain.PendingOrder, now time.Time) {
	if !c.cancel(ctx, o, "reprice") {
		return
	}
	cur, ok := c.book.Take(o.OrderID)
	if !ok {
		return
	}
	qty := cur.Remaining()
	if qty <= 0 {
		return
	}
	px := marketmath.StepDown(o.Price, 1)
	next := domain.PendingOrder{
		OrderID:    o.OrderID,
		Code:       o.Code,
		Side:       domain.SideSell,
		Kind:       domain.KindLimitSell,
		Qty:        qty,
		Price:      px,
		RefPrice:   o.RefPrice,
		AcceptedAt: now,
		RetryCount: o.RetryCount + 1,
	}
	ack, err := c.submit(ctx, domain.KindLimitSell, o.Code, qty, px, "reprice")
	if err != nil {
		c.park(next, now)
		return
	}
	next.OrderID = ack.OrderID
	c.book.Add(next)
	c.publishOrder(events.ActionReprice, next, "")
}

// retryStopLoss 止损卖单：撤单后按账本数量市价重发，没有次数上限
func (c *Controller) retryStopLoss(ctx context.Context, o domain.PendingOrder, now time.Time) {
	key := "stop:" + o.Code
	if err := c.inflight.TryAcquire(key); err != nil {
		c.book.ResetCancelRequested(o.OrderID)
		return
	}
	defer c.inflight.Release(key)
	if !c.cancel(ctx, o, "stop_loss_retry") {
		return
	}
	if _, ok := c.book.Take(o.OrderID); !ok {
		return
	}
	qty := c.deps.Positions.PositionQty(o.Code)
	if qty <= 0 {
		c.publishOrder(events.ActionStopDone, o, "")
		c.bus.Publish(events.StatusLine{Code: o.Code, Text: "STOP-DONE " + o.Code, Time: now})
		return
	}
	next := domain.PendingOrder{
		OrderID:    o.OrderID,
		Code:       o.Code,
		Side:       domain.SideSell,
		Kind:       domain.KindMarketSell,
		Qty:        qty,
		RefPrice:   o.RefPrice,
		AcceptedAt: now,
		RetryCount: o.RetryCount + 1,
		IsStopLoss: true,
	}
	ack, err := c.submit(ctx, domain.KindMarketSell, o.Code, qty, 0, "stop_loss_retry")
	if err != nil {
		c.park(next, now)
		return
	}
	next.OrderID = ack.OrderID
	c.book.Add(next)
	c.publishOrder(events.ActionStopLoss, next, "retry")
}

// park 替换单未被受理（网关失败或限速）：记一笔占位挂单，下一轮扫描直接重发
func (c *Controller) park(o domain.PendingOrder, now time.Time) {
	if !o.Unplaced {
		if o.OrderID != "" {
			o.OrderID = "unplaced:" + o.OrderID
		} else {
			o.OrderID = "unplaced:" + o.Code + ":" + string(o.Kind)
		}
	}
	o.Unplaced = true
	o.CancelRequested = false
	o.Status = domain.OrderStatusPending
	o.FilledQty = 0
	o.AcceptedAt = now
	c.book.Add(o)
	execStats.Add("parked", 1)
	execLog.Warnf("%s %s %d 未受理，下轮扫描重发", o.Code, o.Kind, o.Qty)
}

// resubmit 重发占位挂单；卖单数量不超过账本持仓
func (c *Controller) resubmit(ctx context.Context, o domain.PendingOrder, now time.Time) {
	if o.IsStopLoss {
		key := "stop:" + o.Code
		if err := c.inflight.TryAcquire(key); err != nil {
			c.book.ResetCancelRequested(o.OrderID)
			return
		}
		defer c.inflight.Release(key)
	}
	qty := o.Qty
	if o.Side == domain.SideSell {
		held := c.deps.Positions.PositionQty(o.Code)
		switch {
		case o.IsStopLoss && held <= 0:
			c.book.Remove(o.OrderID)
			c.publishOrder(events.ActionStopDone, o, "")
			c.bus.Publish(events.StatusLine{Code: o.Code, Text: "STOP-DONE " + o.Code, Time: now})
			return
		case o.IsStopLoss:
			qty = held
		case held <= 0:
			// 追单的买入回报可能还没到
			if o.Age(now) < c.cfg.BuyTimeout {
				c.book.ResetCancelRequested(o.OrderID)
				return
			}
			c.book.Remove(o.OrderID)
			return
		default:
			qty = min(qty, held)
		}
	}
	ack, err := c.submit(ctx, o.Kind, o.Code, qty, o.Price, "resubmit")
	if err != nil {
		c.book.ResetCancelRequested(o.OrderID)
		return
	}
	c.book.Remove(o.OrderID)
	next := o
	next.OrderID = ack.OrderID
	next.Qty = qty
	next.Unplaced = false
	next.CancelRequested = false
	next.Status = ""
	next.FilledQty = 0
	next.AcceptedAt = now
	c.book.Add(next)
	action := events.ActionReprice
	if o.IsStopLoss {
		action = events.ActionStopLoss
	}
	c.publishOrder(action, next, "resubmit")
}

// StopLossTrigger 止损触发价 floor(avg*(1-pct))
func StopLossTrigger(avg int, pct float64) int {
	if avg <= 0 {
		return 0
	}
	return int(math.Floor(float64(avg) * (1 - pct)))
}

// CheckStopLoss 持仓标的的每笔成交都检查一次；触发时撤掉该标的其余挂单并市价卖出
func (c *Controller) CheckStopLoss(ctx context.Context, code string, price int, now time.Time) bool {
	if price <= 0 || c.cfg.StopLossPct <= 0 {
		return false
	}
	pos, ok := c.deps.Positions.Position(code)
	if !ok || pos.Qty <= 0 || pos.AvgPrice <= 0 {
		return false
	}
	trigger := StopLossTrigger(pos.AvgPrice, c.cfg.StopLossPct)
	if price > trigger {
		return false
	}
	key := "stop:" + code
	if err := c.inflight.TryAcquire(key); err != nil {
		return false
	}
	defer c.inflight.Release(key)
	for _, o := range c.book.BySide(code, domain.SideSell) {
		if o.IsStopLoss {
			return false
		}
	}

	for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
		for _, o := range c.book.BySide(code, side) {
			if o.Unplaced {
				c.book.Remove(o.OrderID)
				continue
			}
			if c.book.MarkCancelRequested(o.OrderID) && c.cancel(ctx, o, "stop_loss") {
				c.book.Remove(o.OrderID)
			}
		}
	}

	if c.deps.Blacklist != nil {
		c.deps.Blacklist.Add(code, now)
	}
	if c.deps.Tiers != nil {
		c.deps.Tiers.ClearBought(code)
	}
	execLog.Warnf("%s 触发止损: price=%d avg=%d trigger=%d qty=%d", code, price, pos.AvgPrice, trigger, pos.Qty)

	po := domain.PendingOrder{
		Code:       code,
		Side:       domain.SideSell,
		Kind:       domain.KindMarketSell,
		Qty:        pos.Qty,
		RefPrice:   price,
		AcceptedAt: now,
		IsStopLoss: true,
	}
	ack, err := c.submit(ctx, domain.KindMarketSell, code, pos.Qty, 0, "stop_loss")
	if err != nil {
		c.park(po, now)
		return true
	}
	po.OrderID = ack.OrderID
	c.book.Add(po)
	c.publishOrder(events.ActionStopLoss, po, fmt.Sprintf("avg=%d trigger=%d", pos.AvgPrice, trigger))
	return true
}

// OnFill 成交/撤单回报
func (c *Controller) OnFill(f domain.Fill) domain.Position {
	pos, delta := c.deps.Positions.ApplyFill(f)
	if delta != 0 && c.deps.Breaker != nil {
		c.deps.Breaker.AddPnL(delta)
	}
	switch {
	case f.Canceled:
		c.book.Remove(f.OrderID)
	default:
		c.book.ApplyFill(f.OrderID, f.FilledQty)
		if f.Terminal() {
			c.book.Remove(f.OrderID)
			if f.Side == domain.SideBuy {
				if n := c.book.RemoveSide(f.Code, domain.SideBuy, ""); n > 0 {
					execLog.Infof("%s 买入成交，清理 %d 笔残留买单", f.Code, n)
				}
			}
		}
	}
	c.bus.Publish(events.FillEvent{Fill: f, PositionQty: pos.Qty, RealizedPnL: pos.RealizedPnL})
	return pos
}

// OnViEvent VI 发动/解除
func (c *Controller) OnViEvent(ev domain.ViEvent) {
	c.vi.OnEvent(ev)
	state := "released"
	if ev.Fired {
		state = "fired"
	}
	c.bus.Publish(events.StatusLine{Code: ev.Code, Text: fmt.Sprintf("VI %s %s", state, ev.Code), Time: ev.Time})
}

// Run 按 ScanInterval 周期扫描，直到 ctx 结束
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Scan(ctx, c.now())
		}
	}
}

func (c *Controller) publishOrder(action events.OrderAction, o domain.PendingOrder, reason string) {
	c.bus.Publish(events.OrderEvent{
		Action:  action,
		OrderID: o.OrderID,
		Code:    o.Code,
		Side:    o.Side,
		Kind:    o.Kind,
		Qty:     o.Qty,
		Price:   o.Price,
		Retry:   o.RetryCount,
		Reason:  reason,
		Time:    c.now(),
	})
}

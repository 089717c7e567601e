// Package tiering 管理标的在 LIGHT / DEEP 两级行情观测之间的升降级。
//
// DEEP 订阅昂贵且容量有限：标的由信号触发升级，空闲或质量不达标时降级；
// 有挂单或持仓的标的被"钉住"，空闲扫描不会将其降级。
package tiering

import (
	"context"
	"expvar"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/krxtrader/internal/domain"
	"github.com/betbot/krxtrader/internal/events"
)

var tierLog = logrus.WithField("component", "tiering")

var (
	promotions   = expvar.NewInt("tiering_promotions")
	demotions    = expvar.NewInt("tiering_demotions")
	watchdogHits = expvar.NewInt("tiering_watchdog_rearms")
	skipped      = expvar.NewInt("tiering_promotions_skipped")
)

// ErrDeepFull DEEP 数量达到上限
var ErrDeepFull = errors.New("tiering: deep tier is full")

// Registrar 槽位分配器的调用面
type Registrar interface {
	Register(ctx context.Context, pool, code, fields string) (int, error)
	Unregister(ctx context.Context, pool, code string) error
	Lookup(pool, code string) (int, bool)
}

// PinSource 钉住规则的数据来源（挂单 / 持仓）
type PinSource interface {
	HasOpenOrders(code string) bool
	PositionQty(code string) int
}

// Config 升降级参数
type Config struct {
	LightPool   string
	DeepPool    string
	LightFields string
	DeepFields  string

	IdleDemote           time.Duration
	SweepInterval        time.Duration
	GraceBeforeDowngrade time.Duration
	WatchdogNoTick       time.Duration
	ObserveAll           bool
	MaxDeep              int

	PromoteWindow    time.Duration
	PromoteMinQty    int
	PromoteMinChgPct float64
	DemoteChgPct     float64
	MinDeepHold      time.Duration
	PromoteTopK      int
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		LightPool:            "light",
		DeepPool:             "deep",
		LightFields:          "10;12;13;14;20;228",
		DeepFields:           "10;12;13;20;27;28;41;61;71;81;121;122",
		IdleDemote:           5 * time.Second,
		SweepInterval:        time.Second,
		GraceBeforeDowngrade: 30 * time.Second,
		WatchdogNoTick:       15 * time.Second,
		MaxDeep:              80,
		PromoteWindow:        300 * time.Millisecond,
		PromoteMinQty:        400,
		PromoteMinChgPct:     2.5,
		DemoteChgPct:         -2.0,
		MinDeepHold:          3 * time.Second,
	}
}

// State 单个 DEEP 标的的状态
type State struct {
	Code          string      `json:"code"`
	Tier          domain.Tier `json:"tier"`
	PromotedAt    time.Time   `json:"promoted_at"`
	BaselinePrice int         `json:"baseline_price"`
	LastBestBid   int         `json:"last_best_bid"`
	LastActivity  time.Time   `json:"last_activity"`
	LastTick      time.Time   `json:"last_tick"`
	Pinned        bool        `json:"pinned"`
	Reason        string      `json:"reason"`
}

type requestKind int

const (
	reqPromote requestKind = iota
	reqDemote
)

type request struct {
	kind   requestKind
	code   string
	price  int
	bid    int
	reason string
}

// Controller 升降级控制器
type Controller struct {
	cfg   Config
	alloc Registrar
	pins  PinSource
	bus   events.Publisher
	now   func() time.Time

	mu       sync.Mutex
	states   map[string]*State
	inflight map[string]struct{}
	bought   map[string]struct{}
	flow     map[string]*qtyWindow

	requests chan request
	onDemote func(code string)
}

// Option 控制器选项
type Option func(*Controller)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithPublisher 事件发布
func WithPublisher(p events.Publisher) Option {
	return func(c *Controller) { c.bus = p }
}

// WithDemoteHook 降级完成后回调（清理下游按标的保存的状态）
func WithDemoteHook(fn func(code string)) Option {
	return func(c *Controller) { c.onDemote = fn }
}

// New 创建控制器
func New(cfg Config, alloc Registrar, pins PinSource, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg,
		alloc:    alloc,
		pins:     pins,
		bus:      events.Nop{},
		now:      time.Now,
		states:   make(map[string]*State),
		inflight: make(map[string]struct{}),
		bought:   make(map[string]struct{}),
		flow:     make(map[string]*qtyWindow),
		requests: make(chan request, 1024),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Config 当前参数
func (c *Controller) Config() Config { return c.cfg }

func (c *Controller) begin(code string, wantDeep bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[code]; busy {
		return false
	}
	if _, deep := c.states[code]; deep != wantDeep {
		return false
	}
	c.inflight[code] = struct{}{}
	return true
}

func (c *Controller) end(code string) {
	c.mu.Lock()
	delete(c.inflight, code)
	c.mu.Unlock()
}

// Promote 升级到 DEEP（幂等）
// 未在 LIGHT 注册的标的先做一次 LIGHT 兜底注册，再注册 DEEP，最后撤掉 LIGHT 映射。
func (c *Controller) Promote(ctx context.Context, code string, lastPrice, lastBid int, reason string) error {
	if !c.begin(code, false) {
		return nil
	}
	defer c.end(code)

	if c.cfg.MaxDeep > 0 && c.DeepCount() >= c.cfg.MaxDeep {
		skipped.Add(1)
		tierLog.Debugf("DEEP 已满 (%d)，跳过升级 %s", c.cfg.MaxDeep, code)
		return ErrDeepFull
	}

	_, inLight := c.alloc.Lookup(c.cfg.LightPool, code)
	fallback := false
	if !inLight {
		if _, err := c.alloc.Register(ctx, c.cfg.LightPool, code, c.cfg.LightFields); err != nil {
			skipped.Add(1)
			tierLog.Warnf("升级 %s 失败：LIGHT 兜底注册失败: %v", code, err)
			return err
		}
		fallback = true
	}
	if _, err := c.alloc.Register(ctx, c.cfg.DeepPool, code, c.cfg.DeepFields); err != nil {
		skipped.Add(1)
		tierLog.Warnf("升级 %s 失败，跳过: %v", code, err)
		if fallback {
			if uerr := c.alloc.Unregister(ctx, c.cfg.LightPool, code); uerr != nil {
				tierLog.Warnf("回滚 LIGHT 兜底注册 %s 失败: %v", code, uerr)
			}
		}
		return err
	}
	if err := c.alloc.Unregister(ctx, c.cfg.LightPool, code); err != nil {
		tierLog.Warnf("升级 %s 后撤销 LIGHT 映射失败: %v", code, err)
	}

	now := c.now()
	from := domain.TierLight
	if fallback {
		from = domain.TierAbsent
	}
	c.mu.Lock()
	c.states[code] = &State{
		Code:          code,
		Tier:          domain.TierDeep,
		PromotedAt:    now,
		BaselinePrice: lastPrice,
		LastBestBid:   lastBid,
		LastActivity:  now,
		LastTick:      now,
		Reason:        reason,
	}
	c.mu.Unlock()

	promotions.Add(1)
	tierLog.Infof("⬆️ %s -> DEEP (%s) base=%d bid=%d", code, reason, lastPrice, lastBid)
	c.bus.Publish(events.TierChanged{Code: code, From: from, To: domain.TierDeep, Reason: reason, Time: now})
	return nil
}

// Demote 从 DEEP 降级；observe_all 打开时回到 LIGHT，否则不再观测
func (c *Controller) Demote(ctx context.Context, code, reason string) error {
	if !c.begin(code, true) {
		return nil
	}
	defer c.end(code)

	if err := c.alloc.Unregister(ctx, c.cfg.DeepPool, code); err != nil {
		tierLog.Warnf("降级 %s 失败（保留 DEEP，下轮重试）: %v", code, err)
		return err
	}
	to := domain.TierAbsent
	if c.cfg.ObserveAll {
		if _, err := c.alloc.Register(ctx, c.cfg.LightPool, code, c.cfg.LightFields); err != nil {
			tierLog.Warnf("降级 %s 后 LIGHT 注册失败: %v", code, err)
		} else {
			to = domain.TierLight
		}
	}

	c.mu.Lock()
	delete(c.states, code)
	delete(c.bought, code)
	c.mu.Unlock()
	c.Forget(code)
	if c.onDemote != nil {
		c.onDemote(code)
	}

	demotions.Add(1)
	tierLog.Infof("⬇️ %s DEEP -> %s (%s)", code, to, reason)
	c.bus.Publish(events.TierChanged{Code: code, From: domain.TierDeep, To: to, Reason: reason, Time: c.now()})
	return nil
}

// Touch 记录一笔成交（活动时间 + 最近成交时间）
func (c *Controller) Touch(code string, ts time.Time) {
	c.mu.Lock()
	if st, ok := c.states[code]; ok {
		if ts.After(st.LastActivity) {
			st.LastActivity = ts
		}
		if ts.After(st.LastTick) {
			st.LastTick = ts
		}
	}
	c.mu.Unlock()
}

// NoteActivity 记录非成交活动（如订单回报），只刷新活动时间
func (c *Controller) NoteActivity(code string, ts time.Time) {
	c.mu.Lock()
	if st, ok := c.states[code]; ok && ts.After(st.LastActivity) {
		st.LastActivity = ts
	}
	c.mu.Unlock()
}

// UpdateBestBid 记录 DEEP 标的最新买一价
func (c *Controller) UpdateBestBid(code string, bid int) {
	if bid <= 0 {
		return
	}
	c.mu.Lock()
	if st, ok := c.states[code]; ok {
		st.LastBestBid = bid
	}
	c.mu.Unlock()
}

func (c *Controller) pinned(code string) bool {
	if c.pins == nil {
		return false
	}
	return c.pins.HasOpenOrders(code) || c.pins.PositionQty(code) > 0
}

type sweepAction int

const (
	sweepNone sweepAction = iota
	sweepRearm
	sweepDemote
)

// Sweep 对所有 DEEP 标的执行一次扫描：
// 1) 超过 watchdog 阈值没有成交 → 注销再注册 DEEP；
// 2) 被钉住 → 跳过；
// 3) 刚解除钉住 → 距最近成交需超过 grace 才允许降级；
// 4) 空闲超过阈值 → 降级。
// 返回本轮降级数量。
func (c *Controller) Sweep(ctx context.Context, now time.Time) int {
	demoted := 0
	for _, code := range c.DeepCodes() {
		if ctx.Err() != nil {
			return demoted
		}
		pinned := c.pinned(code)

		action := sweepNone
		c.mu.Lock()
		st, ok := c.states[code]
		_, busy := c.inflight[code]
		switch {
		case !ok || busy:
		case c.cfg.WatchdogNoTick > 0 && now.Sub(st.LastTick) >= c.cfg.WatchdogNoTick:
			st.LastTick = now
			action = sweepRearm
		case pinned:
			st.Pinned = true
		case st.Pinned && now.Sub(st.LastTick) < c.cfg.GraceBeforeDowngrade:
		default:
			st.Pinned = false
			if now.Sub(st.LastActivity) >= c.cfg.IdleDemote {
				action = sweepDemote
			}
		}
		c.mu.Unlock()

		switch action {
		case sweepRearm:
			c.rearm(ctx, code)
		case sweepDemote:
			if err := c.Demote(ctx, code, "idle_timeout"); err == nil {
				demoted++
			}
		}
	}
	return demoted
}

// rearm 注销后重新注册 DEEP，恢复被静默丢弃的订阅
func (c *Controller) rearm(ctx context.Context, code string) {
	if !c.begin(code, true) {
		return
	}
	defer c.end(code)
	watchdogHits.Add(1)
	if err := c.alloc.Unregister(ctx, c.cfg.DeepPool, code); err != nil {
		tierLog.Warnf("[WATCH] 注销 %s 失败: %v", code, err)
	}
	if _, err := c.alloc.Register(ctx, c.cfg.DeepPool, code, c.cfg.DeepFields); err != nil {
		tierLog.Warnf("[WATCH] 重新注册 %s 失败: %v", code, err)
		return
	}
	tierLog.Infof("[WATCH] DEEP 重新注册 %s", code)
	c.bus.Publish(events.StatusLine{Code: code, Text: "[WATCH] deep re-armed " + code, Time: c.now()})
}

// Run 周期扫描并处理升降级请求，直到 ctx 结束
func (c *Controller) Run(ctx context.Context) {
	interval := c.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	tierLog.Infof("升降级控制器已启动 (sweep=%s idle=%s)", interval, c.cfg.IdleDemote)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx, c.now())
		case r := <-c.requests:
			c.handle(ctx, r)
		}
	}
}

// DrainRequests 同步处理已排队的升降级请求（单线程回放/测试用）
func (c *Controller) DrainRequests(ctx context.Context) int {
	n := 0
	for {
		select {
		case r := <-c.requests:
			c.handle(ctx, r)
			n++
		default:
			return n
		}
	}
}

func (c *Controller) handle(ctx context.Context, r request) {
	switch r.kind {
	case reqPromote:
		_ = c.Promote(ctx, r.code, r.price, r.bid, r.reason)
	case reqDemote:
		_ = c.Demote(ctx, r.code, r.reason)
	}
}

func (c *Controller) enqueue(r request) bool {
	select {
	case c.requests <- r:
		return true
	default:
		tierLog.Debugf("升降级请求队列已满，丢弃 %s", r.code)
		return false
	}
}

// IsDeep 是否处于 DEEP
func (c *Controller) IsDeep(code string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.states[code]
	return ok
}

// State 单个标的状态副本
func (c *Controller) State(code string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[code]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// States 所有 DEEP 标的状态（按代码排序）
func (c *Controller) States() []State {
	c.mu.Lock()
	out := make([]State, 0, len(c.states))
	for _, st := range c.states {
		out = append(out, *st)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// DeepCodes DEEP 标的代码（排序）
func (c *Controller) DeepCodes() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.states))
	for code := range c.states {
		out = append(out, code)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// DeepCount DEEP 标的数量
func (c *Controller) DeepCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states)
}

// MarkBought 标记已买入；已标记时返回 false
func (c *Controller) MarkBought(code string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.bought[code]; ok {
		return false
	}
	c.bought[code] = struct{}{}
	return true
}

// Bought 是否已买入
func (c *Controller) Bought(code string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.bought[code]
	return ok
}

// ClearBought 清除买入标记
func (c *Controller) ClearBought(code string) {
	c.mu.Lock()
	delete(c.bought, code)
	c.mu.Unlock()
}

// Tier 标的当前层级
func (c *Controller) Tier(code string) domain.Tier {
	if c.IsDeep(code) {
		return domain.TierDeep
	}
	if _, ok := c.alloc.Lookup(c.cfg.LightPool, code); ok {
		return domain.TierLight
	}
	return domain.TierAbsent
}

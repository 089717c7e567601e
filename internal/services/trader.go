// Package services 组装交易进程：持有所有按标的划分的状态，提供行情接入入口、
// 成交回调和查询面。进程内只构造一次，显式传递，不使用全局单例。
package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/krxtrader/internal/domain"
	"github.com/betbot/krxtrader/internal/events"
	"github.com/betbot/krxtrader/internal/execution"
	"github.com/betbot/krxtrader/internal/feed"
	"github.com/betbot/krxtrader/internal/gateway"
	"github.com/betbot/krxtrader/internal/ledger"
	"github.com/betbot/krxtrader/internal/marketstate"
	"github.com/betbot/krxtrader/internal/metrics"
	"github.com/betbot/krxtrader/internal/recorder"
	"github.com/betbot/krxtrader/internal/risk"
	"github.com/betbot/krxtrader/internal/signal"
	"github.com/betbot/krxtrader/internal/tiering"
	"github.com/betbot/krxtrader/pkg/config"
	"github.com/betbot/krxtrader/pkg/persistence"
	"github.com/betbot/krxtrader/pkg/ratelimit"
	"github.com/betbot/krxtrader/pkg/shutdown"
	"github.com/betbot/krxtrader/pkg/syncgroup"
)

var log = logrus.WithField("component", "trader")

// Options 构造参数
type Options struct {
	Config *config.Config
	// Port 网关调用面（通常是 Dispatcher）
	Port gateway.Port
	// Bus 事件总线；为空时内部创建
	Bus *events.Bus
	// Persistence 账本快照存储；为空时不落盘
	Persistence persistence.Service
	// PersistenceID 快照 ID（通常是账户）
	PersistenceID string
	// Recorder 行情旁路记录；可为空
	Recorder *recorder.TickRecorder
	// Backlog 网关待发送请求数（状态展示用）；可为空
	Backlog func() int
	Now     func() time.Time
}

// Trader 交易服务
type Trader struct {
	cfg  *config.Config
	now  func() time.Time
	bus  *events.Bus
	port gateway.Port

	quotes    *marketstate.QuoteBook
	alloc     *feed.Allocator
	tiers     *tiering.Controller
	ranker    *signal.TurnoverRanker
	burst     *signal.BurstDetector
	momentum  *signal.MomentumDetector
	trend     *signal.TrendTracker
	pipeline  *signal.Pipeline
	exec      *execution.Controller
	ledger    *ledger.Ledger
	limiter   *ratelimit.DualWindow
	breaker   *risk.CircuitBreaker
	blacklist *risk.LossBlacklist

	snapshots persistence.Store
	rec       *recorder.TickRecorder
	backlog   func() int

	intents chan domain.Intent

	ingesting atomic.Bool
	startOnce sync.Once
	runCtx    context.Context
	cancel    context.CancelFunc
	sg        *syncgroup.SyncGroup
	shutdown  *shutdown.Manager
	startedAt time.Time
}

// New 构造并接线所有组件（不启动任何 goroutine）
func New(opts Options) (*Trader, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Port == nil {
		return nil, errors.New("trader: gateway port is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}

	t := &Trader{
		cfg:       cfg,
		now:       now,
		bus:       bus,
		port:      opts.Port,
		quotes:    marketstate.NewQuoteBook(),
		ledger:    ledger.New(feesFrom(cfg.Fees), now),
		limiter:   ratelimit.NewDualWindow(limitsFrom(cfg.RateLimit), now),
		breaker:   risk.NewCircuitBreaker(breakerFrom(cfg.Risk), now),
		blacklist: risk.NewLossBlacklist(),
		rec:       opts.Recorder,
		backlog:   opts.Backlog,
		intents:   make(chan domain.Intent, 1024),
		runCtx:    context.Background(),
		sg:        syncgroup.NewSyncGroup(),
		shutdown:  shutdown.NewManager(),
	}

	alloc, err := feed.NewAllocator(opts.Port, poolsFrom(cfg.Pools)...)
	if err != nil {
		return nil, errors.Wrap(err, "trader: allocator")
	}
	t.alloc = alloc
	t.tiers = tiering.New(tieringFrom(cfg), alloc, t,
		tiering.WithClock(now), tiering.WithPublisher(bus), tiering.WithDemoteHook(t.onDemoted))

	parts := max(1, cfg.Signal.Parallelism)
	t.ranker = signal.NewTurnoverRanker(cfg.Signal.RankingTopN, cfg.Signal.UIRefresh, now, t.onRanking)
	t.trend = signal.NewTrendTracker(signal.TrendConfig{
		Window:         cfg.Signal.Trend.Window,
		ConsecRequired: cfg.Signal.Trend.ConsecRequired,
	}, parts)
	t.burst = signal.NewBurstDetector(burstFrom(cfg.Signal.Burst), parts, t.quotes, t, t.excluded, t.emit)
	t.momentum = signal.NewMomentumDetector(signal.MomentumConfig{
		Window:       cfg.Signal.Momentum.Window,
		MinTickRange: cfg.Signal.Momentum.MinTickRange,
		HotWindow:    cfg.Signal.Momentum.HotWindow,
	}, parts, t.tiers.IsDeep, t.emit)
	t.pipeline = signal.NewPipeline(signal.PipelineConfig{
		Name:        "signal",
		Parallelism: parts,
		QueueSize:   cfg.Signal.QueueSize,
		Debug:       cfg.Debug,
	}, t.handleTick)

	t.exec = execution.New(executionFrom(cfg), execution.Deps{
		Port:      opts.Port,
		Limiter:   t.limiter,
		Positions: t.ledger,
		Quotes:    t.quotes,
		Tiers:     t.tiers,
		Trend:     t.trend,
		Breaker:   t.breaker,
		Blacklist: t.blacklist,
		Bus:       bus,
		Now:       now,
	})

	if opts.Persistence != nil {
		id := opts.PersistenceID
		if id == "" {
			id = "default"
		}
		t.snapshots = opts.Persistence.NewStore("ledger", id, "snapshot")
		if err := t.ledger.Restore(t.snapshots); err != nil {
			log.Warnf("恢复账本快照失败: %v", err)
		} else {
			metrics.SnapshotLoads.Add(1)
		}
	}

	t.registerShutdown()
	t.ingesting.Store(true)
	return t, nil
}

// handleTick 流水线处理：同一标的的成交在同一分区内按序经过各引擎
func (t *Trader) handleTick(part int, tk domain.Tick) error {
	t.trend.Update(tk)
	if err := t.ranker.Handle(part, tk); err != nil {
		return err
	}
	if err := t.burst.Handle(part, tk); err != nil {
		return err
	}
	return t.momentum.Handle(part, tk)
}

// onDemoted 降级后丢弃该标的的动量窗口
func (t *Trader) onDemoted(code string) {
	t.momentum.Forget(code)
}

func (t *Trader) excluded(code string) bool {
	return t.blacklist.Blocked(code, t.now())
}

// emit 意图发布到总线，并交给意图消费协程；队列满时丢弃
func (t *Trader) emit(in domain.Intent) {
	t.bus.Publish(events.IntentEmitted{Intent: in})
	select {
	case t.intents <- in:
	default:
		log.Warnf("意图队列已满，丢弃 %s %s (%s)", in.Side, in.Code, in.Reason)
	}
}

func (t *Trader) onRanking(text string, top []signal.Snapshot) {
	t.bus.Publish(events.StatusLine{Text: text, Time: t.now()})
	cands := make([]tiering.Candidate, 0, len(top))
	for _, s := range top {
		cands = append(cands, tiering.Candidate{Code: s.Code, LastPrice: s.LastPrice, BestBid: s.BestBid})
	}
	t.tiers.PromoteCandidates(cands)
}

// Subscribe 把观测池中的标的注册到 LIGHT；返回成功数量
func (t *Trader) Subscribe(ctx context.Context, codes []string) (int, error) {
	fields := t.cfg.Feed.LightFields
	n := 0
	for _, raw := range codes {
		code := domain.NormalizeCode(raw)
		if code == "" {
			continue
		}
		if _, err := t.alloc.Register(ctx, PoolLight, code, fields); err != nil {
			if errors.Is(err, feed.ErrCapacityExhausted) {
				log.Warnf("LIGHT 容量已满，已注册 %d 个，剩余跳过", n)
				return n, err
			}
			log.Warnf("LIGHT 注册 %s 失败: %v", code, err)
			continue
		}
		n++
	}
	log.Infof("LIGHT 已注册 %d 个标的", n)
	return n, nil
}

// IngestTick 一笔成交的入口；返回是否被接受
func (t *Trader) IngestTick(tk domain.Tick) bool {
	if !t.ingesting.Load() {
		return false
	}
	tk.Code = domain.NormalizeCode(tk.Code)
	if !tk.Valid() {
		metrics.TicksInvalid.Add(1)
		return false
	}
	metrics.TicksIngested.Add(1)

	t.quotes.ApplyTick(tk)
	t.tiers.Touch(tk.Code, tk.Time)
	t.tiers.UpdateBestBid(tk.Code, tk.BestBid)
	t.tiers.Observe(tk, tk.Time)
	t.pipeline.Submit(tk)
	t.ledger.Mark(tk.Code, tk.Price)
	if t.ledger.PositionQty(tk.Code) > 0 {
		t.exec.CheckStopLoss(t.runCtx, tk.Code, tk.Price, tk.Time)
	}
	t.rec.Record(tk)
	return true
}

// IngestQuote 最优报价更新
func (t *Trader) IngestQuote(q domain.Quote) {
	if !t.ingesting.Load() {
		return
	}
	q.Code = domain.NormalizeCode(q.Code)
	if q.Code == "" {
		return
	}
	metrics.QuotesApplied.Add(1)
	t.quotes.UpdateQuote(q)
	t.ranker.ApplyQuote(q)
	t.tiers.UpdateBestBid(q.Code, q.BestBid)
}

// IngestVI VI 发动/解除
func (t *Trader) IngestVI(ev domain.ViEvent) {
	ev.Code = domain.NormalizeCode(ev.Code)
	if ev.Code == "" {
		return
	}
	metrics.ViEvents.Add(1)
	t.exec.OnViEvent(ev)
}

// OnFill 网关成交回调
func (t *Trader) OnFill(f domain.Fill) domain.Position {
	f.Code = domain.NormalizeCode(f.Code)
	metrics.FillsApplied.Add(1)
	pos := t.exec.OnFill(f)
	t.tiers.NoteActivity(f.Code, f.Time)
	return pos
}

// HasOpenOrders 标的是否有挂单
func (t *Trader) HasOpenOrders(code string) bool {
	return t.exec.HasOpenOrders(domain.NormalizeCode(code))
}

// PositionQty 标的持仓数量
func (t *Trader) PositionQty(code string) int {
	return t.ledger.PositionQty(domain.NormalizeCode(code))
}

// IsDeepTier 标的是否处于 DEEP
func (t *Trader) IsDeepTier(code string) bool {
	return t.tiers.IsDeep(domain.NormalizeCode(code))
}

// Bus 事件总线
func (t *Trader) Bus() *events.Bus { return t.bus }

// Pipeline 信号流水线
func (t *Trader) Pipeline() *signal.Pipeline { return t.pipeline }

// Execution 订单生命周期控制器
func (t *Trader) Execution() *execution.Controller { return t.exec }

// Tiering 升降级控制器
func (t *Trader) Tiering() *tiering.Controller { return t.tiers }

// Ledger 持仓账本
func (t *Trader) Ledger() *ledger.Ledger { return t.ledger }

// Start 启动流水线、扫描循环、意图消费和排行发布；只生效一次
func (t *Trader) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		t.runCtx, t.cancel = context.WithCancel(ctx)
		t.startedAt = t.now()
		runCtx := t.runCtx

		t.pipeline.Start(runCtx)
		t.sg.Go("tiering", func() { t.tiers.Run(runCtx) })
		t.sg.Go("lifecycle", func() { t.exec.Run(runCtx) })
		t.sg.Go("intents", func() { t.consumeIntents(runCtx) })
		t.sg.Go("ranking", func() { t.publishRanking(runCtx) })
		if t.snapshots != nil {
			t.sg.Go("snapshot", func() { t.snapshotLoop(runCtx) })
		}
		if t.rec != nil {
			t.sg.Go("recorder", func() { t.rec.Run(runCtx) })
		}
		if errs := t.pipeline.Errors(); errs != nil {
			t.sg.Go("pipeline_errors", func() { t.logPipelineErrors(runCtx, errs) })
		}
		log.Infof("交易服务已启动 (parallelism=%d dry_run=%v)", t.pipeline.Partitions(), t.cfg.DryRun)
	})
}

func (t *Trader) consumeIntents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-t.intents:
			if err := t.exec.HandleIntent(ctx, in); err != nil {
				log.Debugf("意图未执行 %s %s: %v", in.Side, in.Code, err)
			}
		}
	}
}

// publishRanking 行情稀疏时 0 号分区可能长时间不触发发布，这里按刷新间隔兜底
func (t *Trader) publishRanking(ctx context.Context) {
	interval := t.cfg.Signal.UIRefresh
	if interval < 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.ranker.MaybePublish()
		}
	}
}

func (t *Trader) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.saveSnapshot()
		}
	}
}

func (t *Trader) saveSnapshot() {
	if t.snapshots == nil {
		return
	}
	if err := t.ledger.Snapshot(t.snapshots); err != nil {
		log.Warnf("保存账本快照失败: %v", err)
		return
	}
	metrics.SnapshotSaves.Add(1)
}

func (t *Trader) logPipelineErrors(ctx context.Context, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			log.Warnf("[debug] 信号处理错误: %v", err)
		}
	}
}

// OnShutdown 追加关闭阶段（在内置阶段之后执行）
func (t *Trader) OnShutdown(name string, h shutdown.Handler) {
	t.shutdown.OnShutdown(name, h)
}

// registerShutdown 关闭顺序：停止接入 → 排空 worker → 停定时器 → 清空订阅槽 → 账本落盘 → 关闭旁路
func (t *Trader) registerShutdown() {
	t.shutdown.OnShutdown("stop_ingestion", func(context.Context) error {
		t.ingesting.Store(false)
		return nil
	})
	t.shutdown.OnShutdown("drain_workers", func(context.Context) error {
		t.pipeline.Close()
		return nil
	})
	t.shutdown.OnShutdown("stop_timers", func(ctx context.Context) error {
		if t.cancel != nil {
			t.cancel()
		}
		done := make(chan struct{})
		go func() {
			t.sg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "wait goroutines")
		}
	})
	t.shutdown.OnShutdown("clear_pools", func(ctx context.Context) error {
		return t.alloc.ClearAllPools(ctx)
	})
	t.shutdown.OnShutdown("flush_ledger", func(context.Context) error {
		t.saveSnapshot()
		return nil
	})
	t.shutdown.OnShutdown("close_sinks", func(context.Context) error {
		t.rec.Close()
		t.bus.Close()
		return nil
	})
}

// Shutdown 按固定顺序关闭
func (t *Trader) Shutdown(ctx context.Context) {
	t.shutdown.Shutdown(ctx)
}

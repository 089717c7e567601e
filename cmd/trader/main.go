package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/krxtrader/internal/controlplane"
	"github.com/betbot/krxtrader/internal/events"
	"github.com/betbot/krxtrader/internal/gateway"
	"github.com/betbot/krxtrader/internal/journal"
	"github.com/betbot/krxtrader/internal/metrics"
	"github.com/betbot/krxtrader/internal/notify"
	"github.com/betbot/krxtrader/internal/recorder"
	"github.com/betbot/krxtrader/internal/replay"
	"github.com/betbot/krxtrader/internal/services"
	"github.com/betbot/krxtrader/pkg/config"
	"github.com/betbot/krxtrader/pkg/logger"
	"github.com/betbot/krxtrader/pkg/persistence"
)

func openPersistence(cfg *config.Config) (persistence.Service, error) {
	st := cfg.Storage
	switch st.LedgerBackend {
	case "json":
		return persistence.NewJSONFileService(st.LedgerPath), nil
	default:
		var key []byte
		if st.LedgerKey != "" {
			key = []byte(st.LedgerKey)
		}
		svc, err := persistence.OpenBadger(persistence.BadgerOptions{Path: st.LedgerPath, EncryptionKey: key})
		if err != nil {
			return nil, err
		}
		return svc, nil
	}
}

func readWatchlist(inline, file string) ([]string, error) {
	var codes []string
	for _, c := range strings.Split(inline, ",") {
		if c = strings.TrimSpace(c); c != "" {
			codes = append(codes, c)
		}
	}
	if file == "" {
		return codes, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		codes = append(codes, line)
	}
	return codes, nil
}

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	envFile := flag.String("env", ".env", "环境变量文件（不存在则忽略）")
	watchlist := flag.String("watchlist", "", "观测标的（逗号分隔）")
	watchlistFile := flag.String("watchlist-file", "", "观测标的文件（每行一个代码）")
	replayFile := flag.String("replay", "", "回放 JSONL 行情文件（纸交易）")
	speed := flag.Float64("speed", 0, "回放速度：0 不等待，1 原速")
	exitAfterReplay := flag.Bool("exit-after-replay", false, "回放结束后自动退出")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "加载 %s 失败: %v\n", *envFile, err)
		}
	}
	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	if *configPath != "" {
		config.SetConfigPath(*configPath)
		logrus.Infof("使用配置文件: %s", *configPath)
	} else {
		logrus.Warnf("未指定配置文件，使用环境变量和默认值")
	}
	cfg, err := config.Load()
	if err != nil {
		logrus.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}

	logConfig := logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
		LogByDay:   cfg.Log.ByDay,
		JSON:       cfg.Log.JSON,
	}
	if err := logger.Init(logConfig); err != nil {
		logrus.Errorf("重新初始化日志失败: %v", err)
		os.Exit(1)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	logger.StartDayRotation(rootCtx, logConfig)

	if !cfg.DryRun {
		// 券商网关不在本进程内实现，实盘需要在此注入实现了 gateway.Gateway 的适配器
		logrus.Errorf("当前构建只包含纸交易网关，请设置 dry_run=true")
		os.Exit(1)
	}
	logrus.Warnf("📝 纸交易模式：订单由模拟网关撮合")

	paper := gateway.NewPaperGateway(4096, time.Now)
	dispatcher := gateway.NewDispatcher(paper, 4096)
	dispCtx, dispCancel := context.WithCancel(context.Background())
	dispDone := make(chan struct{})
	go func() {
		defer close(dispDone)
		dispatcher.Run(dispCtx)
	}()

	ps, err := openPersistence(cfg)
	if err != nil {
		logrus.Errorf("打开账本存储失败: %v", err)
		os.Exit(1)
	}

	bus := events.NewBus()

	runID := uuid.NewString()
	var jw *journal.Writer
	if cfg.Storage.JournalPath != "" {
		jw, err = journal.Open(journal.Config{Path: cfg.Storage.JournalPath})
		if err != nil {
			logrus.Errorf("打开事件日志失败: %v", err)
			os.Exit(1)
		}
		runID = jw.RunID()
	}

	rec, err := recorder.New(cfg.Storage.RecorderDir, runID, 8192)
	if err != nil {
		logrus.Errorf("创建行情记录失败: %v", err)
		os.Exit(1)
	}

	trader, err := services.New(services.Options{
		Config:        cfg,
		Port:          dispatcher,
		Bus:           bus,
		Persistence:   ps,
		PersistenceID: cfg.Order.Account,
		Recorder:      rec,
		Backlog:       dispatcher.Pending,
	})
	if err != nil {
		logrus.Errorf("创建交易服务失败: %v", err)
		os.Exit(1)
	}

	// 旁路订阅在总线关闭后各自退出
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	defer sinkCancel()
	var sinks []<-chan struct{}
	var cpJournal controlplane.Journal
	if jw != nil {
		sinks = append(sinks, jw.Attach(sinkCtx, bus))
		cpJournal = jw
	}
	sinks = append(sinks, notify.NewWebhook(notify.Config{
		URL:        cfg.Notify.WebhookURL,
		RatePerSec: cfg.Notify.RatePerSec,
	}).Attach(sinkCtx, bus))
	hub := controlplane.NewHub()
	sinks = append(sinks, hub.Attach(sinkCtx, bus))

	if cfg.Server.Enabled {
		srv := controlplane.New(trader, cpJournal, hub)
		addr, err := metrics.StartAsync(rootCtx, cfg.Server.Listen, srv.Router(), func(err error) {
			logrus.Errorf("查询服务异常退出: %v", err)
		})
		if err != nil {
			logrus.Errorf("查询服务启动失败: %v", err)
			os.Exit(1)
		}
		logrus.Infof("📊 查询服务: http://%s (api:/api/status, ws:/ws/status, expvar:/debug/vars, pprof:/debug/pprof)", addr)
	}

	trader.Start(rootCtx)

	go func() {
		for f := range paper.Fills() {
			trader.OnFill(f)
		}
	}()

	codes, err := readWatchlist(*watchlist, *watchlistFile)
	if err != nil {
		logrus.Errorf("读取观测标的失败: %v", err)
		os.Exit(1)
	}
	if len(codes) > 0 {
		if _, err := trader.Subscribe(rootCtx, codes); err != nil {
			logrus.Warnf("注册观测标的: %v", err)
		}
	}

	replayDone := make(chan struct{})
	if *replayFile != "" {
		go func() {
			defer close(replayDone)
			f, err := os.Open(*replayFile)
			if err != nil {
				logrus.Errorf("打开回放文件失败: %v", err)
				return
			}
			defer f.Close()
			st, err := replay.Play(rootCtx, f, trader, replay.Options{Speed: *speed, OnTick: paper.OnTick})
			if err != nil && rootCtx.Err() == nil {
				logrus.Errorf("回放中断: %v", err)
			}
			logrus.Infof("回放结束: ticks=%d accepted=%d quotes=%d vi=%d skipped=%d", st.Ticks, st.Accepted, st.Quotes, st.VI, st.Skipped)
		}()
	}
	if !*exitAfterReplay || *replayFile == "" {
		replayDone = nil
	}

	logrus.Info("🚀 交易服务运行中，按 Ctrl+C 退出")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logrus.Infof("收到信号 %s，开始关闭...", sig)
	case <-replayDone:
		logrus.Info("回放完成，开始关闭...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	trader.OnShutdown("wait_sinks", func(ctx context.Context) error {
		for _, done := range sinks {
			select {
			case <-done:
			case <-ctx.Done():
				sinkCancel()
				return ctx.Err()
			}
		}
		return nil
	})
	trader.OnShutdown("close_storage", func(context.Context) error {
		if jw != nil {
			if err := jw.Close(); err != nil {
				logrus.Warnf("关闭事件日志: %v", err)
			}
		}
		return ps.Close()
	})
	trader.Shutdown(shutdownCtx)

	// 清空订阅槽需要网关仍在运行，所以最后停
	dispCancel()
	<-dispDone
	rootCancel()
	logrus.Info("已退出")
}

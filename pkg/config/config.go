package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "KRX_"

// PoolConfig 槽位池
type PoolConfig struct {
	Base       int `yaml:"base" json:"base"`
	End        int `yaml:"end" json:"end"`
	MaxPerSlot int `yaml:"max_per_slot" json:"max_per_slot"`
}

// PoolsConfig 所有槽位池
type PoolsConfig struct {
	Light     PoolConfig `yaml:"light" json:"light"`
	Deep      PoolConfig `yaml:"deep" json:"deep"`
	Order     PoolConfig `yaml:"order" json:"order"`
	Condition PoolConfig `yaml:"condition" json:"condition"`
	StartStop PoolConfig `yaml:"start_stop" json:"start_stop"`
	MyInfo    PoolConfig `yaml:"my_info" json:"my_info"`
}

// FeedConfig 行情字段集
type FeedConfig struct {
	LightFields string `yaml:"light_fields" json:"light_fields"`
	DeepFields  string `yaml:"deep_fields" json:"deep_fields"`
}

// TieringConfig 升降级参数
type TieringConfig struct {
	IdleDemote           time.Duration `yaml:"idle_demote" json:"idle_demote"`
	SweepInterval        time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	GraceBeforeDowngrade time.Duration `yaml:"grace_before_downgrade" json:"grace_before_downgrade"`
	WatchdogNoTick       time.Duration `yaml:"watchdog_no_tick" json:"watchdog_no_tick"`
	ObserveAll           bool          `yaml:"observe_all" json:"observe_all"`
	MaxDeep              int           `yaml:"max_deep" json:"max_deep"`
	PromoteWindow        time.Duration `yaml:"promote_window" json:"promote_window"`
	PromoteMinQty        int           `yaml:"promote_min_qty" json:"promote_min_qty"`
	PromoteMinChgPct     float64       `yaml:"promote_min_chg_pct" json:"promote_min_chg_pct"`
	DemoteChgPct         float64       `yaml:"demote_chg_pct" json:"demote_chg_pct"`
	MinDeepHold          time.Duration `yaml:"min_deep_hold" json:"min_deep_hold"`
	PromoteTopK          int           `yaml:"promote_top_k" json:"promote_top_k"` // 0 = 关闭
}

// BurstConfig 放量买入检测
type BurstConfig struct {
	WindowTicks    int           `yaml:"window_ticks" json:"window_ticks"`
	BaselineTicks  int           `yaml:"baseline_ticks" json:"baseline_ticks"`
	Multiple       float64       `yaml:"multiple" json:"multiple"`
	MinDelta       int64         `yaml:"min_delta" json:"min_delta"`
	Cooldown       time.Duration `yaml:"cooldown" json:"cooldown"`
	MaxSpreadTicks int           `yaml:"max_spread_ticks" json:"max_spread_ticks"`
	MinChgPct      float64       `yaml:"min_chg_pct" json:"min_chg_pct"`
	MinBidAskRatio float64       `yaml:"min_bid_ask_ratio" json:"min_bid_ask_ratio"`
}

// MomentumConfig 短窗动量
type MomentumConfig struct {
	Window       time.Duration `yaml:"window" json:"window"`
	MinTickRange int           `yaml:"min_tick_range" json:"min_tick_range"`
	HotWindow    time.Duration `yaml:"hot_window" json:"hot_window"`
}

// TrendConfig 趋势跟踪
type TrendConfig struct {
	Window         time.Duration `yaml:"window" json:"window"`
	ConsecRequired int           `yaml:"consec_required" json:"consec_required"`
}

// SignalConfig 信号引擎
type SignalConfig struct {
	Parallelism int            `yaml:"parallelism" json:"parallelism"`
	QueueSize   int            `yaml:"queue_size" json:"queue_size"`
	UIRefresh   time.Duration  `yaml:"ui_refresh" json:"ui_refresh"`
	RankingTopN int            `yaml:"ranking_top_n" json:"ranking_top_n"`
	Burst       BurstConfig    `yaml:"burst" json:"burst"`
	Momentum    MomentumConfig `yaml:"momentum" json:"momentum"`
	Trend       TrendConfig    `yaml:"trend" json:"trend"`
}

// OrderConfig 订单生命周期
type OrderConfig struct {
	Account             string        `yaml:"account" json:"account"`
	BuyTimeout          time.Duration `yaml:"buy_timeout" json:"buy_timeout"`
	StopLossRetry       time.Duration `yaml:"stop_loss_retry" json:"stop_loss_retry"`
	ReorderDelay        time.Duration `yaml:"reorder_delay" json:"reorder_delay"`
	MaxSellRetries      int           `yaml:"max_sell_retries" json:"max_sell_retries"`
	ScanInterval        time.Duration `yaml:"scan_interval" json:"scan_interval"`
	SellOffsetTicks     int           `yaml:"sell_offset_ticks" json:"sell_offset_ticks"`
	StopLossPct         float64       `yaml:"stop_loss_pct" json:"stop_loss_pct"`
	RebuyGuardDownTicks int           `yaml:"rebuy_guard_down_ticks" json:"rebuy_guard_down_ticks"`
	DefaultQty          int           `yaml:"default_qty" json:"default_qty"`
	CashSizing          bool          `yaml:"cash_sizing" json:"cash_sizing"`
	TargetAmount        int           `yaml:"target_amount" json:"target_amount"`
	MinQty              int           `yaml:"min_qty" json:"min_qty"`
	MaxQty              int           `yaml:"max_qty" json:"max_qty"`
	LotSize             int           `yaml:"lot_size" json:"lot_size"`
	RequireTrendUp      bool          `yaml:"require_trend_up" json:"require_trend_up"`
}

// FeesConfig 费率
type FeesConfig struct {
	BuyFee                float64 `yaml:"buy_fee" json:"buy_fee"`
	SellFee               float64 `yaml:"sell_fee" json:"sell_fee"`
	SellTax               float64 `yaml:"sell_tax" json:"sell_tax"`
	TakeProfitNetPerShare int     `yaml:"take_profit_net_per_share" json:"take_profit_net_per_share"`
	TakeProfitNetPct      float64 `yaml:"take_profit_net_pct" json:"take_profit_net_pct"`
}

// VIConfig 波动性中断保护
type VIConfig struct {
	Enable          bool          `yaml:"enable" json:"enable"`
	UpperTriggerPct float64       `yaml:"upper_trigger_pct" json:"upper_trigger_pct"`
	ProximityPct    float64       `yaml:"proximity_pct" json:"proximity_pct"`
	ProximityTicks  int           `yaml:"proximity_ticks" json:"proximity_ticks"`
	Cooldown        time.Duration `yaml:"cooldown" json:"cooldown"`
	SlippageK       float64       `yaml:"slippage_k" json:"slippage_k"`
	MaxSlipTicks    int           `yaml:"max_slip_ticks" json:"max_slip_ticks"`
}

// RateLimitConfig 网关调用限流
type RateLimitConfig struct {
	PerSec int `yaml:"per_sec" json:"per_sec"`
	PerMin int `yaml:"per_min" json:"per_min"`
}

// RiskConfig 熔断
type RiskConfig struct {
	MaxConsecutiveFailures int   `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
	DailyLossLimit         int64 `yaml:"daily_loss_limit" json:"daily_loss_limit"` // 0 = 关闭
}

// StorageConfig 持久化路径
type StorageConfig struct {
	LedgerPath    string `yaml:"ledger_path" json:"ledger_path"`
	LedgerBackend string `yaml:"ledger_backend" json:"ledger_backend"` // badger | json
	LedgerKey     string `yaml:"-" json:"-"`                           // badger 加密密钥，只从环境变量读取
	JournalPath   string `yaml:"journal_path" json:"journal_path"`     // 空 = 关闭
	RecorderDir   string `yaml:"recorder_dir" json:"recorder_dir"`     // 空 = 关闭
}

// ServerConfig 查询服务
type ServerConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen"`
}

// NotifyConfig webhook 推送
type NotifyConfig struct {
	WebhookURL string  `yaml:"webhook_url" json:"webhook_url"`
	RatePerSec float64 `yaml:"rate_per_sec" json:"rate_per_sec"`
}

// LogConfig 日志
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`
	ByDay      bool   `yaml:"by_day" json:"by_day"`
	JSON       bool   `yaml:"json" json:"json"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// Config 应用配置
type Config struct {
	Pools     PoolsConfig     `yaml:"pools" json:"pools"`
	Feed      FeedConfig      `yaml:"feed" json:"feed"`
	Tiering   TieringConfig   `yaml:"tiering" json:"tiering"`
	Signal    SignalConfig    `yaml:"signal" json:"signal"`
	Order     OrderConfig     `yaml:"order" json:"order"`
	Fees      FeesConfig      `yaml:"fees" json:"fees"`
	VI        VIConfig        `yaml:"vi" json:"vi"`
	RateLimit RateLimitConfig `yaml:"ratelimit" json:"ratelimit"`
	Risk      RiskConfig      `yaml:"risk" json:"risk"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Notify    NotifyConfig    `yaml:"notify" json:"notify"`
	Log       LogConfig       `yaml:"log" json:"log"`
	DryRun    bool            `yaml:"dry_run" json:"dry_run"` // 纸交易：使用模拟网关
	Debug     bool            `yaml:"debug" json:"debug"`     // 处理错误额外投递到错误通道
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Pools: PoolsConfig{
			Light:     PoolConfig{Base: 5000, End: 5599, MaxPerSlot: 80},
			Deep:      PoolConfig{Base: 5800, End: 5899, MaxPerSlot: 80},
			Order:     PoolConfig{Base: 5600, End: 5799, MaxPerSlot: 80},
			Condition: PoolConfig{Base: 6000, End: 6999, MaxPerSlot: 80},
			StartStop: PoolConfig{Base: 1000, End: 1099, MaxPerSlot: 50},
			MyInfo:    PoolConfig{Base: 2000, End: 2099, MaxPerSlot: 10},
		},
		Feed: FeedConfig{
			LightFields: "10;12;13;14;20;228",
			DeepFields:  "10;12;13;20;27;28;41;61;71;81;121;122",
		},
		Tiering: TieringConfig{
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
		},
		Signal: SignalConfig{
			Parallelism: max(2, runtime.NumCPU()/2),
			QueueSize:   4096,
			UIRefresh:   750 * time.Millisecond,
			RankingTopN: 10,
			Burst: BurstConfig{
				WindowTicks:    50,
				BaselineTicks:  200,
				Multiple:       2.5,
				MinDelta:       700_000_000,
				Cooldown:       20 * time.Second,
				MaxSpreadTicks: 2,
				MinChgPct:      2.0,
				MinBidAskRatio: 1.8,
			},
			Momentum: MomentumConfig{Window: 300 * time.Millisecond, MinTickRange: 3, HotWindow: 2 * time.Second},
			Trend:    TrendConfig{Window: 300 * time.Millisecond, ConsecRequired: 2},
		},
		Order: OrderConfig{
			BuyTimeout:          3 * time.Second,
			StopLossRetry:       time.Second,
			ReorderDelay:        3 * time.Second,
			MaxSellRetries:      2,
			ScanInterval:        500 * time.Millisecond,
			SellOffsetTicks:     3,
			StopLossPct:         0.012,
			RebuyGuardDownTicks: 8,
			DefaultQty:          10,
			CashSizing:          true,
			TargetAmount:        400_000,
			MinQty:              1,
			MaxQty:              30,
			LotSize:             1,
			RequireTrendUp:      true,
		},
		Fees: FeesConfig{
			BuyFee:                0.00015,
			SellFee:               0.00015,
			SellTax:               0.0015,
			TakeProfitNetPerShare: 100,
			TakeProfitNetPct:      0.003,
		},
		VI: VIConfig{
			Enable:          true,
			UpperTriggerPct: 0.06,
			ProximityPct:    0.015,
			ProximityTicks:  3,
			Cooldown:        10 * time.Second,
			SlippageK:       0.5,
			MaxSlipTicks:    5,
		},
		RateLimit: RateLimitConfig{PerSec: 4, PerMin: 90},
		Risk:      RiskConfig{MaxConsecutiveFailures: 5},
		Storage: StorageConfig{
			LedgerPath:    "data/ledger",
			LedgerBackend: "badger",
			JournalPath:   "data/journal.db",
		},
		Server: ServerConfig{Enabled: true, Listen: "127.0.0.1:8090"},
		Notify: NotifyConfig{RatePerSec: 1},
		Log: LogConfig{
			Level:      "info",
			File:       "logs/trader.log",
			ByDay:      true,
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

var (
	globalMu       sync.RWMutex
	globalConfig   *Config
	configFilePath string
)

// SetConfigPath 设置配置文件路径
func SetConfigPath(path string) {
	globalMu.Lock()
	configFilePath = path
	globalMu.Unlock()
}

// GetConfigPath 获取配置文件路径
func GetConfigPath() string {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return configFilePath
}

// Load 加载配置（使用 SetConfigPath 设置的路径）
func Load() (*Config, error) {
	return LoadFromFile(GetConfigPath())
}

// LoadFromFile 加载配置：默认值 < 配置文件 < 环境变量
func LoadFromFile(filePath string) (*Config, error) {
	cfg := Default()
	if filePath != "" {
		if err := loadConfigFile(filePath, cfg); err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	globalMu.Lock()
	globalConfig = cfg
	configFilePath = filePath
	globalMu.Unlock()
	return cfg, nil
}

// Get 最近一次加载的配置
func Get() *Config {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalConfig
}

// loadConfigFile 在默认值之上叠加文件内容；未知字段视为错误
func loadConfigFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("解析 YAML 失败: %w", err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("解析 JSON 失败: %w", err)
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return nil
}

// applyEnv 运维相关开关允许用环境变量覆盖
func applyEnv(cfg *Config) {
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.JSON = parseBoolEnv("LOG_JSON", cfg.Log.JSON)
	cfg.DryRun = parseBoolEnv("DRY_RUN", cfg.DryRun)
	cfg.Debug = parseBoolEnv("DEBUG", cfg.Debug)
	cfg.Server.Enabled = parseBoolEnv("SERVER_ENABLED", cfg.Server.Enabled)
	cfg.Server.Listen = getEnv("SERVER_LISTEN", cfg.Server.Listen)
	cfg.Storage.LedgerPath = getEnv("LEDGER_PATH", cfg.Storage.LedgerPath)
	cfg.Storage.LedgerBackend = getEnv("LEDGER_BACKEND", cfg.Storage.LedgerBackend)
	cfg.Storage.LedgerKey = getEnv("LEDGER_KEY", cfg.Storage.LedgerKey)
	cfg.Storage.JournalPath = getEnv("JOURNAL_PATH", cfg.Storage.JournalPath)
	cfg.Storage.RecorderDir = getEnv("RECORDER_DIR", cfg.Storage.RecorderDir)
	cfg.Notify.WebhookURL = getEnv("NOTIFY_WEBHOOK_URL", cfg.Notify.WebhookURL)
	cfg.Order.Account = getEnv("ACCOUNT", cfg.Order.Account)
	cfg.Signal.Parallelism = parseIntEnv("SIGNAL_PARALLELISM", cfg.Signal.Parallelism)
}

// Validate 校验配置
func (c *Config) Validate() error {
	pools := map[string]PoolConfig{
		"light":      c.Pools.Light,
		"deep":       c.Pools.Deep,
		"order":      c.Pools.Order,
		"condition":  c.Pools.Condition,
		"start_stop": c.Pools.StartStop,
		"my_info":    c.Pools.MyInfo,
	}
	for name, p := range pools {
		if p.Base > p.End {
			return fmt.Errorf("pools.%s: base %d > end %d", name, p.Base, p.End)
		}
		if p.MaxPerSlot <= 0 {
			return fmt.Errorf("pools.%s: max_per_slot 必须大于 0", name)
		}
	}
	if overlap(c.Pools.Light, c.Pools.Deep) {
		return fmt.Errorf("pools.light 与 pools.deep 槽位区间重叠")
	}
	if c.RateLimit.PerSec <= 0 || c.RateLimit.PerMin <= 0 {
		return fmt.Errorf("ratelimit: per_sec/per_min 必须大于 0")
	}
	if c.Fees.BuyFee < 0 || c.Fees.SellFee < 0 || c.Fees.SellTax < 0 {
		return fmt.Errorf("fees: 费率不能为负")
	}
	if c.Fees.SellFee+c.Fees.SellTax >= 1 || c.Fees.BuyFee >= 1 {
		return fmt.Errorf("fees: 费率之和必须小于 1")
	}
	if c.Signal.Parallelism <= 0 {
		return fmt.Errorf("signal.parallelism 必须大于 0")
	}
	if c.Signal.QueueSize <= 0 {
		return fmt.Errorf("signal.queue_size 必须大于 0")
	}
	if c.Order.StopLossPct < 0 || c.Order.StopLossPct >= 1 {
		return fmt.Errorf("order.stop_loss_pct 必须在 [0,1) 内")
	}
	if c.Order.ScanInterval <= 0 || c.Tiering.SweepInterval <= 0 {
		return fmt.Errorf("order.scan_interval / tiering.sweep_interval 必须大于 0")
	}
	if !c.Order.CashSizing && c.Order.DefaultQty <= 0 {
		return fmt.Errorf("order.default_qty 必须大于 0")
	}
	switch c.Storage.LedgerBackend {
	case "badger", "json":
	default:
		return fmt.Errorf("storage.ledger_backend 不支持: %q (badger|json)", c.Storage.LedgerBackend)
	}
	if n := len(c.Storage.LedgerKey); n > 0 && n != 16 && n != 24 && n != 32 {
		return fmt.Errorf("ledger key 长度必须是 16/24/32 字节，当前 %d", n)
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		return fmt.Errorf("server.listen 不能为空")
	}
	return nil
}

func overlap(a, b PoolConfig) bool {
	return a.Base <= b.End && b.Base <= a.End
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(EnvPrefix + key)); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func parseBoolEnv(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

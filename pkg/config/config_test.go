package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5000, cfg.Pools.Light.Base)
	assert.Equal(t, 3*time.Second, cfg.Order.BuyTimeout)
	assert.Equal(t, int64(700_000_000), cfg.Signal.Burst.MinDelta)
	assert.GreaterOrEqual(t, cfg.Signal.Parallelism, 2)
}

func TestLoadFromFile_OverlaysDefaults(t *testing.T) {
	p := writeFile(t, "trader.yaml", `
order:
  buy_timeout: 5s
  account: "1234-5678"
signal:
  burst:
    multiple: 3.0
ratelimit:
  per_sec: 5
  per_min: 100
`)
	cfg, err := LoadFromFile(p)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Order.BuyTimeout)
	assert.Equal(t, "1234-5678", cfg.Order.Account)
	assert.Equal(t, 3.0, cfg.Signal.Burst.Multiple)
	assert.Equal(t, 50, cfg.Signal.Burst.WindowTicks, "未给出的字段保持默认")
	assert.Equal(t, 5, cfg.RateLimit.PerSec)
	assert.Equal(t, 2, cfg.Order.MaxSellRetries)
	assert.Same(t, cfg, Get())
}

func TestLoadFromFile_UnknownField(t *testing.T) {
	p := writeFile(t, "bad.yaml", "order:\n  buy_timout: 5s\n")
	_, err := LoadFromFile(p)
	assert.Error(t, err)
}

func TestLoadFromFile_EmptyFile(t *testing.T) {
	p := writeFile(t, "empty.yaml", "")
	cfg, err := LoadFromFile(p)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.RateLimit.PerSec)
}

func TestLoadFromFile_UnsupportedExt(t *testing.T) {
	p := writeFile(t, "c.toml", "")
	_, err := LoadFromFile(p)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KRX_DRY_RUN", "true")
	t.Setenv("KRX_LOG_LEVEL", "debug")
	t.Setenv("KRX_SERVER_LISTEN", "0.0.0.0:9000")
	t.Setenv("KRX_LEDGER_BACKEND", "json")
	t.Setenv("KRX_SIGNAL_PARALLELISM", "not-a-number")

	cfg, err := LoadFromFile("")
	require.NoError(t, err)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, "json", cfg.Storage.LedgerBackend)
	assert.Equal(t, Default().Signal.Parallelism, cfg.Signal.Parallelism)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"pool base > end":    func(c *Config) { c.Pools.Deep.Base = 6000; c.Pools.Deep.End = 5900 },
		"pool max per slot":  func(c *Config) { c.Pools.Light.MaxPerSlot = 0 },
		"light/deep overlap": func(c *Config) { c.Pools.Deep.Base = 5500 },
		"rate limit":         func(c *Config) { c.RateLimit.PerMin = 0 },
		"fees sum":           func(c *Config) { c.Fees.SellFee = 0.5; c.Fees.SellTax = 0.5 },
		"negative fee":       func(c *Config) { c.Fees.BuyFee = -0.1 },
		"ledger backend":     func(c *Config) { c.Storage.LedgerBackend = "redis" },
		"ledger key length":  func(c *Config) { c.Storage.LedgerKey = "short" },
		"fixed qty":          func(c *Config) { c.Order.CashSizing = false; c.Order.DefaultQty = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// Package controlplane 对外提供只读查询接口和状态行推送。
//
// 路由：
//   - GET /api/status
//   - GET /api/instruments/:code
//   - GET /api/ranking?n=
//   - GET /api/hot?n=
//   - GET /api/positions
//   - GET /api/pending
//   - GET /api/pools
//   - GET /api/journal?code=&limit=
//   - GET /ws/status  (websocket 推送状态行)
//   - /debug/vars, /debug/pprof/*
package controlplane

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/krxtrader/internal/domain"
	"github.com/betbot/krxtrader/internal/feed"
	"github.com/betbot/krxtrader/internal/journal"
	"github.com/betbot/krxtrader/internal/metrics"
	"github.com/betbot/krxtrader/internal/signal"
	"github.com/betbot/krxtrader/internal/tiering"
)

var cpLog = logrus.WithField("component", "controlplane")

// Status 进程级汇总
type Status struct {
	Day            string       `json:"day"`
	StartedAt      time.Time    `json:"started_at"`
	DryRun         bool         `json:"dry_run"`
	DeepCount      int          `json:"deep_count"`
	PendingOrders  int          `json:"pending_orders"`
	OpenPositions  int          `json:"open_positions"`
	Realized       int64        `json:"realized"`
	Unrealized     int64        `json:"unrealized"`
	DailyPnL       int64        `json:"daily_pnl"`
	TradingHalted  bool         `json:"trading_halted"`
	Blacklisted    []string     `json:"blacklisted"`
	Ranking        string       `json:"ranking"`
	Hot            []signal.Hot `json:"hot"`
	DroppedTicks   int64        `json:"dropped_ticks"`
	GatewayBacklog int          `json:"gateway_backlog"`
	QuotaPerSec    int          `json:"quota_per_sec"`
	QuotaPerMin    int          `json:"quota_per_min"`
	QuotaResetAt   time.Time    `json:"quota_reset_at"`
}

// Instrument 单个标的的查询视图
type Instrument struct {
	Code          string         `json:"code"`
	HasOpenOrders bool           `json:"has_open_orders"`
	PositionQty   int            `json:"position_qty"`
	IsDeepTier    bool           `json:"is_deep_tier"`
	Tier          domain.Tier    `json:"tier"`
	TierState     *tiering.State `json:"tier_state,omitempty"`
	Quote         *domain.Quote  `json:"quote,omitempty"`
	TrendUp       bool           `json:"trend_up"`
	ViHalted      bool           `json:"vi_halted"`
	Blacklisted   bool           `json:"blacklisted"`
}

// Backend 查询面，由交易服务实现
type Backend interface {
	Status() Status
	Instrument(code string) Instrument
	RankingTop(n int) []signal.Snapshot
	Hot(n int) []signal.Hot
	Positions() []domain.Position
	Pending() []domain.PendingOrder
	Pools() []feed.PoolStats
}

// Journal 事件日志查询（可选）
type Journal interface {
	Recent(ctx context.Context, code string, limit int) ([]journal.Record, error)
}

// Server HTTP 查询服务
type Server struct {
	backend Backend
	journal Journal
	hub     *Hub
}

// New 创建服务；journal / hub 可为空
func New(backend Backend, j Journal, hub *Hub) *Server {
	return &Server{backend: backend, journal: j, hub: hub}
}

// Router gin 路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/instruments/:code", s.handleInstrument)
	api.GET("/ranking", s.handleRanking)
	api.GET("/hot", s.handleHot)
	api.GET("/positions", s.handlePositions)
	api.GET("/pending", s.handlePending)
	api.GET("/pools", s.handlePools)
	api.GET("/journal", s.handleJournal)

	if s.hub != nil {
		r.GET("/ws/status", s.hub.Serve)
	}
	metrics.Mount(r)
	return r
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Status())
}

func (s *Server) handleInstrument(c *gin.Context) {
	code := domain.NormalizeCode(c.Param("code"))
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}
	c.JSON(http.StatusOK, s.backend.Instrument(code))
}

func (s *Server) handleRanking(c *gin.Context) {
	n := queryInt(c, "n", 10, 200)
	top := s.backend.RankingTop(n)
	c.JSON(http.StatusOK, gin.H{
		"text":  signal.FormatRanking(n, top),
		"items": top,
	})
}

func (s *Server) handleHot(c *gin.Context) {
	n := queryInt(c, "n", 3, 50)
	c.JSON(http.StatusOK, gin.H{"items": s.backend.Hot(n)})
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.backend.Positions()})
}

func (s *Server) handlePending(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"orders": s.backend.Pending()})
}

func (s *Server) handlePools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pools": s.backend.Pools()})
}

func (s *Server) handleJournal(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	code := domain.NormalizeCode(c.Query("code"))
	recs, err := s.journal.Recent(ctx, code, queryInt(c, "limit", 200, 5000))
	if err != nil {
		cpLog.Warnf("查询事件日志失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": recs})
}

func queryInt(c *gin.Context, key string, def, maxV int) int {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return min(n, maxV)
}

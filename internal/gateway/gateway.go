// Package gateway 定义券商网关的调用面。
//
// 上游网关只允许在单一执行上下文中调用；所有组件都必须经由 Dispatcher 发起调用，
// 不得在 worker goroutine 中直接调用 Gateway 实现。
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/krxtrader/internal/domain"
)

// FeedMode 实时行情注册模式
type FeedMode int

const (
	// ModeReplace 该槽位上的首个注册，替换槽位原有订阅
	ModeReplace FeedMode = iota
	// ModeAppend 追加到槽位现有订阅
	ModeAppend
)

func (m FeedMode) String() string {
	if m == ModeAppend {
		return "append"
	}
	return "replace"
}

// ClearAll 作为 code 传给 UnregisterFeed 时表示清空整个槽位
const ClearAll = "ALL"

var (
	// ErrRejected 网关拒绝（返回失败码）
	ErrRejected = errors.New("gateway: rejected")
	// ErrClosed 调度器已关闭
	ErrClosed = errors.New("gateway: dispatcher closed")
)

// OrderRequest 下单/撤单请求
type OrderRequest struct {
	Kind        domain.OrderKind
	Account     string
	Code        string
	Qty         int
	Price       int    // 市价单忽略
	OrigOrderID string // 撤单/改单时的原订单号
	Tag         string // 请求名（日志/回报关联）
}

func (r OrderRequest) String() string {
	if r.Kind == domain.KindCancel {
		return fmt.Sprintf("%s %s orig=%s qty=%d [%s]", r.Kind, r.Code, r.OrigOrderID, r.Qty, r.Tag)
	}
	return fmt.Sprintf("%s %s %d@%d [%s]", r.Kind, r.Code, r.Qty, r.Price, r.Tag)
}

// Ack 网关受理回执
type Ack struct {
	OrderID    string
	AcceptedAt time.Time
}

// Gateway 券商网关原语（只能在单一执行上下文中调用）
type Gateway interface {
	RegisterFeed(slot int, code, fields string, mode FeedMode) error
	UnregisterFeed(slot int, code string) error
	SubmitOrder(req OrderRequest) (Ack, error)
}

// Port 组件使用的网关调用面（内部完成上下文切换）
type Port interface {
	RegisterFeed(ctx context.Context, slot int, code, fields string, mode FeedMode) error
	UnregisterFeed(ctx context.Context, slot int, code string) error
	SubmitOrder(ctx context.Context, req OrderRequest) (Ack, error)
}

// Direct 在调用方 goroutine 内直接调用 Gateway。
// 仅用于调用方本身就是网关上下文的场景（测试、单线程回放）。
func Direct(g Gateway) Port { return direct{g} }

type direct struct{ g Gateway }

func (d direct) RegisterFeed(_ context.Context, slot int, code, fields string, mode FeedMode) error {
	return d.g.RegisterFeed(slot, code, fields, mode)
}

func (d direct) UnregisterFeed(_ context.Context, slot int, code string) error {
	return d.g.UnregisterFeed(slot, code)
}

func (d direct) SubmitOrder(_ context.Context, req OrderRequest) (Ack, error) {
	return d.g.SubmitOrder(req)
}

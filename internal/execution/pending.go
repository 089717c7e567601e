package execution

import (
	"sort"
	"sync"

	"github.com/betbot/krxtrader/internal/domain"
)

// PendingBook 已受理未终结的订单：orderID -> PendingOrder，单锁保护。
// 锁只覆盖状态读写，任何网关调用都不在锁内进行。
type PendingBook struct {
	mu     sync.Mutex
	orders map[string]*domain.PendingOrder
}

// NewPendingBook 创建订单簿
func NewPendingBook() *PendingBook {
	return &PendingBook{orders: make(map[string]*domain.PendingOrder)}
}

// Add 记录订单（同 ID 覆盖）
func (b *PendingBook) Add(o domain.PendingOrder) {
	if o.Status == "" {
		o.Status = domain.OrderStatusPending
	}
	b.mu.Lock()
	b.orders[o.OrderID] = &o
	b.mu.Unlock()
}

// Get 订单副本
func (b *PendingBook) Get(id string) (domain.PendingOrder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return domain.PendingOrder{}, false
	}
	return *o, true
}

// Take 移除并返回订单
func (b *PendingBook) Take(id string) (domain.PendingOrder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return domain.PendingOrder{}, false
	}
	delete(b.orders, id)
	return *o, true
}

// Remove 删除订单
func (b *PendingBook) Remove(id string) bool {
	_, ok := b.Take(id)
	return ok
}

// MarkCancelRequested 置撤单标记；已置位或不存在时返回 false。
// 这是"每个挂单只撤一次"的唯一入口。
func (b *PendingBook) MarkCancelRequested(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok || o.CancelRequested {
		return false
	}
	o.CancelRequested = true
	o.Status = domain.OrderStatusCancelRequested
	return true
}

// ResetCancelRequested 撤单未发出或失败时复位，留给下一轮扫描
func (b *PendingBook) ResetCancelRequested(id string) {
	b.mu.Lock()
	if o, ok := b.orders[id]; ok {
		o.CancelRequested = false
		o.Status = domain.OrderStatusPending
	}
	b.mu.Unlock()
}

// ApplyFill 记入部分成交
func (b *PendingBook) ApplyFill(id string, filled int) {
	if filled <= 0 {
		return
	}
	b.mu.Lock()
	if o, ok := b.orders[id]; ok {
		o.FilledQty += filled
		if o.FilledQty >= o.Qty {
			o.Status = domain.OrderStatusFilled
		} else {
			o.Status = domain.OrderStatusPartial
		}
	}
	b.mu.Unlock()
}

// HasOpen 标的是否有挂单
func (b *PendingBook) HasOpen(code string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range b.orders {
		if o.Code == code {
			return true
		}
	}
	return false
}

// BySide 标的某方向的挂单（按受理时间排序）
func (b *PendingBook) BySide(code string, side domain.Side) []domain.PendingOrder {
	b.mu.Lock()
	var out []domain.PendingOrder
	for _, o := range b.orders {
		if o.Code == code && o.Side == side {
			out = append(out, *o)
		}
	}
	b.mu.Unlock()
	sortOrders(out)
	return out
}

// RemoveSide 删除标的某方向的全部挂单，返回删除数量
func (b *PendingBook) RemoveSide(code string, side domain.Side, except string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, o := range b.orders {
		if o.Code == code && o.Side == side && id != except {
			delete(b.orders, id)
			n++
		}
	}
	return n
}

// Snapshot 所有挂单副本（按受理时间排序）
func (b *PendingBook) Snapshot() []domain.PendingOrder {
	b.mu.Lock()
	out := make([]domain.PendingOrder, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, *o)
	}
	b.mu.Unlock()
	sortOrders(out)
	return out
}

// Len 挂单数量
func (b *PendingBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

func sortOrders(out []domain.PendingOrder) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AcceptedAt.Equal(out[j].AcceptedAt) {
			return out[i].AcceptedAt.Before(out[j].AcceptedAt)
		}
		return out[i].OrderID < out[j].OrderID
	})
}

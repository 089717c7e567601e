package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/betbot/krxtrader/internal/domain"
)

// Call 记录的一次网关调用
type Call struct {
	Op     string // register / unregister / submit
	Slot   int
	Code   string
	Fields string
	Mode   FeedMode
	Req    OrderRequest
}

// Recorder 记录所有调用并按脚本返回结果的网关（测试用）
type Recorder struct {
	mu    sync.Mutex
	calls []Call
	seq   int
	// Fail 返回非 nil 时该次调用失败
	Fail func(c Call) error
	Now  func() time.Time
}

// NewRecorder 创建记录网关
func NewRecorder() *Recorder {
	return &Recorder{Now: time.Now}
}

func (r *Recorder) record(c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	if r.Fail != nil {
		return r.Fail(c)
	}
	return nil
}

// RegisterFeed 记录注册
func (r *Recorder) RegisterFeed(slot int, code, fields string, mode FeedMode) error {
	return r.record(Call{Op: "register", Slot: slot, Code: code, Fields: fields, Mode: mode})
}

// UnregisterFeed 记录注销
func (r *Recorder) UnregisterFeed(slot int, code string) error {
	return r.record(Call{Op: "unregister", Slot: slot, Code: code})
}

// SubmitOrder 记录下单，返回递增订单号
func (r *Recorder) SubmitOrder(req OrderRequest) (Ack, error) {
	if err := r.record(Call{Op: "submit", Code: req.Code, Req: req}); err != nil {
		return Ack{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.Kind == domain.KindCancel {
		return Ack{OrderID: req.OrigOrderID, AcceptedAt: r.Now()}, nil
	}
	r.seq++
	return Ack{OrderID: fmt.Sprintf("ORD-%d", r.seq), AcceptedAt: r.Now()}, nil
}

// Calls 调用记录副本
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Orders 下单/撤单调用（按类型过滤，空表示全部）
func (r *Recorder) Orders(kinds ...domain.OrderKind) []OrderRequest {
	want := make(map[domain.OrderKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	var out []OrderRequest
	for _, c := range r.Calls() {
		if c.Op != "submit" {
			continue
		}
		if len(want) == 0 || want[c.Req.Kind] {
			out = append(out, c.Req)
		}
	}
	return out
}

// Reset 清空记录
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

var _ Gateway = (*Recorder)(nil)

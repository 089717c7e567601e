package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/krxtrader/internal/domain"
)

var paperLog = logrus.WithField("component", "paper_gateway")

type workingOrder struct {
	id     string
	kind   domain.OrderKind
	code   string
	qty    int
	price  int
	placed time.Time
}

// PaperGateway 纸交易网关：在内存中模拟订阅和撮合。
// 限价买单在成交价 <= 限价时成交，限价卖单在成交价 >= 限价时成交；
// 市价单按最新价立即成交（尚无最新价时挂起到下一笔成交）。
// 回报通过 Fills() 异步投递，不在网关上下文内回调，避免调用方重入调度器。
type PaperGateway struct {
	mu      sync.Mutex
	feeds   map[int]map[string]string // slot -> code -> fields
	orders  map[string]*workingOrder
	last    map[string]int
	fills   chan domain.Fill
	now     func() time.Time
	dropped int
}

// NewPaperGateway 创建纸交易网关
func NewPaperGateway(fillBuffer int, now func() time.Time) *PaperGateway {
	if fillBuffer <= 0 {
		fillBuffer = 1024
	}
	if now == nil {
		now = time.Now
	}
	return &PaperGateway{
		feeds:  make(map[int]map[string]string),
		orders: make(map[string]*workingOrder),
		last:   make(map[string]int),
		fills:  make(chan domain.Fill, fillBuffer),
		now:    now,
	}
}

// Fills 成交/撤单回报
func (p *PaperGateway) Fills() <-chan domain.Fill { return p.fills }

// RegisterFeed 注册实时行情
func (p *PaperGateway) RegisterFeed(slot int, code, fields string, mode FeedMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.feeds[slot]
	if m == nil || mode == ModeReplace {
		m = make(map[string]string)
		p.feeds[slot] = m
	}
	m[code] = fields
	return nil
}

// UnregisterFeed 注销实时行情（code=ALL 清空槽位）
func (p *PaperGateway) UnregisterFeed(slot int, code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if code == ClearAll {
		delete(p.feeds, slot)
		return nil
	}
	if m := p.feeds[slot]; m != nil {
		delete(m, code)
	}
	return nil
}

// Subscribed 标的当前所在槽位（测试/状态查询）
func (p *PaperGateway) Subscribed(code string) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var slots []int
	for s, m := range p.feeds {
		if _, ok := m[code]; ok {
			slots = append(slots, s)
		}
	}
	sort.Ints(slots)
	return slots
}

// SubmitOrder 下单/撤单
func (p *PaperGateway) SubmitOrder(req OrderRequest) (Ack, error) {
	if req.Qty <= 0 && req.Kind != domain.KindCancel {
		return Ack{}, errors.Wrapf(ErrRejected, "qty=%d", req.Qty)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()

	if req.Kind == domain.KindCancel {
		o, ok := p.orders[req.OrigOrderID]
		if !ok {
			// 已成交或不存在
			return Ack{}, errors.Wrapf(ErrRejected, "cancel unknown order %s", req.OrigOrderID)
		}
		delete(p.orders, o.id)
		p.emit(domain.Fill{OrderID: o.id, Code: o.code, Side: o.kind.Side(), Remaining: o.qty, Canceled: true, Time: now})
		return Ack{OrderID: o.id, AcceptedAt: now}, nil
	}

	o := &workingOrder{id: uuid.NewString(), kind: req.Kind, code: req.Code, qty: req.Qty, price: req.Price, placed: now}
	p.orders[o.id] = o
	paperLog.Debugf("📝 [纸交易] 受理 %s id=%s", req, o.id)
	if last := p.last[o.code]; last > 0 && o.kind.IsMarket() {
		p.fill(o, last, now)
	}
	return Ack{OrderID: o.id, AcceptedAt: now}, nil
}

// OnTick 用成交价撮合挂单
func (p *PaperGateway) OnTick(t domain.Tick) {
	if !t.Valid() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last[t.Code] = t.Price

	ids := make([]string, 0, len(p.orders))
	for id, o := range p.orders {
		if o.code == t.Code {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		o := p.orders[id]
		switch {
		case o.kind.IsMarket():
			p.fill(o, t.Price, t.Time)
		case o.kind == domain.KindLimitBuy && t.Price <= o.price:
			p.fill(o, o.price, t.Time)
		case o.kind == domain.KindLimitSell && t.Price >= o.price:
			p.fill(o, o.price, t.Time)
		}
	}
}

// fill 整单成交；调用方持有锁
func (p *PaperGateway) fill(o *workingOrder, price int, ts time.Time) {
	delete(p.orders, o.id)
	p.emit(domain.Fill{OrderID: o.id, Code: o.code, Side: o.kind.Side(), FilledQty: o.qty, Remaining: 0, Price: price, Time: ts})
}

func (p *PaperGateway) emit(f domain.Fill) {
	select {
	case p.fills <- f:
	default:
		p.dropped++
		paperLog.Warnf("回报队列已满，丢弃回报 %s", f.OrderID)
	}
}

// Working 挂单数量
func (p *PaperGateway) Working() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.orders)
}

var _ Gateway = (*PaperGateway)(nil)

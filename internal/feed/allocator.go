// Package feed 管理实时行情订阅槽位。
//
// 槽位按用途分成若干池（LIGHT / DEEP / 下单 / 条件检索 ...），每个池是一段连续的槽位号，
// 每个槽位最多承载 MaxPerSlot 个标的。池之间相互独立，可以并发修改；同一个池内的修改
// 由池自己的互斥锁串行化（包括对网关的订阅调用，保证 replace/append 的先后顺序）。
package feed

import (
	"context"
	"expvar"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/krxtrader/internal/gateway"
)

var feedLog = logrus.WithField("component", "feed_allocator")

var capacityErrors = expvar.NewInt("feed_capacity_errors")

var (
	// ErrCapacityExhausted 池内没有可用槽位
	ErrCapacityExhausted = errors.New("feed: slot capacity exhausted")
	// ErrUnknownPool 未配置的池
	ErrUnknownPool = errors.New("feed: unknown pool")
)

// Pool 槽位池配置
type Pool struct {
	Name       string `yaml:"name" json:"name"`
	Base       int    `yaml:"base" json:"base"`
	End        int    `yaml:"end" json:"end"`
	MaxPerSlot int    `yaml:"max_per_slot" json:"max_per_slot"`
}

// Validate 校验配置
func (p Pool) Validate() error {
	if p.Name == "" {
		return errors.New("feed: pool name is empty")
	}
	if p.Base > p.End {
		return errors.Errorf("feed: pool %s base %d > end %d", p.Name, p.Base, p.End)
	}
	if p.MaxPerSlot <= 0 {
		return errors.Errorf("feed: pool %s max_per_slot must be positive", p.Name)
	}
	return nil
}

// Slots 槽位数量
func (p Pool) Slots() int { return p.End - p.Base + 1 }

// PoolStats 池使用情况
type PoolStats struct {
	Name     string `json:"name"`
	Slots    int    `json:"slots"`    // 槽位总数
	InUse    int    `json:"in_use"`   // 已占用槽位
	Used     int    `json:"used"`     // 已注册标的数
	Capacity int    `json:"capacity"` // 标的容量上限
	Free     int    `json:"free"`     // 剩余容量
}

type slotState struct {
	codes map[string]struct{}
}

type pool struct {
	cfg Pool

	mu       sync.Mutex
	current  int // 最近使用的槽位，-1 表示无
	slots    map[int]*slotState
	codeSlot map[string]int
}

func newPool(cfg Pool) *pool {
	return &pool{
		cfg:      cfg,
		current:  -1,
		slots:    make(map[int]*slotState),
		codeSlot: make(map[string]int),
	}
}

// Allocator 槽位分配器
type Allocator struct {
	port  gateway.Port
	pools map[string]*pool
	order []string
}

// NewAllocator 创建分配器
func NewAllocator(port gateway.Port, pools ...Pool) (*Allocator, error) {
	a := &Allocator{port: port, pools: make(map[string]*pool, len(pools))}
	for _, p := range pools {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := a.pools[p.Name]; dup {
			return nil, errors.Errorf("feed: duplicate pool %s", p.Name)
		}
		a.pools[p.Name] = newPool(p)
		a.order = append(a.order, p.Name)
	}
	return a, nil
}

func (a *Allocator) pool(name string) (*pool, error) {
	p, ok := a.pools[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownPool, name)
	}
	return p, nil
}

// AcquireSlot 返回一个仍有容量的槽位号
func (a *Allocator) AcquireSlot(name string) (int, error) {
	p, err := a.pool(name)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquireLocked()
}

// acquireLocked 当前槽位未满则复用；否则从 current+1 向后寻找空闲槽位；
// 向后找不到时再回头使用有余量的旧槽位或更小的空闲槽位号。
func (p *pool) acquireLocked() (int, error) {
	if s, ok := p.slots[p.current]; ok && p.current >= 0 && len(s.codes) < p.cfg.MaxPerSlot {
		return p.current, nil
	}

	start := p.cfg.Base
	if p.current >= 0 {
		start = p.current + 1
	}
	for id := start; id <= p.cfg.End; id++ {
		if _, used := p.slots[id]; !used {
			return p.claimLocked(id), nil
		}
	}

	ids := p.inUseIDsLocked()
	for _, id := range ids {
		if len(p.slots[id].codes) < p.cfg.MaxPerSlot {
			p.current = id
			return id, nil
		}
	}
	for id := p.cfg.Base; id < start && id <= p.cfg.End; id++ {
		if _, used := p.slots[id]; !used {
			return p.claimLocked(id), nil
		}
	}
	capacityErrors.Add(1)
	return 0, errors.Wrapf(ErrCapacityExhausted, "pool %s [%d,%d]", p.cfg.Name, p.cfg.Base, p.cfg.End)
}

func (p *pool) claimLocked(id int) int {
	p.slots[id] = &slotState{codes: make(map[string]struct{})}
	p.current = id
	return id
}

func (p *pool) releaseLocked(id int) {
	delete(p.slots, id)
	p.current = -1
}

func (p *pool) inUseIDsLocked() []int {
	ids := make([]int, 0, len(p.slots))
	for id := range p.slots {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Register 注册标的（幂等）
// 槽位上的首个标的使用 replace 模式，之后的使用 append 模式。
func (a *Allocator) Register(ctx context.Context, name, code, fields string) (int, error) {
	p, err := a.pool(name)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if slot, ok := p.codeSlot[code]; ok {
		return slot, nil
	}
	slot, err := p.acquireLocked()
	if err != nil {
		return 0, err
	}
	st := p.slots[slot]
	mode := gateway.ModeAppend
	if len(st.codes) == 0 {
		mode = gateway.ModeReplace
	}
	if err := a.port.RegisterFeed(ctx, slot, code, fields, mode); err != nil {
		if len(st.codes) == 0 {
			p.releaseLocked(slot)
		}
		return 0, errors.Wrapf(err, "pool %s", name)
	}
	st.codes[code] = struct{}{}
	p.codeSlot[code] = slot
	feedLog.Debugf("[%s] 注册 %s -> slot=%d (%s, %d/%d)", name, code, slot, mode, len(st.codes), p.cfg.MaxPerSlot)
	return slot, nil
}

// Unregister 注销标的；槽位计数归零时整体清空并归还槽位
func (a *Allocator) Unregister(ctx context.Context, name, code string) error {
	p, err := a.pool(name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.codeSlot[code]
	if !ok {
		return nil
	}
	if err := a.port.UnregisterFeed(ctx, slot, code); err != nil {
		return errors.Wrapf(err, "pool %s", name)
	}
	st := p.slots[slot]
	delete(st.codes, code)
	delete(p.codeSlot, code)
	if len(st.codes) == 0 {
		if err := a.port.UnregisterFeed(ctx, slot, gateway.ClearAll); err != nil {
			feedLog.Warnf("[%s] 清空 slot=%d 失败: %v", name, slot, err)
		}
		p.releaseLocked(slot)
		feedLog.Debugf("[%s] 归还 slot=%d", name, slot)
	}
	return nil
}

// Clear 注销池内所有标的并归还所有槽位
func (a *Allocator) Clear(ctx context.Context, name string) error {
	p, err := a.pool(name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	codes := make([]string, 0, len(p.codeSlot))
	for c := range p.codeSlot {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	for _, c := range codes {
		if err := a.port.UnregisterFeed(ctx, p.codeSlot[c], c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, id := range p.inUseIDsLocked() {
		if err := a.port.UnregisterFeed(ctx, id, gateway.ClearAll); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.slots = make(map[int]*slotState)
	p.codeSlot = make(map[string]int)
	p.current = -1
	if firstErr != nil {
		return errors.Wrapf(firstErr, "clear pool %s", name)
	}
	return nil
}

// ClearAllPools 清空所有池（关闭时调用）
func (a *Allocator) ClearAllPools(ctx context.Context) error {
	var firstErr error
	for _, name := range a.order {
		if err := a.Clear(ctx, name); err != nil {
			feedLog.Warnf("清空池 %s 失败: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Lookup 查询标的所在槽位
func (a *Allocator) Lookup(name, code string) (int, bool) {
	p, err := a.pool(name)
	if err != nil {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.codeSlot[code]
	return slot, ok
}

// Codes 池内已注册标的（排序）
func (a *Allocator) Codes(name string) []string {
	p, err := a.pool(name)
	if err != nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.codeSlot))
	for c := range p.codeSlot {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// SlotCounts 每个在用槽位的标的数
func (a *Allocator) SlotCounts(name string) map[int]int {
	p, err := a.pool(name)
	if err != nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]int, len(p.slots))
	for id, s := range p.slots {
		out[id] = len(s.codes)
	}
	return out
}

// Stats 池使用情况
func (a *Allocator) Stats(name string) (PoolStats, error) {
	p, err := a.pool(name)
	if err != nil {
		return PoolStats{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	used := len(p.codeSlot)
	capacity := p.cfg.Slots() * p.cfg.MaxPerSlot
	return PoolStats{
		Name:     p.cfg.Name,
		Slots:    p.cfg.Slots(),
		InUse:    len(p.slots),
		Used:     used,
		Capacity: capacity,
		Free:     capacity - used,
	}, nil
}

// AllStats 所有池的使用情况（按配置顺序）
func (a *Allocator) AllStats() []PoolStats {
	out := make([]PoolStats, 0, len(a.order))
	for _, name := range a.order {
		if st, err := a.Stats(name); err == nil {
			out = append(out, st)
		}
	}
	return out
}

func (s PoolStats) String() string {
	return fmt.Sprintf("%s used=%d/%d slots=%d/%d", s.Name, s.Used, s.Capacity, s.InUse, s.Slots)
}

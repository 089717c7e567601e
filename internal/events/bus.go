package events

import (
	"expvar"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var busLog = logrus.WithField("component", "event_bus")

var (
	published = expvar.NewInt("events_published")
	dropped   = expvar.NewInt("events_dropped")
)

// Publisher 事件发布面
type Publisher interface {
	Publish(ev Event)
}

// Nop 丢弃所有事件
type Nop struct{}

func (Nop) Publish(Event) {}

type subscriber struct {
	name    string
	ch      chan Event
	dropped atomic.Int64
}

// Bus 非阻塞扇出总线：订阅方各自持有有界通道，满则丢弃并计数。
// 发布方永远不会被慢订阅方拖住。
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// NewBus 创建总线
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe 订阅所有事件；返回的取消函数会关闭通道
func (b *Bus) Subscribe(name string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{name: name, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Publish 投递事件（非阻塞）
func (b *Bus) Publish(ev Event) {
	if b == nil || ev == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	published.Add(1)
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			dropped.Add(1)
			if n := s.dropped.Add(1); n%1000 == 1 {
				busLog.Warnf("订阅方 %s 队列已满，已丢弃 %d 条事件", s.name, n)
			}
		}
	}
}

// Close 关闭总线和所有订阅通道
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Subscription 一个活跃的订阅
type Subscription struct {
	ID      string
	Pattern string
	Owner   string

	handler   Handler
	filter    Filter
	transform Transform
	seq       uint64

	queue  chan queuedEvent
	done   chan struct{}
	active atomic.Bool
	once   sync.Once

	// 只在投递 goroutine 中访问
	failures int

	bus *Bus
}

type queuedEvent struct {
	ev         Event
	enqueuedAt time.Time
}

// Active 报告订阅是否仍然有效
func (s *Subscription) Active() bool {
	return s.active.Load()
}

// Unsubscribe 取消订阅，重复调用安全
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.Unsubscribe(s.Pattern, s.ID)
}

// deactivate 标记失效并停止投递 goroutine
func (s *Subscription) deactivate() bool {
	deactivated := false
	s.once.Do(func() {
		s.active.Store(false)
		close(s.done)
		deactivated = true
	})
	return deactivated
}

// enqueue 非阻塞入队，队列满或已失效时返回 false
func (s *Subscription) enqueue(ev Event) bool {
	if !s.active.Load() {
		return false
	}
	select {
	case s.queue <- queuedEvent{ev: ev, enqueuedAt: time.Now()}:
		return true
	default:
		return false
	}
}

// SubscribeOption 订阅选项
type SubscribeOption func(*Subscription)

// WithFilter 设置事件过滤器
func WithFilter(f Filter) SubscribeOption {
	return func(s *Subscription) {
		s.filter = f
	}
}

// WithTransform 设置投递前的事件转换
func WithTransform(t Transform) SubscribeOption {
	return func(s *Subscription) {
		s.transform = t
	}
}

// WithOwner 将订阅归属到某个 Agent，便于 UnsubscribeOwner 统一释放
func WithOwner(ownerID string) SubscribeOption {
	return func(s *Subscription) {
		s.Owner = ownerID
	}
}

// WithQueueSize 覆盖该订阅的队列容量
func WithQueueSize(n int) SubscribeOption {
	return func(s *Subscription) {
		if n > 0 {
			s.queue = make(chan queuedEvent, n)
		}
	}
}

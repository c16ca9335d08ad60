package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfleet/config"
	"github.com/BaSui01/agentfleet/internal/metrics"
	"github.com/BaSui01/agentfleet/types"
)

// ErrBusClosed 总线关闭后 Emit/Subscribe 返回的错误
var ErrBusClosed = types.NewError(types.ErrBusClosed, "event bus is closed")

// Config 事件总线配置
type Config struct {
	// QueueSize 每个订阅的默认队列容量
	QueueSize int
	// QuarantineThreshold 连续失败多少次后隔离订阅，0 表示不隔离
	QuarantineThreshold int
	// HandlerTimeout 单次处理器调用的截止时间，0 表示不限制
	HandlerTimeout time.Duration
	// LogBufferSize 异步事件日志缓冲区容量
	LogBufferSize int
	// LogWriteTimeout 单条事件日志写入的超时
	LogWriteTimeout time.Duration
}

// DefaultConfig 返回默认总线配置
func DefaultConfig() Config {
	return Config{
		QueueSize:           256,
		QuarantineThreshold: 5,
		HandlerTimeout:      30 * time.Second,
		LogBufferSize:       1024,
		LogWriteTimeout:     5 * time.Second,
	}
}

// ConfigFromBusConfig 由 bus 配置段构建，未设置的容量与超时沿用默认值
func ConfigFromBusConfig(cfg config.BusConfig) Config {
	out := DefaultConfig()
	if cfg.QueueSize > 0 {
		out.QueueSize = cfg.QueueSize
	}
	// 0 表示不隔离，按原值使用
	out.QuarantineThreshold = cfg.QuarantineThreshold
	if cfg.HandlerTimeout > 0 {
		out.HandlerTimeout = cfg.HandlerTimeout
	}
	if cfg.LogBufferSize > 0 {
		out.LogBufferSize = cfg.LogBufferSize
	}
	return out
}

// Option 总线选项
type Option func(*Bus)

// WithEventLog 挂接事件日志，用于持久化与重放
func WithEventLog(log EventLog) Option {
	return func(b *Bus) {
		b.log = log
	}
}

// WithMetrics 设置指标收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(b *Bus) {
		b.metrics = c
	}
}

// EmitOption 发布选项
type EmitOption func(*Event)

// WithEmitter 标记事件的发布者
func WithEmitter(id string) EmitOption {
	return func(ev *Event) {
		ev.EmitterID = id
	}
}

// Bus 进程内事件总线
type Bus struct {
	cfg Config

	mu      sync.RWMutex
	buckets map[string][]*Subscription
	byID    map[string]*Subscription
	owners  map[string]map[string]struct{}
	seq     uint64
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc

	log   EventLog
	logCh chan types.EventRecord
	logWG sync.WaitGroup

	emitted     atomic.Uint64
	delivered   atomic.Uint64
	failed      atomic.Uint64
	dropped     atomic.Uint64
	quarantined atomic.Uint64

	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewBus 创建事件总线
func NewBus(cfg Config, logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.LogBufferSize <= 0 {
		cfg.LogBufferSize = def.LogBufferSize
	}
	if cfg.LogWriteTimeout <= 0 {
		cfg.LogWriteTimeout = def.LogWriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		cfg:     cfg,
		buckets: make(map[string][]*Subscription),
		byID:    make(map[string]*Subscription),
		owners:  make(map[string]map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With(zap.String("component", "event_bus")),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.log != nil {
		b.logCh = make(chan types.EventRecord, cfg.LogBufferSize)
		b.logWG.Add(1)
		go b.runLogWriter()
	}
	return b
}

// =============================================================================
// 🎯 订阅管理
// =============================================================================

// Subscribe 订阅匹配 pattern 的事件
func (b *Bus) Subscribe(pattern string, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, types.NewValidationError("handler must not be nil")
	}

	s := &Subscription{
		ID:      uuid.NewString(),
		Pattern: pattern,
		handler: handler,
		done:    make(chan struct{}),
		bus:     b,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.queue == nil {
		s.queue = make(chan queuedEvent, b.cfg.QueueSize)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.seq++
	s.seq = b.seq
	s.active.Store(true)
	b.buckets[pattern] = append(b.buckets[pattern], s)
	b.byID[s.ID] = s
	if s.Owner != "" {
		ids := b.owners[s.Owner]
		if ids == nil {
			ids = make(map[string]struct{})
			b.owners[s.Owner] = ids
		}
		ids[s.ID] = struct{}{}
	}
	n := len(b.byID)
	b.mu.Unlock()

	go b.run(s)
	b.metrics.SetBusSubscriptions(n)

	b.logger.Debug("subscription added",
		zap.String("subscription_id", s.ID),
		zap.String("pattern", pattern),
		zap.String("owner", s.Owner))
	return s, nil
}

// Unsubscribe 取消订阅；订阅不存在时返回 false
func (b *Bus) Unsubscribe(pattern, subscriptionID string) bool {
	b.mu.Lock()
	s := b.removeLocked(pattern, subscriptionID)
	n := len(b.byID)
	b.mu.Unlock()

	if s == nil {
		return false
	}
	s.deactivate()
	b.metrics.SetBusSubscriptions(n)
	return true
}

// UnsubscribeOwner 释放某个 owner 的全部订阅，返回释放数量
func (b *Bus) UnsubscribeOwner(ownerID string) int {
	if ownerID == "" {
		return 0
	}

	b.mu.Lock()
	ids := b.owners[ownerID]
	removed := make([]*Subscription, 0, len(ids))
	for id := range ids {
		s := b.byID[id]
		if s == nil {
			continue
		}
		if r := b.removeLocked(s.Pattern, id); r != nil {
			removed = append(removed, r)
		}
	}
	delete(b.owners, ownerID)
	n := len(b.byID)
	b.mu.Unlock()

	for _, s := range removed {
		s.deactivate()
	}
	if len(removed) > 0 {
		b.metrics.SetBusSubscriptions(n)
		b.logger.Debug("owner subscriptions released",
			zap.String("owner", ownerID),
			zap.Int("count", len(removed)))
	}
	return len(removed)
}

// removeLocked 从桶、ID 表与 owner 表中移除订阅，空桶立即清理。调用方持有写锁。
func (b *Bus) removeLocked(pattern, id string) *Subscription {
	subs := b.buckets[pattern]
	idx := -1
	for i, s := range subs {
		if s.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	s := subs[idx]

	if len(subs) == 1 {
		delete(b.buckets, pattern)
	} else {
		next := make([]*Subscription, 0, len(subs)-1)
		next = append(next, subs[:idx]...)
		next = append(next, subs[idx+1:]...)
		b.buckets[pattern] = next
	}
	delete(b.byID, id)

	if s.Owner != "" {
		if ids := b.owners[s.Owner]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(b.owners, s.Owner)
			}
		}
	}
	return s
}

// =============================================================================
// 📡 发布
// =============================================================================

// Emit 发布事件。只负责入队，不会阻塞调用方。
func (b *Bus) Emit(topic string, payload any, opts ...EmitOption) error {
	if topic == "" {
		return types.NewValidationError("topic must not be empty")
	}

	ev := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(&ev)
	}

	var rec *types.EventRecord
	if b.log != nil {
		rec = b.toRecord(ev)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	targets := b.matchLocked(topic)
	if rec != nil {
		select {
		case b.logCh <- *rec:
		default:
			b.logger.Warn("event log buffer full, event not persisted", zap.String("topic", topic))
		}
	}
	b.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].seq < targets[j].seq })

	b.emitted.Add(1)
	b.metrics.RecordBusEmit(topicNamespace(topic))

	for _, s := range targets {
		if s.enqueue(ev) {
			continue
		}
		if s.Active() {
			b.dropped.Add(1)
			b.metrics.RecordBusDelivery("dropped", 0)
			b.logger.Warn("subscription queue full, event dropped",
				zap.String("subscription_id", s.ID),
				zap.String("topic", topic))
		}
	}
	return nil
}

// matchLocked 收集匹配 topic 的订阅。调用方持有读锁。
func (b *Bus) matchLocked(topic string) []*Subscription {
	var out []*Subscription
	for pattern, subs := range b.buckets {
		if types.MatchTopic(pattern, topic) {
			out = append(out, subs...)
		}
	}
	return out
}

func (b *Bus) toRecord(ev Event) *types.EventRecord {
	rec := &types.EventRecord{
		ID:        ev.ID,
		Topic:     ev.Topic,
		EmitterID: ev.EmitterID,
		Timestamp: ev.Timestamp,
	}
	if ev.Payload != nil {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			b.logger.Warn("event payload not serializable, logging without payload",
				zap.String("topic", ev.Topic),
				zap.Error(err))
		} else {
			rec.Payload = raw
		}
	}
	return rec
}

// =============================================================================
// 🚚 投递
// =============================================================================

// panicError 处理器 panic 转换成的错误
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.value)
}

// run 订阅的投递循环
func (b *Bus) run(s *Subscription) {
	for {
		select {
		case <-s.done:
			return
		case qe := <-s.queue:
			if !s.active.Load() {
				return
			}
			b.deliver(s, qe)
		}
	}
}

func (b *Bus) deliver(s *Subscription, qe queuedEvent) {
	skipped, err := b.invoke(s, qe.ev)
	if skipped {
		return
	}
	latency := time.Since(qe.enqueuedAt)

	if err == nil {
		s.failures = 0
		b.delivered.Add(1)
		b.metrics.RecordBusDelivery("ok", latency)
		return
	}

	s.failures++
	b.failed.Add(1)
	status := "error"
	var pe *panicError
	if errors.As(err, &pe) {
		status = "panic"
	}
	b.metrics.RecordBusDelivery(status, latency)
	b.logger.Warn("event handler failed",
		zap.String("subscription_id", s.ID),
		zap.String("topic", qe.ev.Topic),
		zap.Int("consecutive_failures", s.failures),
		zap.Error(err))

	if b.cfg.QuarantineThreshold > 0 && s.failures >= b.cfg.QuarantineThreshold {
		b.quarantine(s, err)
	}
}

// invoke 调用过滤器、转换器与处理器，捕获 panic
func (b *Bus) invoke(s *Subscription, ev Event) (skipped bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			skipped = false
			err = &panicError{value: r}
		}
	}()

	if s.filter != nil && !s.filter(ev) {
		return true, nil
	}
	if s.transform != nil {
		ev = s.transform(ev)
	}

	ctx := b.ctx
	if b.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.HandlerTimeout)
		defer cancel()
	}
	return false, s.handler(ctx, ev)
}

// quarantine 移除连续失败的订阅并发布诊断事件
func (b *Bus) quarantine(s *Subscription, lastErr error) {
	b.mu.Lock()
	removed := b.removeLocked(s.Pattern, s.ID)
	n := len(b.byID)
	b.mu.Unlock()
	if removed == nil {
		return
	}
	s.deactivate()

	b.quarantined.Add(1)
	b.metrics.RecordBusQuarantine()
	b.metrics.SetBusSubscriptions(n)
	b.logger.Error("subscription quarantined",
		zap.String("subscription_id", s.ID),
		zap.String("pattern", s.Pattern),
		zap.String("owner", s.Owner),
		zap.Int("failures", s.failures))

	notice := QuarantineNotice{
		SubscriptionID: s.ID,
		Pattern:        s.Pattern,
		Owner:          s.Owner,
		Failures:       s.failures,
		LastError:      lastErr.Error(),
	}
	if err := b.Emit(TopicSubscriptionQuarantined, notice); err != nil && !errors.Is(err, ErrBusClosed) {
		b.logger.Warn("failed to emit quarantine notice", zap.Error(err))
	}
}

// =============================================================================
// 📼 事件日志与重放
// =============================================================================

func (b *Bus) runLogWriter() {
	defer b.logWG.Done()
	for rec := range b.logCh {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.LogWriteTimeout)
		if err := b.log.AppendEvent(ctx, rec); err != nil {
			b.logger.Warn("failed to persist event",
				zap.String("topic", rec.Topic),
				zap.Error(err))
		}
		cancel()
	}
}

// Replay 按时间顺序把日志中匹配 pattern 且不早于 since 的事件交给 handler，
// 返回成功处理的数量。handler 返回错误时停止。
func (b *Bus) Replay(ctx context.Context, pattern string, since time.Time, handler Handler) (int, error) {
	if b.log == nil {
		return 0, types.NewValidationError("no event log attached to bus")
	}
	if err := validatePattern(pattern); err != nil {
		return 0, err
	}
	if handler == nil {
		return 0, types.NewValidationError("handler must not be nil")
	}

	recs, err := b.log.ListEvents(ctx, since, pattern)
	if err != nil {
		return 0, fmt.Errorf("list events: %w", err)
	}

	n := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if !types.MatchTopic(pattern, rec.Topic) {
			continue
		}
		ev := Event{
			ID:        rec.ID,
			Topic:     rec.Topic,
			EmitterID: rec.EmitterID,
			Timestamp: rec.Timestamp,
		}
		if len(rec.Payload) > 0 {
			ev.Payload = rec.Payload
		}
		if err := handler(ctx, ev); err != nil {
			return n, fmt.Errorf("replay event %s: %w", rec.ID, err)
		}
		n++
	}
	return n, nil
}

// =============================================================================
// 🔍 内省与关闭
// =============================================================================

// SubscriptionCount 返回活跃订阅数
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

// BucketCount 返回非空 topic 桶数量
func (b *Bus) BucketCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.buckets)
}

// OwnerCount 返回旁路表中的 owner 数量
func (b *Bus) OwnerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.owners)
}

// Stats 返回运行统计
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subs, buckets := len(b.byID), len(b.buckets)
	b.mu.RUnlock()
	return Stats{
		Subscriptions: subs,
		Buckets:       buckets,
		Emitted:       b.emitted.Load(),
		Delivered:     b.delivered.Load(),
		Failed:        b.failed.Load(),
		Dropped:       b.dropped.Load(),
		Quarantined:   b.quarantined.Load(),
	}
}

// Closed 报告总线是否已关闭
func (b *Bus) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Close 移除全部订阅并停止总线。待写入的事件日志会先刷出。
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.byID))
	for _, s := range b.byID {
		subs = append(subs, s)
	}
	b.buckets = make(map[string][]*Subscription)
	b.byID = make(map[string]*Subscription)
	b.owners = make(map[string]map[string]struct{})
	if b.logCh != nil {
		close(b.logCh)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.deactivate()
	}
	b.cancel()
	b.logWG.Wait()
	b.metrics.SetBusSubscriptions(0)

	b.logger.Info("event bus closed", zap.Int("released_subscriptions", len(subs)))
	return nil
}

package fleet

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfleet/coordination"
	"github.com/BaSui01/agentfleet/eventbus"
)

// Agent 是 Manager 消费的 worker 契约。Agent 内部的推理逻辑不在本包范围内。
type Agent interface {
	// Initialize 在 Agent 进入 Active 之前调用一次（恢复时会再次调用）
	Initialize(ctx context.Context, actx *AgentContext) error
	// Execute 执行一个任务。ctx 取消后应尽快返回。
	Execute(ctx context.Context, task Task) (TaskOutput, error)
	// Terminate 释放 Agent 资源
	Terminate(ctx context.Context)
}

// AgentContext 是 Agent 访问协调存储与事件总线的唯一入口。
// 所有写入自动带上 Agent ID 作为 owner，Agent 终止时 Manager 据此释放订阅与 hint。
type AgentContext struct {
	agentID   string
	agentType AgentType
	level     coordination.AccessLevel
	store     *coordination.Store
	bus       *eventbus.Bus
	onErr     func(error)
	logger    *zap.Logger
}

// newAgentContext onErr 接收每个存储错误，Manager 用它把 STORAGE 错误升级为 fleet 故障
func newAgentContext(rec AgentRecord, store *coordination.Store, bus *eventbus.Bus, onErr func(error), logger *zap.Logger) *AgentContext {
	if onErr == nil {
		onErr = func(error) {}
	}
	return &AgentContext{
		agentID:   rec.ID,
		agentType: rec.Type,
		level:     rec.AccessLevel,
		store:     store,
		bus:       bus,
		onErr:     onErr,
		logger: logger.With(
			zap.String("agent_id", rec.ID),
			zap.String("agent_type", string(rec.Type)),
		),
	}
}

// AgentID 返回 Agent ID
func (c *AgentContext) AgentID() string { return c.agentID }

// Type 返回 Agent 类型
func (c *AgentContext) Type() AgentType { return c.agentType }

// Logger 返回带 agent_id 字段的 logger
func (c *AgentContext) Logger() *zap.Logger { return c.logger }

func (c *AgentContext) note(err error) error {
	if err != nil {
		c.onErr(err)
	}
	return err
}

// Put 写入协调存储，owner 固定为当前 Agent
func (c *AgentContext) Put(ctx context.Context, key string, value []byte, opts coordination.PutOptions) (*coordination.MemoryEntry, error) {
	opts.OwnerID = c.agentID
	e, err := c.store.Put(ctx, key, value, opts)
	return e, c.note(err)
}

// Get 以 Agent 的访问级别读取
func (c *AgentContext) Get(ctx context.Context, key, partition string) (*coordination.MemoryEntry, error) {
	e, err := c.store.Get(ctx, key, coordination.GetOptions{Partition: partition, RequesterLevel: c.level})
	return e, c.note(err)
}

// Query 以 Agent 的访问级别查询
func (c *AgentContext) Query(ctx context.Context, pattern, partition string) ([]*coordination.MemoryEntry, error) {
	out, err := c.store.Query(ctx, pattern, coordination.QueryOptions{
		Partition:      partition,
		RequesterLevel: c.level,
		Sort:           true,
	})
	return out, c.note(err)
}

// PostHint 发布 hint；ttl 为 0 时使用存储默认值
func (c *AgentContext) PostHint(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := c.store.PostHint(ctx, coordination.Hint{
		Key:     key,
		Value:   value,
		OwnerID: c.agentID,
		TTL:     ttl,
	})
	return c.note(err)
}

// ReadHints 读取匹配的 hint
func (c *AgentContext) ReadHints(ctx context.Context, pattern string) ([]*coordination.MemoryEntry, error) {
	out, err := c.store.ReadHints(ctx, pattern)
	return out, c.note(err)
}

// Subscribe 订阅事件，订阅归属当前 Agent
func (c *AgentContext) Subscribe(pattern string, handler eventbus.Handler, opts ...eventbus.SubscribeOption) (*eventbus.Subscription, error) {
	opts = append(opts, eventbus.WithOwner(c.agentID))
	return c.bus.Subscribe(pattern, handler, opts...)
}

// Emit 以当前 Agent 为发布者发布事件
func (c *AgentContext) Emit(topic string, payload any) error {
	return c.bus.Emit(topic, payload, eventbus.WithEmitter(c.agentID))
}

// RecordMetric 记录一条性能指标
func (c *AgentContext) RecordMetric(ctx context.Context, name string, value float64) error {
	return c.note(c.store.RecordMetric(ctx, coordination.PerformanceMetric{
		AgentID: c.agentID,
		Name:    name,
		Value:   value,
	}))
}

package fleet

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfleet/types"
)

// Factory 根据 AgentSpec 构造 Agent 实例
type Factory func(spec AgentSpec, logger *zap.Logger) (Agent, error)

// Registry 维护 AgentType → Factory 的映射
type Registry struct {
	mu        sync.RWMutex
	factories map[AgentType]Factory
	logger    *zap.Logger
}

// NewRegistry 创建空注册表
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factories: make(map[AgentType]Factory),
		logger:    logger.With(zap.String("component", "agent_registry")),
	}
}

// Register 为类型注册工厂；类型必须属于 KnownAgentTypes
func (r *Registry) Register(agentType AgentType, factory Factory) error {
	if !agentType.Valid() {
		return types.NewValidationError("unknown agent type %q", agentType)
	}
	if factory == nil {
		return types.NewValidationError("factory for %q must not be nil", agentType)
	}

	r.mu.Lock()
	r.factories[agentType] = factory
	r.mu.Unlock()

	r.logger.Info("agent type registered", zap.String("type", string(agentType)))
	return nil
}

// MustRegister 同 Register，出错时 panic
func (r *Registry) MustRegister(agentType AgentType, factory Factory) {
	if err := r.Register(agentType, factory); err != nil {
		panic(err)
	}
}

// Unregister 移除类型
func (r *Registry) Unregister(agentType AgentType) {
	r.mu.Lock()
	delete(r.factories, agentType)
	r.mu.Unlock()
}

// Has 判断类型是否已注册
func (r *Registry) Has(agentType AgentType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[agentType]
	return ok
}

// Types 返回已注册类型（有序）
func (r *Registry) Types() []AgentType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentType, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Create 构造 Agent 实例
func (r *Registry) Create(spec AgentSpec, logger *zap.Logger) (Agent, error) {
	r.mu.RLock()
	factory, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, types.NewValidationError("agent type %q is not registered", spec.Type)
	}

	agent, err := factory(spec, logger)
	if err != nil {
		return nil, fmt.Errorf("create %s agent: %w", spec.Type, err)
	}
	if agent == nil {
		return nil, fmt.Errorf("create %s agent: factory returned nil", spec.Type)
	}
	return agent, nil
}

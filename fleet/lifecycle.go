package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfleet/coordination"
	"github.com/BaSui01/agentfleet/types"
)

const reasonProcessRestarted = "process restarted"

// =============================================================================
// 🚀 创建
// =============================================================================

// SpawnAgent 创建并初始化 Agent。只有 Agent 进入 Active 后才返回句柄；
// 初始化失败时 Agent 进入 Terminated 并返回 INITIALIZATION 错误。
func (m *Manager) SpawnAgent(ctx context.Context, spec AgentSpec) (*AgentHandle, error) {
	if err := m.checkAvailable(); err != nil {
		return nil, err
	}
	if err := m.validateSpec(spec); err != nil {
		return nil, err
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("spawn rate limit: %w", err)
	}

	rec, err := m.allocate(spec)
	if err != nil {
		return nil, err
	}
	log := m.logger.With(zap.String("agent_id", rec.ID), zap.String("agent_type", string(rec.Type)))

	if err := m.persist(ctx, rec.ID); err != nil {
		m.abandon(ctx, rec.ID, "registration failed")
		return nil, err
	}
	if _, _, err := m.transition(rec.ID, StatusInitializing, nil); err != nil {
		return nil, m.failSpawn(ctx, rec.ID, nil, err)
	}
	if err := m.persist(ctx, rec.ID); err != nil {
		m.abandon(ctx, rec.ID, "registration failed")
		return nil, err
	}

	agent, err := m.registry.Create(spec, log)
	if err != nil {
		return nil, m.failSpawn(ctx, rec.ID, nil, err)
	}
	actx := newAgentContext(rec, m.store, m.bus, m.noteStoreErr, m.logger)

	err = callWithTimeout(ctx, m.cfg.InitTimeout, "initialize", func(ctx context.Context) error {
		return agent.Initialize(ctx, actx)
	})
	if err != nil {
		return nil, m.failSpawn(ctx, rec.ID, agent, err)
	}

	m.mu.Lock()
	if entry, ok := m.agents[rec.ID]; ok {
		entry.agent = agent
		entry.actx = actx
	}
	m.mu.Unlock()

	active, _, err := m.transition(rec.ID, StatusActive, nil)
	if err != nil {
		// 初始化期间被并发终止
		return nil, m.failSpawn(ctx, rec.ID, agent, err)
	}
	if err := m.persist(ctx, rec.ID); err != nil {
		_ = m.TerminateAgent(context.WithoutCancel(ctx), rec.ID, "registration failed")
		return nil, err
	}

	log.Info("agent spawned")
	m.emit(TopicAgentSpawned, AgentEvent{AgentID: rec.ID, Type: rec.Type, Status: StatusActive})
	return &AgentHandle{
		ID:           active.ID,
		Type:         active.Type,
		Name:         active.Name,
		Capabilities: active.Capabilities,
	}, nil
}

func (m *Manager) validateSpec(spec AgentSpec) error {
	if !spec.Type.Valid() {
		return types.NewValidationError("unknown agent type %q", spec.Type)
	}
	if !m.registry.Has(spec.Type) {
		return types.NewValidationError("no factory registered for agent type %q", spec.Type)
	}
	if spec.AccessLevel != coordination.AccessNone && !spec.AccessLevel.Valid() {
		return types.NewValidationError("invalid access level %d", int(spec.AccessLevel))
	}
	for _, c := range spec.Capabilities {
		if c == "" {
			return types.NewValidationError("capability must not be empty")
		}
	}
	return nil
}

// allocate 在容量检查通过后登记 Pending 记录
func (m *Manager) allocate(spec AgentSpec) (AgentRecord, error) {
	id := uuid.NewString()
	now := m.now()
	rec := AgentRecord{
		ID:          id,
		Type:        spec.Type,
		Name:        spec.Name,
		Status:      StatusPending,
		AccessLevel: spec.AccessLevel,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if rec.Name == "" {
		rec.Name = fmt.Sprintf("%s-%s", spec.Type, id[:8])
	}
	if rec.AccessLevel == coordination.AccessNone {
		rec.AccessLevel = coordination.AccessTeam
	}
	if len(spec.Capabilities) > 0 {
		rec.Capabilities = append([]string(nil), spec.Capabilities...)
	}
	if len(spec.Metadata) > 0 {
		rec.Metadata = make(map[string]string, len(spec.Metadata))
		for k, v := range spec.Metadata {
			rec.Metadata[k] = v
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxAgents > 0 && m.liveCountLocked() >= m.cfg.MaxAgents {
		return AgentRecord{}, types.NewValidationError("fleet is at capacity (%d agents)", m.cfg.MaxAgents)
	}
	m.agents[id] = &agentEntry{record: rec}
	m.metrics.SetFleetAgents(m.statusCountsLocked())
	return rec.clone(), nil
}

func (m *Manager) liveCountLocked() int {
	live := 0
	for _, e := range m.agents {
		if e.record.Status != StatusTerminated {
			live++
		}
	}
	return live
}

// failSpawn 终止初始化失败的 Agent 并构造 INITIALIZATION 错误
func (m *Manager) failSpawn(ctx context.Context, id string, agent Agent, cause error) error {
	cleanupCtx := context.WithoutCancel(ctx)
	if agent != nil {
		_ = callWithTimeout(cleanupCtx, m.cfg.TerminateTimeout, "terminate", func(ctx context.Context) error {
			agent.Terminate(ctx)
			return nil
		})
	}
	m.release(cleanupCtx, id)
	m.abandon(cleanupCtx, id, "initialization failed: "+cause.Error())

	m.logger.Warn("agent initialization failed", zap.String("agent_id", id), zap.Error(cause))
	return types.NewInitializationError(fmt.Sprintf("agent %s failed to initialize", id), cause)
}

// abandon 将未完成创建的 Agent 直接置为 Terminated
func (m *Manager) abandon(ctx context.Context, id, reason string) {
	rec, _, err := m.transition(id, StatusTerminated, m.terminatedAt(reason))
	if err != nil {
		return
	}
	_ = m.persist(context.WithoutCancel(ctx), id)
	m.emit(TopicAgentTerminated, AgentEvent{AgentID: id, Type: rec.Type, Status: StatusTerminated, Reason: reason})
}

func (m *Manager) terminatedAt(reason string) func(*AgentRecord) {
	return func(r *AgentRecord) {
		at := r.UpdatedAt
		r.TerminatedAt = &at
		r.TerminationReason = reason
		r.ActiveTasks = 0
	}
}

// =============================================================================
// 🛑 终止
// =============================================================================

// TerminateAgent 终止 Agent：Active 经 Completing 进入 Terminated，其余状态直接终止。
// 释放 Agent 的事件订阅和 hint。重复调用安全。
func (m *Manager) TerminateAgent(ctx context.Context, id, reason string) error {
	m.mu.RLock()
	entry, ok := m.agents[id]
	var (
		status AgentStatus
		agent  Agent
	)
	if ok {
		status = entry.record.Status
		agent = entry.agent
	}
	m.mu.RUnlock()
	if !ok {
		return types.NewNotFoundError("agent %s not found", id)
	}
	if status == StatusTerminated || status == StatusCompleting {
		return nil
	}
	if reason == "" {
		reason = "terminated"
	}

	if status == StatusActive {
		if _, _, err := m.transition(id, StatusCompleting, nil); err != nil {
			return m.ignoreIfTerminating(id, err)
		}
		_ = m.persist(ctx, id)
	}

	if agent != nil {
		err := callWithTimeout(ctx, m.cfg.TerminateTimeout, "terminate", func(ctx context.Context) error {
			agent.Terminate(ctx)
			return nil
		})
		if err != nil {
			m.logger.Warn("agent terminate hook did not finish", zap.String("agent_id", id), zap.Error(err))
		}
	}

	rec, _, err := m.transition(id, StatusTerminated, m.terminatedAt(reason))
	if err != nil {
		return m.ignoreIfTerminating(id, err)
	}
	m.release(ctx, id)
	persistErr := m.persist(context.WithoutCancel(ctx), id)

	m.logger.Info("agent terminated", zap.String("agent_id", id), zap.String("reason", reason))
	m.emit(TopicAgentTerminated, AgentEvent{AgentID: id, Type: rec.Type, Status: StatusTerminated, Reason: reason})
	return persistErr
}

// ignoreIfTerminating 并发终止时后到的调用视为成功
func (m *Manager) ignoreIfTerminating(id string, err error) error {
	rec, lookupErr := m.Agent(id)
	if lookupErr == nil && (rec.Status == StatusTerminated || rec.Status == StatusCompleting) {
		return nil
	}
	return err
}

// release 释放 Agent 持有的订阅和 hint
func (m *Manager) release(ctx context.Context, id string) {
	if m.bus != nil {
		if n := m.bus.UnsubscribeOwner(id); n > 0 {
			m.logger.Debug("released subscriptions", zap.String("agent_id", id), zap.Int("count", n))
		}
	}
	n, err := m.store.DeleteHintsByOwner(context.WithoutCancel(ctx), id)
	m.noteStoreErr(err)
	if err != nil {
		m.logger.Warn("release hints failed", zap.String("agent_id", id), zap.Error(err))
		return
	}
	if n > 0 {
		m.logger.Debug("released hints", zap.String("agent_id", id), zap.Int("count", n))
	}
}

// =============================================================================
// 🩹 降级与恢复
// =============================================================================

// markDegraded 将未响应取消的 Agent 标记为 Degraded
func (m *Manager) markDegraded(ctx context.Context, id, reason string) {
	rec, from, err := m.transition(id, StatusDegraded, nil)
	if err != nil {
		m.logger.Debug("degrade skipped", zap.String("agent_id", id), zap.String("status", string(from)), zap.Error(err))
		return
	}
	_ = m.persist(context.WithoutCancel(ctx), id)
	m.logger.Warn("agent degraded", zap.String("agent_id", id), zap.String("reason", reason))
	m.emit(TopicAgentDegraded, AgentEvent{AgentID: id, Type: rec.Type, Status: StatusDegraded, From: from, Reason: reason})
}

// RecoverAgent 重新初始化 Degraded 的 Agent：成功回到 Active，失败则终止
func (m *Manager) RecoverAgent(ctx context.Context, id string) error {
	if err := m.checkAvailable(); err != nil {
		return err
	}
	rec, _, err := m.transition(id, StatusRecovering, nil)
	if err != nil {
		return err
	}
	if err := m.persist(ctx, id); err != nil {
		return err
	}

	m.mu.RLock()
	agent := m.agents[id].agent
	m.mu.RUnlock()

	// 旧订阅在重新初始化前释放，避免重复订阅
	if m.bus != nil {
		m.bus.UnsubscribeOwner(id)
	}

	if agent == nil {
		spec := AgentSpec{
			Type:         rec.Type,
			Name:         rec.Name,
			Capabilities: rec.Capabilities,
			Metadata:     rec.Metadata,
			AccessLevel:  rec.AccessLevel,
		}
		agent, err = m.registry.Create(spec, m.logger.With(zap.String("agent_id", id)))
		if err != nil {
			return m.failRecovery(ctx, id, nil, err)
		}
	}
	actx := newAgentContext(rec, m.store, m.bus, m.noteStoreErr, m.logger)
	err = callWithTimeout(ctx, m.cfg.InitTimeout, "initialize", func(ctx context.Context) error {
		return agent.Initialize(ctx, actx)
	})
	if err != nil {
		return m.failRecovery(ctx, id, agent, err)
	}

	m.mu.Lock()
	if entry, ok := m.agents[id]; ok {
		entry.agent = agent
		entry.actx = actx
		entry.record.ActiveTasks = 0
	}
	m.mu.Unlock()

	if _, _, err := m.transition(id, StatusActive, nil); err != nil {
		return m.failRecovery(ctx, id, agent, err)
	}
	if err := m.persist(ctx, id); err != nil {
		return err
	}
	m.logger.Info("agent recovered", zap.String("agent_id", id))
	m.emit(TopicAgentRecovered, AgentEvent{AgentID: id, Type: rec.Type, Status: StatusActive, From: StatusRecovering})
	return nil
}

func (m *Manager) failRecovery(ctx context.Context, id string, agent Agent, cause error) error {
	cleanupCtx := context.WithoutCancel(ctx)
	if agent != nil {
		_ = callWithTimeout(cleanupCtx, m.cfg.TerminateTimeout, "terminate", func(ctx context.Context) error {
			agent.Terminate(ctx)
			return nil
		})
	}
	m.release(cleanupCtx, id)
	m.abandon(cleanupCtx, id, "recovery failed: "+cause.Error())
	m.logger.Warn("agent recovery failed", zap.String("agent_id", id), zap.Error(cause))
	return types.NewInitializationError(fmt.Sprintf("agent %s failed to recover", id), cause)
}

// =============================================================================
// ♻️ 重启恢复
// =============================================================================

// Restore 从 agent_registry 重建记录表。进程重启后 Agent 实例已不存在，
// 未终止的记录被标记为 Terminated。返回载入的记录数。
func (m *Manager) Restore(ctx context.Context) (int, error) {
	regs, err := m.store.ListAgents(ctx)
	m.noteStoreErr(err)
	if err != nil {
		return 0, err
	}

	var closed []AgentRecord
	loaded := 0
	m.mu.Lock()
	for _, reg := range regs {
		if _, exists := m.agents[reg.ID]; exists {
			continue
		}
		rec := fromRegistration(reg)
		if rec.Status != StatusTerminated {
			now := m.now()
			rec.Status = StatusTerminated
			rec.UpdatedAt = now
			rec.TerminatedAt = &now
			rec.TerminationReason = reasonProcessRestarted
			closed = append(closed, rec.clone())
		}
		m.agents[rec.ID] = &agentEntry{record: rec}
		loaded++
	}
	m.metrics.SetFleetAgents(m.statusCountsLocked())
	m.mu.Unlock()

	for _, rec := range closed {
		if err := m.persist(ctx, rec.ID); err != nil {
			return loaded, err
		}
		m.emit(TopicAgentTerminated, AgentEvent{AgentID: rec.ID, Type: rec.Type, Status: StatusTerminated, Reason: reasonProcessRestarted})
	}
	if err := m.restoreTopology(ctx); err != nil {
		return loaded, err
	}
	m.logger.Info("agent table restored", zap.Int("loaded", loaded), zap.Int("closed", len(closed)))
	return loaded, nil
}

// =============================================================================
// 🧰 调用 Agent 钩子
// =============================================================================

// callWithTimeout 在独立 goroutine 中调用 fn，超时后不再等待。fn 中的 panic 转换为错误。
func callWithTimeout(parent context.Context, d time.Duration, hook string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%s panicked: %v", hook, r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.NewTimeoutError(fmt.Sprintf("%s exceeded %s", hook, d), ctx.Err())
		}
		return ctx.Err()
	}
}

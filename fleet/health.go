package fleet

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfleet/coordination"
	"github.com/BaSui01/agentfleet/types"
)

// =============================================================================
// 🚨 故障状态
// =============================================================================

// checkAvailable 关闭或故障期间拒绝新的创建与分发
func (m *Manager) checkAvailable() error {
	if m.closed.Load() {
		return types.NewError(types.ErrFleetFaulted, "fleet manager is shut down")
	}
	m.faultMu.RLock()
	defer m.faultMu.RUnlock()
	if m.faulted {
		return types.NewError(types.ErrFleetFaulted, "fleet is faulted: "+m.faultReason)
	}
	return nil
}

// noteStoreErr STORAGE 错误使 fleet 进入故障状态，其余错误忽略
func (m *Manager) noteStoreErr(err error) {
	if err != nil && types.IsErrorCode(err, types.ErrStorage) {
		m.enterFault(err.Error())
	}
}

func (m *Manager) enterFault(reason string) {
	m.faultMu.Lock()
	if m.faulted {
		m.faultMu.Unlock()
		return
	}
	m.faulted = true
	m.faultReason = reason
	m.faultMu.Unlock()

	m.metrics.SetFleetFaulted(true)
	m.logger.Error("fleet entered fault state", zap.String("reason", reason))
	m.emit(TopicFleetFault, FaultEvent{Faulted: true, Reason: reason})
}

func (m *Manager) clearFault() {
	m.faultMu.Lock()
	if !m.faulted {
		m.faultMu.Unlock()
		return
	}
	m.faulted = false
	m.faultReason = ""
	m.faultMu.Unlock()

	m.metrics.SetFleetFaulted(false)
	m.logger.Info("fleet recovered from fault state")
	m.emit(TopicFleetRecovered, FaultEvent{Faulted: false})
}

// Faulted 报告 fleet 是否处于故障状态
func (m *Manager) Faulted() (bool, string) {
	m.faultMu.RLock()
	defer m.faultMu.RUnlock()
	return m.faulted, m.faultReason
}

// CheckHealth 检查协调存储；存储可用时清除故障状态
func (m *Manager) CheckHealth(ctx context.Context) error {
	if err := m.store.Ping(ctx); err != nil {
		m.noteStoreErr(err)
		return err
	}
	m.clearFault()
	return nil
}

// =============================================================================
// 📊 状态快照
// =============================================================================

// FleetStatus 返回 fleet 的只读快照。存储不可用时拓扑取内存中最后已知的值。
func (m *Manager) FleetStatus(ctx context.Context) (*FleetStatus, error) {
	topology := m.Topology()
	if stored, err := m.storedTopology(ctx); err == nil && stored != "" {
		topology = stored
	} else if err != nil {
		m.logger.Debug("read topology failed", zap.Error(err))
	}

	faulted, reason := m.Faulted()
	status := &FleetStatus{
		Topology:    topology,
		Faulted:     faulted,
		FaultReason: reason,
		ByStatus:    make(map[AgentStatus]int, len(AllStatuses)),
		GeneratedAt: m.now(),
	}

	m.mu.RLock()
	status.Agents = make([]AgentRecord, 0, len(m.agents))
	for _, e := range m.agents {
		rec := e.record.clone()
		status.Agents = append(status.Agents, rec)
		status.ByStatus[rec.Status]++
		status.ActiveTasks += rec.ActiveTasks
		status.TasksCompleted += rec.TasksCompleted
		status.TasksFailed += rec.TasksFailed
	}
	status.Load = m.loadLocked()
	m.mu.RUnlock()

	sortRecords(status.Agents)
	status.TotalAgents = len(status.Agents)
	return status, nil
}

// =============================================================================
// 🕸️ 拓扑
// =============================================================================

// Topology 返回当前拓扑
func (m *Manager) Topology() Topology {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.topology
}

// SetTopology 设置拓扑并持久化到 fleet 分区
func (m *Manager) SetTopology(ctx context.Context, t Topology) error {
	if !t.Valid() {
		return types.NewValidationError("unknown topology %q", t)
	}
	_, err := m.store.Put(ctx, topologyKey, []byte(t), coordination.PutOptions{
		Partition:   coordination.PartitionFleet,
		AccessLevel: coordination.AccessSwarm,
		OwnerID:     emitterID,
	})
	if err != nil {
		m.noteStoreErr(err)
		return err
	}

	m.mu.Lock()
	from := m.topology
	m.topology = t
	m.mu.Unlock()

	if from != t {
		m.logger.Info("topology changed", zap.String("from", string(from)), zap.String("to", string(t)))
		m.emit(TopicFleetTopology, TopologyEvent{From: from, To: t})
	}
	return nil
}

func (m *Manager) storedTopology(ctx context.Context) (Topology, error) {
	entry, err := m.store.Get(ctx, topologyKey, coordination.GetOptions{
		Partition:      coordination.PartitionFleet,
		RequesterLevel: coordination.AccessSystem,
	})
	if err != nil {
		if types.IsErrorCode(err, types.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	t := Topology(entry.Value)
	if !t.Valid() {
		return "", nil
	}
	return t, nil
}

// restoreTopology 从存储载入拓扑
func (m *Manager) restoreTopology(ctx context.Context) error {
	t, err := m.storedTopology(ctx)
	if err != nil {
		m.noteStoreErr(err)
		return err
	}
	if t != "" {
		m.mu.Lock()
		m.topology = t
		m.mu.Unlock()
	}
	return nil
}

// =============================================================================
// 🫀 健康检查循环与关闭
// =============================================================================

// Start 启动健康检查循环：定期发布 fleet:status，故障期间重试存储健康检查。重复调用无效果。
func (m *Manager) Start(ctx context.Context) {
	m.healthOnce.Do(func() {
		stop := make(chan struct{})
		done := make(chan struct{})
		m.mu.Lock()
		m.healthStop, m.healthDone = stop, done
		m.mu.Unlock()

		go m.healthLoop(ctx, stop, done)
		m.logger.Info("health loop started", zap.Duration("interval", m.cfg.HealthCheckInterval))
	})
}

func (m *Manager) healthLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if faulted, _ := m.Faulted(); faulted {
				if err := m.CheckHealth(ctx); err != nil {
					m.logger.Warn("store still unhealthy", zap.Error(err))
				}
			}
			if status, err := m.FleetStatus(ctx); err == nil {
				m.emit(TopicFleetStatus, status)
			}
		}
	}
}

// Shutdown 停止健康检查循环，终止全部 Agent 并关闭 worker 池。之后的创建与分发返回 FLEET_FAULTED。
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}

	m.mu.RLock()
	stop, done := m.healthStop, m.healthDone
	ids := make([]string, 0, len(m.agents))
	for id, e := range m.agents {
		if e.record.Status != StatusTerminated {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	if stop != nil {
		close(stop)
		<-done
	}

	var errs []error
	for _, id := range ids {
		if err := m.TerminateAgent(ctx, id, "fleet shutdown"); err != nil {
			errs = append(errs, err)
		}
	}

	poolDone := make(chan struct{})
	go func() {
		m.pool.Close()
		close(poolDone)
	}()
	select {
	case <-poolDone:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
		m.logger.Warn("worker pool did not drain before shutdown deadline")
	}

	m.logger.Info("fleet manager shut down", zap.Int("terminated", len(ids)))
	return errors.Join(errs...)
}

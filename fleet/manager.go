package fleet

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentfleet/coordination"
	"github.com/BaSui01/agentfleet/eventbus"
	"github.com/BaSui01/agentfleet/internal/metrics"
	"github.com/BaSui01/agentfleet/internal/pool"
	"github.com/BaSui01/agentfleet/types"
)

const (
	tracerName = "github.com/BaSui01/agentfleet/fleet"

	// emitterID 是 Manager 发布事件时使用的发布者 ID
	emitterID = "fleet"

	topologyKey = "topology"
)

// Option 配置 Manager 的可选依赖
type Option func(*Manager)

// WithMetrics 设置指标采集器
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) {
		m.metrics = c
	}
}

// WithTracer 设置 tracer，默认使用全局 TracerProvider
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		m.tracer = t
	}
}

// WithClock 覆盖时间源
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// agentEntry 记录表中的一项。agent 为 nil 表示记录来自 Restore，没有运行实例。
type agentEntry struct {
	record AgentRecord
	agent  Agent
	actx   *AgentContext

	// persistMu 保证同一 Agent 的记录按迁移顺序落盘
	persistMu sync.Mutex
}

// Manager fleet 管理器
type Manager struct {
	cfg      Config
	store    *coordination.Store
	bus      *eventbus.Bus
	registry *Registry
	pool     *pool.GoroutinePool
	limiter  *rate.Limiter
	metrics  *metrics.Collector
	tracer   trace.Tracer
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.RWMutex
	agents   map[string]*agentEntry
	topology Topology

	faultMu     sync.RWMutex
	faulted     bool
	faultReason string

	closed     atomic.Bool
	healthStop chan struct{}
	healthDone chan struct{}
	healthOnce sync.Once
}

// NewManager 创建 Manager。store、bus、registry 由调用方（组合根）创建并负责关闭。
func NewManager(cfg Config, store *coordination.Store, bus *eventbus.Bus, registry *Registry, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	limit := rate.Inf
	if cfg.SpawnRate > 0 {
		limit = rate.Limit(cfg.SpawnRate)
	}

	m := &Manager{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		registry: registry,
		limiter:  rate.NewLimiter(limit, cfg.SpawnBurst),
		logger:   logger.With(zap.String("component", "fleet_manager")),
		now:      time.Now,
		agents:   make(map[string]*agentEntry),
		topology: cfg.Topology,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer(tracerName)
	}
	m.pool = pool.NewGoroutinePool(pool.Config{
		MaxWorkers: cfg.WorkerPoolSize,
		QueueSize:  cfg.WorkerPoolSize * 4,
	}, m.logger)
	return m
}

// Config 返回生效的配置
func (m *Manager) Config() Config {
	return m.cfg
}

// =============================================================================
// 🔄 状态迁移与持久化
// =============================================================================

// transition 在锁内校验并修改记录，返回迁移后的快照。调用方负责持久化。
func (m *Manager) transition(id string, to AgentStatus, mutate func(*AgentRecord)) (AgentRecord, AgentStatus, error) {
	m.mu.Lock()
	entry, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return AgentRecord{}, "", types.NewNotFoundError("agent %s not found", id)
	}
	from := entry.record.Status
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return AgentRecord{}, from, ErrInvalidTransition(id, from, to)
	}
	entry.record.Status = to
	entry.record.UpdatedAt = m.now()
	if mutate != nil {
		mutate(&entry.record)
	}
	snapshot := entry.record.clone()
	counts := m.statusCountsLocked()
	m.mu.Unlock()

	m.metrics.RecordAgentStateTransition(string(from), string(to))
	m.metrics.SetFleetAgents(counts)
	m.logger.Debug("agent state changed",
		zap.String("agent_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	m.emit(TopicAgentState, AgentEvent{AgentID: id, Type: snapshot.Type, Status: to, From: from})
	return snapshot, from, nil
}

// persist 将 Agent 记录写入 agent_registry。STORAGE 错误会使 fleet 进入故障状态。
func (m *Manager) persist(ctx context.Context, id string) error {
	m.mu.RLock()
	entry, ok := m.agents[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	entry.persistMu.Lock()
	defer entry.persistMu.Unlock()

	m.mu.RLock()
	rec := entry.record.clone()
	m.mu.RUnlock()

	err := m.store.SaveAgent(ctx, toRegistration(rec))
	m.noteStoreErr(err)
	return err
}

func toRegistration(rec AgentRecord) coordination.AgentRegistration {
	meta := make(map[string]string, len(rec.Metadata)+1)
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	meta["access_level"] = rec.AccessLevel.String()
	return coordination.AgentRegistration{
		ID:                rec.ID,
		Type:              string(rec.Type),
		Name:              rec.Name,
		Status:            string(rec.Status),
		Capabilities:      rec.Capabilities,
		Metadata:          meta,
		TasksCompleted:    rec.TasksCompleted,
		TasksFailed:       rec.TasksFailed,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
		TerminatedAt:      rec.TerminatedAt,
		TerminationReason: rec.TerminationReason,
	}
}

func fromRegistration(reg coordination.AgentRegistration) AgentRecord {
	rec := AgentRecord{
		ID:                reg.ID,
		Type:              AgentType(reg.Type),
		Name:              reg.Name,
		Status:            AgentStatus(reg.Status),
		Capabilities:      reg.Capabilities,
		AccessLevel:       coordination.AccessTeam,
		CreatedAt:         reg.CreatedAt,
		UpdatedAt:         reg.UpdatedAt,
		TerminatedAt:      reg.TerminatedAt,
		TerminationReason: reg.TerminationReason,
		TasksCompleted:    reg.TasksCompleted,
		TasksFailed:       reg.TasksFailed,
	}
	if len(reg.Metadata) > 0 {
		rec.Metadata = make(map[string]string, len(reg.Metadata))
		for k, v := range reg.Metadata {
			if k == "access_level" {
				if level, err := coordination.ParseAccessLevel(v); err == nil {
					rec.AccessLevel = level
				}
				continue
			}
			rec.Metadata[k] = v
		}
		if len(rec.Metadata) == 0 {
			rec.Metadata = nil
		}
	}
	return rec
}

// =============================================================================
// 🧰 内部工具
// =============================================================================

func (m *Manager) emit(topic string, payload any) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Emit(topic, payload, eventbus.WithEmitter(emitterID)); err != nil {
		m.logger.Debug("emit failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (m *Manager) statusCountsLocked() map[string]int {
	counts := make(map[string]int, len(AllStatuses))
	for _, e := range m.agents {
		counts[string(e.record.Status)]++
	}
	return counts
}

// Agent 返回 Agent 记录快照
func (m *Manager) Agent(id string) (AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.agents[id]
	if !ok {
		return AgentRecord{}, types.NewNotFoundError("agent %s not found", id)
	}
	return entry.record.clone(), nil
}

// Agents 返回全部记录快照，按创建时间排序
func (m *Manager) Agents() []AgentRecord {
	m.mu.RLock()
	out := make([]AgentRecord, 0, len(m.agents))
	for _, e := range m.agents {
		out = append(out, e.record.clone())
	}
	m.mu.RUnlock()
	sortRecords(out)
	return out
}

func sortRecords(recs []AgentRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

// sleep 等待 d 或 ctx 结束
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

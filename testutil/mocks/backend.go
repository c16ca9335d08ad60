// =============================================================================
// 💥 FaultyBackend - 可注入故障的协调存储后端
// =============================================================================
// 包装任意 coordination.Backend，按需让所有调用返回错误，用于测试 fleet 故障状态
//
// 使用方法:
//
//	backend := mocks.NewFaultyBackend(coordination.NewMemoryBackend())
//	backend.Fail(errors.New("disk gone"))
//	backend.Heal()
// =============================================================================
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/agentfleet/coordination"
	"github.com/BaSui01/agentfleet/types"
)

// FaultyBackend 是带故障注入的后端包装
type FaultyBackend struct {
	inner coordination.Backend

	mu        sync.RWMutex
	err       error
	calls     int
	onSaveAgt func(coordination.AgentRegistration)
}

// NewFaultyBackend 创建新的 FaultyBackend
func NewFaultyBackend(inner coordination.Backend) *FaultyBackend {
	return &FaultyBackend{inner: inner}
}

// Fail 之后的全部调用返回 err
func (b *FaultyBackend) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

// Heal 恢复正常
func (b *FaultyBackend) Heal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = nil
}

// OnSaveAgent 在每次 SaveAgent 写入前回调 fn，用于在注册过程中插入并发操作
func (b *FaultyBackend) OnSaveAgent(fn func(coordination.AgentRegistration)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSaveAgt = fn
}

// Calls 返回调用次数
func (b *FaultyBackend) Calls() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.calls
}

func (b *FaultyBackend) check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.err
}

// --- coordination.Backend 接口实现 ---

func (b *FaultyBackend) Name() string { return "faulty-" + b.inner.Name() }

func (b *FaultyBackend) GetEntry(ctx context.Context, partition, key string) (*coordination.MemoryEntry, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.inner.GetEntry(ctx, partition, key)
}

func (b *FaultyBackend) PutEntry(ctx context.Context, entry *coordination.MemoryEntry) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.inner.PutEntry(ctx, entry)
}

func (b *FaultyBackend) DeleteEntry(ctx context.Context, partition, key string) (bool, error) {
	if err := b.check(); err != nil {
		return false, err
	}
	return b.inner.DeleteEntry(ctx, partition, key)
}

func (b *FaultyBackend) ListEntries(ctx context.Context, partition, prefix string) ([]*coordination.MemoryEntry, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.inner.ListEntries(ctx, partition, prefix)
}

func (b *FaultyBackend) DeleteExpiredEntries(ctx context.Context, now time.Time) (int, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	return b.inner.DeleteExpiredEntries(ctx, now)
}

func (b *FaultyBackend) DeleteEntriesByOwner(ctx context.Context, partition, ownerID string) (int, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	return b.inner.DeleteEntriesByOwner(ctx, partition, ownerID)
}

func (b *FaultyBackend) AppendAudit(ctx context.Context, rec coordination.AuditRecord) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.inner.AppendAudit(ctx, rec)
}

func (b *FaultyBackend) ListAudit(ctx context.Context, partition, key string) ([]coordination.AuditRecord, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.inner.ListAudit(ctx, partition, key)
}

func (b *FaultyBackend) PutGrant(ctx context.Context, principalID string, level coordination.AccessLevel) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.inner.PutGrant(ctx, principalID, level)
}

func (b *FaultyBackend) DeleteGrant(ctx context.Context, principalID string) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.inner.DeleteGrant(ctx, principalID)
}

func (b *FaultyBackend) GetGrant(ctx context.Context, principalID string) (coordination.AccessLevel, error) {
	if err := b.check(); err != nil {
		return coordination.AccessNone, err
	}
	return b.inner.GetGrant(ctx, principalID)
}

func (b *FaultyBackend) AppendEvent(ctx context.Context, rec types.EventRecord) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.inner.AppendEvent(ctx, rec)
}

func (b *FaultyBackend) ListEvents(ctx context.Context, since time.Time) ([]types.EventRecord, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.inner.ListEvents(ctx, since)
}

func (b *FaultyBackend) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	return b.inner.DeleteEventsBefore(ctx, cutoff)
}

func (b *FaultyBackend) AppendWorkflowStep(ctx context.Context, workflowID string, step coordination.WorkflowStep) (bool, error) {
	if err := b.check(); err != nil {
		return false, err
	}
	return b.inner.AppendWorkflowStep(ctx, workflowID, step)
}

func (b *FaultyBackend) GetWorkflowSteps(ctx context.Context, workflowID string) ([]coordination.WorkflowStep, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.inner.GetWorkflowSteps(ctx, workflowID)
}

func (b *FaultyBackend) SaveAgent(ctx context.Context, reg coordination.AgentRegistration) error {
	if err := b.check(); err != nil {
		return err
	}
	b.mu.RLock()
	fn := b.onSaveAgt
	b.mu.RUnlock()
	if fn != nil {
		fn(reg)
	}
	return b.inner.SaveAgent(ctx, reg)
}

func (b *FaultyBackend) ListAgents(ctx context.Context) ([]coordination.AgentRegistration, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.inner.ListAgents(ctx)
}

func (b *FaultyBackend) AppendMetric(ctx context.Context, m coordination.PerformanceMetric) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.inner.AppendMetric(ctx, m)
}

func (b *FaultyBackend) ListMetrics(ctx context.Context, agentID string) ([]coordination.PerformanceMetric, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.inner.ListMetrics(ctx, agentID)
}

func (b *FaultyBackend) Ping(ctx context.Context) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.inner.Ping(ctx)
}

func (b *FaultyBackend) Close() error {
	return b.inner.Close()
}

var _ coordination.Backend = (*FaultyBackend)(nil)

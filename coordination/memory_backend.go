package coordination

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/agentfleet/types"
)

// ErrBackendClosed is returned by MemoryBackend after Close.
var ErrBackendClosed = errors.New("backend is closed")

// MemoryBackend is an in-memory implementation of Backend.
// Suitable for development, testing and single-process deployments
// that do not need durability.
type MemoryBackend struct {
	mu        sync.RWMutex
	entries   map[string]map[string]*MemoryEntry
	audit     map[string][]AuditRecord
	grants    map[string]AccessLevel
	events    []types.EventRecord
	workflows map[string][]WorkflowStep
	agents    map[string]AgentRegistration
	metrics   []PerformanceMetric
	closed    bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries:   make(map[string]map[string]*MemoryEntry),
		audit:     make(map[string][]AuditRecord),
		grants:    make(map[string]AccessLevel),
		workflows: make(map[string][]WorkflowStep),
		agents:    make(map[string]AgentRegistration),
	}
}

// Name implements Backend.
func (b *MemoryBackend) Name() string { return "memory" }

func auditKey(partition, key string) string {
	return partition + "\x00" + key
}

func (b *MemoryBackend) check() error {
	if b.closed {
		return ErrBackendClosed
	}
	return nil
}

// GetEntry implements Backend.
func (b *MemoryBackend) GetEntry(_ context.Context, partition, key string) (*MemoryEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.entries[partition][key].clone(), nil
}

// PutEntry implements Backend.
func (b *MemoryBackend) PutEntry(_ context.Context, entry *MemoryEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	part := b.entries[entry.Partition]
	if part == nil {
		part = make(map[string]*MemoryEntry)
		b.entries[entry.Partition] = part
	}
	part[entry.Key] = entry.clone()
	return nil
}

// DeleteEntry implements Backend.
func (b *MemoryBackend) DeleteEntry(_ context.Context, partition, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return false, err
	}
	part := b.entries[partition]
	if _, ok := part[key]; !ok {
		return false, nil
	}
	delete(part, key)
	if len(part) == 0 {
		delete(b.entries, partition)
	}
	return true, nil
}

// ListEntries implements Backend.
func (b *MemoryBackend) ListEntries(_ context.Context, partition, prefix string) ([]*MemoryEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	out := make([]*MemoryEntry, 0)
	for key, e := range b.entries[partition] {
		if strings.HasPrefix(key, prefix) {
			out = append(out, e.clone())
		}
	}
	return out, nil
}

// DeleteExpiredEntries implements Backend.
func (b *MemoryBackend) DeleteExpiredEntries(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return 0, err
	}
	n := 0
	for partition, part := range b.entries {
		for key, e := range part {
			if e.Expired(now) {
				delete(part, key)
				n++
			}
		}
		if len(part) == 0 {
			delete(b.entries, partition)
		}
	}
	return n, nil
}

// DeleteEntriesByOwner implements Backend.
func (b *MemoryBackend) DeleteEntriesByOwner(_ context.Context, partition, ownerID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return 0, err
	}
	part := b.entries[partition]
	n := 0
	for key, e := range part {
		if e.OwnerID == ownerID {
			delete(part, key)
			n++
		}
	}
	if part != nil && len(part) == 0 {
		delete(b.entries, partition)
	}
	return n, nil
}

// AppendAudit implements Backend.
func (b *MemoryBackend) AppendAudit(_ context.Context, rec AuditRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	k := auditKey(rec.Partition, rec.Key)
	b.audit[k] = append(b.audit[k], rec)
	return nil
}

// ListAudit implements Backend.
func (b *MemoryBackend) ListAudit(_ context.Context, partition, key string) ([]AuditRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	src := b.audit[auditKey(partition, key)]
	out := make([]AuditRecord, len(src))
	copy(out, src)
	return out, nil
}

// PutGrant implements Backend.
func (b *MemoryBackend) PutGrant(_ context.Context, principalID string, level AccessLevel) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	b.grants[principalID] = level
	return nil
}

// DeleteGrant implements Backend.
func (b *MemoryBackend) DeleteGrant(_ context.Context, principalID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	delete(b.grants, principalID)
	return nil
}

// GetGrant implements Backend.
func (b *MemoryBackend) GetGrant(_ context.Context, principalID string) (AccessLevel, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return AccessNone, err
	}
	return b.grants[principalID], nil
}

// AppendEvent implements Backend.
func (b *MemoryBackend) AppendEvent(_ context.Context, rec types.EventRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	b.events = append(b.events, rec)
	return nil
}

// ListEvents implements Backend.
func (b *MemoryBackend) ListEvents(_ context.Context, since time.Time) ([]types.EventRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	out := make([]types.EventRecord, 0)
	for _, rec := range b.events {
		if !rec.Timestamp.Before(since) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// DeleteEventsBefore implements Backend.
func (b *MemoryBackend) DeleteEventsBefore(_ context.Context, cutoff time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return 0, err
	}
	kept := b.events[:0]
	for _, rec := range b.events {
		if !rec.Timestamp.Before(cutoff) {
			kept = append(kept, rec)
		}
	}
	n := len(b.events) - len(kept)
	b.events = kept
	return n, nil
}

// AppendWorkflowStep implements Backend.
func (b *MemoryBackend) AppendWorkflowStep(_ context.Context, workflowID string, step WorkflowStep) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return false, err
	}
	for _, s := range b.workflows[workflowID] {
		if s.StepID == step.StepID {
			return false, nil
		}
	}
	if step.Output != nil {
		step.Output = append([]byte(nil), step.Output...)
	}
	b.workflows[workflowID] = append(b.workflows[workflowID], step)
	return true, nil
}

// GetWorkflowSteps implements Backend.
func (b *MemoryBackend) GetWorkflowSteps(_ context.Context, workflowID string) ([]WorkflowStep, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	src := b.workflows[workflowID]
	if len(src) == 0 {
		return nil, nil
	}
	out := make([]WorkflowStep, len(src))
	copy(out, src)
	return out, nil
}

// SaveAgent implements Backend.
func (b *MemoryBackend) SaveAgent(_ context.Context, reg AgentRegistration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	b.agents[reg.ID] = reg
	return nil
}

// ListAgents implements Backend.
func (b *MemoryBackend) ListAgents(_ context.Context) ([]AgentRegistration, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	out := make([]AgentRegistration, 0, len(b.agents))
	for _, reg := range b.agents {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendMetric implements Backend.
func (b *MemoryBackend) AppendMetric(_ context.Context, m PerformanceMetric) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	b.metrics = append(b.metrics, m)
	return nil
}

// ListMetrics implements Backend.
func (b *MemoryBackend) ListMetrics(_ context.Context, agentID string) ([]PerformanceMetric, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	out := make([]PerformanceMetric, 0)
	for _, m := range b.metrics {
		if agentID == "" || m.AgentID == agentID {
			out = append(out, m)
		}
	}
	return out, nil
}

// Ping implements Backend.
func (b *MemoryBackend) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.check()
}

// Close implements Backend.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

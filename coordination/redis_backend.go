package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfleet/types"
)

// RedisBackend stores coordination state in Redis.
//
// Layout, relative to the key prefix:
//
//	entries:{partition}          hash  key -> entry JSON
//	index:{partition}            zset  keys, score 0, for lexicographic prefix scans
//	owner:{partition}:{owner}    set   keys owned by owner
//	expiry                       zset  "{partition}\x00{key}" scored by expiry unix ms
//	audit:{partition}:{key}      list  audit JSON
//	grants                       hash  principal -> level
//	events                       zset  event JSON scored by unix micros
//	wf:{id}:steps / wf:{id}:order hash + list for append-only workflow steps
//	agents                       hash  id -> registration JSON
//	metrics                      list  metric JSON
type RedisBackend struct {
	client    redis.UniversalClient
	prefix    string
	ownClient bool
	closed    atomic.Bool
	logger    *zap.Logger
}

// RedisOption configures a RedisBackend.
type RedisOption func(*RedisBackend)

// WithOwnedClient makes Close also close the redis client.
func WithOwnedClient() RedisOption {
	return func(b *RedisBackend) {
		b.ownClient = true
	}
}

// NewRedisBackend wraps a redis client. prefix namespaces every key.
func NewRedisBackend(client redis.UniversalClient, prefix string, logger *zap.Logger, opts ...RedisOption) (*RedisBackend, error) {
	if client == nil {
		return nil, types.NewValidationError("redis backend requires a client")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &RedisBackend{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "redis_backend")),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Name implements Backend.
func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) k(parts ...string) string {
	return b.prefix + strings.Join(parts, ":")
}

func expiryMember(partition, key string) string {
	return partition + "\x00" + key
}

func (b *RedisBackend) check() error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	return nil
}

// GetEntry implements Backend.
func (b *RedisBackend) GetEntry(ctx context.Context, partition, key string) (*MemoryEntry, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	raw, err := b.client.HGet(ctx, b.k("entries", partition), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e MemoryEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode entry %s/%s: %w", partition, key, err)
	}
	return &e, nil
}

// PutEntry implements Backend.
func (b *RedisBackend) PutEntry(ctx context.Context, entry *MemoryEntry) error {
	if err := b.check(); err != nil {
		return err
	}
	prev, err := b.GetEntry(ctx, entry.Partition, entry.Key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, b.k("entries", entry.Partition), entry.Key, raw)
		p.ZAdd(ctx, b.k("index", entry.Partition), redis.Z{Member: entry.Key})
		member := expiryMember(entry.Partition, entry.Key)
		if entry.ExpiresAt != nil {
			p.ZAdd(ctx, b.k("expiry"), redis.Z{Score: float64(entry.ExpiresAt.UnixMilli()), Member: member})
		} else {
			p.ZRem(ctx, b.k("expiry"), member)
		}
		if prev != nil && prev.OwnerID != "" && prev.OwnerID != entry.OwnerID {
			p.SRem(ctx, b.k("owner", entry.Partition, prev.OwnerID), entry.Key)
		}
		if entry.OwnerID != "" {
			p.SAdd(ctx, b.k("owner", entry.Partition, entry.OwnerID), entry.Key)
		}
		return nil
	})
	return err
}

// DeleteEntry implements Backend.
func (b *RedisBackend) DeleteEntry(ctx context.Context, partition, key string) (bool, error) {
	if err := b.check(); err != nil {
		return false, err
	}
	prev, err := b.GetEntry(ctx, partition, key)
	if err != nil || prev == nil {
		return false, err
	}
	return true, b.removeEntries(ctx, []*MemoryEntry{prev})
}

func (b *RedisBackend) removeEntries(ctx context.Context, entries []*MemoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, e := range entries {
			b.queueRemove(ctx, p, e)
		}
		return nil
	})
	return err
}

func (b *RedisBackend) queueRemove(ctx context.Context, p redis.Pipeliner, e *MemoryEntry) {
	p.HDel(ctx, b.k("entries", e.Partition), e.Key)
	p.ZRem(ctx, b.k("index", e.Partition), e.Key)
	p.ZRem(ctx, b.k("expiry"), expiryMember(e.Partition, e.Key))
	if e.OwnerID != "" {
		p.SRem(ctx, b.k("owner", e.Partition, e.OwnerID), e.Key)
	}
}

// ListEntries implements Backend.
func (b *RedisBackend) ListEntries(ctx context.Context, partition, prefix string) ([]*MemoryEntry, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	minLex, maxLex := "-", "+"
	if prefix != "" {
		minLex = "[" + prefix
		maxLex = "[" + prefix + "\xff"
	}
	keys, err := b.client.ZRangeByLex(ctx, b.k("index", partition), &redis.ZRangeBy{Min: minLex, Max: maxLex}).Result()
	if err != nil {
		return nil, err
	}
	return b.loadEntries(ctx, partition, keys)
}

func (b *RedisBackend) loadEntries(ctx context.Context, partition string, keys []string) ([]*MemoryEntry, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := b.client.HMGet(ctx, b.k("entries", partition), keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*MemoryEntry, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e MemoryEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("decode entry %s/%s: %w", partition, keys[i], err)
		}
		out = append(out, &e)
	}
	return out, nil
}

// DeleteExpiredEntries implements Backend. Each candidate is re-read and
// removed under WATCH, so a write that refreshes or clears the TTL between
// the scan and the delete survives.
func (b *RedisBackend) DeleteExpiredEntries(ctx context.Context, now time.Time) (int, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	members, err := b.client.ZRangeByScore(ctx, b.k("expiry"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, m := range members {
		partition, key, ok := strings.Cut(m, "\x00")
		if !ok {
			if err := b.client.ZRem(ctx, b.k("expiry"), m).Err(); err != nil {
				b.logger.Warn("drop malformed expiry member failed", zap.Error(err))
			}
			continue
		}
		removed, err := b.deleteIfExpired(ctx, partition, key, now)
		if err != nil {
			return n, err
		}
		if removed {
			n++
		}
	}
	return n, nil
}

// sweepRetries bounds WATCH retries for one key; a key that keeps changing
// is left for the next sweep.
const sweepRetries = 3

func (b *RedisBackend) deleteIfExpired(ctx context.Context, partition, key string, now time.Time) (bool, error) {
	entriesKey := b.k("entries", partition)
	member := expiryMember(partition, key)
	removed := false

	txf := func(tx *redis.Tx) error {
		removed = false
		raw, err := tx.HGet(ctx, entriesKey, key).Bytes()
		if errors.Is(err, redis.Nil) {
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.ZRem(ctx, b.k("expiry"), member)
				return nil
			})
			return err
		}
		if err != nil {
			return err
		}
		var e MemoryEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("decode entry %s/%s: %w", partition, key, err)
		}
		if !e.Expired(now) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			b.queueRemove(ctx, p, &e)
			return nil
		})
		if err == nil {
			removed = true
		}
		return err
	}

	for i := 0; i < sweepRetries; i++ {
		err := b.client.Watch(ctx, txf, entriesKey)
		if !errors.Is(err, redis.TxFailedErr) {
			return removed, err
		}
	}
	b.logger.Debug("expired entry kept changing, left for next sweep",
		zap.String("partition", partition), zap.String("key", key))
	return false, nil
}

// DeleteEntriesByOwner implements Backend.
func (b *RedisBackend) DeleteEntriesByOwner(ctx context.Context, partition, ownerID string) (int, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	keys, err := b.client.SMembers(ctx, b.k("owner", partition, ownerID)).Result()
	if err != nil {
		return 0, err
	}
	entries, err := b.loadEntries(ctx, partition, keys)
	if err != nil {
		return 0, err
	}
	owned := entries[:0]
	for _, e := range entries {
		if e.OwnerID == ownerID {
			owned = append(owned, e)
		}
	}
	if err := b.removeEntries(ctx, owned); err != nil {
		return 0, err
	}
	return len(owned), nil
}

// AppendAudit implements Backend.
func (b *RedisBackend) AppendAudit(ctx context.Context, rec AuditRecord) error {
	if err := b.check(); err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.client.RPush(ctx, b.k("audit", rec.Partition, rec.Key), raw).Err()
}

// ListAudit implements Backend.
func (b *RedisBackend) ListAudit(ctx context.Context, partition, key string) ([]AuditRecord, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	vals, err := b.client.LRange(ctx, b.k("audit", partition, key), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return decodeAll[AuditRecord](vals)
}

// PutGrant implements Backend.
func (b *RedisBackend) PutGrant(ctx context.Context, principalID string, level AccessLevel) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.client.HSet(ctx, b.k("grants"), principalID, int(level)).Err()
}

// DeleteGrant implements Backend.
func (b *RedisBackend) DeleteGrant(ctx context.Context, principalID string) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.client.HDel(ctx, b.k("grants"), principalID).Err()
}

// GetGrant implements Backend.
func (b *RedisBackend) GetGrant(ctx context.Context, principalID string) (AccessLevel, error) {
	if err := b.check(); err != nil {
		return AccessNone, err
	}
	n, err := b.client.HGet(ctx, b.k("grants"), principalID).Int()
	if errors.Is(err, redis.Nil) {
		return AccessNone, nil
	}
	if err != nil {
		return AccessNone, err
	}
	return AccessLevel(n), nil
}

// AppendEvent implements Backend.
func (b *RedisBackend) AppendEvent(ctx context.Context, rec types.EventRecord) error {
	if err := b.check(); err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.client.ZAdd(ctx, b.k("events"), redis.Z{
		Score:  float64(rec.Timestamp.UnixMicro()),
		Member: raw,
	}).Err()
}

// ListEvents implements Backend.
func (b *RedisBackend) ListEvents(ctx context.Context, since time.Time) ([]types.EventRecord, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	minScore := "-inf"
	if !since.IsZero() {
		minScore = strconv.FormatInt(since.UnixMicro(), 10)
	}
	vals, err := b.client.ZRangeByScore(ctx, b.k("events"), &redis.ZRangeBy{Min: minScore, Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}
	return decodeAll[types.EventRecord](vals)
}

// DeleteEventsBefore implements Backend.
func (b *RedisBackend) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	n, err := b.client.ZRemRangeByScore(ctx, b.k("events"), "-inf", "("+strconv.FormatInt(cutoff.UnixMicro(), 10)).Result()
	return int(n), err
}

// AppendWorkflowStep implements Backend. HSETNX on the step id makes a
// repeated step a no-op.
func (b *RedisBackend) AppendWorkflowStep(ctx context.Context, workflowID string, step WorkflowStep) (bool, error) {
	if err := b.check(); err != nil {
		return false, err
	}
	raw, err := json.Marshal(step)
	if err != nil {
		return false, err
	}
	set, err := b.client.HSetNX(ctx, b.k("wf", workflowID, "steps"), step.StepID, raw).Result()
	if err != nil || !set {
		return false, err
	}
	if err := b.client.RPush(ctx, b.k("wf", workflowID, "order"), step.StepID).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// GetWorkflowSteps implements Backend.
func (b *RedisBackend) GetWorkflowSteps(ctx context.Context, workflowID string) ([]WorkflowStep, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	ids, err := b.client.LRange(ctx, b.k("wf", workflowID, "order"), 0, -1).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	vals, err := b.client.HMGet(ctx, b.k("wf", workflowID, "steps"), ids...).Result()
	if err != nil {
		return nil, err
	}
	raws := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			raws = append(raws, s)
		}
	}
	return decodeAll[WorkflowStep](raws)
}

// SaveAgent implements Backend.
func (b *RedisBackend) SaveAgent(ctx context.Context, reg AgentRegistration) error {
	if err := b.check(); err != nil {
		return err
	}
	raw, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	return b.client.HSet(ctx, b.k("agents"), reg.ID, raw).Err()
}

// ListAgents implements Backend.
func (b *RedisBackend) ListAgents(ctx context.Context) ([]AgentRegistration, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	all, err := b.client.HGetAll(ctx, b.k("agents")).Result()
	if err != nil {
		return nil, err
	}
	raws := make([]string, 0, len(all))
	for _, v := range all {
		raws = append(raws, v)
	}
	regs, err := decodeAll[AgentRegistration](raws)
	if err != nil {
		return nil, err
	}
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].CreatedAt.Equal(regs[j].CreatedAt) {
			return regs[i].ID < regs[j].ID
		}
		return regs[i].CreatedAt.Before(regs[j].CreatedAt)
	})
	return regs, nil
}

// AppendMetric implements Backend.
func (b *RedisBackend) AppendMetric(ctx context.Context, m PerformanceMetric) error {
	if err := b.check(); err != nil {
		return err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.client.RPush(ctx, b.k("metrics"), raw).Err()
}

// ListMetrics implements Backend.
func (b *RedisBackend) ListMetrics(ctx context.Context, agentID string) ([]PerformanceMetric, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	vals, err := b.client.LRange(ctx, b.k("metrics"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	all, err := decodeAll[PerformanceMetric](vals)
	if err != nil || agentID == "" {
		return all, err
	}
	out := all[:0]
	for _, m := range all {
		if m.AgentID == agentID {
			out = append(out, m)
		}
	}
	return out, nil
}

// Ping implements Backend.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}

// Close implements Backend.
func (b *RedisBackend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.ownClient {
		return b.client.Close()
	}
	return nil
}

func decodeAll[T any](raws []string) ([]T, error) {
	out := make([]T, 0, len(raws))
	for _, s := range raws {
		var v T
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

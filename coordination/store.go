package coordination

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfleet/config"
	"github.com/BaSui01/agentfleet/internal/metrics"
	"github.com/BaSui01/agentfleet/types"
)

// Options tunes Store behaviour.
type Options struct {
	SweepInterval  time.Duration
	EventRetention time.Duration
	HintTTL        time.Duration
	LockStripes    int
}

// DefaultOptions returns the documented defaults: sweep every 60s, keep events
// for 30 days, hints live for 5 minutes.
func DefaultOptions() Options {
	return Options{
		SweepInterval:  60 * time.Second,
		EventRetention: 30 * 24 * time.Hour,
		HintTTL:        5 * time.Minute,
		LockStripes:    64,
	}
}

// OptionsFromConfig maps the store section of the application config.
func OptionsFromConfig(cfg config.StoreConfig) Options {
	return Options{
		SweepInterval:  cfg.SweepInterval,
		EventRetention: cfg.EventRetention,
		HintTTL:        cfg.HintTTL,
		LockStripes:    cfg.LockStripes,
	}
}

// StoreOption configures optional Store collaborators.
type StoreOption func(*Store)

// WithMetrics records per-operation metrics.
func WithMetrics(c *metrics.Collector) StoreOption {
	return func(s *Store) {
		s.metrics = c
	}
}

// WithGrantIssuer enables GetWithToken and IssueGrantToken.
func WithGrantIssuer(issuer *GrantIssuer) StoreOption {
	return func(s *Store) {
		s.issuer = issuer
	}
}

// WithClock overrides the time source used for TTL evaluation.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// Store is the coordination store. It is safe for concurrent use.
type Store struct {
	backend Backend
	opts    Options
	locks   []sync.Mutex
	issuer  *GrantIssuer
	now     func() time.Time

	metrics *metrics.Collector
	logger  *zap.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	closed  bool
}

// NewStore wraps backend with validation, access control and the sweeper.
func NewStore(backend Backend, opts Options, logger *zap.Logger, storeOpts ...StoreOption) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.EventRetention <= 0 {
		opts.EventRetention = def.EventRetention
	}
	if opts.HintTTL <= 0 {
		opts.HintTTL = def.HintTTL
	}
	if opts.LockStripes <= 0 {
		opts.LockStripes = def.LockStripes
	}

	s := &Store{
		backend: backend,
		opts:    opts,
		locks:   make([]sync.Mutex, opts.LockStripes),
		now:     time.Now,
		logger: logger.With(
			zap.String("component", "coordination_store"),
			zap.String("backend", backend.Name()),
		),
	}
	for _, opt := range storeOpts {
		opt(s)
	}
	return s
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// =============================================================================
// Helpers
// =============================================================================

// lockKey serializes writers of one (partition, key) pair.
func (s *Store) lockKey(partition, key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(partition))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	m := &s.locks[h.Sum32()%uint32(len(s.locks))]
	m.Lock()
	return m.Unlock
}

// observe is deferred with a pointer to the named error result.
func (s *Store) observe(op string, start time.Time, err *error) {
	s.metrics.RecordStoreOperation(s.backend.Name(), op, *err, time.Since(start))
}

// storageErr classifies a backend failure. Context errors are not storage
// faults; everything else is.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewTimeoutError(fmt.Sprintf("coordination %s timed out", op), err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("coordination %s: %w", op, err)
	}
	return types.NewStorageError(fmt.Sprintf("coordination %s failed", op), err)
}

func partitionOr(partition string) string {
	if partition == "" {
		return PartitionCoordination
	}
	return partition
}

func validateKey(key string) error {
	if key == "" {
		return types.NewValidationError("key must not be empty")
	}
	if len(key) > 512 {
		return types.NewValidationError("key exceeds 512 bytes")
	}
	return nil
}

// splitPattern returns the literal prefix of a glob and whether the pattern
// contains glob metacharacters.
func splitPattern(pattern string) (prefix string, glob bool) {
	i := strings.IndexAny(pattern, `*?[\`)
	if i < 0 {
		return pattern, false
	}
	return pattern[:i], true
}

// =============================================================================
// Entries
// =============================================================================

// Put atomically upserts an entry. Each upsert increments Version and
// appends an audit record.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts PutOptions) (entry *MemoryEntry, err error) {
	defer s.observe("put", time.Now(), &err)

	partition := partitionOr(opts.Partition)
	if err = ValidatePartition(partition); err != nil {
		return nil, err
	}
	if err = validateKey(key); err != nil {
		return nil, err
	}
	level := opts.AccessLevel
	if level == AccessNone {
		level = AccessPrivate
	}
	if !level.Valid() {
		return nil, types.NewValidationError("invalid access level %d", int(level))
	}
	if opts.TTL < 0 {
		return nil, types.NewValidationError("ttl must not be negative")
	}

	unlock := s.lockKey(partition, key)
	defer unlock()

	now := s.now()
	existing, gerr := s.backend.GetEntry(ctx, partition, key)
	if gerr != nil {
		return nil, storageErr("put", gerr)
	}

	e := &MemoryEntry{
		Key:         key,
		Partition:   partition,
		Value:       append([]byte(nil), value...),
		OwnerID:     opts.OwnerID,
		AccessLevel: level,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	if existing != nil {
		e.Version = existing.Version + 1
		if !existing.Expired(now) {
			e.CreatedAt = existing.CreatedAt
		}
	}
	if opts.TTL > 0 {
		exp := now.Add(opts.TTL)
		e.ExpiresAt = &exp
	}

	if perr := s.backend.PutEntry(ctx, e); perr != nil {
		return nil, storageErr("put", perr)
	}
	if aerr := s.backend.AppendAudit(ctx, AuditRecord{
		Partition: partition,
		Key:       key,
		Action:    AuditPut,
		ActorID:   opts.OwnerID,
		Version:   e.Version,
		At:        now,
	}); aerr != nil {
		return nil, storageErr("audit", aerr)
	}
	return e.clone(), nil
}

// Get reads a live entry. Absent and expired entries yield NOT_FOUND; an
// insufficient requester level yields ACCESS_DENIED.
func (s *Store) Get(ctx context.Context, key string, opts GetOptions) (entry *MemoryEntry, err error) {
	defer s.observe("get", time.Now(), &err)

	partition := partitionOr(opts.Partition)
	if err = ValidatePartition(partition); err != nil {
		return nil, err
	}
	if err = validateKey(key); err != nil {
		return nil, err
	}

	e, gerr := s.backend.GetEntry(ctx, partition, key)
	if gerr != nil {
		return nil, storageErr("get", gerr)
	}
	if e == nil || e.Expired(s.now()) {
		return nil, types.NewNotFoundError("entry %s/%s not found", partition, key)
	}
	if !opts.RequesterLevel.Allows(e.AccessLevel) {
		return nil, types.NewAccessDeniedError("entry %s/%s requires %s, requester has %s",
			partition, key, e.AccessLevel, opts.RequesterLevel)
	}
	return e.clone(), nil
}

// Query returns live entries whose keys match pattern. A pattern with glob
// metacharacters uses path.Match semantics, so `*` and `?` stay within one
// "/"-separated segment: "task/*" matches "task/c" but not "task/a/b". A plain
// pattern matches as a prefix across segments ("task/" matches both).
// Expired and access-denied entries are omitted.
func (s *Store) Query(ctx context.Context, pattern string, opts QueryOptions) (out []*MemoryEntry, err error) {
	defer s.observe("query", time.Now(), &err)

	partition := partitionOr(opts.Partition)
	if err = ValidatePartition(partition); err != nil {
		return nil, err
	}
	prefix, glob := splitPattern(pattern)
	if glob {
		if _, merr := path.Match(pattern, ""); merr != nil {
			return nil, types.NewValidationError("bad query pattern %q: %v", pattern, merr)
		}
	}

	entries, lerr := s.backend.ListEntries(ctx, partition, prefix)
	if lerr != nil {
		return nil, storageErr("query", lerr)
	}

	now := s.now()
	out = make([]*MemoryEntry, 0, len(entries))
	for _, e := range entries {
		if e.Expired(now) || !opts.RequesterLevel.Allows(e.AccessLevel) {
			continue
		}
		if glob {
			if ok, _ := path.Match(pattern, e.Key); !ok {
				continue
			}
		} else if !strings.HasPrefix(e.Key, prefix) {
			continue
		}
		out = append(out, e.clone())
	}
	if opts.Sort {
		sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Delete removes an entry. Deleting a missing key is a no-op.
func (s *Store) Delete(ctx context.Context, key, partition string) (deleted bool, err error) {
	defer s.observe("delete", time.Now(), &err)

	partition = partitionOr(partition)
	if err = ValidatePartition(partition); err != nil {
		return false, err
	}
	if err = validateKey(key); err != nil {
		return false, err
	}

	unlock := s.lockKey(partition, key)
	defer unlock()

	existing, gerr := s.backend.GetEntry(ctx, partition, key)
	if gerr != nil {
		return false, storageErr("delete", gerr)
	}
	ok, derr := s.backend.DeleteEntry(ctx, partition, key)
	if derr != nil {
		return false, storageErr("delete", derr)
	}
	if !ok {
		return false, nil
	}
	rec := AuditRecord{Partition: partition, Key: key, Action: AuditDelete, At: s.now()}
	if existing != nil {
		rec.Version = existing.Version
		rec.ActorID = existing.OwnerID
	}
	if aerr := s.backend.AppendAudit(ctx, rec); aerr != nil {
		return true, storageErr("audit", aerr)
	}
	return true, nil
}

// History returns the audit trail of one key, oldest first.
func (s *Store) History(ctx context.Context, key, partition string) (recs []AuditRecord, err error) {
	defer s.observe("history", time.Now(), &err)

	partition = partitionOr(partition)
	if err = ValidatePartition(partition); err != nil {
		return nil, err
	}
	recs, err = s.backend.ListAudit(ctx, partition, key)
	return recs, storageErr("history", err)
}

// =============================================================================
// Hints
// =============================================================================

// PostHint stores a TTL-bound hint in the reserved hints partition.
func (s *Store) PostHint(ctx context.Context, hint Hint) (*MemoryEntry, error) {
	ttl := hint.TTL
	if ttl <= 0 {
		ttl = s.opts.HintTTL
	}
	level := hint.AccessLevel
	if level == AccessNone {
		level = AccessSwarm
	}
	return s.Put(ctx, hint.Key, hint.Value, PutOptions{
		Partition:   PartitionHints,
		AccessLevel: level,
		TTL:         ttl,
		OwnerID:     hint.OwnerID,
	})
}

// ReadHints returns live hints matching pattern, sorted by key, as seen by a
// swarm-level reader. Pattern semantics follow Query: globs match within one
// "/" segment, plain patterns match as a prefix.
func (s *Store) ReadHints(ctx context.Context, pattern string) ([]*MemoryEntry, error) {
	return s.Query(ctx, pattern, QueryOptions{
		Partition:      PartitionHints,
		RequesterLevel: AccessSwarm,
		Sort:           true,
	})
}

// DeleteHintsByOwner removes every hint posted by ownerID.
func (s *Store) DeleteHintsByOwner(ctx context.Context, ownerID string) (n int, err error) {
	defer s.observe("delete_hints", time.Now(), &err)
	if ownerID == "" {
		return 0, nil
	}
	n, err = s.backend.DeleteEntriesByOwner(ctx, PartitionHints, ownerID)
	return n, storageErr("delete hints", err)
}

// =============================================================================
// Workflow state
// =============================================================================

// RecordWorkflowStep appends a step. Recording the same StepID twice is a
// no-op that returns false.
func (s *Store) RecordWorkflowStep(ctx context.Context, workflowID string, step WorkflowStep) (recorded bool, err error) {
	defer s.observe("record_step", time.Now(), &err)

	if workflowID == "" {
		return false, types.NewValidationError("workflow id must not be empty")
	}
	if step.StepID == "" {
		return false, types.NewValidationError("step id must not be empty")
	}
	if step.Status == "" {
		return false, types.NewValidationError("step status must not be empty")
	}
	if step.RecordedAt.IsZero() {
		step.RecordedAt = s.now()
	}

	unlock := s.lockKey(PartitionWorkflow, workflowID)
	defer unlock()

	recorded, err = s.backend.AppendWorkflowStep(ctx, workflowID, step)
	return recorded, storageErr("record workflow step", err)
}

// GetWorkflow returns the full state of a workflow.
func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowState, error) {
	steps, err := s.ListWorkflowSteps(ctx, workflowID, "")
	if err != nil {
		return nil, err
	}
	ws := newWorkflowState(workflowID, steps)
	if ws == nil {
		return nil, types.NewNotFoundError("workflow %s not found", workflowID)
	}
	return ws, nil
}

// ListWorkflowSteps returns the steps whose StepID starts with prefix, in
// append order.
func (s *Store) ListWorkflowSteps(ctx context.Context, workflowID, prefix string) (out []WorkflowStep, err error) {
	defer s.observe("list_steps", time.Now(), &err)

	if workflowID == "" {
		return nil, types.NewValidationError("workflow id must not be empty")
	}
	steps, lerr := s.backend.GetWorkflowSteps(ctx, workflowID)
	if lerr != nil {
		return nil, storageErr("list workflow steps", lerr)
	}
	if prefix == "" {
		return steps, nil
	}
	for _, st := range steps {
		if strings.HasPrefix(st.StepID, prefix) {
			out = append(out, st)
		}
	}
	return out, nil
}

// =============================================================================
// Access grants
// =============================================================================

// Grant assigns an access level to a principal.
func (s *Store) Grant(ctx context.Context, principalID string, level AccessLevel) (err error) {
	defer s.observe("grant", time.Now(), &err)

	if principalID == "" {
		return types.NewValidationError("principal id must not be empty")
	}
	if !level.Valid() {
		return types.NewValidationError("invalid access level %d", int(level))
	}
	return storageErr("grant", s.backend.PutGrant(ctx, principalID, level))
}

// Revoke removes a principal's grant.
func (s *Store) Revoke(ctx context.Context, principalID string) (err error) {
	defer s.observe("revoke", time.Now(), &err)
	return storageErr("revoke", s.backend.DeleteGrant(ctx, principalID))
}

// GrantedLevel returns the principal's level, or AccessNone.
func (s *Store) GrantedLevel(ctx context.Context, principalID string) (AccessLevel, error) {
	level, err := s.backend.GetGrant(ctx, principalID)
	if err != nil {
		return AccessNone, storageErr("granted level", err)
	}
	return level, nil
}

// GetAs reads an entry with the requester level resolved from grants.
func (s *Store) GetAs(ctx context.Context, principalID, key, partition string) (*MemoryEntry, error) {
	level, err := s.GrantedLevel(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, key, GetOptions{Partition: partition, RequesterLevel: level})
}

// IssueGrantToken signs the principal's current grant into a portable token.
func (s *Store) IssueGrantToken(ctx context.Context, principalID string) (string, error) {
	if s.issuer == nil {
		return "", types.NewValidationError("grant tokens are not configured")
	}
	level, err := s.GrantedLevel(ctx, principalID)
	if err != nil {
		return "", err
	}
	if !level.Valid() {
		return "", types.NewAccessDeniedError("principal %s holds no grant", principalID)
	}
	return s.issuer.Issue(principalID, level)
}

// GetWithToken reads an entry with the requester level carried by a grant
// token.
func (s *Store) GetWithToken(ctx context.Context, token, key, partition string) (*MemoryEntry, error) {
	if s.issuer == nil {
		return nil, types.NewValidationError("grant tokens are not configured")
	}
	claims, err := s.issuer.Verify(token)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, key, GetOptions{Partition: partition, RequesterLevel: claims.Level})
}

// =============================================================================
// Event log
// =============================================================================

// AppendEvent persists a bus event.
func (s *Store) AppendEvent(ctx context.Context, rec types.EventRecord) (err error) {
	defer s.observe("append_event", time.Now(), &err)
	if rec.Topic == "" {
		return types.NewValidationError("event topic must not be empty")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	return storageErr("append event", s.backend.AppendEvent(ctx, rec))
}

// ListEvents returns persisted events at or after since whose topic matches
// topicPattern, oldest first.
func (s *Store) ListEvents(ctx context.Context, since time.Time, topicPattern string) (out []types.EventRecord, err error) {
	defer s.observe("list_events", time.Now(), &err)

	recs, lerr := s.backend.ListEvents(ctx, since)
	if lerr != nil {
		return nil, storageErr("list events", lerr)
	}
	if topicPattern == "" {
		topicPattern = "*"
	}
	out = make([]types.EventRecord, 0, len(recs))
	for _, rec := range recs {
		if types.MatchTopic(topicPattern, rec.Topic) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// =============================================================================
// Agent registry and performance metrics
// =============================================================================

// SaveAgent upserts an agent registration.
func (s *Store) SaveAgent(ctx context.Context, reg AgentRegistration) (err error) {
	defer s.observe("save_agent", time.Now(), &err)
	if reg.ID == "" {
		return types.NewValidationError("agent id must not be empty")
	}
	if reg.UpdatedAt.IsZero() {
		reg.UpdatedAt = s.now()
	}
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = reg.UpdatedAt
	}
	return storageErr("save agent", s.backend.SaveAgent(ctx, reg))
}

// ListAgents returns every registration, including terminated agents.
func (s *Store) ListAgents(ctx context.Context) (regs []AgentRegistration, err error) {
	defer s.observe("list_agents", time.Now(), &err)
	regs, err = s.backend.ListAgents(ctx)
	return regs, storageErr("list agents", err)
}

// RecordMetric stores a performance measurement.
func (s *Store) RecordMetric(ctx context.Context, m PerformanceMetric) (err error) {
	defer s.observe("record_metric", time.Now(), &err)
	if m.AgentID == "" || m.Name == "" {
		return types.NewValidationError("metric requires agent id and name")
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = s.now()
	}
	return storageErr("record metric", s.backend.AppendMetric(ctx, m))
}

// ListMetrics returns measurements for one agent, or all when agentID is empty.
func (s *Store) ListMetrics(ctx context.Context, agentID string) (ms []PerformanceMetric, err error) {
	defer s.observe("list_metrics", time.Now(), &err)
	ms, err = s.backend.ListMetrics(ctx, agentID)
	return ms, storageErr("list metrics", err)
}

// =============================================================================
// Sweeper and lifecycle
// =============================================================================

// Sweep physically removes expired entries and events older than the
// retention window.
func (s *Store) Sweep(ctx context.Context) (res SweepResult, err error) {
	start := time.Now()
	defer s.observe("sweep", start, &err)
	now := s.now()

	expired, derr := s.backend.DeleteExpiredEntries(ctx, now)
	if derr != nil {
		return SweepResult{}, storageErr("sweep entries", derr)
	}
	pruned, derr := s.backend.DeleteEventsBefore(ctx, now.Add(-s.opts.EventRetention))
	if derr != nil {
		return SweepResult{ExpiredEntries: expired}, storageErr("sweep events", derr)
	}

	res = SweepResult{ExpiredEntries: expired, PrunedEvents: pruned, Duration: time.Since(start)}
	s.metrics.RecordSweep(expired, pruned)
	if expired > 0 || pruned > 0 {
		s.logger.Debug("sweep completed",
			zap.Int("expired_entries", expired),
			zap.Int("pruned_events", pruned),
			zap.Duration("duration", res.Duration))
	}
	return res, nil
}

// Start runs the sweeper every SweepInterval until ctx is done or Close is
// called. Calling Start twice is a no-op.
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.closed {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(s.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil {
					s.logger.Warn("sweep failed", zap.Error(err))
				}
			}
		}
	}()
	s.logger.Info("sweeper started", zap.Duration("interval", s.opts.SweepInterval))
}

// Ping checks backend health.
func (s *Store) Ping(ctx context.Context) error {
	return storageErr("ping", s.backend.Ping(ctx))
}

// Close stops the sweeper and closes the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stopCh, doneCh, running := s.stopCh, s.doneCh, s.running
	s.mu.Unlock()

	if running {
		close(stopCh)
		<-doneCh
	}
	return s.backend.Close()
}

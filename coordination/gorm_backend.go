package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agentfleet/internal/metrics"
	"github.com/BaSui01/agentfleet/types"
)

// =============================================================================
// Table models
// =============================================================================

type entryRow struct {
	Partition   string     `gorm:"column:partition_name;primaryKey;size:64"`
	Key         string     `gorm:"column:entry_key;primaryKey;size:512"`
	Value       []byte     `gorm:"column:value"`
	OwnerID     string     `gorm:"column:owner_id;size:255;index:idx_memory_entries_owner"`
	AccessLevel int        `gorm:"column:access_level;not null"`
	ExpiresAt   *time.Time `gorm:"column:expires_at;index:idx_memory_entries_expires"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null"`
	Version     int64      `gorm:"column:version;not null"`
}

func (entryRow) TableName() string { return "memory_entries" }

type auditRow struct {
	ID        uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	Partition string    `gorm:"column:partition_name;size:64;index:idx_memory_audit_key,priority:1"`
	Key       string    `gorm:"column:entry_key;size:512;index:idx_memory_audit_key,priority:2"`
	Action    string    `gorm:"column:action;size:16;not null"`
	ActorID   string    `gorm:"column:actor_id;size:255"`
	Version   int64     `gorm:"column:version;not null"`
	At        time.Time `gorm:"column:recorded_at;not null"`
}

func (auditRow) TableName() string { return "memory_audit" }

type grantRow struct {
	PrincipalID string    `gorm:"column:principal_id;primaryKey;size:255"`
	AccessLevel int       `gorm:"column:access_level;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

func (grantRow) TableName() string { return "acl_grants" }

type eventRow struct {
	Seq        uint64    `gorm:"column:seq;primaryKey;autoIncrement"`
	EventID    string    `gorm:"column:event_id;size:64;uniqueIndex:idx_events_event_id"`
	Topic      string    `gorm:"column:topic;size:255;not null"`
	Payload    string    `gorm:"column:payload;type:text"`
	EmitterID  string    `gorm:"column:emitter_id;size:255"`
	OccurredAt time.Time `gorm:"column:occurred_at;not null;index:idx_events_occurred_at"`
}

func (eventRow) TableName() string { return "events" }

type workflowStepRow struct {
	Seq        uint64    `gorm:"column:seq;primaryKey;autoIncrement"`
	WorkflowID string    `gorm:"column:workflow_id;size:255;not null;uniqueIndex:idx_workflow_step,priority:1"`
	StepID     string    `gorm:"column:step_id;size:255;not null;uniqueIndex:idx_workflow_step,priority:2"`
	TaskID     string    `gorm:"column:task_id;size:255"`
	AgentID    string    `gorm:"column:agent_id;size:255"`
	Name       string    `gorm:"column:name;size:255"`
	Status     string    `gorm:"column:status;size:32;not null"`
	Attempt    int       `gorm:"column:attempt"`
	Output     []byte    `gorm:"column:output"`
	Error      string    `gorm:"column:error;type:text"`
	RecordedAt time.Time `gorm:"column:recorded_at;not null"`
}

func (workflowStepRow) TableName() string { return "workflow_state" }

type agentRow struct {
	ID                string     `gorm:"column:id;primaryKey;size:64"`
	Type              string     `gorm:"column:agent_type;size:128;not null"`
	Name              string     `gorm:"column:name;size:255"`
	Status            string     `gorm:"column:status;size:32;not null"`
	Capabilities      string     `gorm:"column:capabilities;type:text"`
	Metadata          string     `gorm:"column:metadata;type:text"`
	TasksCompleted    int64      `gorm:"column:tasks_completed"`
	TasksFailed       int64      `gorm:"column:tasks_failed"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;not null"`
	TerminatedAt      *time.Time `gorm:"column:terminated_at"`
	TerminationReason string     `gorm:"column:termination_reason;size:255"`
}

func (agentRow) TableName() string { return "agent_registry" }

type metricRow struct {
	ID         uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	AgentID    string    `gorm:"column:agent_id;size:64;not null;index:idx_performance_metrics_agent"`
	TaskID     string    `gorm:"column:task_id;size:255"`
	Name       string    `gorm:"column:name;size:128;not null"`
	Value      float64   `gorm:"column:value"`
	RecordedAt time.Time `gorm:"column:recorded_at;not null"`
}

func (metricRow) TableName() string { return "performance_metrics" }

// gormModels lists every table the backend owns, in creation order.
var gormModels = []any{
	&entryRow{}, &auditRow{}, &grantRow{}, &eventRow{},
	&workflowStepRow{}, &agentRow{}, &metricRow{},
}

// =============================================================================
// Backend
// =============================================================================

// GormOption configures a GormBackend.
type GormOption func(*GormBackend)

// WithAutoMigrate creates missing tables with gorm's AutoMigrate instead of
// requiring the embedded SQL migrations to have been applied.
func WithAutoMigrate() GormOption {
	return func(b *GormBackend) {
		b.autoMigrate = true
	}
}

// WithGrantCacheTTL caches grant lookups for ttl. Zero disables caching.
func WithGrantCacheTTL(ttl time.Duration) GormOption {
	return func(b *GormBackend) {
		b.grantTTL = ttl
	}
}

// WithGormMetrics reports grant cache hits and misses.
func WithGormMetrics(c *metrics.Collector) GormOption {
	return func(b *GormBackend) {
		b.metrics = c
	}
}

// GormBackend persists coordination state in a SQL database through gorm.
// It works against sqlite, postgres and mysql.
type GormBackend struct {
	db          *gorm.DB
	autoMigrate bool
	grantTTL    time.Duration
	grants      *gocache.Cache
	metrics     *metrics.Collector
	logger      *zap.Logger

	// grantMu orders cache fills against invalidations; grantGen counts
	// grant writes so a fill that raced a write is discarded.
	grantMu  sync.Mutex
	grantGen uint64
}

// NewGormBackend wraps an open gorm connection.
func NewGormBackend(db *gorm.DB, logger *zap.Logger, opts ...GormOption) (*GormBackend, error) {
	if db == nil {
		return nil, types.NewValidationError("gorm backend requires a database handle")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &GormBackend{
		db:     db,
		logger: logger.With(zap.String("component", "gorm_backend")),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.grantTTL > 0 {
		b.grants = gocache.New(b.grantTTL, 2*b.grantTTL)
	}
	if b.autoMigrate {
		if err := db.AutoMigrate(gormModels...); err != nil {
			return nil, types.NewInitializationError("auto migrate coordination tables", err)
		}
		b.logger.Info("coordination tables migrated")
	}
	return b, nil
}

// Name implements Backend.
func (b *GormBackend) Name() string { return "database" }

// DB returns the underlying gorm handle.
func (b *GormBackend) DB() *gorm.DB { return b.db }

// GetEntry implements Backend.
func (b *GormBackend) GetEntry(ctx context.Context, partition, key string) (*MemoryEntry, error) {
	var row entryRow
	err := b.db.WithContext(ctx).
		Where("partition_name = ? AND entry_key = ?", partition, key).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toEntry(), nil
}

// PutEntry implements Backend.
func (b *GormBackend) PutEntry(ctx context.Context, entry *MemoryEntry) error {
	row := entryFromModel(entry)
	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "partition_name"}, {Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"value", "owner_id", "access_level", "expires_at",
			"created_at", "updated_at", "version",
		}),
	}).Create(&row).Error
}

// DeleteEntry implements Backend.
func (b *GormBackend) DeleteEntry(ctx context.Context, partition, key string) (bool, error) {
	res := b.db.WithContext(ctx).
		Where("partition_name = ? AND entry_key = ?", partition, key).
		Delete(&entryRow{})
	return res.RowsAffected > 0, res.Error
}

// ListEntries implements Backend. Prefix filtering happens in Go after a
// coarse LIKE, since LIKE is case-insensitive on some dialects.
func (b *GormBackend) ListEntries(ctx context.Context, partition, prefix string) ([]*MemoryEntry, error) {
	q := b.db.WithContext(ctx).Where("partition_name = ?", partition)
	if prefix != "" && !strings.ContainsAny(prefix, `%_\`) {
		q = q.Where("entry_key LIKE ?", prefix+"%")
	}
	var rows []entryRow
	if err := q.Order("entry_key").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*MemoryEntry, 0, len(rows))
	for i := range rows {
		if strings.HasPrefix(rows[i].Key, prefix) {
			out = append(out, rows[i].toEntry())
		}
	}
	return out, nil
}

// DeleteExpiredEntries implements Backend.
func (b *GormBackend) DeleteExpiredEntries(ctx context.Context, now time.Time) (int, error) {
	res := b.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Delete(&entryRow{})
	return int(res.RowsAffected), res.Error
}

// DeleteEntriesByOwner implements Backend.
func (b *GormBackend) DeleteEntriesByOwner(ctx context.Context, partition, ownerID string) (int, error) {
	res := b.db.WithContext(ctx).
		Where("partition_name = ? AND owner_id = ?", partition, ownerID).
		Delete(&entryRow{})
	return int(res.RowsAffected), res.Error
}

// AppendAudit implements Backend.
func (b *GormBackend) AppendAudit(ctx context.Context, rec AuditRecord) error {
	row := auditRow{
		Partition: rec.Partition,
		Key:       rec.Key,
		Action:    rec.Action,
		ActorID:   rec.ActorID,
		Version:   rec.Version,
		At:        rec.At,
	}
	return b.db.WithContext(ctx).Create(&row).Error
}

// ListAudit implements Backend.
func (b *GormBackend) ListAudit(ctx context.Context, partition, key string) ([]AuditRecord, error) {
	var rows []auditRow
	err := b.db.WithContext(ctx).
		Where("partition_name = ? AND entry_key = ?", partition, key).
		Order("id").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]AuditRecord, len(rows))
	for i, r := range rows {
		out[i] = AuditRecord{
			Partition: r.Partition,
			Key:       r.Key,
			Action:    r.Action,
			ActorID:   r.ActorID,
			Version:   r.Version,
			At:        r.At,
		}
	}
	return out, nil
}

// PutGrant implements Backend.
func (b *GormBackend) PutGrant(ctx context.Context, principalID string, level AccessLevel) error {
	row := grantRow{PrincipalID: principalID, AccessLevel: int(level), UpdatedAt: time.Now()}
	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "principal_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_level", "updated_at"}),
	}).Create(&row).Error
	b.invalidateGrant(principalID)
	return err
}

// DeleteGrant implements Backend.
func (b *GormBackend) DeleteGrant(ctx context.Context, principalID string) error {
	err := b.db.WithContext(ctx).
		Where("principal_id = ?", principalID).
		Delete(&grantRow{}).Error
	b.invalidateGrant(principalID)
	return err
}

func (b *GormBackend) invalidateGrant(principalID string) {
	if b.grants == nil {
		return
	}
	b.grantMu.Lock()
	b.grantGen++
	b.grants.Delete(principalID)
	b.grantMu.Unlock()
}

// GetGrant implements Backend. A cache fill is skipped when a grant write
// happened while the row was being read.
func (b *GormBackend) GetGrant(ctx context.Context, principalID string) (AccessLevel, error) {
	var gen uint64
	if b.grants != nil {
		if v, ok := b.grants.Get(principalID); ok {
			b.metrics.RecordCacheHit("grant")
			return v.(AccessLevel), nil
		}
		b.metrics.RecordCacheMiss("grant")
		b.grantMu.Lock()
		gen = b.grantGen
		b.grantMu.Unlock()
	}

	var row grantRow
	err := b.db.WithContext(ctx).Where("principal_id = ?", principalID).Take(&row).Error
	level := AccessNone
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return AccessNone, err
	default:
		level = AccessLevel(row.AccessLevel)
	}
	if b.grants != nil {
		b.grantMu.Lock()
		if b.grantGen == gen {
			b.grants.SetDefault(principalID, level)
		}
		b.grantMu.Unlock()
	}
	return level, nil
}

// AppendEvent implements Backend.
func (b *GormBackend) AppendEvent(ctx context.Context, rec types.EventRecord) error {
	row := eventRow{
		EventID:    rec.ID,
		Topic:      rec.Topic,
		Payload:    string(rec.Payload),
		EmitterID:  rec.EmitterID,
		OccurredAt: rec.Timestamp,
	}
	return b.db.WithContext(ctx).Create(&row).Error
}

// ListEvents implements Backend.
func (b *GormBackend) ListEvents(ctx context.Context, since time.Time) ([]types.EventRecord, error) {
	var rows []eventRow
	err := b.db.WithContext(ctx).
		Where("occurred_at >= ?", since).
		Order("occurred_at, seq").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.EventRecord, len(rows))
	for i, r := range rows {
		out[i] = types.EventRecord{
			ID:        r.EventID,
			Topic:     r.Topic,
			EmitterID: r.EmitterID,
			Timestamp: r.OccurredAt,
		}
		if r.Payload != "" {
			out[i].Payload = json.RawMessage(r.Payload)
		}
	}
	return out, nil
}

// DeleteEventsBefore implements Backend.
func (b *GormBackend) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res := b.db.WithContext(ctx).Where("occurred_at < ?", cutoff).Delete(&eventRow{})
	return int(res.RowsAffected), res.Error
}

// AppendWorkflowStep implements Backend. The unique (workflow_id, step_id)
// index makes a repeated step a no-op.
func (b *GormBackend) AppendWorkflowStep(ctx context.Context, workflowID string, step WorkflowStep) (bool, error) {
	row := workflowStepRow{
		WorkflowID: workflowID,
		StepID:     step.StepID,
		TaskID:     step.TaskID,
		AgentID:    step.AgentID,
		Name:       step.Name,
		Status:     step.Status,
		Attempt:    step.Attempt,
		Output:     step.Output,
		Error:      step.Error,
		RecordedAt: step.RecordedAt,
	}
	res := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workflow_id"}, {Name: "step_id"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetWorkflowSteps implements Backend.
func (b *GormBackend) GetWorkflowSteps(ctx context.Context, workflowID string) ([]WorkflowStep, error) {
	var rows []workflowStepRow
	err := b.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Order("seq").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]WorkflowStep, len(rows))
	for i, r := range rows {
		out[i] = WorkflowStep{
			StepID:     r.StepID,
			TaskID:     r.TaskID,
			AgentID:    r.AgentID,
			Name:       r.Name,
			Status:     r.Status,
			Attempt:    r.Attempt,
			Output:     r.Output,
			Error:      r.Error,
			RecordedAt: r.RecordedAt,
		}
	}
	return out, nil
}

// SaveAgent implements Backend.
func (b *GormBackend) SaveAgent(ctx context.Context, reg AgentRegistration) error {
	row, err := agentFromModel(reg)
	if err != nil {
		return err
	}
	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"agent_type", "name", "status", "capabilities", "metadata",
			"tasks_completed", "tasks_failed", "updated_at",
			"terminated_at", "termination_reason",
		}),
	}).Create(&row).Error
}

// ListAgents implements Backend.
func (b *GormBackend) ListAgents(ctx context.Context) ([]AgentRegistration, error) {
	var rows []agentRow
	if err := b.db.WithContext(ctx).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]AgentRegistration, 0, len(rows))
	for _, r := range rows {
		reg, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, nil
}

// AppendMetric implements Backend.
func (b *GormBackend) AppendMetric(ctx context.Context, m PerformanceMetric) error {
	row := metricRow{
		AgentID:    m.AgentID,
		TaskID:     m.TaskID,
		Name:       m.Name,
		Value:      m.Value,
		RecordedAt: m.RecordedAt,
	}
	return b.db.WithContext(ctx).Create(&row).Error
}

// ListMetrics implements Backend.
func (b *GormBackend) ListMetrics(ctx context.Context, agentID string) ([]PerformanceMetric, error) {
	q := b.db.WithContext(ctx)
	if agentID != "" {
		q = q.Where("agent_id = ?", agentID)
	}
	var rows []metricRow
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]PerformanceMetric, len(rows))
	for i, r := range rows {
		out[i] = PerformanceMetric{
			AgentID:    r.AgentID,
			TaskID:     r.TaskID,
			Name:       r.Name,
			Value:      r.Value,
			RecordedAt: r.RecordedAt,
		}
	}
	return out, nil
}

// Ping implements Backend.
func (b *GormBackend) Ping(ctx context.Context) error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close implements Backend. The connection is owned by the caller and stays
// open; only the grant cache is dropped.
func (b *GormBackend) Close() error {
	if b.grants != nil {
		b.grants.Flush()
	}
	return nil
}

// =============================================================================
// Row conversion
// =============================================================================

func entryFromModel(e *MemoryEntry) entryRow {
	return entryRow{
		Partition:   e.Partition,
		Key:         e.Key,
		Value:       e.Value,
		OwnerID:     e.OwnerID,
		AccessLevel: int(e.AccessLevel),
		ExpiresAt:   e.ExpiresAt,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
		Version:     e.Version,
	}
}

func (r *entryRow) toEntry() *MemoryEntry {
	return &MemoryEntry{
		Key:         r.Key,
		Partition:   r.Partition,
		Value:       r.Value,
		OwnerID:     r.OwnerID,
		AccessLevel: AccessLevel(r.AccessLevel),
		ExpiresAt:   r.ExpiresAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		Version:     r.Version,
	}
}

func agentFromModel(reg AgentRegistration) (agentRow, error) {
	caps, err := json.Marshal(reg.Capabilities)
	if err != nil {
		return agentRow{}, err
	}
	meta, err := json.Marshal(reg.Metadata)
	if err != nil {
		return agentRow{}, err
	}
	return agentRow{
		ID:                reg.ID,
		Type:              reg.Type,
		Name:              reg.Name,
		Status:            reg.Status,
		Capabilities:      string(caps),
		Metadata:          string(meta),
		TasksCompleted:    reg.TasksCompleted,
		TasksFailed:       reg.TasksFailed,
		CreatedAt:         reg.CreatedAt,
		UpdatedAt:         reg.UpdatedAt,
		TerminatedAt:      reg.TerminatedAt,
		TerminationReason: reg.TerminationReason,
	}, nil
}

func (r agentRow) toModel() (AgentRegistration, error) {
	reg := AgentRegistration{
		ID:                r.ID,
		Type:              r.Type,
		Name:              r.Name,
		Status:            r.Status,
		TasksCompleted:    r.TasksCompleted,
		TasksFailed:       r.TasksFailed,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		TerminatedAt:      r.TerminatedAt,
		TerminationReason: r.TerminationReason,
	}
	if r.Capabilities != "" && r.Capabilities != "null" {
		if err := json.Unmarshal([]byte(r.Capabilities), &reg.Capabilities); err != nil {
			return reg, err
		}
	}
	if r.Metadata != "" && r.Metadata != "null" {
		if err := json.Unmarshal([]byte(r.Metadata), &reg.Metadata); err != nil {
			return reg, err
		}
	}
	return reg, nil
}

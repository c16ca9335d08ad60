package coordination

import (
	"context"
	"time"

	"github.com/BaSui01/agentfleet/types"
)

// Backend is the persistence contract behind Store. Implementations perform
// no validation or access checks; Store serializes writes per key before
// calling them. A missing record is reported as (nil, nil), never as an error.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	GetEntry(ctx context.Context, partition, key string) (*MemoryEntry, error)
	PutEntry(ctx context.Context, entry *MemoryEntry) error
	DeleteEntry(ctx context.Context, partition, key string) (bool, error)
	// ListEntries returns every entry in partition whose key starts with prefix,
	// including expired ones.
	ListEntries(ctx context.Context, partition, prefix string) ([]*MemoryEntry, error)
	DeleteExpiredEntries(ctx context.Context, now time.Time) (int, error)
	DeleteEntriesByOwner(ctx context.Context, partition, ownerID string) (int, error)

	AppendAudit(ctx context.Context, rec AuditRecord) error
	ListAudit(ctx context.Context, partition, key string) ([]AuditRecord, error)

	PutGrant(ctx context.Context, principalID string, level AccessLevel) error
	DeleteGrant(ctx context.Context, principalID string) error
	// GetGrant returns AccessNone when the principal holds no grant.
	GetGrant(ctx context.Context, principalID string) (AccessLevel, error)

	AppendEvent(ctx context.Context, rec types.EventRecord) error
	// ListEvents returns events at or after since, oldest first.
	ListEvents(ctx context.Context, since time.Time) ([]types.EventRecord, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// AppendWorkflowStep appends step unless a step with the same StepID is
	// already recorded for workflowID, in which case it returns false.
	AppendWorkflowStep(ctx context.Context, workflowID string, step WorkflowStep) (bool, error)
	GetWorkflowSteps(ctx context.Context, workflowID string) ([]WorkflowStep, error)

	SaveAgent(ctx context.Context, reg AgentRegistration) error
	ListAgents(ctx context.Context) ([]AgentRegistration, error)

	AppendMetric(ctx context.Context, m PerformanceMetric) error
	// ListMetrics returns metrics for agentID, or for every agent when empty.
	ListMetrics(ctx context.Context, agentID string) ([]PerformanceMetric, error)

	Ping(ctx context.Context) error
	Close() error
}

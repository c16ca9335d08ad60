package coordination

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/BaSui01/agentfleet/types"
)

// AccessLevel is the ordered permission tier gating reads of an entry.
// A reader must hold a level greater than or equal to the entry's level.
type AccessLevel int

const (
	// AccessNone is the zero value: no grant. It satisfies no entry.
	AccessNone AccessLevel = iota
	AccessPrivate
	AccessTeam
	AccessSwarm
	AccessPublic
	AccessSystem
)

var accessLevelNames = map[AccessLevel]string{
	AccessNone:    "none",
	AccessPrivate: "private",
	AccessTeam:    "team",
	AccessSwarm:   "swarm",
	AccessPublic:  "public",
	AccessSystem:  "system",
}

// String returns the lower-case level name.
func (l AccessLevel) String() string {
	if name, ok := accessLevelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Valid reports whether l is one of the five assignable levels.
func (l AccessLevel) Valid() bool {
	return l >= AccessPrivate && l <= AccessSystem
}

// Allows reports whether a requester at level l may read an entry at required.
func (l AccessLevel) Allows(required AccessLevel) bool {
	return l.Valid() && l >= required
}

// MarshalText implements encoding.TextMarshaler.
func (l AccessLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *AccessLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseAccessLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseAccessLevel parses a level name such as "swarm".
func ParseAccessLevel(s string) (AccessLevel, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for level, name := range accessLevelNames {
		if name == needle {
			return level, nil
		}
	}
	return AccessNone, types.NewValidationError("unknown access level %q", s)
}

// Well-known partitions.
const (
	PartitionCoordination = "coordination"
	PartitionAgents       = "agents"
	PartitionWorkflow     = "workflow"
	PartitionFleet        = "fleet"
	PartitionHints        = "hints"
)

var partitionPattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]{0,63}$`)

// ValidatePartition checks the partition naming rule.
func ValidatePartition(partition string) error {
	if !partitionPattern.MatchString(partition) {
		return types.NewError(types.ErrInvalidPartition,
			fmt.Sprintf("partition %q must match %s", partition, partitionPattern.String()))
	}
	return nil
}

// MemoryEntry is a single stored value.
type MemoryEntry struct {
	Key         string      `json:"key"`
	Partition   string      `json:"partition"`
	Value       []byte      `json:"value"`
	OwnerID     string      `json:"owner_id,omitempty"`
	AccessLevel AccessLevel `json:"access_level"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Version     int64       `json:"version"`
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *MemoryEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

func (e *MemoryEntry) clone() *MemoryEntry {
	if e == nil {
		return nil
	}
	out := *e
	if e.Value != nil {
		out.Value = append([]byte(nil), e.Value...)
	}
	if e.ExpiresAt != nil {
		exp := *e.ExpiresAt
		out.ExpiresAt = &exp
	}
	return &out
}

// PutOptions configures Store.Put.
type PutOptions struct {
	Partition   string
	AccessLevel AccessLevel
	// TTL of zero means the entry never expires.
	TTL     time.Duration
	OwnerID string
}

// GetOptions configures Store.Get.
type GetOptions struct {
	Partition      string
	RequesterLevel AccessLevel
}

// QueryOptions configures Store.Query.
type QueryOptions struct {
	Partition      string
	RequesterLevel AccessLevel
	// Sort orders results by ascending key. Results are unordered otherwise.
	Sort bool
	// Limit caps the number of results; zero means no limit.
	Limit int
}

// Hint is a short-lived, TTL-bound message shared between agents.
type Hint struct {
	Key     string
	Value   []byte
	OwnerID string
	// TTL defaults to the store's hint TTL when zero.
	TTL time.Duration
	// AccessLevel defaults to AccessSwarm when unset.
	AccessLevel AccessLevel
}

// Workflow step statuses.
const (
	StepStarted   = "started"
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
	StepTimedOut  = "timed_out"
	StepAborted   = "aborted"
)

// WorkflowStep is one append-only record in a workflow's history.
type WorkflowStep struct {
	StepID     string    `json:"step_id"`
	TaskID     string    `json:"task_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	Status     string    `json:"status"`
	Attempt    int       `json:"attempt,omitempty"`
	Output     []byte    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// WorkflowState is the persisted history of a workflow. It never expires.
type WorkflowState struct {
	WorkflowID string         `json:"workflow_id"`
	Steps      []WorkflowStep `json:"steps"`
	Current    *WorkflowStep  `json:"current,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func newWorkflowState(id string, steps []WorkflowStep) *WorkflowState {
	if len(steps) == 0 {
		return nil
	}
	ws := &WorkflowState{
		WorkflowID: id,
		Steps:      steps,
		CreatedAt:  steps[0].RecordedAt,
		UpdatedAt:  steps[len(steps)-1].RecordedAt,
	}
	last := steps[len(steps)-1]
	ws.Current = &last
	return ws
}

// Audit actions.
const (
	AuditPut    = "put"
	AuditDelete = "delete"
)

// AuditRecord is one entry of a key's mutation history.
type AuditRecord struct {
	Partition string    `json:"partition"`
	Key       string    `json:"key"`
	Action    string    `json:"action"`
	ActorID   string    `json:"actor_id,omitempty"`
	Version   int64     `json:"version"`
	At        time.Time `json:"at"`
}

// AgentRegistration is the durable view of an agent in the registry.
type AgentRegistration struct {
	ID                string            `json:"id"`
	Type              string            `json:"type"`
	Name              string            `json:"name"`
	Status            string            `json:"status"`
	Capabilities      []string          `json:"capabilities,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	TasksCompleted    int64             `json:"tasks_completed"`
	TasksFailed       int64             `json:"tasks_failed"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	TerminatedAt      *time.Time        `json:"terminated_at,omitempty"`
	TerminationReason string            `json:"termination_reason,omitempty"`
}

// PerformanceMetric is a single measurement attributed to an agent.
type PerformanceMetric struct {
	AgentID    string    `json:"agent_id"`
	TaskID     string    `json:"task_id,omitempty"`
	Name       string    `json:"name"`
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// SweepResult summarizes one sweeper pass.
type SweepResult struct {
	ExpiredEntries int           `json:"expired_entries"`
	PrunedEvents   int           `json:"pruned_events"`
	Duration       time.Duration `json:"duration"`
}

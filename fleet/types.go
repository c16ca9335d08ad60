package fleet

import (
	"time"

	"github.com/BaSui01/agentfleet/coordination"
)

// =============================================================================
// 🧬 Agent 状态
// =============================================================================

// AgentStatus Agent 生命周期状态
type AgentStatus string

const (
	StatusPending      AgentStatus = "pending"
	StatusInitializing AgentStatus = "initializing"
	StatusActive       AgentStatus = "active"
	StatusCompleting   AgentStatus = "completing"
	StatusDegraded     AgentStatus = "degraded"
	StatusRecovering   AgentStatus = "recovering"
	StatusTerminated   AgentStatus = "terminated"
)

// AllStatuses 按生命周期顺序列出全部状态
var AllStatuses = []AgentStatus{
	StatusPending, StatusInitializing, StatusActive, StatusCompleting,
	StatusDegraded, StatusRecovering, StatusTerminated,
}

// AgentType Agent 变体（封闭集合）
type AgentType string

const (
	TypeCoordinator AgentType = "coordinator"
	TypeResearcher  AgentType = "researcher"
	TypeCoder       AgentType = "coder"
	TypeTester      AgentType = "tester"
	TypeReviewer    AgentType = "reviewer"
	TypeAnalyst     AgentType = "analyst"
	TypeGeneric     AgentType = "generic"
)

// KnownAgentTypes 全部合法的 Agent 类型
var KnownAgentTypes = []AgentType{
	TypeCoordinator, TypeResearcher, TypeCoder, TypeTester,
	TypeReviewer, TypeAnalyst, TypeGeneric,
}

// Valid 判断是否属于封闭集合
func (t AgentType) Valid() bool {
	for _, known := range KnownAgentTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Topology fleet 拓扑
type Topology string

const (
	TopologyMesh         Topology = "mesh"
	TopologyHierarchical Topology = "hierarchical"
	TopologyRing         Topology = "ring"
	TopologyStar         Topology = "star"
)

// Valid 判断拓扑是否合法
func (t Topology) Valid() bool {
	switch t {
	case TopologyMesh, TopologyHierarchical, TopologyRing, TopologyStar:
		return true
	}
	return false
}

// =============================================================================
// 📋 Agent 记录
// =============================================================================

// AgentSpec 创建 Agent 的描述
type AgentSpec struct {
	Type         AgentType         `json:"type"`
	Name         string            `json:"name,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	// AccessLevel 为 Agent 读取协调存储时使用的级别，默认 Team
	AccessLevel coordination.AccessLevel `json:"access_level,omitempty"`
}

// AgentRecord Manager 持有的 Agent 记录
type AgentRecord struct {
	ID                string                   `json:"id"`
	Type              AgentType                `json:"type"`
	Name              string                   `json:"name"`
	Status            AgentStatus              `json:"status"`
	Capabilities      []string                 `json:"capabilities,omitempty"`
	Metadata          map[string]string        `json:"metadata,omitempty"`
	AccessLevel       coordination.AccessLevel `json:"access_level"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
	TerminatedAt      *time.Time               `json:"terminated_at,omitempty"`
	TerminationReason string                   `json:"termination_reason,omitempty"`
	TasksCompleted    int64                    `json:"tasks_completed"`
	TasksFailed       int64                    `json:"tasks_failed"`
	ActiveTasks       int                      `json:"active_tasks"`
}

// HasCapabilities 判断是否具备全部能力
func (r *AgentRecord) HasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range r.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (r AgentRecord) clone() AgentRecord {
	out := r
	if r.Capabilities != nil {
		out.Capabilities = append([]string(nil), r.Capabilities...)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	if r.TerminatedAt != nil {
		t := *r.TerminatedAt
		out.TerminatedAt = &t
	}
	return out
}

// AgentHandle SpawnAgent 返回的句柄，只在 Agent 处于 Active 时发放
type AgentHandle struct {
	ID           string    `json:"id"`
	Type         AgentType `json:"type"`
	Name         string    `json:"name"`
	Capabilities []string  `json:"capabilities,omitempty"`
}

// =============================================================================
// 📦 任务
// =============================================================================

// Task 分发给 Agent 的任务
type Task struct {
	ID string `json:"id"`
	// WorkflowID 默认等于 ID
	WorkflowID string `json:"workflow_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Input      []byte `json:"input,omitempty"`
	// AgentIDs 指定目标 Agent 及顺序；为空时选择全部满足能力要求的 Active Agent
	AgentIDs             []string `json:"agent_ids,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	// Timeout 单次尝试的截止时间，为 0 时使用配置的 TaskTimeout
	Timeout time.Duration `json:"timeout,omitempty"`
	// MaxRetries 覆盖配置的重试上限（计入首次尝试）
	MaxRetries int `json:"max_retries,omitempty"`
}

// TaskOutput Agent 执行结果
type TaskOutput struct {
	Data     []byte            `json:"data,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Strategy 分发策略
type Strategy string

const (
	StrategyParallel   Strategy = "parallel"
	StrategySequential Strategy = "sequential"
	StrategyAdaptive   Strategy = "adaptive"
)

// Reducer 并行结果聚合方式
type Reducer string

const (
	ReducerFirstSuccess Reducer = "first_success"
	ReducerAllComplete  Reducer = "all_complete"
	ReducerQuorum       Reducer = "quorum"
)

// DispatchOptions 分发选项
type DispatchOptions struct {
	Strategy Strategy
	Reducer  Reducer
	// Quorum 为 ReducerQuorum 需要的成功数，默认多数
	Quorum int
}

// TaskStatus 任务或单个 Agent 的最终结果
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimedOut  TaskStatus = "timed_out"
	TaskAborted   TaskStatus = "aborted"
)

// AgentOutcome 单个 Agent 在一次分发中的结果
type AgentOutcome struct {
	AgentID  string      `json:"agent_id"`
	Status   TaskStatus  `json:"status"`
	Attempts int         `json:"attempts"`
	Output   *TaskOutput `json:"output,omitempty"`
	Error    string      `json:"error,omitempty"`
	// Resumed 表示结果来自已持久化的步骤，未重新执行
	Resumed bool `json:"resumed,omitempty"`

	err error
}

// TaskResult DispatchTask 的聚合结果
type TaskResult struct {
	TaskID     string         `json:"task_id"`
	WorkflowID string         `json:"workflow_id"`
	Strategy   Strategy       `json:"strategy"`
	Reducer    Reducer        `json:"reducer,omitempty"`
	Status     TaskStatus     `json:"status"`
	Output     *TaskOutput    `json:"output,omitempty"`
	Outcomes   []AgentOutcome `json:"outcomes"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	Duration   time.Duration  `json:"duration"`
}

// FleetStatus fleet 只读快照
type FleetStatus struct {
	Topology       Topology            `json:"topology"`
	Faulted        bool                `json:"faulted"`
	FaultReason    string              `json:"fault_reason,omitempty"`
	TotalAgents    int                 `json:"total_agents"`
	ByStatus       map[AgentStatus]int `json:"by_status"`
	Agents         []AgentRecord       `json:"agents"`
	ActiveTasks    int                 `json:"active_tasks"`
	Load           float64             `json:"load"`
	TasksCompleted int64               `json:"tasks_completed"`
	TasksFailed    int64               `json:"tasks_failed"`
	GeneratedAt    time.Time           `json:"generated_at"`
}

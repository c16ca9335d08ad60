package fleet

// 事件主题
const (
	TopicAgentSpawned    = "agent:spawned"
	TopicAgentState      = "agent:state"
	TopicAgentDegraded   = "agent:degraded"
	TopicAgentRecovered  = "agent:recovered"
	TopicAgentTerminated = "agent:terminated"

	TopicTaskStarted   = "task:started"
	TopicTaskRetry     = "task:retry"
	TopicTaskCompleted = "task:completed"
	TopicTaskFailed    = "task:failed"
	TopicTaskTimeout   = "task:timeout"

	TopicFleetStatus    = "fleet:status"
	TopicFleetFault     = "fleet:fault"
	TopicFleetRecovered = "fleet:recovered"
	TopicFleetTopology  = "fleet:topology"
)

// AgentEvent agent:* 事件载荷
type AgentEvent struct {
	AgentID string      `json:"agent_id"`
	Type    AgentType   `json:"type"`
	Status  AgentStatus `json:"status"`
	From    AgentStatus `json:"from,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// TaskEvent task:* 事件载荷
type TaskEvent struct {
	TaskID     string     `json:"task_id"`
	WorkflowID string     `json:"workflow_id"`
	AgentID    string     `json:"agent_id,omitempty"`
	Strategy   Strategy   `json:"strategy,omitempty"`
	Attempt    int        `json:"attempt,omitempty"`
	Status     TaskStatus `json:"status,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// FaultEvent fleet:fault / fleet:recovered 事件载荷
type FaultEvent struct {
	Faulted bool   `json:"faulted"`
	Reason  string `json:"reason,omitempty"`
}

// TopologyEvent fleet:topology 事件载荷
type TopologyEvent struct {
	From Topology `json:"from"`
	To   Topology `json:"to"`
}

package fleet

import (
	"fmt"

	"github.com/BaSui01/agentfleet/types"
)

// transitions 合法的状态迁移
var transitions = map[AgentStatus][]AgentStatus{
	StatusPending:      {StatusInitializing, StatusTerminated},
	StatusInitializing: {StatusActive, StatusTerminated},
	StatusActive:       {StatusCompleting, StatusDegraded},
	StatusCompleting:   {StatusTerminated},
	StatusDegraded:     {StatusRecovering, StatusTerminated},
	StatusRecovering:   {StatusActive, StatusTerminated},
	StatusTerminated:   {},
}

// CanTransition 判断 from → to 是否合法
func CanTransition(from, to AgentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition 构造非法迁移错误
func ErrInvalidTransition(agentID string, from, to AgentStatus) error {
	return types.NewError(types.ErrInvalidTransition,
		fmt.Sprintf("agent %s cannot transition from %s to %s", agentID, from, to))
}

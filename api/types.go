package api

import (
	"time"
)

// =============================================================================
// 管理面请求与响应类型
// =============================================================================

// TopologyRequest 设置 fleet 拓扑（PUT /v1/fleet/topology）
type TopologyRequest struct {
	// mesh、hierarchical、ring 或 star
	Topology string `json:"topology"`
}

// TerminateRequest 终止 Agent（POST /v1/fleet/agents/{id}/terminate）
type TerminateRequest struct {
	// 写入 Agent 记录的终止原因，为空时使用 "terminated via api"
	Reason string `json:"reason,omitempty"`
}

// GrantResponse 当前调用方的授权信息（GET /v1/grants/self）
type GrantResponse struct {
	Principal string    `json:"principal"`
	Level     string    `json:"level"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EventFrame 事件流（/v1/events/ws）推送给客户端的一帧
type EventFrame struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload,omitempty"`
	EmitterID string    `json:"emitter_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// 来自事件日志回放而非实时投递
	Replayed bool `json:"replayed,omitempty"`
}

// StreamNotice 事件流控制帧，例如慢消费者丢帧提示
type StreamNotice struct {
	Type    string `json:"type"`
	Dropped int    `json:"dropped,omitempty"`
	Message string `json:"message,omitempty"`
}

// Package ctxkeys 定义跨包共享的 context 键。
package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	traceIDKey    contextKey = "trace_id"
	agentIDKey    contextKey = "agent_id"
	taskIDKey     contextKey = "task_id"
	workflowIDKey contextKey = "workflow_id"
	attemptKey    contextKey = "attempt"
	requestIDKey  contextKey = "request_id"
	principalKey  contextKey = "principal"
)

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithTraceID 设置 TraceID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID 获取 TraceID
func TraceID(ctx context.Context) (string, bool) {
	return stringValue(ctx, traceIDKey)
}

// WithAgentID 设置执行任务的 Agent ID
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// AgentID 获取 Agent ID
func AgentID(ctx context.Context) (string, bool) {
	return stringValue(ctx, agentIDKey)
}

// WithTaskID 设置任务 ID
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// TaskID 获取任务 ID
func TaskID(ctx context.Context) (string, bool) {
	return stringValue(ctx, taskIDKey)
}

// WithWorkflowID 设置工作流 ID
func WithWorkflowID(ctx context.Context, workflowID string) context.Context {
	return context.WithValue(ctx, workflowIDKey, workflowID)
}

// WorkflowID 获取工作流 ID
func WorkflowID(ctx context.Context) (string, bool) {
	return stringValue(ctx, workflowIDKey)
}

// WithAttempt 设置当前尝试序号（从 1 开始）
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey, attempt)
}

// Attempt 获取当前尝试序号
func Attempt(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(attemptKey).(int)
	if !ok || v <= 0 {
		return 0, false
	}
	return v, true
}

// WithRequestID 设置 HTTP 请求 ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID 获取 HTTP 请求 ID
func RequestID(ctx context.Context) (string, bool) {
	return stringValue(ctx, requestIDKey)
}

// WithPrincipal 设置已通过授权令牌校验的调用方
func WithPrincipal(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, principalKey, principalID)
}

// Principal 获取调用方
func Principal(ctx context.Context) (string, bool) {
	return stringValue(ctx, principalKey)
}

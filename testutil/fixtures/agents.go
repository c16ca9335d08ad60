// =============================================================================
// 📦 测试数据工厂 - Agent 与任务测试数据
// =============================================================================
// 提供预定义的 AgentSpec、Task 与 fleet 配置，用于测试
// =============================================================================
package fixtures

import (
	"time"

	"github.com/BaSui01/agentfleet/coordination"
	"github.com/BaSui01/agentfleet/fleet"
)

// =============================================================================
// 🤖 AgentSpec 工厂
// =============================================================================

// CoderSpec 返回 coder 类型的 AgentSpec
func CoderSpec() fleet.AgentSpec {
	return fleet.AgentSpec{
		Type:         fleet.TypeCoder,
		Name:         "test-coder",
		Capabilities: []string{"go", "review"},
		Metadata:     map[string]string{"environment": "test"},
	}
}

// TesterSpec 返回 tester 类型的 AgentSpec
func TesterSpec() fleet.AgentSpec {
	return fleet.AgentSpec{
		Type:         fleet.TypeTester,
		Name:         "test-tester",
		Capabilities: []string{"go", "unit-test"},
	}
}

// SpecOf 返回指定类型的最小 AgentSpec
func SpecOf(t fleet.AgentType, capabilities ...string) fleet.AgentSpec {
	return fleet.AgentSpec{Type: t, Capabilities: capabilities}
}

// PrivilegedSpec 返回 System 访问级别的 AgentSpec
func PrivilegedSpec() fleet.AgentSpec {
	spec := SpecOf(fleet.TypeCoordinator, "plan")
	spec.AccessLevel = coordination.AccessSystem
	return spec
}

// =============================================================================
// 📋 Task 工厂
// =============================================================================

// PipelineTask 返回按给定 Agent 顺序执行的任务
func PipelineTask(id string, agentIDs ...string) fleet.Task {
	return fleet.Task{
		ID:       id,
		Name:     "pipeline",
		Input:    []byte("input"),
		AgentIDs: agentIDs,
	}
}

// BroadcastTask 返回发给全部匹配能力的 Active Agent 的任务
func BroadcastTask(id string, capabilities ...string) fleet.Task {
	return fleet.Task{
		ID:                   id,
		Name:                 "broadcast",
		Input:                []byte("input"),
		RequiredCapabilities: capabilities,
	}
}

// =============================================================================
// ⚙️ 配置工厂
// =============================================================================

// FastFleetConfig 返回适合单元测试的短超时配置
func FastFleetConfig() fleet.Config {
	cfg := fleet.DefaultConfig()
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.TaskTimeout = 2 * time.Second
	cfg.InitTimeout = time.Second
	cfg.CancelGrace = 50 * time.Millisecond
	cfg.TerminateTimeout = 500 * time.Millisecond
	cfg.HealthCheckInterval = 20 * time.Millisecond
	cfg.SpawnRate = 0
	cfg.WorkerPoolSize = 16
	return cfg
}

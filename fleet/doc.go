// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package fleet 管理一组协作 Agent 的生命周期、拓扑与任务分发。

# 概述

Manager 是 Agent 记录表的唯一所有者。每个 Agent 经历状态机

	Pending → Initializing → Active → {Completing → Terminated | Degraded → (Recovering → Active | Terminated)}

所有状态变化都通过 transition 完成，并持久化到协调存储的 agent_registry，
进程重启后可通过 Restore 重建记录表。

# Agent 变体

Agent 类型是一个封闭集合（AgentType 常量），每种类型通过 Registry
注册一个 Factory。Agent 之间不持有彼此引用，只通过 AgentContext
暴露的协调存储与事件总线通信。

# 任务分发

DispatchTask 支持三种策略：

  - Parallel：errgroup 扇出，按 Reducer（FirstSuccess / AllComplete / Quorum）聚合
  - Sequential：流水线，上一个 Agent 的输出作为下一个的输入，首个致命错误即中止
  - Adaptive：按实时负载在 Parallel 与 Sequential 间选择

每次尝试都会写入 WorkflowState 步骤 "<task>/<agent>/attempt-<n>"，
重试次数因此可以跨重启保留。重试耗尽时任务以 Failed 结束，且只记录一次。

# 故障状态

存储返回 STORAGE 错误时 Manager 进入故障状态，SpawnAgent 与 DispatchTask
返回 FLEET_FAULTED，直到 CheckHealth（或后台健康检查循环）确认存储恢复。
*/
package fleet

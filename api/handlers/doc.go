// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 agentfleet 管理面 HTTP API 的请求处理器实现。

# 概述

handlers 包实现了 fleet 状态查询、Agent 管理操作、令牌化共享内存
读取、WebSocket 事件流以及健康检查，并提供统一的响应/错误处理。
所有 Handler 均遵循标准 net/http 接口，依赖以小接口声明，
*fleet.Manager、*coordination.Store 与 *eventbus.Bus 直接满足。

# 核心类型

  - FleetHandler：fleet 快照、Agent 终止/恢复、拓扑设置
  - MemoryHandler：以 Bearer 授权令牌读取协调存储条目
  - EventStreamHandler：/v1/events/ws，按 topic 模式推送事件，支持 since 回放
  - HealthHandler：/healthz 存活、/readyz 就绪、/version
  - RequireGrant：授权令牌中间件，按最低访问级别放行
  - Response / ErrorInfo：统一 JSON 响应结构

# 主要能力

  - ErrorCode → HTTP 状态码映射：VALIDATION 400、ACCESS_DENIED 403、
    NOT_FOUND 404、INVALID_TRANSITION 409、TIMEOUT 504、
    STORAGE/FLEET_FAULTED/BUS_CLOSED 503
  - 请求解析：DecodeJSONBody（1 MB 限制 + 严格模式）
  - 事件流：慢消费者丢帧并发送 dropped 通知，连接断开释放订阅
*/
package handlers
